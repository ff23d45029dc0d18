package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// InsertResult is the output of the insert command.
type InsertResult struct {
	Scope    string `json:"scope"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
}

func (r InsertResult) Text() string {
	if r.Inserted > 0 {
		return fmt.Sprintf("Inserted: %d documents\n", r.Inserted)
	}
	return fmt.Sprintf("Updated: %d documents\n", r.Updated)
}

// NewInsertCommand creates the insert command.
func NewInsertCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "insert",
		Short: "Insert or update the sample records",
		Long: `Open the configured scope and fill it with 500 random sample records when it
is empty; otherwise update every record it holds. Changes are uploaded to the
sync service before the command returns.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, err := openApp(rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			inserted, updated, err := a.InsertOrUpdateSample(cmd.Context())
			if err != nil {
				return f.Fail(ExitFailure, "sample operation failed", err)
			}
			return f.Success(InsertResult{Scope: a.Config.Scope, Inserted: inserted, Updated: updated})
		},
	}
}
