package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/resync/internal/replica"
)

// ResetResult is the output of the reset command.
type ResetResult struct {
	Scope string `json:"scope"`
	Epoch int64  `json:"epoch"`
}

func (r ResetResult) Text() string {
	return fmt.Sprintf("Scope %s reset, epoch %d; clients holding it will recover on their next sync\n", r.Scope, r.Epoch)
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <scope>",
		Short: "Force a client reset of a scope on the sync service",
		Long: `Simulate a server-side divergence: the sync service discards the scope's data
and advances its epoch. Every client holding a replica of the scope receives a
client reset on its next sync, backs its replica up and replays it into a
fresh one.

Example:
  resync reset P`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, err := openApp(rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			epoch, err := a.ResetScope(cmd.Context(), replica.Scope(args[0]))
			if err != nil {
				return f.Fail(ExitFailure, "reset failed", err)
			}
			return f.Success(ResetResult{Scope: args[0], Epoch: epoch})
		},
	}
}
