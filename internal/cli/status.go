package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/resync/internal/registry"
)

// StatusResult is the output of the status command.
type StatusResult struct {
	DataDir string           `json:"data_dir"`
	Entries []registry.Entry `json:"entries"`
	Backups []string         `json:"pending_backups"`
}

func (r StatusResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Data dir: %s\n", r.DataDir)
	if len(r.Entries) == 0 {
		b.WriteString("No replicas registered\n")
	}
	for _, e := range r.Entries {
		fmt.Fprintf(&b, "  %s opened=%t\n", e.Location, e.Opened)
	}
	if len(r.Backups) == 0 {
		b.WriteString("No pending backups\n")
	} else {
		fmt.Fprintf(&b, "Pending backups (%d):\n", len(r.Backups))
		for _, p := range r.Backups {
			fmt.Fprintf(&b, "  %s\n", p)
		}
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registered replicas and pending backups",
		Long: `List every replica location that completed an open and every backup still
waiting to be replayed into its replica.`,
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

			backups, err := a.PendingBackups()
			if err != nil {
				return f.Fail(ExitFailure, "failed to list backups", err)
			}
			return f.Success(StatusResult{
				DataDir: a.Config.DataDir,
				Entries: a.Registry.Entries(),
				Backups: backups,
			})
		},
	}
}
