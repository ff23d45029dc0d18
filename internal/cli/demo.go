package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/resync/internal/harness"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Scenario string
	Dir      string
	Trace    bool
}

// DemoResult is the JSON output of the demo command.
type DemoResult struct {
	Scenario string              `json:"scenario"`
	Pass     bool                `json:"pass"`
	Events   []eventJSON         `json:"events"`
	Trace    []harness.TraceLine `json:"trace"`
	Errors   []string            `json:"errors,omitempty"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted session against a scratch sync service",
		Long: `Run a scenario end to end in a scratch directory: log in, open and fill a
replica, force a client reset and watch the replica recover. The event log is
printed when the scenario finishes.

Built-in scenarios: ` + strings.Join(harness.BuiltinNames(), ", ") + `

Example:
  resync demo
  resync demo --scenario auth-revoked
  resync demo --scenario ./my-scenario.yaml --dir /tmp/resync-demo`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Scenario, "scenario", "s", "interrupted-sync", "built-in scenario name or path to a scenario YAML file")
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "run in this directory and keep it (default: a removed temp dir)")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the normalized trace instead of the event log")

	return cmd
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	sc, err := loadDemoScenario(opts.Scenario)
	if err != nil {
		_ = f.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(cfg, opts.RootOptions, f.GetErrWriter())
	if !opts.Verbose {
		logger = slog.New(slog.DiscardHandler)
	}

	runOpts := []harness.Option{harness.WithNow(time.Now), harness.WithLogger(logger)}
	if opts.Dir != "" {
		runOpts = append(runOpts, harness.WithDir(opts.Dir))
	}
	f.VerboseLog("Running scenario %s: %s", sc.Name, sc.Description)
	result, err := harness.Run(cmd.Context(), sc, runOpts...)
	if err != nil {
		return f.Fail(ExitFailure, "scenario failed to run", err)
	}

	if f.Format == "json" {
		out := DemoResult{Scenario: sc.Name, Pass: result.Pass, Trace: result.Trace, Errors: result.Errors}
		for _, ev := range result.Events {
			out.Events = append(out.Events, eventJSON{Timestamp: ev.Time.Format(time.RFC3339Nano), Message: ev.Message})
		}
		if err := f.Success(out); err != nil {
			return err
		}
	} else {
		if opts.Trace {
			fmt.Fprint(f.Writer, string(result.Render(sc.Name)))
		} else {
			for _, ev := range result.Events {
				fmt.Fprintln(f.Writer, ev.String())
			}
		}
		if result.Pass {
			fmt.Fprintf(f.Writer, "✓ Scenario %s passed\n", sc.Name)
		} else {
			fmt.Fprintf(f.Writer, "✗ Scenario %s failed\n", sc.Name)
			for _, e := range result.Errors {
				fmt.Fprintf(f.Writer, "  %s: %s\n", ErrCodeScenario, e)
			}
		}
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed with %d error(s)", sc.Name, len(result.Errors)))
	}
	return nil
}

// loadDemoScenario treats name as a file path when one exists there,
// else as a built-in scenario name.
func loadDemoScenario(name string) (*harness.Scenario, error) {
	if _, err := os.Stat(name); err == nil {
		return harness.LoadScenario(name)
	}
	return harness.Builtin(name)
}
