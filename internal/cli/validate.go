package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/resync/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a config file",
		Long: `Check a config file against the config schema and cross-field rules without
starting a client. Environment references are expanded first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		msg := fmt.Sprintf("config file not found: %s", path)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", ErrCodeNotFound, msg))
	}

	formatter.VerboseLog("Validating %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		return outputValidationError(formatter, path, err)
	}
	formatter.VerboseLog("data_dir=%s scope=%s merge_policy=%s", cfg.DataDir, cfg.Scope, cfg.Recovery.MergePolicy)

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Path: path})
	}
	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	return nil
}

// outputValidationError reports an invalid config. Validation failures
// exit with code 1.
func outputValidationError(formatter *OutputFormatter, path string, err error) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Path: path, Error: err.Error()},
			Error:  &CLIError{Code: ErrCodeConfig, Message: err.Error()},
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if encErr := encoder.Encode(response); encErr != nil {
			return encErr
		}
		return NewExitError(ExitFailure, "config validation failed")
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintf(formatter.Writer, "  %s: %v\n", ErrCodeConfig, err)
	return NewExitError(ExitFailure, "config validation failed")
}
