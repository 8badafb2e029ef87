package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/harness"
)

// ValidationError is one file that failed to load.
type ValidationError struct {
	File    string `json:"file"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Checked int               `json:"checked"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [scenario-file-or-dir...]",
		Short: "Validate scenarios and configuration without running them",
		Long: `Validate scenario files against the scenario schema, and the
configuration named by --config against the config schema.

With no arguments only the configuration is checked.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	result := ValidationResult{Errors: []ValidationError{}}

	if opts.ConfigPath != "" || len(paths) == 0 {
		result.Checked++
		name := opts.ConfigPath
		if name == "" {
			name = "(defaults)"
		}
		formatter.VerboseLog("checking config %s", name)
		if _, err := loadConfig(opts); err != nil {
			result.Errors = append(result.Errors, ValidationError{File: name, Code: ErrCodeConfig, Message: err.Error()})
		}
	}

	for _, path := range paths {
		files, err := harness.FindScenarios(path, "")
		if err != nil {
			result.Errors = append(result.Errors, ValidationError{File: path, Code: ErrCodeGeneric, Message: err.Error()})
			continue
		}
		for _, file := range files {
			result.Checked++
			formatter.VerboseLog("checking scenario %s", file)
			if _, err := harness.LoadScenario(file); err != nil {
				result.Errors = append(result.Errors, ValidationError{File: file, Code: ErrCodeScenarioLoad, Message: err.Error()})
			}
		}
	}

	result.Valid = len(result.Errors) == 0
	if opts.Format == "json" {
		if !result.Valid {
			msg := fmt.Sprintf("%d of %d file(s) invalid", len(result.Errors), result.Checked)
			if err := formatter.Failure(ErrCodeScenarioLoad, msg, result); err != nil {
				return err
			}
			return NewExitError(ExitFailure, msg)
		}
		return formatter.Success(result)
	}

	w := cmd.OutOrStdout()
	if result.Valid {
		fmt.Fprintf(w, "✓ %d file(s) valid\n", result.Checked)
		return nil
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "✗ %s\n  %s\n", e.File, e.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d of %d file(s) invalid", len(result.Errors), result.Checked))
}
