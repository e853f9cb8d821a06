package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tickstate/internal/compiler"
)

// ValidationIssue is one problem found in a modules directory.
type ValidationIssue struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Files    int               `json:"files"`
	Modules  []string          `json:"modules"`
	Links    int               `json:"links"`
	Warnings []string          `json:"warnings,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <modules-dir>",
		Short: "Validate CUE module definitions",
		Long: `Compile every CUE module definition in a directory without running it.

Checks the module schema, derive operators, trait graphs (cycles and fields
with more than one writer) and module links. Link cycles are reported as
warnings.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	info, err := os.Stat(dir)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("modules directory not found: %s", dir), nil)
	}
	if !info.IsDir() {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("not a directory: %s", dir), nil)
	}

	bundle, errs := compiler.LoadDir(dir)
	if bundle == nil && len(errs) == 1 && strings.Contains(errs[0].Error(), "no CUE files") {
		return f.Fail(ExitCommandError, ErrCodeNoFiles, errs[0].Error(), nil)
	}

	result := ValidationResult{Valid: len(errs) == 0, Modules: []string{}}
	if bundle != nil {
		result.Files = bundle.FileCount
		result.Links = len(bundle.Links)
		for _, m := range bundle.Modules {
			result.Modules = append(result.Modules, m.ID)
			f.VerboseLog("module %s: %d trait(s)", m.ID, len(m.Traits))
		}
		for _, w := range bundle.Warnings {
			result.Warnings = append(result.Warnings, w.Message)
		}
	}
	for _, err := range errs {
		result.Errors = append(result.Errors, toIssue(err))
	}

	if !result.Valid {
		return outputValidationErrors(f, result)
	}
	return outputValidateSuccess(f, result)
}

// toIssue converts a compile error into a reportable issue with its CUE
// position.
func toIssue(err error) ValidationIssue {
	var cErr *compiler.CompileError
	if !errors.As(err, &cErr) {
		return ValidationIssue{Message: err.Error()}
	}
	issue := ValidationIssue{Field: cErr.Field, Message: cErr.Message}
	if cErr.Pos.IsValid() {
		issue.File = cErr.Pos.Filename()
		issue.Line = cErr.Pos.Line()
	}
	return issue
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(f *OutputFormatter, result ValidationResult) error {
	if f.JSON() {
		return f.Success(result)
	}

	w := f.Writer
	fmt.Fprintf(w, "✓ %d module(s) valid, %d link(s)\n", len(result.Modules), result.Links)
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	return nil
}

// outputValidationErrors outputs every validation error.
func outputValidationErrors(f *OutputFormatter, result ValidationResult) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))

	if f.JSON() {
		if err := f.Failure(ErrCodeCompile, result.Errors[0].Message, result); err != nil {
			return err
		}
		return exitErr
	}

	w := f.Writer
	fmt.Fprintln(w, "✗ Validation failed")
	fmt.Fprintln(w)
	for _, issue := range result.Errors {
		if issue.Line > 0 {
			fmt.Fprintf(w, "%s line %d\n", issue.File, issue.Line)
		}
		if issue.Field != "" {
			fmt.Fprintf(w, "  %s: %s\n\n", issue.Field, issue.Message)
		} else {
			fmt.Fprintf(w, "  %s\n\n", issue.Message)
		}
	}
	return exitErr
}
