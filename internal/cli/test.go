package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tickstate/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Ticks  int      `json:"ticks"`
	Golden string   `json:"golden,omitempty"` // "match" | "updated" | "mismatch" | ""
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run every scenario in a directory",
		Long: `Run all scenario files (*.yaml, *.yml) under a directory in parallel.

Each scenario passes when its assertions hold and, if a golden snapshot
exists next to it in golden/<name>.golden, its snapshot matches.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  tickstate test ./testdata/scenarios
  tickstate test ./testdata/scenarios --filter "cart*"
  tickstate test ./testdata/scenarios --update
  tickstate test ./testdata/scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern on the file name")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	if _, err := os.Stat(dir); err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("scenarios directory not found: %s", dir), nil)
	}

	paths, err := harness.Discover(dir)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to find scenarios", err)
	}
	paths, err = filterScenarios(paths, opts.Filter)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid filter pattern", err)
	}

	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(paths)), Total: len(paths)}
	if len(paths) == 0 {
		if f.JSON() {
			return outputTestJSON(f, result)
		}
		fmt.Fprintln(f.Writer, "No scenarios found.")
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	suite, err := harness.RunAll(ctx, paths, harness.WithLogger(opts.logger(cmd.ErrOrStderr())))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, "scenario run cancelled", err)
	}

	for _, o := range suite.Outcomes {
		sr := ScenarioResult{
			Name:   o.Name,
			Path:   o.Path,
			Pass:   o.Pass,
			Ticks:  o.Ticks,
			Errors: o.Errors,
		}
		if sr.Name == "" {
			sr.Name = filepath.Base(o.Path)
		}
		if o.Result != nil {
			checkGolden(&sr, o, opts.Update)
		}

		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)

		if !f.JSON() {
			outputScenarioText(f, sr)
		}
	}

	if f.JSON() {
		return outputTestJSON(f, result)
	}
	return outputTestText(f, result)
}

// filterScenarios keeps the paths whose file name without extension matches
// the glob pattern.
func filterScenarios(paths []string, pattern string) ([]string, error) {
	if pattern == "" {
		return paths, nil
	}
	var out []string
	for _, p := range paths {
		base := filepath.Base(p)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		matched, err := filepath.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, p)
		}
	}
	return out, nil
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

// checkGolden compares the outcome snapshot against its golden file, or
// rewrites the file when update is set. A missing golden file is not a
// failure.
func checkGolden(sr *ScenarioResult, o harness.ScenarioOutcome, update bool) {
	fail := func(msg string) {
		sr.Pass = false
		sr.Errors = append(sr.Errors, msg)
	}

	snapshot, err := harness.Snapshot(o.Name, o.Result)
	if err != nil {
		fail(fmt.Sprintf("failed to build snapshot: %v", err))
		return
	}
	path := goldenFilePath(o.Path)

	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			fail(fmt.Sprintf("failed to create golden directory: %v", err))
			return
		}
		if err := os.WriteFile(path, snapshot, 0o644); err != nil {
			fail(fmt.Sprintf("failed to write golden file: %v", err))
			return
		}
		sr.Golden = "updated"
		return
	}

	want, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		fail(fmt.Sprintf("failed to read golden file: %v", err))
		return
	}
	if !bytes.Equal(want, snapshot) {
		sr.Golden = "mismatch"
		fail("snapshot does not match golden file (run with --update to regenerate)")
		return
	}
	sr.Golden = "match"
}

func outputScenarioText(f *OutputFormatter, sr ScenarioResult) {
	w := f.Writer
	mark := "✓"
	if !sr.Pass {
		mark = "✗"
	}
	suffix := ""
	if sr.Golden == "updated" {
		suffix = " (golden updated)"
	}
	fmt.Fprintf(w, "%s %s%s\n", mark, sr.Name, suffix)
	f.VerboseLog("  %s: %d tick(s), golden %q", sr.Path, sr.Ticks, sr.Golden)
	if !sr.Pass {
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}

// outputTestJSON outputs the test result as JSON.
func outputTestJSON(f *OutputFormatter, result TestResult) error {
	if result.Failed == 0 {
		return f.Success(result)
	}

	msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
	if err := f.Failure(ErrCodeTestsFailed, msg, result); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

// outputTestText outputs the test summary as text.
func outputTestText(f *OutputFormatter, result TestResult) error {
	w := f.Writer

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
