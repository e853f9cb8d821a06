package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tickstate/internal/harness"
	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
}

// RunReport is the outcome of one scenario run.
type RunReport struct {
	Scenario    string                      `json:"scenario"`
	Pass        bool                        `json:"pass"`
	RunID       int64                       `json:"run_id,omitempty"`
	SetupTicks  int                         `json:"setup_ticks"`
	Ticks       []harness.TickSummary       `json:"ticks"`
	Diagnostics []harness.DiagnosticSummary `json:"diagnostics"`
	State       map[string]any              `json:"state"`
	Errors      []string                    `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run one scenario against the runtime",
		Long: `Run a scenario file against a fresh runtime and print its ticks,
diagnostics and final state.

With --db (or trace.db in the config file) every tick and diagnostic is also
appended to a SQLite trace log, under a new run named after the scenario.

Example:
  tickstate run ./testdata/scenarios/cart_totals.yaml
  tickstate run --db ./trace.db ./testdata/scenarios/cart_totals.yaml --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to a SQLite trace log (created if missing)")

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	logger := opts.logger(cmd.ErrOrStderr())

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, "failed to load scenario", err)
	}

	report := RunReport{Scenario: scenario.Name}
	runOpts := []harness.Option{harness.WithLogger(logger)}

	db := opts.Database
	if db == "" {
		db = opts.config().Trace.DB
	}
	if db != "" {
		st, err := store.Open(db, store.WithLogger(logger))
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to open trace database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing trace database", "event", "store_close_failed", "error", closeErr)
			}
		}()

		if report.RunID, err = st.BeginRun(ctx, scenario.Name); err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to start trace run", err)
		}
		logger.Debug("trace run started", "event", "trace_run_started", "db", db, "run_id", report.RunID)
		runOpts = append(runOpts, harness.WithSink(st))
	}

	result, err := harness.RunContext(ctx, scenario, runOpts...)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, "scenario execution failed", err)
	}

	report.Pass = result.Pass
	report.SetupTicks = result.SetupTicks
	report.Ticks = result.Ticks
	report.Diagnostics = result.Diagnostics
	report.Errors = result.Errors
	report.State = make(map[string]any, len(result.State))
	for key, v := range result.State {
		report.State[key] = ir.ToGo(v)
	}

	if f.JSON() {
		if !report.Pass {
			if err := f.Failure(ErrCodeAssertion, fmt.Sprintf("%d assertion(s) failed", len(report.Errors)), report); err != nil {
				return err
			}
			return NewExitError(ExitFailure, "scenario assertions failed")
		}
		return f.Success(report)
	}

	outputRunText(f, report, result)
	if !report.Pass {
		return NewExitError(ExitFailure, "scenario assertions failed")
	}
	return nil
}

// outputRunText prints ticks, diagnostics, final state and failures.
func outputRunText(f *OutputFormatter, report RunReport, result *harness.Result) {
	w := f.Writer

	fmt.Fprintf(w, "Scenario: %s\n", report.Scenario)
	if report.RunID != 0 {
		fmt.Fprintf(w, "Trace run: %d\n", report.RunID)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "=== Ticks (%d after %d setup) ===\n", len(report.Ticks), report.SetupTicks)
	if len(report.Ticks) == 0 {
		fmt.Fprintln(w, "  (no ticks)")
	}
	for _, t := range report.Ticks {
		fmt.Fprintf(w, "  %s\n", formatTick(t.TickSeq, t.Stable, t.DegradeReason, t.Steps))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Diagnostics ===")
	if len(report.Diagnostics) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, d := range report.Diagnostics {
		where := ""
		if d.ModuleID != "" {
			where = " " + ir.Key(d.ModuleID, d.InstanceID).String()
		}
		fmt.Fprintf(w, "  [%s] %s%s\n", d.Severity, d.Code, where)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== State ===")
	keys := make([]string, 0, len(result.State))
	for k := range result.State {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data, err := ir.MarshalCanonical(result.State[k])
		if err != nil {
			fmt.Fprintf(w, "  %s: <%v>\n", k, err)
			continue
		}
		fmt.Fprintf(w, "  %s: %s\n", k, data)
	}
	fmt.Fprintln(w)

	if report.Pass {
		fmt.Fprintln(w, "✓ All assertions passed")
		return
	}
	fmt.Fprintln(w, "✗ Assertions failed")
	for _, e := range report.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// formatTick renders one tick line shared by run and trace.
func formatTick(seq int64, stable bool, reason string, steps int) string {
	status := "stable"
	if !stable {
		status = "degraded (" + reason + ")"
	}
	return fmt.Sprintf("[%d] %s steps=%d", seq, status, steps)
}
