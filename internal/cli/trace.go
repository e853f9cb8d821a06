package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/store"
	"github.com/roach88/tickstate/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    int64  // 0 selects the latest run
	ListRuns bool   // list runs instead of showing one
	Degraded bool   // only degraded ticks
	Code     string // only diagnostics with this code
	Limit    int
}

// TraceResult holds the records of one run.
type TraceResult struct {
	Run         store.Run                `json:"run"`
	Ticks       []store.TickRecord       `json:"ticks"`
	Diagnostics []store.DiagnosticRecord `json:"diagnostics"`
	Stats       TraceStats               `json:"stats"`
}

// TraceStats holds summary statistics for a run.
type TraceStats struct {
	Settled     int `json:"settled"`
	Degraded    int `json:"degraded"`
	Diagnostics int `json:"diagnostics"`
	Inversions  int `json:"inversions"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect a SQLite trace log",
		Long: `Show the tick records and diagnostics written by "tickstate run --db".

By default the latest run is shown. Ticks are listed at every phase
(start, budgetExceeded, settled) in the order they were written.

Examples:
  tickstate trace --db ./trace.db --runs
  tickstate trace --db ./trace.db
  tickstate trace --db ./trace.db --run 2 --degraded
  tickstate trace --db ./trace.db --code scheduler::link_cycle --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite trace log (defaults to trace.db from the config)")
	cmd.Flags().Int64Var(&opts.RunID, "run", 0, "run id to show (default: latest)")
	cmd.Flags().BoolVar(&opts.ListRuns, "runs", false, "list runs")
	cmd.Flags().BoolVar(&opts.Degraded, "degraded", false, "only show degraded ticks")
	cmd.Flags().StringVar(&opts.Code, "code", "", "only show diagnostics with this code")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records per section (0 = all)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db := opts.Database
	if db == "" {
		db = opts.config().Trace.DB
	}
	if db == "" {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "--db is required (or set trace.db in the config)", nil)
	}
	// Open would create an empty database; a missing file is a typo.
	if _, err := os.Stat(db); err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("trace database not found: %s", db), nil)
	}

	st, err := store.Open(db, store.WithLogger(opts.logger(cmd.ErrOrStderr())))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open trace database", err)
	}
	defer st.Close()

	runs, err := st.Runs(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to read runs", err)
	}

	if opts.ListRuns {
		if f.JSON() {
			return f.Success(runs)
		}
		outputRunsText(f.Writer, runs)
		return nil
	}

	result, err := loadTrace(ctx, st, runs, opts)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			_ = f.Error(ErrCodeNotFound, exitErr.Message, nil)
			return exitErr
		}
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to read trace", err)
	}

	if f.JSON() {
		return f.Success(result)
	}
	outputTraceText(f, result)
	return nil
}

// loadTrace reads the ticks and diagnostics of the selected run.
func loadTrace(ctx context.Context, st *store.Store, runs []store.Run, opts *TraceOptions) (TraceResult, error) {
	if len(runs) == 0 {
		return TraceResult{}, NewExitError(ExitCommandError, "trace database has no runs")
	}

	run := runs[len(runs)-1]
	if opts.RunID != 0 {
		found := false
		for _, r := range runs {
			if r.ID == opts.RunID {
				run, found = r, true
				break
			}
		}
		if !found {
			return TraceResult{}, NewExitError(ExitCommandError, fmt.Sprintf("run %d not found", opts.RunID))
		}
	}

	ticks, err := st.ReadTicks(ctx, store.Filter{RunID: run.ID, Degraded: opts.Degraded, Limit: opts.Limit})
	if err != nil {
		return TraceResult{}, err
	}
	diags, err := st.ReadDiagnostics(ctx, store.Filter{RunID: run.ID, Code: opts.Code, Limit: opts.Limit})
	if err != nil {
		return TraceResult{}, err
	}

	result := TraceResult{Run: run, Ticks: ticks, Diagnostics: diags}
	for _, t := range ticks {
		if t.Event.Phase != trace.PhaseSettled {
			continue
		}
		result.Stats.Settled++
		if t.Event.DegradeReason != "" {
			result.Stats.Degraded++
		}
	}
	for _, d := range diags {
		if d.Kind == trace.KindPriorityInversion {
			result.Stats.Inversions++
		} else {
			result.Stats.Diagnostics++
		}
	}
	return result, nil
}

func outputRunsText(w io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	for _, r := range runs {
		name := r.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "  [%d] %s ticks=%d diagnostics=%d\n", r.ID, name, r.Ticks, r.Diagnostics)
	}
}

// outputTraceText outputs the trace result as text.
func outputTraceText(f *OutputFormatter, result TraceResult) {
	w := f.Writer

	fmt.Fprintf(w, "Trace for run %d: %s\n", result.Run.ID, result.Run.Name)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Ticks ===")
	if len(result.Ticks) == 0 {
		fmt.Fprintln(w, "  (no ticks)")
	}
	for _, t := range result.Ticks {
		ev := t.Event
		if ev.Phase != trace.PhaseSettled {
			if f.Verbose {
				fmt.Fprintf(w, "  [%d] %s\n", ev.TickSeq, ev.Phase)
			}
			continue
		}
		fmt.Fprintf(w, "  %s\n", formatTick(ev.TickSeq, ev.Stable, ev.DegradeReason, ev.Budget.Steps))
		if f.Verbose && ev.Trigger.Primary != nil {
			p := ev.Trigger.Primary
			fmt.Fprintf(w, "       trigger: %s %s on %s\n", p.OriginKind, p.OriginName, ir.Key(p.ModuleID, p.InstanceID))
		}
		if f.Verbose && ev.Backlog != nil {
			fmt.Fprintf(w, "       backlog: %d pending\n", ev.Backlog.Pending)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Diagnostics ===")
	if len(result.Diagnostics) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, d := range result.Diagnostics {
		fmt.Fprintf(w, "  [%d] %s\n", d.Seq, formatDiagnostic(d.Event))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Settled ticks: %d\n", result.Stats.Settled)
	fmt.Fprintf(w, "  Degraded:      %d\n", result.Stats.Degraded)
	fmt.Fprintf(w, "  Diagnostics:   %d\n", result.Stats.Diagnostics)
	fmt.Fprintf(w, "  Inversions:    %d\n", result.Stats.Inversions)
}

func formatDiagnostic(e trace.Event) string {
	switch ev := e.(type) {
	case trace.Diagnostic:
		s := fmt.Sprintf("%s %s", ev.Severity, ev.Code)
		if ev.ModuleID != "" {
			s += " " + ir.Key(ev.ModuleID, ev.InstanceID).String()
		}
		if ev.Message != "" {
			s += ": " + ev.Message
		}
		return s
	case trace.PriorityInversion:
		return fmt.Sprintf("%s topic %q on %s (tick %d, %d subscriber(s))",
			ev.EventKind(), ev.Topic, ir.Key(ev.ModuleID, ev.InstanceID), ev.TickSeq, ev.Subscribers)
	default:
		return string(e.EventKind())
	}
}
