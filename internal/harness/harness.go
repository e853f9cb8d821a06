package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"go.uber.org/multierr"

	"github.com/roach88/tickstate/internal/compiler"
	"github.com/roach88/tickstate/internal/config"
	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/rowid"
	"github.com/roach88/tickstate/internal/runtime"
	"github.com/roach88/tickstate/internal/testutil"
	"github.com/roach88/tickstate/internal/trace"
)

// Harness executes one scenario against a real runtime.
//
// Every run is isolated and deterministic:
//   - a fake clock that never advances, so step budgets decide degradation
//   - transaction ids "txn-1", "txn-2", ... per run
//   - row ids "row-1", "row-2", ... per instance
type Harness struct {
	rt     *runtime.Runtime
	rec    *trace.Recorder
	logger *slog.Logger
	result *Result
}

// Option configures a scenario run.
type Option func(*runOptions)

type runOptions struct {
	sink   trace.Sink
	logger *slog.Logger
}

// WithSink also sends every trace record of the run to sink.
func WithSink(s trace.Sink) Option {
	return func(o *runOptions) { o.sink = s }
}

// WithLogger sets the logger for the runtime and the harness.
// Default: logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
//  1. Load and compile the CUE modules
//  2. Create the runtime with the scenario config
//  3. Create instances and links, then settle (setup ticks)
//  4. Execute steps, recording row ids after each
//  5. Settle, collect ticks, diagnostics and final state
//  6. Evaluate assertions
//
// An error means the scenario could not be executed; failed assertions are
// reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return RunContext(context.Background(), scenario, opts...)
}

// RunContext is Run with a context for the writes.
func RunContext(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := scenario.Config
	if cfg == (config.Config{}) {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: config invalid: %w", scenario.Name, err)
	}

	bundle, errs := compiler.LoadDir(scenario.Modules)
	if len(errs) > 0 {
		return nil, fmt.Errorf("scenario %s: failed to load modules: %w", scenario.Name, multierr.Combine(errs...))
	}

	rec := trace.NewRecorder()
	rtOpts := append(cfg.RuntimeOptions(),
		runtime.WithSink(trace.Multi(rec, o.sink)),
		runtime.WithLogger(o.logger),
		runtime.WithClock(testutil.NewFakeClock()),
		runtime.WithTxnIDGenerator(testutil.NewSequenceGenerator("txn")),
		runtime.WithRowIDGenerator(func() rowid.Generator { return testutil.NewSequenceGenerator("row") }),
	)

	h := &Harness{
		rt:     runtime.New(rtOpts...),
		rec:    rec,
		logger: o.logger,
		result: NewResult(),
	}

	if err := h.setup(bundle, scenario); err != nil {
		return nil, fmt.Errorf("scenario %s: setup: %w", scenario.Name, err)
	}

	setupEvents := len(rec.Events())
	h.result.SetupTicks = int(h.rt.TickSeq())
	h.recordRows()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("scenario %s: steps[%d]: %w", scenario.Name, i, err)
		}
		h.recordRows()
		h.logger.Debug("step completed", "event", "step_completed", "scenario", scenario.Name, "step", i)
	}
	h.rt.Settle()
	h.recordRows()

	h.collect(setupEvents)

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}

	h.logger.Info("scenario completed",
		"event", "scenario_completed",
		"scenario", scenario.Name,
		"pass", h.result.Pass,
		"ticks", len(h.result.Ticks),
	)
	return h.result, nil
}

// setup defines modules, creates instances, adds links and settles.
func (h *Harness) setup(bundle *compiler.Bundle, scenario *Scenario) error {
	for _, def := range bundle.Modules {
		if err := h.rt.Define(def); err != nil {
			return err
		}
	}

	for _, spec := range scenario.Instances {
		key, err := ir.ParseKey(spec.Key)
		if err != nil {
			return err
		}
		var initial ir.Value
		if spec.State != nil {
			if initial, err = ir.FromGo(spec.State); err != nil {
				return fmt.Errorf("instance %s: state: %w", spec.Key, err)
			}
		}
		if _, err := h.rt.Instantiate(key, initial); err != nil {
			return err
		}
	}

	links := slices.Clone(bundle.Links)
	for _, l := range scenario.Links {
		src, err := ir.ParseKey(l.Source)
		if err != nil {
			return err
		}
		dst, err := ir.ParseKey(l.Target)
		if err != nil {
			return err
		}
		links = append(links, runtime.ModuleLink{
			Name:       l.Name,
			Source:     src,
			SourcePath: l.SourcePath,
			Target:     dst,
			TargetPath: l.TargetPath,
		})
	}
	for _, l := range links {
		if err := h.rt.Link(l); err != nil {
			return err
		}
	}

	h.rt.Settle()
	return nil
}

// execute runs one step.
func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Write != nil:
		return h.write(ctx, step.Write)

	case step.Select != nil:
		key, err := ir.ParseKey(step.Select.Key)
		if err != nil {
			return err
		}
		p, err := ir.ParsePriority(step.Select.Priority)
		if err != nil {
			return err
		}
		h.rt.MarkSelectorChanged(key, step.Select.Topic, p)
		return nil

	case step.Flush:
		h.rt.Settle()
		return nil

	case step.Batch != nil:
		var errs error
		h.rt.Batch(func() {
			for i, inner := range step.Batch {
				if err := h.execute(ctx, inner); err != nil {
					errs = multierr.Append(errs, fmt.Errorf("batch[%d]: %w", i, err))
				}
			}
		})
		h.rt.Settle()
		return errs

	default:
		return fmt.Errorf("empty step")
	}
}

// write applies one write step. A degraded convergence is not an error.
func (h *Harness) write(ctx context.Context, w *WriteStep) error {
	key, err := ir.ParseKey(w.Key)
	if err != nil {
		return err
	}
	p, err := ir.ParsePriority(w.Priority)
	if err != nil {
		return err
	}
	origin := ir.OriginKind(w.Origin)
	if origin == "" {
		origin = ir.OriginDispatch
	}
	name := w.Name
	if name == "" {
		name = w.Op + ":" + w.Path
	}

	var value ir.Value = ir.Null{}
	if w.Value != nil {
		if value, err = ir.FromGo(w.Value); err != nil {
			return fmt.Errorf("value: %w", err)
		}
	}

	opts := runtime.WriteOptions{
		Priority:   p,
		OriginKind: origin,
		OriginName: name,
		DirtyPaths: []string{w.Path},
	}
	_, err = h.rt.Write(ctx, key, opts, func(cur ir.Value) (ir.Value, error) {
		return applyOp(cur, w, value)
	})
	return err
}

// applyOp computes the next state for a write step.
func applyOp(cur ir.Value, w *WriteStep, value ir.Value) (ir.Value, error) {
	switch w.Op {
	case OpSet:
		return ir.SetPath(cur, w.Path, value)

	case OpAppend:
		arr, err := arrayAt(cur, w.Path)
		if err != nil {
			return nil, err
		}
		next := make(ir.Array, len(arr), len(arr)+1)
		copy(next, arr)
		return ir.SetPath(cur, w.Path, append(next, value))

	case OpRemove:
		arr, err := arrayAt(cur, w.Path)
		if err != nil {
			return nil, err
		}
		idx := *w.Index
		if idx >= len(arr) {
			return nil, fmt.Errorf("remove %s[%d]: index out of range for %d items", w.Path, idx, len(arr))
		}
		next := make(ir.Array, 0, len(arr)-1)
		next = append(next, arr[:idx]...)
		next = append(next, arr[idx+1:]...)
		return ir.SetPath(cur, w.Path, next)

	default:
		return nil, fmt.Errorf("unknown op %q", w.Op)
	}
}

func arrayAt(state ir.Value, path string) (ir.Array, error) {
	v, ok := ir.GetPath(state, path)
	if !ok {
		return ir.Array{}, nil
	}
	arr, ok := v.(ir.Array)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not an array", path, ir.Kind(v))
	}
	return arr, nil
}

// recordRows captures the row ids of every declared root list.
func (h *Harness) recordRows() {
	for _, key := range h.rt.Instances() {
		prog, ok := h.rt.Program(key.ModuleID)
		if !ok {
			continue
		}
		state, ok := h.rt.State(key)
		if !ok {
			continue
		}
		for _, l := range prog.Lists() {
			if strings.Contains(l.Path, ir.EachMarker) {
				continue
			}
			ids, ok := h.rt.RowIDs(key, l.Path, "")
			if !ok {
				continue
			}
			items, _ := arrayAt(state, l.Path)
			frame := rowFrame{ids: ids, items: make([]string, len(items))}
			for i, item := range items {
				frame.items[i] = identity(item, l.TrackBy)
			}
			k := rowsKey(key.String(), l.Path)
			h.result.rows[k] = append(h.result.rows[k], frame)
		}
	}
}

// identity renders what makes an item the same item: its trackBy key, or
// its whole content when the list is unkeyed.
func identity(item ir.Value, trackBy string) string {
	v := item
	if trackBy != "" {
		if k, ok := ir.GetPath(item, trackBy); ok {
			v = k
		}
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", ir.ToGo(v))
	}
	return string(b)
}

// collect fills ticks, diagnostics and final state from the run.
func (h *Harness) collect(setupEvents int) {
	for i, e := range h.rec.Events() {
		switch ev := e.(type) {
		case trace.TickEvent:
			if i < setupEvents || ev.Phase != trace.PhaseSettled {
				continue
			}
			t := TickSummary{
				TickSeq:       ev.TickSeq,
				Stable:        ev.Stable,
				DegradeReason: ev.DegradeReason,
				Steps:         ev.Budget.Steps,
				Counts:        ev.Trigger.Counts,
			}
			if ev.Anchor != nil {
				t.TxnID = ev.Anchor.TxnID
			}
			h.result.Ticks = append(h.result.Ticks, t)

		case trace.Diagnostic:
			h.result.Diagnostics = append(h.result.Diagnostics, DiagnosticSummary{
				Code:       ev.Code,
				Severity:   string(ev.Severity),
				ModuleID:   ev.ModuleID,
				InstanceID: ev.InstanceID,
				Field:      ev.Field,
			})
		}
	}

	for _, key := range h.rt.Instances() {
		if state, ok := h.rt.State(key); ok {
			h.result.State[key.String()] = state
		}
	}
}
