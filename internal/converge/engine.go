package converge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/trace"
)

// Engine runs convergence passes. One Engine is shared by every module
// instance of a runtime; it keeps only diagnostic bookkeeping between passes.
//
// Thread-safety: Converge may be called from any goroutine, but callers must
// not run two passes over the same Draft concurrently.
type Engine struct {
	sink   trace.Sink
	logger *slog.Logger

	mu       sync.Mutex
	reported map[string]struct{} // "module\x00field" pairs already reported as deps_mismatch
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets where diagnostics go. Default: trace.Discard.
func WithSink(s trace.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		sink:     trace.Discard,
		logger:   slog.Default(),
		reported: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// pass is the mutable state of one Converge call.
type pass struct {
	e     *Engine
	ctx   context.Context
	p     *Program
	c     Context
	clock Clock
	start time.Duration

	base    ir.Value
	state   ir.Value
	patches []ir.StatePatch
	dirty   []string
	summary Summary
}

// Converge recomputes the derived fields of c.Draft in topological order.
//
// The draft is updated as writers change it. If the budget runs out or a
// derive function fails, the draft is restored to exactly the value it had on
// entry and Degraded is returned; patches reach c.Recorder only when the pass
// succeeds. Converge never panics because of a derive function.
func (e *Engine) Converge(ctx context.Context, p *Program, c Context) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	clock := c.Clock
	if clock == nil {
		clock = NewSystemClock()
	}

	ps := &pass{
		e:     e,
		ctx:   ctx,
		p:     p,
		c:     c,
		clock: clock,
		start: clock.Now(),
	}
	ps.base = c.Draft.GetDraft()
	ps.state = ps.base
	ps.summary.Total = p.Len()
	ps.summary.Mode = ModeFull
	if c.Mode == ModeDirty && len(c.DirtyPaths) > 0 {
		ps.summary.Mode = ModeDirty
		for _, d := range c.DirtyPaths {
			ps.markDirty(d)
		}
	}

	for i, w := range p.writers {
		if ps.overBudget() {
			ps.summary.Skipped += len(p.writers) - i
			return ps.degrade(ReasonBudgetExceeded, nil)
		}
		if ps.summary.Mode == ModeDirty && !ps.affected(w) {
			ps.summary.Skipped++
			continue
		}
		if err := ps.run(w); err != nil {
			ps.summary.Skipped += len(p.writers) - i - 1
			return ps.degrade(ReasonRuntimeError, err)
		}
	}
	if ps.overBudget() {
		return ps.degrade(ReasonBudgetExceeded, nil)
	}

	ps.summary.Elapsed = ps.elapsed()
	if c.Recorder != nil {
		for _, patch := range ps.patches {
			c.Recorder(patch)
		}
	}
	if ps.summary.Changed == 0 {
		return Noop{Summary: ps.summary}
	}
	return Converged{PatchCount: len(ps.patches), Summary: ps.summary}
}

func (ps *pass) elapsed() time.Duration {
	return ps.clock.Now() - ps.start
}

func (ps *pass) overBudget() bool {
	return ps.c.Budget > 0 && ps.elapsed() > ps.c.Budget
}

func (ps *pass) markDirty(path string) {
	root := ir.ContainerPath(path)
	if !slices.Contains(ps.dirty, root) {
		ps.dirty = append(ps.dirty, root)
	}
}

// affected reports whether w reads or owns a dirty root.
func (ps *pass) affected(w writer) bool {
	for _, d := range ps.dirty {
		if ir.PathOverlaps(d, w.path) {
			return true
		}
		for _, r := range w.roots {
			if ir.PathOverlaps(d, r) {
				return true
			}
		}
	}
	return false
}

// run evaluates one writer and applies its result to the draft.
func (ps *pass) run(w writer) error {
	prev, ok := ir.GetPath(ps.state, w.path)
	if !ok || prev == nil {
		prev = ir.Null{}
	}

	step := Step{
		ID:        w.stepID,
		Kind:      ir.TraitKind(w.entry),
		FieldPath: w.path,
		ModuleID:  ps.c.Key.ModuleID,
	}
	reader := &trackingReader{state: ps.state}

	began := ps.clock.Now()
	next, err := ps.invoke(step, func() (ir.Value, error) {
		return evaluate(w, reader)
	})
	took := ps.clock.Now() - began

	ps.summary.Executed++
	ps.summary.noteTiming(StepTiming{StepID: w.stepID, Duration: took})
	if ps.c.Diagnostics == DiagnosticsFull {
		ps.e.logger.Debug("converge step",
			"event", "converge_step",
			"module", ps.c.Key.String(),
			"step", w.stepID,
			"duration", took)
	}
	if err != nil {
		return fmt.Errorf("step %s: %w", w.stepID, err)
	}
	if next == nil {
		next = ir.Null{}
	}

	if c, ok := w.entry.(ir.Computed); ok {
		ps.checkDeps(c, reader.reads)
	}

	if equal(w.entry, prev, next) {
		return nil
	}

	updated, err := ir.SetPath(ps.state, w.path, next)
	if err != nil {
		return fmt.Errorf("step %s: %w", w.stepID, err)
	}
	ps.state = updated
	ps.c.Draft.SetDraft(updated)
	ps.patches = append(ps.patches, ir.StatePatch{
		Path:   w.path,
		From:   prev,
		To:     next,
		Reason: w.reason,
		StepID: w.stepID,
	})
	ps.summary.Changed++
	if ps.summary.Mode == ModeDirty {
		ps.markDirty(w.path)
	}
	return nil
}

// invoke runs core through the middleware chain, recovering panics from
// either.
func (ps *pass) invoke(step Step, core Next) (v ir.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	next := core
	for i := len(ps.c.Middleware) - 1; i >= 0; i-- {
		mw, inner := ps.c.Middleware[i], next
		next = func() (ir.Value, error) {
			return mw(ps.ctx, step, inner)
		}
	}
	return next()
}

func evaluate(w writer, r *trackingReader) (ir.Value, error) {
	switch e := w.entry.(type) {
	case ir.Computed:
		return e.Derive(r)
	case ir.Link:
		return r.Get(e.From), nil
	default:
		panic(fmt.Sprintf("converge: %T is not a writer", w.entry))
	}
}

func equal(entry ir.TraitEntry, prev, next ir.Value) bool {
	if c, ok := entry.(ir.Computed); ok && c.Equals != nil {
		return c.Equals(prev, next)
	}
	return ir.Same(prev, next)
}

// degrade restores the base draft and drops buffered patches.
func (ps *pass) degrade(reason DegradeReason, err error) Outcome {
	ps.c.Draft.SetDraft(ps.base)
	ps.patches = nil
	ps.summary.Elapsed = ps.elapsed()

	ps.e.logger.Warn("convergence degraded",
		"event", "converge_degraded",
		"module", ps.c.Key.String(),
		"reason", string(reason),
		"executed", ps.summary.Executed,
		"total", ps.summary.Total,
		"error", err)

	if ps.c.Diagnostics != DiagnosticsOff {
		msg := fmt.Sprintf("convergence of %s rolled back: %s", ps.c.Key, reason)
		if err != nil {
			msg += ": " + err.Error()
		}
		ps.e.sink.Emit(trace.Diagnostic{
			Code:         trace.CodeConvergeDegraded,
			Severity:     trace.SeverityWarning,
			Message:      msg,
			ModuleID:     ps.c.Key.ModuleID,
			InstanceID:   ps.c.Key.InstanceID,
			Reason:       string(reason),
			RuntimeLabel: ps.c.RuntimeLabel,
		})
	}
	return Degraded{Reason: reason, Err: err, Summary: ps.summary}
}

// checkDeps reports a computed field whose reads disagree with its declared
// deps, once per module and field for the lifetime of the Engine.
func (ps *pass) checkDeps(c ir.Computed, reads []string) {
	if ps.c.Diagnostics == DiagnosticsOff {
		return
	}
	declared, observed, mismatch := depsMismatch(c.Deps, reads)
	if !mismatch {
		return
	}

	key := ps.c.Key.ModuleID + "\x00" + c.Path
	ps.e.mu.Lock()
	_, seen := ps.e.reported[key]
	ps.e.reported[key] = struct{}{}
	ps.e.mu.Unlock()
	if seen {
		return
	}

	ps.e.sink.Emit(trace.Diagnostic{
		Code:         trace.CodeDepsMismatch,
		Severity:     trace.SeverityWarning,
		Message:      fmt.Sprintf("computed field %q reads differ from its declared deps", c.Path),
		ModuleID:     ps.c.Key.ModuleID,
		InstanceID:   ps.c.Key.InstanceID,
		Field:        c.Path,
		Declared:     declared,
		Observed:     observed,
		RuntimeLabel: ps.c.RuntimeLabel,
	})
}
