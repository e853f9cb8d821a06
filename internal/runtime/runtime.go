package runtime

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/tickstate/internal/converge"
	"github.com/roach88/tickstate/internal/engine"
	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/rowid"
	"github.com/roach88/tickstate/internal/trace"
)

// ModuleDef declares a module: its initial state and its traits.
type ModuleDef struct {
	ID      string
	Initial ir.Value
	Traits  []ir.TraitEntry
}

// module is a compiled ModuleDef.
type module struct {
	def     ModuleDef
	program *converge.Program
}

// instance is one running module instance.
//
// mu is held for the whole of a write, so at most one writer holds the
// draft of a key at a time.
type instance struct {
	key   ir.ModuleInstanceKey
	mod   *module
	rows  *rowid.Store
	opSeq *engine.Counter

	mu   sync.Mutex
	head ir.Value
	// stale is set after a degraded pass; the next write converges in full.
	stale bool
}

// Runtime hosts module instances.
//
// Thread-safety: Define, Instantiate, Link and Write are safe for concurrent
// use. Writes to one instance are serialized; writes to different instances
// run in parallel and meet in the commit queue.
type Runtime struct {
	sched    *engine.Scheduler
	conv     *converge.Engine
	sink     trace.Sink
	logger   *slog.Logger
	clock    converge.Clock
	txnIDs   engine.TxnIDGenerator
	txnSeq   *engine.Counter
	rowIDGen func() rowid.Generator

	budget      time.Duration
	mode        converge.Mode
	diagnostics converge.DiagnosticsLevel
	label       string
	middleware  []converge.Middleware
	schedOpts   []engine.Option

	mu        sync.RWMutex
	modules   map[string]*module
	instances map[ir.ModuleInstanceKey]*instance
	links     []ModuleLink
	reported  map[string]bool // link cycle warnings already emitted
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithSink sets where trace records go. Default: trace.Discard.
func WithSink(s trace.Sink) Option {
	return func(r *Runtime) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the monotonic clock used for convergence budgets and tick
// timing.
func WithClock(c converge.Clock) Option {
	return func(r *Runtime) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithTxnIDGenerator sets the transaction id source.
// Default: engine.UUIDv7Generator.
func WithTxnIDGenerator(g engine.TxnIDGenerator) Option {
	return func(r *Runtime) {
		if g != nil {
			r.txnIDs = g
		}
	}
}

// WithRowIDGenerator sets a factory for per-instance row id generators.
func WithRowIDGenerator(f func() rowid.Generator) Option {
	return func(r *Runtime) { r.rowIDGen = f }
}

// WithBudget sets the time budget of one convergence pass.
// Zero or negative means unlimited. Default: unlimited.
func WithBudget(d time.Duration) Option {
	return func(r *Runtime) { r.budget = d }
}

// WithMode sets the convergence mode of writes. Default: converge.ModeFull.
func WithMode(m converge.Mode) Option {
	return func(r *Runtime) { r.mode = m }
}

// WithDiagnostics sets the convergence diagnostics level.
// Default: converge.DiagnosticsLight.
func WithDiagnostics(l converge.DiagnosticsLevel) Option {
	return func(r *Runtime) { r.diagnostics = l }
}

// WithRuntimeLabel tags diagnostics with label.
func WithRuntimeLabel(label string) Option {
	return func(r *Runtime) { r.label = label }
}

// WithMiddleware appends convergence step middleware.
func WithMiddleware(mw ...converge.Middleware) Option {
	return func(r *Runtime) { r.middleware = append(r.middleware, mw...) }
}

// WithLimits sets the scheduler tick limits.
func WithLimits(l engine.Limits) Option {
	return func(r *Runtime) { r.schedOpts = append(r.schedOpts, engine.WithLimits(l)) }
}

// WithSchedulerOptions passes options through to the scheduler.
func WithSchedulerOptions(opts ...engine.Option) Option {
	return func(r *Runtime) { r.schedOpts = append(r.schedOpts, opts...) }
}

// New creates a Runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		sink:        trace.Discard,
		logger:      slog.Default(),
		clock:       converge.NewSystemClock(),
		txnIDs:      engine.UUIDv7Generator{},
		txnSeq:      engine.NewCounter(),
		mode:        converge.ModeFull,
		diagnostics: converge.DiagnosticsLight,
		modules:     make(map[string]*module),
		instances:   make(map[ir.ModuleInstanceKey]*instance),
		reported:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.conv = converge.New(converge.WithSink(r.sink), converge.WithLogger(r.logger))

	// Runtime wiring goes last so callers cannot replace it.
	schedOpts := append(slices.Clone(r.schedOpts),
		engine.WithSink(r.sink),
		engine.WithLogger(r.logger),
		engine.WithClock(r.clock),
		engine.WithPropagator(engine.PropagatorFunc(r.propagate)),
		engine.WithCommitHook(r.afterCommit),
	)
	r.sched = engine.NewScheduler(schedOpts...)
	return r
}

// Scheduler returns the underlying scheduler.
func (r *Runtime) Scheduler() *engine.Scheduler { return r.sched }

// Define compiles and registers a module. Trait configuration errors
// (*converge.ConfigError) are returned here and the module is not defined.
func (r *Runtime) Define(def ModuleDef) error {
	if def.ID == "" {
		return fmt.Errorf("define: empty module id")
	}
	program, err := converge.Compile(def.Traits)
	if err != nil {
		return fmt.Errorf("define %s: %w", def.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[def.ID]; ok {
		return fmt.Errorf("define %s: %w", def.ID, ErrModuleExists)
	}
	r.modules[def.ID] = &module{def: def, program: program}

	r.logger.Debug("module defined",
		"event", "module_defined",
		"module", def.ID,
		"writers", program.Len(),
		"lists", len(program.Lists()),
	)
	return nil
}

// Modules returns the defined module ids, sorted.
func (r *Runtime) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Program returns the compiled trait program of a module.
func (r *Runtime) Program(moduleID string) (*converge.Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[moduleID]
	if !ok {
		return nil, false
	}
	return m.program, true
}

// Instantiate creates an instance of a defined module. A nil initial state
// uses the module's Initial. The initial state is converged in full and
// committed like a write with origin kind unknown.
func (r *Runtime) Instantiate(key ir.ModuleInstanceKey, initial ir.Value) (WriteResult, error) {
	r.mu.Lock()
	m, ok := r.modules[key.ModuleID]
	if !ok {
		r.mu.Unlock()
		return WriteResult{}, fmt.Errorf("instantiate %s: %w", key, ErrUnknownModule)
	}
	if _, exists := r.instances[key]; exists {
		r.mu.Unlock()
		return WriteResult{}, fmt.Errorf("instantiate %s: %w", key, ErrInstanceExists)
	}
	if initial == nil {
		initial = m.def.Initial
	}
	if initial == nil {
		initial = ir.Object{}
	}

	var gen []rowid.Option
	if r.rowIDGen != nil {
		gen = append(gen, rowid.WithGenerator(r.rowIDGen()))
	}
	inst := &instance{
		key:   key,
		mod:   m,
		rows:  rowid.New(append(gen, rowid.WithLogger(r.logger))...),
		opSeq: engine.NewCounter(),
		head:  ir.Object{},
		stale: true,
	}
	r.instances[key] = inst
	r.mu.Unlock()

	r.logger.Debug("instance created", "event", "instance_created", "key", key.String())

	return r.write(inst, WriteOptions{
		Priority:   ir.PriorityUrgent,
		OriginKind: ir.OriginUnknown,
		OriginName: "instantiate",
	}, func(ir.Value) (ir.Value, error) { return initial, nil })
}

// Instances returns the keys of every instance, sorted by String.
func (r *Runtime) Instances() []ir.ModuleInstanceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]ir.ModuleInstanceKey, 0, len(r.instances))
	for k := range r.instances {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b ir.ModuleInstanceKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

func (r *Runtime) lookup(key ir.ModuleInstanceKey) (*instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrUnknownInstance)
	}
	return inst, nil
}
