package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/trace"
)

// Propagator applies declarative cross-module propagation for one drain
// round. It receives the commits drained in that round and may produce new
// commits through OnModuleCommit; those are drained in the next round.
type Propagator interface {
	Propagate(round int, commits []ir.Commit) error
}

// PropagatorFunc adapts a function to Propagator.
type PropagatorFunc func(round int, commits []ir.Commit) error

// Propagate implements Propagator.
func (f PropagatorFunc) Propagate(round int, commits []ir.Commit) error { return f(round, commits) }

// CommitHook runs after a snapshot is published and before listeners are
// notified. It must not block.
type CommitHook func(result TickResult, snap *Snapshot)

// TickResult describes one tick.
type TickResult struct {
	TickSeq        int64
	Stable         bool
	DegradeReason  DegradeReason
	Accepted       []ir.Commit
	Deferred       int // commits re-queued for a later tick
	DeferredTopics int
	Rounds         int // drain rounds used by fixpoint capture
	Notified       int // topics whose listeners ran
	ListenerErr    error
	Skipped        bool // nothing to do, or a tick was already in flight
}

// Scheduler is the tick scheduler: it drains the commit queue at microtask
// boundaries and publishes one snapshot per tick.
//
// Thread-safety model:
//   - OnModuleCommit, OnSelectorChanged, Subscribe, Snapshot, TickSeq:
//     safe from any goroutine
//   - Run: must be called from exactly one goroutine
//   - At most one tick is in flight; FlushNow during a tick does not wait,
//     the queued work runs in a follow-up tick
//
// INVARIANTS:
//   - Tick sequence numbers strictly increase by one per committed tick
//   - Deferred work is re-queued before the snapshot is published, so it is
//     never dropped
//   - Listener failures never abort a tick
type Scheduler struct {
	limits     Limits
	queue      *CommitQueue
	tasks      *taskQueue
	ticks      *Counter
	snap       atomic.Pointer[Snapshot]
	subs       *registry
	propagator Propagator
	hook       CommitHook
	sink       trace.Sink
	logger     *slog.Logger
	clock      Clock

	mu         sync.Mutex
	scheduled  bool
	batchDepth int

	flushing atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxSteps sets the non-urgent commit budget per tick.
//
// Default: 64 (DefaultMaxSteps)
func WithMaxSteps(n int) Option {
	return func(s *Scheduler) { s.limits.MaxSteps = n }
}

// WithUrgentStepCap sets the urgent commit cap per tick.
//
// Default: 512 (DefaultUrgentStepCap)
func WithUrgentStepCap(n int) Option {
	return func(s *Scheduler) { s.limits.UrgentStepCap = n }
}

// WithMaxDrainRounds sets the fixpoint round cap per tick.
//
// Default: 8 (DefaultMaxDrainRounds)
func WithMaxDrainRounds(n int) Option {
	return func(s *Scheduler) { s.limits.MaxDrainRounds = n }
}

// WithLimits sets all three limits at once.
func WithLimits(l Limits) Option {
	return func(s *Scheduler) { s.limits = l }
}

// WithPropagator sets the cross-module propagator.
func WithPropagator(p Propagator) Option {
	return func(s *Scheduler) { s.propagator = p }
}

// WithCommitHook sets a hook run after each published snapshot.
func WithCommitHook(h CommitHook) Option {
	return func(s *Scheduler) { s.hook = h }
}

// WithSink sets where trace records go. Default: trace.Discard.
func WithSink(sink trace.Sink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the clock used for tick timing.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewScheduler creates a Scheduler. Non-positive limits fall back to the
// defaults.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		limits: DefaultLimits(),
		queue:  newCommitQueue(),
		tasks:  newTaskQueue(),
		ticks:  NewCounter(),
		subs:   newRegistry(),
		sink:   trace.Discard,
		logger: slog.Default(),
		clock:  systemClock{origin: time.Now()},
	}
	for _, opt := range opts {
		opt(s)
	}

	def := DefaultLimits()
	if s.limits.MaxSteps <= 0 {
		s.limits.MaxSteps = def.MaxSteps
	}
	if s.limits.UrgentStepCap <= 0 {
		s.limits.UrgentStepCap = def.UrgentStepCap
	}
	if s.limits.MaxDrainRounds <= 0 {
		s.limits.MaxDrainRounds = def.MaxDrainRounds
	}

	s.snap.Store(emptySnapshot())
	return s
}

// Limits returns the effective tick limits.
func (s *Scheduler) Limits() Limits { return s.limits }

// OnModuleCommit queues a commit and schedules a flush.
func (s *Scheduler) OnModuleCommit(c ir.Commit) {
	s.queue.Push(c)
	s.logger.Debug("commit queued",
		"event", "commit_queued",
		"key", c.Key.String(),
		"priority", c.Meta.Priority.String(),
		"origin", string(c.Meta.OriginKind),
		"txn_seq", c.Meta.TxnSeq,
	)
	s.schedule()
}

// OnSelectorChanged marks a derived read of key dirty without a commit and
// schedules a flush.
func (s *Scheduler) OnSelectorChanged(key ir.ModuleInstanceKey, topicID string, p ir.Priority) {
	s.queue.MarkTopic(ir.SelectorTopic(key, topicID), key, p)
	s.schedule()
}

// TickSeq returns the sequence number of the last committed tick.
func (s *Scheduler) TickSeq() int64 { return s.ticks.Current() }

// Snapshot returns the last published snapshot.
func (s *Scheduler) Snapshot() *Snapshot { return s.snap.Load() }

// QueueLen returns the number of commits waiting for a tick.
func (s *Scheduler) QueueLen() int { return s.queue.Len() }

// Idle reports whether no commits or dirty topics are waiting for a tick.
func (s *Scheduler) Idle() bool { return s.queue.Empty() }

// Subscribe registers fn for topic. The returned function unsubscribes and is
// safe to call more than once.
func (s *Scheduler) Subscribe(topic ir.TopicKey, fn Listener) func() {
	return s.subs.add(topic, fn)
}

// SubscriberCount returns the number of listeners on topic.
func (s *Scheduler) SubscriberCount(topic ir.TopicKey) int { return s.subs.count(topic) }

// Batch runs fn with microtask flushes held back. The outermost Batch flushes
// synchronously on exit, so a burst of writes inside it commits as one tick.
func (s *Scheduler) Batch(fn func()) {
	s.mu.Lock()
	s.batchDepth++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.batchDepth--
		outermost := s.batchDepth == 0
		s.mu.Unlock()
		if outermost && !s.queue.Empty() {
			s.flush()
		}
	}()
	fn()
}

// FlushNow runs one tick synchronously.
func (s *Scheduler) FlushNow() TickResult {
	return s.flush()
}

// RunMicrotasks runs queued microtasks on the calling goroutine until none
// are left, including ones queued while running. It returns how many ran.
func (s *Scheduler) RunMicrotasks() int {
	n := 0
	for {
		t, ok := s.tasks.TryDequeue()
		if !ok {
			return n
		}
		t()
		n++
	}
}

// Run executes microtasks as they are queued.
// Blocks until ctx is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting")

	for {
		if t, ok := s.tasks.TryDequeue(); ok {
			t()
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping: context cancelled")
			s.tasks.Close()
			return ctx.Err()

		case _, open := <-s.tasks.Wait():
			// A closed signal channel means Stop was called.
			if !open && s.tasks.Len() == 0 {
				s.logger.Info("scheduler stopping: stopped")
				return nil
			}
		}
	}
}

// Stop closes the microtask queue; Run returns once it is empty.
// Commits queued afterwards are only committed by FlushNow or Batch.
func (s *Scheduler) Stop() {
	s.tasks.Close()
}

// schedule queues one flush microtask unless one is pending, a tick is in
// flight, or a batch is open.
func (s *Scheduler) schedule() {
	s.mu.Lock()
	if s.scheduled || s.batchDepth > 0 {
		s.mu.Unlock()
		return
	}
	s.scheduled = true
	s.mu.Unlock()

	if !s.tasks.Enqueue(s.flushTask) {
		s.mu.Lock()
		s.scheduled = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) flushTask() {
	s.mu.Lock()
	if s.batchDepth > 0 {
		// The outermost batch exit flushes instead.
		s.scheduled = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.flush()
}

func (s *Scheduler) flush() TickResult {
	if !s.flushing.CompareAndSwap(false, true) {
		s.logger.Debug("flush skipped: tick in flight", "event", "flush_reentrant")
		return TickResult{TickSeq: s.TickSeq(), Stable: true, Skipped: true}
	}

	s.mu.Lock()
	s.scheduled = true
	s.mu.Unlock()

	defer func() {
		s.flushing.Store(false)
		s.mu.Lock()
		s.scheduled = false
		s.mu.Unlock()
		if !s.queue.Empty() {
			s.schedule()
		}
	}()
	return s.tick()
}

// tick runs one flush cycle.
//
// The algorithm:
//  1. Fixpoint capture: drain the queue and propagate, up to MaxDrainRounds
//  2. Budget partition into accepted and deferred work
//  3. Re-queue deferred work
//  4. Publish the snapshot with the next tick number, run the commit hook,
//     notify listeners of every accepted topic
//  5. Trace at start, at any budget overrun, and at settle
func (s *Scheduler) tick() TickResult {
	started := s.clock.Now()

	captured, rounds, cycle := s.capture()
	if captured.Empty() {
		return TickResult{TickSeq: s.TickSeq(), Stable: true, Skipped: true}
	}
	seq := s.ticks.Current() + 1

	trigger, anchor := summarizeTrigger(captured)
	s.sink.Emit(trace.TickEvent{
		Phase:   trace.PhaseStart,
		TickSeq: seq,
		Trigger: trigger,
		Anchor:  anchor,
		Budget:  trace.Budget{MaxSteps: s.limits.MaxSteps, Steps: captured.Len()},
		Backlog: &trace.Backlog{Pending: s.queue.Len()},
	})

	accepted, deferred, reason := partition(captured, s.limits)
	if cycle {
		reason = ReasonCycleDetected
	}

	if reason != ReasonNone {
		elapsed := s.clock.Now() - started
		backlog := &trace.Backlog{Pending: deferred.Len() + s.queue.Len()}
		if d := deferred.Commits(); len(d) > 0 {
			backlog.DeferredPrimary = triggerRef(d[0])
		}
		s.sink.Emit(trace.TickEvent{
			Phase:         trace.PhaseBudgetExceeded,
			TickSeq:       seq,
			Trigger:       trigger,
			Anchor:        anchor,
			Budget:        trace.Budget{MaxSteps: s.limits.MaxSteps, ElapsedMs: elapsed.Milliseconds(), Steps: accepted.Len()},
			Backlog:       backlog,
			DegradeReason: string(reason),
		})
		s.logger.Warn("tick budget exceeded",
			"event", "tick_degraded",
			"tick_seq", seq,
			"reason", string(reason),
			"accepted", accepted.Len(),
			"deferred", deferred.Len(),
			"rounds", rounds,
		)
		s.warnInversions(seq, deferred)
	}

	s.queue.Requeue(deferred)

	snap := s.snap.Load().next(seq, accepted.Commits())
	s.ticks.Next()
	s.snap.Store(snap)

	result := TickResult{
		TickSeq:        seq,
		Stable:         reason == ReasonNone,
		DegradeReason:  reason,
		Accepted:       accepted.Commits(),
		Deferred:       deferred.Len(),
		DeferredTopics: deferred.TopicLen(),
		Rounds:         rounds,
	}

	if s.hook != nil {
		s.runHook(result, snap)
	}
	result.Notified, result.ListenerErr = s.notify(seq, snap, accepted)

	elapsed := s.clock.Now() - started
	s.sink.Emit(trace.TickEvent{
		Phase:         trace.PhaseSettled,
		TickSeq:       seq,
		Trigger:       trigger,
		Anchor:        anchor,
		Budget:        trace.Budget{MaxSteps: s.limits.MaxSteps, ElapsedMs: elapsed.Milliseconds(), Steps: accepted.Len()},
		Stable:        result.Stable,
		DegradeReason: string(reason),
	})
	s.logger.Debug("tick settled",
		"event", "tick_settled",
		"tick_seq", seq,
		"accepted", len(result.Accepted),
		"deferred", result.Deferred,
		"notified", result.Notified,
		"stable", result.Stable,
	)
	return result
}

// capture drains the queue to a fixpoint. cycle is true when work is still
// queued after MaxDrainRounds rounds; that work stays queued.
func (s *Scheduler) capture() (captured *ir.PendingDrain, rounds int, cycle bool) {
	captured = ir.NewPendingDrain()
	for rounds < s.limits.MaxDrainRounds {
		batch := s.queue.Take()
		if batch.Empty() {
			return captured, rounds, false
		}
		rounds++
		captured.Merge(batch)

		if s.propagator != nil && batch.Len() > 0 {
			if err := s.propagate(rounds, batch.Commits()); err != nil {
				s.logger.Error("propagation failed",
					"event", "propagation_failed",
					"round", rounds,
					"error", err,
				)
				s.sink.Emit(trace.Diagnostic{
					Code:     trace.CodeLinkFailed,
					Severity: trace.SeverityError,
					Message:  err.Error(),
				})
			}
		}
	}

	cycle = !s.queue.Empty()
	if cycle {
		s.logger.Warn("drain rounds exhausted with work queued",
			"event", "drain_cycle",
			"rounds", rounds,
			"queued", s.queue.Len(),
		)
	}
	return captured, rounds, cycle
}

func (s *Scheduler) propagate(round int, commits []ir.Commit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PropagationError{Round: round, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if e := s.propagator.Propagate(round, commits); e != nil {
		return &PropagationError{Round: round, Err: e}
	}
	return nil
}

func (s *Scheduler) runHook(result TickResult, snap *Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("commit hook panicked",
				"event", "commit_hook_failed",
				"tick_seq", result.TickSeq,
				"panic", r,
			)
		}
	}()
	s.hook(result, snap)
}

// notify calls every listener of every accepted topic. Each listener runs
// in its own error boundary.
func (s *Scheduler) notify(seq int64, snap *Snapshot, accepted *ir.PendingDrain) (notified int, errs error) {
	for _, topic := range accepted.Topics() {
		subs := s.subs.listeners(topic)
		if len(subs) == 0 {
			continue
		}
		entry, _ := accepted.Topic(topic)
		n := Notification{
			Topic:    topic,
			Key:      entry.Key,
			Priority: entry.Priority,
			TickSeq:  seq,
			Snapshot: snap,
		}
		notified++

		for _, sub := range subs {
			err := call(sub.fn, n)
			if err == nil {
				continue
			}
			errs = multierr.Append(errs, err)
			s.logger.Warn("listener failed",
				"event", "listener_failed",
				"topic", string(topic),
				"tick_seq", seq,
				"error", err,
			)
			s.sink.Emit(trace.Diagnostic{
				Code:       trace.CodeListenerFailed,
				Severity:   trace.SeverityError,
				Message:    err.Error(),
				ModuleID:   entry.Key.ModuleID,
				InstanceID: entry.Key.InstanceID,
			})
		}
	}
	return notified, errs
}

// warnInversions flags deferred non-urgent topics somebody is waiting on.
func (s *Scheduler) warnInversions(seq int64, deferred *ir.PendingDrain) {
	for _, topic := range deferred.Topics() {
		entry, _ := deferred.Topic(topic)
		if entry.Priority >= ir.PriorityUrgent {
			continue
		}
		n := s.subs.count(topic)
		if n == 0 {
			continue
		}
		s.sink.Emit(trace.PriorityInversion{
			TickSeq:     seq,
			Topic:       string(topic),
			ModuleID:    entry.Key.ModuleID,
			InstanceID:  entry.Key.InstanceID,
			Subscribers: n,
		})
	}
}

// summarizeTrigger counts captured commits by origin kind and picks the
// first non-link commit as the primary trigger.
func summarizeTrigger(captured *ir.PendingDrain) (trace.Trigger, *trace.Anchor) {
	trigger := trace.Trigger{Counts: map[string]int{
		string(ir.OriginDispatch):      0,
		string(ir.OriginExternalStore): 0,
		string(ir.OriginTimer):         0,
		string(ir.OriginUnknown):       0,
	}}

	var primary *ir.Commit
	commits := captured.Commits()
	for i, c := range commits {
		switch c.Meta.OriginKind {
		case ir.OriginLink:
			continue
		case ir.OriginDispatch, ir.OriginExternalStore, ir.OriginTimer:
			trigger.Counts[string(c.Meta.OriginKind)]++
		default:
			trigger.Counts[string(ir.OriginUnknown)]++
		}
		if primary == nil {
			primary = &commits[i]
		}
	}
	if primary == nil && len(commits) > 0 {
		primary = &commits[0]
	}
	if primary == nil {
		return trigger, nil
	}

	trigger.Primary = triggerRef(*primary)
	return trigger, &trace.Anchor{
		ModuleID:   primary.ModuleID,
		InstanceID: primary.InstanceID,
		TxnSeq:     primary.Meta.TxnSeq,
		TxnID:      primary.Meta.TxnID,
	}
}

func triggerRef(c ir.Commit) *trace.TriggerRef {
	return &trace.TriggerRef{
		OriginKind: string(c.Meta.OriginKind),
		OriginName: c.Meta.OriginName,
		ModuleID:   c.ModuleID,
		InstanceID: c.InstanceID,
	}
}
