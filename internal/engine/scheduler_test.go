package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/trace"
)

func testCommit(module, instance string, p ir.Priority, state int64) ir.Commit {
	return ir.NewCommit(ir.Key(module, instance), ir.Int(state), ir.CommitMeta{
		Priority:   p,
		OriginKind: ir.OriginDispatch,
		OriginName: "test",
		TxnSeq:     state,
		TxnID:      fmt.Sprintf("txn-%d", state),
	}, state)
}

func TestScheduler_BudgetStepsDefersExcess(t *testing.T) {
	rec := trace.NewRecorder()
	s := NewScheduler(WithSink(rec))
	maxSteps := s.Limits().MaxSteps
	require.Equal(t, DefaultMaxSteps, maxSteps)

	for i := 0; i < maxSteps+5; i++ {
		s.OnModuleCommit(testCommit("Row", fmt.Sprint(i), ir.PriorityLow, int64(i)))
	}

	first := s.FlushNow()
	assert.Len(t, first.Accepted, maxSteps)
	assert.Equal(t, 5, first.Deferred)
	assert.False(t, first.Stable)
	assert.Equal(t, ReasonBudgetSteps, first.DegradeReason)
	assert.Equal(t, int64(1), first.TickSeq)
	assert.Equal(t, 5, s.QueueLen(), "deferred work is re-queued")

	second := s.FlushNow()
	assert.Len(t, second.Accepted, 5)
	assert.Equal(t, 0, second.Deferred)
	assert.True(t, second.Stable)
	assert.Equal(t, int64(2), s.TickSeq())

	snap := s.Snapshot()
	assert.Equal(t, maxSteps+5, snap.Len(), "no commit is lost")
	state, ok := snap.State(ir.Key("Row", fmt.Sprint(maxSteps+4)))
	require.True(t, ok)
	assert.Equal(t, ir.Int(int64(maxSteps+4)), state)
}

func TestScheduler_DeferredKeepsQueueOrder(t *testing.T) {
	s := NewScheduler(WithMaxSteps(2))
	for i := 0; i < 4; i++ {
		s.OnModuleCommit(testCommit("Row", fmt.Sprint(i), ir.PriorityLow, int64(i)))
	}

	first := s.FlushNow()
	require.Len(t, first.Accepted, 2)
	assert.Equal(t, "0", first.Accepted[0].InstanceID)
	assert.Equal(t, "1", first.Accepted[1].InstanceID)

	second := s.FlushNow()
	require.Len(t, second.Accepted, 2)
	assert.Equal(t, "2", second.Accepted[0].InstanceID)
	assert.Equal(t, "3", second.Accepted[1].InstanceID)
}

func TestScheduler_UrgentLaneIgnoresMaxSteps(t *testing.T) {
	s := NewScheduler(WithMaxSteps(2))
	for i := 0; i < 5; i++ {
		s.OnModuleCommit(testCommit("U", fmt.Sprint(i), ir.PriorityUrgent, int64(i)))
	}
	for i := 0; i < 3; i++ {
		s.OnModuleCommit(testCommit("L", fmt.Sprint(i), ir.PriorityLow, int64(i)))
	}

	r := s.FlushNow()
	assert.Len(t, r.Accepted, 7)
	assert.Equal(t, 1, r.Deferred)
	assert.Equal(t, ReasonBudgetSteps, r.DegradeReason)
}

func TestScheduler_UrgentOverflowDefersEverythingElse(t *testing.T) {
	s := NewScheduler(WithUrgentStepCap(3))
	for i := 0; i < 5; i++ {
		s.OnModuleCommit(testCommit("U", fmt.Sprint(i), ir.PriorityUrgent, int64(i)))
	}
	s.OnModuleCommit(testCommit("L", "0", ir.PriorityLow, 0))
	s.OnModuleCommit(testCommit("L", "1", ir.PriorityLow, 1))

	r := s.FlushNow()
	assert.Len(t, r.Accepted, 3)
	assert.Equal(t, 4, r.Deferred)
	assert.Equal(t, ReasonCycleDetected, r.DegradeReason)
	assert.False(t, r.Stable)

	r = s.FlushNow()
	assert.Len(t, r.Accepted, 4)
	assert.True(t, r.Stable)
}

func TestScheduler_SameKeyCommitsCollapse(t *testing.T) {
	s := NewScheduler()
	s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 1))
	s.OnModuleCommit(testCommit("A", "1", ir.PriorityLow, 2))

	r := s.FlushNow()
	require.Len(t, r.Accepted, 1)
	assert.Equal(t, ir.Int(2), r.Accepted[0].State, "later state wins")
	assert.Equal(t, ir.PriorityUrgent, r.Accepted[0].Meta.Priority, "priority only rises")
}

func TestScheduler_EmptyFlushKeepsTickSeq(t *testing.T) {
	s := NewScheduler()
	r := s.FlushNow()
	assert.True(t, r.Skipped)
	assert.True(t, r.Stable)
	assert.Equal(t, int64(0), s.TickSeq())
}

func TestScheduler_MicrotaskCollapsesBurst(t *testing.T) {
	s := NewScheduler()
	for i := 0; i < 3; i++ {
		s.OnModuleCommit(testCommit("A", fmt.Sprint(i), ir.PriorityUrgent, int64(i)))
	}
	assert.Equal(t, int64(0), s.TickSeq(), "nothing visible before the microtask runs")
	assert.Equal(t, 3, s.QueueLen())

	ran := s.RunMicrotasks()
	assert.Equal(t, 1, ran, "one flush scheduled for the whole burst")
	assert.Equal(t, int64(1), s.TickSeq())
	assert.Equal(t, 3, s.Snapshot().Len())
}

func TestScheduler_MicrotaskRetriesDeferredWork(t *testing.T) {
	s := NewScheduler(WithMaxSteps(1))
	s.OnModuleCommit(testCommit("A", "0", ir.PriorityLow, 0))
	s.OnModuleCommit(testCommit("A", "1", ir.PriorityLow, 1))

	s.RunMicrotasks()

	assert.Equal(t, int64(2), s.TickSeq(), "deferred commit reschedules a tick")
	assert.Equal(t, 2, s.Snapshot().Len())
	assert.Equal(t, 0, s.QueueLen())
}

func TestScheduler_BatchFlushesOnOutermostExit(t *testing.T) {
	s := NewScheduler()

	s.Batch(func() {
		s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 1))
		s.Batch(func() {
			s.OnModuleCommit(testCommit("A", "2", ir.PriorityUrgent, 2))
		})
		assert.Equal(t, int64(0), s.TickSeq(), "inner exit does not flush")
		assert.Equal(t, 0, s.RunMicrotasks(), "no microtask while batching")
		s.OnModuleCommit(testCommit("A", "3", ir.PriorityUrgent, 3))
	})

	assert.Equal(t, int64(1), s.TickSeq())
	assert.Equal(t, 3, s.Snapshot().Len())
	assert.Equal(t, 0, s.RunMicrotasks())
}

func TestScheduler_MicrotaskDuringBatchDefersToBatchExit(t *testing.T) {
	s := NewScheduler()
	s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 1))

	s.Batch(func() {
		// The flush scheduled before the batch opened must not commit now.
		s.RunMicrotasks()
		assert.Equal(t, int64(0), s.TickSeq())
		s.OnModuleCommit(testCommit("A", "2", ir.PriorityUrgent, 2))
	})

	assert.Equal(t, int64(1), s.TickSeq())
	assert.Equal(t, 2, s.Snapshot().Len())
}

func TestScheduler_ListenerFailuresAreIsolated(t *testing.T) {
	rec := trace.NewRecorder()
	s := NewScheduler(WithSink(rec))
	key := ir.Key("A", "1")
	var got []Notification

	s.Subscribe(ir.ModuleTopic(key), func(Notification) error { panic("listener exploded") })
	s.Subscribe(ir.ModuleTopic(key), func(Notification) error { return errors.New("listener error") })
	s.Subscribe(ir.ModuleTopic(key), func(n Notification) error {
		got = append(got, n)
		return nil
	})

	s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 7))
	var r TickResult
	require.NotPanics(t, func() { r = s.FlushNow() })

	require.Len(t, got, 1, "healthy listener still runs")
	assert.Equal(t, int64(1), got[0].TickSeq)
	state, ok := got[0].Snapshot.State(key)
	require.True(t, ok)
	assert.Equal(t, ir.Int(7), state)

	require.Error(t, r.ListenerErr)
	assert.Len(t, multierr.Errors(r.ListenerErr), 2)
	assert.True(t, IsListenerError(r.ListenerErr))
	assert.Equal(t, 1, r.Notified)
	assert.Len(t, rec.Diagnostics(trace.CodeListenerFailed), 2)

	_, committed := s.Snapshot().State(key)
	assert.True(t, committed, "listener failure never aborts the commit")
}

func TestScheduler_Unsubscribe(t *testing.T) {
	s := NewScheduler()
	calls := 0
	unsubscribe := s.Subscribe(ir.ModuleTopic(ir.Key("A", "1")), func(Notification) error {
		calls++
		return nil
	})
	assert.Equal(t, 1, s.SubscriberCount(ir.ModuleTopic(ir.Key("A", "1"))))

	s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 1))
	s.FlushNow()
	unsubscribe()
	unsubscribe()
	s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 2))
	s.FlushNow()

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.SubscriberCount(ir.ModuleTopic(ir.Key("A", "1"))))
}

func TestScheduler_SelectorChangedNotifiesWithoutCommit(t *testing.T) {
	s := NewScheduler()
	key := ir.Key("Cart", "main")
	topic := ir.SelectorTopic(key, "total")
	var seen []ir.TopicKey
	s.Subscribe(topic, func(n Notification) error {
		seen = append(seen, n.Topic)
		return nil
	})

	s.OnSelectorChanged(key, "total", ir.PriorityUrgent)
	r := s.FlushNow()

	assert.Equal(t, []ir.TopicKey{topic}, seen)
	assert.Empty(t, r.Accepted)
	assert.Equal(t, int64(1), r.TickSeq)
}

func TestScheduler_PropagationRunsToFixpoint(t *testing.T) {
	var s *Scheduler
	s = NewScheduler(WithPropagator(PropagatorFunc(func(round int, commits []ir.Commit) error {
		for _, c := range commits {
			if c.ModuleID == "Source" {
				linked := c
				linked.Key = ir.Key("Target", c.InstanceID)
				linked.ModuleID = "Target"
				linked.Meta.OriginKind = ir.OriginLink
				s.OnModuleCommit(linked)
			}
		}
		return nil
	})))

	var targetSawSource bool
	s.Subscribe(ir.ModuleTopic(ir.Key("Target", "1")), func(n Notification) error {
		_, targetSawSource = n.Snapshot.State(ir.Key("Source", "1"))
		return nil
	})

	s.OnModuleCommit(testCommit("Source", "1", ir.PriorityUrgent, 5))
	r := s.FlushNow()

	assert.Equal(t, 2, r.Rounds)
	assert.Len(t, r.Accepted, 2)
	assert.True(t, r.Stable)
	assert.True(t, targetSawSource, "readers never see a commit without its propagated effects")
	assert.Equal(t, int64(1), s.TickSeq())
}

func TestScheduler_DrainCapFlagsCycle(t *testing.T) {
	var s *Scheduler
	n := int64(0)
	s = NewScheduler(
		WithMaxDrainRounds(3),
		WithPropagator(PropagatorFunc(func(round int, commits []ir.Commit) error {
			n++
			s.OnModuleCommit(testCommit("Ping", "1", ir.PriorityUrgent, n))
			return nil
		})),
	)

	s.OnModuleCommit(testCommit("Ping", "1", ir.PriorityUrgent, 0))
	r := s.FlushNow()

	assert.Equal(t, 3, r.Rounds)
	assert.Equal(t, ReasonCycleDetected, r.DegradeReason)
	assert.False(t, r.Stable)
	assert.Equal(t, 1, s.QueueLen(), "work beyond the cap waits for the next tick")
}

func TestScheduler_PropagatorErrorDoesNotAbortTick(t *testing.T) {
	rec := trace.NewRecorder()
	s := NewScheduler(
		WithSink(rec),
		WithPropagator(PropagatorFunc(func(int, []ir.Commit) error { return errors.New("link broke") })),
	)
	s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 1))

	r := s.FlushNow()

	assert.Len(t, r.Accepted, 1)
	require.Len(t, rec.Diagnostics(trace.CodeLinkFailed), 1)
	assert.Contains(t, rec.Diagnostics(trace.CodeLinkFailed)[0].Message, "link broke")
}

func TestScheduler_CommitHookRunsBeforeListeners(t *testing.T) {
	var order []string
	s := NewScheduler(WithCommitHook(func(r TickResult, snap *Snapshot) {
		order = append(order, fmt.Sprintf("hook:%d", snap.TickSeq))
	}))
	s.Subscribe(ir.ModuleTopic(ir.Key("A", "1")), func(n Notification) error {
		order = append(order, fmt.Sprintf("listener:%d", n.TickSeq))
		return nil
	})

	s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 1))
	s.FlushNow()

	assert.Equal(t, []string{"hook:1", "listener:1"}, order)
}

func TestScheduler_ReentrantFlushRunsFollowUpTick(t *testing.T) {
	s := NewScheduler()
	var inner TickResult
	fired := false
	s.Subscribe(ir.ModuleTopic(ir.Key("A", "1")), func(Notification) error {
		if fired {
			return nil
		}
		fired = true
		s.OnModuleCommit(testCommit("B", "1", ir.PriorityUrgent, 2))
		inner = s.FlushNow()
		return nil
	})

	s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 1))
	s.FlushNow()

	assert.True(t, inner.Skipped, "no nested tick")
	assert.Equal(t, int64(1), s.TickSeq())

	s.RunMicrotasks()
	assert.Equal(t, int64(2), s.TickSeq())
	_, ok := s.Snapshot().State(ir.Key("B", "1"))
	assert.True(t, ok)
}

func TestScheduler_TraceEvents(t *testing.T) {
	rec := trace.NewRecorder()
	s := NewScheduler(WithSink(rec), WithMaxSteps(2))
	for i := 0; i < 3; i++ {
		s.OnModuleCommit(testCommit("Row", fmt.Sprint(i), ir.PriorityLow, int64(i+1)))
	}

	s.FlushNow()

	ticks := rec.Ticks()
	require.Len(t, ticks, 3)
	assert.Equal(t, trace.PhaseStart, ticks[0].Phase)
	assert.Equal(t, trace.PhaseBudgetExceeded, ticks[1].Phase)
	assert.Equal(t, trace.PhaseSettled, ticks[2].Phase)

	start := ticks[0]
	assert.Equal(t, int64(1), start.TickSeq)
	assert.Equal(t, 3, start.Trigger.Counts["dispatch"])
	assert.Equal(t, 0, start.Trigger.Counts["timer"])
	require.NotNil(t, start.Trigger.Primary)
	assert.Equal(t, "0", start.Trigger.Primary.InstanceID)
	require.NotNil(t, start.Anchor)
	assert.Equal(t, "txn-1", start.Anchor.TxnID)
	assert.Equal(t, 2, start.Budget.MaxSteps)
	assert.NotNil(t, start.Backlog)

	exceeded := ticks[1]
	require.NotNil(t, exceeded.Backlog)
	assert.Equal(t, 1, exceeded.Backlog.Pending)
	require.NotNil(t, exceeded.Backlog.DeferredPrimary)
	assert.Equal(t, "2", exceeded.Backlog.DeferredPrimary.InstanceID)
	assert.Equal(t, "budget_steps", exceeded.DegradeReason)

	settled := ticks[2]
	assert.Nil(t, settled.Backlog, "settle has no backlog block")
	assert.False(t, settled.Stable)
	assert.Equal(t, 2, settled.Budget.Steps)
}

func TestScheduler_PriorityInversionWarning(t *testing.T) {
	rec := trace.NewRecorder()
	s := NewScheduler(WithSink(rec), WithMaxSteps(1))
	s.Subscribe(ir.ModuleTopic(ir.Key("Row", "1")), func(Notification) error { return nil })

	s.OnModuleCommit(testCommit("Row", "0", ir.PriorityLow, 0))
	s.OnModuleCommit(testCommit("Row", "1", ir.PriorityLow, 1))
	s.FlushNow()

	inv := rec.Inversions()
	require.Len(t, inv, 1)
	assert.Equal(t, "module:Row#1", inv[0].Topic)
	assert.Equal(t, 1, inv[0].Subscribers)
	assert.Equal(t, int64(1), inv[0].TickSeq)
}

func TestScheduler_RunLoop(t *testing.T) {
	s := NewScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 1))

	require.Eventually(t, func() bool { return s.TickSeq() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestScheduler_StopEndsRunLoop(t *testing.T) {
	s := NewScheduler()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	// Commits still land through an explicit flush.
	s.OnModuleCommit(testCommit("A", "1", ir.PriorityUrgent, 1))
	assert.Len(t, s.FlushNow().Accepted, 1)
}
