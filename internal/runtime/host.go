package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/tickstate/internal/engine"
	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/rowid"
	"github.com/roach88/tickstate/internal/trace"
)

// settleLimit bounds Settle so a link loop that never stops changing cannot
// spin forever.
const settleLimit = 1024

// Subscribe registers fn for topic.
func (r *Runtime) Subscribe(topic ir.TopicKey, fn engine.Listener) func() {
	return r.sched.Subscribe(topic, fn)
}

// SubscribeModule registers fn for every commit of key.
func (r *Runtime) SubscribeModule(key ir.ModuleInstanceKey, fn engine.Listener) func() {
	return r.sched.Subscribe(ir.ModuleTopic(key), fn)
}

// SubscribeSelector registers fn for a selector topic of key.
func (r *Runtime) SubscribeSelector(key ir.ModuleInstanceKey, topicID string, fn engine.Listener) func() {
	return r.sched.Subscribe(ir.SelectorTopic(key, topicID), fn)
}

// MarkSelectorChanged dirties a selector topic of key without a commit.
func (r *Runtime) MarkSelectorChanged(key ir.ModuleInstanceKey, topicID string, p ir.Priority) {
	r.sched.OnSelectorChanged(key, topicID, p)
}

// Rows returns the identity store of key.
func (r *Runtime) Rows(key ir.ModuleInstanceKey) (*rowid.Store, error) {
	inst, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return inst.rows, nil
}

// RowIDs returns the row ids of a list instance of key, as of the last
// committed tick.
func (r *Runtime) RowIDs(key ir.ModuleInstanceKey, listPath string, parent rowid.RowID) ([]rowid.RowID, bool) {
	inst, err := r.lookup(key)
	if err != nil {
		return nil, false
	}
	return inst.rows.IDs(listPath, parent)
}

// Batch runs fn with flushes held back; the outermost Batch commits
// everything written inside it as one tick.
func (r *Runtime) Batch(fn func()) {
	r.sched.Batch(fn)
}

// FlushNow runs one tick synchronously.
func (r *Runtime) FlushNow() engine.TickResult {
	return r.sched.FlushNow()
}

// TickSeq returns the sequence number of the last committed tick.
func (r *Runtime) TickSeq() int64 {
	return r.sched.TickSeq()
}

// Settle runs ticks until no work is queued and returns their results.
// Deferred work is retried on the following ticks. Pending flush microtasks
// are drained afterwards.
//
// Settle is for callers that do not run the scheduler loop (tests, the
// harness, the CLI). Use Run otherwise.
func (r *Runtime) Settle() []engine.TickResult {
	var results []engine.TickResult
	for i := 0; i < settleLimit && !r.sched.Idle(); i++ {
		res := r.sched.FlushNow()
		if res.Skipped {
			break
		}
		results = append(results, res)
	}
	r.sched.RunMicrotasks()

	if !r.sched.Idle() {
		r.logger.Warn("settle stopped with work queued",
			"event", "settle_incomplete",
			"ticks", len(results),
			"queued", r.sched.QueueLen(),
		)
	}
	return results
}

// Run executes scheduled flushes until ctx is cancelled or Stop is called.
func (r *Runtime) Run(ctx context.Context) error {
	return r.sched.Run(ctx)
}

// Stop stops Run.
func (r *Runtime) Stop() {
	r.sched.Stop()
}

// afterCommit reconciles the declared lists of every accepted instance
// against its committed state.
func (r *Runtime) afterCommit(result engine.TickResult, _ *engine.Snapshot) {
	for _, c := range result.Accepted {
		inst, err := r.lookup(c.Key)
		if err != nil {
			continue
		}
		lists := inst.mod.program.Lists()
		if len(lists) == 0 {
			continue
		}
		r.checkLists(c, lists)
		inst.rows.UpdateAll(c.State, lists)
	}
}

// checkLists reports declared root lists whose committed value is not an
// array. Their rows reconcile as an empty list.
func (r *Runtime) checkLists(c ir.Commit, lists []ir.List) {
	for _, l := range lists {
		if strings.Contains(l.Path, ir.EachMarker) {
			continue
		}
		v, ok := ir.GetPath(c.State, l.Path)
		if !ok {
			continue
		}
		if _, isArr := v.(ir.Array); isArr {
			continue
		}
		r.sink.Emit(trace.Diagnostic{
			Code:         trace.CodeIdentityFailed,
			Severity:     trace.SeverityWarning,
			Message:      fmt.Sprintf("list %s holds a %s, not an array; its rows were dropped", l.Path, ir.Kind(v)),
			ModuleID:     c.ModuleID,
			InstanceID:   c.InstanceID,
			Field:        l.Path,
			RuntimeLabel: r.label,
		})
	}
}
