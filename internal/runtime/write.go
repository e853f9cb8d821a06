package runtime

import (
	"context"
	"fmt"

	"github.com/roach88/tickstate/internal/converge"
	"github.com/roach88/tickstate/internal/ir"
)

// MutateFunc turns the current head state into the next draft. It must not
// modify cur in place; use ir.SetPath.
type MutateFunc func(cur ir.Value) (ir.Value, error)

// WriteOptions tag a write.
type WriteOptions struct {
	Priority   ir.Priority // Zero means urgent
	OriginKind ir.OriginKind
	OriginName string
	// DirtyPaths hints which paths the mutation touched. In dirty mode the
	// runtime computes them from the mutation when empty.
	DirtyPaths []string
}

// WriteResult describes one write.
type WriteResult struct {
	Outcome   converge.Outcome
	Patches   []ir.StatePatch
	Commit    ir.Commit
	Committed bool // false when the write changed nothing
}

// Write runs mutate against the head state of key, converges derived fields
// and queues the result as a commit.
//
// A failing mutate returns a *WriteError and commits nothing. A degraded
// convergence is not an error: the mutated state is committed with its
// derived fields untouched, the result carries the Degraded outcome, and the
// instance converges in full on its next write.
func (r *Runtime) Write(ctx context.Context, key ir.ModuleInstanceKey, opts WriteOptions, mutate MutateFunc) (WriteResult, error) {
	inst, err := r.lookup(key)
	if err != nil {
		return WriteResult{}, err
	}
	return r.writeCtx(ctx, inst, opts, mutate)
}

// Set writes v at path of key.
func (r *Runtime) Set(ctx context.Context, key ir.ModuleInstanceKey, opts WriteOptions, path string, v ir.Value) (WriteResult, error) {
	if len(opts.DirtyPaths) == 0 {
		opts.DirtyPaths = []string{path}
	}
	return r.Write(ctx, key, opts, func(cur ir.Value) (ir.Value, error) {
		return ir.SetPath(cur, path, v)
	})
}

func (r *Runtime) write(inst *instance, opts WriteOptions, mutate MutateFunc) (WriteResult, error) {
	return r.writeCtx(context.Background(), inst, opts, mutate)
}

func (r *Runtime) writeCtx(ctx context.Context, inst *instance, opts WriteOptions, mutate MutateFunc) (WriteResult, error) {
	if opts.Priority == 0 {
		opts.Priority = ir.PriorityUrgent
	}
	if opts.OriginKind == "" {
		opts.OriginKind = ir.OriginUnknown
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	base := inst.head
	next, err := mutate(base)
	if err != nil {
		return WriteResult{}, &WriteError{Key: inst.key.String(), Err: err}
	}

	mode := r.mode
	dirty := opts.DirtyPaths
	if inst.stale {
		mode = converge.ModeFull
	} else if mode == converge.ModeDirty && len(dirty) == 0 {
		dirty = changedRoots(base, next)
	}

	var patches []ir.StatePatch
	draft := &converge.MemDraft{State: next}
	outcome := r.conv.Converge(ctx, inst.mod.program, converge.Context{
		Key:          inst.key,
		Clock:        r.clock,
		Budget:       r.budget,
		Mode:         mode,
		DirtyPaths:   dirty,
		Draft:        draft,
		Recorder:     func(p ir.StatePatch) { patches = append(patches, p) },
		Middleware:   r.middleware,
		Diagnostics:  r.diagnostics,
		RuntimeLabel: r.label,
	})

	_, degraded := outcome.(converge.Degraded)
	inst.stale = degraded

	result := WriteResult{Outcome: outcome, Patches: patches}
	if ir.Same(draft.State, base) {
		return result, nil
	}

	inst.head = draft.State
	meta := ir.CommitMeta{
		Priority:   opts.Priority,
		OriginKind: opts.OriginKind,
		OriginName: opts.OriginName,
		TxnSeq:     r.txnSeq.Next(),
		TxnID:      r.txnIDs.Generate(),
	}
	result.Commit = ir.NewCommit(inst.key, draft.State, meta, inst.opSeq.Next())
	result.Committed = true

	r.logger.Debug("write accepted",
		"event", "write_accepted",
		"key", inst.key.String(),
		"origin", string(opts.OriginKind),
		"txn_seq", meta.TxnSeq,
		"patches", len(patches),
		"degraded", degraded,
	)
	r.sched.OnModuleCommit(result.Commit)
	return result, nil
}

// changedRoots returns the top-level fields whose reference differs between
// prev and next. A non-object on either side dirties the whole state.
func changedRoots(prev, next ir.Value) []string {
	po, ok1 := prev.(ir.Object)
	no, ok2 := next.(ir.Object)
	if !ok1 || !ok2 {
		return []string{""}
	}
	var roots []string
	for _, k := range no.SortedKeys() {
		if old, ok := po[k]; !ok || !ir.Same(old, no[k]) {
			roots = append(roots, k)
		}
	}
	for _, k := range po.SortedKeys() {
		if _, ok := no[k]; !ok {
			roots = append(roots, k)
		}
	}
	return roots
}

// Head returns the latest written state of key, committed or not.
func (r *Runtime) Head(key ir.ModuleInstanceKey) (ir.Value, error) {
	inst, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.head, nil
}

// State returns the state of key in the last published snapshot.
func (r *Runtime) State(key ir.ModuleInstanceKey) (ir.Value, bool) {
	return r.sched.Snapshot().State(key)
}

// Get reads path from the committed state of key.
func (r *Runtime) Get(key ir.ModuleInstanceKey, path string) (ir.Value, error) {
	st, ok := r.State(key)
	if !ok {
		return nil, fmt.Errorf("%s: no committed state", key)
	}
	v, ok := ir.GetPath(st, path)
	if !ok {
		return ir.Null{}, nil
	}
	return v, nil
}
