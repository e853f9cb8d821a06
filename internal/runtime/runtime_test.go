package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickstate/internal/converge"
	"github.com/roach88/tickstate/internal/engine"
	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/rowid"
	"github.com/roach88/tickstate/internal/testutil"
	"github.com/roach88/tickstate/internal/trace"
)

var (
	cartKey    = ir.Key("Cart", "main")
	summaryKey = ir.Key("Summary", "main")
)

func cartDef() ModuleDef {
	return ModuleDef{
		ID: "Cart",
		Initial: ir.MustFromGo(map[string]any{
			"items": []any{},
			"count": 0,
			"total": 0,
		}),
		Traits: []ir.TraitEntry{
			ir.Computed{Path: "count", Deps: []string{"items"}, Derive: func(r ir.Reader) (ir.Value, error) {
				arr, _ := r.Get("items").(ir.Array)
				return ir.Int(len(arr)), nil
			}},
			ir.Computed{Path: "total", Deps: []string{"items[].price"}, Derive: func(r ir.Reader) (ir.Value, error) {
				arr, _ := r.Get("items").(ir.Array)
				var sum ir.Int
				for _, it := range arr {
					n, _ := it.(ir.Object)["price"].(ir.Int)
					sum += n
				}
				return sum, nil
			}},
			ir.List{Path: "items", TrackBy: "id"},
		},
	}
}

func summaryDef() ModuleDef {
	return ModuleDef{
		ID:      "Summary",
		Initial: ir.MustFromGo(map[string]any{"cartTotal": 0}),
		Traits: []ir.TraitEntry{
			ir.Computed{Path: "big", Deps: []string{"cartTotal"}, Derive: func(r ir.Reader) (ir.Value, error) {
				n, _ := r.Get("cartTotal").(ir.Int)
				return ir.Bool(n >= 100), nil
			}},
		},
	}
}

func item(id, price int64) ir.Value {
	return ir.Object{"id": ir.Int(id), "price": ir.Int(price)}
}

func addItem(it ir.Value) MutateFunc {
	return func(cur ir.Value) (ir.Value, error) {
		items, _ := ir.GetPath(cur, "items")
		arr, _ := items.(ir.Array)
		next := append(ir.Array{}, arr...)
		return ir.SetPath(cur, "items", append(next, it))
	}
}

func newCartRuntime(t *testing.T, opts ...Option) (*Runtime, *trace.Recorder) {
	t.Helper()
	rec := trace.NewRecorder()
	opts = append([]Option{
		WithSink(rec),
		WithTxnIDGenerator(testutil.NewSequenceGenerator("txn")),
	}, opts...)
	r := New(opts...)
	require.NoError(t, r.Define(cartDef()))
	require.NoError(t, r.Define(summaryDef()))
	_, err := r.Instantiate(cartKey, nil)
	require.NoError(t, err)
	_, err = r.Instantiate(summaryKey, nil)
	require.NoError(t, err)
	r.Settle()
	rec.Reset()
	return r, rec
}

func dispatch(name string) WriteOptions {
	return WriteOptions{OriginKind: ir.OriginDispatch, OriginName: name}
}

func TestDefine_RejectsCycle(t *testing.T) {
	r := New()
	err := r.Define(ModuleDef{ID: "Bad", Traits: []ir.TraitEntry{
		ir.Link{Path: "a", From: "b"},
		ir.Link{Path: "b", From: "a"},
	}})

	require.Error(t, err)
	assert.True(t, converge.IsCycleError(err))
	var ce *converge.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b"}, ce.Fields)
	assert.Empty(t, r.Modules(), "a rejected module is not defined")
}

func TestDefine_RejectsMultipleWriters(t *testing.T) {
	r := New()
	derive := func(ir.Reader) (ir.Value, error) { return ir.Int(1), nil }
	err := r.Define(ModuleDef{ID: "Bad", Traits: []ir.TraitEntry{
		ir.Computed{Path: "x", Derive: derive},
		ir.Computed{Path: "x", Derive: derive},
	}})

	assert.True(t, converge.IsMultipleWritersError(err))
}

func TestDefine_Duplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Define(cartDef()))
	assert.ErrorIs(t, r.Define(cartDef()), ErrModuleExists)
}

func TestInstantiate_Errors(t *testing.T) {
	r := New()
	_, err := r.Instantiate(ir.Key("Nope", "1"), nil)
	assert.ErrorIs(t, err, ErrUnknownModule)

	require.NoError(t, r.Define(cartDef()))
	_, err = r.Instantiate(cartKey, nil)
	require.NoError(t, err)
	_, err = r.Instantiate(cartKey, nil)
	assert.ErrorIs(t, err, ErrInstanceExists)
}

func TestInstantiate_ConvergesInitialState(t *testing.T) {
	r := New()
	require.NoError(t, r.Define(cartDef()))
	initial := ir.MustFromGo(map[string]any{
		"items": []any{map[string]any{"id": 1, "price": 5}},
	})

	_, err := r.Instantiate(cartKey, initial)
	require.NoError(t, err)

	_, committed := r.State(cartKey)
	assert.False(t, committed, "not visible before a tick")

	results := r.Settle()
	require.Len(t, results, 1)
	total, err := r.Get(cartKey, "total")
	require.NoError(t, err)
	assert.Equal(t, ir.Int(5), total)
	count, _ := r.Get(cartKey, "count")
	assert.Equal(t, ir.Int(1), count)
}

func TestWrite_CommitsOnNextTick(t *testing.T) {
	r, rec := newCartRuntime(t)

	res, err := r.Write(context.Background(), cartKey, dispatch("add"), addItem(item(1, 30)))
	require.NoError(t, err)
	require.True(t, res.Committed)
	assert.IsType(t, converge.Converged{}, res.Outcome)
	assert.Len(t, res.Patches, 2)
	assert.Equal(t, ir.OriginDispatch, res.Commit.Meta.OriginKind)
	assert.Equal(t, "txn-3", res.Commit.Meta.TxnID, "two instantiations came first")

	head, err := r.Head(cartKey)
	require.NoError(t, err)
	before, _ := r.Get(cartKey, "total")
	assert.Equal(t, ir.Int(0), before, "committed state lags the head")

	results := r.Settle()
	require.Len(t, results, 1)
	assert.True(t, results[0].Stable)

	st, _ := r.State(cartKey)
	assert.Empty(t, cmp.Diff(ir.ToGo(head), ir.ToGo(st)))

	ticks := rec.Ticks()
	require.NotEmpty(t, ticks)
	assert.Equal(t, 1, ticks[0].Trigger.Counts["dispatch"])
	assert.Equal(t, "add", ticks[0].Trigger.Primary.OriginName)
}

func TestWrite_MutateErrorCommitsNothing(t *testing.T) {
	r, _ := newCartRuntime(t)
	boom := errors.New("boom")

	_, err := r.Write(context.Background(), cartKey, dispatch("bad"), func(ir.Value) (ir.Value, error) {
		return nil, boom
	})

	require.Error(t, err)
	assert.True(t, IsWriteError(err))
	assert.ErrorIs(t, err, boom)
	assert.True(t, r.Scheduler().Idle())
}

func TestWrite_UnchangedStateIsNotCommitted(t *testing.T) {
	r, _ := newCartRuntime(t)

	res, err := r.Write(context.Background(), cartKey, dispatch("noop"), func(cur ir.Value) (ir.Value, error) {
		return cur, nil
	})

	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.IsType(t, converge.Noop{}, res.Outcome)
	assert.Empty(t, r.Settle())
}

func TestWrite_UnknownInstance(t *testing.T) {
	r := New()
	_, err := r.Write(context.Background(), cartKey, WriteOptions{}, addItem(item(1, 1)))
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestWrite_DegradedPassCommitsMutationAndRecovers(t *testing.T) {
	clock := testutil.NewFakeClock()
	slow := false
	def := cartDef()
	def.ID = "Slow"
	def.Traits = append(def.Traits, ir.Computed{Path: "tick", Deps: []string{"items"}, Derive: func(r ir.Reader) (ir.Value, error) {
		if slow {
			clock.Advance(time.Hour)
		}
		arr, _ := r.Get("items").(ir.Array)
		return ir.Int(len(arr)), nil
	}})

	rec := trace.NewRecorder()
	r := New(WithClock(clock), WithBudget(time.Second), WithSink(rec))
	require.NoError(t, r.Define(def))
	key := ir.Key("Slow", "1")
	_, err := r.Instantiate(key, nil)
	require.NoError(t, err)
	r.Settle()

	slow = true
	res, err := r.Write(context.Background(), key, dispatch("add"), addItem(item(1, 10)))
	require.NoError(t, err)
	deg, ok := res.Outcome.(converge.Degraded)
	require.True(t, ok)
	assert.Equal(t, converge.ReasonBudgetExceeded, deg.Reason)
	assert.True(t, res.Committed, "the mutation itself still commits")
	assert.Empty(t, res.Patches)

	r.Settle()
	total, _ := r.Get(key, "total")
	assert.Equal(t, ir.Int(0), total, "derived fields untouched by the degraded pass")
	assert.Len(t, rec.Diagnostics(trace.CodeConvergeDegraded), 1)

	slow = false
	res, err = r.Write(context.Background(), key, dispatch("add"), addItem(item(2, 5)))
	require.NoError(t, err)
	assert.IsType(t, converge.Converged{}, res.Outcome)
	r.Settle()
	total, _ = r.Get(key, "total")
	assert.Equal(t, ir.Int(15), total)
}

func TestWrite_DirtyModeMatchesFullMode(t *testing.T) {
	full, _ := newCartRuntime(t)
	dirty, _ := newCartRuntime(t, WithMode(converge.ModeDirty))

	for _, r := range []*Runtime{full, dirty} {
		_, err := r.Write(context.Background(), cartKey, dispatch("add"), addItem(item(1, 7)))
		require.NoError(t, err)
		_, err = r.Set(context.Background(), cartKey, dispatch("rename"), "name", ir.String("x"))
		require.NoError(t, err)
		r.Settle()
	}

	a, _ := full.State(cartKey)
	b, _ := dirty.State(cartKey)
	assert.Empty(t, cmp.Diff(ir.ToGo(a), ir.ToGo(b)))
}

func TestLink_PropagatesInSameTick(t *testing.T) {
	r, rec := newCartRuntime(t)
	require.NoError(t, r.Link(ModuleLink{
		Source: cartKey, SourcePath: "total",
		Target: summaryKey, TargetPath: "cartTotal",
	}))
	r.Settle()
	rec.Reset()

	var seen []ir.Value
	r.SubscribeModule(summaryKey, func(n engine.Notification) error {
		v, _ := n.Snapshot.State(summaryKey)
		got, _ := ir.GetPath(v, "big")
		seen = append(seen, got)
		return nil
	})

	_, err := r.Write(context.Background(), cartKey, dispatch("add"), addItem(item(1, 150)))
	require.NoError(t, err)
	results := r.Settle()

	require.Len(t, results, 1, "propagation is part of the same tick")
	assert.Equal(t, 2, results[0].Rounds)
	assert.Len(t, results[0].Accepted, 2)
	assert.Equal(t, []ir.Value{ir.Bool(true)}, seen)

	v, _ := r.Get(summaryKey, "cartTotal")
	assert.Equal(t, ir.Int(150), v)

	ticks := rec.Ticks()
	require.NotEmpty(t, ticks)
	assert.Equal(t, 1, ticks[0].Trigger.Counts["dispatch"], "link commits are not triggers")
}

func TestLink_UnchangedSourceValueWritesNothing(t *testing.T) {
	r, _ := newCartRuntime(t)
	require.NoError(t, r.Link(ModuleLink{Source: cartKey, SourcePath: "total", Target: summaryKey, TargetPath: "cartTotal"}))
	r.Settle()

	// A free item leaves total unchanged.
	_, err := r.Write(context.Background(), cartKey, dispatch("add"), addItem(item(9, 0)))
	require.NoError(t, err)
	results := r.Settle()

	require.Len(t, results, 1)
	assert.Len(t, results[0].Accepted, 1)
}

func TestLink_Validation(t *testing.T) {
	r, _ := newCartRuntime(t)

	err := r.Link(ModuleLink{Source: cartKey, SourcePath: "total", Target: ir.Key("Summary", "missing"), TargetPath: "x"})
	assert.ErrorIs(t, err, ErrUnknownInstance)

	err = r.Link(ModuleLink{Source: cartKey, SourcePath: "", Target: summaryKey, TargetPath: "x"})
	assert.Error(t, err)

	err = r.Link(ModuleLink{Source: cartKey, SourcePath: "items[].id", Target: summaryKey, TargetPath: "x"})
	assert.Error(t, err)
}

func TestLink_CycleIsReportedOnce(t *testing.T) {
	r, rec := newCartRuntime(t)

	require.NoError(t, r.Link(ModuleLink{Source: cartKey, SourcePath: "total", Target: summaryKey, TargetPath: "cartTotal"}))
	require.NoError(t, r.Link(ModuleLink{Source: summaryKey, SourcePath: "big", Target: cartKey, TargetPath: "flag"}))
	require.NoError(t, r.Link(ModuleLink{Source: summaryKey, SourcePath: "big", Target: cartKey, TargetPath: "flag2"}))

	diags := rec.Diagnostics(trace.CodeLinkCycle)
	require.Len(t, diags, 1)
	assert.Equal(t, trace.SeverityWarning, diags[0].Severity)

	// The loop settles once the copied values stop changing.
	_, err := r.Write(context.Background(), cartKey, dispatch("add"), addItem(item(1, 200)))
	require.NoError(t, err)
	results := r.Settle()
	require.NotEmpty(t, results)
	assert.True(t, results[len(results)-1].Stable)
	flag, _ := r.Get(cartKey, "flag")
	assert.Equal(t, ir.Bool(true), flag)
}

func TestRuntime_RowIDsFollowCommits(t *testing.T) {
	r, _ := newCartRuntime(t, WithRowIDGenerator(func() rowid.Generator {
		return testutil.NewSequenceGenerator("row")
	}))
	ctx := context.Background()

	for _, it := range []ir.Value{item(1, 1), item(2, 2), item(3, 3)} {
		_, err := r.Write(ctx, cartKey, dispatch("add"), addItem(it))
		require.NoError(t, err)
	}
	r.Settle()

	ids, ok := r.RowIDs(cartKey, "items", "")
	require.True(t, ok)
	assert.Equal(t, []rowid.RowID{"row-1", "row-2", "row-3"}, ids)

	rows, err := r.Rows(cartKey)
	require.NoError(t, err)
	var removed []rowid.RowID
	rows.OnRemoved("items", func(_ string, id rowid.RowID) { removed = append(removed, id) })

	// Reverse and drop the middle item.
	_, err = r.Write(ctx, cartKey, dispatch("edit"), func(cur ir.Value) (ir.Value, error) {
		return ir.SetPath(cur, "items", ir.Array{item(3, 3), item(1, 1)})
	})
	require.NoError(t, err)
	r.Settle()

	ids, _ = r.RowIDs(cartKey, "items", "")
	assert.Equal(t, []rowid.RowID{"row-3", "row-1"}, ids)
	assert.Equal(t, []rowid.RowID{"row-2"}, removed)
}

func TestRuntime_NonArrayListIsReported(t *testing.T) {
	r, rec := newCartRuntime(t, WithRowIDGenerator(func() rowid.Generator {
		return testutil.NewSequenceGenerator("row")
	}))
	ctx := context.Background()

	_, err := r.Write(ctx, cartKey, dispatch("add"), addItem(item(1, 1)))
	require.NoError(t, err)
	r.Settle()

	_, err = r.Write(ctx, cartKey, dispatch("clobber"), func(cur ir.Value) (ir.Value, error) {
		return ir.SetPath(cur, "items", ir.String("oops"))
	})
	require.NoError(t, err)
	r.Settle()

	diags := rec.Diagnostics(trace.CodeIdentityFailed)
	require.Len(t, diags, 1)
	assert.Equal(t, "items", diags[0].Field)
	assert.Equal(t, "Cart", diags[0].ModuleID)
	assert.Contains(t, diags[0].Message, "string")

	ids, ok := r.RowIDs(cartKey, "items", "")
	assert.True(t, !ok || len(ids) == 0, "rows of a non-array list are dropped")
}

func TestRuntime_BatchCollapsesWrites(t *testing.T) {
	r, _ := newCartRuntime(t)
	ctx := context.Background()

	before := r.TickSeq()
	r.Batch(func() {
		for i := int64(1); i <= 3; i++ {
			_, err := r.Write(ctx, cartKey, dispatch("add"), addItem(item(i, i)))
			require.NoError(t, err)
		}
	})
	r.Settle()

	assert.Equal(t, before+1, r.TickSeq())
	count, _ := r.Get(cartKey, "count")
	assert.Equal(t, ir.Int(3), count)
}

func TestRuntime_SelectorTopic(t *testing.T) {
	r, _ := newCartRuntime(t)
	calls := 0
	r.SubscribeSelector(cartKey, "visible", func(n engine.Notification) error {
		calls++
		assert.Equal(t, ir.SelectorTopic(cartKey, "visible"), n.Topic)
		return nil
	})

	r.MarkSelectorChanged(cartKey, "visible", ir.PriorityUrgent)
	r.Settle()

	assert.Equal(t, 1, calls)
}

func TestRuntime_InstancesSorted(t *testing.T) {
	r, _ := newCartRuntime(t)
	assert.Equal(t, []ir.ModuleInstanceKey{cartKey, summaryKey}, r.Instances())
	assert.Equal(t, []string{"Cart", "Summary"}, r.Modules())
}

func TestChangedRoots(t *testing.T) {
	shared := ir.Array{ir.Int(1)}
	prev := ir.Object{"a": shared, "b": ir.Int(1), "gone": ir.Int(0)}
	next := ir.Object{"a": shared, "b": ir.Int(2), "new": ir.Bool(true)}

	assert.Equal(t, []string{"b", "new", "gone"}, changedRoots(prev, next))
	assert.Equal(t, []string{""}, changedRoots(ir.Null{}, next))
}
