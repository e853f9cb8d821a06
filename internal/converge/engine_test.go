package converge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/testutil"
	"github.com/roach88/tickstate/internal/trace"
)

func lenOf(path string) ir.DeriveFunc {
	return func(r ir.Reader) (ir.Value, error) {
		arr, _ := r.Get(path).(ir.Array)
		return ir.Int(len(arr)), nil
	}
}

func sumField(listPath, field string) ir.DeriveFunc {
	return func(r ir.Reader) (ir.Value, error) {
		arr, _ := r.Get(listPath).(ir.Array)
		var total ir.Int
		for _, item := range arr {
			if obj, ok := item.(ir.Object); ok {
				n, _ := obj[field].(ir.Int)
				total += n
			}
		}
		return total, nil
	}
}

// cartEntries is a small but layered graph:
// items -> count, items -> total -> mirror, total -> expensive, name -> label.
func cartEntries() []ir.TraitEntry {
	return []ir.TraitEntry{
		ir.Computed{Path: "count", Deps: []string{"items"}, Derive: lenOf("items")},
		ir.Computed{Path: "total", Deps: []string{"items[].price"}, Derive: sumField("items", "price")},
		ir.Link{Path: "summary.total", From: "total"},
		ir.Computed{Path: "expensive", Deps: []string{"total"}, Derive: func(r ir.Reader) (ir.Value, error) {
			n, _ := r.Get("total").(ir.Int)
			return ir.Bool(n > 100), nil
		}},
		ir.Computed{Path: "label", Deps: []string{"name"}, Derive: func(r ir.Reader) (ir.Value, error) {
			s, _ := r.Get("name").(ir.String)
			return ir.String("cart:" + s), nil
		}},
		ir.List{Path: "items", TrackBy: "id"},
	}
}

func cartState() ir.Value {
	return ir.MustFromGo(map[string]any{
		"name": "main",
		"items": []any{
			map[string]any{"id": 1, "price": 30},
			map[string]any{"id": 2, "price": 50},
		},
	})
}

func mustCompile(t *testing.T, entries []ir.TraitEntry) *Program {
	t.Helper()
	p, err := Compile(entries)
	require.NoError(t, err)
	return p
}

func mustCanonical(t *testing.T, v ir.Value) string {
	t.Helper()
	b, err := ir.MarshalCanonical(v)
	require.NoError(t, err)
	return string(b)
}

func TestConverge_FullModeComputesEverything(t *testing.T) {
	p := mustCompile(t, cartEntries())
	draft := &MemDraft{State: cartState()}
	var patches []ir.StatePatch

	out := New().Converge(context.Background(), p, Context{
		Key:      ir.Key("Cart", "main"),
		Draft:    draft,
		Recorder: func(sp ir.StatePatch) { patches = append(patches, sp) },
	})

	conv, ok := out.(Converged)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, 5, conv.PatchCount)
	assert.Equal(t, 5, conv.Summary.Executed)
	assert.Equal(t, 0, conv.Summary.Skipped)

	want := ir.MustFromGo(map[string]any{
		"name":      "main",
		"items":     []any{map[string]any{"id": 1, "price": 30}, map[string]any{"id": 2, "price": 50}},
		"count":     2,
		"total":     80,
		"summary":   map[string]any{"total": 80},
		"expensive": false,
		"label":     "cart:main",
	})
	if diff := cmp.Diff(want, draft.State); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, patches, 5)
	assert.Equal(t, "computed:count", patches[0].StepID)
	assert.Equal(t, ir.ReasonTraitComputed, patches[0].Reason)
	assert.Equal(t, ir.Null{}, patches[0].From)
	assert.Equal(t, ir.Int(2), patches[0].To)
	assert.Equal(t, "link:summary.total", patches[2].StepID)
	assert.Equal(t, ir.ReasonTraitLink, patches[2].Reason)
}

func TestConverge_FullModeIsIdempotent(t *testing.T) {
	p := mustCompile(t, cartEntries())
	e := New()
	draft := &MemDraft{State: cartState()}
	c := Context{Key: ir.Key("Cart", "main"), Draft: draft}

	_, ok := e.Converge(context.Background(), p, c).(Converged)
	require.True(t, ok)
	first := draft.State

	out := e.Converge(context.Background(), p, c)
	noop, ok := out.(Noop)
	require.True(t, ok, "second pass should be Noop, got %T", out)
	assert.Equal(t, 0, noop.Summary.Changed)
	assert.True(t, ir.Same(first, draft.State), "noop pass must not replace the draft")
}

func TestConverge_DirtyModeMatchesFullMode(t *testing.T) {
	p := mustCompile(t, cartEntries())
	e := New()

	base := &MemDraft{State: cartState()}
	e.Converge(context.Background(), p, Context{Draft: base})

	edits := []struct {
		name  string
		path  string
		value ir.Value
		dirty []string
	}{
		{"item price", "items.1.price", ir.Int(500), []string{"items.1.price"}},
		{"append item", "items.2", ir.MustFromGo(map[string]any{"id": 3, "price": 7}), []string{"items.2"}},
		{"name", "name", ir.String("side"), []string{"name"}},
		{"marker root", "items.0.price", ir.Int(1), []string{"items[].price"}},
	}

	for _, tt := range edits {
		t.Run(tt.name, func(t *testing.T) {
			edited, err := ir.SetPath(base.State, tt.path, tt.value)
			require.NoError(t, err)

			full := &MemDraft{State: edited}
			dirty := &MemDraft{State: edited}
			e.Converge(context.Background(), p, Context{Draft: full, Mode: ModeFull})
			out := e.Converge(context.Background(), p, Context{Draft: dirty, Mode: ModeDirty, DirtyPaths: tt.dirty})

			assert.Equal(t, ModeDirty, SummaryOf(out).Mode)
			if diff := cmp.Diff(full.State, dirty.State); diff != "" {
				t.Errorf("dirty result differs from full (-full +dirty):\n%s", diff)
			}
		})
	}
}

func TestConverge_DirtyModeSkipsUnaffectedWriters(t *testing.T) {
	p := mustCompile(t, cartEntries())
	e := New()
	draft := &MemDraft{State: cartState()}
	e.Converge(context.Background(), p, Context{Draft: draft})

	edited, err := ir.SetPath(draft.State, "name", ir.String("other"))
	require.NoError(t, err)
	draft.State = edited

	out := e.Converge(context.Background(), p, Context{Draft: draft, Mode: ModeDirty, DirtyPaths: []string{"name"}})
	conv, ok := out.(Converged)
	require.True(t, ok)
	assert.Equal(t, 1, conv.Summary.Executed, "only label reads name")
	assert.Equal(t, 4, conv.Summary.Skipped)
	assert.Equal(t, ir.String("cart:other"), draft.State.(ir.Object)["label"])
}

func TestConverge_DirtyModeWithoutPathsRunsFull(t *testing.T) {
	p := mustCompile(t, cartEntries())
	draft := &MemDraft{State: cartState()}

	out := New().Converge(context.Background(), p, Context{Draft: draft, Mode: ModeDirty})
	assert.Equal(t, ModeFull, SummaryOf(out).Mode)
	assert.Equal(t, 5, SummaryOf(out).Executed)
}

func TestConverge_BudgetExceededRollsBack(t *testing.T) {
	clock := testutil.NewFakeClock()
	entries := []ir.TraitEntry{
		ir.Computed{Path: "count", Deps: []string{"items"}, Derive: lenOf("items")},
		ir.Computed{Path: "total", Deps: []string{"items"}, Derive: func(r ir.Reader) (ir.Value, error) {
			clock.Advance(20 * time.Millisecond)
			return sumField("items", "price")(r)
		}},
		ir.Link{Path: "mirror", From: "total"},
	}
	p := mustCompile(t, entries)

	before := cartState()
	wantBytes := mustCanonical(t, before)
	draft := &MemDraft{State: before}
	var patches []ir.StatePatch

	out := New().Converge(context.Background(), p, Context{
		Draft:    draft,
		Clock:    clock,
		Budget:   10 * time.Millisecond,
		Recorder: func(sp ir.StatePatch) { patches = append(patches, sp) },
	})

	deg, ok := out.(Degraded)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, ReasonBudgetExceeded, deg.Reason)
	assert.Equal(t, 2, deg.Summary.Executed)
	assert.Equal(t, 1, deg.Summary.Skipped)
	assert.Equal(t, wantBytes, mustCanonical(t, draft.State), "state must equal the pre-pass snapshot")
	assert.True(t, ir.Same(before, draft.State))
	assert.Empty(t, patches, "no patches on a degraded pass")
}

func TestConverge_BudgetCheckedAfterLastStep(t *testing.T) {
	clock := testutil.NewFakeClock()
	p := mustCompile(t, []ir.TraitEntry{
		ir.Computed{Path: "slow", Deps: []string{"name"}, Derive: func(r ir.Reader) (ir.Value, error) {
			clock.Advance(time.Second)
			return r.Get("name"), nil
		}},
	})
	before := cartState()
	draft := &MemDraft{State: before}

	out := New().Converge(context.Background(), p, Context{Draft: draft, Clock: clock, Budget: time.Millisecond})

	deg, ok := out.(Degraded)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, ReasonBudgetExceeded, deg.Reason)
	assert.True(t, ir.Same(before, draft.State))
}

func TestConverge_DeriveErrorRollsBack(t *testing.T) {
	boom := errors.New("boom")
	p := mustCompile(t, []ir.TraitEntry{
		ir.Computed{Path: "count", Deps: []string{"items"}, Derive: lenOf("items")},
		ir.Computed{Path: "bad", Deps: []string{"count"}, Derive: func(ir.Reader) (ir.Value, error) {
			return nil, boom
		}},
	})
	before := cartState()
	draft := &MemDraft{State: before}

	out := New().Converge(context.Background(), p, Context{Draft: draft})

	deg, ok := out.(Degraded)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, ReasonRuntimeError, deg.Reason)
	assert.ErrorIs(t, deg.Err, boom)
	assert.ErrorIs(t, deg, boom)
	assert.True(t, ir.Same(before, draft.State))
}

func TestConverge_DerivePanicRollsBack(t *testing.T) {
	p := mustCompile(t, []ir.TraitEntry{
		ir.Computed{Path: "count", Deps: []string{"items"}, Derive: lenOf("items")},
		ir.Computed{Path: "bad", Deps: []string{"count"}, Derive: func(ir.Reader) (ir.Value, error) {
			panic("derive exploded")
		}},
	})
	before := cartState()
	draft := &MemDraft{State: before}
	rec := trace.NewRecorder()

	var out Outcome
	require.NotPanics(t, func() {
		out = New(WithSink(rec)).Converge(context.Background(), p, Context{
			Key:         ir.Key("Cart", "main"),
			Draft:       draft,
			Diagnostics: DiagnosticsLight,
		})
	})

	deg, ok := out.(Degraded)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, ReasonRuntimeError, deg.Reason)
	assert.Contains(t, deg.Err.Error(), "derive exploded")
	assert.True(t, ir.Same(before, draft.State))

	diags := rec.Diagnostics(trace.CodeConvergeDegraded)
	require.Len(t, diags, 1)
	assert.Equal(t, "runtime_error", diags[0].Reason)
	assert.Equal(t, "Cart", diags[0].ModuleID)
}

func TestConverge_CustomEqualsSuppressesChange(t *testing.T) {
	p := mustCompile(t, []ir.TraitEntry{
		ir.Computed{
			Path:   "tags",
			Deps:   []string{"name"},
			Derive: func(r ir.Reader) (ir.Value, error) { return ir.Array{r.Get("name")}, nil },
			Equals: func(prev, next ir.Value) bool {
				return cmp.Equal(prev, next)
			},
		},
	})
	e := New()
	draft := &MemDraft{State: cartState()}

	_, ok := e.Converge(context.Background(), p, Context{Draft: draft}).(Converged)
	require.True(t, ok)

	// A fresh array each time; without Equals this would never settle.
	_, ok = e.Converge(context.Background(), p, Context{Draft: draft}).(Noop)
	assert.True(t, ok)
}

func TestConverge_DepsMismatchReportedOnce(t *testing.T) {
	p := mustCompile(t, []ir.TraitEntry{
		ir.Computed{Path: "label", Deps: []string{"title"}, Derive: func(r ir.Reader) (ir.Value, error) {
			return r.Get("name"), nil
		}},
	})
	rec := trace.NewRecorder()
	e := New(WithSink(rec))
	key := ir.Key("Cart", "main")

	for i := 0; i < 3; i++ {
		draft := &MemDraft{State: ir.MustFromGo(map[string]any{"name": i})}
		e.Converge(context.Background(), p, Context{Key: key, Draft: draft, Diagnostics: DiagnosticsLight})
	}

	diags := rec.Diagnostics(trace.CodeDepsMismatch)
	require.Len(t, diags, 1)
	assert.Equal(t, "label", diags[0].Field)
	assert.Equal(t, []string{"title"}, diags[0].Declared)
	assert.Equal(t, []string{"name"}, diags[0].Observed)
}

func TestConverge_DepsMatchingContainerIsNotMismatch(t *testing.T) {
	p := mustCompile(t, cartEntries())
	rec := trace.NewRecorder()
	draft := &MemDraft{State: cartState()}

	New(WithSink(rec)).Converge(context.Background(), p, Context{Draft: draft, Diagnostics: DiagnosticsFull})

	assert.Empty(t, rec.Diagnostics(trace.CodeDepsMismatch))
}

func TestConverge_DiagnosticsOffEmitsNothing(t *testing.T) {
	p := mustCompile(t, []ir.TraitEntry{
		ir.Computed{Path: "label", Deps: []string{"title"}, Derive: func(r ir.Reader) (ir.Value, error) {
			return r.Get("name"), nil
		}},
	})
	rec := trace.NewRecorder()
	draft := &MemDraft{State: ir.Object{}}

	New(WithSink(rec)).Converge(context.Background(), p, Context{Draft: draft, Diagnostics: DiagnosticsOff})

	assert.Empty(t, rec.Events())
}

func TestConverge_MiddlewareWrapsEveryStep(t *testing.T) {
	p := mustCompile(t, cartEntries())
	var outer, inner []string

	mws := []Middleware{
		func(ctx context.Context, step Step, next Next) (ir.Value, error) {
			outer = append(outer, step.ID)
			return next()
		},
		func(ctx context.Context, step Step, next Next) (ir.Value, error) {
			inner = append(inner, step.FieldPath)
			assert.Equal(t, "Cart", step.ModuleID)
			return next()
		},
	}
	draft := &MemDraft{State: cartState()}

	New().Converge(context.Background(), p, Context{Key: ir.Key("Cart", "main"), Draft: draft, Middleware: mws})

	assert.Equal(t, []string{
		"computed:count", "computed:total", "link:summary.total", "computed:expensive", "computed:label",
	}, outer)
	assert.Equal(t, []string{"count", "total", "summary.total", "expensive", "label"}, inner)
}

func TestConverge_SummaryKeepsThreeSlowest(t *testing.T) {
	clock := testutil.NewFakeClock()
	slow := func(d time.Duration) ir.DeriveFunc {
		return func(ir.Reader) (ir.Value, error) {
			clock.Advance(d)
			return ir.Int(int64(d)), nil
		}
	}
	p := mustCompile(t, []ir.TraitEntry{
		ir.Computed{Path: "a", Derive: slow(1 * time.Millisecond)},
		ir.Computed{Path: "b", Derive: slow(4 * time.Millisecond)},
		ir.Computed{Path: "c", Derive: slow(2 * time.Millisecond)},
		ir.Computed{Path: "d", Derive: slow(3 * time.Millisecond)},
	})
	draft := &MemDraft{State: ir.Object{}}

	out := New().Converge(context.Background(), p, Context{Draft: draft, Clock: clock})

	s := SummaryOf(out)
	require.Len(t, s.Slowest, 3)
	assert.Equal(t, "computed:b", s.Slowest[0].StepID)
	assert.Equal(t, "computed:d", s.Slowest[1].StepID)
	assert.Equal(t, "computed:c", s.Slowest[2].StepID)
	assert.Equal(t, 10*time.Millisecond, s.Elapsed)
}

func TestConverge_MissingLinkSourceReadsNull(t *testing.T) {
	p := mustCompile(t, []ir.TraitEntry{ir.Link{Path: "copy", From: "nowhere"}})
	draft := &MemDraft{State: ir.Object{}}

	out := New().Converge(context.Background(), p, Context{Draft: draft})

	// Null -> Null is not a change.
	_, ok := out.(Noop)
	assert.True(t, ok)
}
