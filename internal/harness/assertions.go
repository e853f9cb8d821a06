package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/rowid"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string        // Assertion type for categorization
	Expected string        // Human-readable expected outcome
	Actual   string        // Human-readable actual outcome
	Ticks    []TickSummary // Ticks of the run for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Ticks) > 0 {
		fmt.Fprintf(&buf, "\nTicks:\n")
		for _, t := range e.Ticks {
			status := "stable"
			if !t.Stable {
				status = "degraded: " + t.DegradeReason
			}
			fmt.Fprintf(&buf, "  [%d] steps=%d %s %v\n", t.TickSeq, t.Steps, status, t.Counts)
		}
	}

	return buf.String()
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertStateEquals:
			err = assertStateEquals(result, a)
		case AssertTickCount:
			err = assertTickCount(result, a)
		case AssertDegradeReason:
			err = assertDegradeReason(result, a)
		case AssertRowIDsStable:
			err = assertRowIDsStable(result, a)
		case AssertDiagnostic:
			err = assertDiagnostic(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

// assertStateEquals compares the committed value at a path with the
// expected value by canonical JSON.
func assertStateEquals(result *Result, a Assertion) error {
	want, err := ir.FromGo(a.Value)
	if err != nil {
		return fmt.Errorf("expected value: %w", err)
	}

	state, ok := result.State[a.Key]
	if !ok {
		return &AssertionError{
			Type:     AssertStateEquals,
			Expected: fmt.Sprintf("instance %s to have committed state", a.Key),
			Actual:   "no committed state",
		}
	}

	got, found := ir.GetPath(state, a.Path)
	if !found {
		got = ir.Null{}
	}

	wantJSON, err := ir.MarshalCanonical(want)
	if err != nil {
		return err
	}
	gotJSON, err := ir.MarshalCanonical(got)
	if err != nil {
		return err
	}
	if string(wantJSON) != string(gotJSON) {
		return &AssertionError{
			Type:     AssertStateEquals,
			Expected: fmt.Sprintf("%s %q = %s", a.Key, a.Path, wantJSON),
			Actual:   fmt.Sprintf("%s %q = %s", a.Key, a.Path, gotJSON),
			Ticks:    result.Ticks,
		}
	}
	return nil
}

// assertTickCount checks how many ticks ran after setup.
func assertTickCount(result *Result, a Assertion) error {
	if len(result.Ticks) != *a.Count {
		return &AssertionError{
			Type:     AssertTickCount,
			Expected: fmt.Sprintf("%d ticks", *a.Count),
			Actual:   fmt.Sprintf("%d ticks", len(result.Ticks)),
			Ticks:    result.Ticks,
		}
	}
	return nil
}

// assertDegradeReason checks one tick's reason, or that any tick degraded
// with the reason when no tick is named.
func assertDegradeReason(result *Result, a Assertion) error {
	if a.Tick == 0 {
		for _, t := range result.Ticks {
			if t.DegradeReason == a.Reason {
				return nil
			}
		}
		return &AssertionError{
			Type:     AssertDegradeReason,
			Expected: fmt.Sprintf("a tick degraded with %q", a.Reason),
			Actual:   "no such tick",
			Ticks:    result.Ticks,
		}
	}

	for _, t := range result.Ticks {
		if t.TickSeq != a.Tick {
			continue
		}
		if t.DegradeReason != a.Reason {
			return &AssertionError{
				Type:     AssertDegradeReason,
				Expected: fmt.Sprintf("tick %d reason %q", a.Tick, a.Reason),
				Actual:   fmt.Sprintf("tick %d reason %q", a.Tick, t.DegradeReason),
				Ticks:    result.Ticks,
			}
		}
		return nil
	}
	return &AssertionError{
		Type:     AssertDegradeReason,
		Expected: fmt.Sprintf("tick %d", a.Tick),
		Actual:   "tick not found",
		Ticks:    result.Ticks,
	}
}

// assertRowIDsStable checks that a row id never moves to a different item,
// and that an item present in two consecutive observations keeps its id.
// Items that share an identity are not checked against each other.
func assertRowIDsStable(result *Result, a Assertion) error {
	frames, ok := result.rows[rowsKey(a.Key, a.List)]
	if !ok || len(frames) == 0 {
		return &AssertionError{
			Type:     AssertRowIDsStable,
			Expected: fmt.Sprintf("list %q of %s to be tracked", a.List, a.Key),
			Actual:   "list never observed (not declared, or never committed)",
		}
	}

	owner := make(map[rowid.RowID]string)
	for n, f := range frames {
		for i, id := range f.ids {
			if i >= len(f.items) {
				break
			}
			if prev, seen := owner[id]; seen && prev != f.items[i] {
				return &AssertionError{
					Type:     AssertRowIDsStable,
					Expected: fmt.Sprintf("row %s to stay on item %s", id, prev),
					Actual:   fmt.Sprintf("row %s moved to item %s (observation %d)", id, f.items[i], n),
				}
			}
			owner[id] = f.items[i]
		}

		if n == 0 {
			continue
		}
		before := uniqueIDs(frames[n-1])
		after := uniqueIDs(f)
		for item, id := range after {
			if old, ok := before[item]; ok && old != id {
				return &AssertionError{
					Type:     AssertRowIDsStable,
					Expected: fmt.Sprintf("item %s to keep row %s", item, old),
					Actual:   fmt.Sprintf("item %s got row %s (observation %d)", item, id, n),
				}
			}
		}
	}

	if a.Rows != nil {
		last := frames[len(frames)-1].ids
		got := make([]string, len(last))
		for i, id := range last {
			got[i] = string(id)
		}
		if strings.Join(got, ",") != strings.Join(a.Rows, ",") {
			return &AssertionError{
				Type:     AssertRowIDsStable,
				Expected: fmt.Sprintf("rows %v", a.Rows),
				Actual:   fmt.Sprintf("rows %v", got),
			}
		}
	}
	return nil
}

// uniqueIDs maps each identity that occurs exactly once to its row id.
func uniqueIDs(f rowFrame) map[string]rowid.RowID {
	counts := make(map[string]int, len(f.items))
	for _, item := range f.items {
		counts[item]++
	}
	out := make(map[string]rowid.RowID, len(f.items))
	for i, item := range f.items {
		if counts[item] == 1 && i < len(f.ids) {
			out[item] = f.ids[i]
		}
	}
	return out
}

// assertDiagnostic counts diagnostics with a code, optionally on one
// instance.
func assertDiagnostic(result *Result, a Assertion) error {
	count := 0
	for _, d := range result.Diagnostics {
		if d.Code != a.Code {
			continue
		}
		if a.Key != "" && ir.Key(d.ModuleID, d.InstanceID).String() != a.Key {
			continue
		}
		count++
	}

	where := a.Code
	if a.Key != "" {
		where += " on " + a.Key
	}
	if a.Count == nil {
		if count == 0 {
			return &AssertionError{
				Type:     AssertDiagnostic,
				Expected: fmt.Sprintf("at least one %s", where),
				Actual:   fmt.Sprintf("none in %d diagnostics", len(result.Diagnostics)),
			}
		}
		return nil
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertDiagnostic,
			Expected: fmt.Sprintf("%d x %s", *a.Count, where),
			Actual:   fmt.Sprintf("%d x %s", count, where),
		}
	}
	return nil
}
