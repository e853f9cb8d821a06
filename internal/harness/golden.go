package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tickstate/internal/ir"
)

// Snapshot renders the deterministic outcome of a run as canonical JSON:
// ticks, diagnostics, final state and a digest of each instance's state.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	ticks := make(ir.Array, len(result.Ticks))
	for i, t := range result.Ticks {
		counts := ir.Object{}
		for k, n := range t.Counts {
			counts[k] = ir.Int(n)
		}
		tick := ir.Object{
			"tick_seq": ir.Int(t.TickSeq),
			"stable":   ir.Bool(t.Stable),
			"steps":    ir.Int(t.Steps),
			"counts":   counts,
		}
		if t.DegradeReason != "" {
			tick["degrade_reason"] = ir.String(t.DegradeReason)
		}
		if t.TxnID != "" {
			tick["txn_id"] = ir.String(t.TxnID)
		}
		ticks[i] = tick
	}

	diags := make(ir.Array, len(result.Diagnostics))
	for i, d := range result.Diagnostics {
		diag := ir.Object{
			"code":     ir.String(d.Code),
			"severity": ir.String(d.Severity),
		}
		if d.ModuleID != "" {
			diag["module_id"] = ir.String(d.ModuleID)
			diag["instance_id"] = ir.String(d.InstanceID)
		}
		if d.Field != "" {
			diag["field"] = ir.String(d.Field)
		}
		diags[i] = diag
	}

	state := ir.Object{}
	digests := ir.Object{}
	for key, v := range result.State {
		state[key] = v
		digest, err := ir.SnapshotDigest(v)
		if err != nil {
			return nil, err
		}
		digests[key] = ir.String(digest)
	}

	return ir.MarshalCanonical(ir.Object{
		"scenario_name": ir.String(scenarioName),
		"trace_version": ir.String(ir.TraceVersion),
		"setup_ticks":   ir.Int(result.SetupTicks),
		"ticks":         ticks,
		"diagnostics":   diags,
		"state":         state,
		"digests":       digests,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Extra goldie options are applied after the defaults.
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...goldie.Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result, opts...); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the snapshot of an existing result against a golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result, opts ...goldie.Option) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t, append([]goldie.Option{
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	}, opts...)...)
	g.Assert(t, scenarioName, data)

	return nil
}
