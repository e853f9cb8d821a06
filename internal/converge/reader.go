package converge

import (
	"slices"

	"github.com/roach88/tickstate/internal/ir"
)

// trackingReader serves derive reads from a fixed state and records the
// container path of every read.
type trackingReader struct {
	state ir.Value
	reads []string
}

// Get implements ir.Reader. Missing paths read as Null.
func (r *trackingReader) Get(path string) ir.Value {
	r.reads = append(r.reads, ir.ContainerPath(path))
	v, ok := ir.GetPath(r.state, path)
	if !ok || v == nil {
		return ir.Null{}
	}
	return v
}

// depsMismatch compares declared dependencies against observed reads.
// A read is covered when it overlaps a declared dependency; a dependency is
// used when some read overlaps it. It returns the normalized, sorted sets and
// whether they disagree.
func depsMismatch(declared, observed []string) (decl, obs []string, mismatch bool) {
	decl = normalizeSet(declared)
	obs = normalizeSet(observed)

	for _, o := range obs {
		if !slices.ContainsFunc(decl, func(d string) bool { return ir.PathOverlaps(d, o) }) {
			mismatch = true
		}
	}
	for _, d := range decl {
		if !slices.ContainsFunc(obs, func(o string) bool { return ir.PathOverlaps(d, o) }) {
			mismatch = true
		}
	}
	return decl, obs, mismatch
}

func normalizeSet(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, ir.ContainerPath(p))
	}
	slices.Sort(out)
	return slices.Compact(out)
}
