package converge

import (
	"fmt"
	"slices"

	"github.com/roach88/tickstate/internal/ir"
)

// writer is one evaluable step of a Program: a computed or link entry.
type writer struct {
	entry  ir.TraitEntry
	path   string
	deps   []string // declared deps (computed) or the source path (link)
	roots  []string // deps normalized to container paths, for dirty matching
	reason ir.PatchReason
	stepID string
}

// Program is a compiled, validated trait graph in topological order.
// Immutable after Compile.
type Program struct {
	writers  []writer
	lists    []ir.List
	external []ir.ExternalStore
}

// Len returns the number of evaluable writers.
func (p *Program) Len() int {
	return len(p.writers)
}

// Order returns the writer field paths in evaluation order.
func (p *Program) Order() []string {
	out := make([]string, len(p.writers))
	for i, w := range p.writers {
		out[i] = w.path
	}
	return out
}

// Lists returns the declared list entries, in declaration order.
func (p *Program) Lists() []ir.List {
	return slices.Clone(p.lists)
}

// ExternalStores returns the declared external store entries.
func (p *Program) ExternalStores() []ir.ExternalStore {
	return slices.Clone(p.external)
}

// Compile validates trait entries and orders their writers.
//
// The algorithm:
//  1. Collect computed and link entries; external stores also own their path
//  2. Reject any field with more than one writer (MULTIPLE_WRITERS)
//  3. Build edges writer -> writer when a dependency overlaps a writer path
//  4. Order with Kahn's algorithm; leftover nodes form cycles (CYCLE_DETECTED)
//
// Declaration order breaks ties, so the same entries always compile to the
// same order.
func Compile(entries []ir.TraitEntry) (*Program, error) {
	p := &Program{}
	var nodes []writer
	owners := make(map[string][]string)
	var ownerOrder []string

	own := func(path, by string) {
		if _, seen := owners[path]; !seen {
			ownerOrder = append(ownerOrder, path)
		}
		owners[path] = append(owners[path], by)
	}

	for _, entry := range entries {
		switch e := entry.(type) {
		case ir.Computed:
			if err := validateFieldPath(e.Path); err != nil {
				return nil, err
			}
			if e.Derive == nil {
				return nil, newInvalidTrait(e.Path, "computed field %q has no derive function", e.Path)
			}
			for _, d := range e.Deps {
				if d == "" {
					return nil, newInvalidTrait(e.Path, "computed field %q declares an empty dependency", e.Path)
				}
			}
			own(e.Path, "computed")
			nodes = append(nodes, newWriter(e, e.Path, slices.Clone(e.Deps), ir.ReasonTraitComputed))

		case ir.Link:
			if err := validateFieldPath(e.Path); err != nil {
				return nil, err
			}
			if e.From == "" {
				return nil, newInvalidTrait(e.Path, "link field %q has no source", e.Path)
			}
			own(e.Path, "link")
			nodes = append(nodes, newWriter(e, e.Path, []string{e.From}, ir.ReasonTraitLink))

		case ir.ExternalStore:
			if err := validateFieldPath(e.Path); err != nil {
				return nil, err
			}
			own(e.Path, "externalStore")
			p.external = append(p.external, e)

		case ir.List:
			if e.Path == "" {
				return nil, newInvalidTrait(e.Path, "list entry has an empty path")
			}
			p.lists = append(p.lists, e)

		default:
			panic(fmt.Sprintf("converge: unknown TraitEntry variant %T", entry))
		}
	}

	var conflicts []string
	for _, path := range ownerOrder {
		if len(owners[path]) > 1 {
			conflicts = append(conflicts, path)
		}
	}
	if len(conflicts) > 0 {
		slices.Sort(conflicts)
		return nil, &ConfigError{
			Code:    ErrCodeMultipleWriters,
			Message: "field has more than one writer",
			Fields:  conflicts,
		}
	}

	order, cyclic := topoSort(nodes)
	if len(cyclic) > 0 {
		slices.Sort(cyclic)
		return nil, &ConfigError{
			Code:    ErrCodeCycleDetected,
			Message: "trait dependencies form a cycle",
			Fields:  cyclic,
		}
	}

	p.writers = order
	return p, nil
}

func newWriter(entry ir.TraitEntry, path string, deps []string, reason ir.PatchReason) writer {
	roots := make([]string, len(deps))
	for i, d := range deps {
		roots[i] = ir.ContainerPath(d)
	}
	return writer{
		entry:  entry,
		path:   path,
		deps:   deps,
		roots:  roots,
		reason: reason,
		stepID: ir.TraitKind(entry) + ":" + path,
	}
}

func validateFieldPath(path string) error {
	if path == "" {
		return newInvalidTrait(path, "trait entry has an empty field path")
	}
	if slices.Contains(ir.ParsePath(path), ir.EachMarker) {
		return newInvalidTrait(path, "field path %q cannot contain %q", path, ir.EachMarker)
	}
	return nil
}

// dependsOn reports whether w reads the output of other.
func (w writer) dependsOn(other writer) bool {
	for _, d := range w.deps {
		if d == other.path || ir.PathOverlaps(ir.ContainerPath(d), other.path) {
			return true
		}
	}
	return false
}

// topoSort orders writers with Kahn's algorithm. It returns the ordered
// writers and, when a cycle exists, the paths that could not be ordered.
func topoSort(nodes []writer) ([]writer, []string) {
	n := len(nodes)
	succ := make([][]int, n)
	indegree := make([]int, n)

	for i := range nodes {
		for j := range nodes {
			if i == j {
				// A field that lists itself as a dependency is a cycle of one.
				if slices.Contains(nodes[j].deps, nodes[j].path) {
					succ[i] = append(succ[i], j)
					indegree[j]++
				}
				continue
			}
			if nodes[j].dependsOn(nodes[i]) {
				succ[i] = append(succ[i], j)
				indegree[j]++
			}
		}
	}

	// ready is kept sorted so the earliest declared ready writer goes next.
	ready := make([]int, 0, n)
	for i := range nodes {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]writer, 0, n)
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, nodes[i])
		for _, j := range succ[i] {
			indegree[j]--
			if indegree[j] == 0 {
				pos, _ := slices.BinarySearch(ready, j)
				ready = slices.Insert(ready, pos, j)
			}
		}
	}

	if len(order) == n {
		return order, nil
	}

	var cyclic []string
	for i := range nodes {
		if indegree[i] > 0 {
			cyclic = append(cyclic, nodes[i].path)
		}
	}
	return nil, cyclic
}
