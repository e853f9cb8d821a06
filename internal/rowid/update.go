package rowid

import (
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/tickstate/internal/ir"
)

// instance is one concrete occurrence of a declared list in a state tree.
type instance struct {
	path   string // concrete path, e.g. "items.2.children"
	parent RowID
}

// UpdateAll reconciles every declared list of state. Root lists go first,
// then nested lists level by level, each under the row id of the parent item
// that holds it. A list missing from state reconciles as empty.
//
// A nested list whose parent list is not declared is skipped.
func (s *Store) UpdateAll(state ir.Value, lists []ir.List) {
	ordered := slices.Clone(lists)
	slices.SortStableFunc(ordered, func(a, b ir.List) int {
		return depth(a.Path) - depth(b.Path)
	})

	declared := make([]string, len(ordered))
	for i, l := range ordered {
		declared[i] = l.Path
	}

	s.mu.Lock()
	var removed []removal
	found := make(map[string][]instance, len(ordered))
	for _, l := range ordered {
		var insts []instance
		if depth(l.Path) == 0 {
			insts = []instance{{path: l.Path}}
		} else {
			parentPath, ok := parentOf(l.Path, declared)
			if !ok {
				s.logger.Warn("nested list has no declared parent list",
					"event", "rowid_orphan_list",
					"list", l.Path,
				)
				continue
			}
			rest := strings.TrimPrefix(l.Path, parentPath+ir.EachMarker+".")
			for _, p := range found[parentPath] {
				parentItems := arrayAt(state, p.path)
				ids := s.lists[stateKey(parentPath, p.parent)]
				for i := range parentItems {
					if ids == nil || i >= len(ids.IDs) {
						break
					}
					insts = append(insts, instance{
						path:   p.path + "." + strconv.Itoa(i) + "." + rest,
						parent: ids.IDs[i],
					})
				}
			}
		}

		for _, inst := range insts {
			_, rm := s.ensureLocked(l.Path, arrayAt(state, inst.path), l.TrackBy, inst.parent)
			removed = append(removed, rm...)
		}
		found[l.Path] = insts
	}
	s.mu.Unlock()

	s.fire(removed)
}

// depth counts the "[]" markers of a declared list path.
func depth(path string) int {
	return strings.Count(path, ir.EachMarker)
}

// arrayAt reads the array at a concrete path; anything else reads as empty.
func arrayAt(state ir.Value, path string) ir.Array {
	v, ok := ir.GetPath(state, path)
	if !ok {
		return ir.Array{}
	}
	arr, ok := v.(ir.Array)
	if !ok || arr == nil {
		return ir.Array{}
	}
	return arr
}
