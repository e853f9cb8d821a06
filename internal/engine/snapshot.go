package engine

import (
	"maps"
	"slices"
	"strings"

	"github.com/roach88/tickstate/internal/ir"
)

// Snapshot is the committed state of every instance as of one tick.
// Immutable: each tick publishes a new Snapshot sharing unchanged entries.
type Snapshot struct {
	TickSeq int64
	commits map[ir.ModuleInstanceKey]ir.Commit
}

func emptySnapshot() *Snapshot {
	return &Snapshot{commits: map[ir.ModuleInstanceKey]ir.Commit{}}
}

// next returns a copy of s with accepted applied in order.
func (s *Snapshot) next(tickSeq int64, accepted []ir.Commit) *Snapshot {
	commits := maps.Clone(s.commits)
	for _, c := range accepted {
		commits[c.Key] = c
	}
	return &Snapshot{TickSeq: tickSeq, commits: commits}
}

// Commit returns the last committed commit for key.
func (s *Snapshot) Commit(key ir.ModuleInstanceKey) (ir.Commit, bool) {
	c, ok := s.commits[key]
	return c, ok
}

// State returns the committed state for key.
func (s *Snapshot) State(key ir.ModuleInstanceKey) (ir.Value, bool) {
	c, ok := s.commits[key]
	if !ok {
		return nil, false
	}
	return c.State, true
}

// Keys returns every committed instance, sorted.
func (s *Snapshot) Keys() []ir.ModuleInstanceKey {
	keys := slices.Collect(maps.Keys(s.commits))
	slices.SortFunc(keys, func(a, b ir.ModuleInstanceKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

// Len returns the number of committed instances.
func (s *Snapshot) Len() int { return len(s.commits) }
