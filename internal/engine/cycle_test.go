package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickstate/internal/ir"
)

func edge(from, to string) LinkEdge {
	f, _ := ir.ParseKey(from)
	t, _ := ir.ParseKey(to)
	return LinkEdge{Source: f, Target: t}
}

func TestAnalyzeLinkCycles_NoLinks(t *testing.T) {
	assert.Empty(t, AnalyzeLinkCycles(nil))
}

func TestAnalyzeLinkCycles_DAG(t *testing.T) {
	warnings := AnalyzeLinkCycles([]LinkEdge{
		edge("Cart#1", "Summary#1"),
		edge("Summary#1", "Report#1"),
		edge("Cart#1", "Report#1"),
	})
	assert.Empty(t, warnings)
}

func TestAnalyzeLinkCycles_TwoNodeCycle(t *testing.T) {
	warnings := AnalyzeLinkCycles([]LinkEdge{
		edge("B#1", "A#1"),
		edge("A#1", "B#1"),
		edge("A#1", "C#1"),
	})
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"A#1", "B#1", "A#1"}, warnings[0].Path)
	assert.Equal(t, "warning", warnings[0].Level)
	assert.Contains(t, warnings[0].Message, "A#1 -> B#1 -> A#1")
}

func TestAnalyzeLinkCycles_SelfLoop(t *testing.T) {
	warnings := AnalyzeLinkCycles([]LinkEdge{edge("A#1", "A#1")})
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"A#1", "A#1"}, warnings[0].Path)
}

func TestAnalyzeLinkCycles_Deterministic(t *testing.T) {
	edges := []LinkEdge{
		edge("X#1", "Y#1"), edge("Y#1", "X#1"),
		edge("A#1", "B#1"), edge("B#1", "C#1"), edge("C#1", "A#1"),
	}
	first := AnalyzeLinkCycles(edges)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, AnalyzeLinkCycles(edges))
	}
	require.Len(t, first, 2)
	assert.Equal(t, []string{"A#1", "B#1", "C#1", "A#1"}, first[0].Path)
	assert.Equal(t, []string{"X#1", "Y#1", "X#1"}, first[1].Path)
}
