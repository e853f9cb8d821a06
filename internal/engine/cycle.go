package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/tickstate/internal/ir"
)

// LinkEdge is one declared cross-module link: commits of Source propagate
// into Target.
type LinkEdge struct {
	Source ir.ModuleInstanceKey
	Target ir.ModuleInstanceKey
}

// CycleWarning reports instances whose links form a loop.
//
// Cycles are warnings, not errors: a loop of links that copy values settles
// once the copied values stop changing, and the drain round cap bounds the
// ones that never do.
type CycleWarning struct {
	Path    []string `json:"path"`    // ["A#1", "B#1", "A#1"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning"
}

// AnalyzeLinkCycles performs static cycle analysis on module links.
//
// The algorithm:
//  1. Build the instance -> instance graph from link edges
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or a self-loop as a warning
//
// Nodes and neighbors are visited in sorted order, so the same links always
// produce the same warnings. A DAG returns an empty list.
func AnalyzeLinkCycles(edges []LinkEdge) []CycleWarning {
	if len(edges) == 0 {
		return []CycleWarning{}
	}

	graph := make(linkGraph)
	for _, e := range edges {
		from, to := e.Source.String(), e.Target.String()
		if !slices.Contains(graph[from], to) {
			graph[from] = append(graph[from], to)
		}
		if _, ok := graph[to]; !ok {
			graph[to] = nil
		}
	}
	for node := range graph {
		slices.Sort(graph[node])
	}

	warnings := []CycleWarning{}
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || slices.Contains(graph[scc[0]], scc[0]) {
			warnings = append(warnings, sccToWarning(scc, graph))
		}
	}
	slices.SortFunc(warnings, func(a, b CycleWarning) int {
		return strings.Compare(a.Path[0], b.Path[0])
	})
	return warnings
}

// linkGraph maps an instance to the instances its links feed.
type linkGraph map[string][]string

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
func tarjanSCC(graph linkGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root: pop its component.
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// sccToWarning walks the component from its smallest member back to itself.
func sccToWarning(scc []string, graph linkGraph) CycleWarning {
	if len(scc) == 1 {
		n := scc[0]
		return CycleWarning{
			Path:    []string{n, n},
			Message: fmt.Sprintf("instance links into itself: %s -> %s", n, n),
			Level:   "warning",
		}
	}

	start := scc[0]
	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, w := range graph[current] {
			if slices.Contains(scc, w) && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		visited[next] = true
		current = next
	}

	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("module links form a cycle: %s", strings.Join(path, " -> ")),
		Level:   "warning",
	}
}
