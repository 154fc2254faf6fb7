package dag

import (
	"slices"
	"strings"

	"github.com/vk/stagegrid/internal/stage"
)

// Build constructs a validated dependency graph from a set of stages.
//
// Edges are derived by matching output keys to input keys. Build fails with a
// *ConflictError when two stages share an id or an output key, and with a
// *CycleError when the derived graph is not acyclic.
func Build(stages []*stage.Descriptor) (*Graph, error) {
	arena := slices.Clone(stages)
	slices.SortStableFunc(arena, func(a, b *stage.Descriptor) int {
		return strings.Compare(a.ID(), b.ID())
	})

	g := &Graph{
		stages:     arena,
		index:      make(map[string]int, len(arena)),
		producer:   make(map[string]int),
		deps:       make([][]int, len(arena)),
		dependents: make([][]int, len(arena)),
	}

	for i, s := range arena {
		if prev, dup := g.index[s.ID()]; dup {
			return nil, &ConflictError{What: "stage id", Key: s.ID(), Stages: []string{arena[prev].ID(), s.ID()}}
		}
		g.index[s.ID()] = i
		for _, key := range s.OutputKeys() {
			if prev, dup := g.producer[key]; dup {
				return nil, &ConflictError{What: "output", Key: key, Stages: []string{arena[prev].ID(), s.ID()}}
			}
			g.producer[key] = i
		}
	}

	external := make(map[string]struct{})
	for i, s := range arena {
		for _, key := range s.Inputs() {
			p, ok := g.producer[key]
			if !ok {
				external[key] = struct{}{}
				continue
			}
			if !slices.Contains(g.deps[i], p) {
				g.deps[i] = append(g.deps[i], p)
				g.dependents[p] = append(g.dependents[p], i)
			}
		}
	}
	for i := range arena {
		slices.Sort(g.deps[i])
		slices.Sort(g.dependents[i])
	}
	for key := range external {
		g.external = append(g.external, key)
	}
	slices.Sort(g.external)

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// frame is one DFS stack entry: a node and the position of the next
// dependent edge to explore.
type frame struct {
	node int
	next int
}

const (
	white uint8 = iota // not visited
	grey               // on the current DFS path
	black              // fully explored
)

// detectCycles runs an iterative depth-first traversal over the dependents
// edges. An edge into a grey node closes a cycle.
func (g *Graph) detectCycles() error {
	color := make([]uint8, len(g.stages))
	for root := range g.stages {
		if color[root] != white {
			continue
		}
		color[root] = grey
		stack := []frame{{node: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(g.dependents[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}

			v := g.dependents[top.node][top.next]
			top.next++

			switch color[v] {
			case white:
				color[v] = grey
				stack = append(stack, frame{node: v})
			case grey:
				return g.cycleFromStack(stack, v)
			}
		}
	}
	return nil
}

func (g *Graph) cycleFromStack(stack []frame, closing int) error {
	start := 0
	for i, f := range stack {
		if f.node == closing {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, g.stages[f.node].ID())
	}
	path = append(path, g.stages[closing].ID())
	return &CycleError{Path: path}
}
