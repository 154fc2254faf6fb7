package dag

import (
	"iter"
	"slices"

	"github.com/vk/stagegrid/internal/stage"
)

// Batches yields the stages in topological batches. Every stage in a batch
// depends only on stages from earlier batches, and the ids inside a batch are
// sorted, so the sequence is identical for identical inputs.
func (g *Graph) Batches() iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		indegree := make([]int, len(g.stages))
		var frontier []int
		for i := range g.stages {
			indegree[i] = len(g.deps[i])
			if indegree[i] == 0 {
				frontier = append(frontier, i)
			}
		}

		for len(frontier) > 0 {
			if !yield(g.ids(frontier)) {
				return
			}
			var next []int
			for _, u := range frontier {
				for _, v := range g.dependents[u] {
					indegree[v]--
					if indegree[v] == 0 {
						next = append(next, v)
					}
				}
			}
			// Arena order is id order.
			slices.Sort(next)
			frontier = next
		}
	}
}

// Layers collects Batches into a slice.
func (g *Graph) Layers() [][]string {
	return slices.Collect(g.Batches())
}

// Len returns the number of stages in the graph.
func (g *Graph) Len() int { return len(g.stages) }

// IDs returns every stage id in ascending order.
func (g *Graph) IDs() []string {
	ids := make([]string, len(g.stages))
	for i, s := range g.stages {
		ids[i] = s.ID()
	}
	return ids
}

// Stage returns the descriptor registered under id.
func (g *Graph) Stage(id string) (*stage.Descriptor, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.stages[i], true
}

// Producers returns the ids of the stages id consumes from.
func (g *Graph) Producers(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.ids(g.deps[i])
}

// Dependents returns the ids of the stages consuming from id.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.ids(g.dependents[i])
}

// Descendants returns every stage transitively depending on id, sorted.
func (g *Graph) Descendants(id string) []string {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := make([]bool, len(g.stages))
	queue := slices.Clone(g.dependents[start])
	var out []int
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
		queue = append(queue, g.dependents[v]...)
	}
	slices.Sort(out)
	return g.ids(out)
}

// ProducerOf returns the id of the stage producing artifact key.
func (g *Graph) ProducerOf(key string) (string, bool) {
	i, ok := g.producer[key]
	if !ok {
		return "", false
	}
	return g.stages[i].ID(), true
}

// ExternalInputs returns the input keys that no stage in the graph produces.
// They must already be present in the artifact store when a consumer runs.
func (g *Graph) ExternalInputs() []string {
	return slices.Clone(g.external)
}

func (g *Graph) ids(idx []int) []string {
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = g.stages[n].ID()
	}
	return out
}
