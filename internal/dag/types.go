package dag

import "github.com/vk/stagegrid/internal/stage"

// Graph is a validated, acyclic dependency graph over stage descriptors.
type Graph struct {
	// stages is the arena, sorted by stage id. Indices into it are used
	// everywhere else.
	stages []*stage.Descriptor
	// index maps a stage id to its arena index.
	index map[string]int
	// producer maps an output artifact key to the index of the stage producing it.
	producer map[string]int
	// deps holds, per stage, the sorted indices of the stages it consumes from.
	deps [][]int
	// dependents holds, per stage, the sorted indices of the stages consuming from it.
	dependents [][]int
	// external holds the input keys no stage produces, sorted.
	external []string
}
