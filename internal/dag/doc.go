// Package dag builds the dependency graph of a pipeline. Edges are never
// declared directly: a stage depends on another when it consumes an artifact
// key the other produces.
//
// The graph is immutable once Build returns, so it can be shared by the
// executor, the status report and the validate command without locking.
// Stages live in an arena ordered by id; every index-based structure in this
// package refers to that arena, which is what makes batch ordering
// deterministic.
package dag
