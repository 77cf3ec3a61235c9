// Package dag assembles task descriptors into a validated, layered
// execution plan.
//
// # Building
//
// The Builder merges three edge sources: explicit depends_on
// declarations, output references found in task arguments, and edges
// inferred from declared field shapes by the schema analyzer. The result
// is checked for cycles with a depth-first search; a cycle fails the
// build with CyclicDependencyError naming the offending chain, and no
// partial structure is returned.
//
// # Layers
//
// Tasks are grouped into the minimal number of ordered layers such that
// every task's dependencies live in strictly earlier layers. A task's
// layer index is its longest dependency path. Ties keep input order, so
// the same task slice always yields the same layers.
//
// # Replanning
//
// Merge grafts a replanned structure onto a partially executed one: the
// already-executed layer prefix is preserved exactly, the unscheduled
// remainder is replaced and re-layered, and the union graph is
// re-validated. A cycle-introducing replan is rejected with
// ReplanConflictError and the current structure is left untouched.
package dag
