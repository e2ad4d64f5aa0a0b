// Package graph is the engine's core: the current run's dependency graph,
// the task-recording machinery that builds it, and the red/green marking
// algorithm that decides which previous-run results are still valid.
//
// The graph is built concurrently by worker goroutines executing independent
// tasks. All shared mutation is additive: the node arena grows append-only,
// a node's edge list is fixed the moment its task finishes, and the color
// cache transitions each previous-run node unvisited -> in-progress ->
// {green, red} exactly once. There is no global lock over the whole graph;
// the color cache uses a per-node state machine with a wait/notify channel,
// and a wait-for table turns cross-goroutine resolution cycles into a
// deterministic CycleError instead of a deadlock.
//
// Recording travels on context.Context rather than ambient thread-local
// state: WithTask installs the accumulator, Read registers an edge, and
// nested tasks shadow the capability naturally through context scoping.
package graph
