// Package config loads and validates the HCL configuration consumed by the
// host tool: an engine block (graph location, worker count, logging) and the
// task blocks declaring a tracked workload.
//
// Validation happens at load time: duplicate task names, references to
// undeclared tasks, and dependency cycles in the declared workload are all
// rejected before the engine ever runs, so the graph's own cycle detection
// only ever fires on genuine caller bugs at execution time.
package config
