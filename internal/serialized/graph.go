package serialized

import (
	"github.com/vk/redgreengo/internal/dep"
	"github.com/vk/redgreengo/internal/fingerprint"
	"github.com/vk/redgreengo/internal/workproduct"
)

// Index addresses a node position in the previous run's graph. It is a
// separate type from the current run's node index on purpose: the two
// numberings share nothing.
type Index uint32

// Graph is the decoded previous-run dependency graph. It is immutable after
// construction and safe for concurrent readers.
type Graph struct {
	nodes        []dep.Node
	fingerprints []fingerprint.Fingerprint
	edges        [][]Index
	workProducts []workproduct.WorkProduct

	// index maps node identity to position. Opaque nodes appear here too,
	// but callers can only reach them by replaying the graph, never by
	// reconstructing their key.
	index map[dep.Node]Index
}

// New assembles a Graph from its parts. nodes, fingerprints and edges must
// be the same length; the caller retains no ownership of the slices.
func New(nodes []dep.Node, fingerprints []fingerprint.Fingerprint, edges [][]Index, workProducts []workproduct.WorkProduct) *Graph {
	index := make(map[dep.Node]Index, len(nodes))
	for i, n := range nodes {
		index[n] = Index(i)
	}
	return &Graph{
		nodes:        nodes,
		fingerprints: fingerprints,
		edges:        edges,
		workProducts: workProducts,
		index:        index,
	}
}

// Empty returns a graph with no nodes, used when no previous run exists.
func Empty() *Graph {
	return New(nil, nil, nil, nil)
}

// NumNodes returns the number of nodes in the previous graph.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

// Node returns the identity stored at i.
func (g *Graph) Node(i Index) dep.Node {
	return g.nodes[i]
}

// Fingerprint returns the result fingerprint recorded for the node at i.
func (g *Graph) Fingerprint(i Index) fingerprint.Fingerprint {
	return g.fingerprints[i]
}

// Edges returns the dependency edge list of the node at i. The returned
// slice is shared and must not be mutated.
func (g *Graph) Edges(i Index) []Index {
	return g.edges[i]
}

// LookupNode finds the previous-run position of a node identity.
func (g *Graph) LookupNode(n dep.Node) (Index, bool) {
	i, ok := g.index[n]
	return i, ok
}

// WorkProducts returns the work products carried over from the previous run.
func (g *Graph) WorkProducts() []workproduct.WorkProduct {
	return g.workProducts
}
