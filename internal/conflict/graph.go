// Package conflict holds the interference conflict graph: one vertex per
// active link of the mesh, one weighted edge per interference relation. The
// graph is always derived from a network snapshot by the engine, never
// mutated by hand.
package conflict

import (
	"sort"

	"github.com/des-testbed/des-chan/internal/mesh"
)

// Vertex represents one contended link. Link is always a canonical key.
type Vertex struct {
	Link    mesh.LinkKey
	Channel mesh.ChannelID
}

// EdgeKey identifies an undirected conflict edge by its ordered vertex pair.
type EdgeKey struct {
	A, B mesh.LinkKey
}

// NewEdgeKey canonicalizes and orders both links so each unordered pair maps
// to exactly one key.
func NewEdgeKey(a, b mesh.LinkKey) EdgeKey {
	a, b = a.Canonical(), b.Canonical()
	if linkLess(b, a) {
		a, b = b, a
	}
	return EdgeKey{A: a, B: b}
}

// Graph is one computed conflict graph. Engines build a fresh Graph per
// recompute; holders of an older one keep a consistent view.
type Graph struct {
	Vertices map[mesh.LinkKey]Vertex
	Edges    map[EdgeKey]float64
}

func NewGraph() *Graph {
	return &Graph{
		Vertices: make(map[mesh.LinkKey]Vertex),
		Edges:    make(map[EdgeKey]float64),
	}
}

// Weight returns the conflict weight between two links, zero when they do
// not interfere.
func (g *Graph) Weight(a, b mesh.LinkKey) float64 {
	return g.Edges[NewEdgeKey(a, b)]
}

// HasConflict reports whether two links interfere at all.
func (g *Graph) HasConflict(a, b mesh.LinkKey) bool {
	return g.Weight(a, b) > 0
}

// NeighborsOf lists the links in conflict with the given one, sorted.
func (g *Graph) NeighborsOf(link mesh.LinkKey) []mesh.LinkKey {
	link = link.Canonical()
	var out []mesh.LinkKey
	for key := range g.Edges {
		switch link {
		case key.A:
			out = append(out, key.B)
		case key.B:
			out = append(out, key.A)
		}
	}
	sort.Slice(out, func(i, j int) bool { return linkLess(out[i], out[j]) })
	return out
}

// VerticesForNode lists the vertices whose link touches the given node.
func (g *Graph) VerticesForNode(id mesh.NodeID) []mesh.LinkKey {
	var out []mesh.LinkKey
	for key := range g.Vertices {
		if key.From.Node == id || key.To.Node == id {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return linkLess(out[i], out[j]) })
	return out
}

// InterferenceSum adds up every edge weight, a scalar measure strategies use
// to compare assignments.
func (g *Graph) InterferenceSum() float64 {
	sum := 0.0
	for _, w := range g.Edges {
		sum += w
	}
	return sum
}

// Counts reports the number of vertices and edges.
func (g *Graph) Counts() (vertices, edges int) {
	return len(g.Vertices), len(g.Edges)
}

// Clone returns an independent copy.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Vertices: make(map[mesh.LinkKey]Vertex, len(g.Vertices)),
		Edges:    make(map[EdgeKey]float64, len(g.Edges)),
	}
	for k, v := range g.Vertices {
		c.Vertices[k] = v
	}
	for k, w := range g.Edges {
		c.Edges[k] = w
	}
	return c
}

// Equal reports whether two graphs have identical vertex and edge sets with
// identical weights.
func (g *Graph) Equal(o *Graph) bool {
	if len(g.Vertices) != len(o.Vertices) || len(g.Edges) != len(o.Edges) {
		return false
	}
	for k, v := range g.Vertices {
		if ov, ok := o.Vertices[k]; !ok || ov != v {
			return false
		}
	}
	for k, w := range g.Edges {
		if ow, ok := o.Edges[k]; !ok || ow != w {
			return false
		}
	}
	return true
}

func linkLess(a, b mesh.LinkKey) bool {
	if a.From.Node != b.From.Node {
		return a.From.Node < b.From.Node
	}
	if a.From.Radio != b.From.Radio {
		return a.From.Radio < b.From.Radio
	}
	if a.To.Node != b.To.Node {
		return a.To.Node < b.To.Node
	}
	return a.To.Radio < b.To.Radio
}
