package conflict

import (
	"math"

	"github.com/des-testbed/des-chan/internal/eventbus"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/metrics"
	"github.com/des-testbed/des-chan/internal/netgraph"
)

// Model computes the interference weight between two distinct links of a
// snapshot. Implementations must be pure: the same snapshot and pair always
// yield the same weight, regardless of argument order.
type Model interface {
	Name() string
	Weight(s *netgraph.Snapshot, a, b mesh.LinkKey) float64
}

// DefaultEtxEpsilon is the ETX drift below which a link update is not
// considered material for conflict purposes.
const DefaultEtxEpsilon = 0.1

type vertexState struct {
	channel mesh.ChannelID
	etx     float64
}

// Engine owns the current conflict graph and recomputes it when the network
// graph or channel assignment changes. It is loop-owned like the network
// graph; Current may hand its result to other goroutines because every
// recompute builds a fresh Graph.
type Engine struct {
	model   Model
	epsilon float64
	bus     *eventbus.EventBus
	reg     *metrics.Registry

	current *Graph
	state   map[mesh.LinkKey]vertexState
}

func NewEngine(model Model, epsilon float64, bus *eventbus.EventBus, reg *metrics.Registry) *Engine {
	if epsilon <= 0 {
		epsilon = DefaultEtxEpsilon
	}
	return &Engine{
		model:   model,
		epsilon: epsilon,
		bus:     bus,
		reg:     reg,
		current: NewGraph(),
		state:   make(map[mesh.LinkKey]vertexState),
	}
}

// Current returns the last computed conflict graph.
func (e *Engine) Current() *Graph { return e.current }

// ModelName reports which interference model the engine runs.
func (e *Engine) ModelName() string { return e.model.Name() }

// Full recomputes the whole conflict graph from the snapshot. Also the
// periodic forced refresh, which catches anything an incremental pass missed.
func (e *Engine) Full(s *netgraph.Snapshot) *Graph {
	keys := s.CanonicalLinks()
	g := NewGraph()
	for _, k := range keys {
		g.Vertices[k] = Vertex{Link: k, Channel: s.LinkChannel(k)}
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if w := e.model.Weight(s, keys[i], keys[j]); w > 0 {
				g.Edges[NewEdgeKey(keys[i], keys[j])] = w
			}
		}
	}
	e.adopt(s, g, "full")
	return g
}

// Update recomputes after a snapshot change, touching only the vertices the
// change implicates when the link set itself is unchanged. A changed link
// set shifts hop distances for unrelated pairs, so that case falls back to a
// full pass.
func (e *Engine) Update(s *netgraph.Snapshot) *Graph {
	cur := snapshotState(s)
	if structuralChange(e.state, cur) {
		return e.Full(s)
	}

	var dirty []mesh.LinkKey
	for k, st := range cur {
		old := e.state[k]
		if old.channel != st.channel || math.Abs(old.etx-st.etx) > e.epsilon {
			dirty = append(dirty, k)
		}
	}
	if len(dirty) == 0 {
		return e.current
	}

	g := e.current.Clone()
	for _, d := range dirty {
		g.Vertices[d] = Vertex{Link: d, Channel: cur[d].channel}
		for key := range g.Edges {
			if key.A == d || key.B == d {
				delete(g.Edges, key)
			}
		}
	}
	keys := s.CanonicalLinks()
	for _, d := range dirty {
		for _, v := range keys {
			if v == d {
				continue
			}
			if w := e.model.Weight(s, d, v); w > 0 {
				g.Edges[NewEdgeKey(d, v)] = w
			}
		}
	}
	e.adopt(s, g, "incremental")
	return g
}

func (e *Engine) adopt(s *netgraph.Snapshot, g *Graph, mode string) {
	changed := !g.Equal(e.current)
	e.current = g
	e.state = snapshotState(s)
	if e.reg != nil {
		e.reg.Recomputes.WithLabelValues(mode).Inc()
		v, ed := g.Counts()
		e.reg.ConflictVertices.Set(float64(v))
		e.reg.ConflictEdges.Set(float64(ed))
	}
	if changed && e.bus != nil {
		v, ed := g.Counts()
		e.bus.Publish(eventbus.Event{
			Type:      eventbus.EventConflictsChanged,
			NodeID:    s.Self,
			Vertices:  v,
			Edges:     ed,
			Timestamp: s.At,
		})
	}
}

func snapshotState(s *netgraph.Snapshot) map[mesh.LinkKey]vertexState {
	out := make(map[mesh.LinkKey]vertexState)
	for _, k := range s.CanonicalLinks() {
		out[k] = vertexState{channel: s.LinkChannel(k), etx: linkETX(s, k)}
	}
	return out
}

func structuralChange(old, cur map[mesh.LinkKey]vertexState) bool {
	if len(old) != len(cur) {
		return true
	}
	for k := range cur {
		if _, ok := old[k]; !ok {
			return true
		}
	}
	return false
}

func linkETX(s *netgraph.Snapshot, k mesh.LinkKey) float64 {
	if l, ok := s.Links[k]; ok {
		return l.ETX
	}
	if l, ok := s.Links[k.Reverse()]; ok {
		return l.ETX
	}
	return 0
}
