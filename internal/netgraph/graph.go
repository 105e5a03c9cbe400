// Package netgraph maintains an agent's view of the mesh: which nodes exist,
// which radios they carry on which channels, and the measured quality of the
// directed links between them. The graph is owned by the agent loop; readers
// elsewhere only ever see immutable snapshots.
package netgraph

import (
	"sort"
	"time"

	"github.com/des-testbed/des-chan/internal/eventbus"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/metrics"
)

// NodeInfo describes one node and its radios. A radio mapped to
// mesh.ChannelUnknown was learned from gossip and has not reported a channel.
type NodeInfo struct {
	ID       mesh.NodeID
	Radios   map[mesh.RadioID]mesh.ChannelID
	LastSeen time.Time
}

// LinkInfo is the measured state of one directed link.
type LinkInfo struct {
	Key       mesh.LinkKey
	ETX       float64
	Forward   float64 // delivery ratio towards the destination
	Reverse   float64 // delivery ratio reported back by the destination
	UpdatedAt time.Time
}

// Age reports how long ago the link was last refreshed.
func (l LinkInfo) Age(now time.Time) time.Duration {
	return now.Sub(l.UpdatedAt)
}

// Quality is the combined delivery probability, the reciprocal of ETX.
func (l LinkInfo) Quality() float64 {
	if l.ETX <= 0 {
		return 0
	}
	return 1 / l.ETX
}

// LinkUpdate carries one measurement into the graph. Updates are idempotent:
// re-applying an update whose timestamp does not advance the link is a no-op.
type LinkUpdate struct {
	Key     mesh.LinkKey
	ETX     float64
	Forward float64
	Reverse float64
	At      time.Time
}

// Graph is the authoritative store. It is not safe for concurrent use; the
// agent loop is its sole writer and reader.
type Graph struct {
	self        mesh.NodeID
	staleWindow time.Duration
	bus         *eventbus.EventBus
	reg         *metrics.Registry

	nodes map[mesh.NodeID]*NodeInfo
	links map[mesh.LinkKey]*LinkInfo
}

func NewGraph(self mesh.NodeID, staleWindow time.Duration, bus *eventbus.EventBus, reg *metrics.Registry) *Graph {
	return &Graph{
		self:        self,
		staleWindow: staleWindow,
		bus:         bus,
		reg:         reg,
		nodes:       make(map[mesh.NodeID]*NodeInfo),
		links:       make(map[mesh.LinkKey]*LinkInfo),
	}
}

func (g *Graph) Self() mesh.NodeID { return g.self }

// StaleWindow is the age beyond which a link no longer appears in snapshots.
func (g *Graph) StaleWindow() time.Duration { return g.staleWindow }

// EnsureNode records that a node exists and was heard from at the given time.
func (g *Graph) EnsureNode(id mesh.NodeID, at time.Time) {
	n, ok := g.nodes[id]
	if !ok {
		n = &NodeInfo{ID: id, Radios: make(map[mesh.RadioID]mesh.ChannelID)}
		g.nodes[id] = n
		g.updateGauges()
	}
	if at.After(n.LastSeen) {
		n.LastSeen = at
	}
}

// SetRadioChannel records which channel a radio is tuned to. Reports whether
// anything changed.
func (g *Graph) SetRadioChannel(ref mesh.RadioRef, ch mesh.ChannelID, at time.Time) bool {
	g.EnsureNode(ref.Node, at)
	n := g.nodes[ref.Node]
	if cur, ok := n.Radios[ref.Radio]; ok && cur == ch {
		return false
	}
	n.Radios[ref.Radio] = ch
	g.publishChange(eventbus.Event{
		Type:      eventbus.EventGraphChanged,
		NodeID:    ref.Node,
		Radio:     ref.Radio,
		Channel:   ch,
		Timestamp: at,
	})
	return true
}

// ApplyLink merges one measurement. Reports whether the graph changed; an
// update that does not advance the link's timestamp is ignored.
func (g *Graph) ApplyLink(u LinkUpdate) bool {
	if u.ETX < 1 {
		// ETX below 1 cannot come from real delivery ratios; malformed
		// gossip is clamped rather than trusted.
		u.ETX = 1
	}
	l, ok := g.links[u.Key]
	if ok && !u.At.After(l.UpdatedAt) {
		return false
	}
	g.EnsureNode(u.Key.From.Node, u.At)
	g.EnsureNode(u.Key.To.Node, u.At)
	g.ensureRadio(u.Key.From)
	g.ensureRadio(u.Key.To)
	if !ok {
		l = &LinkInfo{Key: u.Key}
		g.links[u.Key] = l
	}
	l.ETX = u.ETX
	l.Forward = u.Forward
	l.Reverse = u.Reverse
	l.UpdatedAt = u.At
	g.updateGauges()
	g.publishChange(eventbus.Event{
		Type:        eventbus.EventGraphChanged,
		NodeID:      u.Key.From.Node,
		OtherNodeID: u.Key.To.Node,
		Link:        u.Key.String(),
		ETX:         u.ETX,
		Timestamp:   u.At,
	})
	return true
}

// RemoveLink deletes a directed link. Reports whether it existed.
func (g *Graph) RemoveLink(key mesh.LinkKey, at time.Time) bool {
	if _, ok := g.links[key]; !ok {
		return false
	}
	delete(g.links, key)
	g.updateGauges()
	g.publishChange(eventbus.Event{
		Type:        eventbus.EventGraphChanged,
		NodeID:      key.From.Node,
		OtherNodeID: key.To.Node,
		Link:        key.String(),
		Reason:      "link removed",
		Timestamp:   at,
	})
	return true
}

// RemoveNode deletes a node and every link touching it.
func (g *Graph) RemoveNode(id mesh.NodeID, at time.Time) {
	if _, ok := g.nodes[id]; !ok {
		return
	}
	delete(g.nodes, id)
	for key := range g.links {
		if key.From.Node == id || key.To.Node == id {
			delete(g.links, key)
		}
	}
	g.updateGauges()
	g.publishChange(eventbus.Event{
		Type:      eventbus.EventGraphChanged,
		NodeID:    id,
		Reason:    "node removed",
		Timestamp: at,
	})
}

// Merge applies gossiped link reports. Entries about links we measure
// ourselves are ignored; our own observations are canonical for those.
// Returns how many entries changed the graph.
func (g *Graph) Merge(updates []LinkUpdate) int {
	applied := 0
	for _, u := range updates {
		if u.Key.From.Node == g.self {
			continue
		}
		if g.ApplyLink(u) {
			applied++
		}
	}
	return applied
}

// Node returns a copy of the node's state.
func (g *Graph) Node(id mesh.NodeID) (NodeInfo, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return copyNode(n), true
}

// Link returns a copy of the directed link's state.
func (g *Graph) Link(key mesh.LinkKey) (LinkInfo, bool) {
	l, ok := g.links[key]
	if !ok {
		return LinkInfo{}, false
	}
	return *l, true
}

// StaleLinks lists links whose age exceeds the staleness window. They remain
// in the graph until discovery decides to delete them; snapshots already
// exclude them.
func (g *Graph) StaleLinks(now time.Time) []mesh.LinkKey {
	var stale []mesh.LinkKey
	for key, l := range g.links {
		if l.Age(now) > g.staleWindow {
			stale = append(stale, key)
		}
	}
	return stale
}

// Counts reports the number of nodes and directed links, stale included.
func (g *Graph) Counts() (nodes, links int) {
	return len(g.nodes), len(g.links)
}

// NodeIDs lists every known node, sorted.
func (g *Graph) NodeIDs() []mesh.NodeID {
	ids := make([]mesh.NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Degree counts the directed links touching a node, stale included.
func (g *Graph) Degree(id mesh.NodeID) int {
	n := 0
	for key := range g.links {
		if key.From.Node == id || key.To.Node == id {
			n++
		}
	}
	return n
}

// Snapshot captures an immutable view holding only fresh links. The snapshot
// is safe to hand to other goroutines.
func (g *Graph) Snapshot(now time.Time) *Snapshot {
	s := &Snapshot{
		At:    now,
		Self:  g.self,
		Nodes: make(map[mesh.NodeID]NodeInfo, len(g.nodes)),
		Links: make(map[mesh.LinkKey]LinkInfo, len(g.links)),
	}
	for id, n := range g.nodes {
		s.Nodes[id] = copyNode(n)
	}
	for key, l := range g.links {
		if l.Age(now) <= g.staleWindow {
			s.Links[key] = *l
		}
	}
	return s
}

func (g *Graph) ensureRadio(ref mesh.RadioRef) {
	n := g.nodes[ref.Node]
	if _, ok := n.Radios[ref.Radio]; !ok {
		n.Radios[ref.Radio] = mesh.ChannelUnknown
	}
}

func (g *Graph) updateGauges() {
	if g.reg == nil {
		return
	}
	g.reg.GraphNodes.Set(float64(len(g.nodes)))
	g.reg.GraphLinks.Set(float64(len(g.links)))
}

func (g *Graph) publishChange(e eventbus.Event) {
	if g.bus == nil {
		return
	}
	e.Vertices = len(g.nodes)
	e.Edges = len(g.links)
	g.bus.Publish(e)
}

func copyNode(n *NodeInfo) NodeInfo {
	radios := make(map[mesh.RadioID]mesh.ChannelID, len(n.Radios))
	for r, ch := range n.Radios {
		radios[r] = ch
	}
	return NodeInfo{ID: n.ID, Radios: radios, LastSeen: n.LastSeen}
}
