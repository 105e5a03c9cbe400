package netgraph

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/des-testbed/des-chan/internal/mesh"
)

const unreachable = math.MaxInt32

// Snapshot is an immutable, internally consistent view of the graph with
// stale links already excluded. Snapshots may be shared across goroutines;
// hop distances are computed on first use and cached.
type Snapshot struct {
	At    time.Time
	Self  mesh.NodeID
	Nodes map[mesh.NodeID]NodeInfo
	Links map[mesh.LinkKey]LinkInfo

	hopsOnce sync.Once
	hops     map[mesh.NodeID]map[mesh.NodeID]int
}

// HopDistance returns the minimum hop count between two nodes over the
// undirected support of the fresh links. ok is false when no path exists.
func (s *Snapshot) HopDistance(a, b mesh.NodeID) (int, bool) {
	s.hopsOnce.Do(s.computeHops)
	row, found := s.hops[a]
	if !found {
		return 0, false
	}
	d, found := row[b]
	if !found || d == unreachable {
		return 0, false
	}
	return d, true
}

// Neighbors lists the nodes directly connected to id by a fresh link in
// either direction, in ascending order.
func (s *Snapshot) Neighbors(id mesh.NodeID) []mesh.NodeID {
	seen := make(map[mesh.NodeID]bool)
	for key := range s.Links {
		if key.From.Node == id && key.To.Node != id {
			seen[key.To.Node] = true
		}
		if key.To.Node == id && key.From.Node != id {
			seen[key.From.Node] = true
		}
	}
	out := make([]mesh.NodeID, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LinksFrom lists the fresh links whose source radio belongs to id.
func (s *Snapshot) LinksFrom(id mesh.NodeID) []LinkInfo {
	var out []LinkInfo
	for key, l := range s.Links {
		if key.From.Node == id {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// CanonicalLinks lists every fresh link once, with both directions folded
// onto the canonical key, in a deterministic order.
func (s *Snapshot) CanonicalLinks() []mesh.LinkKey {
	seen := make(map[mesh.LinkKey]bool)
	for key := range s.Links {
		seen[key.Canonical()] = true
	}
	out := make([]mesh.LinkKey, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i], out[j]) })
	return out
}

// RadioChannel reports the channel a radio is tuned to.
func (s *Snapshot) RadioChannel(ref mesh.RadioRef) (mesh.ChannelID, bool) {
	n, ok := s.Nodes[ref.Node]
	if !ok {
		return mesh.ChannelUnknown, false
	}
	ch, ok := n.Radios[ref.Radio]
	return ch, ok
}

// LinkChannel reports the channel a link operates on: the source radio's
// channel, or the destination's if the source's is unknown.
func (s *Snapshot) LinkChannel(key mesh.LinkKey) mesh.ChannelID {
	if ch, ok := s.RadioChannel(key.From); ok && ch != mesh.ChannelUnknown {
		return ch
	}
	if ch, ok := s.RadioChannel(key.To); ok && ch != mesh.ChannelUnknown {
		return ch
	}
	return mesh.ChannelUnknown
}

// FilterByQuality derives a snapshot containing only links whose combined
// delivery probability meets the threshold. Assignment strategies use this to
// ignore marginal links without losing the measurement record.
func (s *Snapshot) FilterByQuality(min float64) *Snapshot {
	f := &Snapshot{
		At:    s.At,
		Self:  s.Self,
		Nodes: s.Nodes,
		Links: make(map[mesh.LinkKey]LinkInfo, len(s.Links)),
	}
	for key, l := range s.Links {
		if l.Quality() >= min {
			f.Links[key] = l
		}
	}
	return f
}

func (s *Snapshot) computeHops() {
	ids := make([]mesh.NodeID, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}
	dist := make(map[mesh.NodeID]map[mesh.NodeID]int, len(ids))
	for _, a := range ids {
		row := make(map[mesh.NodeID]int, len(ids))
		for _, b := range ids {
			if a == b {
				row[b] = 0
			} else {
				row[b] = unreachable
			}
		}
		dist[a] = row
	}
	for key := range s.Links {
		a, b := key.From.Node, key.To.Node
		if a == b {
			continue
		}
		if dist[a] != nil && dist[b] != nil {
			dist[a][b] = 1
			dist[b][a] = 1
		}
	}
	// Floyd-Warshall over the node set.
	for _, k := range ids {
		for _, i := range ids {
			dik := dist[i][k]
			if dik == unreachable {
				continue
			}
			for _, j := range ids {
				if dkj := dist[k][j]; dkj != unreachable && dik+dkj < dist[i][j] {
					dist[i][j] = dik + dkj
				}
			}
		}
	}
	s.hops = dist
}

func keyLess(a, b mesh.LinkKey) bool {
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
