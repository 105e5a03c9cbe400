package sim

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/des-testbed/des-chan/internal/config"
	"github.com/des-testbed/des-chan/internal/eventbus"
	"github.com/des-testbed/des-chan/internal/mesh"
)

// Counters tallies the bus events of every agent in the run.
type Counters struct {
	NeighborsUp        uint64            `json:"neighbors_up"`
	NeighborsLost      uint64            `json:"neighbors_lost"`
	LinksGoneStale     uint64            `json:"links_gone_stale"`
	GraphChanges       uint64            `json:"graph_changes"`
	ConflictRebuilds   uint64            `json:"conflict_rebuilds"`
	AssignmentsApplied uint64            `json:"assignments_applied"`
	RoundsCompleted    uint64            `json:"rounds_completed"`
	MessagesDropped    uint64            `json:"messages_dropped"`
	PeersUnreachable   uint64            `json:"peers_unreachable"`
	DropsByReason      map[string]uint64 `json:"drops_by_reason"`
}

type Collector struct {
	mu sync.Mutex
	Counters
}

func NewCollector() *Collector {
	return &Collector{Counters: Counters{DropsByReason: make(map[string]uint64)}}
}

// Consume drains one agent's event channel until quit closes.
func (c *Collector) Consume(ch <-chan eventbus.Event, quit <-chan struct{}) {
	for {
		select {
		case ev := <-ch:
			c.add(ev)
		case <-quit:
			return
		}
	}
}

func (c *Collector) add(ev eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case eventbus.EventNeighborUpdated:
		c.NeighborsUp++
	case eventbus.EventNeighborLost:
		c.NeighborsLost++
	case eventbus.EventLinkStale:
		c.LinksGoneStale++
	case eventbus.EventGraphChanged:
		c.GraphChanges++
	case eventbus.EventConflictsChanged:
		c.ConflictRebuilds++
	case eventbus.EventAssignmentApplied:
		c.AssignmentsApplied++
	case eventbus.EventRoundCompleted:
		c.RoundsCompleted++
	case eventbus.EventMessageDropped:
		c.MessagesDropped++
		c.DropsByReason[ev.Reason]++
	case eventbus.EventPeerUnreachable:
		c.PeersUnreachable++
	}
}

// Snapshot copies the counters for readers running alongside Consume.
func (c *Collector) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.Counters
	out.DropsByReason = make(map[string]uint64, len(c.DropsByReason))
	for k, v := range c.DropsByReason {
		out.DropsByReason[k] = v
	}
	return out
}

// NodeSummary is one agent's state at the end of the run.
type NodeSummary struct {
	Node             mesh.NodeID    `json:"node"`
	Channel          mesh.ChannelID `json:"channel"`
	Neighbors        int            `json:"neighbors"`
	Links            int            `json:"links"`
	ConflictVertices int            `json:"conflict_vertices"`
	ConflictEdges    int            `json:"conflict_edges"`
}

// Summary is the JSON report of a whole run.
type Summary struct {
	Scenario string          `json:"scenario"`
	Nodes    int             `json:"nodes"`
	Duration config.Duration `json:"duration"`
	Model    string          `json:"model"`
	Strategy string          `json:"strategy,omitempty"`
	Counters Counters        `json:"counters"`
	PerNode  []NodeSummary   `json:"per_node"`
}

// Flush writes the summary to a file, indented for humans.
func (s *Summary) Flush(file string) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
