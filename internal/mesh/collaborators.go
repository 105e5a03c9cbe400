package mesh

import (
	"fmt"
	"sync"
	"time"
)

// LinkLayerStats are raw driver counters read through the interface
// controller. Discovery uses them as an optional cross-check on its own
// probe accounting.
type LinkLayerStats struct {
	TxPackets uint64
	TxRetries uint64
	RxPackets uint64
}

// InterfaceController is the seam to the radio drivers. The core reads
// channels through it; assignment strategies apply decisions with it.
type InterfaceController interface {
	GetChannel(radio RadioID) (ChannelID, error)
	SetChannel(radio RadioID, ch ChannelID) error
	GetLinkLayerStats(radio RadioID) (LinkLayerStats, error)
}

// OccupancySource supplies measured channel occupancy between two radios.
// The boolean is false when no measurement exists; callers treat that as
// zero additional interference, never as an error.
type OccupancySource interface {
	GetOccupancy(a, b RadioRef) (float64, bool)
}

type AssignmentRecord struct {
	Node    NodeID
	Radio   RadioID
	Channel ChannelID
	At      time.Time
}

type LinkRecord struct {
	From RadioRef
	To   RadioRef
	ETX  float64
	At   time.Time
}

// HistorySink is an append-only destination for graph and assignment
// history. Implementations must not block; the core fires and forgets.
type HistorySink interface {
	AppendAssignment(rec AssignmentRecord)
	AppendLinks(node NodeID, at time.Time, links []LinkRecord)
}

// NopSink discards history.
type NopSink struct{}

func (NopSink) AppendAssignment(AssignmentRecord)           {}
func (NopSink) AppendLinks(NodeID, time.Time, []LinkRecord) {}

// StaticController is an interface controller over in-memory state, for the
// simulator and tests. A deployment wires the real radio drivers instead.
type StaticController struct {
	mu       sync.Mutex
	channels map[RadioID]ChannelID
	stats    map[RadioID]LinkLayerStats
}

func NewStaticController(channels map[RadioID]ChannelID) *StaticController {
	cp := make(map[RadioID]ChannelID, len(channels))
	for id, ch := range channels {
		cp[id] = ch
	}
	return &StaticController{channels: cp, stats: make(map[RadioID]LinkLayerStats)}
}

func (c *StaticController) GetChannel(radio RadioID) (ChannelID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[radio]
	if !ok {
		return 0, fmt.Errorf("no radio %d", radio)
	}
	return ch, nil
}

func (c *StaticController) SetChannel(radio RadioID, ch ChannelID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[radio]; !ok {
		return fmt.Errorf("no radio %d", radio)
	}
	c.channels[radio] = ch
	return nil
}

func (c *StaticController) GetLinkLayerStats(radio RadioID) (LinkLayerStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[radio]; !ok {
		return LinkLayerStats{}, fmt.Errorf("no radio %d", radio)
	}
	return c.stats[radio], nil
}

// AddStats advances the fake driver counters, for tests that want to see
// nonzero samples.
func (c *StaticController) AddStats(radio RadioID, delta LinkLayerStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats[radio]
	s.TxPackets += delta.TxPackets
	s.TxRetries += delta.TxRetries
	s.RxPackets += delta.RxPackets
	c.stats[radio] = s
}
