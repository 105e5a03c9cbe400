package eventbus

import (
	"log"
	"sync"
	"time"

	"github.com/des-testbed/des-chan/internal/mesh"
)

type EventType string

const (
	EventNeighborUpdated   EventType = "NEIGHBOR_UPDATED"
	EventNeighborLost      EventType = "NEIGHBOR_LOST"
	EventLinkStale         EventType = "LINK_STALE"
	EventGraphChanged      EventType = "GRAPH_CHANGED"
	EventConflictsChanged  EventType = "CONFLICTS_CHANGED"
	EventAssignmentApplied EventType = "ASSIGNMENT_APPLIED"
	EventRoundCompleted    EventType = "ROUND_COMPLETED"
	EventMessageDropped    EventType = "MESSAGE_DROPPED"
	EventPeerUnreachable   EventType = "PEER_UNREACHABLE"
)

// Event holds details the observation frontends might need. The bus is for
// observers only; state-bearing updates go straight to their owner on the
// agent loop and never ride a droppable channel.
type Event struct {
	Type        EventType      `json:"type"`
	NodeID      mesh.NodeID    `json:"node_id"`
	OtherNodeID mesh.NodeID    `json:"other_node_id,omitempty"`
	Link        string         `json:"link,omitempty"`
	ETX         float64        `json:"etx,omitempty"`
	Radio       mesh.RadioID   `json:"radio,omitempty"`
	Channel     mesh.ChannelID `json:"channel,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Vertices    int            `json:"vertices,omitempty"`
	Edges       int            `json:"edges,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// EventBus manages a set of subscribers and publishes events to them.
type EventBus struct {
	subscribers []chan Event
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make([]chan Event, 0),
	}
}

// Publish sends an event to all subscribers. Sends are non-blocking; a full
// subscriber loses the event.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, sub := range eb.subscribers {
		select {
		case sub <- e:
		default:
			log.Println("[eventbus] dropping event: subscriber channel is full")
		}
	}
}

// Subscribe returns a new channel that will receive published events.
func (eb *EventBus) Subscribe() chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan Event, 100)
	eb.subscribers = append(eb.subscribers, ch)
	return ch
}

// Unsubscribe detaches a channel obtained from Subscribe. Events already
// queued on it stay readable; the channel is never closed.
func (eb *EventBus) Unsubscribe(ch chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, sub := range eb.subscribers {
		if sub == ch {
			eb.subscribers = append(eb.subscribers[:i], eb.subscribers[i+1:]...)
			return
		}
	}
}
