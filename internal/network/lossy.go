package network

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/des-testbed/des-chan/internal/mesh"
)

type pairKey struct {
	from mesh.NodeID
	to   mesh.NodeID
}

// LossyMedium is the in-memory substrate the simulator and the tests run
// agents on. Datagrams are delivered asynchronously with configurable
// per-pair loss, latency and an optional radio range; everything a real
// testbed does to packets except deliver them reliably.
type LossyMedium struct {
	mu        sync.RWMutex
	ports     map[mesh.NodeID]*lossyPort
	positions map[mesh.NodeID]mesh.Coordinates
	loss      map[pairKey]float64
	dropNext  func(from, to mesh.NodeID, payload []byte) bool

	defaultLoss float64
	latency     time.Duration
	maxRange    float64 // 0 disables the range check

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewLossyMedium(seed int64) *LossyMedium {
	return &LossyMedium{
		ports:     make(map[mesh.NodeID]*lossyPort),
		positions: make(map[mesh.NodeID]mesh.Coordinates),
		loss:      make(map[pairKey]float64),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (m *LossyMedium) SetDefaultLoss(p float64)   { m.mu.Lock(); m.defaultLoss = p; m.mu.Unlock() }
func (m *LossyMedium) SetLatency(d time.Duration) { m.mu.Lock(); m.latency = d; m.mu.Unlock() }
func (m *LossyMedium) SetMaxRange(r float64)      { m.mu.Lock(); m.maxRange = r; m.mu.Unlock() }

// SetLoss sets the drop probability for datagrams travelling from -> to.
func (m *LossyMedium) SetLoss(from, to mesh.NodeID, p float64) {
	m.mu.Lock()
	m.loss[pairKey{from, to}] = p
	m.mu.Unlock()
}

// SetDropFilter installs a deterministic drop hook for tests; it runs before
// the probabilistic loss and wins when it returns true.
func (m *LossyMedium) SetDropFilter(fn func(from, to mesh.NodeID, payload []byte) bool) {
	m.mu.Lock()
	m.dropNext = fn
	m.mu.Unlock()
}

// Attach joins a node to the fabric and returns its private port.
func (m *LossyMedium) Attach(node mesh.NodeID, pos mesh.Coordinates) mesh.Medium {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &lossyPort{medium: m, node: node}
	m.ports[node] = p
	m.positions[node] = pos
	return p
}

// Detach removes a node; queued deliveries toward it evaporate.
func (m *LossyMedium) Detach(node mesh.NodeID) {
	m.mu.Lock()
	delete(m.ports, node)
	delete(m.positions, node)
	m.mu.Unlock()
}

func (m *LossyMedium) deliver(from, to mesh.NodeID, payload []byte) {
	m.mu.RLock()
	port, ok := m.ports[to]
	filter := m.dropNext
	p, havePair := m.loss[pairKey{from, to}]
	if !havePair {
		p = m.defaultLoss
	}
	latency := m.latency
	inRange := true
	if m.maxRange > 0 {
		inRange = m.positions[from].DistanceTo(m.positions[to]) <= m.maxRange
	}
	m.mu.RUnlock()

	if !ok || !inRange {
		return
	}
	if filter != nil && filter(from, to, payload) {
		return
	}
	if p > 0 {
		m.rngMu.Lock()
		drop := m.rng.Float64() < p
		m.rngMu.Unlock()
		if drop {
			return
		}
	}

	// own copy per receiver; the sender may reuse its buffer
	buf := make([]byte, len(payload))
	copy(buf, payload)

	deliver := func() {
		port.mu.RLock()
		recv := port.recv
		port.mu.RUnlock()
		if recv != nil {
			recv(buf, fmt.Sprintf("%d", from))
		}
	}
	if latency > 0 {
		time.AfterFunc(latency, deliver)
	} else {
		go deliver()
	}
}

// lossyPort is the per-node view of a LossyMedium.
type lossyPort struct {
	medium *LossyMedium
	node   mesh.NodeID

	mu   sync.RWMutex
	recv func(payload []byte, from string)
}

func (p *lossyPort) Send(to mesh.NodeID, payload []byte) error {
	p.medium.mu.RLock()
	_, known := p.medium.ports[to]
	p.medium.mu.RUnlock()
	if !known {
		log.Printf("[medium] node %d tried to send to unknown node %d. Continuing anyway...", p.node, to)
	}
	p.medium.deliver(p.node, to, payload)
	return nil
}

func (p *lossyPort) Broadcast(payload []byte) error {
	p.medium.mu.RLock()
	targets := make([]mesh.NodeID, 0, len(p.medium.ports))
	for id := range p.medium.ports {
		if id != p.node {
			targets = append(targets, id)
		}
	}
	p.medium.mu.RUnlock()

	for _, to := range targets {
		p.medium.deliver(p.node, to, payload)
	}
	return nil
}

func (p *lossyPort) SetReceiver(fn func(payload []byte, from string)) {
	p.mu.Lock()
	p.recv = fn
	p.mu.Unlock()
}

func (p *lossyPort) Learn(node mesh.NodeID, addr string) {}

func (p *lossyPort) Close() error {
	p.medium.Detach(p.node)
	return nil
}
