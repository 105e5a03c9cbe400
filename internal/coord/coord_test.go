package coord

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/des-testbed/des-chan/internal/eventbus"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/metrics"
	"github.com/des-testbed/des-chan/internal/sched"
	"github.com/des-testbed/des-chan/internal/transport"
	"github.com/des-testbed/des-chan/internal/wire"
)

type fakeMedium struct {
	mu    sync.Mutex
	node  mesh.NodeID
	peers map[mesh.NodeID]*fakeMedium
	recv  func(payload []byte, from string)
}

func newFakeNetwork(nodes ...mesh.NodeID) map[mesh.NodeID]*fakeMedium {
	peers := make(map[mesh.NodeID]*fakeMedium)
	for _, n := range nodes {
		peers[n] = &fakeMedium{node: n, peers: peers}
	}
	return peers
}

func (m *fakeMedium) Send(to mesh.NodeID, payload []byte) error {
	peer, ok := m.peers[to]
	if !ok {
		return fmt.Errorf("no peer %d", to)
	}
	peer.inject(payload, fmt.Sprintf("%d", m.node))
	return nil
}

func (m *fakeMedium) Broadcast(payload []byte) error {
	for id, peer := range m.peers {
		if id != m.node {
			peer.inject(payload, fmt.Sprintf("%d", m.node))
		}
	}
	return nil
}

func (m *fakeMedium) SetReceiver(fn func(payload []byte, from string)) {
	m.mu.Lock()
	m.recv = fn
	m.mu.Unlock()
}

func (m *fakeMedium) Learn(node mesh.NodeID, addr string) {}
func (m *fakeMedium) Close() error                        { return nil }

func (m *fakeMedium) inject(payload []byte, from string) {
	m.mu.Lock()
	fn := m.recv
	m.mu.Unlock()
	if fn != nil {
		fn(payload, from)
	}
}

type testNode struct {
	id   mesh.NodeID
	clk  *mesh.ManualClock
	loop *sched.Loop
	ep   *transport.Endpoint
	co   *Coordinator
	reg  *metrics.Registry
}

func newTestNode(t *testing.T, id mesh.NodeID, med *fakeMedium, timeout time.Duration, withCoord bool) *testNode {
	t.Helper()
	n := &testNode{
		id:  id,
		clk: mesh.NewManualClock(time.Unix(1000, 0)),
		reg: metrics.NewRegistry(),
	}
	n.loop = sched.NewLoop(n.clk)
	n.ep = transport.NewEndpoint(id, n.loop, med, eventbus.NewEventBus(), n.reg, transport.DefaultConfig())
	if withCoord {
		n.co = NewCoordinator(id, n.loop, n.ep, eventbus.NewEventBus(), n.reg, timeout)
	}
	n.ep.Start()
	go n.loop.Run()
	t.Cleanup(n.loop.Stop)
	return n
}

// One target acks, one nacks, one stays silent: the round must deliver all
// three outcomes and only when the timeout expires.
func TestRoundWithSilentTargetCompletesAtTimeout(t *testing.T) {
	peers := newFakeNetwork(1, 2, 3, 4)
	a := newTestNode(t, 1, peers[1], 2*time.Second, true)
	b := newTestNode(t, 2, peers[2], 2*time.Second, true)
	c := newTestNode(t, 3, peers[3], 2*time.Second, true)
	newTestNode(t, 4, peers[4], 2*time.Second, false) // receives, never votes

	b.co.SetProposalHandler(func(from mesh.NodeID, p Proposal) bool { return true })
	c.co.SetProposalHandler(func(from mesh.NodeID, p Proposal) bool { return false })

	var mu sync.Mutex
	var results []Result
	a.loop.Post(func() {
		a.co.Propose([]mesh.NodeID{2, 3, 4}, Proposal{Radio: 0, Channel: 44}, func(r Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
	})
	a.loop.Sync()
	b.loop.Sync()
	c.loop.Sync()
	a.loop.Sync() // both votes processed

	mu.Lock()
	require.Empty(t, results, "round must not complete while a vote is outstanding")
	mu.Unlock()

	a.clk.Advance(2 * time.Second)
	a.loop.Sync()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, OutcomeAck, r.Outcomes[2])
	assert.Equal(t, OutcomeNack, r.Outcomes[3])
	assert.Equal(t, OutcomeNonResponsive, r.Outcomes[4])
	assert.Equal(t, 2*time.Second, r.Duration)
	assert.False(t, r.AllAcked())
	assert.Equal(t, 0, a.co.ActiveRounds())
}

func TestRoundCompletesEarlyWhenAllVote(t *testing.T) {
	peers := newFakeNetwork(1, 2, 3)
	a := newTestNode(t, 1, peers[1], 5*time.Second, true)
	b := newTestNode(t, 2, peers[2], 5*time.Second, true)
	c := newTestNode(t, 3, peers[3], 5*time.Second, true)

	b.co.SetProposalHandler(func(from mesh.NodeID, p Proposal) bool { return true })
	c.co.SetProposalHandler(func(from mesh.NodeID, p Proposal) bool { return true })

	var mu sync.Mutex
	var results []Result
	a.loop.Post(func() {
		a.co.Propose([]mesh.NodeID{2, 3}, Proposal{Radio: 1, Channel: 40}, func(r Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
	})
	a.loop.Sync()
	b.loop.Sync()
	c.loop.Sync()
	a.loop.Sync()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1, "round should complete without any clock advance")
	assert.True(t, results[0].AllAcked())
	assert.Equal(t, time.Duration(0), results[0].Duration)
	assert.Equal(t, float64(2), testutil.ToFloat64(a.reg.VotesReceived.WithLabelValues("ack")))
}

func TestUnreachableTargetMarkedNonResponsive(t *testing.T) {
	cfg := transport.Config{
		MaxRetries:     1,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		ReorderWindow:  8,
	}
	peers := newFakeNetwork(1)
	a := &testNode{id: 1, clk: mesh.NewManualClock(time.Unix(1000, 0)), reg: metrics.NewRegistry()}
	a.loop = sched.NewLoop(a.clk)
	a.ep = transport.NewEndpoint(1, a.loop, peers[1], eventbus.NewEventBus(), a.reg, cfg)
	a.co = NewCoordinator(1, a.loop, a.ep, eventbus.NewEventBus(), a.reg, time.Second)
	a.ep.Start()
	go a.loop.Run()
	t.Cleanup(a.loop.Stop)

	var mu sync.Mutex
	var results []Result
	a.loop.Post(func() {
		a.co.Propose([]mesh.NodeID{9}, Proposal{Radio: 0, Channel: 36}, func(r Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
	})
	a.loop.Sync()

	// Transport gives up at 300ms; the round still waits for its deadline.
	a.clk.Advance(100 * time.Millisecond)
	a.loop.Sync()
	a.clk.Advance(200 * time.Millisecond)
	a.loop.Sync()
	mu.Lock()
	require.Empty(t, results, "giving up on delivery must not end the round early")
	mu.Unlock()

	a.clk.Advance(700 * time.Millisecond)
	a.loop.Sync()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeNonResponsive, results[0].Outcomes[9])
}

func TestLateVoteDiscardedByRoundID(t *testing.T) {
	peers := newFakeNetwork(1, 4)
	a := newTestNode(t, 1, peers[1], time.Second, true)
	newTestNode(t, 4, peers[4], time.Second, false)

	var mu sync.Mutex
	calls := 0
	var roundID [16]byte
	a.loop.Post(func() {
		id := a.co.Propose([]mesh.NodeID{4}, Proposal{Radio: 0, Channel: 40}, func(r Result) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		mu.Lock()
		roundID = [16]byte(id)
		mu.Unlock()
	})
	a.loop.Sync()
	a.clk.Advance(time.Second)
	a.loop.Sync()

	mu.Lock()
	require.Equal(t, 1, calls)
	pid := roundID
	mu.Unlock()

	// The silent node finally answers after the deadline.
	late, err := wire.CreateVoteFrame(1, 4, 1, 0, wire.REQ_ACK, pid, wire.VOTE_ACK)
	require.NoError(t, err)
	peers[1].inject(late, "4")
	a.loop.Sync()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "late vote must not re-complete the round")
	assert.Equal(t, float64(1), testutil.ToFloat64(a.reg.VotesReceived.WithLabelValues("late")))
}

func TestNotifyAssignmentReachesNeighbors(t *testing.T) {
	peers := newFakeNetwork(1, 2)
	a := newTestNode(t, 1, peers[1], time.Second, true)
	b := newTestNode(t, 2, peers[2], time.Second, true)

	type notice struct {
		from  mesh.NodeID
		radio mesh.RadioID
		ch    mesh.ChannelID
	}
	var mu sync.Mutex
	var seen []notice
	b.co.SetNotifyHandler(func(from mesh.NodeID, radio mesh.RadioID, ch mesh.ChannelID) {
		mu.Lock()
		seen = append(seen, notice{from, radio, ch})
		mu.Unlock()
	})

	a.loop.Post(func() {
		a.co.NotifyAssignment(1, 44)
	})
	a.loop.Sync()
	b.loop.Sync()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, notice{from: 1, radio: 1, ch: 44}, seen[0])
}

func TestInboundProposalWithoutHandlerIsNacked(t *testing.T) {
	peers := newFakeNetwork(1, 2)
	a := newTestNode(t, 1, peers[1], time.Second, true)
	b := newTestNode(t, 2, peers[2], time.Second, true) // no handler installed

	var mu sync.Mutex
	var results []Result
	a.loop.Post(func() {
		a.co.Propose([]mesh.NodeID{2}, Proposal{Radio: 0, Channel: 40}, func(r Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
	})
	a.loop.Sync()
	b.loop.Sync()
	a.loop.Sync()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeNack, results[0].Outcomes[2])
}
