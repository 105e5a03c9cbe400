package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/des-testbed/des-chan/internal/eventbus"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/metrics"
	"github.com/des-testbed/des-chan/internal/netgraph"
	"github.com/des-testbed/des-chan/internal/sched"
	"github.com/des-testbed/des-chan/internal/transport"
	"github.com/des-testbed/des-chan/internal/wire"
)

// fakeMedium records every outbound frame and lets tests inject inbound ones.
// Nothing is ever actually delivered anywhere.
type fakeMedium struct {
	mu   sync.Mutex
	recv func(payload []byte, from string)
	out  [][]byte
}

func (m *fakeMedium) Send(to mesh.NodeID, payload []byte) error {
	m.record(payload)
	return nil
}

func (m *fakeMedium) Broadcast(payload []byte) error {
	m.record(payload)
	return nil
}

func (m *fakeMedium) record(payload []byte) {
	m.mu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.out = append(m.out, cp)
	m.mu.Unlock()
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

func (m *fakeMedium) framesOfType(t uint8) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, f := range m.out {
		if len(f) > 20 && f[20] == t {
			out = append(out, f)
		}
	}
	return out
}

type harness struct {
	clk    *mesh.ManualClock
	loop   *sched.Loop
	med    *fakeMedium
	bus    *eventbus.EventBus
	reg    *metrics.Registry
	graph  *netgraph.Graph
	ep     *transport.Endpoint
	svc    *Service
	events chan eventbus.Event
}

func newHarness(t *testing.T, cfg Config, staleWindow time.Duration) *harness {
	t.Helper()
	h := &harness{
		clk: mesh.NewManualClock(time.Unix(1000, 0)),
		med: &fakeMedium{},
		bus: eventbus.NewEventBus(),
		reg: metrics.NewRegistry(),
	}
	h.loop = sched.NewLoop(h.clk)
	h.graph = netgraph.NewGraph(1, staleWindow, h.bus, h.reg)
	tcfg := transport.DefaultConfig()
	tcfg.GapFlush = 500 * time.Millisecond
	h.ep = transport.NewEndpoint(1, h.loop, h.med, h.bus, h.reg, tcfg)
	h.svc = NewService(1, h.loop, h.ep, h.graph, h.bus, h.reg, cfg)
	h.svc.AttachRadio(0, 40)
	h.events = h.bus.Subscribe()
	h.ep.Start()
	h.svc.Start()
	go h.loop.Run()
	t.Cleanup(h.loop.Stop)
	return h
}

func (h *harness) step(d time.Duration) {
	h.clk.Advance(d)
	h.loop.Sync()
}

func (h *harness) injectHello(t *testing.T, src mesh.NodeID, tseq, probeSeq uint32, reports []wire.RatioReport) {
	t.Helper()
	frame, err := wire.CreateHelloFrame(src, tseq, h.clk.Now().UnixMicro(), 0, probeSeq, reports)
	require.NoError(t, err)
	h.med.inject(frame, "peer")
	h.loop.Sync()
}

func (h *harness) drainEvents() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-h.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countEvents(evs []eventbus.Event, typ eventbus.EventType) int {
	n := 0
	for _, e := range evs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func linkAB() mesh.LinkKey {
	return mesh.LinkKey{
		From: mesh.RadioRef{Node: 1, Radio: 0},
		To:   mesh.RadioRef{Node: 2, Radio: 0},
	}
}

// Ten probe rounds with half of the peer's probes lost and the peer reporting
// it received 80% of ours: the combined metric must land on 1/(0.8*0.5) = 2.5.
func TestEtxFromAsymmetricRatios(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 30*time.Second)

	reports := []wire.RatioReport{{Node: 1, Radio: 0, RatioMilli: 800}}
	for k := uint32(1); k <= 10; k++ {
		h.step(time.Second)
		if k%2 == 1 {
			h.injectHello(t, 2, k, k, reports)
		}
	}

	li, ok := h.graph.Link(linkAB())
	require.True(t, ok, "link to the probing peer should exist")
	assert.InDelta(t, 2.5, li.ETX, 1e-9)
	assert.InDelta(t, 0.8, li.Forward, 1e-9)
	assert.InDelta(t, 0.5, li.Reverse, 1e-9)

	evs := h.drainEvents()
	assert.Greater(t, countEvents(evs, eventbus.EventNeighborUpdated), 0)
}

func TestHelloAnsweredWithObservedRatio(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 30*time.Second)

	for k := uint32(1); k <= 5; k++ {
		h.step(time.Second)
		h.injectHello(t, 2, k, k, nil)
	}

	acks := h.med.framesOfType(wire.MSG_HELLO_ACK)
	require.Len(t, acks, 5)
	bh, ah, err := wire.DeserialiseHelloAckFrame(acks[4])
	require.NoError(t, err)
	assert.Equal(t, mesh.NodeID(2), bh.DestNodeID)
	assert.Equal(t, uint32(5), ah.ProbeSeq)
	// Five receptions against an expected ten.
	assert.Equal(t, uint16(500), ah.RatioMilli)
}

func TestProbesEmbedRatioReports(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 30*time.Second)

	for k := uint32(1); k <= 5; k++ {
		h.step(time.Second)
		h.injectHello(t, 2, k, k, nil)
	}
	h.step(time.Second) // one more probe tick after the peer is known

	hellos := h.med.framesOfType(wire.MSG_HELLO)
	require.NotEmpty(t, hellos)
	_, hh, err := wire.DeserialiseHelloFrame(hellos[len(hellos)-1])
	require.NoError(t, err)
	require.Len(t, hh.Reports, 1)
	assert.Equal(t, mesh.NodeID(2), hh.Reports[0].Node)
	assert.Equal(t, mesh.RadioID(0), hh.Reports[0].Radio)
	assert.Equal(t, uint16(500), hh.Reports[0].RatioMilli)
}

func TestHelloAckSetsForwardRatio(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 30*time.Second)

	// Their probes arrive but carry no report about us, so the forward
	// direction stays unknown and no link can form yet.
	for k := uint32(1); k <= 3; k++ {
		h.step(time.Second)
		h.injectHello(t, 2, k, k, nil)
	}
	_, ok := h.graph.Link(linkAB())
	require.False(t, ok, "link must not exist before the forward ratio is known")

	// The peer answers our third probe: forward ratio 0.9, our reverse
	// window holds 3 of 10.
	ack, err := wire.CreateHelloAckFrame(1, 2, 4, h.clk.Now().UnixMicro(), 0, 0, 3, 900)
	require.NoError(t, err)
	h.med.inject(ack, "peer")
	h.loop.Sync()

	li, ok := h.graph.Link(linkAB())
	require.True(t, ok)
	assert.InDelta(t, 1/(0.9*0.3), li.ETX, 1e-9)

	// A reply to a probe we never sent must be ignored.
	stray, err := wire.CreateHelloAckFrame(1, 2, 5, h.clk.Now().UnixMicro(), 0, 0, 999, 100)
	require.NoError(t, err)
	h.med.inject(stray, "peer")
	h.loop.Sync()
	li2, _ := h.graph.Link(linkAB())
	assert.Equal(t, li.ETX, li2.ETX)
}

func TestMissedProbeLimitDropsNeighbor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MissedProbeLimit = 3
	h := newHarness(t, cfg, 30*time.Second)

	reports := []wire.RatioReport{{Node: 1, Radio: 0, RatioMilli: 1000}}
	for k := uint32(1); k <= 3; k++ {
		h.step(time.Second)
		h.injectHello(t, 2, k, k, reports)
	}
	require.Equal(t, 1, h.svc.NeighborCount())
	h.drainEvents()

	// Silence. Three probe ticks later the neighbor is gone.
	for i := 0; i < 3; i++ {
		h.step(time.Second)
	}

	assert.Equal(t, 0, h.svc.NeighborCount())
	_, ok := h.graph.Link(linkAB())
	assert.False(t, ok, "links must be deleted with the neighbor")
	evs := h.drainEvents()
	assert.Equal(t, 1, countEvents(evs, eventbus.EventNeighborLost))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.reg.NeighborsLost))
}

func TestSweepAnnouncesStaleAndPrunes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MissedProbeLimit = 99 // keep the neighbor alive, age the link instead
	h := newHarness(t, cfg, 2*time.Second)

	reports := []wire.RatioReport{{Node: 1, Radio: 0, RatioMilli: 1000}}
	h.step(time.Second)
	h.injectHello(t, 2, 1, 1, reports)
	_, ok := h.graph.Link(linkAB())
	require.True(t, ok)
	h.drainEvents()

	// Age past the staleness window: announced once, still in the graph.
	h.step(2500 * time.Millisecond)
	evs := h.drainEvents()
	assert.Equal(t, 1, countEvents(evs, eventbus.EventLinkStale))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.reg.LinksStale))
	_, ok = h.graph.Link(linkAB())
	assert.True(t, ok, "stale link is retained for hysteresis")

	// Age past twice the window: deleted.
	h.step(2 * time.Second)
	_, ok = h.graph.Link(linkAB())
	assert.False(t, ok, "link should be deleted after the hysteresis period")
	evs = h.drainEvents()
	assert.Equal(t, 0, countEvents(evs, eventbus.EventLinkStale), "staleness is announced only once")
}

func TestLinkReportMergedIntoGraph(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 30*time.Second)
	h.step(time.Second)

	entries := []wire.LinkReportEntry{
		{FromNode: 2, FromRadio: 0, ToNode: 3, ToRadio: 0, EtxMilli: 1500, AgeMs: 0},
		// Gossip about our own links must be ignored; we measure those.
		{FromNode: 1, FromRadio: 0, ToNode: 3, ToRadio: 0, EtxMilli: 9000, AgeMs: 0},
	}
	frame, err := wire.CreateLinkReportFrame(2, 1, h.clk.Now().UnixMicro(), entries)
	require.NoError(t, err)
	h.med.inject(frame, "peer")
	h.loop.Sync()

	remote := mesh.LinkKey{
		From: mesh.RadioRef{Node: 2, Radio: 0},
		To:   mesh.RadioRef{Node: 3, Radio: 0},
	}
	li, ok := h.graph.Link(remote)
	require.True(t, ok)
	assert.InDelta(t, 1.5, li.ETX, 1e-9)

	own := mesh.LinkKey{
		From: mesh.RadioRef{Node: 1, Radio: 0},
		To:   mesh.RadioRef{Node: 3, Radio: 0},
	}
	_, ok = h.graph.Link(own)
	assert.False(t, ok, "self-origin gossip entries must be skipped")
}

func TestGossipBroadcastsOwnLinks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GossipInterval = 5 * time.Second
	h := newHarness(t, cfg, 30*time.Second)

	reports := []wire.RatioReport{{Node: 1, Radio: 0, RatioMilli: 1000}}
	for k := uint32(1); k <= 4; k++ {
		h.step(time.Second)
		h.injectHello(t, 2, k, k, reports)
	}
	h.step(time.Second) // t=5: gossip timer fires

	frames := h.med.framesOfType(wire.MSG_LINK_REPORT)
	require.NotEmpty(t, frames)
	_, lh, err := wire.DeserialiseLinkReportFrame(frames[len(frames)-1])
	require.NoError(t, err)
	require.Len(t, lh.Entries, 1)
	assert.Equal(t, mesh.NodeID(1), lh.Entries[0].FromNode)
	assert.Equal(t, mesh.NodeID(2), lh.Entries[0].ToNode)
	assert.Greater(t, lh.Entries[0].EtxMilli, uint32(999))
}

func TestEtxBoundsProperty(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("etx is at least 1 and symmetric in its ratios", prop.ForAll(
		func(fm, rm uint16) bool {
			fwd := float64(fm) / 1000
			rev := float64(rm) / 1000
			etx := etxValue(fwd, rev)
			return etx >= 1 && etx == etxValue(rev, fwd)
		},
		gen.UInt16Range(1, 1000),
		gen.UInt16Range(1, 1000),
	))

	properties.TestingRun(t)
}

func TestWindowRatio(t *testing.T) {
	base := time.Unix(2000, 0)
	var w window
	for i := 0; i < 5; i++ {
		w.add(base.Add(time.Duration(i)*time.Second), 10*time.Second)
	}
	got := w.ratio(base.Add(5*time.Second), 10*time.Second, time.Second)
	assert.InDelta(t, 0.5, got, 1e-9)

	// Receptions older than the span fall out.
	got = w.ratio(base.Add(20*time.Second), 10*time.Second, time.Second)
	assert.Equal(t, 0.0, got)

	// The ratio never exceeds 1 even if more probes than expected arrive.
	var burst window
	for i := 0; i < 30; i++ {
		burst.add(base.Add(time.Duration(i)*100*time.Millisecond), 10*time.Second)
	}
	got = burst.ratio(base.Add(3*time.Second), 10*time.Second, time.Second)
	assert.Equal(t, 1.0, got)
}
