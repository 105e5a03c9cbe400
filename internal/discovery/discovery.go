// Package discovery probes neighbors, estimates per-link delivery ratios and
// feeds the resulting ETX measurements into the network graph. Each radio
// broadcasts periodic HELLO frames; receivers answer with HELLO_ACK and embed
// their observed reception ratios, so both directions of every link become
// known on both sides.
package discovery

import (
	"log"
	"time"

	"github.com/des-testbed/des-chan/internal/eventbus"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/metrics"
	"github.com/des-testbed/des-chan/internal/netgraph"
	"github.com/des-testbed/des-chan/internal/sched"
	"github.com/des-testbed/des-chan/internal/transport"
	"github.com/des-testbed/des-chan/internal/wire"
)

// Config tunes probing and link lifecycle.
type Config struct {
	// ProbeInterval is the period between HELLO broadcasts per radio.
	ProbeInterval time.Duration
	// WindowSpan is how far back receptions count toward a delivery ratio.
	// The expected probe count inside it is WindowSpan / ProbeInterval.
	WindowSpan time.Duration
	// MissedProbeLimit is how many consecutive silent probe intervals a
	// neighbor gets before its links are deleted.
	MissedProbeLimit int
	// GossipInterval is the period between LINK_REPORT broadcasts. Zero
	// disables gossip.
	GossipInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval:    1 * time.Second,
		WindowSpan:       10 * time.Second,
		MissedProbeLimit: 5,
		GossipInterval:   5 * time.Second,
	}
}

// maxReportsPerHello keeps a HELLO with its ratio reports inside one frame.
const maxReportsPerHello = 128

// linkState is what we know about one of our outgoing links: the reception
// window of the peer radio's probes (our reverse ratio) and the delivery
// ratio the peer last reported for our probes (the forward ratio).
type linkState struct {
	rx       window
	fwdRatio float64
}

type neighborState struct {
	node      mesh.NodeID
	lastHeard time.Time
	missed    int
	links     map[mesh.LinkKey]*linkState
}

// Service runs neighbor discovery for one agent. Loop-owned: every method
// except construction must be called on the agent loop.
type Service struct {
	self  mesh.NodeID
	loop  *sched.Loop
	ep    *transport.Endpoint
	graph *netgraph.Graph
	bus   *eventbus.EventBus
	reg   *metrics.Registry
	cfg   Config

	radios    []mesh.RadioID
	probeSeq  uint32
	sentProbe map[uint32]mesh.RadioID
	neighbors map[mesh.NodeID]*neighborState
	staleSeen map[mesh.LinkKey]bool
	lastTick  time.Time

	probeTimer  sched.TimerID
	sweepTimer  sched.TimerID
	gossipTimer sched.TimerID
}

func NewService(self mesh.NodeID, loop *sched.Loop, ep *transport.Endpoint, graph *netgraph.Graph, bus *eventbus.EventBus, reg *metrics.Registry, cfg Config) *Service {
	if cfg.ProbeInterval <= 0 {
		cfg = DefaultConfig()
	}
	s := &Service{
		self:      self,
		loop:      loop,
		ep:        ep,
		graph:     graph,
		bus:       bus,
		reg:       reg,
		cfg:       cfg,
		sentProbe: make(map[uint32]mesh.RadioID),
		neighbors: make(map[mesh.NodeID]*neighborState),
		staleSeen: make(map[mesh.LinkKey]bool),
	}
	ep.RegisterHandler(wire.MSG_HELLO, s.onHello)
	ep.RegisterHandler(wire.MSG_HELLO_ACK, s.onHelloAck)
	ep.RegisterHandler(wire.MSG_LINK_REPORT, s.onLinkReport)
	return s
}

// AttachRadio registers a local radio and the channel it is tuned to.
func (s *Service) AttachRadio(id mesh.RadioID, ch mesh.ChannelID) {
	s.radios = append(s.radios, id)
	s.graph.SetRadioChannel(mesh.RadioRef{Node: s.self, Radio: id}, ch, s.loop.Now())
}

// Start arms the periodic probe, sweep and gossip timers.
func (s *Service) Start() {
	s.lastTick = s.loop.Now()
	s.probeTimer = s.loop.Every(s.cfg.ProbeInterval, s.probeTick)
	s.sweepTimer = s.loop.Every(s.cfg.ProbeInterval, s.sweep)
	if s.cfg.GossipInterval > 0 {
		s.gossipTimer = s.loop.Every(s.cfg.GossipInterval, s.gossip)
	}
}

func (s *Service) Stop() {
	s.loop.Cancel(s.probeTimer)
	s.loop.Cancel(s.sweepTimer)
	if s.gossipTimer != 0 {
		s.loop.Cancel(s.gossipTimer)
	}
}

// NeighborCount reports how many neighbors are currently tracked.
func (s *Service) NeighborCount() int { return len(s.neighbors) }

func (s *Service) probeTick() {
	now := s.loop.Now()
	for id, nb := range s.neighbors {
		if nb.lastHeard.After(s.lastTick) {
			nb.missed = 0
			continue
		}
		nb.missed++
		if nb.missed >= s.cfg.MissedProbeLimit {
			s.dropNeighbor(id, "missed probe limit reached", now)
		}
	}
	s.lastTick = now

	for _, radio := range s.radios {
		s.probeSeq++
		s.rememberProbe(s.probeSeq, radio)
		frame, err := wire.CreateHelloFrame(s.self, s.ep.NextSeq(), s.ep.NowMicro(), radio, s.probeSeq, s.reportsFor(radio, now))
		if err != nil {
			log.Printf("[discovery] node %d: building HELLO failed: %v", s.self, err)
			continue
		}
		if err := s.ep.Broadcast(frame); err != nil {
			log.Printf("[discovery] node %d: HELLO broadcast failed: %v", s.self, err)
			continue
		}
		s.reg.ProbesSent.Inc()
	}
}

// reportsFor collects what this radio has received from each peer radio, so
// peers learn the forward ratio of their links toward us.
func (s *Service) reportsFor(radio mesh.RadioID, now time.Time) []wire.RatioReport {
	var reports []wire.RatioReport
	for _, nb := range s.neighbors {
		for key, ls := range nb.links {
			if key.From.Radio != radio {
				continue
			}
			reports = append(reports, wire.RatioReport{
				Node:       key.To.Node,
				Radio:      key.To.Radio,
				RatioMilli: ratioMilli(ls.rx.ratio(now, s.cfg.WindowSpan, s.cfg.ProbeInterval)),
			})
			if len(reports) == maxReportsPerHello {
				return reports
			}
		}
	}
	return reports
}

func (s *Service) onHello(bh wire.BaseHeader, frame []byte) {
	_, hh, err := wire.DeserialiseHelloFrame(frame)
	if err != nil {
		s.reg.ProtocolErrors.WithLabelValues("malformed").Inc()
		log.Printf("[discovery] node %d: bad HELLO from %d: %v", s.self, bh.SrcNodeID, err)
		return
	}
	now := s.loop.Now()
	peer := mesh.RadioRef{Node: bh.SrcNodeID, Radio: hh.Radio}
	local := s.attributeRadio(peer)
	key := mesh.LinkKey{From: mesh.RadioRef{Node: s.self, Radio: local}, To: peer}

	nb := s.ensureNeighbor(bh.SrcNodeID, now)
	ls := s.ensureLink(nb, key)
	ls.rx.add(now, s.cfg.WindowSpan)
	for _, r := range hh.Reports {
		if r.Node == s.self && r.Radio == local {
			ls.fwdRatio = float64(r.RatioMilli) / 1000
		}
	}
	s.refreshLink(nb.node, key, ls, now)

	ack, err := wire.CreateHelloAckFrame(bh.SrcNodeID, s.self, s.ep.NextSeq(), s.ep.NowMicro(), 0,
		local, hh.ProbeSeq, ratioMilli(ls.rx.ratio(now, s.cfg.WindowSpan, s.cfg.ProbeInterval)))
	if err != nil {
		log.Printf("[discovery] node %d: building HELLO_ACK failed: %v", s.self, err)
		return
	}
	if err := s.ep.SendBestEffort(bh.SrcNodeID, ack); err != nil {
		s.reg.TransientErrors.Inc()
	}
}

func (s *Service) onHelloAck(bh wire.BaseHeader, frame []byte) {
	_, ah, err := wire.DeserialiseHelloAckFrame(frame)
	if err != nil {
		s.reg.ProtocolErrors.WithLabelValues("malformed").Inc()
		log.Printf("[discovery] node %d: bad HELLO_ACK from %d: %v", s.self, bh.SrcNodeID, err)
		return
	}
	local, ok := s.sentProbe[ah.ProbeSeq]
	if !ok {
		return // reply to a probe we no longer remember
	}
	now := s.loop.Now()
	key := mesh.LinkKey{
		From: mesh.RadioRef{Node: s.self, Radio: local},
		To:   mesh.RadioRef{Node: bh.SrcNodeID, Radio: ah.Radio},
	}
	nb := s.ensureNeighbor(bh.SrcNodeID, now)
	ls := s.ensureLink(nb, key)
	ls.fwdRatio = float64(ah.RatioMilli) / 1000
	s.refreshLink(nb.node, key, ls, now)
}

func (s *Service) onLinkReport(bh wire.BaseHeader, frame []byte) {
	_, lh, err := wire.DeserialiseLinkReportFrame(frame)
	if err != nil {
		s.reg.ProtocolErrors.WithLabelValues("malformed").Inc()
		log.Printf("[discovery] node %d: bad LINK_REPORT from %d: %v", s.self, bh.SrcNodeID, err)
		return
	}
	now := s.loop.Now()
	updates := make([]netgraph.LinkUpdate, 0, len(lh.Entries))
	for _, e := range lh.Entries {
		updates = append(updates, netgraph.LinkUpdate{
			Key: mesh.LinkKey{
				From: mesh.RadioRef{Node: e.FromNode, Radio: e.FromRadio},
				To:   mesh.RadioRef{Node: e.ToNode, Radio: e.ToRadio},
			},
			ETX: float64(e.EtxMilli) / 1000,
			At:  now.Add(-time.Duration(e.AgeMs) * time.Millisecond),
		})
	}
	s.graph.Merge(updates)
}

// refreshLink recomputes the combined ETX once both delivery directions are
// known and pushes the measurement into the graph.
func (s *Service) refreshLink(peer mesh.NodeID, key mesh.LinkKey, ls *linkState, now time.Time) {
	rev := ls.rx.ratio(now, s.cfg.WindowSpan, s.cfg.ProbeInterval)
	fwd := ls.fwdRatio
	if fwd <= 0 || rev <= 0 {
		s.graph.EnsureNode(peer, now)
		return
	}
	etx := etxValue(fwd, rev)
	changed := s.graph.ApplyLink(netgraph.LinkUpdate{
		Key:     key,
		ETX:     etx,
		Forward: fwd,
		Reverse: rev,
		At:      now,
	})
	delete(s.staleSeen, key)
	if changed {
		s.bus.Publish(eventbus.Event{
			Type:        eventbus.EventNeighborUpdated,
			NodeID:      s.self,
			OtherNodeID: peer,
			Link:        key.String(),
			ETX:         etx,
			Timestamp:   now,
		})
	}
}

// sweep ages out links: stale ones are announced once and excluded from
// snapshots by the graph itself; links past twice the staleness window are
// deleted, as are nodes left with no links at all.
func (s *Service) sweep() {
	now := s.loop.Now()
	stale := s.graph.StaleLinks(now)
	s.reg.LinksStale.Set(float64(len(stale)))
	for _, key := range stale {
		if !s.staleSeen[key] {
			s.staleSeen[key] = true
			s.bus.Publish(eventbus.Event{
				Type:      eventbus.EventLinkStale,
				NodeID:    s.self,
				Link:      key.String(),
				Timestamp: now,
			})
		}
		if li, ok := s.graph.Link(key); ok && li.Age(now) > 2*s.graph.StaleWindow() {
			s.graph.RemoveLink(key, now)
			delete(s.staleSeen, key)
		}
	}
	for _, id := range s.graph.NodeIDs() {
		if id == s.self {
			continue
		}
		if _, direct := s.neighbors[id]; direct {
			continue
		}
		if s.graph.Degree(id) == 0 {
			s.graph.RemoveNode(id, now)
		}
	}
}

// gossip broadcasts our own fresh outgoing links so agents two hops away
// learn about them.
func (s *Service) gossip() {
	now := s.loop.Now()
	snap := s.graph.Snapshot(now)
	var entries []wire.LinkReportEntry
	for key, li := range snap.Links {
		if key.From.Node != s.self {
			continue
		}
		entries = append(entries, wire.LinkReportEntry{
			FromNode:  key.From.Node,
			FromRadio: key.From.Radio,
			ToNode:    key.To.Node,
			ToRadio:   key.To.Radio,
			EtxMilli:  uint32(li.ETX * 1000),
			AgeMs:     uint32(li.Age(now) / time.Millisecond),
		})
	}
	for len(entries) > 0 {
		n := len(entries)
		if n > wire.MaxLinkReportEntries {
			n = wire.MaxLinkReportEntries
		}
		frame, err := wire.CreateLinkReportFrame(s.self, s.ep.NextSeq(), s.ep.NowMicro(), entries[:n])
		if err != nil {
			log.Printf("[discovery] node %d: building LINK_REPORT failed: %v", s.self, err)
			return
		}
		if err := s.ep.Broadcast(frame); err != nil {
			log.Printf("[discovery] node %d: LINK_REPORT broadcast failed: %v", s.self, err)
			return
		}
		entries = entries[n:]
	}
}

func (s *Service) dropNeighbor(id mesh.NodeID, reason string, now time.Time) {
	nb, ok := s.neighbors[id]
	if !ok {
		return
	}
	for key := range nb.links {
		s.graph.RemoveLink(key, now)
		s.graph.RemoveLink(key.Reverse(), now)
		delete(s.staleSeen, key)
	}
	delete(s.neighbors, id)
	s.reg.NeighborsLost.Inc()
	log.Printf("[discovery] node %d: neighbor %d lost (%s)", s.self, id, reason)
	s.bus.Publish(eventbus.Event{
		Type:        eventbus.EventNeighborLost,
		NodeID:      s.self,
		OtherNodeID: id,
		Reason:      reason,
		Timestamp:   now,
	})
}

func (s *Service) ensureNeighbor(id mesh.NodeID, now time.Time) *neighborState {
	nb, ok := s.neighbors[id]
	if !ok {
		nb = &neighborState{node: id, links: make(map[mesh.LinkKey]*linkState)}
		s.neighbors[id] = nb
	}
	nb.lastHeard = now
	nb.missed = 0
	return nb
}

func (s *Service) ensureLink(nb *neighborState, key mesh.LinkKey) *linkState {
	ls, ok := nb.links[key]
	if !ok {
		ls = &linkState{}
		nb.links[key] = ls
	}
	return ls
}

// attributeRadio picks which local radio a peer's probe is counted against:
// the one tuned to the peer radio's channel when that channel is known,
// otherwise the first attached radio.
func (s *Service) attributeRadio(peer mesh.RadioRef) mesh.RadioID {
	if len(s.radios) == 0 {
		return 0
	}
	pn, ok := s.graph.Node(peer.Node)
	if !ok {
		return s.radios[0]
	}
	ch, ok := pn.Radios[peer.Radio]
	if !ok || ch == mesh.ChannelUnknown {
		return s.radios[0]
	}
	self, ok := s.graph.Node(s.self)
	if !ok {
		return s.radios[0]
	}
	for _, r := range s.radios {
		if self.Radios[r] == ch {
			return r
		}
	}
	return s.radios[0]
}

// rememberProbe keeps a bounded map from probe seq to the radio that sent it,
// so HELLO_ACK replies can be matched to the probing radio.
func (s *Service) rememberProbe(seq uint32, radio mesh.RadioID) {
	s.sentProbe[seq] = radio
	for old := range s.sentProbe {
		if old+256 < seq {
			delete(s.sentProbe, old)
		}
	}
}

func etxValue(fwd, rev float64) float64 {
	etx := 1 / (fwd * rev)
	if etx < 1 {
		etx = 1
	}
	return etx
}

func ratioMilli(r float64) uint16 {
	if r >= 1 {
		return 1000
	}
	if r <= 0 {
		return 0
	}
	return uint16(r*1000 + 0.5)
}
