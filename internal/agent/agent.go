// Package agent assembles one node's full stack: event loop, transport,
// discovery, graph and conflict models, and the coordination protocol, wired
// to the radio drivers, occupancy measurements and history sink behind their
// interfaces. Channel assignment algorithms plug in as a Strategy.
package agent

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/des-testbed/des-chan/internal/config"
	"github.com/des-testbed/des-chan/internal/conflict"
	"github.com/des-testbed/des-chan/internal/coord"
	"github.com/des-testbed/des-chan/internal/discovery"
	"github.com/des-testbed/des-chan/internal/eventbus"
	"github.com/des-testbed/des-chan/internal/interference"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/metrics"
	"github.com/des-testbed/des-chan/internal/netgraph"
	"github.com/des-testbed/des-chan/internal/sched"
	"github.com/des-testbed/des-chan/internal/transport"
)

// Strategy is where assignment algorithms plug in. Evaluate runs on the
// agent loop whenever a new conflict graph is adopted and on every forced
// refresh; it may call the agent's operations directly and must not block.
type Strategy interface {
	Name() string
	Evaluate(a *Agent, network *netgraph.Snapshot, conflicts *conflict.Graph)
}

// ProposalPolicy decides the vote on an inbound assignment proposal.
type ProposalPolicy func(from mesh.NodeID, radio mesh.RadioID, ch mesh.ChannelID) bool

// Options carries the collaborator implementations. Nil fields fall back to
// local defaults: a static controller seeded from the configuration, no
// occupancy data, discarded history, no strategy, a fresh metrics registry.
type Options struct {
	Controller mesh.InterfaceController
	Occupancy  mesh.OccupancySource
	History    mesh.HistorySink
	Strategy   Strategy

	// Registry lets the caller share one registry between the agent and
	// collaborators built before it, such as the telemetry sink.
	Registry *metrics.Registry
}

// Agent is one node's running instance. All state is owned by the loop;
// methods documented as loop-only must be reached through Do or from a
// Strategy or handler already running there.
type Agent struct {
	self mesh.NodeID
	id   string
	cfg  *config.Config

	loop   *sched.Loop
	bus    *eventbus.EventBus
	reg    *metrics.Registry
	ep     *transport.Endpoint
	graph  *netgraph.Graph
	engine *conflict.Engine
	disc   *discovery.Service
	coord  *coord.Coordinator
	medium mesh.Medium

	ic       mesh.InterfaceController
	history  mesh.HistorySink
	strategy Strategy

	lastConflicts *conflict.Graph
	lastStats     map[mesh.RadioID]mesh.LinkLayerStats
}

// NewAgent validates the configuration and wires the components. The medium
// is not started until Start.
func NewAgent(cfg *config.Config, clk mesh.Clock, medium mesh.Medium, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		self:      cfg.NodeID,
		id:        uuid.NewString(),
		cfg:       cfg,
		bus:       eventbus.NewEventBus(),
		reg:       opts.Registry,
		medium:    medium,
		lastStats: make(map[mesh.RadioID]mesh.LinkLayerStats),
	}
	if a.reg == nil {
		a.reg = metrics.NewRegistry()
	}
	a.loop = sched.NewLoop(clk)
	a.graph = netgraph.NewGraph(a.self, cfg.Graph.StalenessWindow.Std(), a.bus, a.reg)

	model, err := buildModel(cfg, opts.Occupancy)
	if err != nil {
		return nil, err
	}
	a.engine = conflict.NewEngine(model, cfg.Conflict.EtxEpsilon, a.bus, a.reg)

	a.ep = transport.NewEndpoint(a.self, a.loop, medium, a.bus, a.reg, transport.Config{
		MaxRetries:     cfg.Transport.MaxRetries,
		InitialBackoff: cfg.Transport.InitialBackoff.Std(),
		MaxBackoff:     cfg.Transport.MaxBackoff.Std(),
		ReorderWindow:  cfg.Transport.ReorderWindow,
		GapFlush:       cfg.Transport.GapFlush.Std(),
	})
	a.disc = discovery.NewService(a.self, a.loop, a.ep, a.graph, a.bus, a.reg, discovery.Config{
		ProbeInterval:    cfg.Discovery.ProbeInterval.Std(),
		WindowSpan:       cfg.Discovery.WindowSpan.Std(),
		MissedProbeLimit: cfg.Discovery.MissedProbeLimit,
		GossipInterval:   cfg.Discovery.GossipInterval.Std(),
	})
	a.coord = coord.NewCoordinator(a.self, a.loop, a.ep, a.bus, a.reg, cfg.Coord.RoundTimeout.Std())
	a.coord.SetNotifyHandler(a.onPeerAssignment)

	a.ic = opts.Controller
	if a.ic == nil {
		channels := make(map[mesh.RadioID]mesh.ChannelID, len(cfg.Radios))
		for _, r := range cfg.Radios {
			channels[r.ID] = r.Channel
		}
		a.ic = mesh.NewStaticController(channels)
	}
	a.history = opts.History
	if a.history == nil {
		a.history = mesh.NopSink{}
	}
	a.strategy = opts.Strategy

	return a, nil
}

func buildModel(cfg *config.Config, occ mesh.OccupancySource) (conflict.Model, error) {
	switch cfg.Conflict.Model {
	case config.ModelTwoHop:
		return interference.TwoHop{}, nil
	case config.ModelTwoHopFrac:
		return interference.TwoHopFrac{}, nil
	case config.ModelCOIM:
		return interference.NewCOIM(occ, interference.MaxCombine, cfg.Conflict.OccupancyThreshold), nil
	default:
		return nil, fmt.Errorf("%w: unknown interference model %q", config.ErrInvalid, cfg.Conflict.Model)
	}
}

// Start seeds the radios, applies topology hints and schedules the periodic
// work. Call Run afterwards to drive the loop.
func (a *Agent) Start() error {
	for _, r := range a.cfg.Radios {
		ch := r.Channel
		if got, err := a.ic.GetChannel(r.ID); err == nil {
			ch = got
		} else {
			log.Printf("[agent] node %d: reading channel of radio %d: %v, using configured %d", a.self, r.ID, err, ch)
		}
		a.disc.AttachRadio(r.ID, ch)
	}

	hints, err := a.cfg.Hints()
	if err != nil {
		return err
	}
	if len(hints) > 0 {
		a.graph.ApplyHints(hints, a.loop.Now())
		log.Printf("[agent] node %d: seeded %d topology hints", a.self, len(hints))
	}
	for _, p := range a.cfg.Peers {
		a.medium.Learn(p.Node, p.Addr)
	}

	a.ep.Start()
	a.disc.Start()

	a.loop.Every(a.cfg.Discovery.ProbeInterval.Std(), func() { a.refreshConflicts(false) })
	a.loop.Every(a.cfg.Conflict.RefreshInterval.Std(), a.forcedRefresh)
	if d := a.cfg.StatsInterval.Std(); d > 0 {
		a.loop.Every(d, a.sampleStats)
	}

	log.Printf("[agent] node %d (%s) up: %d radios, %s model, round timeout %s",
		a.self, a.id, len(a.cfg.Radios), a.engine.ModelName(), a.cfg.Coord.RoundTimeout)
	return nil
}

// Run drives the loop until Stop. It blocks.
func (a *Agent) Run() { a.loop.Run() }

// Stop halts the loop. In-flight reliable sends are abandoned.
func (a *Agent) Stop() { a.loop.Stop() }

// Do posts fn onto the agent loop, where the loop-only operations live.
func (a *Agent) Do(fn func()) { a.loop.Post(fn) }

func (a *Agent) Self() mesh.NodeID           { return a.self }
func (a *Agent) InstanceID() string          { return a.id }
func (a *Agent) Bus() *eventbus.EventBus     { return a.bus }
func (a *Agent) Registry() *metrics.Registry { return a.reg }
func (a *Agent) Loop() *sched.Loop           { return a.loop }

// SetProposalPolicy installs the vote decision for inbound proposals.
// Without one every proposal is nacked.
func (a *Agent) SetProposalPolicy(policy ProposalPolicy) {
	if policy == nil {
		return
	}
	a.coord.SetProposalHandler(func(from mesh.NodeID, p coord.Proposal) bool {
		return policy(from, p.Radio, p.Channel)
	})
}

// ApplyAssignment retunes a local radio and propagates the change: graph,
// conflict engine, history, event bus and a notify broadcast to neighbors.
// Loop-only.
func (a *Agent) ApplyAssignment(radio mesh.RadioID, ch mesh.ChannelID) error {
	if _, ok := interference.Frequency(ch); !ok {
		return fmt.Errorf("unknown channel %d", ch)
	}
	if err := a.ic.SetChannel(radio, ch); err != nil {
		a.reg.TransientErrors.Inc()
		return fmt.Errorf("setting radio %d to channel %d: %w", radio, ch, err)
	}
	now := a.loop.Now()
	a.graph.SetRadioChannel(mesh.RadioRef{Node: a.self, Radio: radio}, ch, now)
	a.reg.AssignmentsApplied.Inc()
	log.Printf("[agent] node %d: radio %d assigned to channel %d", a.self, radio, ch)
	a.bus.Publish(eventbus.Event{
		Type:      eventbus.EventAssignmentApplied,
		NodeID:    a.self,
		Radio:     radio,
		Channel:   ch,
		Timestamp: now,
	})
	a.history.AppendAssignment(mesh.AssignmentRecord{Node: a.self, Radio: radio, Channel: ch, At: now})
	a.coord.NotifyAssignment(radio, ch)
	a.refreshConflicts(false)
	return nil
}

// ProposeAssignment starts a negotiation round for retuning one of this
// node's radios. done runs on the loop with the per-target outcomes.
// Loop-only.
func (a *Agent) ProposeAssignment(targets []mesh.NodeID, radio mesh.RadioID, ch mesh.ChannelID, done func(coord.Result)) uuid.UUID {
	return a.coord.Propose(targets, coord.Proposal{Radio: radio, Channel: ch}, done)
}

// onPeerAssignment records a neighbor's announced retune.
func (a *Agent) onPeerAssignment(from mesh.NodeID, radio mesh.RadioID, ch mesh.ChannelID) {
	if a.graph.SetRadioChannel(mesh.RadioRef{Node: from, Radio: radio}, ch, a.loop.Now()) {
		log.Printf("[agent] node %d: peer %d radio %d now on channel %d", a.self, from, radio, ch)
		a.refreshConflicts(false)
	}
}

// refreshConflicts reruns the engine over a fresh snapshot. The engine skips
// work when nothing material changed; the strategy only sees adopted graphs.
func (a *Agent) refreshConflicts(full bool) {
	now := a.loop.Now()
	snap := a.graph.Snapshot(now)
	var cg *conflict.Graph
	if full {
		cg = a.engine.Full(snap)
	} else {
		cg = a.engine.Update(snap)
	}
	if cg != a.lastConflicts {
		a.lastConflicts = cg
		if a.strategy != nil {
			a.strategy.Evaluate(a, snap, cg)
		}
	}
}

// forcedRefresh is the periodic full recompute. It also appends the node's
// current outbound link state to the history sink.
func (a *Agent) forcedRefresh() {
	a.refreshConflicts(true)
	now := a.loop.Now()
	snap := a.graph.Snapshot(now)
	links := snap.LinksFrom(a.self)
	if len(links) == 0 {
		return
	}
	recs := make([]mesh.LinkRecord, 0, len(links))
	for _, l := range links {
		recs = append(recs, mesh.LinkRecord{From: l.Key.From, To: l.Key.To, ETX: l.ETX, At: l.UpdatedAt})
	}
	a.history.AppendLinks(a.self, now, recs)
}

// sampleStats polls the driver counters of every radio.
func (a *Agent) sampleStats() {
	for _, r := range a.cfg.Radios {
		stats, err := a.ic.GetLinkLayerStats(r.ID)
		if err != nil {
			a.reg.TransientErrors.Inc()
			continue
		}
		prev := a.lastStats[r.ID]
		if stats.TxRetries > prev.TxRetries {
			log.Printf("[agent] node %d: radio %d saw %d tx retries since last sample", a.self, r.ID, stats.TxRetries-prev.TxRetries)
		}
		a.lastStats[r.ID] = stats
	}
}

// NetworkSnapshot returns a current snapshot, or nil once the agent has
// stopped. Safe from any goroutine except the loop itself.
func (a *Agent) NetworkSnapshot() *netgraph.Snapshot {
	ch := make(chan *netgraph.Snapshot, 1)
	a.loop.Post(func() { ch <- a.graph.Snapshot(a.loop.Now()) })
	select {
	case snap := <-ch:
		return snap
	case <-a.loop.Done():
		return nil
	}
}

// ConflictGraph returns the engine's current graph, or nil once the agent
// has stopped. Safe from any goroutine except the loop itself.
func (a *Agent) ConflictGraph() *conflict.Graph {
	ch := make(chan *conflict.Graph, 1)
	a.loop.Post(func() { ch <- a.engine.Current() })
	select {
	case cg := <-ch:
		return cg
	case <-a.loop.Done():
		return nil
	}
}

// Neighbors reports how many neighbors discovery currently tracks, zero once
// the agent has stopped. Safe from any goroutine except the loop itself.
func (a *Agent) Neighbors() int {
	ch := make(chan int, 1)
	a.loop.Post(func() { ch <- a.disc.NeighborCount() })
	select {
	case n := <-ch:
		return n
	case <-a.loop.Done():
		return 0
	}
}

// LinkLayerSample returns the last sampled driver counters for a radio.
// Loop-only.
func (a *Agent) LinkLayerSample(radio mesh.RadioID) mesh.LinkLayerStats {
	return a.lastStats[radio]
}
