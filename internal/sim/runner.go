package sim

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/des-testbed/des-chan/internal/agent"
	"github.com/des-testbed/des-chan/internal/config"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/network"
)

// Runner spawns one agent per scenario node on a shared lossy medium, lets
// the run play out in real time and collects the summary.
type Runner struct {
	sc     *Scenario
	med    *network.LossyMedium
	agents []*agent.Agent
	coll   *Collector

	wg       sync.WaitGroup
	quit     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewRunner(sc *Scenario) (*Runner, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		sc:   sc,
		coll: NewCollector(),
		quit: make(chan struct{}),
		stop: make(chan struct{}),
	}, nil
}

// Stop ends the run before its scheduled duration. Run still returns the
// summary of what happened up to that point.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Run blocks for the scenario duration and returns the summary.
func (r *Runner) Run() (*Summary, error) {
	sc := r.sc
	r.med = network.NewLossyMedium(sc.Seed)
	r.med.SetDefaultLoss(sc.Medium.DefaultLoss)
	r.med.SetLatency(sc.Medium.Latency.Std())
	r.med.SetMaxRange(sc.Medium.RangeM)
	for _, pl := range sc.Medium.PairLoss {
		r.med.SetLoss(pl.From, pl.To, pl.Loss)
	}

	for i := 1; i <= sc.Nodes; i++ {
		id := mesh.NodeID(i)
		cfg := r.nodeConfig(id)

		var opts agent.Options
		if sc.Strategy == StrategyLeastUsed {
			opts.Strategy = &LeastUsedChannel{Channels: sc.Channels}
		}
		a, err := agent.NewAgent(cfg, mesh.NewSystemClock(), r.med.Attach(id, r.position(i)), opts)
		if err != nil {
			r.teardown()
			return nil, fmt.Errorf("building agent %d: %w", id, err)
		}
		if sc.Strategy != "" {
			// negotiated retunes need voters; in simulation every node agrees
			a.SetProposalPolicy(func(mesh.NodeID, mesh.RadioID, mesh.ChannelID) bool { return true })
		}
		if err := a.Start(); err != nil {
			r.teardown()
			return nil, fmt.Errorf("starting agent %d: %w", id, err)
		}

		sub := a.Bus().Subscribe()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.coll.Consume(sub, r.quit)
		}()
		go a.Run()
		r.agents = append(r.agents, a)

		if d := sc.Timing.JoinStagger.Std(); d > 0 {
			time.Sleep(d)
		}
	}

	log.Printf("[sim] scenario %q: %d agents up, running for %s", sc.Name, len(r.agents), sc.Duration)
	select {
	case <-time.After(sc.Duration.Std()):
	case <-r.stop:
		log.Printf("[sim] scenario %q: stopped early", sc.Name)
	}

	summary := r.summarize()
	r.teardown()
	summary.Counters = r.coll.Snapshot()
	return summary, nil
}

// summarize reads the final state of every agent. Must run before teardown;
// the accessors need live loops.
func (r *Runner) summarize() *Summary {
	sc := r.sc
	s := &Summary{
		Scenario: sc.Name,
		Nodes:    sc.Nodes,
		Duration: sc.Duration,
		Model:    sc.Model,
		Strategy: sc.Strategy,
	}
	for _, a := range r.agents {
		ns := NodeSummary{Node: a.Self(), Neighbors: a.Neighbors()}
		if snap := a.NetworkSnapshot(); snap != nil {
			if info, ok := snap.Nodes[a.Self()]; ok {
				ns.Channel = info.Radios[0]
			}
			ns.Links = len(snap.LinksFrom(a.Self()))
		}
		if cg := a.ConflictGraph(); cg != nil {
			ns.ConflictVertices = len(cg.Vertices)
			ns.ConflictEdges = len(cg.Edges)
		}
		s.PerNode = append(s.PerNode, ns)
	}
	return s
}

func (r *Runner) teardown() {
	for _, a := range r.agents {
		a.Stop()
	}
	close(r.quit)
	r.wg.Wait()
}

func (r *Runner) nodeConfig(id mesh.NodeID) *config.Config {
	sc := r.sc
	cfg := config.Default()
	cfg.NodeID = id
	ch := sc.Channels[(int(id)-1)%len(sc.Channels)]
	if sc.StartChannel != 0 {
		ch = sc.StartChannel
	}
	cfg.Radios = []config.RadioCfg{{ID: 0, Channel: ch}}
	cfg.StatsInterval = 0
	cfg.Discovery.ProbeInterval = sc.Timing.ProbeInterval
	cfg.Discovery.WindowSpan = sc.Timing.WindowSpan
	cfg.Discovery.GossipInterval = sc.Timing.GossipInterval
	cfg.Graph.StalenessWindow = sc.Timing.StalenessWindow
	cfg.Conflict.Model = sc.Model
	cfg.Conflict.RefreshInterval = sc.Timing.RefreshInterval
	cfg.Coord.RoundTimeout = sc.Timing.RoundTimeout
	return cfg
}

// position lays node i (1-based) out on the floor plan.
func (r *Runner) position(i int) mesh.Coordinates {
	sp := r.sc.Placement.SpacingM
	switch r.sc.Placement.Layout {
	case "line":
		return mesh.CreateCoordinates(float64(i-1)*sp, 0)
	default: // grid
		cols := int(math.Ceil(math.Sqrt(float64(r.sc.Nodes))))
		row := (i - 1) / cols
		col := (i - 1) % cols
		return mesh.CreateCoordinates(float64(col)*sp, float64(row)*sp)
	}
}
