package sim

import (
	"log"

	"github.com/des-testbed/des-chan/internal/agent"
	"github.com/des-testbed/des-chan/internal/conflict"
	"github.com/des-testbed/des-chan/internal/coord"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/netgraph"
)

const StrategyLeastUsed = "least-used-channel"

// LeastUsedChannel is a deliberately naive strategy for simulator runs: it
// counts how many radios sit on each channel of the palette and retunes
// radio 0 to the least used one, but only when that saves more than one
// sharer. The retune is negotiated with the current neighbors first and
// applied on unanimous ack. All state is loop-owned.
type LeastUsedChannel struct {
	Channels []mesh.ChannelID
	pending  bool
}

func (s *LeastUsedChannel) Name() string { return StrategyLeastUsed }

func (s *LeastUsedChannel) Evaluate(a *agent.Agent, snap *netgraph.Snapshot, _ *conflict.Graph) {
	if s.pending || len(s.Channels) == 0 {
		return
	}
	self, ok := snap.Nodes[a.Self()]
	if !ok {
		return
	}
	cur, ok := self.Radios[0]
	if !ok {
		return
	}

	usage := make(map[mesh.ChannelID]int)
	for id, info := range snap.Nodes {
		for radio, ch := range info.Radios {
			if id == a.Self() && radio == 0 {
				continue
			}
			usage[ch]++
		}
	}
	best := cur
	for _, ch := range s.Channels {
		if usage[ch] < usage[best] {
			best = ch
		}
	}
	// the +1 keeps two symmetric nodes from swapping channels forever
	if best == cur || usage[best]+1 >= usage[cur] {
		return
	}

	targets := snap.Neighbors(a.Self())
	if len(targets) == 0 {
		if err := a.ApplyAssignment(0, best); err != nil {
			log.Printf("[strategy] node %d: applying channel %d: %v", a.Self(), best, err)
		}
		return
	}

	s.pending = true
	a.ProposeAssignment(targets, 0, best, func(res coord.Result) {
		s.pending = false
		if !res.AllAcked() {
			return
		}
		if err := a.ApplyAssignment(0, best); err != nil {
			log.Printf("[strategy] node %d: applying channel %d: %v", a.Self(), best, err)
		}
	})
}
