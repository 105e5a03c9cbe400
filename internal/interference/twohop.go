package interference

import (
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/netgraph"
)

// TwoHop is the classic binary heuristic: two links interfere when they
// share an endpoint radio, or when they run on the same channel and are
// separated by less than two hops.
type TwoHop struct{}

func (TwoHop) Name() string { return "two_hop" }

func (TwoHop) Weight(s *netgraph.Snapshot, a, b mesh.LinkKey) float64 {
	if a.Canonical() == b.Canonical() {
		return 0
	}
	// A radio cannot serve two links at once, whatever the channels.
	if a.SharesRadio(b) {
		return 1
	}
	ca, cb := s.LinkChannel(a), s.LinkChannel(b)
	if ca == mesh.ChannelUnknown || cb == mesh.ChannelUnknown || ca != cb {
		return 0
	}
	if minEndpointDistance(s, a, b) < 2 {
		return 1
	}
	return 0
}
