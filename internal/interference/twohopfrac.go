package interference

import (
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/netgraph"
)

// TwoHopFrac grades the two-hop heuristic by spectral distance: links within
// two hops interfere with weight 1 - diff/60MHz, reaching zero at a 60 MHz
// channel separation. Links on overlapping but unequal channels therefore
// still conflict, just more weakly.
type TwoHopFrac struct{}

func (TwoHopFrac) Name() string { return "two_hop_frac" }

func (TwoHopFrac) Weight(s *netgraph.Snapshot, a, b mesh.LinkKey) float64 {
	if a.Canonical() == b.Canonical() {
		return 0
	}
	if a.SharesRadio(b) {
		return 1
	}
	fa, ok := Frequency(s.LinkChannel(a))
	if !ok {
		return 0
	}
	fb, ok := Frequency(s.LinkChannel(b))
	if !ok {
		return 0
	}
	diff := fa - fb
	if diff < 0 {
		diff = -diff
	}
	if diff >= MinFreqDiffMHz {
		return 0
	}
	if minEndpointDistance(s, a, b) >= 2 {
		return 0
	}
	return 1 - float64(diff)/MinFreqDiffMHz
}
