// Package interference implements the models the conflict engine can run:
// the binary two-hop heuristic, its spectral-distance variant, and the
// measurement-driven channel occupancy model. All models are pure functions
// of a network snapshot and a link pair.
package interference

import (
	"math"

	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/netgraph"
)

// MinFreqDiffMHz is the spectral separation at which two channels stop
// interfering. Testbed experiments put this at 60 MHz, three channels apart
// in the 5 GHz band and twelve in the 2.4 GHz band.
const MinFreqDiffMHz = 60

// Frequency returns the center frequency of an 802.11 channel in MHz.
func Frequency(ch mesh.ChannelID) (int, bool) {
	switch {
	case ch >= 1 && ch <= 14:
		return 2412 + int(ch-1)*5, true
	case ch >= 36 && ch <= 64 && ch%4 == 0:
		return 5180 + 20*int(ch-36)/4, true
	case ch >= 100 && ch <= 140 && ch%4 == 0:
		return 5500 + 20*int(ch-100)/4, true
	case ch >= 149 && ch <= 165 && (ch-149)%4 == 0:
		return 5745 + 20*int(ch-149)/4, true
	}
	return 0, false
}

// minEndpointDistance is the distance between two links: the minimum hop
// count over their four endpoint node pairs. Unreachable pairs do not
// contribute; two links with no connecting path are infinitely far apart.
func minEndpointDistance(s *netgraph.Snapshot, a, b mesh.LinkKey) int {
	min := math.MaxInt32
	for _, pair := range [4][2]mesh.NodeID{
		{a.From.Node, b.From.Node},
		{a.From.Node, b.To.Node},
		{a.To.Node, b.From.Node},
		{a.To.Node, b.To.Node},
	} {
		if d, ok := s.HopDistance(pair[0], pair[1]); ok && d < min {
			min = d
		}
	}
	return min
}
