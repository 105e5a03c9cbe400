package interference

import (
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/netgraph"
)

// DefaultOccupancyThreshold is the sensed channel occupancy, in percent,
// below which two links are not considered to interfere.
const DefaultOccupancyThreshold = 2.0

// CombineFunc folds the occupancy samples of the endpoint radio pairs into
// one figure. Samples are percentages; missing pairs are simply absent from
// the slice.
type CombineFunc func(samples []float64) float64

// MaxCombine takes the strongest observed occupancy, the behaviour of the
// original kernel-measurement model.
func MaxCombine(samples []float64) float64 {
	max := 0.0
	for _, v := range samples {
		if v > max {
			max = v
		}
	}
	return max
}

// COIM derives conflict weights from channel occupancy measured between the
// links' radios. Coverage may be partial: radio pairs without a measurement
// contribute nothing, so missing data can only ever weaken a conflict, never
// block the computation.
type COIM struct {
	source    mesh.OccupancySource
	combine   CombineFunc
	threshold float64
}

func NewCOIM(source mesh.OccupancySource, combine CombineFunc, threshold float64) *COIM {
	if combine == nil {
		combine = MaxCombine
	}
	if threshold <= 0 {
		threshold = DefaultOccupancyThreshold
	}
	return &COIM{source: source, combine: combine, threshold: threshold}
}

func (c *COIM) Name() string { return "coim" }

func (c *COIM) Weight(s *netgraph.Snapshot, a, b mesh.LinkKey) float64 {
	if a.Canonical() == b.Canonical() {
		return 0
	}
	if a.SharesRadio(b) {
		return 1
	}
	ca, cb := s.LinkChannel(a), s.LinkChannel(b)
	if ca == mesh.ChannelUnknown || cb == mesh.ChannelUnknown || ca != cb {
		return 0
	}
	if c.source == nil {
		return 0
	}
	var samples []float64
	for _, pair := range [4][2]mesh.RadioRef{
		{a.From, b.From},
		{a.From, b.To},
		{a.To, b.From},
		{a.To, b.To},
	} {
		if v, ok := c.source.GetOccupancy(pair[0], pair[1]); ok {
			samples = append(samples, v)
		}
	}
	occupancy := c.combine(samples)
	if occupancy <= c.threshold {
		return 0
	}
	w := occupancy / 100
	if w > 1 {
		w = 1
	}
	return w
}
