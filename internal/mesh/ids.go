package mesh

import "fmt"

// NodeID identifies a testbed node, RadioID one of its radios by index,
// ChannelID an 802.11 channel number.
type NodeID uint32

type RadioID uint8

type ChannelID uint16

// ChannelUnknown marks a radio learned from gossip before any channel
// information arrived. Interference models never match it against anything.
const ChannelUnknown ChannelID = 0

// BroadcastAddr is the destination of neighborhood broadcasts.
const BroadcastAddr NodeID = 0xFFFFFFFF

// RadioRef addresses a radio anywhere in the testbed.
type RadioRef struct {
	Node  NodeID
	Radio RadioID
}

func (r RadioRef) String() string {
	return fmt.Sprintf("%d.%d", r.Node, r.Radio)
}

// LinkKey identifies a directed link between two radios.
type LinkKey struct {
	From RadioRef
	To   RadioRef
}

func (k LinkKey) String() string {
	return k.From.String() + "->" + k.To.String()
}

func (k LinkKey) Reverse() LinkKey {
	return LinkKey{From: k.To, To: k.From}
}

// Canonical orders the endpoints so that both directions of a link map to
// the same key. The conflict graph is undirected and keys its vertices this
// way.
func (k LinkKey) Canonical() LinkKey {
	if radioLess(k.To, k.From) {
		return k.Reverse()
	}
	return k
}

// Touches reports whether the given radio is one of the link's endpoints.
func (k LinkKey) Touches(r RadioRef) bool {
	return k.From == r || k.To == r
}

// SharesRadio reports whether two links have an endpoint radio in common.
func (k LinkKey) SharesRadio(o LinkKey) bool {
	return k.Touches(o.From) || k.Touches(o.To)
}

func radioLess(a, b RadioRef) bool {
	if a.Node != b.Node {
		return a.Node < b.Node
	}
	return a.Radio < b.Radio
}
