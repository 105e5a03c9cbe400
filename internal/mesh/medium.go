package mesh

// Medium is the raw datagram substrate a transport runs on. Delivery is
// unreliable and unordered; reliability lives one layer up in the transport.
type Medium interface {
	// Send queues one datagram toward the given node. An error means the
	// medium could not even try (unknown address, closed socket); loss in
	// flight is silent.
	Send(to NodeID, payload []byte) error
	// Broadcast queues one datagram toward every reachable neighbor.
	Broadcast(payload []byte) error
	// SetReceiver installs the inbound callback. The medium may invoke it
	// from arbitrary goroutines.
	SetReceiver(fn func(payload []byte, from string))
	// Learn records the network address a node was last seen at, so later
	// unicasts can reach it.
	Learn(node NodeID, addr string)
	Close() error
}
