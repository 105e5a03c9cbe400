package network

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/wire"
)

// UDPMedium carries frames over the testbed's wired control network or the
// mesh interfaces themselves. Unicast needs a known peer address, seeded
// from static topology hints and refreshed from inbound traffic; broadcast
// goes to the configured broadcast address.
type UDPMedium struct {
	node  mesh.NodeID
	conn  *net.UDPConn
	bcast *net.UDPAddr

	mu    sync.RWMutex
	peers map[mesh.NodeID]*net.UDPAddr
	recv  func(payload []byte, from string)

	closed  chan struct{}
	readEnd chan struct{}
}

// NewUDPMedium binds listenAddr and starts the read loop. peers maps node
// ids to "host:port" strings from the static topology hints; broadcastAddr
// may be empty when the deployment is unicast-only.
func NewUDPMedium(node mesh.NodeID, listenAddr, broadcastAddr string, peers map[mesh.NodeID]string) (*UDPMedium, error) {
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", listenAddr, err)
	}

	var baddr *net.UDPAddr
	if broadcastAddr != "" {
		baddr, err = net.ResolveUDPAddr("udp", broadcastAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolve broadcast addr %q: %w", broadcastAddr, err)
		}
	}

	m := &UDPMedium{
		node:    node,
		conn:    conn,
		bcast:   baddr,
		peers:   make(map[mesh.NodeID]*net.UDPAddr, len(peers)),
		closed:  make(chan struct{}),
		readEnd: make(chan struct{}),
	}
	for id, addr := range peers {
		uaddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolve peer %d addr %q: %w", id, addr, err)
		}
		m.peers[id] = uaddr
	}

	go m.readLoop()
	return m, nil
}

func (m *UDPMedium) readLoop() {
	defer close(m.readEnd)
	buf := make([]byte, wire.MaxFrameSize+64)
	for {
		n, raddr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
				log.Printf("[medium] node %d: udp read: %v", m.node, err)
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		m.mu.RLock()
		recv := m.recv
		m.mu.RUnlock()
		if recv != nil {
			recv(payload, raddr.String())
		}
	}
}

func (m *UDPMedium) Send(to mesh.NodeID, payload []byte) error {
	m.mu.RLock()
	addr, ok := m.peers[to]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no address known for node %d", to)
	}
	_, err := m.conn.WriteToUDP(payload, addr)
	return err
}

func (m *UDPMedium) Broadcast(payload []byte) error {
	if m.bcast != nil {
		_, err := m.conn.WriteToUDP(payload, m.bcast)
		return err
	}
	// unicast fan-out for deployments without a broadcast segment
	m.mu.RLock()
	addrs := make([]*net.UDPAddr, 0, len(m.peers))
	for _, a := range m.peers {
		addrs = append(addrs, a)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, a := range addrs {
		if _, err := m.conn.WriteToUDP(payload, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *UDPMedium) SetReceiver(fn func(payload []byte, from string)) {
	m.mu.Lock()
	m.recv = fn
	m.mu.Unlock()
}

// Learn lets the transport pin a peer's address from inbound traffic, so
// replies work even when the hints are incomplete.
func (m *UDPMedium) Learn(node mesh.NodeID, addr string) {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.peers[node] = uaddr
	m.mu.Unlock()
}

func (m *UDPMedium) Close() error {
	close(m.closed)
	err := m.conn.Close()
	<-m.readEnd
	return err
}
