// Package transport implements reliable and best-effort framing on top of a
// mesh.Medium. It owns the per-sender sequence space, retransmits frames that
// request acknowledgement, and presents inbound frames to handlers exactly
// once and in sequence order per sender.
package transport

import (
	"log"
	"time"

	"github.com/des-testbed/des-chan/internal/eventbus"
	"github.com/des-testbed/des-chan/internal/mesh"
	"github.com/des-testbed/des-chan/internal/metrics"
	"github.com/des-testbed/des-chan/internal/sched"
	"github.com/des-testbed/des-chan/internal/wire"
)

// Outcome reports how a reliable send ended.
type Outcome uint8

const (
	// OutcomeDelivered means the destination acknowledged the frame.
	OutcomeDelivered Outcome = iota
	// OutcomeUnreachable means the retransmit budget was spent without an ack.
	OutcomeUnreachable
)

func (o Outcome) String() string {
	if o == OutcomeDelivered {
		return "delivered"
	}
	return "unreachable"
}

// Handler consumes one inbound frame. It runs on the agent loop and must not
// block; the frame slice is owned by the handler after the call.
type Handler func(bh wire.BaseHeader, frame []byte)

// Config tunes retransmission and reordering behaviour.
type Config struct {
	// MaxRetries is the number of retransmissions after the initial send.
	MaxRetries int
	// InitialBackoff is the delay before the first retransmission. Each
	// further retransmission doubles it up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ReorderWindow bounds how many out-of-order frames are buffered per
	// sender before the expected sequence number is forced forward.
	ReorderWindow int
	// GapFlush is how long a sequence gap may block a sender's stream
	// before the missing frames are presumed lost and skipped. Genuine
	// reordering resolves within milliseconds; anything older is loss.
	GapFlush time.Duration
}

// DefaultConfig matches the timings used on the testbed.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     4,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
		ReorderWindow:  32,
		GapFlush:       500 * time.Millisecond,
	}
}

// restartGap is how far backwards a sender's sequence number must jump before
// we treat it as a restarted peer instead of a stale duplicate.
const restartGap = 1 << 16

type pendingTx struct {
	seq      uint32
	dest     mesh.NodeID
	frame    []byte
	attempts int
	backoff  time.Duration
	timer    sched.TimerID
	cb       func(Outcome)
}

type bufferedFrame struct {
	bh    wire.BaseHeader
	frame []byte
}

// senderState tracks the inbound sequence stream of one peer.
type senderState struct {
	baselined bool
	next      uint32
	buffered  map[uint32]bufferedFrame
	gapTimer  sched.TimerID
}

// Endpoint is the per-node transport instance. All methods except Start and
// Stop must be called from the agent loop; handlers and outcome callbacks are
// invoked on the loop as well.
type Endpoint struct {
	node   mesh.NodeID
	loop   *sched.Loop
	medium mesh.Medium
	bus    *eventbus.EventBus
	reg    *metrics.Registry
	cfg    Config

	nextSeq  uint32
	pending  map[uint32]*pendingTx
	inbound  map[mesh.NodeID]*senderState
	handlers map[uint8]Handler
}

func NewEndpoint(node mesh.NodeID, loop *sched.Loop, medium mesh.Medium, bus *eventbus.EventBus, reg *metrics.Registry, cfg Config) *Endpoint {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.GapFlush <= 0 {
		cfg.GapFlush = DefaultConfig().GapFlush
	}
	return &Endpoint{
		node:     node,
		loop:     loop,
		medium:   medium,
		bus:      bus,
		reg:      reg,
		cfg:      cfg,
		pending:  make(map[uint32]*pendingTx),
		inbound:  make(map[mesh.NodeID]*senderState),
		handlers: make(map[uint8]Handler),
	}
}

// Start installs the endpoint as the medium's receiver. Inbound datagrams are
// posted to the loop, so Start may be called from any goroutine.
func (e *Endpoint) Start() {
	e.medium.SetReceiver(func(payload []byte, from string) {
		e.loop.Post(func() {
			e.onDatagram(payload, from)
		})
	})
}

// Stop abandons all in-flight reliable sends without invoking their
// callbacks. Must be called from the loop.
func (e *Endpoint) Stop() {
	for seq, tx := range e.pending {
		e.loop.Cancel(tx.timer)
		delete(e.pending, seq)
	}
}

// RegisterHandler routes inbound frames of the given type to h. Frames with
// no registered handler are dropped and counted as protocol errors.
func (e *Endpoint) RegisterHandler(msgType uint8, h Handler) {
	e.handlers[msgType] = h
}

// NextSeq returns the next sequence number for an outbound frame. Ack frames
// do not consume sequence numbers; everything else must.
func (e *Endpoint) NextSeq() uint32 {
	e.nextSeq++
	return e.nextSeq
}

// NowMicro returns the loop clock's time in unix microseconds, for stamping
// outbound headers.
func (e *Endpoint) NowMicro() int64 {
	return e.loop.Now().UnixMicro()
}

// PendingCount reports how many reliable sends are awaiting acknowledgement.
func (e *Endpoint) PendingCount() int {
	return len(e.pending)
}

// SendReliable transmits a unicast frame and retransmits it with exponential
// backoff until the destination acks it or the retry budget is spent. The
// frame must have been built with the REQ_ACK flag. cb may be nil.
func (e *Endpoint) SendReliable(dest mesh.NodeID, frame []byte, cb func(Outcome)) error {
	var bh wire.BaseHeader
	if err := bh.DeserialiseBaseHeader(frame); err != nil {
		return err
	}
	tx := &pendingTx{
		seq:     bh.Seq,
		dest:    dest,
		frame:   frame,
		backoff: e.cfg.InitialBackoff,
		cb:      cb,
	}
	e.pending[bh.Seq] = tx
	e.reg.MessagesSent.WithLabelValues(wire.TypeName(bh.MsgType)).Inc()
	if err := e.medium.Send(dest, frame); err != nil {
		e.reg.TransientErrors.Inc()
		log.Printf("[transport] node %d: send of seq %d to %d failed, will retransmit: %v", e.node, bh.Seq, dest, err)
	}
	tx.timer = e.loop.After(tx.backoff, func() {
		e.retransmit(tx.seq)
	})
	return nil
}

// SendBestEffort transmits a unicast frame once with no retransmission.
func (e *Endpoint) SendBestEffort(dest mesh.NodeID, frame []byte) error {
	var bh wire.BaseHeader
	if err := bh.DeserialiseBaseHeader(frame); err != nil {
		return err
	}
	e.reg.MessagesSent.WithLabelValues(wire.TypeName(bh.MsgType)).Inc()
	return e.medium.Send(dest, frame)
}

// Broadcast transmits a frame to every reachable node, best effort.
func (e *Endpoint) Broadcast(frame []byte) error {
	var bh wire.BaseHeader
	if err := bh.DeserialiseBaseHeader(frame); err != nil {
		return err
	}
	e.reg.MessagesSent.WithLabelValues(wire.TypeName(bh.MsgType)).Inc()
	return e.medium.Broadcast(frame)
}

func (e *Endpoint) retransmit(seq uint32) {
	tx, ok := e.pending[seq]
	if !ok {
		return
	}
	if tx.attempts >= e.cfg.MaxRetries {
		delete(e.pending, seq)
		e.reg.Unreachable.Inc()
		log.Printf("[transport] node %d: giving up on seq %d to %d after %d retransmits", e.node, seq, tx.dest, tx.attempts)
		e.bus.Publish(eventbus.Event{
			Type:        eventbus.EventPeerUnreachable,
			NodeID:      e.node,
			OtherNodeID: tx.dest,
			Timestamp:   e.loop.Now(),
		})
		if tx.cb != nil {
			tx.cb(OutcomeUnreachable)
		}
		return
	}
	tx.attempts++
	e.reg.Retransmits.Inc()
	if err := e.medium.Send(tx.dest, tx.frame); err != nil {
		e.reg.TransientErrors.Inc()
	}
	tx.backoff *= 2
	if tx.backoff > e.cfg.MaxBackoff {
		tx.backoff = e.cfg.MaxBackoff
	}
	tx.timer = e.loop.After(tx.backoff, func() {
		e.retransmit(seq)
	})
}

func (e *Endpoint) onDatagram(payload []byte, from string) {
	var bh wire.BaseHeader
	if err := bh.DeserialiseBaseHeader(payload); err != nil {
		e.reg.ProtocolErrors.WithLabelValues("malformed").Inc()
		log.Printf("[transport] node %d: dropping malformed frame from %s: %v", e.node, from, err)
		return
	}
	src := bh.SrcNodeID
	if src == e.node {
		return // our own broadcast echoed back
	}
	if bh.DestNodeID != e.node && bh.DestNodeID != mesh.BroadcastAddr {
		return // overheard unicast for someone else
	}
	e.medium.Learn(src, from)

	if bh.MsgType == wire.MSG_ACK {
		e.onAck(bh, payload)
		return
	}

	st, ok := e.inbound[src]
	if !ok {
		st = &senderState{buffered: make(map[uint32]bufferedFrame)}
		e.inbound[src] = st
	}

	switch {
	case !st.baselined:
		st.baselined = true
		st.next = bh.Seq
	case bh.Seq < st.next && st.next-bh.Seq > restartGap:
		// The peer restarted and its sequence space began again.
		log.Printf("[transport] node %d: peer %d sequence reset (%d -> %d), re-baselining", e.node, src, st.next, bh.Seq)
		st.next = bh.Seq
		st.buffered = make(map[uint32]bufferedFrame)
		e.syncGapTimer(src, st)
	case bh.Seq < st.next:
		e.reg.Duplicates.Inc()
		e.maybeAck(bh)
		return
	}

	e.maybeAck(bh)

	if bh.Seq > st.next {
		if _, dup := st.buffered[bh.Seq]; dup {
			e.reg.Duplicates.Inc()
			return
		}
		st.buffered[bh.Seq] = bufferedFrame{bh: bh, frame: payload}
		if len(st.buffered) > e.cfg.ReorderWindow {
			e.advancePastGap(src, st)
		}
		e.syncGapTimer(src, st)
		return
	}

	e.deliver(bh, payload)
	st.next++
	e.drainBuffered(st)
	e.syncGapTimer(src, st)
}

// syncGapTimer keeps one flush timer armed exactly while a sequence gap is
// blocking the sender's buffered frames.
func (e *Endpoint) syncGapTimer(src mesh.NodeID, st *senderState) {
	if len(st.buffered) == 0 {
		if st.gapTimer != 0 {
			e.loop.Cancel(st.gapTimer)
			st.gapTimer = 0
		}
		return
	}
	if st.gapTimer == 0 {
		st.gapTimer = e.loop.After(e.cfg.GapFlush, func() {
			e.flushGap(src)
		})
	}
}

// flushGap fires when a gap has blocked a sender's stream for longer than the
// flush timeout; the missing frames are treated as lost.
func (e *Endpoint) flushGap(src mesh.NodeID) {
	st, ok := e.inbound[src]
	if !ok {
		return
	}
	st.gapTimer = 0
	if len(st.buffered) == 0 {
		return
	}
	e.advancePastGap(src, st)
	e.syncGapTimer(src, st)
}

// advancePastGap gives up waiting for sequence numbers that never arrived and
// jumps the expected counter to the lowest buffered frame. Without this a
// single lost broadcast from a peer would stall its stream forever.
func (e *Endpoint) advancePastGap(src mesh.NodeID, st *senderState) {
	lo := uint32(0)
	first := true
	for seq := range st.buffered {
		if first || seq < lo {
			lo = seq
			first = false
		}
	}
	e.reg.ProtocolErrors.WithLabelValues("sequence_gap").Inc()
	log.Printf("[transport] node %d: peer %d seq gap %d..%d, advancing", e.node, src, st.next, lo-1)
	e.bus.Publish(eventbus.Event{
		Type:        eventbus.EventMessageDropped,
		NodeID:      e.node,
		OtherNodeID: src,
		Reason:      "sequence gap",
		Timestamp:   e.loop.Now(),
	})
	st.next = lo
	e.drainBuffered(st)
}

func (e *Endpoint) drainBuffered(st *senderState) {
	for {
		bf, ok := st.buffered[st.next]
		if !ok {
			return
		}
		delete(st.buffered, st.next)
		e.deliver(bf.bh, bf.frame)
		st.next++
	}
}

func (e *Endpoint) deliver(bh wire.BaseHeader, frame []byte) {
	e.reg.MessagesReceived.WithLabelValues(wire.TypeName(bh.MsgType)).Inc()
	h, ok := e.handlers[bh.MsgType]
	if !ok {
		e.reg.ProtocolErrors.WithLabelValues("unknown_type").Inc()
		log.Printf("[transport] node %d: no handler for message type 0x%02x from %d", e.node, bh.MsgType, bh.SrcNodeID)
		return
	}
	h(bh, frame)
}

// maybeAck answers a frame that asked for acknowledgement. Duplicates are
// acked again in case our previous ack was lost. Broadcast frames never get
// acks regardless of the flag.
func (e *Endpoint) maybeAck(bh wire.BaseHeader) {
	if bh.Flags&wire.REQ_ACK == 0 || bh.DestNodeID != e.node {
		return
	}
	ack, err := wire.CreateAckFrame(bh.SrcNodeID, e.node, 0, e.NowMicro(), bh.Seq)
	if err != nil {
		return
	}
	if err := e.medium.Send(bh.SrcNodeID, ack); err != nil {
		e.reg.TransientErrors.Inc()
	}
}

func (e *Endpoint) onAck(bh wire.BaseHeader, frame []byte) {
	_, ah, err := wire.DeserialiseAckFrame(frame)
	if err != nil {
		e.reg.ProtocolErrors.WithLabelValues("malformed").Inc()
		return
	}
	tx, ok := e.pending[ah.AckedSeq]
	if !ok {
		return // late or duplicate ack
	}
	if tx.dest != bh.SrcNodeID {
		return
	}
	e.loop.Cancel(tx.timer)
	delete(e.pending, ah.AckedSeq)
	if tx.cb != nil {
		tx.cb(OutcomeDelivered)
	}
}
