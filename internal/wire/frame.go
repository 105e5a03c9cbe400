package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/des-testbed/des-chan/internal/mesh"
)

// Message Types
const (
	MSG_HELLO         uint8 = 0x01 // discovery probe (broadcast)
	MSG_HELLO_ACK     uint8 = 0x02 // discovery reply, carries link-quality data
	MSG_LINK_REPORT   uint8 = 0x03 // gossip of derived link metrics
	MSG_PROPOSAL      uint8 = 0x10 // coordination round start
	MSG_PROPOSAL_VOTE uint8 = 0x11 // coordination round response (ack/nack)
	MSG_NOTIFY        uint8 = 0x12 // best-effort post-decision broadcast
	MSG_ACK           uint8 = 0x20 // transport-level delivery ack
)

// Header flags
const (
	REQ_ACK uint8 = 0x01 // sender retries until a MSG_ACK for this |Seq| arrives
)

// Vote values carried by MSG_PROPOSAL_VOTE
const (
	VOTE_NACK uint8 = 0x00
	VOTE_ACK  uint8 = 0x01
)

const (
	BaseHeaderSize = 24
	MaxFrameSize   = 1200 // keeps every frame inside a single WLAN MTU

	// MaxLinkReportEntries bounds one LINK_REPORT so the frame stays under
	// MaxFrameSize; senders with more links split across frames.
	MaxLinkReportEntries = 64
)

type BaseHeader struct {
	DestNodeID mesh.NodeID // BroadcastAddr on neighborhood frames
	SrcNodeID  mesh.NodeID
	Seq        uint32 // per-sender, monotonically increasing; dedup key
	SentMicro  int64  // sender clock, microseconds since the unix epoch
	MsgType    uint8
	Flags      uint8
	Reserved   uint16
}

func (bh *BaseHeader) SentTime() time.Time {
	return time.UnixMicro(bh.SentMicro)
}

func (bh *BaseHeader) SerialiseBaseHeader() []byte {
	buf := make([]byte, BaseHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bh.DestNodeID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(bh.SrcNodeID))
	binary.LittleEndian.PutUint32(buf[8:12], bh.Seq)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(bh.SentMicro))
	buf[20] = bh.MsgType
	buf[21] = bh.Flags
	binary.LittleEndian.PutUint16(buf[22:24], bh.Reserved)
	return buf
}

func (bh *BaseHeader) DeserialiseBaseHeader(buf []byte) error {
	if len(buf) < BaseHeaderSize {
		return fmt.Errorf("buffer too short for BaseHeader")
	}
	bh.DestNodeID = mesh.NodeID(binary.LittleEndian.Uint32(buf[0:4]))
	bh.SrcNodeID = mesh.NodeID(binary.LittleEndian.Uint32(buf[4:8]))
	bh.Seq = binary.LittleEndian.Uint32(buf[8:12])
	bh.SentMicro = int64(binary.LittleEndian.Uint64(buf[12:20]))
	bh.MsgType = buf[20]
	bh.Flags = buf[21]
	bh.Reserved = binary.LittleEndian.Uint16(buf[22:24])
	return nil
}

func TypeName(t uint8) string {
	switch t {
	case MSG_HELLO:
		return "HELLO"
	case MSG_HELLO_ACK:
		return "HELLO_ACK"
	case MSG_LINK_REPORT:
		return "LINK_REPORT"
	case MSG_PROPOSAL:
		return "ASSIGNMENT_PROPOSAL"
	case MSG_PROPOSAL_VOTE:
		return "ASSIGNMENT_VOTE"
	case MSG_NOTIFY:
		return "ASSIGNMENT_NOTIFY"
	case MSG_ACK:
		return "ACK"
	default:
		return fmt.Sprintf("0x%02x", t)
	}
}
