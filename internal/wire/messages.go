package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/des-testbed/des-chan/internal/mesh"
)

// RatioReport is one "here is what I received from you" entry inside a HELLO.
// The ratio refers to the directed link (Node,Radio) -> probing radio and is
// fixed-point: 1000 means every probe in the window arrived.
type RatioReport struct {
	Node       mesh.NodeID
	Radio      mesh.RadioID
	RatioMilli uint16
}

const ratioReportSize = 7

type HelloHeader struct {
	Radio       mesh.RadioID // probing radio of the sender
	ProbeSeq    uint32       // per-sender probe counter, independent of frame Seq
	ReportCount uint8
	Reports     []RatioReport
}

func (h *HelloHeader) Serialise() []byte {
	buf := make([]byte, 6+int(h.ReportCount)*ratioReportSize)
	buf[0] = uint8(h.Radio)
	binary.LittleEndian.PutUint32(buf[1:5], h.ProbeSeq)
	buf[5] = h.ReportCount
	ofs := 6
	for _, r := range h.Reports {
		binary.LittleEndian.PutUint32(buf[ofs:ofs+4], uint32(r.Node))
		buf[ofs+4] = uint8(r.Radio)
		binary.LittleEndian.PutUint16(buf[ofs+5:ofs+7], r.RatioMilli)
		ofs += ratioReportSize
	}
	return buf
}

func (h *HelloHeader) Deserialise(buf []byte) error {
	if len(buf) < 6 {
		return fmt.Errorf("buffer too short for HelloHeader")
	}
	h.Radio = mesh.RadioID(buf[0])
	h.ProbeSeq = binary.LittleEndian.Uint32(buf[1:5])
	h.ReportCount = buf[5]

	expected := 6 + int(h.ReportCount)*ratioReportSize
	if len(buf) < expected {
		return fmt.Errorf("buffer too short for %d ratio reports: need %d B got %d B",
			h.ReportCount, expected, len(buf))
	}
	h.Reports = make([]RatioReport, h.ReportCount)
	ofs := 6
	for i := range h.Reports {
		h.Reports[i] = RatioReport{
			Node:       mesh.NodeID(binary.LittleEndian.Uint32(buf[ofs : ofs+4])),
			Radio:      mesh.RadioID(buf[ofs+4]),
			RatioMilli: binary.LittleEndian.Uint16(buf[ofs+5 : ofs+7]),
		}
		ofs += ratioReportSize
	}
	return nil
}

type HelloAckHeader struct {
	Radio      mesh.RadioID // responding radio
	ProbeSeq   uint32       // echoed from the HELLO being answered
	RatioMilli uint16       // responder's reception ratio for the prober's link
}

func (h *HelloAckHeader) Serialise() []byte {
	buf := make([]byte, 7)
	buf[0] = uint8(h.Radio)
	binary.LittleEndian.PutUint32(buf[1:5], h.ProbeSeq)
	binary.LittleEndian.PutUint16(buf[5:7], h.RatioMilli)
	return buf
}

func (h *HelloAckHeader) Deserialise(buf []byte) error {
	if len(buf) < 7 {
		return fmt.Errorf("buffer too short for HelloAckHeader")
	}
	h.Radio = mesh.RadioID(buf[0])
	h.ProbeSeq = binary.LittleEndian.Uint32(buf[1:5])
	h.RatioMilli = binary.LittleEndian.Uint16(buf[5:7])
	return nil
}

// LinkReportEntry gossips one directed link and its current metric.
// EtxMilli is fixed-point ETX (1000 = 1.0); AgeMs is how old the sample was
// at the sender when the frame left.
type LinkReportEntry struct {
	FromNode  mesh.NodeID
	FromRadio mesh.RadioID
	ToNode    mesh.NodeID
	ToRadio   mesh.RadioID
	EtxMilli  uint32
	AgeMs     uint32
}

const linkReportEntrySize = 18

type LinkReportHeader struct {
	Count   uint8
	Entries []LinkReportEntry
}

func (h *LinkReportHeader) Serialise() []byte {
	buf := make([]byte, 1+int(h.Count)*linkReportEntrySize)
	buf[0] = h.Count
	ofs := 1
	for _, e := range h.Entries {
		binary.LittleEndian.PutUint32(buf[ofs:ofs+4], uint32(e.FromNode))
		buf[ofs+4] = uint8(e.FromRadio)
		binary.LittleEndian.PutUint32(buf[ofs+5:ofs+9], uint32(e.ToNode))
		buf[ofs+9] = uint8(e.ToRadio)
		binary.LittleEndian.PutUint32(buf[ofs+10:ofs+14], e.EtxMilli)
		binary.LittleEndian.PutUint32(buf[ofs+14:ofs+18], e.AgeMs)
		ofs += linkReportEntrySize
	}
	return buf
}

func (h *LinkReportHeader) Deserialise(buf []byte) error {
	if len(buf) < 1 {
		return fmt.Errorf("buffer too short for LinkReportHeader")
	}
	h.Count = buf[0]
	expected := 1 + int(h.Count)*linkReportEntrySize
	if len(buf) < expected {
		return fmt.Errorf("buffer too short for %d link entries: need %d B got %d B",
			h.Count, expected, len(buf))
	}
	h.Entries = make([]LinkReportEntry, h.Count)
	ofs := 1
	for i := range h.Entries {
		h.Entries[i] = LinkReportEntry{
			FromNode:  mesh.NodeID(binary.LittleEndian.Uint32(buf[ofs : ofs+4])),
			FromRadio: mesh.RadioID(buf[ofs+4]),
			ToNode:    mesh.NodeID(binary.LittleEndian.Uint32(buf[ofs+5 : ofs+9])),
			ToRadio:   mesh.RadioID(buf[ofs+9]),
			EtxMilli:  binary.LittleEndian.Uint32(buf[ofs+10 : ofs+14]),
			AgeMs:     binary.LittleEndian.Uint32(buf[ofs+14 : ofs+18]),
		}
		ofs += linkReportEntrySize
	}
	return nil
}

type ProposalHeader struct {
	ProposalID [16]byte // uuid bytes, identifies the negotiation round
	Radio      mesh.RadioID
	Channel    mesh.ChannelID
}

func (h *ProposalHeader) Serialise() []byte {
	buf := make([]byte, 19)
	copy(buf[0:16], h.ProposalID[:])
	buf[16] = uint8(h.Radio)
	binary.LittleEndian.PutUint16(buf[17:19], uint16(h.Channel))
	return buf
}

func (h *ProposalHeader) Deserialise(buf []byte) error {
	if len(buf) < 19 {
		return fmt.Errorf("buffer too short for ProposalHeader")
	}
	copy(h.ProposalID[:], buf[0:16])
	h.Radio = mesh.RadioID(buf[16])
	h.Channel = mesh.ChannelID(binary.LittleEndian.Uint16(buf[17:19]))
	return nil
}

type VoteHeader struct {
	ProposalID [16]byte
	Vote       uint8 // VOTE_ACK or VOTE_NACK
}

func (h *VoteHeader) Serialise() []byte {
	buf := make([]byte, 17)
	copy(buf[0:16], h.ProposalID[:])
	buf[16] = h.Vote
	return buf
}

func (h *VoteHeader) Deserialise(buf []byte) error {
	if len(buf) < 17 {
		return fmt.Errorf("buffer too short for VoteHeader")
	}
	copy(h.ProposalID[:], buf[0:16])
	h.Vote = buf[16]
	return nil
}

type NotifyHeader struct {
	Radio   mesh.RadioID
	Channel mesh.ChannelID
}

func (h *NotifyHeader) Serialise() []byte {
	buf := make([]byte, 3)
	buf[0] = uint8(h.Radio)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(h.Channel))
	return buf
}

func (h *NotifyHeader) Deserialise(buf []byte) error {
	if len(buf) < 3 {
		return fmt.Errorf("buffer too short for NotifyHeader")
	}
	h.Radio = mesh.RadioID(buf[0])
	h.Channel = mesh.ChannelID(binary.LittleEndian.Uint16(buf[1:3]))
	return nil
}

type AckHeader struct {
	AckedSeq uint32 // Seq of the frame being acknowledged
}

func (h *AckHeader) Serialise() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], h.AckedSeq)
	return buf
}

func (h *AckHeader) Deserialise(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("buffer too short for AckHeader")
	}
	h.AckedSeq = binary.LittleEndian.Uint32(buf[0:4])
	return nil
}
