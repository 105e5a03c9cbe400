package wire

import (
	"fmt"

	"github.com/des-testbed/des-chan/internal/mesh"
)

func assemble(bh BaseHeader, body []byte) ([]byte, error) {
	bhBytes := bh.SerialiseBaseHeader()
	total := len(bhBytes) + len(body)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%s frame too big (%d B)", TypeName(bh.MsgType), total)
	}
	buf := make([]byte, total)
	copy(buf, bhBytes)
	copy(buf[len(bhBytes):], body)
	return buf, nil
}

func CreateHelloFrame(src mesh.NodeID, seq uint32, sentMicro int64, radio mesh.RadioID, probeSeq uint32, reports []RatioReport) ([]byte, error) {
	if len(reports) > 255 {
		return nil, fmt.Errorf("too many ratio reports (%d)", len(reports))
	}
	bh := BaseHeader{
		DestNodeID: mesh.BroadcastAddr,
		SrcNodeID:  src,
		Seq:        seq,
		SentMicro:  sentMicro,
		MsgType:    MSG_HELLO,
	}
	hh := HelloHeader{
		Radio:       radio,
		ProbeSeq:    probeSeq,
		ReportCount: uint8(len(reports)),
		Reports:     reports,
	}
	return assemble(bh, hh.Serialise())
}

func DeserialiseHelloFrame(buf []byte) (bh BaseHeader, hh HelloHeader, err error) {
	if err = bh.DeserialiseBaseHeader(buf); err != nil {
		return
	}
	err = hh.Deserialise(buf[BaseHeaderSize:])
	return
}

func CreateHelloAckFrame(dest, src mesh.NodeID, seq uint32, sentMicro int64, flags uint8, radio mesh.RadioID, probeSeq uint32, ratioMilli uint16) ([]byte, error) {
	bh := BaseHeader{
		DestNodeID: dest,
		SrcNodeID:  src,
		Seq:        seq,
		SentMicro:  sentMicro,
		MsgType:    MSG_HELLO_ACK,
		Flags:      flags,
	}
	ah := HelloAckHeader{Radio: radio, ProbeSeq: probeSeq, RatioMilli: ratioMilli}
	return assemble(bh, ah.Serialise())
}

func DeserialiseHelloAckFrame(buf []byte) (bh BaseHeader, ah HelloAckHeader, err error) {
	if err = bh.DeserialiseBaseHeader(buf); err != nil {
		return
	}
	err = ah.Deserialise(buf[BaseHeaderSize:])
	return
}

func CreateLinkReportFrame(src mesh.NodeID, seq uint32, sentMicro int64, entries []LinkReportEntry) ([]byte, error) {
	if len(entries) > MaxLinkReportEntries {
		return nil, fmt.Errorf("too many link entries (%d), cap is %d", len(entries), MaxLinkReportEntries)
	}
	bh := BaseHeader{
		DestNodeID: mesh.BroadcastAddr,
		SrcNodeID:  src,
		Seq:        seq,
		SentMicro:  sentMicro,
		MsgType:    MSG_LINK_REPORT,
	}
	lh := LinkReportHeader{Count: uint8(len(entries)), Entries: entries}
	return assemble(bh, lh.Serialise())
}

func DeserialiseLinkReportFrame(buf []byte) (bh BaseHeader, lh LinkReportHeader, err error) {
	if err = bh.DeserialiseBaseHeader(buf); err != nil {
		return
	}
	err = lh.Deserialise(buf[BaseHeaderSize:])
	return
}

func CreateProposalFrame(dest, src mesh.NodeID, seq uint32, sentMicro int64, flags uint8, proposalID [16]byte, radio mesh.RadioID, channel mesh.ChannelID) ([]byte, error) {
	bh := BaseHeader{
		DestNodeID: dest,
		SrcNodeID:  src,
		Seq:        seq,
		SentMicro:  sentMicro,
		MsgType:    MSG_PROPOSAL,
		Flags:      flags,
	}
	ph := ProposalHeader{ProposalID: proposalID, Radio: radio, Channel: channel}
	return assemble(bh, ph.Serialise())
}

func DeserialiseProposalFrame(buf []byte) (bh BaseHeader, ph ProposalHeader, err error) {
	if err = bh.DeserialiseBaseHeader(buf); err != nil {
		return
	}
	err = ph.Deserialise(buf[BaseHeaderSize:])
	return
}

func CreateVoteFrame(dest, src mesh.NodeID, seq uint32, sentMicro int64, flags uint8, proposalID [16]byte, vote uint8) ([]byte, error) {
	bh := BaseHeader{
		DestNodeID: dest,
		SrcNodeID:  src,
		Seq:        seq,
		SentMicro:  sentMicro,
		MsgType:    MSG_PROPOSAL_VOTE,
		Flags:      flags,
	}
	vh := VoteHeader{ProposalID: proposalID, Vote: vote}
	return assemble(bh, vh.Serialise())
}

func DeserialiseVoteFrame(buf []byte) (bh BaseHeader, vh VoteHeader, err error) {
	if err = bh.DeserialiseBaseHeader(buf); err != nil {
		return
	}
	err = vh.Deserialise(buf[BaseHeaderSize:])
	return
}

func CreateNotifyFrame(src mesh.NodeID, seq uint32, sentMicro int64, radio mesh.RadioID, channel mesh.ChannelID) ([]byte, error) {
	bh := BaseHeader{
		DestNodeID: mesh.BroadcastAddr,
		SrcNodeID:  src,
		Seq:        seq,
		SentMicro:  sentMicro,
		MsgType:    MSG_NOTIFY,
	}
	nh := NotifyHeader{Radio: radio, Channel: channel}
	return assemble(bh, nh.Serialise())
}

func DeserialiseNotifyFrame(buf []byte) (bh BaseHeader, nh NotifyHeader, err error) {
	if err = bh.DeserialiseBaseHeader(buf); err != nil {
		return
	}
	err = nh.Deserialise(buf[BaseHeaderSize:])
	return
}

func CreateAckFrame(dest, src mesh.NodeID, seq uint32, sentMicro int64, ackedSeq uint32) ([]byte, error) {
	bh := BaseHeader{
		DestNodeID: dest,
		SrcNodeID:  src,
		Seq:        seq,
		SentMicro:  sentMicro,
		MsgType:    MSG_ACK,
	}
	ah := AckHeader{AckedSeq: ackedSeq}
	return assemble(bh, ah.Serialise())
}

func DeserialiseAckFrame(buf []byte) (bh BaseHeader, ah AckHeader, err error) {
	if err = bh.DeserialiseBaseHeader(buf); err != nil {
		return
	}
	err = ah.Deserialise(buf[BaseHeaderSize:])
	return
}
