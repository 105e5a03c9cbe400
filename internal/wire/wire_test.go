package wire

import (
	"testing"

	"github.com/des-testbed/des-chan/internal/mesh"
)

func TestHelloFrameRoundTrip(t *testing.T) {
	reports := []RatioReport{
		{Node: 7, Radio: 0, RatioMilli: 800},
		{Node: 9, Radio: 1, RatioMilli: 0},
	}
	buf, err := CreateHelloFrame(3, 42, 1_700_000_000_000_000, 1, 17, reports)
	if err != nil {
		t.Fatalf("CreateHelloFrame: %v", err)
	}

	bh, hh, err := DeserialiseHelloFrame(buf)
	if err != nil {
		t.Fatalf("DeserialiseHelloFrame: %v", err)
	}
	if bh.DestNodeID != mesh.BroadcastAddr {
		t.Errorf("Expected broadcast destination, got %d", bh.DestNodeID)
	}
	if bh.SrcNodeID != 3 || bh.Seq != 42 || bh.MsgType != MSG_HELLO {
		t.Errorf("Base header mismatch: %+v", bh)
	}
	if bh.SentMicro != 1_700_000_000_000_000 {
		t.Errorf("Expected timestamp to survive, got %d", bh.SentMicro)
	}
	if hh.Radio != 1 || hh.ProbeSeq != 17 {
		t.Errorf("Hello header mismatch: %+v", hh)
	}
	if len(hh.Reports) != 2 || hh.Reports[0] != reports[0] || hh.Reports[1] != reports[1] {
		t.Errorf("Expected reports %v, got %v", reports, hh.Reports)
	}
}

func TestHelloAckFrameRoundTrip(t *testing.T) {
	buf, err := CreateHelloAckFrame(3, 7, 5, 12345, REQ_ACK, 2, 17, 500)
	if err != nil {
		t.Fatalf("CreateHelloAckFrame: %v", err)
	}
	bh, ah, err := DeserialiseHelloAckFrame(buf)
	if err != nil {
		t.Fatalf("DeserialiseHelloAckFrame: %v", err)
	}
	if bh.DestNodeID != 3 || bh.SrcNodeID != 7 || bh.Flags != REQ_ACK {
		t.Errorf("Base header mismatch: %+v", bh)
	}
	if ah.Radio != 2 || ah.ProbeSeq != 17 || ah.RatioMilli != 500 {
		t.Errorf("HelloAck header mismatch: %+v", ah)
	}
}

func TestLinkReportRoundTrip(t *testing.T) {
	entries := []LinkReportEntry{
		{FromNode: 1, FromRadio: 0, ToNode: 2, ToRadio: 1, EtxMilli: 2500, AgeMs: 150},
		{FromNode: 2, FromRadio: 1, ToNode: 1, ToRadio: 0, EtxMilli: 1000, AgeMs: 0},
	}
	buf, err := CreateLinkReportFrame(1, 9, 0, entries)
	if err != nil {
		t.Fatalf("CreateLinkReportFrame: %v", err)
	}
	_, lh, err := DeserialiseLinkReportFrame(buf)
	if err != nil {
		t.Fatalf("DeserialiseLinkReportFrame: %v", err)
	}
	if int(lh.Count) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), lh.Count)
	}
	for i := range entries {
		if lh.Entries[i] != entries[i] {
			t.Errorf("Entry %d: expected %+v, got %+v", i, entries[i], lh.Entries[i])
		}
	}
}

func TestLinkReportEntryCap(t *testing.T) {
	entries := make([]LinkReportEntry, MaxLinkReportEntries+1)
	if _, err := CreateLinkReportFrame(1, 1, 0, entries); err == nil {
		t.Error("Expected an error for an oversized link report")
	}
}

func TestProposalAndVoteRoundTrip(t *testing.T) {
	var pid [16]byte
	for i := range pid {
		pid[i] = byte(i)
	}

	buf, err := CreateProposalFrame(4, 1, 100, 55, REQ_ACK, pid, 1, 36)
	if err != nil {
		t.Fatalf("CreateProposalFrame: %v", err)
	}
	bh, ph, err := DeserialiseProposalFrame(buf)
	if err != nil {
		t.Fatalf("DeserialiseProposalFrame: %v", err)
	}
	if bh.MsgType != MSG_PROPOSAL || ph.ProposalID != pid || ph.Radio != 1 || ph.Channel != 36 {
		t.Errorf("Proposal mismatch: %+v %+v", bh, ph)
	}

	vbuf, err := CreateVoteFrame(1, 4, 101, 56, REQ_ACK, pid, VOTE_NACK)
	if err != nil {
		t.Fatalf("CreateVoteFrame: %v", err)
	}
	_, vh, err := DeserialiseVoteFrame(vbuf)
	if err != nil {
		t.Fatalf("DeserialiseVoteFrame: %v", err)
	}
	if vh.ProposalID != pid || vh.Vote != VOTE_NACK {
		t.Errorf("Vote mismatch: %+v", vh)
	}
}

func TestNotifyAndAckRoundTrip(t *testing.T) {
	buf, err := CreateNotifyFrame(6, 200, 0, 0, 11)
	if err != nil {
		t.Fatalf("CreateNotifyFrame: %v", err)
	}
	bh, nh, err := DeserialiseNotifyFrame(buf)
	if err != nil {
		t.Fatalf("DeserialiseNotifyFrame: %v", err)
	}
	if bh.DestNodeID != mesh.BroadcastAddr || nh.Radio != 0 || nh.Channel != 11 {
		t.Errorf("Notify mismatch: %+v %+v", bh, nh)
	}

	abuf, err := CreateAckFrame(6, 2, 201, 0, 200)
	if err != nil {
		t.Fatalf("CreateAckFrame: %v", err)
	}
	_, ah, err := DeserialiseAckFrame(abuf)
	if err != nil {
		t.Fatalf("DeserialiseAckFrame: %v", err)
	}
	if ah.AckedSeq != 200 {
		t.Errorf("Expected acked seq 200, got %d", ah.AckedSeq)
	}
}

func TestDeserialiseShortBuffers(t *testing.T) {
	tests := []struct {
		name string
		fn   func([]byte) error
	}{
		{"base header", func(b []byte) error {
			var bh BaseHeader
			return bh.DeserialiseBaseHeader(b)
		}},
		{"hello", func(b []byte) error {
			_, _, err := DeserialiseHelloFrame(b)
			return err
		}},
		{"vote", func(b []byte) error {
			_, _, err := DeserialiseVoteFrame(b)
			return err
		}},
		{"ack", func(b []byte) error {
			_, _, err := DeserialiseAckFrame(b)
			return err
		}},
	}
	for _, tc := range tests {
		if err := tc.fn(make([]byte, 5)); err == nil {
			t.Errorf("%s: expected an error for a short buffer", tc.name)
		}
	}
}

func TestHelloTruncatedReports(t *testing.T) {
	buf, err := CreateHelloFrame(3, 1, 0, 0, 1, []RatioReport{{Node: 7, RatioMilli: 900}})
	if err != nil {
		t.Fatalf("CreateHelloFrame: %v", err)
	}
	// claim one report but cut its bytes off
	_, _, err = DeserialiseHelloFrame(buf[:BaseHeaderSize+6])
	if err == nil {
		t.Error("Expected an error when reports are truncated")
	}
}
