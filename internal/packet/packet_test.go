package packet

import (
	"testing"

	"github.com/m-lab/tcp-latency-attribution/internal/sacks"
)

func TestSeqEndDataAndBareSyn(t *testing.T) {
	data := &Packet{Seq: 100, DataLen: 50}
	if data.SeqEnd() != 150 {
		t.Errorf("expected seqEnd 150, got %d", data.SeqEnd())
	}
	syn := &Packet{Seq: 1, Flags: FlagSYN}
	if syn.SeqEnd() != 2 {
		t.Errorf("expected bare SYN to consume one sequence number, got %d", syn.SeqEnd())
	}
}

func TestRequiresAck(t *testing.T) {
	if (&Packet{}).RequiresAck() {
		t.Error("a bare ACK should not require an ack")
	}
	if !(&Packet{DataLen: 1}).RequiresAck() {
		t.Error("a data packet should require an ack")
	}
	if !(&Packet{Flags: FlagSYN}).RequiresAck() {
		t.Error("a SYN should require an ack")
	}
}

func TestMissesTrigger(t *testing.T) {
	p := &Packet{IsRtx: true}
	if !p.MissesTrigger() {
		t.Error("untyped retransmission should miss its trigger")
	}
	p.IsFastRtx = true
	if p.MissesTrigger() {
		t.Error("fast retransmission has a trigger")
	}
}

func TestIsLost(t *testing.T) {
	original := &Packet{}
	spurious := &Packet{IsSpuriousRtx: true}
	original.Rtx = spurious
	if original.IsLost() {
		t.Error("a spuriously-retransmitted packet was not actually lost")
	}
	genuine := &Packet{}
	original.Rtx = genuine
	if !original.IsLost() {
		t.Error("a non-spurious retransmission means the original was lost")
	}
}

func TestIsSacked(t *testing.T) {
	var s sacks.Set
	s.Add(sacks.Range{Left: 100, Right: 200})
	p := &Packet{Seq: 120, DataLen: 30}
	if !p.IsSacked(&s) {
		t.Error("packet range [120,150) should be covered by sack [100,200)")
	}
	p2 := &Packet{Seq: 190, DataLen: 30}
	if p2.IsSacked(&s) {
		t.Error("packet range [190,220) is not fully covered by sack [100,200)")
	}
}

func TestFlagsString(t *testing.T) {
	f := FlagSYN | FlagACK
	if got := f.String(); got != "[SYN][ACK]" {
		t.Errorf("unexpected flags string: %q", got)
	}
}
