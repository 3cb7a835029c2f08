package endpoint

import (
	"net"
	"testing"

	"github.com/m-lab/tcp-latency-attribution/internal/packet"
	"github.com/m-lab/tcp-latency-attribution/internal/sacks"
	"github.com/m-lab/tcp-latency-attribution/internal/seq"
)

func synPacket(ip net.IP, port uint16, ts int64, sq, ak seq.Num, ackSet bool) *packet.Packet {
	flags := packet.FlagSYN
	if ackSet {
		flags |= packet.FlagACK
	}
	return &packet.Packet{SrcIP: ip, SrcPort: port, TimestampUs: ts, Seq: sq, Ack: ak, Flags: flags}
}

func dataPacket(ip net.IP, port uint16, ts int64, sq, ak seq.Num, dataLen uint32) *packet.Packet {
	return &packet.Packet{SrcIP: ip, SrcPort: port, TimestampUs: ts, Seq: sq, Ack: ak,
		Flags: packet.FlagACK, DataLen: dataLen}
}

func ackPacket(ts int64, ak seq.Num) *packet.Packet {
	return &packet.Packet{TimestampUs: ts, Ack: ak, Flags: packet.FlagACK}
}

func TestAddPacketTracksSequenceAdvance(t *testing.T) {
	client := net.ParseIP("10.0.0.1")
	syn := synPacket(client, 1234, 0, 1000, 0, false)
	e := New(syn)
	e.AddPacket(syn, true)
	e.SetMSS(1460)

	d1 := dataPacket(client, 1234, 1000, 1001, 1, 500)
	e.AddPacket(d1, true)

	// 500 data bytes plus the SYN's sequence number, which no ACK has
	// covered yet.
	if e.GetUnackedBytes() != 501 {
		t.Errorf("expected 501 unacked bytes after one data packet and an unacked SYN, got %d", e.GetUnackedBytes())
	}

	e.ProcessAck(ackPacket(1100, 1501))
	if e.GetUnackedBytes() != 0 {
		t.Errorf("expected 0 unacked bytes after full ack, got %d", e.GetUnackedBytes())
	}
	if d1.AckPacket == nil || d1.AckDelayUs != 100 {
		t.Errorf("expected data packet to be acked with 100us delay, got %+v", d1.AckDelayUs)
	}
}

func TestProcessRtxMarksFastRetransmit(t *testing.T) {
	client := net.ParseIP("10.0.0.2")
	syn := synPacket(client, 4321, 0, 1000, 0, false)
	e := New(syn)
	e.AddPacket(syn, true)
	e.SetMSS(1460)

	d1 := dataPacket(client, 4321, 0, 1001, 1, 100)
	e.AddPacket(d1, true)

	e.ProcessAck(ackPacket(500, 1)) // recent ACK: opens the fast-rtx trigger window
	rtx := dataPacket(client, 4321, 1500, 1001, 1, 100)
	e.AddPacket(rtx, true)

	if !rtx.IsRtx {
		t.Fatal("expected retransmitted packet to be marked IsRtx")
	}
	if !rtx.IsFastRtx {
		t.Errorf("expected fast-retransmission classification, got %+v", rtx)
	}
	if d1.Rtx != rtx {
		t.Errorf("expected original packet to point at its retransmission")
	}
}

func TestDSackMarksSpuriousRtx(t *testing.T) {
	client := net.ParseIP("10.0.0.3")
	syn := synPacket(client, 55, 0, 1000, 0, false)
	e := New(syn)
	e.AddPacket(syn, true)
	e.SetMSS(1460)

	d1 := dataPacket(client, 55, 0, 1001, 1, 100)
	e.AddPacket(d1, true)
	e.ProcessAck(ackPacket(500, 1))
	rtx := dataPacket(client, 55, 1500, 1001, 1, 100)
	e.AddPacket(rtx, true)

	ack := ackPacket(1600, 1101)
	ack.Sacks.Add(sacks.Range{Left: 1001, Right: 1101})
	e.ProcessAck(ack)

	if !rtx.IsSpuriousRtx {
		t.Errorf("expected the retransmission covered by the DSACK range to be marked spurious")
	}
}

func TestGetNumDataPacketsAndLosses(t *testing.T) {
	client := net.ParseIP("10.0.0.4")
	syn := synPacket(client, 99, 0, 1000, 0, false)
	e := New(syn)
	e.AddPacket(syn, true)
	e.SetMSS(1460)

	for i := 0; i < 3; i++ {
		e.AddPacket(dataPacket(client, 99, int64(i*1000), seq.Num(1001+i*100), 1, 100), true)
	}
	if got := e.GetNumDataPackets(); got != 3 {
		t.Errorf("expected 3 data packets, got %d", got)
	}
	if got := e.GetNumLosses(); got != 0 {
		t.Errorf("expected no losses without retransmissions, got %d", got)
	}
}
