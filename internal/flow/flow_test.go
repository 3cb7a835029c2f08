package flow

import (
	"net"
	"testing"

	"github.com/m-lab/tcp-latency-attribution/internal/packet"
)

var (
	clientIP = net.ParseIP("10.0.0.1")
	serverIP = net.ParseIP("10.0.0.2")
)

func TestAddPacketCreatesBothEndpointsFromEitherDirection(t *testing.T) {
	f := New(ID{SrcIP: clientIP, DstIP: serverIP, SrcPort: 1234, DstPort: 443})

	syn := &packet.Packet{SrcIP: clientIP, DstIP: serverIP, SrcPort: 1234, DstPort: 443,
		Flags: packet.FlagSYN, Seq: 100}
	f.AddPacket(syn, true)
	if f.EndpointA == nil {
		t.Fatal("expected endpoint A to be created from the first packet")
	}

	synAck := &packet.Packet{SrcIP: serverIP, DstIP: clientIP, SrcPort: 443, DstPort: 1234,
		Flags: packet.FlagSYN | packet.FlagACK, Seq: 5000, Ack: 101}
	f.AddPacket(synAck, true)
	if f.EndpointB == nil {
		t.Fatal("expected endpoint B to be created once the peer is seen")
	}
	if !f.EndpointA.Addr.Equal(clientIP) || !f.EndpointB.Addr.Equal(serverIP) {
		t.Errorf("endpoints assigned to the wrong addresses: a=%s b=%s", f.EndpointA.Addr, f.EndpointB.Addr)
	}
}

func TestCheckForMSSAppliesToOppositeEndpoint(t *testing.T) {
	f := New(ID{SrcIP: clientIP, DstIP: serverIP, SrcPort: 1234, DstPort: 443})

	syn := &packet.Packet{SrcIP: clientIP, DstIP: serverIP, SrcPort: 1234, DstPort: 443,
		Flags: packet.FlagSYN, Seq: 100, MSSOptValue: 1460}
	f.AddPacket(syn, true)

	synAck := &packet.Packet{SrcIP: serverIP, DstIP: clientIP, SrcPort: 443, DstPort: 1234,
		Flags: packet.FlagSYN | packet.FlagACK, Seq: 5000, Ack: 101, MSSOptValue: 1380}
	f.AddPacket(synAck, true)

	data := &packet.Packet{SrcIP: serverIP, DstIP: clientIP, SrcPort: 443, DstPort: 1234,
		Flags: packet.FlagACK, Seq: 5001, Ack: 101, DataLen: 2000}
	f.AddPacket(data, true)

	if len(f.EndpointB.Packets()) < 2 {
		t.Fatalf("expected server data to be split per the buffered client-advertised MSS")
	}
}

func TestFlowMapSymmetricLookup(t *testing.T) {
	m := NewMap()

	forward := &packet.Packet{SrcIP: clientIP, DstIP: serverIP, SrcPort: 1234, DstPort: 443,
		Flags: packet.FlagSYN, Seq: 100}
	m.AddPacket(forward)

	reverse := &packet.Packet{SrcIP: serverIP, DstIP: clientIP, SrcPort: 443, DstPort: 1234,
		Flags: packet.FlagSYN | packet.FlagACK, Seq: 5000, Ack: 101}
	m.AddPacket(reverse)

	if len(m.Flows()) != 1 {
		t.Fatalf("expected the reverse-direction packet to join the existing flow, got %d flows", len(m.Flows()))
	}
	if reverse.ArrivalIndex != 1 {
		t.Errorf("expected monotonically increasing arrival index, got %d", reverse.ArrivalIndex)
	}
}

func TestSplitIntoSegmentsStartsNewSegmentOnReturnToA(t *testing.T) {
	f := New(ID{SrcIP: clientIP, DstIP: serverIP, SrcPort: 1234, DstPort: 443})
	f.AddPacket(&packet.Packet{SrcIP: clientIP, DstIP: serverIP, SrcPort: 1234, DstPort: 443,
		Flags: packet.FlagSYN, Seq: 100}, true)
	f.AddPacket(&packet.Packet{SrcIP: serverIP, DstIP: clientIP, SrcPort: 443, DstPort: 1234,
		Flags: packet.FlagSYN | packet.FlagACK, Seq: 5000, Ack: 101}, true)

	f.AddPacket(&packet.Packet{SrcIP: clientIP, DstIP: serverIP, SrcPort: 1234, DstPort: 443,
		Flags: packet.FlagACK, Seq: 101, Ack: 5001, DataLen: 100}, true)
	f.AddPacket(&packet.Packet{SrcIP: serverIP, DstIP: clientIP, SrcPort: 443, DstPort: 1234,
		Flags: packet.FlagACK, Seq: 5001, Ack: 201, DataLen: 500}, true)
	f.AddPacket(&packet.Packet{SrcIP: clientIP, DstIP: serverIP, SrcPort: 1234, DstPort: 443,
		Flags: packet.FlagACK, Seq: 201, Ack: 5501, DataLen: 100}, true)

	segments := f.SplitIntoSegments()
	if len(segments) != 2 {
		t.Fatalf("expected 2 request/response segments, got %d", len(segments))
	}
}
