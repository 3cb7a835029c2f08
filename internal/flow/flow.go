// Package flow groups a TCP connection's two endpoints under one
// symmetric 4-tuple identity and dispatches each captured packet to the
// sending endpoint (and the receiving endpoint's ACK processing).
package flow

import (
	"fmt"
	"net"

	"github.com/m-lab/tcp-latency-attribution/internal/endpoint"
	"github.com/m-lab/tcp-latency-attribution/internal/packet"
)

// ID identifies a flow by its 4-tuple. Two packets belong to the same
// flow if their 4-tuples match in either direction.
type ID struct {
	SrcIP, DstIP net.IP
	SrcPort      uint16
	DstPort      uint16
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", id.SrcIP, id.SrcPort, id.DstIP, id.DstPort)
}

func (id ID) reverse() ID {
	return ID{SrcIP: id.DstIP, DstIP: id.SrcIP, SrcPort: id.DstPort, DstPort: id.SrcPort}
}

func (id ID) key() string {
	return fmt.Sprintf("%s|%d|%s|%d", id.SrcIP, id.SrcPort, id.DstIP, id.DstPort)
}

// Flow is one TCP connection: two endpoints (A, the side that sent the
// first packet seen for this flow, and B, its peer) plus the packets
// exchanged between them in capture order.
type Flow struct {
	ID ID

	packets []*packet.Packet

	EndpointA *endpoint.Endpoint
	EndpointB *endpoint.Endpoint

	mssA, mssB uint32
}

// New creates an empty flow with the given identity.
func New(id ID) *Flow {
	return &Flow{ID: id}
}

// Packets returns the flow's full packet history in capture order.
func (f *Flow) Packets() []*packet.Packet { return f.packets }

// AddPacket routes p to its sending endpoint (creating endpoints lazily,
// the first time each side is seen) and, if the packet acknowledges
// data, runs it through the receiving endpoint's ACK processing. Returns
// false if the sending endpoint has latched bogus; the packet is still
// recorded either way.
func (f *Flow) AddPacket(p *packet.Packet, processPacket bool) bool {
	if f.EndpointA == nil {
		f.EndpointA = endpoint.New(p)
	}

	if processPacket {
		f.checkForMSS(p)
	}

	var sender, receiver *endpoint.Endpoint
	if p.SrcIP.Equal(f.EndpointA.Addr) && p.SrcPort == f.EndpointA.Port {
		sender, receiver = f.EndpointA, f.EndpointB
	} else {
		if f.EndpointB == nil {
			f.EndpointB = endpoint.New(p)
			if f.mssA != 0 {
				f.EndpointA.SetMSS(f.mssA)
			}
			if f.mssB != 0 {
				f.EndpointB.SetMSS(f.mssB)
			}
		}
		sender, receiver = f.EndpointB, f.EndpointA
	}

	f.packets = append(f.packets, p)
	sender.AddPacket(p, processPacket)

	if processPacket && p.Flags.Has(packet.FlagACK) && receiver != nil {
		receiver.ProcessAck(p)
	}

	return !sender.IsBogus
}

// checkForMSS buffers the MSS advertised by a SYN so the other endpoint
// (not yet necessarily created) can adopt it once it exists. Timestamps,
// if enabled, cost 12 bytes of the advertised value.
func (f *Flow) checkForMSS(p *packet.Packet) {
	if !p.Flags.Has(packet.FlagSYN) || p.MSSOptValue == 0 {
		return
	}
	mss := uint32(p.MSSOptValue)
	if p.TimestampOK {
		mss -= 12
	}

	if f.EndpointA != nil && p.SrcIP.Equal(f.EndpointA.Addr) && p.SrcPort == f.EndpointA.Port {
		f.mssB = mss
	} else {
		f.mssA = mss
	}
}

// SplitIntoSegments splits the flow's packet history into request/response
// segments: a new segment starts each time the sending side returns to
// endpoint A after having sent from B, i.e. each full round trip of data.
// Non-data packets stay attached to the current segment without shifting
// it.
func (f *Flow) SplitIntoSegments() []*Flow {
	if len(f.packets) == 0 {
		return nil
	}

	var segments []*Flow
	currentSegment := New(f.ID)
	segments = append(segments, currentSegment)
	currentSenderIsA := true

	for _, p := range f.packets {
		if p.DataLen == 0 {
			currentSegment.AddPacket(p, false)
			continue
		}

		senderIsA := p.SrcIP.Equal(f.EndpointA.Addr) && p.SrcPort == f.EndpointA.Port
		if senderIsA != currentSenderIsA {
			if currentSenderIsA {
				currentSenderIsA = false
			} else {
				currentSenderIsA = true
				currentSegment = New(f.ID)
				segments = append(segments, currentSegment)
			}
		}
		currentSegment.AddPacket(p, false)
	}

	return segments
}
