package flow

import (
	"github.com/m-lab/tcp-latency-attribution/internal/packet"
)

// Map indexes every flow seen in a capture by its symmetric 4-tuple: a
// packet matches an existing flow if its 4-tuple, or its reverse, is
// already a key. A flow reusing the same 4-tuple after a full close is
// not distinguished from the original connection.
type Map struct {
	flows     map[string]*Flow
	order     []*Flow
	nextIndex uint32
}

// NewMap creates an empty flow map.
func NewMap() *Map {
	return &Map{flows: make(map[string]*Flow)}
}

// Flows returns every flow in first-seen order.
func (m *Map) Flows() []*Flow { return m.order }

// AddPacket routes p to its flow (creating one if neither its forward nor
// reverse 4-tuple has been seen before), stamping it with the map's
// capture-order arrival index. Returns false if the owning endpoint
// reported bogus data.
func (m *Map) AddPacket(p *packet.Packet) bool {
	p.ArrivalIndex = int(m.nextIndex)
	m.nextIndex++

	id := ID{SrcIP: p.SrcIP, DstIP: p.DstIP, SrcPort: p.SrcPort, DstPort: p.DstPort}
	key := id.key()

	f, ok := m.flows[key]
	if !ok {
		revKey := id.reverse().key()
		f, ok = m.flows[revKey]
		if !ok {
			f = New(id)
			m.flows[key] = f
			m.order = append(m.order, f)
		} else {
			key = revKey
		}
	}

	return f.AddPacket(p, true)
}
