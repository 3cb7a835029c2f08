// Package packet defines the per-on-wire-packet record and the
// reconstructed annotations the endpoint state machine attaches to it.
package packet

import (
	"net"

	"github.com/m-lab/tcp-latency-attribution/internal/sacks"
	"github.com/m-lab/tcp-latency-attribution/internal/seq"
)

// Flags is the TCP control-bit byte.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// TimerInfo mirrors the original's TcpTimerInfo: a snapshot of which timer
// was armed, by what, and with what parameters.
type TimerInfo struct {
	ArmedBy     *Packet
	DelayUs     uint64
	Backoffs    uint16
	DelayedAck  bool
}

// FireUs returns the absolute capture time (microseconds) at which this
// timer is scheduled to fire, or 0 if it was never armed.
func (ti TimerInfo) FireUs() uint64 {
	if ti.ArmedBy == nil {
		return 0
	}
	return uint64(ti.ArmedBy.TimestampUs) + ti.DelayUs
}

// Clear resets the timer info to its unarmed state.
func (ti *TimerInfo) Clear() {
	*ti = TimerInfo{}
}

// Packet is one captured (or MSS-split, synthetic) TCP segment, together
// with the annotations the endpoint reconstructor (C5) attaches as it
// replays the capture. Packets are owned by the endpoint's arena (see
// endpoint.Endpoint.packets) for their whole lifetime; fields below that
// reference other packets are non-owning back-references into that arena
// and are nil until (or unless) the corresponding event occurs.
type Packet struct {
	// Arena position, assigned when the packet is appended to its
	// endpoint's packet list. Used only for index-based lookups (e.g. the
	// queue-free timeout table); not a byte offset into the capture.
	Index int
	// ArrivalIndex is the capture-order index assigned by the flow map,
	// shared across both directions of a flow.
	ArrivalIndex int

	TimestampUs int64

	SrcIP, DstIP net.IP
	SrcPort      uint16
	DstPort      uint16

	Seq     seq.Num
	Ack     seq.Num
	Flags   Flags
	DataLen uint32

	RelativeSeq uint32
	RelativeAck uint32

	Sacks             sacks.Set
	MSSOptValue       uint16
	TimestampOK       bool
	UnknownOptionSize uint32
	IsBogus           bool

	// --- reconstructed annotations, set by the endpoint reconstructor ---

	PrevPacket, NextPacket *Packet
	PrevTx, FirstTx, Rtx   *Packet
	TriggerPacket          *Packet

	OutOfOrder bool

	UnackedBytes uint64
	AckedBytes   uint64

	AckPacket  *Packet
	AckDelayUs uint64
	LastAck    *Packet

	RtxDelayUs      uint64
	FinalRtxDelayUs uint64
	NumRtxAttempts  uint32

	IsRtx          bool
	IsFastRtx      bool
	IsRtoRtx       bool
	IsSlowStartRtx bool
	IsTlp          bool
	IsSpuriousRtx  bool
	IsDupAck       bool

	RTOInfo TimerInfo
	TLPInfo TimerInfo

	// EstTLPDelayedAckUs is the delayed-ack variant of the TLP timeout
	// estimated at this packet's transmission time, kept alongside
	// TLPInfo.DelayUs (the normal variant) so GetTimerEstimates can report
	// both without re-running the timer.
	EstTLPDelayedAckUs uint64
}

// SeqEnd returns the sequence number one past the last byte carried by this
// packet (i.e. Seq+DataLen, or Seq+1 for a bare SYN).
func (p *Packet) SeqEnd() seq.Num {
	if p.DataLen == 0 && p.Flags.Has(FlagSYN) {
		return p.Seq + 1
	}
	return p.Seq + seq.Num(p.DataLen)
}

// RequiresAck mirrors the original's inline helper: data-carrying segments
// and SYNs consume sequence space and must eventually be acknowledged.
func (p *Packet) RequiresAck() bool {
	return p.DataLen > 0 || p.Flags.Has(FlagSYN)
}

// MissesTrigger reports whether this is a retransmission for which no
// cause (fast-retransmit, RTO, TLP, or DSACK-revealed spurious
// retransmission) could be identified.
func (p *Packet) MissesTrigger() bool {
	return p.IsRtx && !(p.IsFastRtx || p.IsRtoRtx || p.IsTlp || p.IsSpuriousRtx)
}

// IsLost reports whether this packet has a successor retransmission that
// is not itself spurious.
func (p *Packet) IsLost() bool {
	return p.Rtx != nil && !p.Rtx.IsSpuriousRtx
}

// IsFromSameEndpoint reports whether both packets were sent by the same
// (IP, port) pair.
func (p *Packet) IsFromSameEndpoint(other *Packet) bool {
	return p.SrcIP.Equal(other.SrcIP) && p.SrcPort == other.SrcPort
}

// IsSacked reports whether this packet's sequence range is fully covered
// by any range in sacks.
func (p *Packet) IsSacked(s *sacks.Set) bool {
	for _, r := range s.Ranges() {
		if seq.RangeIncluded(p.Seq, p.SeqEnd(), r.Left, r.Right) {
			return true
		}
	}
	return false
}

// FlagsString renders the set flags as e.g. "[SYN][ACK]", matching the
// original's FlagsAsString for log/debug output.
func (f Flags) String() string {
	out := ""
	for _, pair := range []struct {
		bit  Flags
		name string
	}{
		{FlagFIN, "FIN"}, {FlagSYN, "SYN"}, {FlagRST, "RST"}, {FlagPSH, "PSH"},
		{FlagACK, "ACK"}, {FlagURG, "URG"}, {FlagECE, "ECE"}, {FlagCWR, "CWR"},
	} {
		if f.Has(pair.bit) {
			out += "[" + pair.name + "]"
		}
	}
	return out
}
