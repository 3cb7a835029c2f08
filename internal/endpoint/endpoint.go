// Package endpoint implements the per-endpoint sender-state reconstructor:
// MSS inference, coalesced-segment splitting, retransmission
// classification, SACK-lookalike recovery, ACK/DSACK processing, and the
// bookkeeping the delay-attribution engine (package attribution) consumes.
package endpoint

import (
	"net"
	"time"

	"github.com/m-lab/go/logx"

	"github.com/m-lab/tcp-latency-attribution/internal/packet"
	"github.com/m-lab/tcp-latency-attribution/internal/rtt"
	"github.com/m-lab/tcp-latency-attribution/internal/sacks"
	"github.com/m-lab/tcp-latency-attribution/internal/seq"
)

// MaxTriggerPacketDelayUs is the maximum delay between an incoming packet
// and a transmission for the transmission to be considered triggered by
// that arrival.
const MaxTriggerPacketDelayUs = 2000

const (
	minMSS           = 536  // RFC 1122
	maxMSS           = 1460 // Ethernet v2 payload
	maxWireSegments  = 10   // coalesced-segment split cap; see design notes
	maxUnmatchedRtx  = 100
	minLookalikeSize = 10
	rtoWindowFrac    = 0.2
	tlpWindowFrac    = 0.2
)

var sparseLog = logx.NewLogEvery(nil, 100*time.Millisecond)

// Endpoint is one half of a TCP flow: the sender-side state machine that
// reconstructs retransmissions, SACK state, and timer arming from the
// stream of packets it transmits, and from the ACKs its peer sends back.
type Endpoint struct {
	Addr net.IP
	Port uint16

	mss uint32

	packets        []*packet.Packet
	unackedPackets []*packet.Packet
	lookalikes     []*packet.Packet // FIFO of SACK-lookalike dup-ACKs

	lastAck            *packet.Packet
	lastAckWithTrigger *packet.Packet
	currentPacket      *packet.Packet

	Sacks sacks.Set
	Timer rtt.Timer

	rtoInfo, tlpInfo packet.TimerInfo
	numRtos          uint16
	rtoHighSeq       seq.Num

	numDataPackets uint32
	seqAcked       seq.Num
	seqNext        seq.Num
	seqInit        seq.Num
	ack            seq.Num
	ackInit        seq.Num
	ackedBytes     uint64
	seqInitialized bool
	minRttUs       uint64
	unmatchedRtx   uint32

	IsBogus      bool
	isTLPEnabled bool
}

// New creates an endpoint for the sender of the given first packet.
func New(first *packet.Packet) *Endpoint {
	e := &Endpoint{
		Addr:         first.SrcIP,
		Port:         first.SrcPort,
		isTLPEnabled: true,
	}
	e.currentPacket = first
	e.SetInitialSequenceNumbers()
	return e
}

// MinRttUs returns the minimum observed ACK delay for an original (not
// retransmitted) transmission.
func (e *Endpoint) MinRttUs() uint64 { return e.minRttUs }

// Packets returns the endpoint's full wire-packet history in transmission
// order. Callers must not mutate the returned slice.
func (e *Endpoint) Packets() []*packet.Packet { return e.packets }

// GetUnackedBytes returns the number of bytes transmitted but not yet
// acknowledged (directly or via SACK).
func (e *Endpoint) GetUnackedBytes() uint64 {
	sacked := uint64(e.Sacks.NumBytes())
	span := uint64(seq.Diff(e.seqNext, e.seqAcked))
	if sacked > span {
		return 0
	}
	return span - sacked
}

// SetInitialSequenceNumbers latches the endpoint's initial sequence and ACK
// numbers from whatever packet is currently being processed, the first
// time each becomes available.
func (e *Endpoint) SetInitialSequenceNumbers() {
	tcp := e.currentPacket
	ackFlagSet := tcp.Flags.Has(packet.FlagACK)

	if e.seqInit == 0 {
		e.seqAcked = tcp.Seq
		e.seqInit = tcp.Seq
		e.seqNext = e.seqAcked + 1
	}
	if e.ackInit == 0 && ackFlagSet {
		e.ack = tcp.Ack
		e.ackInit = e.ack - 1
	}
	if e.seqInit != 0 && e.ackInit != 0 {
		e.seqInitialized = true
	}
}

// AddPacket ingests a packet transmitted by this endpoint. If
// processPacket is true the packet is split into MSS-sized wire packets
// and run through the full retransmission/timer pipeline; otherwise it is
// just linked into the packet history (used when replaying out-of-scope
// segments, e.g. regression-test flow splitting). Returns the wire packets
// produced.
func (e *Endpoint) AddPacket(p *packet.Packet, processPacket bool) []*packet.Packet {
	e.currentPacket = p
	if !e.seqInitialized {
		e.SetInitialSequenceNumbers()
	}

	if processPacket && e.mss == 0 {
		e.DeriveMSS()
	}

	var wirePackets []*packet.Packet
	if processPacket {
		wirePackets = e.SplitIntoWirePackets()
	} else {
		wirePackets = []*packet.Packet{e.currentPacket}
	}

	for _, wire := range wirePackets {
		wire.FirstTx = wire
		if len(e.packets) > 0 {
			previous := e.packets[len(e.packets)-1]
			wire.PrevPacket = previous
			previous.NextPacket = wire
		}
		e.currentPacket = wire
		wire.RelativeSeq = uint32(seq.Diff(wire.Seq, e.seqInit))
		wire.RelativeAck = uint32(seq.Diff(wire.Ack, e.ackInit))
		wire.AckedBytes = e.ackedBytes

		if processPacket && wire.RequiresAck() {
			if wire.DataLen > 0 {
				seqMoved := false
				if seq.After(wire.SeqEnd(), e.seqNext) {
					e.seqNext = wire.SeqEnd()
					seqMoved = true
				}
				if !seqMoved || e.rtoHighSeq != 0 {
					e.ProcessRtx(wire)
				}
				if e.rtoHighSeq != 0 && seq.After(e.seqNext, e.rtoHighSeq) {
					e.rtoHighSeq = 0
				}
				wire.UnackedBytes = e.GetUnackedBytes()
				wire.LastAck = e.lastAck
				wire.RTOInfo.DelayUs = e.Timer.RTO(e.numRtos)
				wire.TLPInfo.DelayUs = e.Timer.TLP(false)
				wire.EstTLPDelayedAckUs = e.Timer.TLP(true)
				e.numDataPackets++
			} else if wire.Flags.Has(packet.FlagSYN) {
				if len(e.unackedPackets) > 0 {
					e.ProcessRtx(wire)
				}
			}

			e.unackedPackets = append(e.unackedPackets, wire)
			if e.rtoInfo.ArmedBy == nil {
				e.ArmTimers(e.currentPacket)
			}
		}
		e.packets = append(e.packets, wire)
		wire.Index = len(e.packets) - 1
	}

	return wirePackets
}

// ArmTimers recomputes the RTO and TLP timeouts and sets p as the packet
// that armed them.
func (e *Endpoint) ArmTimers(p *packet.Packet) {
	e.rtoInfo.ArmedBy = p
	e.rtoInfo.DelayUs = e.Timer.RTO(e.numRtos)
	e.rtoInfo.Backoffs = e.numRtos
	e.tlpInfo.ArmedBy = p

	delayedAck := false
	for _, unacked := range e.unackedPackets {
		if !unacked.IsLost() {
			if delayedAck {
				delayedAck = false
				break
			}
			delayedAck = true
		}
	}
	e.tlpInfo.DelayUs = e.Timer.TLP(delayedAck)
	e.tlpInfo.DelayedAck = delayedAck
}

// DeriveMSS infers the maximum segment size from the first non-SYN payload
// processed, if it has not already been set from the SYN handshake by the
// owning flow.
func (e *Endpoint) DeriveMSS() {
	dataLen := e.currentPacket.DataLen
	if dataLen <= maxMSS {
		e.mss = dataLen
		return
	}
	for mult := uint32(2); mult <= 10; mult++ {
		if dataLen%mult == 0 && dataLen/mult <= maxMSS {
			e.mss = dataLen / mult
			break
		}
	}
}

// SetMSS installs a peer-advertised MSS (from the SYN exchange), bypassing
// inference.
func (e *Endpoint) SetMSS(mss uint32) {
	e.mss = mss
}

// SplitIntoWirePackets splits the current (possibly coalesced) packet into
// consecutive MSS-sized clones, capped at maxWireSegments segments.
func (e *Endpoint) SplitIntoWirePackets() []*packet.Packet {
	dataLen := e.currentPacket.DataLen
	if e.mss == 0 || dataLen <= e.mss {
		return []*packet.Packet{e.currentPacket}
	}

	var wirePackets []*packet.Packet
	var offset uint32
	for offset < dataLen && len(wirePackets) < maxWireSegments {
		segLen := e.mss
		if remaining := dataLen - offset; remaining < segLen {
			segLen = remaining
		}
		wirePackets = append(wirePackets, copyAndCut(e.currentPacket, offset, segLen))
		offset += segLen
	}
	if offset < dataLen {
		sparseLog.Println("coalesced segment exceeded the wire-packet split cap; remainder dropped")
	}
	return wirePackets
}

// copyAndCut clones p, shifting its sequence number by offset and reducing
// its captured payload length to dataLen.
func copyAndCut(p *packet.Packet, offset, dataLen uint32) *packet.Packet {
	clone := *p
	clone.Seq = p.Seq + seq.Num(offset)
	clone.DataLen = dataLen
	clone.PrevPacket, clone.NextPacket = nil, nil
	clone.PrevTx, clone.FirstTx, clone.Rtx = nil, nil, nil
	clone.TriggerPacket, clone.AckPacket, clone.LastAck = nil, nil, nil
	return &clone
}

// AdjustUnackedBytesCountsAfter corrects unacked_bytes snapshots for every
// packet transmitted after p (walking backwards from the most recent),
// following a retroactive SACK discovery. p may be a packet of either
// direction: the walk stops at p itself or at the first packet sent
// before p's timestamp.
func (e *Endpoint) AdjustUnackedBytesCountsAfter(p *packet.Packet, offset int64) {
	for i := len(e.packets) - 1; i >= 0; i-- {
		cur := e.packets[i]
		if cur == p || cur.TimestampUs < p.TimestampUs {
			return
		}
		cur.UnackedBytes = uint64(int64(cur.UnackedBytes) + offset)
	}
}

// TiePacketToSackLookalike tries to pair p with the oldest SACK-lookalike
// dup-ACK that arrived late enough (at least one RTT after p was sent) to
// plausibly be acknowledging it.
func (e *Endpoint) TiePacketToSackLookalike(p *packet.Packet) bool {
	for len(e.lookalikes) > 0 {
		possibleSack := e.lookalikes[0]
		e.lookalikes = e.lookalikes[1:]
		if uint64(p.TimestampUs)+e.minRttUs < uint64(possibleSack.TimestampUs) {
			e.HandleAckedPacket(p, possibleSack)
			e.Sacks.Add(sacks.Range{Left: p.Seq, Right: p.SeqEnd()})
			if e.lastAckWithTrigger == nil || possibleSack.TimestampUs > e.lastAckWithTrigger.TimestampUs {
				e.lastAckWithTrigger = possibleSack
				e.ArmTimers(possibleSack)
				e.AdjustUnackedBytesCountsAfter(possibleSack, -int64(p.DataLen))
			}
			return true
		}
	}
	return false
}

// CheckForSacksFromLookalikes ties every unacked, not-yet-retransmitted
// packet older than the packet currently being retransmitted to the next
// available SACK lookalike, recovering from truncated SACK options.
func (e *Endpoint) CheckForSacksFromLookalikes() {
	if len(e.lookalikes) == 0 {
		return
	}
	remaining := e.unackedPackets[:0]
	consumed := make(map[*packet.Packet]bool)
	for _, unacked := range e.unackedPackets {
		if len(e.lookalikes) == 0 {
			break
		}
		if !seq.After(e.currentPacket.Seq, unacked.Seq) {
			break
		}
		if !unacked.IsLost() && unacked.PrevTx == nil {
			if !e.TiePacketToSackLookalike(unacked) {
				break
			}
			consumed[unacked] = true
			continue
		}
	}
	if len(consumed) == 0 {
		return
	}
	var rebuilt []*packet.Packet
	for _, unacked := range e.unackedPackets {
		if !consumed[unacked] {
			rebuilt = append(rebuilt, unacked)
		}
	}
	e.unackedPackets = append(remaining, rebuilt...)
}

// ProcessRtx treats p as a retransmission: recovers any SACK-lookalike
// state, classifies the cause, links it to its earlier transmission, and
// marks intervening packets out of order.
func (e *Endpoint) ProcessRtx(p *packet.Packet) {
	e.CheckForSacksFromLookalikes()
	p.IsRtx = true

	if !e.FindRtxTrigger(p) {
		sparseLog.Println("could not determine retransmission trigger")
		e.unmatchedRtx++
		if e.unmatchedRtx > maxUnmatchedRtx {
			e.IsBogus = true
		}
	}
	e.LinkToPreviousTx(p)
	e.MarkPacketsOutOfOrder(p)
}

// CheckForTLP reports whether p matches the currently-armed TLP: it must
// carry the highest-ever sequence and land within 20% of the TLP's
// estimated fire time.
func (e *Endpoint) CheckForTLP(p *packet.Packet) bool {
	if e.tlpInfo.ArmedBy == nil || !e.isTLPEnabled {
		return false
	}
	armer := e.tlpInfo.ArmedBy
	if p.SeqEnd() != e.seqNext {
		return false
	}
	timeDiff := absDiff(int64(e.tlpInfo.FireUs()), p.TimestampUs)
	if float64(timeDiff) > tlpWindowFrac*float64(e.tlpInfo.DelayUs) {
		return false
	}
	e.tlpInfo.DelayUs = uint64(p.TimestampUs - armer.TimestampUs)
	p.IsTlp = true
	p.TLPInfo = e.tlpInfo
	return true
}

// CheckForRTO reports whether p matches the currently-armed RTO, handling
// the TLP/no-backoff-RTO reversal special case.
func (e *Endpoint) CheckForRTO(p *packet.Packet) bool {
	if e.rtoInfo.ArmedBy == nil {
		return false
	}
	armer := e.rtoInfo.ArmedBy
	timeDiff := absDiff(int64(e.rtoInfo.FireUs()), p.TimestampUs)
	if float64(timeDiff) > rtoWindowFrac*float64(e.rtoInfo.DelayUs) {
		if e.isTLPEnabled && e.numRtos == 1 && armer.IsTlp {
			e.numRtos--
			e.rtoHighSeq = 0
			armer.IsRtoRtx = false
			e.ArmTimers(armer)
			return e.CheckForRTO(p)
		}
		return false
	}
	e.rtoInfo.DelayUs = uint64(p.TimestampUs - armer.TimestampUs)

	p.IsRtoRtx = true
	p.RTOInfo = e.rtoInfo
	e.numRtos++
	e.rtoHighSeq = e.seqNext

	if e.numRtos == 1 && !p.IsTlp {
		e.isTLPEnabled = false
	}
	if e.numRtos == 2 && armer.IsTlp {
		e.isTLPEnabled = false
		armer.IsTlp = false
	}
	return true
}

// FindRtxTrigger applies the retransmission-classification rules in order:
// triggered-by-ACK, TLP, RTO.
func (e *Endpoint) FindRtxTrigger(p *packet.Packet) bool {
	if e.lastAck != nil {
		elapsed := p.TimestampUs - e.lastAck.TimestampUs
		if elapsed <= MaxTriggerPacketDelayUs {
			if e.lastAckWithTrigger != nil {
				p.TriggerPacket = e.lastAckWithTrigger.TriggerPacket
			}
			if e.rtoHighSeq != 0 {
				p.IsSlowStartRtx = true
			} else {
				p.IsFastRtx = true
			}
			return true
		}
	}

	hasTLP := e.CheckForTLP(p)
	hasRTO := e.CheckForRTO(p)
	if hasTLP || hasRTO {
		e.ArmTimers(p)
		e.tlpInfo.Clear()
		return true
	}
	return false
}

// LinkToPreviousTx walks the packet history from the back looking for the
// most recent transmission covering p's starting sequence, and if found,
// links the retransmission chain and propagates delay/attempt-count
// annotations to the chain's origin.
func (e *Endpoint) LinkToPreviousTx(p *packet.Packet) bool {
	for i := len(e.packets) - 1; i >= 0; i-- {
		previous := e.packets[i]
		if p.Seq == previous.Seq || seq.Between(p.Seq, previous.Seq, previous.SeqEnd()) {
			previous.Rtx = p
			p.PrevTx = previous
			p.FirstTx = previous.FirstTx

			currentTx := p
			for currentTx.PrevTx != nil {
				currentTx = currentTx.PrevTx
				delay := uint64(p.TimestampUs - currentTx.TimestampUs)
				if currentTx.RtxDelayUs == 0 {
					currentTx.RtxDelayUs = delay
				}
				if currentTx.PrevTx == nil {
					currentTx.FinalRtxDelayUs = delay
					currentTx.NumRtxAttempts++
				}
			}
			return true
		}
	}
	return false
}

// MarkPacketsOutOfOrder flags every data-carrying packet strictly between
// p's previous transmission and p itself as out of order.
func (e *Endpoint) MarkPacketsOutOfOrder(p *packet.Packet) {
	previousTx := p.PrevTx
	cur := p.PrevPacket
	for cur != previousTx && cur != nil {
		if cur.DataLen > 0 {
			cur.OutOfOrder = true
		}
		cur = cur.PrevPacket
	}
}

// ProcessAck folds an incoming ACK (from the peer) into this endpoint's
// state: cumulative ACK advance, dup-ACK/lookalike bookkeeping, ACKed/SACKed
// packet removal, and DSACK-driven spurious-retransmission marking.
func (e *Endpoint) ProcessAck(p *packet.Packet) {
	e.currentPacket = p
	e.lastAck = p

	ackMoved := seq.After(p.Ack, e.seqAcked)
	hasSacks := len(p.Sacks.Ranges()) > 0

	if ackMoved {
		e.ackedBytes += uint64(seq.Diff(p.Ack, e.seqAcked))
		e.seqAcked = p.Ack
		if seq.After(e.seqAcked, e.seqNext) {
			e.IsBogus = true
		}
		if e.rtoHighSeq != 0 && !seq.Before(e.seqAcked, e.rtoHighSeq) {
			e.rtoHighSeq = 0
		}
	} else if p.Ack == e.seqAcked {
		p.IsDupAck = true
		if p.UnknownOptionSize >= minLookalikeSize {
			e.lookalikes = append(e.lookalikes, p)
		}
	}

	if ackMoved || hasSacks {
		e.AckPackets()
		e.Sacks.AddSet(&p.Sacks)
		e.Sacks.RemoveAcked(e.seqAcked)
		e.numRtos = 0
	}
	if hasSacks {
		e.DSackPackets(p)
	}
}

// HandleAckedPacket records that ack acknowledged p: sets the ack
// annotations, updates the min-RTT estimate (for originals only), and
// feeds the RTT/RTO timer a sample when p was neither retransmitted nor
// itself a retransmission.
func (e *Endpoint) HandleAckedPacket(p, ack *packet.Packet) {
	p.AckPacket = ack
	p.AckDelayUs = uint64(ack.TimestampUs - p.TimestampUs)

	if p.PrevTx == nil && (p.AckDelayUs < e.minRttUs || e.minRttUs == 0) {
		e.minRttUs = p.AckDelayUs
	}

	ack.TriggerPacket = p

	if p.PrevTx == nil && p.Rtx == nil {
		e.Timer.AddSample(p.Index, p.AckDelayUs, e.seqAcked, e.seqNext)
	}
}

// AckPackets removes every unacked packet now covered by the cumulative
// ACK or a SACK block, re-arming the timers if anything newly ACKed.
func (e *Endpoint) AckPackets() {
	var remaining []*packet.Packet
	ackedData := false
	for _, unacked := range e.unackedPackets {
		if !seq.After(unacked.SeqEnd(), e.seqAcked) || unacked.IsSacked(&e.currentPacket.Sacks) {
			ackedData = true
			e.HandleAckedPacket(unacked, e.lastAck)
		} else {
			remaining = append(remaining, unacked)
		}
	}
	e.unackedPackets = remaining

	if ackedData {
		e.ArmTimers(e.lastAck)
		e.lastAckWithTrigger = e.lastAck
	}
	if len(e.unackedPackets) == 0 {
		e.rtoInfo.Clear()
		e.tlpInfo.Clear()
	}
}

// DSackPackets marks the most recent non-spurious retransmission covering
// each DSACK range (a SACK block fully below the cumulative ACK) as
// spurious.
func (e *Endpoint) DSackPackets(p *packet.Packet) {
	ack := p.Ack
	for _, r := range p.Sacks.Ranges() {
		if seq.Before(r.Left, ack) && !seq.After(r.Right, ack) {
			e.HandleSpuriousRtx(r.Left, r.Right)
		}
	}
}

// HandleSpuriousRtx finds, from the back, the most recent retransmission
// covering [seqStart, seqEnd) that is not already marked spurious, and
// marks it.
func (e *Endpoint) HandleSpuriousRtx(seqStart, seqEnd seq.Num) {
	for i := len(e.packets) - 1; i >= 0; i-- {
		p := e.packets[i]
		if p.IsRtx && !p.IsSpuriousRtx && seq.RangeIncluded(seqStart, seqEnd, p.Seq, p.SeqEnd()) {
			p.IsSpuriousRtx = true
			return
		}
	}
}

func absDiff(a, b int64) uint64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	return uint64(d)
}

// --- counting/collecting helpers (C5 predicate abstractions) ---

// CountWhere returns the number of packets for which pred returns true.
func (e *Endpoint) CountWhere(pred func(*packet.Packet) bool) uint32 {
	var count uint32
	for _, p := range e.packets {
		if pred(p) {
			count++
		}
	}
	return count
}

// GetNumLosses returns the number of packets that were marked as lost.
func (e *Endpoint) GetNumLosses() uint32 {
	return e.CountWhere(func(p *packet.Packet) bool { return p.IsLost() })
}

// GetNumDataPackets returns the number of packets carrying a payload.
func (e *Endpoint) GetNumDataPackets() uint32 {
	return e.CountWhere(func(p *packet.Packet) bool { return p.DataLen > 0 })
}

// GetNumSackPackets returns the number of packets that carried SACK
// blocks.
func (e *Endpoint) GetNumSackPackets() uint32 {
	return e.CountWhere(func(p *packet.Packet) bool { return len(p.Sacks.Ranges()) > 0 })
}

// GetNumMissingTriggerPackets returns the number of retransmissions for
// which no cause could be identified.
func (e *Endpoint) GetNumMissingTriggerPackets() uint32 {
	return e.CountWhere(func(p *packet.Packet) bool { return p.MissesTrigger() })
}

// GetRttsUs returns the ACK delays for data packets received in-order and
// not retransmitted: one RTT sample per such packet.
func (e *Endpoint) GetRttsUs() []uint64 {
	var out []uint64
	for _, p := range e.packets {
		if !p.IsLost() && !p.OutOfOrder && p.AckDelayUs != 0 {
			out = append(out, p.AckDelayUs)
		}
	}
	return out
}

// GetAckDelaysUs returns the ACK delays observed for every data packet
// transmitted, regardless of loss or ordering.
func (e *Endpoint) GetAckDelaysUs() []uint64 {
	var out []uint64
	for _, p := range e.packets {
		if p.DataLen > 0 && p.AckDelayUs != 0 {
			out = append(out, p.AckDelayUs)
		}
	}
	return out
}

// GetUnackedByteCounts returns the unacked-bytes snapshot observed at
// every data packet's transmission time.
func (e *Endpoint) GetUnackedByteCounts() []uint64 {
	var out []uint64
	for _, p := range e.packets {
		if p.DataLen > 0 {
			out = append(out, p.UnackedBytes)
		}
	}
	return out
}

// SetPassedBytesForPackets is a no-op placeholder retained for symmetry
// with the original's bytes-passed bookkeeping; this analyzer does not
// currently expose that metric, so the method intentionally does nothing
// beyond documenting the omission.
func (e *Endpoint) SetPassedBytesForPackets() {}

// GetGoodputBps computes this endpoint's goodput: bytes acked divided by
// the elapsed time between the first data packet and the last ACK
// covering any of that data. If cutOffAtLoss, only data up to the first
// loss is considered.
func (e *Endpoint) GetGoodputBps(cutOffAtLoss bool) uint64 {
	var bytesAcked uint64
	var firstDataTs, lastAckTs int64

	for _, p := range e.packets {
		if p.DataLen == 0 {
			continue
		}
		if firstDataTs == 0 {
			firstDataTs = p.TimestampUs
		}
		if p.IsLost() {
			if cutOffAtLoss {
				break
			}
			continue
		}
		if fire := p.TimestampUs + int64(p.AckDelayUs); fire > lastAckTs {
			lastAckTs = fire
		}
		bytesAcked += uint64(p.DataLen)
	}

	if firstDataTs == 0 || lastAckTs == 0 || firstDataTs == lastAckTs {
		return 0
	}
	elapsed := uint64(lastAckTs - firstDataTs)
	return bytesAcked * 8e6 / elapsed
}

// Pair is an (unacked bytes, ACK delay) sample used by the linear fit in
// the delay-attribution engine.
type Pair struct {
	UnackedBytes float64
	AckDelayUs   float64
}

func isUsableSample(p *packet.Packet) bool {
	return p.DataLen > 0 && p.PrevTx == nil && !p.IsLost() && !p.OutOfOrder && p.AckDelayUs != 0
}

// GetUnackedBytesRttPairs collects (unacked bytes, ACK delay) pairs across
// every original, in-order, non-lost data packet.
func (e *Endpoint) GetUnackedBytesRttPairs() []Pair {
	var out []Pair
	for _, p := range e.packets {
		if isUsableSample(p) {
			out = append(out, Pair{UnackedBytes: float64(p.UnackedBytes), AckDelayUs: float64(p.AckDelayUs)})
		}
	}
	return out
}

// GetUnackedBytesRttPairsAroundPacket collects up to numSamples usable
// pairs centered on target: half before, half after, unless
// useOlderPacketsOnly restricts it to numSamples pairs strictly before.
func (e *Endpoint) GetUnackedBytesRttPairsAroundPacket(target *packet.Packet, numSamples uint8, useOlderPacketsOnly bool) []Pair {
	maxDistance := int(numSamples) / 2
	if useOlderPacketsOnly {
		maxDistance = int(numSamples)
	}
	if maxDistance == 0 {
		return nil
	}

	before := make([]Pair, maxDistance)
	seen := false
	index := 0
	targetPos := -1
	for i, p := range e.packets {
		if p == target {
			seen = true
			targetPos = i
			break
		}
		if isUsableSample(p) {
			before[index%maxDistance] = Pair{UnackedBytes: float64(p.UnackedBytes), AckDelayUs: float64(p.AckDelayUs)}
			index++
		}
	}
	if !seen || index == 0 {
		return nil
	}

	endIndex := index - 1
	startIndex := index - maxDistance
	if startIndex < 0 {
		startIndex = 0
	}
	var out []Pair
	for i := startIndex; i <= endIndex; i++ {
		out = append(out, before[i%maxDistance])
	}
	if useOlderPacketsOnly {
		return out
	}

	seenAfter := 0
	for i := targetPos + 1; i < len(e.packets) && seenAfter < maxDistance; i++ {
		p := e.packets[i]
		if isUsableSample(p) {
			out = append(out, Pair{UnackedBytes: float64(p.UnackedBytes), AckDelayUs: float64(p.AckDelayUs)})
			seenAfter++
		}
	}
	return out
}

// RTOInfo and TLPInfo expose the currently armed timer descriptors.
func (e *Endpoint) RTOInfo() packet.TimerInfo { return e.rtoInfo }
func (e *Endpoint) TLPInfo() packet.TimerInfo { return e.tlpInfo }

// NumRtos returns the current number of consecutive RTOs.
func (e *Endpoint) NumRtos() uint16 { return e.numRtos }
