// Package attribution implements the delay-attribution engine: given a
// reconstructed endpoint, it picks the packet with the worst observed
// tail latency and splits that latency into propagation, loss,
// loss-trigger, queueing, and unexplained components.
package attribution

import (
	"sort"

	"github.com/m-lab/tcp-latency-attribution/internal/endpoint"
	"github.com/m-lab/tcp-latency-attribution/internal/packet"
	"github.com/m-lab/tcp-latency-attribution/internal/rtt"
	"github.com/m-lab/tcp-latency-attribution/internal/stats"
)

// MinUnackedBytesRttCorrelation is the minimum Pearson correlation a
// linear fit of unacked-bytes-vs-RTT must reach before any delay is
// attributed to queueing.
const MinUnackedBytesRttCorrelation = 0.5

// TriggerDelays breaks down the delay caused by a retransmission trigger
// chain arriving later than it could have.
type TriggerDelays struct {
	NoQueueTimeoutUs        uint64
	TimeoutUs               uint64
	LateAckArmsUs           uint64
	LateAckTriggersUs       uint64
	LateTriggerForTriggerUs uint64
}

// Total sums the trigger-delay components attributed to late triggers and
// queue-inflated timers. NoQueueTimeoutUs is not included.
func (t TriggerDelays) Total() uint64 {
	return t.TimeoutUs + t.LateAckArmsUs + t.LateAckTriggersUs + t.LateTriggerForTriggerUs
}

// Delays is the five-way split of a connection's worst observed tail
// latency, plus the goodput figures used to contextualize it.
type Delays struct {
	OverallUs        uint64
	PropagationUs    uint64
	LossUs           uint64
	TimeToFirstRtxUs uint64

	LossTriggerUs        uint64
	LossTriggerBreakdown TriggerDelays

	QueueingUs uint64
	OtherUs    uint64

	GoodputBeforeWorstPacketBps uint64
	BytesAckedBeforeWorstPacket uint64
	BytesNeededBuffered         uint64

	BytesUnacked uint32
}

func (d *Delays) setOtherDelay() {
	allDelays := d.PropagationUs + d.LossUs + d.LossTriggerUs + d.QueueingUs
	if allDelays > d.OverallUs {
		d.OtherUs = 0
		return
	}
	d.OtherUs = d.OverallUs - allDelays
}

// TimerEstimate is one row of the timer-estimate table: the raw and
// queue-free RTO/TLP/delayed-ack-TLP values observed at the first packet
// reaching a requested relative sequence number.
type TimerEstimate struct {
	Seq uint32

	RTOUs           uint64
	TLPUs           uint64
	TLPDelayedAckUs uint64

	QueueFreeRTOUs           uint64
	QueueFreeTLPUs           uint64
	QueueFreeTLPDelayedAckUs uint64
}

type queueFreeSnapshot struct {
	ackIndex int
	rtoUs    uint64
	tlpUs    uint64
	tlpDAUs  uint64
}

// Analyzer computes delay attributions for a single reconstructed
// endpoint.
type Analyzer struct {
	endpoint *endpoint.Endpoint

	firstPacket *packet.Packet
	worstPacket *packet.Packet

	fit         stats.Fit
	correlation float64
	haveFit     bool

	noQueueTimeouts []queueFreeSnapshot
}

// New creates an analyzer for e. Callers should call AnalyzeTailLatency
// once the endpoint has consumed its full packet history.
func New(e *endpoint.Endpoint) *Analyzer {
	return &Analyzer{endpoint: e}
}

// Fit returns the linear fit used to estimate queueing delay, and whether
// one was found usable.
func (a *Analyzer) Fit() (stats.Fit, bool) { return a.fit, a.haveFit }

// Correlation returns the Pearson correlation of the fit in use.
func (a *Analyzer) Correlation() float64 { return a.correlation }

// AnalyzeTailLatency selects the worst-latency packet (optionally capped
// to a maximum relative sequence number) and attributes its delay.
func (a *Analyzer) AnalyzeTailLatency(maxRelativeSeq *uint32) Delays {
	a.selectWorstPacket(maxRelativeSeq)
	var d Delays
	if a.worstPacket == nil {
		return d
	}
	worst := a.worstPacket

	d.OverallUs = worst.AckDelayUs
	d.PropagationUs = a.endpoint.MinRttUs()
	d.BytesUnacked = uint32(worst.UnackedBytes)

	if worst.IsLost() {
		d.LossUs = worst.FinalRtxDelayUs
		d.TimeToFirstRtxUs = worst.RtxDelayUs
	}

	a.calculateRttLinearFit(worst)

	delivered := worst
	for delivered.IsLost() {
		delivered = delivered.Rtx
	}
	d.QueueingUs = a.queueingDelayFor(delivered)

	if worst.IsLost() {
		a.computeQueueFreeTimeouts()
		d.LossTriggerBreakdown = a.getTriggerDelay(delivered)
		d.LossTriggerUs = d.LossTriggerBreakdown.Total()
	}

	a.applyConstraints(&d)
	a.computeGoodputMetrics(&d, worst)

	return d
}

func (a *Analyzer) selectWorstPacket(maxRelativeSeq *uint32) {
	a.worstPacket = nil
	a.firstPacket = nil
	for _, p := range a.endpoint.Packets() {
		if p.DataLen == 0 {
			continue
		}
		if maxRelativeSeq != nil && p.RelativeSeq > *maxRelativeSeq {
			continue
		}
		if a.firstPacket == nil {
			a.firstPacket = p
		}
		if a.worstPacket == nil || p.AckDelayUs > a.worstPacket.AckDelayUs {
			a.worstPacket = p
		}
	}
}

// queueingDelayFor extrapolates the queueing delay suffered by p using the
// active linear fit of unacked-bytes-vs-RTT, evaluated at the bytes that
// were unacked just before p's own transmission.
func (a *Analyzer) queueingDelayFor(p *packet.Packet) uint64 {
	if !a.haveFit {
		return 0
	}
	if p.UnackedBytes <= uint64(p.DataLen) {
		return 0
	}
	unackedBeforeTx := p.UnackedBytes - uint64(p.DataLen)

	floor := a.fit.C0
	if a.endpoint.MinRttUs() > uint64(floor) {
		floor = float64(a.endpoint.MinRttUs())
	}
	estimate := a.fit.Predict(float64(unackedBeforeTx))
	if estimate < floor {
		return 0
	}
	return uint64(estimate - floor)
}

// calculateRttLinearFit tries three candidate sample sets (all usable
// pairs; a window around the worst packet; a window strictly before it)
// and keeps whichever produces the strongest correlation, provided it
// clears MinUnackedBytesRttCorrelation and has a positive slope.
func (a *Analyzer) calculateRttLinearFit(worst *packet.Packet) {
	a.haveFit = false

	candidates := [][]endpoint.Pair{
		a.endpoint.GetUnackedBytesRttPairs(),
		a.endpoint.GetUnackedBytesRttPairsAroundPacket(worst, 60, false),
		a.endpoint.GetUnackedBytesRttPairsAroundPacket(worst, 60, true),
	}

	var bestFit stats.Fit
	bestCorrelation := 0.0
	found := false

	for _, pairs := range candidates {
		if len(pairs) < 2 {
			continue
		}
		xs := make([]float64, len(pairs))
		ys := make([]float64, len(pairs))
		for i, pr := range pairs {
			xs[i], ys[i] = pr.UnackedBytes, pr.AckDelayUs
		}
		corr := stats.Correlation(xs, ys)
		if corr < bestCorrelation && found {
			continue
		}
		fit, ok := stats.LinearFit(xs, ys)
		if !ok {
			continue
		}
		bestFit, bestCorrelation, found = fit, corr, true
	}

	if !found || bestFit.C1 <= 0 || bestCorrelation < MinUnackedBytesRttCorrelation {
		return
	}
	a.fit = bestFit
	a.correlation = bestCorrelation
	a.haveFit = true
}

// getArmingTimerDelay attributes delay to the ACK that armed a timer, if
// that ACK itself was delayed by a trigger packet's queueing.
func (a *Analyzer) getArmingTimerDelay(armedBy *packet.Packet) uint64 {
	if armedBy == nil || !armedBy.Flags.Has(packet.FlagACK) || armedBy.TriggerPacket == nil {
		return 0
	}
	return a.queueingDelayFor(armedBy.TriggerPacket)
}

// getTriggerDelay walks p's retransmission-attempt chain backward from the
// successfully-delivered transmission toward the original, accumulating
// the delay caused by late triggers and inflated (queued) timers, until a
// step that was directly triggered by an incoming packet is found.
func (a *Analyzer) getTriggerDelay(p *packet.Packet) TriggerDelays {
	var out TriggerDelays
	cur := p

	for cur != nil {
		if cur.TriggerPacket != nil {
			out.LateAckTriggersUs += a.queueingDelayFor(cur.TriggerPacket)
			if cur.IsSlowStartRtx && cur.TriggerPacket.FirstTx != nil {
				sub := a.getTriggerDelay(cur.TriggerPacket.FirstTx)
				out.LateTriggerForTriggerUs += sub.Total()
			}
			break
		}

		var armedBy *packet.Packet
		if cur.IsRtoRtx {
			armedBy = cur.RTOInfo.ArmedBy
			noQueue := a.getQueueFreeRTO(cur)
			actual := cur.RTOInfo.DelayUs
			if actual > noQueue {
				out.TimeoutUs += actual - noQueue
			}
			out.NoQueueTimeoutUs += noQueue
		} else if cur.IsTlp {
			armedBy = cur.TLPInfo.ArmedBy
			var noQueue uint64
			if cur.TLPInfo.DelayedAck {
				noQueue = a.getQueueFreeDelayedTLP(cur)
			} else {
				noQueue = a.getQueueFreeTLP(cur)
			}
			actual := cur.TLPInfo.DelayUs
			if actual > noQueue {
				out.TimeoutUs += actual - noQueue
			}
			out.NoQueueTimeoutUs += noQueue
		}
		out.LateAckArmsUs += a.getArmingTimerDelay(armedBy)

		cur = cur.PrevTx
	}

	return out
}

// computeQueueFreeTimeouts replays every RTT sample through a fresh
// timer, subtracting each sample's estimated queueing delay, recording
// the RTO/TLP/delayed-ack-TLP the connection would have seen without
// queueing.
func (a *Analyzer) computeQueueFreeTimeouts() {
	a.noQueueTimeouts = a.noQueueTimeouts[:0]
	if !a.haveFit {
		return
	}

	var fresh rtt.Timer
	packets := a.endpoint.Packets()
	for _, s := range a.endpoint.Timer.Samples {
		if s.PacketIndex < 0 || s.PacketIndex >= len(packets) {
			continue
		}
		p := packets[s.PacketIndex]
		queueing := a.queueingDelayFor(p)
		adjusted := s.RTTUs
		if adjusted > queueing {
			adjusted -= queueing
		} else {
			adjusted = 0
		}
		fresh.AddSample(s.PacketIndex, adjusted, s.SeqAcked, s.SeqNext)

		ackIndex := p.ArrivalIndex
		if p.AckPacket != nil {
			ackIndex = p.AckPacket.ArrivalIndex
		}
		a.noQueueTimeouts = append(a.noQueueTimeouts, queueFreeSnapshot{
			ackIndex: ackIndex,
			rtoUs:    fresh.RTO(0),
			tlpUs:    fresh.TLP(false),
			tlpDAUs:  fresh.TLP(true),
		})
	}
}

// lookupQueueFree finds the queue-free snapshot with the largest
// ackIndex strictly before beforeIndex.
func (a *Analyzer) lookupQueueFree(beforeIndex int) (queueFreeSnapshot, bool) {
	var best queueFreeSnapshot
	found := false
	for _, snap := range a.noQueueTimeouts {
		if snap.ackIndex < beforeIndex && (!found || snap.ackIndex > best.ackIndex) {
			best = snap
			found = true
		}
	}
	return best, found
}

func (a *Analyzer) getQueueFreeRTO(p *packet.Packet) uint64 {
	armer := p.RTOInfo.ArmedBy
	if armer == nil {
		return 0
	}
	snap, ok := a.lookupQueueFree(armer.ArrivalIndex)
	if !ok {
		return 0
	}
	return rtt.AdjustRTOForBackoff(snap.rtoUs, p.RTOInfo.Backoffs)
}

func (a *Analyzer) getQueueFreeTLP(p *packet.Packet) uint64 {
	armer := p.TLPInfo.ArmedBy
	if armer == nil {
		return 0
	}
	snap, ok := a.lookupQueueFree(armer.ArrivalIndex)
	if !ok {
		return 0
	}
	return snap.tlpUs
}

func (a *Analyzer) getQueueFreeDelayedTLP(p *packet.Packet) uint64 {
	armer := p.TLPInfo.ArmedBy
	if armer == nil {
		return 0
	}
	snap, ok := a.lookupQueueFree(armer.ArrivalIndex)
	if !ok {
		return 0
	}
	return snap.tlpDAUs
}

// applyConstraints clamps and reconciles the delay components so they
// never exceed the overall observed delay.
func (a *Analyzer) applyConstraints(d *Delays) {
	ceiling := int64(d.OverallUs) - int64(d.LossUs) - int64(d.PropagationUs)
	if int64(d.QueueingUs) > ceiling {
		if ceiling < 0 {
			ceiling = 0
		}
		d.QueueingUs = uint64(ceiling)
	}

	lossAdjusted := int64(d.LossUs) - int64(d.LossTriggerBreakdown.Total())
	if lossAdjusted < 0 {
		lossAdjusted = 0
	}
	d.LossUs = uint64(lossAdjusted)

	baseLoss := d.LossTriggerBreakdown.NoQueueTimeoutUs
	if d.LossTriggerBreakdown.LateAckArmsUs != 0 || d.LossTriggerBreakdown.LateAckTriggersUs != 0 {
		baseLoss += d.PropagationUs
	}
	if d.LossUs < baseLoss {
		deficit := baseLoss - d.LossUs
		if deficit > d.LossTriggerUs {
			deficit = d.LossTriggerUs
		}
		d.LossTriggerUs -= deficit
		d.LossUs += deficit
	}

	d.setOtherDelay()
}

// computeGoodputMetrics fills in the goodput-before-worst-packet figures:
// bytes acked leading up to the worst packet, the implied goodput, and
// BytesNeededBuffered, which is the goodput rate multiplied by the
// interval between the last ACK seen before the worst packet was sent
// (LastAck) and the ACK that acknowledged it (AckPacket). ACK advances
// inside that interval are not subtracted, so this is the buffer that
// would fill if nothing drained during the whole interval.
func (a *Analyzer) computeGoodputMetrics(d *Delays, worst *packet.Packet) {
	d.BytesAckedBeforeWorstPacket = worst.AckedBytes
	if a.firstPacket == nil {
		return
	}
	elapsed := worst.TimestampUs - a.firstPacket.TimestampUs
	if elapsed <= 0 {
		return
	}
	d.GoodputBeforeWorstPacketBps = d.BytesAckedBeforeWorstPacket * 8e6 / uint64(elapsed)

	if worst.LastAck == nil || worst.AckPacket == nil {
		return
	}
	goodputBps := float64(d.GoodputBeforeWorstPacketBps)
	windowUs := float64(worst.AckPacket.TimestampUs - worst.LastAck.TimestampUs)
	if windowUs <= 0 {
		return
	}
	d.BytesNeededBuffered = uint64(goodputBps * windowUs / 8e6)
}

// GetTimerEstimates returns, for each requested relative sequence number
// (which must be sorted ascending), the raw and queue-free timer values
// observed at the first packet reaching it. Targets with no matching
// packet get a zeroed entry.
func (a *Analyzer) GetTimerEstimates(relativeSeqs []uint32) []TimerEstimate {
	if !sort.SliceIsSorted(relativeSeqs, func(i, j int) bool { return relativeSeqs[i] < relativeSeqs[j] }) {
		sorted := append([]uint32(nil), relativeSeqs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		relativeSeqs = sorted
	}

	a.computeQueueFreeTimeouts()

	packets := a.endpoint.Packets()
	out := make([]TimerEstimate, len(relativeSeqs))
	packetIdx := 0
	for i, target := range relativeSeqs {
		out[i].Seq = target
		for packetIdx < len(packets) && packets[packetIdx].RelativeSeq < target {
			packetIdx++
		}
		if packetIdx >= len(packets) {
			continue
		}
		p := packets[packetIdx]
		out[i].RTOUs = p.RTOInfo.DelayUs
		out[i].TLPUs = p.TLPInfo.DelayUs
		out[i].TLPDelayedAckUs = p.EstTLPDelayedAckUs

		if snap, ok := a.lookupQueueFree(p.ArrivalIndex + 1); ok {
			out[i].QueueFreeRTOUs = snap.rtoUs
			out[i].QueueFreeTLPUs = snap.tlpUs
			out[i].QueueFreeTLPDelayedAckUs = snap.tlpDAUs
		}
	}
	return out
}
