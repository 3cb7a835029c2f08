// Package rtt implements the RFC 6298 smoothed-RTT/RTO estimator, with the
// Linux kernel's integer scaling and the TLP (tail loss probe) extension.
package rtt

import (
	"github.com/m-lab/tcp-latency-attribution/internal/seq"
)

// Timing constants, microseconds. These mirror RFC 6298 defaults as used by
// the Linux kernel and are not configurable: the spec adopts them verbatim
// for reproducible output.
const (
	ClockGranularityUs uint64 = 1000
	MinRTOUs           uint64 = 200e3
	MaxRTOUs           uint64 = 120e6
	MaxDelayedAckUs    uint64 = 200e3
)

// Sample is one RTT observation, tied to the packet it came from and the
// sequence state at the time.
type Sample struct {
	PacketIndex int
	RTTUs       uint64
	SeqAcked    seq.Num
	SeqNext     seq.Num
}

// Timer tracks the smoothed RTT state machine and produces RTO/TLP
// estimates from it. The zero value is ready to use.
type Timer struct {
	initialized bool

	smoothedRTTx8 uint64
	rttVarX4      uint64
	meanDevX4     uint64
	maxMeanDevX4  uint64
	nextSeq       seq.Num

	Samples []Sample
}

// AddSample folds a new RTT observation (in microseconds) into the smoothed
// estimate, following RFC 6298 with the Linux kernel's asymmetric
// mean-deviation update.
func (t *Timer) AddSample(packetIndex int, rttUs uint64, seqAcked, seqNext seq.Num) {
	t.Samples = append(t.Samples, Sample{PacketIndex: packetIndex, RTTUs: rttUs, SeqAcked: seqAcked, SeqNext: seqNext})

	if !t.initialized {
		t.smoothedRTTx8 = rttUs * 8
		t.meanDevX4 = rttUs * 2
		t.rttVarX4 = t.meanDevX4
		if t.rttVarX4 < MinRTOUs {
			t.rttVarX4 = MinRTOUs
		}
		t.maxMeanDevX4 = t.rttVarX4
		t.nextSeq = seqNext
		t.initialized = true
		return
	}

	rttErr := int64(rttUs) - int64(t.smoothedRTTx8/8)
	t.smoothedRTTx8 = uint64(int64(t.smoothedRTTx8) + rttErr)

	var meanDevUpdate int64
	if rttErr < 0 {
		meanDevUpdate = -rttErr - int64(t.meanDevX4)/4
		if meanDevUpdate > 0 {
			meanDevUpdate >>= 3
		}
	} else {
		meanDevUpdate = rttErr - int64(t.meanDevX4)/4
	}
	t.meanDevX4 = uint64(int64(t.meanDevX4) + meanDevUpdate)

	if t.meanDevX4 > t.maxMeanDevX4 {
		t.maxMeanDevX4 = t.meanDevX4
		if t.maxMeanDevX4 > t.rttVarX4 {
			t.rttVarX4 = t.maxMeanDevX4
		}
	}

	if seq.After(seqAcked, t.nextSeq) {
		if t.maxMeanDevX4 < t.rttVarX4 {
			t.rttVarX4 -= (t.rttVarX4 - t.maxMeanDevX4) / 4
		}
		t.nextSeq = seqNext
		t.maxMeanDevX4 = MinRTOUs
	}
}

// RTO returns the retransmission timeout after numBackoffs consecutive
// exponential backoffs.
func (t *Timer) RTO(numBackoffs uint16) uint64 {
	if !t.initialized {
		return MinRTOUs
	}
	// rttVarX4 already carries the RFC 6298 "4*RTTVAR" scaling, so it is
	// added to the smoothed RTT directly rather than divided down again.
	rttVar := t.rttVarX4
	if ClockGranularityUs > rttVar {
		rttVar = ClockGranularityUs
	}
	base := t.smoothedRTTx8/8 + rttVar
	return AdjustRTOForBackoff(base, numBackoffs)
}

// AdjustRTOForBackoff left-shifts base by numBackoffs (exponential backoff),
// clamped to [MinRTOUs, MaxRTOUs].
func AdjustRTOForBackoff(base uint64, numBackoffs uint16) uint64 {
	rto := base
	for i := uint16(0); i < numBackoffs; i++ {
		if rto >= MaxRTOUs {
			rto = MaxRTOUs
			break
		}
		rto <<= 1
	}
	if rto < MinRTOUs {
		rto = MinRTOUs
	}
	if rto > MaxRTOUs {
		rto = MaxRTOUs
	}
	return rto
}

// TLP returns the tail loss probe interval. delayedAck indicates whether
// exactly one non-lost packet remains unacked (see endpoint.ArmTimers).
func (t *Timer) TLP(delayedAck bool) uint64 {
	rto := t.RTO(0)
	rttUs := t.smoothedRTTx8 / 8
	var tlp uint64
	if delayedAck {
		tlp = rttUs + rttUs/2 + MaxDelayedAckUs
		if twoRTT := 2 * rttUs; twoRTT > tlp {
			tlp = twoRTT
		}
	} else {
		tlp = 2 * rttUs
	}
	if tlp > rto {
		tlp = rto
	}
	return tlp
}

// RTTUs returns the current smoothed RTT in microseconds, or 0 if no sample
// has been observed yet.
func (t *Timer) RTTUs() uint64 {
	return t.smoothedRTTx8 / 8
}

// Initialized reports whether at least one sample has been applied.
func (t *Timer) Initialized() bool {
	return t.initialized
}
