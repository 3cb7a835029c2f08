package rtt

import "testing"

func TestRTOBeforeAnySample(t *testing.T) {
	var timer Timer
	if got := timer.RTO(0); got != MinRTOUs {
		t.Errorf("expected MinRTOUs before any sample, got %d", got)
	}
}

func TestFirstSampleInitializesState(t *testing.T) {
	var timer Timer
	timer.AddSample(0, 100000, 1, 2)
	if !timer.Initialized() {
		t.Fatal("expected timer to be initialized after first sample")
	}
	if timer.RTTUs() != 100000 {
		t.Errorf("expected smoothed RTT to equal the first sample, got %d", timer.RTTUs())
	}
}

func TestRTOMonotonicInBackoffsClampedAtMax(t *testing.T) {
	var timer Timer
	timer.AddSample(0, 50000, 1, 2)
	prev := timer.RTO(0)
	for n := uint16(1); n < 40; n++ {
		cur := timer.RTO(n)
		if cur < prev {
			t.Fatalf("RTO decreased at backoff %d: %d -> %d", n, prev, cur)
		}
		if cur < MinRTOUs || cur > MaxRTOUs {
			t.Fatalf("RTO %d out of bounds at backoff %d", cur, n)
		}
		prev = cur
	}
	if timer.RTO(40) != MaxRTOUs {
		t.Errorf("expected RTO to clamp at MaxRTOUs, got %d", timer.RTO(40))
	}
}

func TestTLPNeverExceedsRTO(t *testing.T) {
	var timer Timer
	timer.AddSample(0, 300000, 1, 2)
	if tlp := timer.TLP(false); tlp > timer.RTO(0) {
		t.Errorf("TLP %d should not exceed RTO %d", tlp, timer.RTO(0))
	}
	if tlp := timer.TLP(true); tlp > timer.RTO(0) {
		t.Errorf("delayed-ack TLP %d should not exceed RTO %d", tlp, timer.RTO(0))
	}
}

func TestTLPDelayedAckIsAtLeastAsLargeAsNormal(t *testing.T) {
	var timer Timer
	timer.AddSample(0, 50000, 1, 2)
	normal := timer.TLP(false)
	delayed := timer.TLP(true)
	if delayed < normal {
		t.Errorf("delayed-ack TLP (%d) should be >= normal TLP (%d)", delayed, normal)
	}
}

func TestAdjustRTOForBackoffClamps(t *testing.T) {
	if got := AdjustRTOForBackoff(MinRTOUs, 0); got != MinRTOUs {
		t.Errorf("zero backoffs should return base unchanged, got %d", got)
	}
	if got := AdjustRTOForBackoff(MaxRTOUs, 5); got != MaxRTOUs {
		t.Errorf("backoff from MaxRTOUs should stay clamped, got %d", got)
	}
}
