// Package report builds the CSV output row for one (flow, direction) pair
// from a reconstructed endpoint's delay attribution.
package report

import (
	"reflect"

	"github.com/m-lab/tcp-latency-attribution/internal/attribution"
	"github.com/m-lab/tcp-latency-attribution/internal/endpoint"
)

// TargetRelativeSeqs is the fixed set of relative sequence numbers the
// timer-estimate table reports against.
var TargetRelativeSeqs = []uint32{1, 20480, 51200, 102400, 204800, 512000, 1024000}

// Row is one output CSV record: the column order matches the struct field
// order for both the schema dump (ColumnNames reflects over the csv tags)
// and the data rows (written by gocsv).
type Row struct {
	File      string `csv:"file"`
	FlowIndex int    `csv:"flow_index"`
	Direction string `csv:"direction"`

	NumDataPackets           uint32 `csv:"num_data_packets"`
	NumLostPackets           uint32 `csv:"num_lost_packets"`
	NumMissingTriggerPackets uint32 `csv:"num_missing_trigger_packets"`

	OverallUs     uint64 `csv:"overall_us"`
	PropagationUs uint64 `csv:"propagation_us"`
	LossUs        uint64 `csv:"loss_us"`
	LossTriggerUs uint64 `csv:"loss_trigger_us"`
	QueueingUs    uint64 `csv:"queueing_us"`
	OtherUs       uint64 `csv:"other_us"`

	NoQueueTimeoutUs        uint64 `csv:"no_queue_timeout_us"`
	TimeoutUs               uint64 `csv:"timeout_us"`
	LateAckArmsUs           uint64 `csv:"late_ack_arms_us"`
	LateAckTriggersUs       uint64 `csv:"late_ack_triggers_us"`
	LateTriggerForTriggerUs uint64 `csv:"late_trigger_for_trigger_us"`

	Correlation float64 `csv:"correlation"`
	C0          float64 `csv:"c_0"`
	C1          float64 `csv:"c_1"`
	SumSqError  float64 `csv:"sum_sq_error"`

	GoodputBeforeWorstBps      uint64 `csv:"goodput_before_worst_bps"`
	BytesAckedBeforeWorst      uint64 `csv:"bytes_acked_before_worst"`
	BytesNeededBuffered        uint64 `csv:"bytes_needed_buffered"`
	BytesUnacked               uint32 `csv:"bytes_unacked"`

	Seq1RTOUs                        uint64 `csv:"seq_1_rto_us"`
	Seq1TLPUs                        uint64 `csv:"seq_1_tlp_us"`
	Seq1TLPDelayedAckUs               uint64 `csv:"seq_1_tlp_delayed_ack_us"`
	Seq1QueueFreeRTOUs                uint64 `csv:"seq_1_queue_free_rto_us"`
	Seq1QueueFreeTLPUs                uint64 `csv:"seq_1_queue_free_tlp_us"`
	Seq1QueueFreeTLPDelayedAckUs      uint64 `csv:"seq_1_queue_free_tlp_delayed_ack_us"`

	Seq20480RTOUs                     uint64 `csv:"seq_20480_rto_us"`
	Seq20480TLPUs                     uint64 `csv:"seq_20480_tlp_us"`
	Seq20480TLPDelayedAckUs            uint64 `csv:"seq_20480_tlp_delayed_ack_us"`
	Seq20480QueueFreeRTOUs             uint64 `csv:"seq_20480_queue_free_rto_us"`
	Seq20480QueueFreeTLPUs             uint64 `csv:"seq_20480_queue_free_tlp_us"`
	Seq20480QueueFreeTLPDelayedAckUs   uint64 `csv:"seq_20480_queue_free_tlp_delayed_ack_us"`

	Seq51200RTOUs                     uint64 `csv:"seq_51200_rto_us"`
	Seq51200TLPUs                     uint64 `csv:"seq_51200_tlp_us"`
	Seq51200TLPDelayedAckUs            uint64 `csv:"seq_51200_tlp_delayed_ack_us"`
	Seq51200QueueFreeRTOUs             uint64 `csv:"seq_51200_queue_free_rto_us"`
	Seq51200QueueFreeTLPUs             uint64 `csv:"seq_51200_queue_free_tlp_us"`
	Seq51200QueueFreeTLPDelayedAckUs   uint64 `csv:"seq_51200_queue_free_tlp_delayed_ack_us"`

	Seq102400RTOUs                    uint64 `csv:"seq_102400_rto_us"`
	Seq102400TLPUs                    uint64 `csv:"seq_102400_tlp_us"`
	Seq102400TLPDelayedAckUs           uint64 `csv:"seq_102400_tlp_delayed_ack_us"`
	Seq102400QueueFreeRTOUs            uint64 `csv:"seq_102400_queue_free_rto_us"`
	Seq102400QueueFreeTLPUs            uint64 `csv:"seq_102400_queue_free_tlp_us"`
	Seq102400QueueFreeTLPDelayedAckUs  uint64 `csv:"seq_102400_queue_free_tlp_delayed_ack_us"`

	Seq204800RTOUs                    uint64 `csv:"seq_204800_rto_us"`
	Seq204800TLPUs                    uint64 `csv:"seq_204800_tlp_us"`
	Seq204800TLPDelayedAckUs           uint64 `csv:"seq_204800_tlp_delayed_ack_us"`
	Seq204800QueueFreeRTOUs            uint64 `csv:"seq_204800_queue_free_rto_us"`
	Seq204800QueueFreeTLPUs            uint64 `csv:"seq_204800_queue_free_tlp_us"`
	Seq204800QueueFreeTLPDelayedAckUs  uint64 `csv:"seq_204800_queue_free_tlp_delayed_ack_us"`

	Seq512000RTOUs                    uint64 `csv:"seq_512000_rto_us"`
	Seq512000TLPUs                    uint64 `csv:"seq_512000_tlp_us"`
	Seq512000TLPDelayedAckUs           uint64 `csv:"seq_512000_tlp_delayed_ack_us"`
	Seq512000QueueFreeRTOUs            uint64 `csv:"seq_512000_queue_free_rto_us"`
	Seq512000QueueFreeTLPUs            uint64 `csv:"seq_512000_queue_free_tlp_us"`
	Seq512000QueueFreeTLPDelayedAckUs  uint64 `csv:"seq_512000_queue_free_tlp_delayed_ack_us"`

	Seq1024000RTOUs                    uint64 `csv:"seq_1024000_rto_us"`
	Seq1024000TLPUs                    uint64 `csv:"seq_1024000_tlp_us"`
	Seq1024000TLPDelayedAckUs          uint64 `csv:"seq_1024000_tlp_delayed_ack_us"`
	Seq1024000QueueFreeRTOUs           uint64 `csv:"seq_1024000_queue_free_rto_us"`
	Seq1024000QueueFreeTLPUs           uint64 `csv:"seq_1024000_queue_free_tlp_us"`
	Seq1024000QueueFreeTLPDelayedAckUs uint64 `csv:"seq_1024000_queue_free_tlp_delayed_ack_us"`
}

// BuildRow runs the full delay-attribution analysis for one endpoint and
// assembles its output row.
func BuildRow(file string, flowIndex int, direction string, e *endpoint.Endpoint) Row {
	a := attribution.New(e)
	d := a.AnalyzeTailLatency(nil)
	estimates := a.GetTimerEstimates(TargetRelativeSeqs)

	fit, _ := a.Fit()

	row := Row{
		File:      file,
		FlowIndex: flowIndex,
		Direction: direction,

		NumDataPackets:           e.GetNumDataPackets(),
		NumLostPackets:           e.GetNumLosses(),
		NumMissingTriggerPackets: e.GetNumMissingTriggerPackets(),

		OverallUs:     d.OverallUs,
		PropagationUs: d.PropagationUs,
		LossUs:        d.LossUs,
		LossTriggerUs: d.LossTriggerUs,
		QueueingUs:    d.QueueingUs,
		OtherUs:       d.OtherUs,

		NoQueueTimeoutUs:        d.LossTriggerBreakdown.NoQueueTimeoutUs,
		TimeoutUs:               d.LossTriggerBreakdown.TimeoutUs,
		LateAckArmsUs:           d.LossTriggerBreakdown.LateAckArmsUs,
		LateAckTriggersUs:       d.LossTriggerBreakdown.LateAckTriggersUs,
		LateTriggerForTriggerUs: d.LossTriggerBreakdown.LateTriggerForTriggerUs,

		Correlation: a.Correlation(),
		C0:          fit.C0,
		C1:          fit.C1,
		SumSqError:  fit.SumSq,

		GoodputBeforeWorstBps: d.GoodputBeforeWorstPacketBps,
		BytesAckedBeforeWorst: d.BytesAckedBeforeWorstPacket,
		BytesNeededBuffered:   d.BytesNeededBuffered,
		BytesUnacked:          d.BytesUnacked,
	}

	applyEstimates(&row, estimates)
	return row
}

func applyEstimates(row *Row, estimates []attribution.TimerEstimate) {
	setters := []func(attribution.TimerEstimate){
		func(e attribution.TimerEstimate) {
			row.Seq1RTOUs, row.Seq1TLPUs, row.Seq1TLPDelayedAckUs = e.RTOUs, e.TLPUs, e.TLPDelayedAckUs
			row.Seq1QueueFreeRTOUs, row.Seq1QueueFreeTLPUs, row.Seq1QueueFreeTLPDelayedAckUs =
				e.QueueFreeRTOUs, e.QueueFreeTLPUs, e.QueueFreeTLPDelayedAckUs
		},
		func(e attribution.TimerEstimate) {
			row.Seq20480RTOUs, row.Seq20480TLPUs, row.Seq20480TLPDelayedAckUs = e.RTOUs, e.TLPUs, e.TLPDelayedAckUs
			row.Seq20480QueueFreeRTOUs, row.Seq20480QueueFreeTLPUs, row.Seq20480QueueFreeTLPDelayedAckUs =
				e.QueueFreeRTOUs, e.QueueFreeTLPUs, e.QueueFreeTLPDelayedAckUs
		},
		func(e attribution.TimerEstimate) {
			row.Seq51200RTOUs, row.Seq51200TLPUs, row.Seq51200TLPDelayedAckUs = e.RTOUs, e.TLPUs, e.TLPDelayedAckUs
			row.Seq51200QueueFreeRTOUs, row.Seq51200QueueFreeTLPUs, row.Seq51200QueueFreeTLPDelayedAckUs =
				e.QueueFreeRTOUs, e.QueueFreeTLPUs, e.QueueFreeTLPDelayedAckUs
		},
		func(e attribution.TimerEstimate) {
			row.Seq102400RTOUs, row.Seq102400TLPUs, row.Seq102400TLPDelayedAckUs = e.RTOUs, e.TLPUs, e.TLPDelayedAckUs
			row.Seq102400QueueFreeRTOUs, row.Seq102400QueueFreeTLPUs, row.Seq102400QueueFreeTLPDelayedAckUs =
				e.QueueFreeRTOUs, e.QueueFreeTLPUs, e.QueueFreeTLPDelayedAckUs
		},
		func(e attribution.TimerEstimate) {
			row.Seq204800RTOUs, row.Seq204800TLPUs, row.Seq204800TLPDelayedAckUs = e.RTOUs, e.TLPUs, e.TLPDelayedAckUs
			row.Seq204800QueueFreeRTOUs, row.Seq204800QueueFreeTLPUs, row.Seq204800QueueFreeTLPDelayedAckUs =
				e.QueueFreeRTOUs, e.QueueFreeTLPUs, e.QueueFreeTLPDelayedAckUs
		},
		func(e attribution.TimerEstimate) {
			row.Seq512000RTOUs, row.Seq512000TLPUs, row.Seq512000TLPDelayedAckUs = e.RTOUs, e.TLPUs, e.TLPDelayedAckUs
			row.Seq512000QueueFreeRTOUs, row.Seq512000QueueFreeTLPUs, row.Seq512000QueueFreeTLPDelayedAckUs =
				e.QueueFreeRTOUs, e.QueueFreeTLPUs, e.QueueFreeTLPDelayedAckUs
		},
		func(e attribution.TimerEstimate) {
			row.Seq1024000RTOUs, row.Seq1024000TLPUs, row.Seq1024000TLPDelayedAckUs = e.RTOUs, e.TLPUs, e.TLPDelayedAckUs
			row.Seq1024000QueueFreeRTOUs, row.Seq1024000QueueFreeTLPUs, row.Seq1024000QueueFreeTLPDelayedAckUs =
				e.QueueFreeRTOUs, e.QueueFreeTLPUs, e.QueueFreeTLPDelayedAckUs
		},
	}
	for i, set := range setters {
		if i < len(estimates) {
			set(estimates[i])
		}
	}
}

// ColumnNames returns the csv struct tag for every field of Row, in
// declaration order, for the -p schema dump.
func ColumnNames() []string {
	t := reflect.TypeOf(Row{})
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		names = append(names, t.Field(i).Tag.Get("csv"))
	}
	return names
}
