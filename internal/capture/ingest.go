package capture

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/m-lab/go/logx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/m-lab/tcp-latency-attribution/internal/flow"
)

var sparseDecodeLog = logx.NewLogEvery(nil, 100*time.Millisecond)

// PacketCount records, per analyzed capture, how many frames were
// replayed into the flow map.
var PacketCount = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "tcp_latency_attribution_pcap_packet_count",
	Help: "Distribution of packet counts across analyzed captures.",
	Buckets: []float64{
		1, 2, 3, 5,
		10, 18, 32, 56,
		100, 178, 316, 562,
		1000, 1780, 3160, 5620,
		10000, 17800, 31600, 56200, math.Inf(1),
	},
})

// DecodeErrors counts frames that failed to decode into a TCP packet,
// by reason.
var DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tcp_latency_attribution_pcap_decode_errors_total",
	Help: "Frames that could not be decoded into a TCP packet, by reason.",
}, []string{"reason"})

// LoadPcap opens the PCAP file at path and replays every TCP frame in it
// into a fresh flow map, in capture order. Non-TCP frames and frames that
// fail to decode are counted and skipped rather than treated as fatal.
func LoadPcap(path string) (*flow.Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: opening %s: %w", path, err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("capture: reading pcap header of %s: %w", path, err)
	}
	linkType := reader.LinkType()

	m := flow.NewMap()
	count := 0
	for {
		data, ci, err := reader.ZeroCopyReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("capture: reading packet from %s: %w", path, err)
		}

		p, err := DecodePacket(data, ci, linkType)
		if err != nil {
			if err != ErrNoIPLayer && err != ErrNotTCP {
				sparseDecodeLog.Println("decode error:", err)
			}
			DecodeErrors.WithLabelValues(decodeErrorReason(err)).Inc()
			continue
		}
		if p.IsBogus {
			DecodeErrors.WithLabelValues("bogus_tcp_header").Inc()
			continue
		}

		count++
		if !m.AddPacket(p) {
			sparseDecodeLog.Println("flow reported bogus data; its sender is marked bogus and will be skipped in the output")
		}
	}

	PacketCount.Observe(float64(count))
	return m, nil
}

func decodeErrorReason(err error) string {
	switch err {
	case ErrNoIPLayer:
		return "no_ip_layer"
	case ErrNotTCP:
		return "not_tcp"
	default:
		return "malformed"
	}
}
