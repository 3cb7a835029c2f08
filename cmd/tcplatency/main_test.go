package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/m-lab/tcp-latency-attribution/internal/report"
)

func writeTestPcap(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating test pcap: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("writing pcap header: %v", err)
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	client := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	server := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(10, 0, 0, 1)}

	segments := []struct {
		ip  *layers.IPv4
		tcp *layers.TCP
	}{
		{client, &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: 1000, SYN: true, Window: 65535}},
		{server, &layers.TCP{SrcPort: 443, DstPort: 40000, Seq: 5000, Ack: 1001, SYN: true, ACK: true, Window: 65535}},
		{client, &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: 1001, Ack: 5001, ACK: true, Window: 65535}},
		{client, &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: 1001, Ack: 5001, ACK: true, PSH: true, Window: 65535}},
		{server, &layers.TCP{SrcPort: 443, DstPort: 40000, Seq: 5001, Ack: 1101, ACK: true, Window: 65535}},
	}

	base := time.Unix(1_700_000_000, 0)
	for i, seg := range segments {
		seg.tcp.SetNetworkLayerForChecksum(seg.ip)
		var payload []byte
		if i == 3 {
			payload = bytes.Repeat([]byte{'x'}, 100)
		}

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, eth, seg.ip, seg.tcp, gopacket.Payload(payload)); err != nil {
			t.Fatalf("serializing test frame %d: %v", i, err)
		}

		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * 10 * time.Millisecond),
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		if err := w.WritePacket(ci, buf.Bytes()); err != nil {
			t.Fatalf("writing test frame %d: %v", i, err)
		}
	}
}

func TestRunProducesOneRowPerDirection(t *testing.T) {
	dir := t.TempDir()
	pcapPath := filepath.Join(dir, "sample.pcap")
	writeTestPcap(t, pcapPath)

	outPath := filepath.Join(dir, "out.csv")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatalf("creating output file: %v", err)
	}
	defer out.Close()

	if err := run(pcapPath, out); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}

	contents, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(contents), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 output rows (one per direction), got %d: %q", len(lines), contents)
	}

	numColumns := len(strings.Split(lines[0], ","))
	if want := len(report.ColumnNames()); numColumns != want {
		t.Errorf("expected %d columns, got %d", want, numColumns)
	}
}

func TestRunReturnsErrorForMissingFile(t *testing.T) {
	dir := t.TempDir()
	out, err := os.Create(filepath.Join(dir, "out.csv"))
	if err != nil {
		t.Fatalf("creating output file: %v", err)
	}
	defer out.Close()

	if err := run(filepath.Join(dir, "does-not-exist.pcap"), out); err == nil {
		t.Error("expected an error for a nonexistent capture file")
	}
}
