// Package capture decodes captured frames into packet.Packet records and
// replays a PCAP file through a flow map. Unlike the reconstruction
// packages, it is built directly on gopacket/layers rather than a ported
// algorithm: wire decoding is exactly the kind of concern gopacket already
// solves well.
package capture

import (
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/m-lab/tcp-latency-attribution/internal/packet"
	"github.com/m-lab/tcp-latency-attribution/internal/seq"
)

// ErrNoIPLayer is returned when a captured frame carries no IPv4 or IPv6
// layer.
var ErrNoIPLayer = errors.New("capture: no IP layer")

// ErrNotTCP is returned when a captured frame's IP payload is not TCP.
var ErrNotTCP = errors.New("capture: not a TCP segment")

// DecodePacket parses one captured frame (raw bytes plus its capture
// metadata) into a packet.Packet, given the pcap file's link-layer type.
// linkType is threaded explicitly rather than held as global state, since
// a single process may analyze captures with differing datalink types.
func DecodePacket(data []byte, ci gopacket.CaptureInfo, linkType layers.LinkType) (*packet.Packet, error) {
	decoded := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{
		Lazy:                     true,
		NoCopy:                   true,
		SkipDecodeRecovery:       true,
		DecodeStreamsAsDatagrams: false,
	})

	srcIP, dstIP, err := ipAddrs(decoded)
	if err != nil {
		return nil, err
	}

	tcpLayer := decoded.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil, ErrNotTCP
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return nil, ErrNotTCP
	}

	p := &packet.Packet{
		TimestampUs: ci.Timestamp.UnixMicro(),
		SrcIP:       srcIP,
		DstIP:       dstIP,
		SrcPort:     uint16(tcp.SrcPort),
		DstPort:     uint16(tcp.DstPort),
		Seq:         seq.Num(tcp.Seq),
		Ack:         seq.Num(tcp.Ack),
		DataLen:     uint32(len(tcp.Payload)),
	}
	p.Flags = decodeFlags(tcp)
	p.IsBogus = checkBogus(tcp, p.DataLen)
	if !p.IsBogus {
		parseOptions(tcp.Options, p)
	}
	return p, nil
}

func ipAddrs(decoded gopacket.Packet) (net.IP, net.IP, error) {
	if ipLayer := decoded.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		return ip.SrcIP, ip.DstIP, nil
	}
	if ipLayer := decoded.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip := ipLayer.(*layers.IPv6)
		return ip.SrcIP, ip.DstIP, nil
	}
	return nil, nil, ErrNoIPLayer
}

func decodeFlags(tcp *layers.TCP) packet.Flags {
	var f packet.Flags
	if tcp.FIN {
		f |= packet.FlagFIN
	}
	if tcp.SYN {
		f |= packet.FlagSYN
	}
	if tcp.RST {
		f |= packet.FlagRST
	}
	if tcp.PSH {
		f |= packet.FlagPSH
	}
	if tcp.ACK {
		f |= packet.FlagACK
	}
	if tcp.URG {
		f |= packet.FlagURG
	}
	if tcp.ECE {
		f |= packet.FlagECE
	}
	if tcp.CWR {
		f |= packet.FlagCWR
	}
	return f
}

// legalFlagCombos whitelists the flag combinations the original analyzer
// considers well-formed (ignoring PSH/URG/ECE/CWR, which never affect
// control-flow classification).
var legalFlagCombos = map[packet.Flags]bool{
	packet.FlagACK:                  true,
	packet.FlagSYN:                  true,
	packet.FlagSYN | packet.FlagACK: true,
	packet.FlagFIN | packet.FlagACK: true,
	packet.FlagFIN:                  true,
	packet.FlagRST:                  true,
	packet.FlagRST | packet.FlagACK: true,
}

func checkBogus(tcp *layers.TCP, dataLen uint32) bool {
	if tcp.SrcPort == 0 || tcp.DstPort == 0 {
		return true
	}
	if tcp.ACK && tcp.Ack == 0 {
		return true
	}
	if tcp.SYN && dataLen > 0 {
		return true
	}
	controlBits := decodeFlags(tcp) &^ (packet.FlagPSH | packet.FlagURG | packet.FlagECE | packet.FlagCWR)
	return !legalFlagCombos[controlBits]
}

// parseOptions walks the TCP option bytes, extracting MSS, timestamp, and
// SACK blocks. Unrecognized or truncated trailing options are recorded as
// UnknownOptionSize rather than treated as a parse failure, matching the
// capture's tolerance for lossy/truncated captures.
func parseOptions(options []layers.TCPOption, p *packet.Packet) {
	for _, opt := range options {
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) >= 2 {
				p.MSSOptValue = uint16(opt.OptionData[0])<<8 | uint16(opt.OptionData[1])
			}
		case layers.TCPOptionKindTimestamps:
			p.TimestampOK = true
		case layers.TCPOptionKindSACK:
			if err := p.Sacks.Parse(opt.OptionData, len(opt.OptionData)+2, len(opt.OptionData)); err != nil {
				p.UnknownOptionSize += uint32(len(opt.OptionData))
			}
		case layers.TCPOptionKindNop, layers.TCPOptionKindEndList:
			// advances implicitly; no payload to account for
		default:
			p.UnknownOptionSize += uint32(len(opt.OptionData))
		}
	}
}
