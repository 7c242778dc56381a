package acl_test

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/dantte-lp/goacl/internal/acl"
)

// discardLogger returns a logger that swallows all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// -------------------------------------------------------------------------
// Packet builders
//
// Test packets are serialized with gopacket so headers, lengths, and
// checksums look like real traffic.
// -------------------------------------------------------------------------

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func serialize(t *testing.T, lys ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, lys...); err != nil {
		t.Fatalf("serialize packet: %v", err)
	}
	return buf.Bytes()
}

// tcp4Packet builds an Ethernet+IPv4+TCP packet.
func tcp4Packet(t *testing.T, src, dst string, sport, dport uint16, syn, ack, fin, rst bool) []byte {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		SYN:     syn,
		ACK:     ack,
		FIN:     fin,
		RST:     rst,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(&ip); err != nil {
		t.Fatalf("tcp checksum layer: %v", err)
	}
	return serialize(t, &eth, &ip, &tcp)
}

// udp4Packet builds an Ethernet+IPv4+UDP packet.
func udp4Packet(t *testing.T, src, dst string, sport, dport uint16) []byte {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		t.Fatalf("udp checksum layer: %v", err)
	}
	return serialize(t, &eth, &ip, &udp, gopacket.Payload([]byte("payload")))
}

// icmp4Packet builds an Ethernet+IPv4+ICMPv4 packet.
func icmp4Packet(t *testing.T, src, dst string, icmpType, icmpCode uint8) []byte {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	icmp := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(icmpType, icmpCode),
		Id:       7,
		Seq:      1,
	}
	return serialize(t, &eth, &ip, &icmp, gopacket.Payload([]byte("ping")))
}

// frag4Packet builds a non-initial IPv4 fragment (nonzero offset, no
// L4 header).
func frag4Packet(t *testing.T, src, dst string) []byte {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:    4,
		IHL:        5,
		TTL:        64,
		Protocol:   layers.IPProtocolUDP,
		FragOffset: 64,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
	return serialize(t, &eth, &ip, gopacket.Payload(make([]byte, 32)))
}

// tcp6Packet builds an Ethernet+IPv6+TCP packet.
func tcp6Packet(t *testing.T, src, dst string, sport, dport uint16, syn, ack bool) []byte {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		SYN:     syn,
		ACK:     ack,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(&ip); err != nil {
		t.Fatalf("tcp checksum layer: %v", err)
	}
	return serialize(t, &eth, &ip, &tcp)
}

// icmp6Packet builds an Ethernet+IPv6+ICMPv6 echo packet.
func icmp6Packet(t *testing.T, src, dst string, icmpType uint8) []byte {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
	icmp := layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(icmpType, 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(&ip); err != nil {
		t.Fatalf("icmp6 checksum layer: %v", err)
	}
	echo := layers.ICMPv6Echo{Identifier: 7, SeqNumber: 1}
	return serialize(t, &eth, &ip, &icmp, &echo)
}

// -------------------------------------------------------------------------
// Buffer and dataplane helpers
// -------------------------------------------------------------------------

// l2Buffer wraps raw packet bytes in a buffer entering on the L2 path.
func l2Buffer(data []byte, rxIf uint32) *acl.Buffer {
	return &acl.Buffer{Data: data, RxIfIndex: rxIf, TxIfIndex: rxIf}
}

// newTestDataplane builds a single-worker dataplane with small caps.
func newTestDataplane(t *testing.T, cfg acl.Config) *acl.Dataplane {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.MaxInterfaces == 0 {
		cfg.MaxInterfaces = 64
	}
	if cfg.PerWorkerSessions == 0 {
		cfg.PerWorkerSessions = 128
	}
	if cfg.PerInterfaceSessions == 0 {
		cfg.PerInterfaceSessions = 128
	}
	dp, err := acl.New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new dataplane: %v", err)
	}
	return dp
}

// processOne runs a single buffer through the given node and returns
// the frame counters.
func processOne(dp *acl.Dataplane, ip6, isInput, isL2 bool, b *acl.Buffer, now int64) acl.FrameCounters {
	node := dp.Node(ip6, isInput, isL2)
	return dp.ProcessFrame(0, node, &acl.Frame{Buffers: []*acl.Buffer{b}}, now)
}

// installACL installs one ACL and binds it to the input arc of ifIndex.
func installACL(t *testing.T, dp *acl.Dataplane, ifIndex uint32, rules ...acl.Rule) {
	t.Helper()
	if err := dp.Rules().ReplaceACL(acl.ACL{Index: 1, Rules: rules}); err != nil {
		t.Fatalf("replace acl: %v", err)
	}
	if err := dp.ApplyBinding(ifIndex, true, []uint32{1}); err != nil {
		t.Fatalf("bind: %v", err)
	}
}
