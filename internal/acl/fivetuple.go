package acl

import (
	"encoding/binary"
	"net/netip"
)

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

// IP protocol numbers the extractor and matcher care about.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// TCP header flag bits (RFC 9293 Section 3.1).
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
	TCPFlagURG uint8 = 0x20
)

// Ethernet framing constants for the L2 path.
const (
	etherHeaderSize = 14
	etherTypeOffset = 12
	etherTypeVLAN   = 0x8100
	etherTypeQinQ   = 0x88a8
	vlanTagSize     = 4
)

// IPv4 header field offsets.
const (
	ip4VerIHLOffset = 0
	ip4FragOffset   = 6
	ip4ProtoOffset  = 9
	ip4SrcOffset    = 12
	ip4DstOffset    = 16
	ip4MinHeader    = 20

	// ip4FragOffsetMask extracts the fragment offset from the
	// flags+offset halfword. A nonzero offset marks a non-initial
	// fragment.
	ip4FragOffsetMask = 0x1fff
)

// IPv6 header field offsets and extension header codes.
const (
	ip6NextHdrOffset = 6
	ip6SrcOffset     = 8
	ip6DstOffset     = 24
	ip6HeaderSize    = 40

	ip6ExtHopByHop = 0
	ip6ExtRouting  = 43
	ip6ExtFragment = 44
	ip6ExtDestOpts = 60

	ip6FragHeaderSize = 8
)

// -------------------------------------------------------------------------
// Fingerprint — the packet 5-tuple
// -------------------------------------------------------------------------

// Fingerprint is the fixed L3/L4 identity of a packet plus the
// protocol-specific flags the pipeline needs. Its KeyWords packing is
// layout-stable: the five key words are the session-table key material,
// the sixth word carries the per-packet info that must not participate
// in flow identity (TCP flags, lookup context).
//
// IPv4 addresses occupy the first 4 bytes of the 16-byte address
// fields, zero-extended.
type Fingerprint struct {
	// SrcAddr and DstAddr are the L3 addresses, IPv4 zero-extended.
	SrcAddr [16]byte
	DstAddr [16]byte

	// SrcPort and DstPort are the L4 ports. For ICMP/ICMPv6 the
	// message type is mapped into SrcPort and the code into DstPort.
	SrcPort uint16
	DstPort uint16

	// Proto is the L4 protocol number.
	Proto uint8

	// IfIndexLSB is the low 16 bits of the ingress/egress interface
	// index. Part of the key; the full index is verified against the
	// session record on every hit.
	IfIndexLSB uint16

	// IsIP6 marks an IPv6 packet.
	IsIP6 bool

	// IsNonFirstFragment marks a fragment with nonzero offset. The L4
	// header is absent in such packets.
	IsNonFirstFragment bool

	// L4Valid is set when the ports (or ICMP type/code) were read from
	// a complete L4 header.
	L4Valid bool

	// TCPFlags holds the packet's TCP flag byte; meaningful only when
	// TCPFlagsValid is set.
	TCPFlags      uint8
	TCPFlagsValid bool

	// LCIndex is the lookup context bound to the (interface,
	// direction) the packet arrived on. Not part of flow identity.
	LCIndex uint32
}

// Src returns the source address as a netip.Addr.
func (fp *Fingerprint) Src() netip.Addr { return fpAddr(fp.SrcAddr, fp.IsIP6) }

// Dst returns the destination address as a netip.Addr.
func (fp *Fingerprint) Dst() netip.Addr { return fpAddr(fp.DstAddr, fp.IsIP6) }

func fpAddr(raw [16]byte, ip6 bool) netip.Addr {
	if ip6 {
		return netip.AddrFrom16(raw)
	}
	return netip.AddrFrom4([4]byte(raw[:4]))
}

// Key word 4 bit positions. Bits 0-15 src port, 16-31 dst port,
// 32-39 protocol, 40-55 interface LSB, then the flag bits.
const (
	kwIsIP6    = 1 << 56
	kwNonFirst = 1 << 57
	kwL4Valid  = 1 << 58
)

// KeyWords packs the five 64-bit key words: two words of source
// address, two of destination address, and one L4/flags word. This is
// the 40-byte flow identity used by the session table.
func (fp *Fingerprint) KeyWords() [5]uint64 {
	var w [5]uint64
	w[0] = binary.BigEndian.Uint64(fp.SrcAddr[0:8])
	w[1] = binary.BigEndian.Uint64(fp.SrcAddr[8:16])
	w[2] = binary.BigEndian.Uint64(fp.DstAddr[0:8])
	w[3] = binary.BigEndian.Uint64(fp.DstAddr[8:16])
	w[4] = fp.l4Word()
	return w
}

func (fp *Fingerprint) l4Word() uint64 {
	w := uint64(fp.SrcPort) |
		uint64(fp.DstPort)<<16 |
		uint64(fp.Proto)<<32 |
		uint64(fp.IfIndexLSB)<<40
	if fp.IsIP6 {
		w |= kwIsIP6
	}
	if fp.IsNonFirstFragment {
		w |= kwNonFirst
	}
	if fp.L4Valid {
		w |= kwL4Valid
	}
	return w
}

// InfoWord packs the non-identity packet info (TCP flags, lookup
// context). Together with KeyWords it forms the six trace words.
func (fp *Fingerprint) InfoWord() uint64 {
	w := uint64(fp.TCPFlags) | uint64(fp.LCIndex)<<32
	if fp.TCPFlagsValid {
		w |= 1 << 8
	}
	return w
}

// TraceWords returns all six 64-bit words recorded in packet traces.
func (fp *Fingerprint) TraceWords() [6]uint64 {
	kw := fp.KeyWords()
	return [6]uint64{kw[0], kw[1], kw[2], kw[3], kw[4], fp.InfoWord()}
}

// -------------------------------------------------------------------------
// Extractor
// -------------------------------------------------------------------------

// Extract parses the packet in b into fp. For the L2 path the parser
// first skips the Ethernet header (including up to two VLAN tags); for
// the L3 path b.L3Offset already points at the IP header.
//
// Extract never fails: a malformed or truncated L4 header simply
// leaves L4Valid clear, and a truncated L3 header leaves the
// fingerprint zeroed, which cannot match any session or rule with
// address constraints.
func Extract(b *Buffer, ip6, isInput, isL2Path bool, fp *Fingerprint) {
	*fp = Fingerprint{IsIP6: ip6}

	data := b.Data
	off := b.Offset
	if isL2Path {
		off = l3OffsetFromEther(data, b.Offset)
		if off < 0 {
			return
		}
	}

	if ip6 {
		extractIP6(data, off, fp)
	} else {
		extractIP4(data, off, fp)
	}
}

// l3OffsetFromEther skips the Ethernet header starting at off,
// tolerating up to two stacked VLAN tags. Returns -1 on truncation.
func l3OffsetFromEther(data []byte, off int) int {
	if len(data) < off+etherHeaderSize {
		return -1
	}
	l3 := off + etherHeaderSize
	etype := binary.BigEndian.Uint16(data[off+etherTypeOffset:])
	for range 2 {
		if etype != etherTypeVLAN && etype != etherTypeQinQ {
			break
		}
		if len(data) < l3+vlanTagSize {
			return -1
		}
		etype = binary.BigEndian.Uint16(data[l3+2:])
		l3 += vlanTagSize
	}
	return l3
}

func extractIP4(data []byte, off int, fp *Fingerprint) {
	if len(data) < off+ip4MinHeader {
		return
	}
	h := data[off:]
	copy(fp.SrcAddr[:4], h[ip4SrcOffset:ip4SrcOffset+4])
	copy(fp.DstAddr[:4], h[ip4DstOffset:ip4DstOffset+4])
	fp.Proto = h[ip4ProtoOffset]

	ihl := int(h[ip4VerIHLOffset]&0x0f) * 4
	if ihl < ip4MinHeader {
		return
	}

	fragField := binary.BigEndian.Uint16(h[ip4FragOffset:])
	if fragField&ip4FragOffsetMask != 0 {
		fp.IsNonFirstFragment = true
		return
	}

	extractL4(data, off+ihl, fp)
}

func extractIP6(data []byte, off int, fp *Fingerprint) {
	if len(data) < off+ip6HeaderSize {
		return
	}
	h := data[off:]
	copy(fp.SrcAddr[:], h[ip6SrcOffset:ip6SrcOffset+16])
	copy(fp.DstAddr[:], h[ip6DstOffset:ip6DstOffset+16])

	proto := h[ip6NextHdrOffset]
	l4 := off + ip6HeaderSize

	// Walk the extension header chain until a transport header. The
	// walk is bounded: each known extension header advances the
	// offset, anything else terminates.
	for {
		switch proto {
		case ip6ExtHopByHop, ip6ExtRouting, ip6ExtDestOpts:
			if len(data) < l4+2 {
				fp.Proto = proto
				return
			}
			next := data[l4]
			l4 += (int(data[l4+1]) + 1) * 8
			proto = next
		case ip6ExtFragment:
			if len(data) < l4+ip6FragHeaderSize {
				fp.Proto = proto
				return
			}
			fragOff := binary.BigEndian.Uint16(data[l4+2:]) >> 3
			next := data[l4]
			l4 += ip6FragHeaderSize
			proto = next
			if fragOff != 0 {
				fp.Proto = proto
				fp.IsNonFirstFragment = true
				return
			}
		default:
			fp.Proto = proto
			extractL4(data, l4, fp)
			return
		}
	}
}

// extractL4 reads ports or ICMP type/code at the transport header
// offset. TCP additionally records the flag byte.
func extractL4(data []byte, off int, fp *Fingerprint) {
	switch fp.Proto {
	case ProtoTCP:
		if len(data) < off+14 {
			return
		}
		fp.SrcPort = binary.BigEndian.Uint16(data[off:])
		fp.DstPort = binary.BigEndian.Uint16(data[off+2:])
		fp.TCPFlags = data[off+13]
		fp.TCPFlagsValid = true
		fp.L4Valid = true
	case ProtoUDP:
		if len(data) < off+8 {
			return
		}
		fp.SrcPort = binary.BigEndian.Uint16(data[off:])
		fp.DstPort = binary.BigEndian.Uint16(data[off+2:])
		fp.L4Valid = true
	case ProtoICMP, ProtoICMPv6:
		if len(data) < off+4 {
			return
		}
		fp.SrcPort = uint16(data[off])   // ICMP type
		fp.DstPort = uint16(data[off+1]) // ICMP code
		fp.L4Valid = true
	}
}
