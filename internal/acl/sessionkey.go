package acl

// -------------------------------------------------------------------------
// Session Key — direction-agnostic flow identity
// -------------------------------------------------------------------------

// SessionKey is the canonicalized 40-byte flow identity. Packets of
// the same flow produce the same key words in both directions: the
// (address, port) endpoint pair is ordered lexicographically. The
// reserved reversed bit records whether the packet's own orientation
// was swapped during canonicalization; it identifies the packet's
// direction relative to the flow and is excluded from table equality,
// which compares only the five key words.
type SessionKey struct {
	words    [5]uint64
	reversed bool
}

// Words exposes the 40 bytes of key material compared by the table.
func (k SessionKey) Words() [5]uint64 { return k.words }

// Reversed reports whether canonicalization swapped the endpoints of
// the fingerprint this key was derived from.
func (k SessionKey) Reversed() bool { return k.reversed }

// ICMP request types are keyed as their matching response type so the
// reply direction lands on the same session. Types without an entry
// keep their own value.
var (
	icmp4InvMap = map[uint16]uint16{
		8:  0,  // echo request -> echo reply
		13: 14, // timestamp request -> timestamp reply
		15: 16, // info request -> info reply
		17: 18, // address mask request -> address mask reply
	}
	icmp6InvMap = map[uint16]uint16{
		128: 129, // echo request -> echo reply
		133: 134, // router solicitation -> router advertisement
		135: 136, // neighbor solicitation -> neighbor advertisement
	}
)

// icmpValidNew reports whether an ICMP message of the given type may
// legitimately open a new session. Only the request side of an
// invertible pair qualifies; replies and error messages never do.
func icmpValidNew(ip6 bool, icmpType uint16) bool {
	if ip6 {
		_, ok := icmp6InvMap[icmpType]
		return ok
	}
	_, ok := icmp4InvMap[icmpType]
	return ok
}

// MakeSessionKey converts a directional fingerprint into the
// direction-agnostic session key, and reports whether the packet is
// eligible to open a new session.
//
// Eligibility: TCP with SYN set and ACK clear, UDP with a valid L4
// header, or an ICMP/ICMPv6 request type from the invertible set.
// Ineligible packets may still be forwarded by a permit rule; the
// orchestrator just refuses to install a session for them.
func MakeSessionKey(fp *Fingerprint) (SessionKey, bool) {
	norm := *fp

	// ICMP: key on the response type so request and reply collapse to
	// one flow identity.
	if fp.L4Valid && (fp.Proto == ProtoICMP || fp.Proto == ProtoICMPv6) {
		invMap := icmp4InvMap
		if fp.IsIP6 {
			invMap = icmp6InvMap
		}
		if resp, ok := invMap[fp.SrcPort]; ok {
			norm.SrcPort = resp
		}
	}

	key := SessionKey{words: norm.KeyWords()}
	if endpointGreater(&norm) {
		key.words[0], key.words[2] = key.words[2], key.words[0]
		key.words[1], key.words[3] = key.words[3], key.words[1]
		key.words[4] = swapPorts(key.words[4])
		key.reversed = true
	}

	return key, validNewSession(fp)
}

// endpointGreater reports whether (src addr, src port) orders after
// (dst addr, dst port).
func endpointGreater(fp *Fingerprint) bool {
	for i := range 16 {
		if fp.SrcAddr[i] != fp.DstAddr[i] {
			return fp.SrcAddr[i] > fp.DstAddr[i]
		}
	}
	return fp.SrcPort > fp.DstPort
}

// swapPorts exchanges the two 16-bit port fields inside an L4 key word.
func swapPorts(w uint64) uint64 {
	src := w & 0xffff
	dst := (w >> 16) & 0xffff
	return w&^uint64(0xffffffff) | dst | src<<16
}

func validNewSession(fp *Fingerprint) bool {
	if !fp.L4Valid {
		return false
	}
	switch fp.Proto {
	case ProtoTCP:
		return fp.TCPFlagsValid &&
			fp.TCPFlags&TCPFlagSYN != 0 &&
			fp.TCPFlags&TCPFlagACK == 0
	case ProtoUDP:
		return true
	case ProtoICMP:
		return !fp.IsIP6 && icmpValidNew(false, fp.SrcPort)
	case ProtoICMPv6:
		return fp.IsIP6 && icmpValidNew(true, fp.SrcPort)
	default:
		return false
	}
}
