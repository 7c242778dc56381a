package acl

import (
	"sync/atomic"
)

// -------------------------------------------------------------------------
// Timeout Class
// -------------------------------------------------------------------------

// TimeoutClass selects the aging list a session lives on and the idle
// timeout applied to it.
type TimeoutClass uint8

const (
	// TimeoutTransient holds new sessions that have not proven
	// bidirectional yet: TCP mid-handshake, first-packet UDP/ICMP.
	TimeoutTransient TimeoutClass = iota

	// TimeoutEstablished holds UDP/ICMP sessions after traffic in a
	// second packet confirmed the flow.
	TimeoutEstablished

	// TimeoutTCPTransient holds TCP sessions that are tearing down
	// (FIN seen both ways, or any RST).
	TimeoutTCPTransient

	// TimeoutTCPEstablished holds TCP sessions whose handshake
	// completed in both directions.
	TimeoutTCPEstablished

	// TimeoutSpecial holds sessions parked for deletion (cleared via
	// the control plane or evicted on a sibling worker's behalf); the
	// expirer reaps them on its
	// next sweep regardless of age.
	TimeoutSpecial

	numTimeoutClasses
)

var timeoutClassNames = [numTimeoutClasses]string{
	"transient",
	"established",
	"tcp-transient",
	"tcp-established",
	"special",
}

// String returns the timeout class name used in traces and dumps.
func (tc TimeoutClass) String() string {
	if int(tc) < len(timeoutClassNames) {
		return timeoutClassNames[tc]
	}
	return "unknown"
}

// -------------------------------------------------------------------------
// Policy Epoch
// -------------------------------------------------------------------------

// PolicyEpoch is the per-(interface, direction) policy change counter.
// Bit 15 encodes the arc (1 = input, 0 = output); bits 0-14 advance on
// every ACL rebind of that interface/direction.
type PolicyEpoch uint16

// EpochIsInput is the arc bit of a PolicyEpoch.
const EpochIsInput PolicyEpoch = 0x8000

// IsInput reports whether the epoch belongs to the input arc.
func (e PolicyEpoch) IsInput() bool { return e&EpochIsInput != 0 }

// StaleAgainst reports whether a session stamped with e must be
// reclassified under the current epoch: same arc, different change
// counter.
func (e PolicyEpoch) StaleAgainst(current PolicyEpoch) bool {
	return (e^current)&EpochIsInput == 0 && e != current
}

// -------------------------------------------------------------------------
// Session ID — 64-bit packed (worker, slot, epoch)
// -------------------------------------------------------------------------

// SessionID identifies a session record globally: the owning worker,
// the slot in that worker's pool, and the policy epoch the session was
// created under. The packed form is the session-table map value, so a
// lookup returns the whole identity in one atomic load.
type SessionID struct {
	Worker uint16
	Slot   uint32
	Epoch  PolicyEpoch
}

// Pack encodes the id into 64 bits: slot in bits 0-31, worker in bits
// 32-47, epoch in bits 48-63.
func (id SessionID) Pack() uint64 {
	return uint64(id.Slot) |
		uint64(id.Worker)<<32 |
		uint64(id.Epoch)<<48
}

// UnpackSessionID decodes a packed session id.
func UnpackSessionID(v uint64) SessionID {
	return SessionID{
		Worker: uint16(v >> 32),
		Slot:   uint32(v),
		Epoch:  PolicyEpoch(v >> 48),
	}
}

// -------------------------------------------------------------------------
// Session Record
// -------------------------------------------------------------------------

// nilSlot terminates the intrusive LRU lists.
const nilSlot = int32(-1)

// listNone marks a record not linked on any aging list. Delete uses it
// to detect the lost race against a concurrent unlink.
const listNone = uint8(0xff)

// Session is one cached flow acceptance. Records live in per-worker
// slot pools; the owning worker is the sole caller of table add/delete
// and the sole manipulator of the list links. The activity fields are
// atomics because a hit on a sibling worker tracks through them.
type Session struct {
	// Key is kept for collision verification on lookup and for dumps.
	Key SessionKey

	// IfIndex is the full 32-bit owning interface index. The key only
	// carries its low 16 bits, so every hit re-verifies this field.
	IfIndex uint32

	// ID is the full session id (worker, slot, creation epoch).
	ID SessionID

	// Proto is the flow's L4 protocol, fixed at creation.
	Proto uint8

	// Created is the creation timestamp, unix nanoseconds.
	Created int64

	// lastActive holds the per-direction last-activity timestamps,
	// unix nanoseconds. Index 0 is the canonical (non-reversed)
	// direction, 1 the reversed one.
	lastActive [2]atomic.Int64

	// tcpFlagsSeen accumulates the TCP flag bytes seen per direction.
	tcpFlagsSeen [2]atomic.Uint32

	// pktCount counts packets per direction; UDP/ICMP sessions
	// graduate from transient after the second packet of the flow.
	pktCount [2]atomic.Uint32

	// Intrusive aging-list links, owner-worker only.
	prev, next int32
	listID     uint8

	// isInput records the arc the session was created on, for the
	// per-(interface, direction) admission counters.
	isInput bool

	inUse bool
}

// LastActive returns the newer of the two per-direction activity
// timestamps, unix nanoseconds.
func (s *Session) LastActive() int64 {
	return max(s.lastActive[0].Load(), s.lastActive[1].Load())
}

// TCPFlagsSeen returns the accumulated flags for the given direction.
func (s *Session) TCPFlagsSeen(dir int) uint8 {
	return uint8(s.tcpFlagsSeen[dir&1].Load())
}

// Packets returns the total packet count across both directions.
func (s *Session) Packets() uint64 {
	return uint64(s.pktCount[0].Load()) + uint64(s.pktCount[1].Load())
}

// TimeoutClass derives the aging class from the accumulated state.
//
// TCP: FIN observed in both directions or any RST parks the session on
// the short tcp-transient list; a handshake completed in both
// directions (SYN seen both ways, no teardown) means tcp-established;
// anything else is still mid-handshake and stays transient. UDP/ICMP:
// established once the flow has seen its second packet.
func (s *Session) TimeoutClass() TimeoutClass {
	if s.listID == uint8(TimeoutSpecial) {
		return TimeoutSpecial
	}
	if s.Proto == ProtoTCP {
		f0 := uint8(s.tcpFlagsSeen[0].Load())
		f1 := uint8(s.tcpFlagsSeen[1].Load())
		if (f0&TCPFlagFIN != 0 && f1&TCPFlagFIN != 0) || (f0|f1)&TCPFlagRST != 0 {
			return TimeoutTCPTransient
		}
		if f0&TCPFlagSYN != 0 && f1&TCPFlagSYN != 0 {
			return TimeoutTCPEstablished
		}
		return TimeoutTransient
	}
	if s.pktCount[0].Load()+s.pktCount[1].Load() >= 2 {
		return TimeoutEstablished
	}
	return TimeoutTransient
}

// Track records one packet on the session: bumps the per-direction
// activity timestamp and packet count, folds the packet's TCP flags
// into the direction accumulator, and returns the resulting action.
// A packet on an existing session is always permitted by this layer.
//
// dir is the packet's orientation relative to the canonical key:
// 0 when the packet ran src-to-dst in canonical order, 1 when the key
// canonicalization reversed it.
func (s *Session) Track(now int64, fp *Fingerprint, dir int) Action {
	dir &= 1
	s.lastActive[dir].Store(now)
	s.pktCount[dir].Add(1)
	if fp.TCPFlagsValid {
		s.tcpFlagsSeen[dir].Or(uint32(fp.TCPFlags))
	}
	return ActionPermit
}
