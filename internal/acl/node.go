package acl

import "fmt"

// -------------------------------------------------------------------------
// Packet Errors and Counters
// -------------------------------------------------------------------------

// PacketError is the per-packet outcome recorded in the buffer's error
// slot. These are not Go errors; every packet gets exactly one final
// code and a counter increment, nothing propagates.
type PacketError uint8

const (
	// PacketErrorDrop: rule matcher returned deny, or a collision or
	// missing lookup context forced a drop.
	PacketErrorDrop PacketError = iota

	// PacketErrorPermit: permitted by rule without session creation.
	PacketErrorPermit

	// PacketErrorNewSession: permitted and a session was installed.
	PacketErrorNewSession

	// PacketErrorExistSession: permitted via session hit.
	PacketErrorExistSession

	// PacketErrorCheck: incremented for every processed packet.
	PacketErrorCheck

	// PacketErrorRestartTimer: a timeout class change moved the
	// session between aging lists.
	PacketErrorRestartTimer

	// PacketErrorTooManySessions: a reflect rule matched but session
	// admission failed; the packet was denied.
	PacketErrorTooManySessions

	numPacketErrors
)

var packetErrorStrings = [numPacketErrors]string{
	"ACL deny packets",
	"ACL permit packets",
	"new sessions added",
	"existing session packets",
	"checked packets",
	"restart session timer",
	"too many sessions to add new",
}

// String returns the counter string for the error code.
func (e PacketError) String() string {
	if int(e) < len(packetErrorStrings) {
		return packetErrorStrings[e]
	}
	return fmt.Sprintf("unknown(%d)", uint8(e))
}

// PacketErrorStrings lists all counter strings in code order.
func PacketErrorStrings() []string {
	return packetErrorStrings[:]
}

// FrameCounters aggregates one frame's counter increments; the
// pipeline flushes them to the CounterSink once per frame.
type FrameCounters struct {
	Checked       uint64
	Permitted     uint64
	NewSessions   uint64
	ExistSessions uint64
	RestartTimers uint64
	TooMany       uint64
}

func (c *FrameCounters) add(o FrameCounters) {
	c.Checked += o.Checked
	c.Permitted += o.Permitted
	c.NewSessions += o.NewSessions
	c.ExistSessions += o.ExistSessions
	c.RestartTimers += o.RestartTimers
	c.TooMany += o.TooMany
}

// Denied derives the implicit deny count: checked minus every
// permitted outcome.
func (c *FrameCounters) Denied() uint64 {
	permitted := c.Permitted + c.NewSessions + c.ExistSessions
	if c.Checked < permitted {
		return 0
	}
	return c.Checked - permitted
}

// CounterSink receives per-frame counter aggregates, keyed by node
// name. Implemented by the prometheus collector; a no-op sink is used
// when metrics are disabled.
type CounterSink interface {
	AddNodeCounters(node string, c FrameCounters)
}

// NoopCounterSink discards all counters.
type NoopCounterSink struct{}

// AddNodeCounters implements CounterSink.
func (NoopCounterSink) AddNodeCounters(string, FrameCounters) {}

// -------------------------------------------------------------------------
// Buffer and Frame
// -------------------------------------------------------------------------

// Next-node indices. Index zero is always the drop node; the
// feature-arc helpers return a nonzero index for forwarded packets.
const (
	NextDrop uint32 = 0

	// nextL3Permit is the single next index on the L3 feature arcs:
	// the input nodes hand off ahead of the flow classifier, the
	// output nodes ahead of interface output.
	nextL3Permit uint32 = 1
)

// Buffer is one packet in flight through the node.
type Buffer struct {
	// Data is the raw packet. For the L2 path Offset points at the
	// Ethernet header; for the L3 path it points at the IP header.
	Data   []byte
	Offset int

	// RxIfIndex and TxIfIndex are the ingress and egress interface
	// indices; input nodes resolve against Rx, output nodes against Tx.
	RxIfIndex uint32
	TxIfIndex uint32

	// L2Feature selects the entry in the node's L2 next-index table
	// when dispatching on the L2 path.
	L2Feature uint8

	// Next is the chosen next-node index after processing.
	Next uint32

	// Error is the final packet outcome.
	Error PacketError

	// Traced requests a trace record for this buffer when the node
	// has tracing enabled.
	Traced bool
}

// Frame is the unit of work handed to a worker: a batch of buffers
// processed to completion by one ProcessFrame call.
type Frame struct {
	Buffers []*Buffer
}

// -------------------------------------------------------------------------
// Node — the eight entry points
// -------------------------------------------------------------------------

// Node is one of the eight dataplane entry points, the same pipeline
// specialized on (ip6, input, l2-path).
type Node struct {
	name    string
	ip6     bool
	isInput bool
	isL2    bool

	// l2NextTable maps Buffer.L2Feature to the next node on the L2
	// feature arc. Unused on the L3 path.
	l2NextTable []uint32

	// trace captures per-packet records while traceOn is set.
	trace   TraceBuffer
	traceOn bool
}

// Name returns the node's graph name, e.g. "acl-in-ip4-l2".
func (n *Node) Name() string { return n.name }

// SetTracing toggles trace capture for the node.
func (n *Node) SetTracing(on bool) { n.traceOn = on }

// TraceRecords returns the captured trace records, oldest first.
func (n *Node) TraceRecords() []TraceRecord { return n.trace.Records() }

// SetL2NextTable installs the L2 feature-arc next-index table.
func (n *Node) SetL2NextTable(t []uint32) { n.l2NextTable = t }

// permitNext resolves the forwarding next-index for a permitted
// buffer: table lookup on the L2 path, the arc successor on L3. An L2
// feature index beyond the installed table drops.
func (n *Node) permitNext(b *Buffer) uint32 {
	if n.isL2 {
		if int(b.L2Feature) < len(n.l2NextTable) {
			return n.l2NextTable[b.L2Feature]
		}
		return NextDrop
	}
	return nextL3Permit
}

// defaultL2NextTable forwards every feature index to the arc
// successor until the graph installs the real table.
var defaultL2NextTable = []uint32{nextL3Permit}

// nodeKey indexes the node array: bit 0 ip6, bit 1 input, bit 2 l2.
func nodeKey(ip6, isInput, isL2 bool) int {
	k := 0
	if ip6 {
		k |= 1
	}
	if isInput {
		k |= 2
	}
	if isL2 {
		k |= 4
	}
	return k
}

func nodeName(ip6, isInput, isL2 bool) string {
	dir := "out"
	if isInput {
		dir = "in"
	}
	ver := "ip4"
	if ip6 {
		ver = "ip6"
	}
	path := "l3"
	if isL2 {
		path = "l2"
	}
	return "acl-" + dir + "-" + ver + "-" + path
}
