package acl

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
)

// -------------------------------------------------------------------------
// Action
// -------------------------------------------------------------------------

// Action is the verdict of rule evaluation or session tracking.
type Action uint8

const (
	// ActionDeny drops the packet.
	ActionDeny Action = 0

	// ActionPermit forwards the packet without installing state.
	ActionPermit Action = 1

	// ActionPermitReflect forwards the packet and installs a session
	// so the reverse direction is also permitted.
	ActionPermitReflect Action = 2
)

var actionNames = [3]string{"deny", "permit", "permit+reflect"}

// String returns the action name.
func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// -------------------------------------------------------------------------
// Rules and ACLs
// -------------------------------------------------------------------------

// Rule is a single match entry. Zero values are wildcards: an invalid
// prefix matches any address, a zero port range (0,0) is widened to
// the full range at ACL install time, protocol 0 matches any protocol.
// For ICMP/ICMPv6 the port ranges constrain the message type (source
// slot) and code (destination slot).
type Rule struct {
	// SrcPrefix and DstPrefix constrain the addresses. The prefix
	// family must match the packet family.
	SrcPrefix netip.Prefix
	DstPrefix netip.Prefix

	// Proto is the L4 protocol; 0 matches any.
	Proto uint8

	// Port ranges, inclusive.
	SrcPortFirst, SrcPortLast uint16
	DstPortFirst, DstPortLast uint16

	// TCPFlagsMask/Value constrain the TCP flag byte:
	// flags&mask == value. A zero mask matches anything.
	TCPFlagsMask  uint8
	TCPFlagsValue uint8

	// Action is the verdict when the rule matches.
	Action Action
}

// The wildcard checks report whether a range admits every port value.
func (r *Rule) wildcardSrcPorts() bool { return r.SrcPortFirst == 0 && r.SrcPortLast == 0xffff }
func (r *Rule) wildcardDstPorts() bool { return r.DstPortFirst == 0 && r.DstPortLast == 0xffff }

// ACL is an ordered rule list.
type ACL struct {
	// Index is the ACL's global index, assigned by the control plane.
	Index uint32

	// Tag is a free-form label for dumps and logs.
	Tag string

	// Rules are evaluated in order; first match wins.
	Rules []Rule
}

// LookupContext binds an ordered list of ACLs to one
// (interface, direction) arc.
type LookupContext struct {
	// Index is the lookup context handle stored in the per-interface
	// binding tables.
	Index uint32

	// ACLIndices are evaluated in order.
	ACLIndices []uint32
}

// -------------------------------------------------------------------------
// Matcher
// -------------------------------------------------------------------------

// MatchResult carries everything rule evaluation reports back to the
// pipeline.
type MatchResult struct {
	Action    Action
	ACLPos    uint32 // position of the matched ACL within the context
	ACLIndex  uint32 // global index of the matched ACL
	RuleIndex uint32
	TraceBits uint32
}

// noMatch is the index value reported when nothing matched.
const noMatch = ^uint32(0)

// MatchFunc evaluates the ACLs bound to a lookup context against a
// fingerprint. Implementations must be pure: no session-table side
// effects. The default scalar matcher below can be replaced through
// RegisterMatchFunc by a specialized variant probed at startup.
type MatchFunc func(rs *RuleSet, lcIndex uint32, fp *Fingerprint, ip6 bool) MatchResult

// matchFuncRegistry holds the matcher variants keyed by capability
// class, the explicit stand-in for the original's weak-symbol SIMD
// dispatch. "scalar" is always present.
var matchFuncRegistry = map[string]MatchFunc{
	"scalar": matchScalar,
}

// RegisterMatchFunc installs a specialized matcher variant under the
// given capability name; only "scalar" is registered by this package.
// The dataplane selects a variant once at startup.
func RegisterMatchFunc(capability string, fn MatchFunc) {
	matchFuncRegistry[capability] = fn
}

// SelectMatchFunc returns the matcher for the given capability class,
// falling back to the scalar variant.
func SelectMatchFunc(capability string) MatchFunc {
	if fn, ok := matchFuncRegistry[capability]; ok {
		return fn
	}
	return matchScalar
}

// -------------------------------------------------------------------------
// RuleSet — published ACL state
// -------------------------------------------------------------------------

// Sentinel errors for rule installation.
var (
	// ErrUnknownACL indicates a lookup context references an ACL index
	// that was never installed.
	ErrUnknownACL = errors.New("unknown acl index")

	// ErrBadRulePrefix indicates a rule carries an invalid prefix in a
	// position that is not a wildcard.
	ErrBadRulePrefix = errors.New("rule prefix is invalid")

	// ErrUnknownLookupContext indicates a context index out of range.
	ErrUnknownLookupContext = errors.New("unknown lookup context")
)

// ruleSetState is the immutable snapshot the hot path reads.
type ruleSetState struct {
	acls     map[uint32]*ACL
	contexts []*LookupContext
}

// RuleSet holds the installed ACLs and lookup contexts. The control
// plane replaces state copy-on-write; workers read the current
// snapshot through one atomic load per packet, which gives the
// acquire/release publication the concurrency model asks for without
// locking the hot path.
type RuleSet struct {
	state atomic.Pointer[ruleSetState]
}

// NewRuleSet returns an empty rule set.
func NewRuleSet() *RuleSet {
	rs := &RuleSet{}
	rs.state.Store(&ruleSetState{acls: map[uint32]*ACL{}})
	return rs
}

// ReplaceACL installs or replaces the ACL at acl.Index. Zero port
// ranges are widened to 0-65535 so a zero-valued rule is a true
// wildcard.
func (rs *RuleSet) ReplaceACL(acl ACL) error {
	for i := range acl.Rules {
		r := &acl.Rules[i]
		if r.SrcPortFirst == 0 && r.SrcPortLast == 0 {
			r.SrcPortLast = 0xffff
		}
		if r.DstPortFirst == 0 && r.DstPortLast == 0 {
			r.DstPortLast = 0xffff
		}
	}

	for {
		old := rs.state.Load()
		next := &ruleSetState{
			acls:     make(map[uint32]*ACL, len(old.acls)+1),
			contexts: old.contexts,
		}
		for k, v := range old.acls {
			next.acls[k] = v
		}
		installed := acl
		next.acls[acl.Index] = &installed
		if rs.state.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// SetLookupContext installs or replaces a lookup context. Every
// referenced ACL must already exist.
func (rs *RuleSet) SetLookupContext(lc LookupContext) error {
	for {
		old := rs.state.Load()
		for _, ai := range lc.ACLIndices {
			if _, ok := old.acls[ai]; !ok {
				return fmt.Errorf("lookup context %d: acl %d: %w", lc.Index, ai, ErrUnknownACL)
			}
		}
		next := &ruleSetState{acls: old.acls}
		next.contexts = make([]*LookupContext, len(old.contexts))
		copy(next.contexts, old.contexts)
		for int(lc.Index) >= len(next.contexts) {
			next.contexts = append(next.contexts, nil)
		}
		installed := lc
		next.contexts[lc.Index] = &installed
		if rs.state.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// ACLs returns a snapshot of the installed ACLs, for dumps.
func (rs *RuleSet) ACLs() []*ACL {
	st := rs.state.Load()
	out := make([]*ACL, 0, len(st.acls))
	for _, a := range st.acls {
		out = append(out, a)
	}
	return out
}

// ACL returns the ACL at the given index, or nil.
func (rs *RuleSet) ACL(index uint32) *ACL {
	return rs.state.Load().acls[index]
}

// Context returns the lookup context at the given index, or nil.
func (rs *RuleSet) Context(index uint32) *LookupContext {
	st := rs.state.Load()
	if int(index) >= len(st.contexts) {
		return nil
	}
	return st.contexts[index]
}

// -------------------------------------------------------------------------
// Scalar matcher
// -------------------------------------------------------------------------

// matchScalar is the portable rule evaluator: ACLs of the context in
// order, rules within each ACL in order, first match wins, default
// deny on no match.
func matchScalar(rs *RuleSet, lcIndex uint32, fp *Fingerprint, ip6 bool) MatchResult {
	res := MatchResult{
		Action:    ActionDeny,
		ACLPos:    noMatch,
		ACLIndex:  noMatch,
		RuleIndex: noMatch,
	}

	st := rs.state.Load()
	if int(lcIndex) >= len(st.contexts) || st.contexts[lcIndex] == nil {
		return res
	}
	lc := st.contexts[lcIndex]

	src := fp.Src()
	dst := fp.Dst()

	for pos, aclIndex := range lc.ACLIndices {
		acl := st.acls[aclIndex]
		if acl == nil {
			continue
		}
		for ri := range acl.Rules {
			if !ruleMatches(&acl.Rules[ri], fp, ip6, src, dst) {
				continue
			}
			res.Action = acl.Rules[ri].Action
			res.ACLPos = uint32(pos)
			res.ACLIndex = aclIndex
			res.RuleIndex = uint32(ri)
			return res
		}
	}
	return res
}

func ruleMatches(r *Rule, fp *Fingerprint, ip6 bool, src, dst netip.Addr) bool {
	if r.SrcPrefix.IsValid() {
		if r.SrcPrefix.Addr().Is6() != ip6 || !r.SrcPrefix.Contains(src) {
			return false
		}
	}
	if r.DstPrefix.IsValid() {
		if r.DstPrefix.Addr().Is6() != ip6 || !r.DstPrefix.Contains(dst) {
			return false
		}
	}
	if r.Proto != 0 && r.Proto != fp.Proto {
		return false
	}

	// Port constraints need a parsed L4 header. A non-initial
	// fragment has none, so it can only match rules that do not
	// constrain ports or TCP flags.
	constrained := !r.wildcardSrcPorts() || !r.wildcardDstPorts() || r.TCPFlagsMask != 0
	if constrained && !fp.L4Valid {
		return false
	}
	if fp.L4Valid {
		if fp.SrcPort < r.SrcPortFirst || fp.SrcPort > r.SrcPortLast {
			return false
		}
		if fp.DstPort < r.DstPortFirst || fp.DstPort > r.DstPortLast {
			return false
		}
	}
	if r.TCPFlagsMask != 0 {
		if !fp.TCPFlagsValid || fp.TCPFlags&r.TCPFlagsMask != r.TCPFlagsValue {
			return false
		}
	}
	return true
}
