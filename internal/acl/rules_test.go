package acl_test

import (
	"net/netip"
	"testing"

	"github.com/dantte-lp/goacl/internal/acl"
)

// matchOne installs the given ACLs on context 0 and evaluates fp.
func matchOne(t *testing.T, fp *acl.Fingerprint, ip6 bool, acls ...acl.ACL) acl.MatchResult {
	t.Helper()
	rs := acl.NewRuleSet()
	indices := make([]uint32, 0, len(acls))
	for _, a := range acls {
		if err := rs.ReplaceACL(a); err != nil {
			t.Fatalf("replace acl %d: %v", a.Index, err)
		}
		indices = append(indices, a.Index)
	}
	if err := rs.SetLookupContext(acl.LookupContext{Index: 0, ACLIndices: indices}); err != nil {
		t.Fatalf("set lookup context: %v", err)
	}
	match := acl.SelectMatchFunc("scalar")
	return match(rs, 0, fp, ip6)
}

func TestMatchFirstWins(t *testing.T) {
	t.Parallel()

	fp := fpTCP(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1000, 80, acl.TCPFlagSYN)
	res := matchOne(t, &fp, false, acl.ACL{
		Index: 5,
		Rules: []acl.Rule{
			{Proto: acl.ProtoTCP, DstPortFirst: 80, DstPortLast: 80, Action: acl.ActionPermitReflect},
			{Action: acl.ActionDeny},
		},
	})

	if res.Action != acl.ActionPermitReflect {
		t.Fatalf("action = %v, want permit+reflect", res.Action)
	}
	if res.ACLIndex != 5 || res.RuleIndex != 0 || res.ACLPos != 0 {
		t.Fatalf("match position = %+v", res)
	}
}

func TestMatchDefaultDeny(t *testing.T) {
	t.Parallel()

	fp := fpTCP(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1000, 81, acl.TCPFlagSYN)
	res := matchOne(t, &fp, false, acl.ACL{
		Index: 1,
		Rules: []acl.Rule{
			{Proto: acl.ProtoTCP, DstPortFirst: 80, DstPortLast: 80, Action: acl.ActionPermit},
		},
	})

	if res.Action != acl.ActionDeny {
		t.Fatalf("action = %v, want default deny", res.Action)
	}
	if res.RuleIndex != ^uint32(0) {
		t.Fatalf("rule index = %d, want no-match marker", res.RuleIndex)
	}
}

func TestMatchACLOrder(t *testing.T) {
	t.Parallel()

	fp := fpTCP(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1000, 80, acl.TCPFlagSYN)
	res := matchOne(t, &fp, false,
		acl.ACL{Index: 10, Rules: []acl.Rule{{Proto: acl.ProtoTCP, Action: acl.ActionDeny}}},
		acl.ACL{Index: 11, Rules: []acl.Rule{{Proto: acl.ProtoTCP, Action: acl.ActionPermit}}},
	)

	if res.Action != acl.ActionDeny || res.ACLIndex != 10 || res.ACLPos != 0 {
		t.Fatalf("acl ordering violated: %+v", res)
	}
}

func TestMatchPrefixes(t *testing.T) {
	t.Parallel()

	rule := acl.Rule{
		SrcPrefix: netip.MustParsePrefix("10.0.0.0/24"),
		DstPrefix: netip.MustParsePrefix("192.0.2.0/24"),
		Action:    acl.ActionPermit,
	}

	in := fpTCP(addr4(10, 0, 0, 7), addr4(192, 0, 2, 9), 1, 2, 0)
	if res := matchOne(t, &in, false, acl.ACL{Index: 1, Rules: []acl.Rule{rule}}); res.Action != acl.ActionPermit {
		t.Fatalf("in-prefix packet denied")
	}

	out := fpTCP(addr4(10, 0, 1, 7), addr4(192, 0, 2, 9), 1, 2, 0)
	if res := matchOne(t, &out, false, acl.ACL{Index: 1, Rules: []acl.Rule{rule}}); res.Action != acl.ActionDeny {
		t.Fatalf("out-of-prefix packet permitted")
	}
}

func TestMatchFamilyMismatch(t *testing.T) {
	t.Parallel()

	rule := acl.Rule{
		SrcPrefix: netip.MustParsePrefix("10.0.0.0/8"),
		Action:    acl.ActionPermit,
	}

	fp6 := acl.Fingerprint{
		SrcAddr: addr4(10, 0, 0, 1), DstAddr: addr4(10, 0, 0, 2),
		Proto: acl.ProtoTCP, L4Valid: true, IsIP6: true,
	}
	if res := matchOne(t, &fp6, true, acl.ACL{Index: 1, Rules: []acl.Rule{rule}}); res.Action != acl.ActionDeny {
		t.Fatalf("v4 prefix matched an ip6 packet")
	}
}

func TestMatchTCPFlags(t *testing.T) {
	t.Parallel()

	synOnly := acl.Rule{
		Proto:         acl.ProtoTCP,
		TCPFlagsMask:  acl.TCPFlagSYN | acl.TCPFlagACK,
		TCPFlagsValue: acl.TCPFlagSYN,
		Action:        acl.ActionPermit,
	}

	syn := fpTCP(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1, 2, acl.TCPFlagSYN)
	if res := matchOne(t, &syn, false, acl.ACL{Index: 1, Rules: []acl.Rule{synOnly}}); res.Action != acl.ActionPermit {
		t.Fatalf("SYN did not match SYN-only rule")
	}

	synack := fpTCP(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1, 2, acl.TCPFlagSYN|acl.TCPFlagACK)
	if res := matchOne(t, &synack, false, acl.ACL{Index: 1, Rules: []acl.Rule{synOnly}}); res.Action != acl.ActionDeny {
		t.Fatalf("SYN+ACK matched SYN-only rule")
	}
}

// TestMatchFragmentSkipsConstrainedRules verifies a fragment without
// L4 info cannot satisfy port- or flag-constrained rules.
func TestMatchFragmentSkipsConstrainedRules(t *testing.T) {
	t.Parallel()

	frag := acl.Fingerprint{
		SrcAddr: addr4(10, 0, 0, 1), DstAddr: addr4(10, 0, 0, 2),
		Proto: acl.ProtoUDP, IsNonFirstFragment: true,
	}
	res := matchOne(t, &frag, false, acl.ACL{
		Index: 1,
		Rules: []acl.Rule{
			{Proto: acl.ProtoUDP, DstPortFirst: 53, DstPortLast: 53, Action: acl.ActionPermit},
			{Proto: acl.ProtoUDP, Action: acl.ActionPermitReflect},
		},
	})

	if res.Action != acl.ActionPermitReflect || res.RuleIndex != 1 {
		t.Fatalf("fragment match = %+v, want unconstrained rule", res)
	}
}

func TestMatchUnknownContextDenies(t *testing.T) {
	t.Parallel()

	rs := acl.NewRuleSet()
	fp := fpTCP(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1, 2, 0)
	match := acl.SelectMatchFunc("")
	if res := match(rs, 99, &fp, false); res.Action != acl.ActionDeny {
		t.Fatalf("unknown context did not deny")
	}
}

func TestSetLookupContextUnknownACL(t *testing.T) {
	t.Parallel()

	rs := acl.NewRuleSet()
	err := rs.SetLookupContext(acl.LookupContext{Index: 0, ACLIndices: []uint32{9}})
	if err == nil {
		t.Fatalf("binding an unknown acl succeeded")
	}
}

func TestReplaceACLWidensZeroPortRanges(t *testing.T) {
	t.Parallel()

	rs := acl.NewRuleSet()
	if err := rs.ReplaceACL(acl.ACL{
		Index: 1,
		Rules: []acl.Rule{{Proto: acl.ProtoTCP, Action: acl.ActionPermit}},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got := rs.ACL(1)
	if got == nil {
		t.Fatalf("acl not installed")
	}
	r := got.Rules[0]
	if r.SrcPortLast != 0xffff || r.DstPortLast != 0xffff {
		t.Fatalf("zero ranges not widened: %+v", r)
	}
}

func TestRegisterMatchFuncFallback(t *testing.T) {
	t.Parallel()

	if acl.SelectMatchFunc("no-such-capability") == nil {
		t.Fatalf("fallback matcher missing")
	}
}
