package main

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/dantte-lp/goacl/internal/acl"
	"github.com/dantte-lp/goacl/internal/config"
)

// applyPolicy installs the declarative ACLs and interface bindings
// from the configuration. Rebinding an already-bound arc advances its
// policy epoch, so a SIGHUP reload with changed policy reclassifies
// the affected cached sessions.
func applyPolicy(dp *acl.Dataplane, cfg *config.Config, logger *slog.Logger) error {
	for _, ac := range cfg.ACLs {
		installed, err := aclFromConfig(ac)
		if err != nil {
			return fmt.Errorf("acl %d: %w", ac.Index, err)
		}
		if err := dp.Rules().ReplaceACL(installed); err != nil {
			return fmt.Errorf("install acl %d: %w", ac.Index, err)
		}
	}

	for _, b := range cfg.Bindings {
		isInput := b.Direction == "input"
		if err := dp.ApplyBinding(b.IfIndex, isInput, b.ACLIndices); err != nil {
			return fmt.Errorf("bind interface %d %s: %w", b.IfIndex, b.Direction, err)
		}
	}

	logger.Info("policy applied",
		slog.Int("acls", len(cfg.ACLs)),
		slog.Int("bindings", len(cfg.Bindings)),
	)
	return nil
}

// aclFromConfig converts one declarative ACL into the dataplane form.
func aclFromConfig(ac config.ACLConfig) (acl.ACL, error) {
	out := acl.ACL{Index: ac.Index, Tag: ac.Tag, Rules: make([]acl.Rule, 0, len(ac.Rules))}
	for i, rc := range ac.Rules {
		r, err := ruleFromConfig(rc)
		if err != nil {
			return acl.ACL{}, fmt.Errorf("rule %d: %w", i, err)
		}
		out.Rules = append(out.Rules, r)
	}
	return out, nil
}

func ruleFromConfig(rc config.RuleConfig) (acl.Rule, error) {
	proto, err := config.ParseProto(rc.Proto)
	if err != nil {
		return acl.Rule{}, err
	}

	r := acl.Rule{
		Proto:         proto,
		SrcPortFirst:  rc.SrcPortFirst,
		SrcPortLast:   rc.SrcPortLast,
		DstPortFirst:  rc.DstPortFirst,
		DstPortLast:   rc.DstPortLast,
		TCPFlagsMask:  rc.TCPFlagsMask,
		TCPFlagsValue: rc.TCPFlagsValue,
	}

	switch rc.Action {
	case "", "deny":
		r.Action = acl.ActionDeny
	case "permit":
		r.Action = acl.ActionPermit
	case "reflect":
		r.Action = acl.ActionPermitReflect
	}

	if rc.Src != "" {
		p, err := netip.ParsePrefix(rc.Src)
		if err != nil {
			return acl.Rule{}, fmt.Errorf("src prefix %q: %w", rc.Src, err)
		}
		r.SrcPrefix = p
	}
	if rc.Dst != "" {
		p, err := netip.ParsePrefix(rc.Dst)
		if err != nil {
			return acl.Rule{}, fmt.Errorf("dst prefix %q: %w", rc.Dst, err)
		}
		r.DstPrefix = p
	}

	return r, nil
}
