package acl

import (
	"context"
	"log/slog"
)

// -------------------------------------------------------------------------
// Pipeline Orchestrator
// -------------------------------------------------------------------------

// ProcessFrame runs every buffer of the frame through the node's
// pipeline on behalf of the given worker, then flushes the aggregated
// counters once. Within a worker, frames are processed strictly
// sequentially and to completion; nothing here blocks.
func (dp *Dataplane) ProcessFrame(worker uint16, node *Node, frame *Frame, now int64) FrameCounters {
	var c FrameCounters
	pw := dp.workers[worker]
	debug := dp.logger.Enabled(context.Background(), slog.LevelDebug)

	for _, b := range frame.Buffers {
		dp.processBuffer(pw, node, b, now, &c, debug)
		c.Checked++
	}

	dp.sink.AddNodeCounters(node.name, c)
	dp.addTotals(node.name, c)
	return c
}

// processBuffer is the per-packet pipeline: fingerprint, session key,
// session fast path, rule evaluation, session creation, dispatch,
// trace.
func (dp *Dataplane) processBuffer(pw *Worker, node *Node, b *Buffer, now int64, c *FrameCounters, debug bool) {
	var (
		action      = ActionDeny
		pktErr      = PacketErrorDrop
		traceBitmap uint32
		matchACL    = noMatch
		matchRule   = noMatch
	)

	ifIndex := b.RxIfIndex
	if !node.isInput {
		ifIndex = b.TxIfIndex
	}

	lcIndex, bound := dp.binding.LookupContextFor(ifIndex, node.isInput)
	epoch := dp.binding.EpochFor(ifIndex, node.isInput)

	var fp Fingerprint
	Extract(b, node.ip6, node.isInput, node.isL2, &fp)
	fp.IfIndexLSB = uint16(ifIndex)
	fp.LCIndex = lcIndex
	key, validNew := MakeSessionKey(&fp)

	if debug {
		kw := key.Words()
		dp.logger.Debug("session 5-tuple",
			slog.String("node", node.name),
			slog.Uint64("w0", kw[0]), slog.Uint64("w1", kw[1]),
			slog.Uint64("w2", kw[2]), slog.Uint64("w3", kw[3]),
			slog.Uint64("w4", kw[4]),
		)
	}

	aclCheckNeeded := true

	switch {
	case !bound:
		// No lookup context on this arc: deny outright.
		aclCheckNeeded = false

	case dp.table.HasSessions(ifIndex):
		if id, sess, ok := dp.table.Find(key); ok {
			traceBitmap |= TraceExistSession
			pktErr = PacketErrorExistSession
			c.ExistSessions++
			aclCheckNeeded = false

			dir := 0
			if key.Reversed() {
				dir = 1
			}
			oldClass := sess.TimeoutClass()
			action = sess.Track(now, &fp, dir)
			newClass := sess.TimeoutClass()
			matchRule = id.Slot

			// Tracking may have moved the session between aging
			// classes, e.g. transient to established.
			if oldClass != newClass && id.Worker == pw.index {
				dp.table.RestartTimer(id)
				c.RestartTimers++
				traceBitmap |= timeoutTransitionBits(oldClass, newClass)
			}

			// The key holds only the low 16 bits of the interface
			// index; a full-width mismatch is a genuine collision and
			// the unlucky packet is dropped.
			if sess.IfIndex != ifIndex {
				dp.logCollision(now, sess.IfIndex, ifIndex)
				action = ActionDeny
				pktErr = PacketErrorDrop
			}

			if dp.reclassify.Load() && id.Epoch.StaleAgainst(epoch) {
				// Same arc, different change counter: the session
				// predates the current policy. Kill it and fall
				// through to rule evaluation.
				pw.noteEpochChange(ifIndex)
				if id.Worker == pw.index {
					dp.table.Delete(pw.index, ifIndex, id)
				} else {
					pw.deferEvictTo(dp, id)
				}
				aclCheckNeeded = true
				traceBitmap |= TraceStaleSessionKilled
			}
		}
	}

	if aclCheckNeeded {
		res := dp.match(dp.rules, lcIndex, &fp, node.ip6)
		action = res.Action
		matchACL = res.ACLIndex
		matchRule = res.RuleIndex
		traceBitmap |= res.TraceBits

		switch action {
		case ActionDeny:
			pktErr = PacketErrorDrop
		case ActionPermit:
			pktErr = PacketErrorPermit
			c.Permitted++
		case ActionPermitReflect:
			action, pktErr = dp.admitSession(pw, node, ifIndex, now, key, epoch, &fp, validNew, c)
		}
	}

	if action > ActionDeny {
		b.Next = node.permitNext(b)
	} else {
		b.Next = NextDrop
	}
	b.Error = pktErr

	if debug {
		dp.logger.Debug("verdict",
			slog.String("node", node.name),
			slog.Uint64("if_index", uint64(ifIndex)),
			slog.Uint64("lc_index", uint64(lcIndex)),
			slog.String("action", action.String()),
			slog.Uint64("acl_index", uint64(matchACL)),
			slog.Uint64("rule_index", uint64(matchRule)),
		)
	}

	if node.traceOn && b.Traced {
		node.trace.add(TraceRecord{
			Node:       node.name,
			IfIndex:    ifIndex,
			LCIndex:    lcIndex,
			NextIndex:  b.Next,
			ACLIndex:   matchACL,
			RuleIndex:  matchRule,
			PacketInfo: fp.TraceWords(),
			Action:     uint8(action),
			Bitmap:     traceBitmap,
		})
	}
}

// admitSession handles a permit+reflect verdict: admission control,
// one recycle attempt, session installation, and the downgrade to a
// bare permit for packets that cannot legitimately open a flow.
func (dp *Dataplane) admitSession(
	pw *Worker,
	node *Node,
	ifIndex uint32,
	now int64,
	key SessionKey,
	epoch PolicyEpoch,
	fp *Fingerprint,
	validNew bool,
	c *FrameCounters,
) (Action, PacketError) {
	if !dp.table.CanAdd(pw.index, node.isInput, ifIndex) {
		dp.table.TryRecycle(pw.index, node.isInput, ifIndex)
	}
	if !dp.table.CanAdd(pw.index, node.isInput, ifIndex) {
		c.TooMany++
		return ActionDeny, PacketErrorTooManySessions
	}

	if !validNew {
		// E.g. an ICMP error message matched a reflect rule: forward
		// it, but never install a session for it.
		c.Permitted++
		return ActionPermit, PacketErrorPermit
	}

	sess := dp.table.Add(pw.index, node.isInput, ifIndex, now, key, epoch, fp.Proto)
	if sess == nil {
		c.TooMany++
		return ActionDeny, PacketErrorTooManySessions
	}
	dir := 0
	if key.Reversed() {
		dir = 1
	}
	sess.Track(now, fp, dir)
	c.NewSessions++
	return ActionPermitReflect, PacketErrorNewSession
}
