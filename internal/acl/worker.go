package acl

import (
	"context"
	"hash/maphash"
	"log/slog"
	"runtime"
	"time"
)

// -------------------------------------------------------------------------
// Worker — one packet-processing loop
// -------------------------------------------------------------------------

// workItem pairs a frame with the entry point it arrived on.
type workItem struct {
	node  *Node
	frame *Frame
}

// purgeQueueDepth bounds the deferred-eviction queue. Overflow drops
// the eviction request; the session then simply ages out normally.
const purgeQueueDepth = 1024

// Worker owns one slice of the session table and processes its frame
// queue to completion, one frame at a time, without blocking inside a
// frame. Aging sweeps and deferred evictions from sibling workers run
// between frames, so every structural table mutation for this worker's
// sessions happens on this goroutine.
type Worker struct {
	dp     *Dataplane
	index  uint16
	logger *slog.Logger

	frames chan workItem
	purge  chan SessionID

	// epochChangeByIf counts, per interface, the sessions this worker
	// invalidated because their policy epoch went stale.
	epochChangeByIf []uint64
}

func newWorker(dp *Dataplane, index uint16) *Worker {
	return &Worker{
		dp:              dp,
		index:           index,
		logger:          dp.logger.With(slog.Int("worker", int(index))),
		frames:          make(chan workItem, dp.cfg.FrameQueueDepth),
		purge:           make(chan SessionID, purgeQueueDepth),
		epochChangeByIf: make([]uint64, dp.cfg.MaxInterfaces),
	}
}

// Index returns the worker's index.
func (w *Worker) Index() uint16 { return w.index }

// EpochChanges returns the stale-session invalidation count for one
// interface.
func (w *Worker) EpochChanges(ifIndex uint32) uint64 {
	if int(ifIndex) >= len(w.epochChangeByIf) {
		return 0
	}
	return w.epochChangeByIf[ifIndex]
}

func (w *Worker) noteEpochChange(ifIndex uint32) {
	if int(ifIndex) < len(w.epochChangeByIf) {
		w.epochChangeByIf[ifIndex]++
	}
}

// Enqueue hands a frame to the worker. It returns false when the
// queue is full; the caller decides whether to drop or retry.
func (w *Worker) Enqueue(node *Node, frame *Frame) bool {
	select {
	case w.frames <- workItem{node: node, frame: frame}:
		return true
	default:
		return false
	}
}

// deferEvict asks this worker to remove one of its own sessions. Used
// by the control plane; lossy by design, aging covers the remainder.
func (w *Worker) deferEvict(id SessionID) {
	select {
	case w.purge <- id:
	default:
	}
}

// deferEvictTo routes an eviction observed on this worker to the
// session's owner.
func (w *Worker) deferEvictTo(dp *Dataplane, id SessionID) {
	if int(id.Worker) < len(dp.workers) {
		dp.workers[id.Worker].deferEvict(id)
	}
}

// Run is the worker loop. The goroutine is pinned to an OS thread:
// frame processing is latency-sensitive and thread affinity keeps
// scheduler jitter out of the per-frame timings.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(w.dp.cfg.ExpireInterval)
	defer ticker.Stop()

	w.logger.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil

		case item := <-w.frames:
			w.dp.ProcessFrame(w.index, item.node, item.frame, time.Now().UnixNano())

		case id := <-w.purge:
			w.dp.table.Park(id)

		case <-ticker.C:
			w.drainPurge()
			if n := w.dp.table.ExpireWorker(w.index, time.Now().UnixNano()); n > 0 {
				w.logger.Debug("expired sessions", slog.Int("count", n))
			}
		}
	}
}

// drainPurge parks all pending deferred evictions before a sweep.
func (w *Worker) drainPurge() {
	for {
		select {
		case id := <-w.purge:
			w.dp.table.Park(id)
		default:
			return
		}
	}
}

// -------------------------------------------------------------------------
// Frame dispatch — RSS-style worker selection
// -------------------------------------------------------------------------

// dispatchSeed fixes the flow-hash so a flow maps to the same worker
// for the process lifetime.
var dispatchSeed = maphash.MakeSeed()

// WorkerForKey selects the worker a flow belongs to: a hash of the
// direction-agnostic key words, so both directions of a flow land on
// the same worker the way hardware RSS would place them.
func (dp *Dataplane) WorkerForKey(key SessionKey) uint16 {
	var h maphash.Hash
	h.SetSeed(dispatchSeed)
	w := key.Words()
	for _, x := range w {
		var b [8]byte
		for i := range b {
			b[i] = byte(x >> (8 * i))
		}
		h.Write(b[:])
	}
	return uint16(h.Sum64() % uint64(len(dp.workers)))
}

// DispatchBuffer extracts just enough of the packet to compute its
// flow placement and enqueues a single-buffer frame on the right
// worker. Frame sources that already batch per worker can call
// Worker.Enqueue directly.
func (dp *Dataplane) DispatchBuffer(ip6, isInput, isL2 bool, b *Buffer) bool {
	node := dp.Node(ip6, isInput, isL2)

	var fp Fingerprint
	Extract(b, ip6, isInput, isL2, &fp)
	ifIndex := b.RxIfIndex
	if !isInput {
		ifIndex = b.TxIfIndex
	}
	fp.IfIndexLSB = uint16(ifIndex)
	key, _ := MakeSessionKey(&fp)

	w := dp.workers[dp.WorkerForKey(key)]
	return w.Enqueue(node, &Frame{Buffers: []*Buffer{b}})
}
