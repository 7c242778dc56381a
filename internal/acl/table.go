package acl

import (
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Table Configuration
// -------------------------------------------------------------------------

// TableConfig sizes the session table.
type TableConfig struct {
	// Workers is the number of per-worker slot pools.
	Workers int

	// PerWorkerSessions caps the sessions one worker may own; it is
	// also the slot pool size.
	PerWorkerSessions int

	// PerInterfaceSessions caps sessions per (interface, direction)
	// within one worker.
	PerInterfaceSessions int

	// MaxInterfaces sizes the per-interface counters.
	MaxInterfaces int

	// Timeouts holds the idle timeout per timeout class. The special
	// class entry is ignored; parked sessions are reaped on the next
	// sweep unconditionally.
	Timeouts [numTimeoutClasses]time.Duration
}

// DefaultTimeouts mirror the classic stateful-ACL aging defaults.
func DefaultTimeouts() [numTimeoutClasses]time.Duration {
	return [numTimeoutClasses]time.Duration{
		TimeoutTransient:      120 * time.Second,
		TimeoutEstablished:    300 * time.Second,
		TimeoutTCPTransient:   120 * time.Second,
		TimeoutTCPEstablished: 7440 * time.Second,
		TimeoutSpecial:        0,
	}
}

// -------------------------------------------------------------------------
// Session Table
// -------------------------------------------------------------------------

// Table is the concurrent session store. Lookup is lock-free: the key
// maps to a packed SessionID through a sync.Map, and the record is
// resolved from the owning worker's slot pool. All structural
// mutations (add, delete, list relinking) are performed only by the
// owning worker; cross-worker evictions are deferred to the owner
// through the worker purge queues.
//
// Two workers racing to create the same key can each install a
// record; the map keeps the last writer's id and the orphaned record
// ages out through its owner's expiry sweep. The table therefore
// maintains at most one *reachable* record per key, which is the
// invariant the pipeline relies on.
type Table struct {
	cfg TableConfig

	// byKey maps the session key words -> packed SessionID. Keying on
	// the words alone keeps both directions of a flow on one entry;
	// the reversed bit is per-packet information.
	byKey sync.Map

	// perIf counts live sessions per interface index across workers;
	// HasSessions is a single atomic load on it.
	perIf []atomic.Int64

	workers []*workerSessions
}

// listRefs is one intrusive list head/tail pair. Head is the most
// recently refreshed session, tail the least.
type listRefs struct {
	head, tail int32
}

// workerSessions is one worker's private slice of the table.
type workerSessions struct {
	index uint16

	// mu guards slot alloc/free and dump snapshots. The packet path
	// takes it only on add/delete, never on lookup or track.
	mu sync.Mutex

	slots    []Session
	freeHead int32
	live     int32

	lists [numTimeoutClasses]listRefs

	// ifCount[ifIndex][dir] backs per-interface admission control.
	ifCount [][2]int32
}

// NewTable allocates the table and all worker slot pools.
func NewTable(cfg TableConfig) *Table {
	t := &Table{
		cfg:     cfg,
		perIf:   make([]atomic.Int64, cfg.MaxInterfaces),
		workers: make([]*workerSessions, cfg.Workers),
	}
	for w := range t.workers {
		ws := &workerSessions{
			index:   uint16(w),
			slots:   make([]Session, cfg.PerWorkerSessions),
			ifCount: make([][2]int32, cfg.MaxInterfaces),
		}
		for c := range ws.lists {
			ws.lists[c] = listRefs{head: nilSlot, tail: nilSlot}
		}
		// Thread the free list through the slot pool.
		for i := range ws.slots {
			ws.slots[i].next = int32(i + 1)
			ws.slots[i].listID = listNone
		}
		if len(ws.slots) > 0 {
			ws.slots[len(ws.slots)-1].next = nilSlot
			ws.freeHead = 0
		} else {
			ws.freeHead = nilSlot
		}
		t.workers[w] = ws
	}
	return t
}

// HasSessions reports whether any session exists for the interface, a
// cheap guard that lets the miss path skip the map probe entirely.
func (t *Table) HasSessions(ifIndex uint32) bool {
	if int(ifIndex) >= len(t.perIf) {
		return false
	}
	return t.perIf[ifIndex].Load() > 0
}

// Find performs the concurrent, lock-free session lookup. It returns
// the session id, the record, and whether a live record was found.
// Callers must verify Session.IfIndex against the packet before
// accepting the hit.
func (t *Table) Find(key SessionKey) (SessionID, *Session, bool) {
	v, ok := t.byKey.Load(key.Words())
	if !ok {
		return SessionID{}, nil, false
	}
	id := UnpackSessionID(v.(uint64))
	if int(id.Worker) >= len(t.workers) {
		return SessionID{}, nil, false
	}
	ws := t.workers[id.Worker]
	if int(id.Slot) >= len(ws.slots) {
		return SessionID{}, nil, false
	}
	return id, &ws.slots[id.Slot], true
}

// Session resolves a session id to its record without the key map.
func (t *Table) Session(id SessionID) *Session {
	if int(id.Worker) >= len(t.workers) {
		return nil
	}
	ws := t.workers[id.Worker]
	if int(id.Slot) >= len(ws.slots) {
		return nil
	}
	return &ws.slots[id.Slot]
}

// -------------------------------------------------------------------------
// Admission Control
// -------------------------------------------------------------------------

// CanAdd reports whether the worker may create a session on the
// interface/direction: a free slot exists, the per-worker cap is not
// exhausted, and the per-interface cap is not exhausted.
func (t *Table) CanAdd(worker uint16, isInput bool, ifIndex uint32) bool {
	ws := t.workers[worker]
	if ws.freeHead == nilSlot || int(ws.live) >= t.cfg.PerWorkerSessions {
		return false
	}
	if int(ifIndex) >= len(ws.ifCount) {
		return false
	}
	return int(ws.ifCount[ifIndex][dirIndex(isInput)]) < t.cfg.PerInterfaceSessions
}

// TryRecycle makes one attempt to free capacity by evicting the
// worker's least-recently-used transient session. Established
// sessions are never recycled. Returns whether a session was evicted.
func (t *Table) TryRecycle(worker uint16, isInput bool, ifIndex uint32) bool {
	ws := t.workers[worker]
	victim := ws.lists[TimeoutTransient].tail
	if victim == nilSlot {
		return false
	}
	s := &ws.slots[victim]
	return t.Delete(worker, s.IfIndex, s.ID)
}

// -------------------------------------------------------------------------
// Add / Delete / RestartTimer — owner-worker only
// -------------------------------------------------------------------------

// Add creates a session owned by the calling worker, links it on the
// transient aging list, and publishes it in the key map. The caller
// must have checked CanAdd.
func (t *Table) Add(worker uint16, isInput bool, ifIndex uint32, now int64, key SessionKey, epoch PolicyEpoch, proto uint8) *Session {
	ws := t.workers[worker]

	ws.mu.Lock()
	slot := ws.freeHead
	if slot == nilSlot {
		ws.mu.Unlock()
		return nil
	}
	s := &ws.slots[slot]
	ws.freeHead = s.next

	id := SessionID{Worker: worker, Slot: uint32(slot), Epoch: epoch}
	s.Key = key
	s.IfIndex = ifIndex
	s.ID = id
	s.Proto = proto
	s.Created = now
	s.lastActive[0].Store(now)
	s.lastActive[1].Store(0)
	s.tcpFlagsSeen[0].Store(0)
	s.tcpFlagsSeen[1].Store(0)
	s.pktCount[0].Store(0)
	s.pktCount[1].Store(0)
	s.prev, s.next = nilSlot, nilSlot
	s.listID = listNone
	s.isInput = isInput
	s.inUse = true
	ws.live++
	ws.mu.Unlock()

	ws.link(slot, TimeoutTransient)

	if int(ifIndex) < len(ws.ifCount) {
		ws.ifCount[ifIndex][dirIndex(isInput)]++
	}
	if int(ifIndex) < len(t.perIf) {
		t.perIf[ifIndex].Add(1)
	}

	t.byKey.Store(key.Words(), id.Pack())
	return s
}

// Delete unlinks the session from its aging list and removes it from
// the table. It returns false when the record was already unlinked by
// a concurrent expiry or does not belong to the calling worker; the
// caller must not retry.
func (t *Table) Delete(worker uint16, ifIndex uint32, id SessionID) bool {
	if id.Worker != worker || int(id.Worker) >= len(t.workers) {
		return false
	}
	ws := t.workers[worker]
	if int(id.Slot) >= len(ws.slots) {
		return false
	}
	s := &ws.slots[id.Slot]
	if !s.inUse || s.ID != id {
		return false
	}
	if s.listID == listNone {
		// Lost the race against an expiry that already unlinked it.
		return false
	}
	ws.unlink(int32(id.Slot))

	// Remove the key mapping only if it still points at this record;
	// a replacement session under the same key stays untouched.
	t.byKey.CompareAndDelete(s.Key.Words(), id.Pack())

	if int(s.IfIndex) < len(ws.ifCount) {
		ws.ifCount[s.IfIndex][dirIndex(s.isInput)]--
	}
	if int(s.IfIndex) < len(t.perIf) {
		t.perIf[s.IfIndex].Add(-1)
	}

	ws.mu.Lock()
	s.inUse = false
	s.prev = nilSlot
	s.next = ws.freeHead
	ws.freeHead = int32(id.Slot)
	ws.live--
	ws.mu.Unlock()
	return true
}

// RestartTimer moves the session to the head of the list matching its
// current timeout class. Called by the owner when tracking changed the
// class, and by the expiry sweep for a session found on the list of a
// class it no longer has. Parking into the special class uses Park.
func (t *Table) RestartTimer(id SessionID) {
	if int(id.Worker) >= len(t.workers) {
		return
	}
	ws := t.workers[id.Worker]
	if int(id.Slot) >= len(ws.slots) {
		return
	}
	s := &ws.slots[id.Slot]
	if !s.inUse || s.listID == listNone {
		return
	}
	ws.unlink(int32(id.Slot))
	ws.link(int32(id.Slot), s.TimeoutClass())
}

// Park moves a session to the special class so the next expiry sweep
// reaps it. Owner-worker only; used by deferred cross-worker evictions
// and the clear-sessions operation.
func (t *Table) Park(id SessionID) {
	if int(id.Worker) >= len(t.workers) {
		return
	}
	ws := t.workers[id.Worker]
	if int(id.Slot) >= len(ws.slots) {
		return
	}
	s := &ws.slots[id.Slot]
	if !s.inUse || s.listID == listNone {
		return
	}
	ws.unlink(int32(id.Slot))
	ws.link(int32(id.Slot), TimeoutSpecial)
}

// -------------------------------------------------------------------------
// Intrusive list plumbing
// -------------------------------------------------------------------------

func (ws *workerSessions) link(slot int32, class TimeoutClass) {
	s := &ws.slots[slot]
	l := &ws.lists[class]
	s.listID = uint8(class)
	s.prev = nilSlot
	s.next = l.head
	if l.head != nilSlot {
		ws.slots[l.head].prev = slot
	}
	l.head = slot
	if l.tail == nilSlot {
		l.tail = slot
	}
}

func (ws *workerSessions) unlink(slot int32) {
	s := &ws.slots[slot]
	l := &ws.lists[s.listID]
	if s.prev != nilSlot {
		ws.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nilSlot {
		ws.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = nilSlot, nilSlot
	s.listID = listNone
}

// -------------------------------------------------------------------------
// Counts and dumps
// -------------------------------------------------------------------------

// WorkerLive returns the number of sessions the worker currently owns.
func (t *Table) WorkerLive(worker uint16) int {
	if int(worker) >= len(t.workers) {
		return 0
	}
	ws := t.workers[worker]
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return int(ws.live)
}

// TotalLive returns the live session count across all workers.
func (t *Table) TotalLive() int {
	total := 0
	for w := range t.workers {
		total += t.WorkerLive(uint16(w))
	}
	return total
}

// SessionInfo is a point-in-time copy of one session for dumps.
type SessionInfo struct {
	Key        SessionKey   `json:"-"`
	KeyWords   [5]uint64    `json:"key"`
	Worker     uint16       `json:"worker"`
	Slot       uint32       `json:"slot"`
	Epoch      uint16       `json:"epoch"`
	IfIndex    uint32       `json:"if_index"`
	Proto      uint8        `json:"proto"`
	Class      string       `json:"timeout_class"`
	CreatedNS  int64        `json:"created_ns"`
	LastActive [2]int64     `json:"last_active_ns"`
	TCPFlags   [2]uint8     `json:"tcp_flags_seen"`
	Packets    uint64       `json:"packets"`
}

// Dump snapshots every reachable session. It walks the key map so it
// only reports reachable records, and copies fields under the owner
// pool's slot mutex plus atomic loads for the tracked state.
func (t *Table) Dump() []SessionInfo {
	var out []SessionInfo
	t.byKey.Range(func(_, v any) bool {
		id := UnpackSessionID(v.(uint64))
		s := t.Session(id)
		if s == nil {
			return true
		}
		ws := t.workers[id.Worker]
		ws.mu.Lock()
		if !s.inUse || s.ID != id {
			ws.mu.Unlock()
			return true
		}
		info := SessionInfo{
			Key:       s.Key,
			KeyWords:  s.Key.Words(),
			Worker:    id.Worker,
			Slot:      id.Slot,
			Epoch:     uint16(id.Epoch),
			IfIndex:   s.IfIndex,
			Proto:     s.Proto,
			Class:     s.TimeoutClass().String(),
			CreatedNS: s.Created,
			LastActive: [2]int64{
				s.lastActive[0].Load(),
				s.lastActive[1].Load(),
			},
			TCPFlags: [2]uint8{
				uint8(s.tcpFlagsSeen[0].Load()),
				uint8(s.tcpFlagsSeen[1].Load()),
			},
			Packets: s.Packets(),
		}
		ws.mu.Unlock()
		out = append(out, info)
		return true
	})
	return out
}

// -------------------------------------------------------------------------
// Expiry sweep — owner-worker only
// -------------------------------------------------------------------------

// maxExpirePerSweep bounds the work one sweep may do so frame
// processing latency stays bounded.
const maxExpirePerSweep = 64

// ExpireWorker reaps the worker's idle sessions: for each aging class
// it walks from the least-recently-used tail and deletes sessions
// whose idle time exceeds the class timeout. Special-class sessions
// are reaped unconditionally. A tail session whose current class
// differs from its list (its class changed on a sibling worker's hit)
// is moved to its class's list instead. Returns the number of sessions
// removed.
//
// Must only be called from the owning worker's loop, between frames.
func (t *Table) ExpireWorker(worker uint16, now int64) int {
	ws := t.workers[worker]
	reaped := 0
	for class := TimeoutClass(0); class < numTimeoutClasses; class++ {
		timeout := t.cfg.Timeouts[class].Nanoseconds()
		for reaped < maxExpirePerSweep {
			tail := ws.lists[class].tail
			if tail == nilSlot {
				break
			}
			s := &ws.slots[tail]
			if class != TimeoutSpecial && s.TimeoutClass() != class {
				t.RestartTimer(s.ID)
				continue
			}
			if class != TimeoutSpecial && now-s.LastActive() < timeout {
				break
			}
			if !t.Delete(worker, s.IfIndex, s.ID) {
				break
			}
			reaped++
		}
	}
	return reaped
}
