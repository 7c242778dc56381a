package acl_test

import (
	"testing"
	"time"

	"github.com/dantte-lp/goacl/internal/acl"
)

func testTableConfig() acl.TableConfig {
	return acl.TableConfig{
		Workers:              2,
		PerWorkerSessions:    8,
		PerInterfaceSessions: 4,
		MaxInterfaces:        16,
		Timeouts:             acl.DefaultTimeouts(),
	}
}

func keyFor(t *testing.T, sport uint16) acl.SessionKey {
	t.Helper()
	fp := fpTCP(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), sport, 80, acl.TCPFlagSYN)
	k, _ := acl.MakeSessionKey(&fp)
	return k
}

func TestTableAddFindDelete(t *testing.T) {
	t.Parallel()

	tbl := acl.NewTable(testTableConfig())
	key := keyFor(t, 1000)
	now := time.Now().UnixNano()

	if tbl.HasSessions(2) {
		t.Fatalf("empty table reports sessions")
	}
	if !tbl.CanAdd(0, true, 2) {
		t.Fatalf("cannot add into empty table")
	}

	sess := tbl.Add(0, true, 2, now, key, acl.EpochIsInput|1, acl.ProtoTCP)
	if sess == nil {
		t.Fatalf("add returned nil")
	}
	if !tbl.HasSessions(2) {
		t.Fatalf("interface has no sessions after add")
	}

	id, found, ok := tbl.Find(key)
	if !ok || found != sess {
		t.Fatalf("find after add: ok=%t", ok)
	}
	if id.Worker != 0 || id.Epoch != acl.EpochIsInput|1 {
		t.Fatalf("unexpected id %+v", id)
	}

	if !tbl.Delete(0, 2, id) {
		t.Fatalf("delete failed")
	}
	if tbl.Delete(0, 2, id) {
		t.Fatalf("double delete succeeded")
	}
	if _, _, ok := tbl.Find(key); ok {
		t.Fatalf("find after delete succeeded")
	}
	if tbl.HasSessions(2) {
		t.Fatalf("interface still reports sessions")
	}
}

// TestTableAtMostOneRecord replays the same key through add/find and
// expects a single reachable record.
func TestTableAtMostOneRecord(t *testing.T) {
	t.Parallel()

	tbl := acl.NewTable(testTableConfig())
	key := keyFor(t, 1000)
	now := time.Now().UnixNano()

	tbl.Add(0, true, 2, now, key, 1, acl.ProtoTCP)
	if len(tbl.Dump()) != 1 {
		t.Fatalf("dump = %d records, want 1", len(tbl.Dump()))
	}
	id, _, _ := tbl.Find(key)

	// A second add under the same key keeps one reachable mapping.
	tbl.Add(0, true, 2, now, key, 1, acl.ProtoTCP)
	if len(tbl.Dump()) != 1 {
		t.Fatalf("dump after re-add = %d records, want 1", len(tbl.Dump()))
	}
	id2, _, _ := tbl.Find(key)
	if id == id2 {
		t.Fatalf("re-add did not replace the mapping")
	}

	// Deleting the orphaned first record must not disturb the new
	// mapping.
	tbl.Delete(0, 2, id)
	if _, _, ok := tbl.Find(key); !ok {
		t.Fatalf("mapping lost after deleting the orphan")
	}
}

func TestTableWrongWorkerDelete(t *testing.T) {
	t.Parallel()

	tbl := acl.NewTable(testTableConfig())
	key := keyFor(t, 1000)
	tbl.Add(0, true, 2, time.Now().UnixNano(), key, 1, acl.ProtoTCP)
	id, _, _ := tbl.Find(key)

	if tbl.Delete(1, 2, id) {
		t.Fatalf("cross-worker delete succeeded")
	}
	if _, _, ok := tbl.Find(key); !ok {
		t.Fatalf("session vanished after rejected delete")
	}
}

func TestTablePerInterfaceCap(t *testing.T) {
	t.Parallel()

	tbl := acl.NewTable(testTableConfig())
	now := time.Now().UnixNano()

	for i := range 4 {
		if !tbl.CanAdd(0, true, 2) {
			t.Fatalf("can_add false at %d/4", i)
		}
		tbl.Add(0, true, 2, now, keyFor(t, uint16(1000+i)), acl.EpochIsInput, acl.ProtoTCP)
	}
	if tbl.CanAdd(0, true, 2) {
		t.Fatalf("per-interface cap not enforced")
	}
	// Another interface on the same worker still has room.
	if !tbl.CanAdd(0, true, 3) {
		t.Fatalf("cap leaked across interfaces")
	}
	// Another worker is independent.
	if !tbl.CanAdd(1, true, 2) {
		t.Fatalf("cap leaked across workers")
	}
}

func TestTableRecycleEvictsLRUTransient(t *testing.T) {
	t.Parallel()

	cfg := testTableConfig()
	cfg.PerWorkerSessions = 2
	cfg.PerInterfaceSessions = 2
	tbl := acl.NewTable(cfg)
	now := time.Now().UnixNano()

	oldKey := keyFor(t, 1000)
	tbl.Add(0, true, 2, now, oldKey, 1, acl.ProtoTCP)
	tbl.Add(0, true, 2, now+1, keyFor(t, 1001), 1, acl.ProtoTCP)

	if tbl.CanAdd(0, true, 2) {
		t.Fatalf("table should be full")
	}
	if !tbl.TryRecycle(0, true, 2) {
		t.Fatalf("recycle failed with transient sessions present")
	}
	// The least recently used session (the older one) was evicted.
	if _, _, ok := tbl.Find(oldKey); ok {
		t.Fatalf("recycle evicted the wrong session")
	}
	if !tbl.CanAdd(0, true, 2) {
		t.Fatalf("no capacity after recycle")
	}
}

func TestTableRecycleSkipsEstablished(t *testing.T) {
	t.Parallel()

	cfg := testTableConfig()
	cfg.PerWorkerSessions = 1
	tbl := acl.NewTable(cfg)
	now := time.Now().UnixNano()

	key := keyFor(t, 1000)
	sess := tbl.Add(0, true, 2, now, key, 1, acl.ProtoTCP)

	// Graduate the session: SYN both directions.
	synFP := fpTCP(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1000, 80, acl.TCPFlagSYN)
	ackFP := fpTCP(addr4(10, 0, 0, 2), addr4(10, 0, 0, 1), 80, 1000, acl.TCPFlagSYN|acl.TCPFlagACK)
	sess.Track(now, &synFP, 0)
	sess.Track(now+1, &ackFP, 1)
	id, _, _ := tbl.Find(key)
	tbl.RestartTimer(id)

	if tbl.TryRecycle(0, true, 2) {
		t.Fatalf("recycle evicted an established session")
	}
}

// TestTrackTimeoutClasses drives one session through the TCP state
// transitions the tracker distinguishes.
func TestTrackTimeoutClasses(t *testing.T) {
	t.Parallel()

	tbl := acl.NewTable(testTableConfig())
	now := time.Now().UnixNano()
	a := addr4(10, 0, 0, 1)
	b := addr4(10, 0, 0, 2)

	sess := tbl.Add(0, true, 2, now, keyFor(t, 1000), 1, acl.ProtoTCP)

	syn := fpTCP(a, b, 1000, 80, acl.TCPFlagSYN)
	if sess.Track(now, &syn, 0) != acl.ActionPermit {
		t.Fatalf("track did not permit")
	}
	if got := sess.TimeoutClass(); got != acl.TimeoutTransient {
		t.Fatalf("class after SYN = %v, want transient", got)
	}

	synack := fpTCP(b, a, 80, 1000, acl.TCPFlagSYN|acl.TCPFlagACK)
	sess.Track(now+1, &synack, 1)
	if got := sess.TimeoutClass(); got != acl.TimeoutTCPEstablished {
		t.Fatalf("class after SYN+ACK = %v, want tcp-established", got)
	}

	// FIN in one direction only: still established.
	fin1 := fpTCP(a, b, 1000, 80, acl.TCPFlagFIN|acl.TCPFlagACK)
	sess.Track(now+2, &fin1, 0)
	if got := sess.TimeoutClass(); got != acl.TimeoutTCPEstablished {
		t.Fatalf("class after one FIN = %v, want tcp-established", got)
	}

	// FIN in both directions: teardown.
	fin2 := fpTCP(b, a, 80, 1000, acl.TCPFlagFIN|acl.TCPFlagACK)
	sess.Track(now+3, &fin2, 1)
	if got := sess.TimeoutClass(); got != acl.TimeoutTCPTransient {
		t.Fatalf("class after both FINs = %v, want tcp-transient", got)
	}
}

func TestTrackRSTForcesTransientTCP(t *testing.T) {
	t.Parallel()

	tbl := acl.NewTable(testTableConfig())
	now := time.Now().UnixNano()
	sess := tbl.Add(0, true, 2, now, keyFor(t, 1000), 1, acl.ProtoTCP)

	rst := fpTCP(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1000, 80, acl.TCPFlagRST)
	sess.Track(now, &rst, 0)
	if got := sess.TimeoutClass(); got != acl.TimeoutTCPTransient {
		t.Fatalf("class after RST = %v, want tcp-transient", got)
	}
}

// TestTrackUDPGraduatesOnSecondPacket covers the non-TCP class rule.
func TestTrackUDPGraduatesOnSecondPacket(t *testing.T) {
	t.Parallel()

	tbl := acl.NewTable(testTableConfig())
	now := time.Now().UnixNano()

	fp := acl.Fingerprint{
		SrcAddr: addr4(10, 0, 0, 1), DstAddr: addr4(10, 0, 0, 2),
		SrcPort: 53, DstPort: 5353, Proto: acl.ProtoUDP, L4Valid: true,
	}
	key, _ := acl.MakeSessionKey(&fp)
	sess := tbl.Add(0, true, 2, now, key, 1, acl.ProtoUDP)

	sess.Track(now, &fp, 0)
	if got := sess.TimeoutClass(); got != acl.TimeoutTransient {
		t.Fatalf("class after first packet = %v, want transient", got)
	}
	sess.Track(now+1, &fp, 1)
	if got := sess.TimeoutClass(); got != acl.TimeoutEstablished {
		t.Fatalf("class after second packet = %v, want established", got)
	}
}

// TestExpireSpecialClassReapsImmediately parks a session and sweeps.
func TestExpireSpecialClassReapsImmediately(t *testing.T) {
	t.Parallel()

	tbl := acl.NewTable(testTableConfig())
	now := time.Now().UnixNano()
	key := keyFor(t, 1000)
	tbl.Add(0, true, 2, now, key, 1, acl.ProtoTCP)
	id, _, _ := tbl.Find(key)

	tbl.Park(id)
	if n := tbl.ExpireWorker(0, now); n != 1 {
		t.Fatalf("sweep reaped %d, want 1", n)
	}
	if _, _, ok := tbl.Find(key); ok {
		t.Fatalf("parked session survived the sweep")
	}
}

// TestSessionIDPackRoundTrip covers the 64-bit packing.
func TestSessionIDPackRoundTrip(t *testing.T) {
	t.Parallel()

	ids := []acl.SessionID{
		{},
		{Worker: 1, Slot: 42, Epoch: acl.EpochIsInput | 7},
		{Worker: 65535, Slot: ^uint32(0), Epoch: ^acl.PolicyEpoch(0)},
	}
	for _, id := range ids {
		if got := acl.UnpackSessionID(id.Pack()); got != id {
			t.Fatalf("roundtrip %+v -> %+v", id, got)
		}
	}
}

// TestPolicyEpochStaleness covers the same-arc staleness rule.
func TestPolicyEpochStaleness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stored  acl.PolicyEpoch
		current acl.PolicyEpoch
		want    bool
	}{
		{"identical input", acl.EpochIsInput | 5, acl.EpochIsInput | 5, false},
		{"stale input", acl.EpochIsInput | 5, acl.EpochIsInput | 6, true},
		{"different arc", acl.EpochIsInput | 5, 5, false},
		{"stale output", 3, 4, true},
		{"identical output", 3, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.stored.StaleAgainst(tt.current); got != tt.want {
				t.Fatalf("StaleAgainst = %t, want %t", got, tt.want)
			}
		})
	}
}
