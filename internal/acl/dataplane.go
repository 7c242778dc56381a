package acl

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Dataplane Configuration
// -------------------------------------------------------------------------

// Config sizes and parameterizes a Dataplane.
type Config struct {
	// Workers is the number of packet workers.
	Workers int

	// MaxInterfaces sizes the binding and counter tables.
	MaxInterfaces int

	// PerWorkerSessions caps sessions per worker (slot pool size).
	PerWorkerSessions int

	// PerInterfaceSessions caps sessions per (interface, direction)
	// per worker.
	PerInterfaceSessions int

	// Timeouts are the per-class idle timeouts; zero values fall back
	// to DefaultTimeouts.
	Timeouts [numTimeoutClasses]time.Duration

	// ReclassifySessions enables epoch-based session invalidation on
	// policy changes.
	ReclassifySessions bool

	// MatcherCapability selects the rule matcher variant from the
	// registry; empty or unknown falls back to the scalar matcher.
	MatcherCapability string

	// FrameQueueDepth is the per-worker frame queue length.
	FrameQueueDepth int

	// ExpireInterval is the per-worker aging sweep period.
	ExpireInterval time.Duration
}

// Configuration defaults.
const (
	defaultWorkers           = 1
	defaultMaxInterfaces     = 1024
	defaultPerWorkerSessions = 1 << 16
	defaultPerIfSessions     = 1 << 14
	defaultFrameQueueDepth   = 64
	defaultExpireInterval    = time.Second
)

// ErrNoWorkers indicates a zero or negative worker count.
var ErrNoWorkers = errors.New("worker count must be >= 1")

func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.MaxInterfaces == 0 {
		c.MaxInterfaces = defaultMaxInterfaces
	}
	if c.PerWorkerSessions == 0 {
		c.PerWorkerSessions = defaultPerWorkerSessions
	}
	if c.PerInterfaceSessions == 0 {
		c.PerInterfaceSessions = defaultPerIfSessions
	}
	if c.FrameQueueDepth == 0 {
		c.FrameQueueDepth = defaultFrameQueueDepth
	}
	if c.ExpireInterval == 0 {
		c.ExpireInterval = defaultExpireInterval
	}
	defaults := DefaultTimeouts()
	for i := range c.Timeouts {
		if c.Timeouts[i] == 0 {
			c.Timeouts[i] = defaults[i]
		}
	}
}

// -------------------------------------------------------------------------
// Dataplane
// -------------------------------------------------------------------------

// Option configures optional Dataplane parameters.
type Option func(*Dataplane)

// WithCounterSink attaches a counter sink. If sink is nil, the no-op
// sink stays in place.
func WithCounterSink(sink CounterSink) Option {
	return func(dp *Dataplane) {
		if sink != nil {
			dp.sink = sink
		}
	}
}

// Dataplane is the stateful ACL node: the session table, the rule
// set, the per-interface bindings, the worker pool, and the eight
// entry-point nodes. It is the borrowed context every ProcessFrame
// call runs against; there is no hidden global state.
type Dataplane struct {
	cfg     Config
	logger  *slog.Logger
	sink    CounterSink
	rules   *RuleSet
	binding *Binding
	table   *Table
	match   MatchFunc

	reclassify atomic.Bool

	nodes   [8]*Node
	workers []*Worker

	// totals accumulates per-node counters for the admin API; the
	// prometheus sink gets the same flushes.
	totalsMu sync.Mutex
	totals   map[string]FrameCounters

	// lastCollisionLog rate-limits the interface-collision warning.
	lastCollisionLog atomic.Int64
}

// New creates a Dataplane with the given configuration. Workers are
// allocated but not started; call Run on each worker (or use the
// daemon's worker pool runner).
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Dataplane, error) {
	cfg.applyDefaults()
	if cfg.Workers < 1 {
		return nil, ErrNoWorkers
	}

	dp := &Dataplane{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "dataplane")),
		sink:    NoopCounterSink{},
		rules:   NewRuleSet(),
		binding: NewBinding(cfg.MaxInterfaces),
		match:   SelectMatchFunc(cfg.MatcherCapability),
		totals:  make(map[string]FrameCounters),
	}
	dp.table = NewTable(TableConfig{
		Workers:              cfg.Workers,
		PerWorkerSessions:    cfg.PerWorkerSessions,
		PerInterfaceSessions: cfg.PerInterfaceSessions,
		MaxInterfaces:        cfg.MaxInterfaces,
		Timeouts:             cfg.Timeouts,
	})
	dp.reclassify.Store(cfg.ReclassifySessions)

	for _, ip6 := range []bool{false, true} {
		for _, isInput := range []bool{false, true} {
			for _, isL2 := range []bool{false, true} {
				n := &Node{
					name:    nodeName(ip6, isInput, isL2),
					ip6:     ip6,
					isInput: isInput,
					isL2:    isL2,
				}
				if isL2 {
					n.l2NextTable = defaultL2NextTable
				}
				dp.nodes[nodeKey(ip6, isInput, isL2)] = n
			}
		}
	}

	for _, opt := range opts {
		opt(dp)
	}

	dp.workers = make([]*Worker, cfg.Workers)
	for i := range dp.workers {
		dp.workers[i] = newWorker(dp, uint16(i))
	}

	return dp, nil
}

// Node returns the entry point for the given (ip6, input, l2) triple.
func (dp *Dataplane) Node(ip6, isInput, isL2 bool) *Node {
	return dp.nodes[nodeKey(ip6, isInput, isL2)]
}

// Nodes returns all eight entry points.
func (dp *Dataplane) Nodes() []*Node {
	return dp.nodes[:]
}

// Rules exposes the installed rule set for the control plane.
func (dp *Dataplane) Rules() *RuleSet { return dp.rules }

// Binding exposes the per-interface binding tables.
func (dp *Dataplane) Binding() *Binding { return dp.binding }

// Table exposes the session table.
func (dp *Dataplane) Table() *Table { return dp.table }

// Workers returns the worker pool.
func (dp *Dataplane) Workers() []*Worker { return dp.workers }

// SetReclassifySessions toggles epoch-based invalidation at runtime.
func (dp *Dataplane) SetReclassifySessions(on bool) {
	dp.reclassify.Store(on)
}

// ReclassifySessions reports the current reclassification setting.
func (dp *Dataplane) ReclassifySessions() bool {
	return dp.reclassify.Load()
}

// ClearSessions parks every reachable session for deletion. The
// actual unlink happens on each owner worker: remote workers receive
// the ids through their purge queues, sessions owned by callerWorker
// are parked directly. Use WorkerNone from control-plane context.
func (dp *Dataplane) ClearSessions(callerWorker int) int {
	n := 0
	dp.table.byKey.Range(func(_, v any) bool {
		id := UnpackSessionID(v.(uint64))
		if int(id.Worker) == callerWorker {
			dp.table.Park(id)
		} else if int(id.Worker) < len(dp.workers) {
			dp.workers[id.Worker].deferEvict(id)
		}
		n++
		return true
	})
	return n
}

// WorkerNone is the caller id for control-plane goroutines that own
// no sessions.
const WorkerNone = -1

// ApplyBinding installs (or replaces) the ordered ACL list on one
// interface arc. Each (interface, direction) owns a deterministic
// lookup context index, so rebinding replaces the context in place
// and Bind advances the policy epoch.
func (dp *Dataplane) ApplyBinding(ifIndex uint32, isInput bool, aclIndices []uint32) error {
	lc := ifIndex * 2
	if !isInput {
		lc++
	}
	if err := dp.rules.SetLookupContext(LookupContext{
		Index:      lc,
		ACLIndices: aclIndices,
	}); err != nil {
		return err
	}
	return dp.binding.Bind(ifIndex, isInput, lc)
}

// CounterTotals returns a snapshot of the accumulated per-node
// counters keyed by node name.
func (dp *Dataplane) CounterTotals() map[string]FrameCounters {
	dp.totalsMu.Lock()
	defer dp.totalsMu.Unlock()
	out := make(map[string]FrameCounters, len(dp.totals))
	for k, v := range dp.totals {
		out[k] = v
	}
	return out
}

func (dp *Dataplane) addTotals(node string, c FrameCounters) {
	dp.totalsMu.Lock()
	t := dp.totals[node]
	t.add(c)
	dp.totals[node] = t
	dp.totalsMu.Unlock()
}

// collisionLogInterval rate-limits the collision warning.
const collisionLogInterval = time.Second

// logCollision emits the rate-limited warning for an interface-LSB
// 5-tuple collision.
func (dp *Dataplane) logCollision(now int64, sessIf, pktIf uint32) {
	last := dp.lastCollisionLog.Load()
	if now-last < collisionLogInterval.Nanoseconds() {
		return
	}
	if !dp.lastCollisionLog.CompareAndSwap(last, now) {
		return
	}
	dp.logger.Warn("session interface LSB16 and 5-tuple collision, dropping packet",
		slog.String("session_if", fmt.Sprintf("0x%08x", sessIf)),
		slog.String("packet_if", fmt.Sprintf("0x%08x", pktIf)),
	)
}
