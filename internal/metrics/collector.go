// Package aclmetrics exposes the dataplane node counters and session
// gauges as Prometheus metrics.
package aclmetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/goacl/internal/acl"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "goacl"
	subsystem = "node"
)

// Label names.
const (
	labelNode   = "node"
	labelWorker = "worker"
)

// -------------------------------------------------------------------------
// Collector — Prometheus dataplane metrics
// -------------------------------------------------------------------------

// Collector holds all dataplane Prometheus metrics. It implements
// acl.CounterSink, so the pipeline flushes its per-frame aggregates
// straight into the counter vectors, one flush per frame.
type Collector struct {
	// PacketsChecked counts every packet the node processed.
	PacketsChecked *prometheus.CounterVec

	// PacketsPermitted counts rule permits without session creation.
	PacketsPermitted *prometheus.CounterVec

	// PacketsDenied counts denied packets (rule deny, missing lookup
	// context, admission failure). A collision drop is counted as a
	// session hit, not here.
	PacketsDenied *prometheus.CounterVec

	// SessionsAdded counts installed sessions.
	SessionsAdded *prometheus.CounterVec

	// SessionHits counts packets matched by an existing session.
	SessionHits *prometheus.CounterVec

	// TimerRestarts counts aging-list moves caused by timeout class
	// transitions.
	TimerRestarts *prometheus.CounterVec

	// SessionAddFailures counts reflect matches denied because the
	// session caps were exhausted.
	SessionAddFailures *prometheus.CounterVec

	// WorkerSessions tracks the live session count per worker.
	WorkerSessions *prometheus.GaugeVec
}

// interface compliance check.
var _ acl.CounterSink = (*Collector)(nil)

// NewCollector creates a Collector registered against reg. If reg is
// nil, prometheus.DefaultRegisterer is used. All metrics carry the
// "goacl_node_" prefix.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PacketsChecked,
		c.PacketsPermitted,
		c.PacketsDenied,
		c.SessionsAdded,
		c.SessionHits,
		c.TimerRestarts,
		c.SessionAddFailures,
		c.WorkerSessions,
	)

	return c
}

// newMetrics creates the metric vectors without registering them.
func newMetrics() *Collector {
	nodeLabels := []string{labelNode}

	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, nodeLabels)
	}

	return &Collector{
		PacketsChecked:     counter("packets_checked_total", "Checked packets."),
		PacketsPermitted:   counter("packets_permitted_total", "ACL permit packets."),
		PacketsDenied:      counter("packets_denied_total", "ACL deny packets."),
		SessionsAdded:      counter("sessions_added_total", "New sessions added."),
		SessionHits:        counter("session_packets_total", "Existing session packets."),
		TimerRestarts:      counter("session_timer_restarts_total", "Restart session timer."),
		SessionAddFailures: counter("session_add_failures_total", "Too many sessions to add new."),
		WorkerSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "worker_sessions",
			Help:      "Live sessions owned per worker.",
		}, []string{labelWorker}),
	}
}

// -------------------------------------------------------------------------
// CounterSink
// -------------------------------------------------------------------------

// AddNodeCounters flushes one frame's counter aggregate. Called once
// per processed frame by the pipeline.
func (c *Collector) AddNodeCounters(node string, fc acl.FrameCounters) {
	if fc.Checked > 0 {
		c.PacketsChecked.WithLabelValues(node).Add(float64(fc.Checked))
	}
	if fc.Permitted > 0 {
		c.PacketsPermitted.WithLabelValues(node).Add(float64(fc.Permitted))
	}
	if d := fc.Denied(); d > 0 {
		c.PacketsDenied.WithLabelValues(node).Add(float64(d))
	}
	if fc.NewSessions > 0 {
		c.SessionsAdded.WithLabelValues(node).Add(float64(fc.NewSessions))
	}
	if fc.ExistSessions > 0 {
		c.SessionHits.WithLabelValues(node).Add(float64(fc.ExistSessions))
	}
	if fc.RestartTimers > 0 {
		c.TimerRestarts.WithLabelValues(node).Add(float64(fc.RestartTimers))
	}
	if fc.TooMany > 0 {
		c.SessionAddFailures.WithLabelValues(node).Add(float64(fc.TooMany))
	}
}

// SetWorkerSessions updates the live session gauge for one worker.
func (c *Collector) SetWorkerSessions(worker, n int) {
	c.WorkerSessions.WithLabelValues(strconv.Itoa(worker)).Set(float64(n))
}
