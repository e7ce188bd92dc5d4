// Package metrics exposes proxy counters and gauges for Prometheus.
// Every Record method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "shardproxy"

// Metrics holds every collector the proxy reports.
type Metrics struct {
	registry *prometheus.Registry

	// shard metrics
	ShardState       *prometheus.GaugeVec
	ShardDispatches  *prometheus.CounterVec
	ShardReconnects  *prometheus.CounterVec
	ShardLatency     *prometheus.GaugeVec
	ShardSubscribers *prometheus.GaugeVec
	GrantWait        *prometheus.HistogramVec

	// client metrics
	ClientConnections prometheus.Gauge
	ClientSessions    prometheus.Gauge
	ClientCloses      *prometheus.CounterVec
	ClientFrames      *prometheus.CounterVec
	ClientOverflows   prometheus.Counter

	MalformedFrames *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ShardState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "shard",
				Name:      "state",
				Help:      "Shard state (0=connecting, 1=identifying, 2=resuming, 3=ready, 4=not_ready, 5=closed)",
			},
			[]string{"shard"},
		),
		ShardDispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "shard",
				Name:      "dispatches_total",
				Help:      "Dispatch frames received from upstream",
			},
			[]string{"shard", "type"},
		),
		ShardReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "shard",
				Name:      "reconnects_total",
				Help:      "Upstream reconnects by reason",
			},
			[]string{"shard", "reason"},
		),
		ShardLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "shard",
				Name:      "heartbeat_latency_seconds",
				Help:      "Last upstream heartbeat round trip",
			},
			[]string{"shard"},
		),
		ShardSubscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "shard",
				Name:      "subscribers",
				Help:      "Client sessions attached to the shard",
			},
			[]string{"shard"},
		),
		GrantWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "grant_wait_seconds",
				Help:      "Time spent waiting for a connect grant",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"bucket"},
		),

		ClientConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "connections",
				Help:      "Open downstream connections",
			},
		),
		ClientSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "sessions",
				Help:      "Client sessions in the session table, attached or in grace",
			},
		),
		ClientCloses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "closes_total",
				Help:      "Downstream connections closed by close code",
			},
			[]string{"code"},
		),
		ClientFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "frames_sent_total",
				Help:      "Frames written to downstream connections",
			},
			[]string{"compressed"},
		),
		ClientOverflows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "overflows_total",
				Help:      "Downstream sessions dropped for falling behind",
			},
		),

		MalformedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proto",
				Name:      "malformed_frames_total",
				Help:      "Frames dropped because their control fields could not be read",
			},
			[]string{"side"},
		),
	}

	m.registry.MustRegister(
		m.ShardState,
		m.ShardDispatches,
		m.ShardReconnects,
		m.ShardLatency,
		m.ShardSubscribers,
		m.GrantWait,
		m.ClientConnections,
		m.ClientSessions,
		m.ClientCloses,
		m.ClientFrames,
		m.ClientOverflows,
		m.MalformedFrames,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry to serve.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func shardLabel(id int) string {
	return strconv.Itoa(id)
}

// RecordShardState sets the shard state gauge.
func (m *Metrics) RecordShardState(shard, state int) {
	if m == nil {
		return
	}
	m.ShardState.WithLabelValues(shardLabel(shard)).Set(float64(state))
}

// RecordDispatch counts a dispatch frame.
func (m *Metrics) RecordDispatch(shard int, eventType string) {
	if m == nil {
		return
	}
	m.ShardDispatches.WithLabelValues(shardLabel(shard), eventType).Inc()
}

// RecordReconnect counts an upstream reconnect.
func (m *Metrics) RecordReconnect(shard int, reason string) {
	if m == nil {
		return
	}
	m.ShardReconnects.WithLabelValues(shardLabel(shard), reason).Inc()
}

// RecordLatency updates the heartbeat round trip.
func (m *Metrics) RecordLatency(shard int, d time.Duration) {
	if m == nil {
		return
	}
	m.ShardLatency.WithLabelValues(shardLabel(shard)).Set(d.Seconds())
}

// RecordSubscribers sets the attached client count of a shard.
func (m *Metrics) RecordSubscribers(shard, n int) {
	if m == nil {
		return
	}
	m.ShardSubscribers.WithLabelValues(shardLabel(shard)).Set(float64(n))
}

// RecordGrantWait observes how long a shard waited for its bucket.
func (m *Metrics) RecordGrantWait(bucket int, d time.Duration) {
	if m == nil {
		return
	}
	m.GrantWait.WithLabelValues(strconv.Itoa(bucket)).Observe(d.Seconds())
}

// RecordConnection adjusts the open connection gauge by delta.
func (m *Metrics) RecordConnection(delta int) {
	if m == nil {
		return
	}
	m.ClientConnections.Add(float64(delta))
}

// RecordSessions sets the session table size.
func (m *Metrics) RecordSessions(n int) {
	if m == nil {
		return
	}
	m.ClientSessions.Set(float64(n))
}

// RecordClose counts a downstream close by code.
func (m *Metrics) RecordClose(code int) {
	if m == nil {
		return
	}
	m.ClientCloses.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordFrameSent counts a frame written downstream.
func (m *Metrics) RecordFrameSent(compressed bool) {
	if m == nil {
		return
	}
	m.ClientFrames.WithLabelValues(strconv.FormatBool(compressed)).Inc()
}

// RecordOverflow counts a session dropped for backpressure.
func (m *Metrics) RecordOverflow() {
	if m == nil {
		return
	}
	m.ClientOverflows.Inc()
}

// RecordMalformed counts a dropped frame; side is "upstream" or "downstream".
func (m *Metrics) RecordMalformed(side string) {
	if m == nil {
		return
	}
	m.MalformedFrames.WithLabelValues(side).Inc()
}
