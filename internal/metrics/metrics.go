// Package metrics exposes Prometheus instrumentation for the ingest server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "jtstream"

// Metrics holds the event-driven counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Counter
	packets          *prometheus.CounterVec
	protocolErrors   *prometheus.CounterVec
	bytesForwarded   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
	transcoderKills  prometheus.Counter
	transcoderSpawns *prometheus.CounterVec
}

// New registers the metrics on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connections: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "connections_total",
			Help:      "Accepted device connections.",
		}),
		packets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "packets_total",
			Help:      "Decoded frames by data type.",
		}, []string{"data_type"}),
		protocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "protocol_errors_total",
			Help:      "Frames rejected by the header decoder, by field.",
		}, []string{"field"}),
		bytesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "forwarded_bytes_total",
			Help:      "Payload bytes handed to transcoders.",
		}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Finished sessions by close reason.",
		}, []string{"reason"}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:                   Namespace,
			Subsystem:                   "session",
			Name:                        "duration_seconds",
			Help:                        "Lifetime of finished sessions.",
			Buckets:                     []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
			NativeHistogramBucketFactor: 1.1,
		}),
		transcoderKills: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transcoder",
			Name:      "kills_total",
			Help:      "Transcoders killed after the shutdown timeout.",
		}),
		transcoderSpawns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transcoder",
			Name:      "spawns_total",
			Help:      "Transcoder start attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister adds extra collectors, such as a session Exporter.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	m.registry.MustRegister(cs...)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ConnectionAccepted counts an accepted connection.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// PacketDecoded counts a decoded frame.
func (m *Metrics) PacketDecoded(dataType string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(dataType).Inc()
}

// ProtocolError counts a rejected frame.
func (m *Metrics) ProtocolError(field string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(field).Inc()
}

// BytesForwarded adds n payload bytes.
func (m *Metrics) BytesForwarded(n int) {
	if m == nil {
		return
	}
	m.bytesForwarded.Add(float64(n))
}

// SessionClosed records a finished session.
func (m *Metrics) SessionClosed(reason string, lifetime time.Duration, killed bool) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.sessionDuration.Observe(lifetime.Seconds())
	if killed {
		m.transcoderKills.Inc()
	}
}

// TranscoderSpawned records a start attempt.
func (m *Metrics) TranscoderSpawned(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.transcoderSpawns.WithLabelValues(outcome).Inc()
}
