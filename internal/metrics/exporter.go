package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const sessionSubsystem = "session"

var (
	activeSessionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, sessionSubsystem, "active"),
		"The number of live device sessions",
		nil, nil,
	)

	sessionPacketsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, sessionSubsystem, "packets_total"),
		"Packets forwarded by the session",
		[]string{"device_id"}, nil,
	)

	transcoderFedBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "transcoder", "fed_bytes_total"),
		"Bytes written to the session transcoder",
		[]string{"device_id"}, nil,
	)

	transcoderCPUDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "transcoder", "cpu_percent"),
		"Transcoder CPU usage since the previous sample",
		[]string{"device_id"}, nil,
	)

	transcoderRSSDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "transcoder", "resident_memory_bytes"),
		"Transcoder resident set size",
		[]string{"device_id"}, nil,
	)
)

// SessionSample is the per-session view the Exporter publishes.
type SessionSample struct {
	DeviceID   string
	Packets    uint64
	BytesFed   uint64
	CPUPercent float64
	RSSBytes   uint64
}

// Exporter collects live session gauges. It implements prometheus.Collector.
type Exporter struct {
	source func() []SessionSample
}

// NewExporter returns an Exporter reading samples from source at scrape time.
func NewExporter(source func() []SessionSample) *Exporter {
	return &Exporter{source: source}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- activeSessionsDesc
	ch <- sessionPacketsDesc
	ch <- transcoderFedBytesDesc
	ch <- transcoderCPUDesc
	ch <- transcoderRSSDesc
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	samples := e.source()
	ch <- prometheus.MustNewConstMetric(activeSessionsDesc, prometheus.GaugeValue, float64(len(samples)))
	for _, s := range samples {
		ch <- prometheus.MustNewConstMetric(sessionPacketsDesc, prometheus.CounterValue, float64(s.Packets), s.DeviceID)
		ch <- prometheus.MustNewConstMetric(transcoderFedBytesDesc, prometheus.CounterValue, float64(s.BytesFed), s.DeviceID)
		ch <- prometheus.MustNewConstMetric(transcoderCPUDesc, prometheus.GaugeValue, s.CPUPercent, s.DeviceID)
		ch <- prometheus.MustNewConstMetric(transcoderRSSDesc, prometheus.GaugeValue, float64(s.RSSBytes), s.DeviceID)
	}
}
