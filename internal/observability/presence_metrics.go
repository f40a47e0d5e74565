package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PresenceMetrics records presence engine activity in prometheus.
type PresenceMetrics struct {
	scans           *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	events          *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	connected       prometheus.Gauge
}

func NewPresenceMetrics(reg prometheus.Registerer) *PresenceMetrics {
	m := &PresenceMetrics{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serial_presence_scans_total",
			Help: "Port scans by result.",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "serial_presence_scan_duration_seconds",
			Help:    "Wall time of a full scan including persistence.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serial_presence_events_total",
			Help: "History events appended, by type.",
		}, []string{"type"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serial_presence_persist_failures_total",
			Help: "Failed document writes, by document.",
		}, []string{"document"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serial_presence_connected_devices",
			Help: "Devices present in the most recent scan.",
		}),
	}
	reg.MustRegister(m.scans, m.scanDuration, m.events, m.persistFailures, m.connected)
	return m
}

func (m *PresenceMetrics) ScanCompleted(d time.Duration, connected int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.scans.WithLabelValues(result).Inc()
	m.scanDuration.Observe(d.Seconds())
	if err == nil || connected > 0 {
		m.connected.Set(float64(connected))
	}
}

func (m *PresenceMetrics) EventAppended(eventType string) {
	m.events.WithLabelValues(eventType).Inc()
}

func (m *PresenceMetrics) PersistFailed(document string) {
	m.persistFailures.WithLabelValues(document).Inc()
}
