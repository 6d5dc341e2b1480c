// Package metrics exposes the liveness counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codehome01/exam-monitor-server/internal/session"
)

const (
	namespace     = "exam_monitor"
	eventTypeName = "type"
)

// sweepBuckets covers sub-millisecond ticks up to a few write timeouts.
var sweepBuckets = prometheus.ExponentialBuckets(0.0005, 2, 16)

// Recorder owns the service collectors. It is also a session.Observer that
// counts events by type.
type Recorder struct {
	LiveConnections prometheus.Gauge
	PendingVisits   prometheus.Gauge
	Events          *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
}

var _ session.Observer = (*Recorder)(nil)

// New creates the collectors and registers them with r. A nil r skips
// registration, which tests use to avoid global state.
func New(r prometheus.Registerer) *Recorder {
	m := &Recorder{
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Number of registered live connections.",
		}),
		PendingVisits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_visits",
			Help:      "Number of page loads waiting for a connection.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Liveness events by type.",
		}, []string{eventTypeName}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one reconciliation sweep.",
			Buckets:   sweepBuckets,
		}),
	}
	if r != nil {
		r.MustRegister(m.LiveConnections, m.PendingVisits, m.Events, m.SweepDuration)
	}
	return m
}

func (m *Recorder) Observe(e session.Event) {
	m.Events.WithLabelValues(e.Type.String()).Inc()
}

// SetSizes publishes the registry sizes.
func (m *Recorder) SetSizes(connections, visits int) {
	m.LiveConnections.Set(float64(connections))
	m.PendingVisits.Set(float64(visits))
}

func (m *Recorder) ObserveSweep(d time.Duration) {
	m.SweepDuration.Observe(d.Seconds())
}
