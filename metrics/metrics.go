// Package metrics exposes counters for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	SyncsTotal       *prometheus.CounterVec
	ConflictsTotal   prometheus.Counter
	BytesTransferred prometheus.Counter
	ScanSeconds      prometheus.Histogram
}

// New registers the pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "migbox",
			Name:      "events_total",
			Help:      "Change events consumed by the reconciler.",
		}, []string{"kind"}),
		SyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "migbox",
			Name:      "syncs_total",
			Help:      "File syncs applied, by direction.",
		}, []string{"direction"}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "migbox",
			Name:      "conflicts_total",
			Help:      "Conflicts detected (both replicas advanced).",
		}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "migbox",
			Name:      "bytes_transferred_total",
			Help:      "Literal bytes moved between replicas.",
		}),
		ScanSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "migbox",
			Name:      "scan_duration_seconds",
			Help:      "Full tree scan duration.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.EventsTotal, m.SyncsTotal, m.ConflictsTotal, m.BytesTransferred, m.ScanSeconds)
	return m
}

// Event counts one consumed event.
func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// Sync counts one applied file sync.
func (m *Metrics) Sync(direction string) {
	if m == nil {
		return
	}
	m.SyncsTotal.WithLabelValues(direction).Inc()
}

// Conflict counts one detected conflict.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

// Bytes counts transferred literal bytes.
func (m *Metrics) Bytes(n int) {
	if m == nil {
		return
	}
	m.BytesTransferred.Add(float64(n))
}

// Scan records one full-scan duration.
func (m *Metrics) Scan(seconds float64) {
	if m == nil {
		return
	}
	m.ScanSeconds.Observe(seconds)
}
