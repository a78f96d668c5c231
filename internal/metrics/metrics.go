// Package metrics holds the Prometheus collectors for quota and analysis
// activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	generations      *prometheus.CounterVec
	quotaDenials     *prometheus.CounterVec
	quotaResets      *prometheus.CounterVec
	usageEvents      *prometheus.CounterVec
	analyzerDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "analysis",
			Name:      "generations_total",
			Help:      "Analysis step generations by step and outcome.",
		}, []string{"step", "outcome"}),
		quotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "quota",
			Name:      "denials_total",
			Help:      "Requests refused by the quota tracker.",
		}, []string{"reason"}),
		quotaResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "quota",
			Name:      "resets_total",
			Help:      "Quota window resets applied, by scope and path (lazy or scheduled).",
		}, []string{"scope", "path"}),
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "usage",
			Name:      "events_total",
			Help:      "Usage events appended to the ledger.",
		}, []string{"usage_type"}),
		analyzerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "funnel",
			Subsystem: "analyzer",
			Name:      "duration_seconds",
			Help:      "Latency of calls to the analysis collaborator.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"step"}),
	}
	reg.MustRegister(m.generations, m.quotaDenials, m.quotaResets, m.usageEvents, m.analyzerDuration)
	return m
}

func (m *Metrics) Generation(step, outcome string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) QuotaDenied(reason string) {
	if m == nil {
		return
	}
	m.quotaDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) QuotaReset(scope, path string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.quotaResets.WithLabelValues(scope, path).Add(float64(n))
}

func (m *Metrics) UsageEvent(usageType string) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(usageType).Inc()
}

func (m *Metrics) AnalyzerCall(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.analyzerDuration.WithLabelValues(step).Observe(d.Seconds())
}
