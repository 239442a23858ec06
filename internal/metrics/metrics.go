// Package metrics exposes evaluator counters and gauges to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "safepassage"

// Metrics holds every collector the evaluator updates.
type Metrics struct {
	gatherer prometheus.Gatherer

	riskScore      prometheus.Gauge
	cycles         *prometheus.CounterVec
	degraded       prometheus.Counter
	fallbacks      *prometheus.CounterVec
	events         *prometheus.CounterVec
	noViable       prometheus.Counter
	auditUnsynced  prometheus.Gauge
	cycleLatency   prometheus.Histogram
	notifyFailures *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in
// tests to keep the default registry clean.
func New(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		gatherer: reg,
		riskScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Composite risk score of the latest evaluation.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_cycles_total",
			Help:      "Completed evaluation cycles by trigger.",
		}, []string{"trigger"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_scores_total",
			Help:      "Scores computed with at least one stale or unavailable category.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fallbacks_total",
			Help:      "Feed fetches that degraded to a cached or unavailable signal.",
		}, []string{"category", "reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_events_total",
			Help:      "Automation events emitted by kind.",
		}, []string{"kind"}),
		noViable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_viable_channel_cycles_total",
			Help:      "Cycles in which every payout channel was offline.",
		}),
		auditUnsynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_unsynced_entries",
			Help:      "Audit entries not yet persisted to the store.",
		}),
		cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_cycle_seconds",
			Help:      "Wall time of one evaluation cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered by kind.",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{
		m.riskScore, m.cycles, m.degraded, m.fallbacks, m.events,
		m.noViable, m.auditUnsynced, m.cycleLatency, m.notifyFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveCycle records a finished evaluation.
func (m *Metrics) ObserveCycle(trigger string, score float64, degraded bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.riskScore.Set(score)
	m.cycles.WithLabelValues(trigger).Inc()
	if degraded {
		m.degraded.Inc()
	}
	m.cycleLatency.Observe(elapsed.Seconds())
}

// FeedFallback counts a degraded feed fetch.
func (m *Metrics) FeedFallback(category, reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(category, reason).Inc()
}

// AutomationEvent counts an emitted event.
func (m *Metrics) AutomationEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// NoViableChannel counts a cycle without any payout channel.
func (m *Metrics) NoViableChannel() {
	if m == nil {
		return
	}
	m.noViable.Inc()
}

// AuditUnsynced reports the audit backlog.
func (m *Metrics) AuditUnsynced(n int) {
	if m == nil {
		return
	}
	m.auditUnsynced.Set(float64(n))
}

// NotifyFailure counts an undelivered notification.
func (m *Metrics) NotifyFailure(kind string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(kind).Inc()
}
