package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the analytics service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Aggregation metrics
	SummaryLatency  *prometheus.HistogramVec
	SummaryFailures *prometheus.CounterVec
	PeriodEvents    *prometheus.CounterVec

	// Attribution metrics
	Attribution *prometheus.CounterVec

	// Currency metrics
	RateRefreshes *prometheus.CounterVec

	// Ingestion metrics
	EventsIngested *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec

	// HTTP metrics
	RateLimitHits   *prometheus.CounterVec
	PanicsRecovered prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers all Prometheus metrics on reg.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		SummaryLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "summary_duration_seconds",
				Help:      "Time spent building an analytics aggregate",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		SummaryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "summary_failures_total",
				Help:      "Aggregates replaced by the empty default after a failure",
			},
			[]string{"operation"},
		),
		PeriodEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "period_events_scanned_total",
				Help:      "Raw events loaded for funnel calculations",
			},
			[]string{"kind"},
		),
		Attribution: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_decisions_total",
				Help:      "Attribution verdicts per event kind",
			},
			[]string{"kind", "outcome"},
		),
		RateRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fx_rate_refreshes_total",
				Help:      "Exchange rate table refreshes by source",
			},
			[]string{"source"},
		),
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Events received from storefronts",
			},
			[]string{"kind", "outcome"},
		),
		DBConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"endpoint"},
		),
		PanicsRecovered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_recovered_total",
				Help:      "Handler panics turned into 500 responses",
			},
		),
		gatherer: reg,
	}

	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveSummary records the duration of an aggregate computation.
func (m *Metrics) ObserveSummary(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.SummaryLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordSummaryFailure records an aggregate that fell back to defaults.
func (m *Metrics) RecordSummaryFailure(operation string) {
	if m == nil {
		return
	}
	m.SummaryFailures.WithLabelValues(operation).Inc()
}

// RecordScanned records how many raw events of a kind were loaded.
func (m *Metrics) RecordScanned(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PeriodEvents.WithLabelValues(kind).Add(float64(n))
}

// RecordAttribution records one attribution verdict.
func (m *Metrics) RecordAttribution(kind, outcome string) {
	if m == nil {
		return
	}
	m.Attribution.WithLabelValues(kind, outcome).Inc()
}

// RecordRateRefresh records where a rate table came from.
func (m *Metrics) RecordRateRefresh(source string) {
	if m == nil {
		return
	}
	m.RateRefreshes.WithLabelValues(source).Inc()
}

// RecordIngest records an ingested or rejected event.
func (m *Metrics) RecordIngest(kind, outcome string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(kind, outcome).Inc()
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordPanic counts a recovered handler panic.
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsRecovered.Inc()
}
