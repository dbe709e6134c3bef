package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.RecordAttribution("add_to_cart", "valid")
	m.RecordAttribution("add_to_cart", "valid")
	m.RecordAttribution("add_to_cart", "product_not_returned")
	m.RecordRateRefresh("fallback")
	m.RecordIngest("search", "stored")
	m.RecordScanned("search", 0)
	m.ObserveSummary("summary", 20*time.Millisecond)
	m.RecordPanic()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Attribution.WithLabelValues("add_to_cart", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attribution.WithLabelValues("add_to_cart", "product_not_returned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateRefreshes.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("search", "stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PanicsRecovered))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAttribution("search", "valid")
		m.RecordSummaryFailure("summary")
		m.UpdateDBStats(1, 2, 3)
		m.RecordRateLimitHit("/api")
		m.RecordPanic()
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())
	m.RecordSummaryFailure("summary")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_summary_failures_total")
}
