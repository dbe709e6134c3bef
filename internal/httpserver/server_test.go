package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/talya/search-analytics/internal/config"
	"github.com/talya/search-analytics/internal/ingest"
	"github.com/talya/search-analytics/internal/metrics"
	"github.com/talya/search-analytics/internal/middleware"
	"github.com/talya/search-analytics/internal/models"
	"github.com/talya/search-analytics/internal/storage"
)

const (
	testSecret = "test-secret"
	testShop   = "demo.myshopify.com"
)

type staticRates struct{}

func (staticRates) ExchangeRate(context.Context, string) float64 { return 4 }
func (staticRates) ConvertToEUR(_ context.Context, amount float64, _ string) float64 {
	return amount / 4
}

type failingCheck struct{}

func (failingCheck) Health(context.Context) error { return errors.New("connection refused") }

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			Enabled:   true,
			JWTSecret: testSecret,
			SkipPaths: []string{"/health", "/metrics", "/api/v1/events/"},
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Analytics: config.AnalyticsConfig{
			ProductIDPrefix: "gid://shopify/Product/",
			TopQueriesLimit: 10,
			LongQueryWords:  3,
			MaxWindowDays:   31,
		},
	}
}

func newTestServer(t *testing.T) (http.Handler, *storage.InMemoryEventStore) {
	t.Helper()
	store := storage.NewInMemoryEventStore()
	h := NewServer(&Dependencies{
		Store:   store,
		Rates:   staticRates{},
		Config:  testConfig(),
		Logger:  zap.NewNop(),
		Metrics: metrics.NewMetrics("test", prometheus.NewRegistry()),
	})
	return h, store
}

func token(t *testing.T, shop string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.ShopClaims{
		Shop:             shop,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return raw
}

func get(t *testing.T, h http.Handler, path string, params url.Values, shop string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path+"?"+params.Encode(), nil)
	if shop != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, shop))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func post(t *testing.T, h http.Handler, path string, body any, shop string) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	if shop != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, shop))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var (
	day0 = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	day1 = day0.AddDate(0, 0, 1)
)

func windowParams(from, to time.Time) url.Values {
	return url.Values{
		"fromMs": {strconv.FormatInt(from.UnixMilli(), 10)},
		"toMs":   {strconv.FormatInt(to.UnixMilli(), 10)},
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)

	rec := get(t, h, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	degraded := NewServer(&Dependencies{
		Store:   storage.NewInMemoryEventStore(),
		Rates:   staticRates{},
		Config:  testConfig(),
		Logger:  zap.NewNop(),
		Metrics: metrics.NewMetrics("test", prometheus.NewRegistry()),
		Checks:  map[string]HealthChecker{"postgres": failingCheck{}},
	})
	rec = get(t, degraded, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","postgres":"unavailable"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t)

	rec := get(t, h, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestThenSummary(t *testing.T) {
	h, _ := newTestServer(t)
	ts := day0.Add(10 * time.Hour).UnixMilli()

	rec := post(t, h, "/api/v1/events/search", map[string]any{
		"shopId": testShop, "sessionId": "a", "query": "red shoes", "productIds": []string{"p1"}, "timestampMs": ts,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created["id"])

	rec = post(t, h, "/api/v1/events/add-to-cart", map[string]any{
		"shopId": testShop, "sessionId": "a", "productId": "p1", "price": "50 NIS", "timestampMs": ts + 1,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Not returned by any search in the session.
	rec = post(t, h, "/api/v1/events/add-to-cart", map[string]any{
		"shopId": testShop, "sessionId": "a", "productId": "p2", "price": "10 NIS", "timestampMs": ts + 2,
	}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = post(t, h, "/api/v1/events/purchase", map[string]any{
		"shopId": testShop, "sessionId": "a", "currency": "NIS", "timestampMs": ts + 3,
		"products": []map[string]any{{"productId": "p1", "price": 50, "quantity": 1}},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/api/v1/analytics/summary", windowParams(day0, day1.Add(-time.Millisecond)), testShop)
	require.Equal(t, http.StatusOK, rec.Code)

	var s models.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, int64(1), s.TotalSearches)
	assert.Equal(t, int64(1), s.TotalAddToCart)
	assert.Equal(t, 50.0, s.TotalAddToCartAmount)
	assert.Equal(t, int64(1), s.TotalPurchases)
	assert.Equal(t, 50.0, s.TotalRevenue)
	assert.Equal(t, 12.5, s.TotalPurchaseValueEUR)
	assert.Equal(t, 100.0, s.ConversionRate)
	assert.Equal(t, "NIS", s.Currency)
	assert.Len(t, s.TimeSeries, 1)
}

func TestEventValidation(t *testing.T) {
	h, _ := newTestServer(t)

	rec := post(t, h, "/api/v1/events/product-click", map[string]any{"shopId": testShop, "productId": "x"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidParams, errorCode(t, rec))

	rec = post(t, h, "/api/v1/events/search", map[string]any{"shopId": testShop, "query": "red shoes"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidParams, errorCode(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/search", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidJSON, errorCode(t, rec))

	rec = post(t, h, "/api/v1/events/buy-now-click", map[string]any{
		"shopId": testShop, "sessionId": "never-searched", "productId": "gid://shopify/Product/1",
	}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSummaryErrors(t *testing.T) {
	h, _ := newTestServer(t)
	params := windowParams(day0, day1)

	rec := get(t, h, "/api/v1/analytics/summary", params, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeMissingToken, errorCode(t, rec))

	mismatch := windowParams(day0, day1)
	mismatch.Set("shopId", "other.myshopify.com")
	rec = get(t, h, "/api/v1/analytics/summary", mismatch, testShop)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, codeShopMismatch, errorCode(t, rec))

	matching := windowParams(day0, day1)
	matching.Set("shopId", testShop)
	rec = get(t, h, "/api/v1/analytics/summary", matching, testShop)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/api/v1/analytics/summary", windowParams(day1, day0), testShop)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRange, errorCode(t, rec))

	rec = get(t, h, "/api/v1/analytics/summary", windowParams(time.Unix(0, 0), day1), testShop)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRange, errorCode(t, rec))

	rec = get(t, h, "/api/v1/analytics/compare", windowParams(day0.AddDate(0, 0, -31), day0), testShop)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRange, errorCode(t, rec))

	rec = get(t, h, "/api/v1/analytics/summary", windowParams(day0.AddDate(0, 0, -30), day0), testShop)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/api/v1/analytics/summary", url.Values{"fromMs": {"abc"}, "toMs": {"1"}}, testShop)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidParams, errorCode(t, rec))

	bad := windowParams(day0, day1)
	bad.Set("searchGroup", "ai")
	rec = get(t, h, "/api/v1/analytics/summary", bad, testShop)
	assert.Equal(t, codeInvalidParams, errorCode(t, rec))
}

func TestCompare(t *testing.T) {
	h, _ := newTestServer(t)

	rec := get(t, h, "/api/v1/analytics/compare", windowParams(day0, day1), testShop)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeMissingGroups, errorCode(t, rec))

	params := windowParams(day0, day1)
	params.Set("groupA", "0")
	params.Set("groupB", "1")
	rec = get(t, h, "/api/v1/analytics/compare", params, testShop)
	require.Equal(t, http.StatusOK, rec.Code)

	var res models.GroupComparison
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "Shopify Search", res.GroupALabel)
	assert.Equal(t, "AI Search", res.GroupBLabel)
	assert.Equal(t, models.WinnerTie, res.Comparison.ConversionWinner)
}

func TestFullAndBackfill(t *testing.T) {
	h, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.SaveSearch(ctx, &models.SearchEvent{
		ShopID: testShop, SessionID: "a", Query: "q", TimestampMs: day0.UnixMilli(),
	}))
	require.NoError(t, store.SaveSearch(ctx, &models.SearchEvent{
		ShopID: "other.myshopify.com", SessionID: "a", Query: "q", TimestampMs: day0.UnixMilli(),
	}))

	rec := get(t, h, "/api/v1/analytics/full", windowParams(day0, day1), testShop)
	require.Equal(t, http.StatusOK, rec.Code)
	var export models.FullExport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &export))
	assert.Len(t, export.SearchEvents, 1)
	assert.Equal(t, testShop, export.ShopID)

	rec = post(t, h, "/api/v1/analytics/backfill-search-group", nil, testShop)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string                `json:"status"`
		Result models.BackfillResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body.Status)
	assert.Equal(t, testShop, body.Result.ShopID)
	assert.Equal(t, int64(1), body.Result.Updated[models.KindSearch])

	rec = post(t, h, "/api/v1/analytics/backfill-search-group", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBackfillOnlyTouchesCallerShop(t *testing.T) {
	h, store := newTestServer(t)
	ctx := context.Background()
	const otherShop = "other.myshopify.com"
	require.NoError(t, store.SaveSearch(ctx, &models.SearchEvent{
		ShopID: otherShop, SessionID: "a", Query: "q", TimestampMs: day0.UnixMilli(),
	}))

	// Cutoff and group in the body are not honored.
	rec := post(t, h, "/api/v1/analytics/backfill-search-group", map[string]any{
		"cutoffMs": int64(1) << 60, "searchGroup": 42,
	}, testShop)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Result models.BackfillResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ingest.DefaultBackfillCutoff.UnixMilli(), body.Result.CutoffMs)
	assert.Equal(t, ingest.DefaultBackfillGroup, body.Result.Group)
	assert.Zero(t, body.Result.Updated[models.KindSearch])

	for _, group := range []string{"42", "1"} {
		params := windowParams(day0, day1)
		params.Set("searchGroup", group)
		rec = get(t, h, "/api/v1/analytics/summary", params, otherShop)
		require.Equal(t, http.StatusOK, rec.Code)
		var summary models.Summary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
		assert.Zero(t, summary.TotalSearches, "group %s", group)
	}

	others, err := store.ListSearches(ctx, storage.Query{ShopID: otherShop, FromMs: day0.UnixMilli(), ToMs: day1.UnixMilli()})
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Nil(t, others[0].SearchGroup)
}
