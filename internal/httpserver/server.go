package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/talya/search-analytics/internal/analytics"
	"github.com/talya/search-analytics/internal/config"
	"github.com/talya/search-analytics/internal/ingest"
	"github.com/talya/search-analytics/internal/metrics"
	"github.com/talya/search-analytics/internal/middleware"
	"github.com/talya/search-analytics/internal/storage"
)

// Error codes returned as {"error": "<code>"}.
const (
	codeMissingToken  = "MISSING_TOKEN"
	codeShopMismatch  = "SHOP_ID_MISMATCH"
	codeInvalidRange  = "INVALID_RANGE"
	codeMissingGroups = "MISSING_GROUPS"
	codeInvalidParams = "INVALID_PARAMS"
	codeInvalidJSON   = "INVALID_JSON"
	codeInternalError = "INTERNAL_ERROR"
)

const maxEventBodyBytes = 1 << 20

const dayMs = int64(24 * time.Hour / time.Millisecond)

// HealthChecker is a dependency that can report its reachability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Store   storage.EventStore
	Rates   analytics.RateSource
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Checks are reported by /health, keyed by name.
	Checks map[string]HealthChecker
	// RateLimit is built from Config when nil.
	RateLimit *middleware.RateLimitMiddleware
}

// Server wraps HTTP handlers and the analytics services.
type Server struct {
	analytics *analytics.Service
	ingest    *ingest.Service
	checks    map[string]HealthChecker
	logger    *zap.Logger
	config    *config.Config
	metrics   *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes and middleware
// registered.
func NewServer(deps *Dependencies) http.Handler {
	cfg := deps.Config
	s := &Server{
		analytics: analytics.NewService(deps.Store, deps.Rates, cfg.Analytics, deps.Logger, deps.Metrics),
		ingest:    ingest.NewService(deps.Store, cfg.Analytics.ProductIDPrefix, deps.Logger, deps.Metrics),
		checks:    deps.Checks,
		logger:    deps.Logger,
		config:    cfg,
		metrics:   deps.Metrics,
	}

	rl := deps.RateLimit
	if rl == nil {
		rl = middleware.NewRateLimitMiddleware(cfg.RateLimit, deps.Logger, deps.Metrics)
	}

	r := chi.NewRouter()
	r.Use(
		middleware.NewRecoveryMiddleware(deps.Logger, deps.Metrics).Handler,
		middleware.NewLoggingMiddleware(deps.Logger).Handler,
		rl.Handler,
		middleware.NewAuthMiddleware(cfg.Auth, deps.Logger).Handler,
	)

	// Health check
	r.Get("/health", s.handleHealth)

	// Prometheus metrics
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, deps.Metrics.Handler())
	}

	r.Route("/api/v1/analytics", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)
		r.Get("/compare", s.handleCompare)
		r.Get("/full", s.handleFull)
		r.Post("/backfill-search-group", s.handleBackfill)
	})

	r.Route("/api/v1/events", func(r chi.Router) {
		r.Post("/search", s.handleSearchEvent)
		r.Post("/add-to-cart", s.handleAddToCartEvent)
		r.Post("/purchase", s.handlePurchaseEvent)
		r.Post("/product-click", s.handleProductClickEvent)
		r.Post("/buy-now-click", s.handleBuyNowClickEvent)
	})

	return r
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	for name, c := range s.checks {
		if err := c.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			body[name] = "unavailable"
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		body[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ---- Dashboard ----

// shopFromRequest resolves the authenticated shop. A legacy shopId query
// parameter must agree with it.
func (s *Server) shopFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	shopID := middleware.ShopIDFromContext(r.Context())
	if shopID == "" {
		s.errorResponse(w, codeMissingToken, http.StatusUnauthorized)
		return "", false
	}
	if legacy := r.URL.Query().Get(middleware.LegacyShopParam); legacy != "" && legacy != shopID {
		s.logger.Warn("shop id mismatch",
			zap.String("shop_id", shopID),
			zap.String("requested_shop_id", legacy),
		)
		s.errorResponse(w, codeShopMismatch, http.StatusForbidden)
		return "", false
	}
	return shopID, true
}

// window parses the required fromMs and toMs parameters.
func (s *Server) window(w http.ResponseWriter, r *http.Request) (from, to int64, ok bool) {
	q := r.URL.Query()
	from, err := strconv.ParseInt(q.Get("fromMs"), 10, 64)
	if err != nil {
		s.errorResponse(w, codeInvalidParams, http.StatusBadRequest)
		return 0, 0, false
	}
	to, err = strconv.ParseInt(q.Get("toMs"), 10, 64)
	if err != nil {
		s.errorResponse(w, codeInvalidParams, http.StatusBadRequest)
		return 0, 0, false
	}
	if from > to || s.tooWide(from, to) {
		s.errorResponse(w, codeInvalidRange, http.StatusBadRequest)
		return 0, 0, false
	}
	return from, to, true
}

// tooWide reports whether [from, to] spans more days than the configured cap.
func (s *Server) tooWide(from, to int64) bool {
	limit := s.config.Analytics.MaxWindowDays
	if limit <= 0 {
		return false
	}
	return (to-from)/dayMs >= int64(limit)
}

// optionalInt parses an optional integer query parameter.
func optionalInt(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &v, nil
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	shopID, ok := s.shopFromRequest(w, r)
	if !ok {
		return
	}
	from, to, ok := s.window(w, r)
	if !ok {
		return
	}
	group, err := optionalInt(r, "searchGroup")
	if err != nil {
		s.errorResponse(w, codeInvalidParams, http.StatusBadRequest)
		return
	}

	s.jsonResponse(w, s.analytics.Summary(r.Context(), shopID, from, to, group))
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	shopID, ok := s.shopFromRequest(w, r)
	if !ok {
		return
	}
	from, to, ok := s.window(w, r)
	if !ok {
		return
	}
	groupA, errA := optionalInt(r, "groupA")
	groupB, errB := optionalInt(r, "groupB")
	if errA != nil || errB != nil {
		s.errorResponse(w, codeInvalidParams, http.StatusBadRequest)
		return
	}
	if groupA == nil || groupB == nil {
		s.errorResponse(w, codeMissingGroups, http.StatusBadRequest)
		return
	}

	s.jsonResponse(w, s.analytics.CompareGroups(r.Context(), shopID, from, to, *groupA, *groupB))
}

func (s *Server) handleFull(w http.ResponseWriter, r *http.Request) {
	shopID, ok := s.shopFromRequest(w, r)
	if !ok {
		return
	}
	from, to, ok := s.window(w, r)
	if !ok {
		return
	}

	export, err := s.analytics.Full(r.Context(), shopID, from, to)
	if err != nil {
		s.logger.Error("failed to export events", zap.String("shop_id", shopID), zap.Error(err))
		s.errorResponse(w, codeInternalError, http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, export)
}

// handleBackfill tags the caller's legacy events with the AI search group.
// The cutoff and group are fixed; the request body is ignored.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	shopID, ok := s.shopFromRequest(w, r)
	if !ok {
		return
	}

	cutoff := ingest.DefaultBackfillCutoff
	group := ingest.DefaultBackfillGroup

	s.logger.Info("search group backfill requested",
		zap.String("shop_id", shopID),
		zap.Time("cutoff", cutoff),
		zap.Int("search_group", group),
	)

	res, err := s.ingest.BackfillSearchGroup(r.Context(), shopID, cutoff, group)
	if err != nil {
		s.logger.Error("search group backfill failed", zap.String("shop_id", shopID), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "error",
			"message": "Migration failed: " + err.Error(),
		})
		return
	}

	s.jsonResponse(w, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Search group %d assigned to events before %s", group, cutoff.Format(time.RFC3339)),
		"result":  res,
	})
}

// ---- Event ingestion ----

// decodeEvent reads a JSON event body into dst.
func (s *Server) decodeEvent(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodyBytes)).Decode(dst); err != nil {
		s.errorResponse(w, codeInvalidJSON, http.StatusBadRequest)
		return false
	}
	return true
}

// eventResponse maps an ingest result to HTTP. Events that cannot be
// attributed are acknowledged with 204 so the storefront does not retry.
func (s *Server) eventResponse(w http.ResponseWriter, id string, err error) {
	switch {
	case err == nil:
		s.jsonResponse(w, map[string]string{"id": id})
	case errors.Is(err, ingest.ErrNotAttributed):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ingest.ErrMissingShop), errors.Is(err, ingest.ErrMissingSession):
		s.errorResponse(w, codeInvalidParams, http.StatusBadRequest)
	default:
		s.errorResponse(w, codeInternalError, http.StatusInternalServerError)
	}
}

func (s *Server) handleSearchEvent(w http.ResponseWriter, r *http.Request) {
	var in ingest.SearchInput
	if !s.decodeEvent(w, r, &in) {
		return
	}
	id, err := s.ingest.RecordSearch(r.Context(), in)
	s.eventResponse(w, id, err)
}

func (s *Server) handleAddToCartEvent(w http.ResponseWriter, r *http.Request) {
	var in ingest.CartInput
	if !s.decodeEvent(w, r, &in) {
		return
	}
	id, err := s.ingest.RecordAddToCart(r.Context(), in)
	s.eventResponse(w, id, err)
}

func (s *Server) handlePurchaseEvent(w http.ResponseWriter, r *http.Request) {
	var in ingest.PurchaseInput
	if !s.decodeEvent(w, r, &in) {
		return
	}
	id, err := s.ingest.RecordPurchase(r.Context(), in)
	s.eventResponse(w, id, err)
}

func (s *Server) handleProductClickEvent(w http.ResponseWriter, r *http.Request) {
	var in ingest.ClickInput
	if !s.decodeEvent(w, r, &in) {
		return
	}
	id, err := s.ingest.RecordProductClick(r.Context(), in)
	s.eventResponse(w, id, err)
}

func (s *Server) handleBuyNowClickEvent(w http.ResponseWriter, r *http.Request) {
	var in ingest.BuyNowInput
	if !s.decodeEvent(w, r, &in) {
		return
	}
	id, err := s.ingest.RecordBuyNowClick(r.Context(), in)
	s.eventResponse(w, id, err)
}

// ---- Helpers ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
