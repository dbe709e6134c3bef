package middleware

import (
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/talya/search-analytics/internal/config"
	"github.com/talya/search-analytics/internal/metrics"
)

// IngestPathPrefix is where the storefront script posts events.
const IngestPathPrefix = "/api/v1/events/"

// RateLimitMiddleware implements token bucket rate limiting. Storefront
// event ingestion and dashboard queries have separate budgets.
type RateLimitMiddleware struct {
	cfg              config.RateLimitConfig
	logger           *zap.Logger
	metrics          *metrics.Metrics
	ingestLimiter    *rate.Limiter
	dashboardLimiter *rate.Limiter

	// Per-IP limiters for ingestion, which is unauthenticated
	mu         sync.RWMutex
	ipLimiters map[string]*rate.Limiter
}

// NewRateLimitMiddleware creates a new rate limiting middleware.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger, m *metrics.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		cfg:              cfg,
		logger:           logger,
		metrics:          m,
		ingestLimiter:    rate.NewLimiter(rate.Limit(cfg.IngestRPS), cfg.IngestBurst),
		dashboardLimiter: rate.NewLimiter(rate.Limit(cfg.DashboardRPS), cfg.DashboardBurst),
		ipLimiters:       make(map[string]*rate.Limiter),
	}
}

// Handler wraps an http.Handler with rate limiting.
func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		endpoint := "dashboard"
		limiter := rl.dashboardLimiter
		if isIngestEndpoint(r.URL.Path) {
			endpoint = "ingest"
			limiter = rl.ingestLimiter
			if !rl.getIPLimiter(clientIP(r)).Allow() {
				rl.reject(w, r, "ingest_ip")
				return
			}
		}

		if !limiter.Allow() {
			rl.reject(w, r, endpoint)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) reject(w http.ResponseWriter, r *http.Request, endpoint string) {
	rl.logger.Warn("rate limit exceeded",
		zap.String("endpoint", endpoint),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	)
	rl.metrics.RecordRateLimitHit(endpoint)
	tooManyRequests(w)
}

// getIPLimiter returns or creates a rate limiter for the given IP.
func (rl *RateLimitMiddleware) getIPLimiter(ip string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.ipLimiters[ip]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = rl.ipLimiters[ip]; exists {
		return limiter
	}

	// One shopper's browser gets a tenth of the global ingest budget
	burst := rl.cfg.IngestBurst / 10
	if burst < 1 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Limit(rl.cfg.IngestRPS/10), burst)
	rl.ipLimiters[ip] = limiter

	return limiter
}

// CleanupIPLimiters drops all per-IP limiters. Called periodically.
func (rl *RateLimitMiddleware) CleanupIPLimiters() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.ipLimiters = make(map[string]*rate.Limiter)
	rl.logger.Debug("cleaned up IP rate limiters")
}

func isIngestEndpoint(path string) bool {
	return strings.HasPrefix(path, IngestPathPrefix)
}

// clientIP extracts the client IP from the request.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func tooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"RATE_LIMITED"}`))
}
