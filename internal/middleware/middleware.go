package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// contextKey is a custom type for context keys.
type contextKey string

const (
	ShopIDContextKey    contextKey = "shop_id"
	RequestIDContextKey contextKey = "request_id"

	RequestIDHeader = "X-Request-ID"
)

// NewLogger builds a JSON production logger, or a development console
// logger when format is "console". Unknown levels mean info.
func NewLogger(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lvl
	cfg.InitialFields = map[string]any{"service": "search-analytics"}

	return cfg.Build()
}

// RequestIDFromContext returns the id assigned by LoggingMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDContextKey).(string)
	return id
}

// LoggingMiddleware writes one access log line per request.
type LoggingMiddleware struct {
	logger *zap.Logger
}

// responseWriter captures the status and body size for the access log.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func NewLoggingMiddleware(logger *zap.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Handler tags the request with an id, echoing a client supplied one.
func (l *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		lvl := zap.InfoLevel
		switch {
		case rw.status >= 500:
			lvl = zap.ErrorLevel
		case rw.status >= 400:
			lvl = zap.WarnLevel
		case r.URL.Path == "/health" || r.URL.Path == "/metrics":
			lvl = zap.DebugLevel
		}
		l.logger.Log(lvl, "http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int("bytes", rw.size),
			zap.Duration("took", time.Since(start)),
			zap.String("client_ip", clientIP(r)),
		)
	})
}
