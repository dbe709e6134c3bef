package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/talya/search-analytics/internal/metrics"
)

// RecoveryMiddleware turns a handler panic into a 500 INTERNAL_ERROR.
type RecoveryMiddleware struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRecoveryMiddleware(logger *zap.Logger, m *metrics.Metrics) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger, metrics: m}
}

// Handler must sit outermost. The request id is read back from the
// response header because inner middleware own the request context.
func (rm *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			rm.metrics.RecordPanic()
			rm.logger.Error("handler panicked",
				zap.Any("panic", rec),
				zap.String("request_id", w.Header().Get(RequestIDHeader)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"INTERNAL_ERROR"}`))
		}()

		next.ServeHTTP(w, r)
	})
}
