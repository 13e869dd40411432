package httpapi

import (
	"expvar"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var (
	requestsTotal  = expvar.NewInt("requests_total")
	requestsErrors = expvar.NewInt("requests_errors_total")
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(writer, r)
			duration := time.Since(start)

			requestsTotal.Add(1)
			event := logger.Info()
			if writer.status >= http.StatusBadRequest {
				requestsErrors.Add(1)
			}
			if writer.status >= http.StatusInternalServerError {
				event = logger.Error()
			}
			tenantID, requestID := extractTenantAndRequestID(r)
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", writer.status).
				Int64("duration_ms", duration.Milliseconds()).
				Str("tenant_id", tenantID).
				Str("request_id", requestID).
				Msg("request")
		})
	}
}
