// Package middleware holds the thin cross-cutting HTTP wrappers the
// enqueue API composes around its handlers, in the teacher's
// http/middleware layout.
package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shanani/mailpipe/pkg/logger"
)

// RequestLogger logs method, path, status and latency for every request,
// grounded on the teacher's traceResponseWriter status-capturing wrapper
// (tracing.go) but without the OpenCensus dependency this process has no
// use for.
func RequestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)

			start := time.Now()
			rw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			log.WithFields(map[string]interface{}{
				"request_id": requestID,
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rw.statusCode,
				"latency_ms": time.Since(start).Milliseconds(),
			}).Info("http request")
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
