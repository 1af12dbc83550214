// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/coresched/internal/log"
)

// HeaderRequestID carries the request correlation ID.
const HeaderRequestID = "X-Request-ID"

// RequestID adds a unique ID to every request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recoverer ensures that panics inside any downstream handler do not
// crash the process. It logs the panic with context and returns a 500.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)

				logger := log.WithComponentFromContext(r.Context(), "panic-recovery")
				logger.Error().
					Str("event", "panic.recovered").
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Interface("panic_value", rec).
					Str("stack_trace", string(buf[:n])).
					Msg("panic recovered in HTTP handler")

				writeEnvelope(w, http.StatusInternalServerError, "internal server error", "internal_error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// AccessLog writes one structured line per completed request.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lw, r)

		logger := log.WithComponentFromContext(r.Context(), "http")
		logger.Debug().
			Str("event", "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", lw.status).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

type loggingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (lw *loggingWriter) WriteHeader(statusCode int) {
	if !lw.wroteHeader {
		lw.status = statusCode
		lw.wroteHeader = true
	}
	lw.ResponseWriter.WriteHeader(statusCode)
}

func (lw *loggingWriter) Write(b []byte) (int, error) {
	if !lw.wroteHeader {
		lw.wroteHeader = true
	}
	return lw.ResponseWriter.Write(b)
}
