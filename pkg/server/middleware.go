package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lontar-ai/lontar/pkg/observability"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// requestID assigns every request an id, honoring one supplied by the
// caller or an upstream proxy.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusRecorder captures the response code for logging without
// wrapping Flush away: it forwards http.Flusher so SSE keeps working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLog emits one structured line per request and feeds both the
// metrics recorder and the scheduler's latency probe.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		var reqErr error
		if rec.status >= 500 {
			reqErr = http.ErrAbortHandler
		}
		observability.GetGlobalMetrics().RecordRequest(r.Context(), r.URL.Path, duration, reqErr)
		s.deps.Latency.Observe(duration)

		s.log.Info("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", duration, "request_id", requestIDFrom(r.Context()))
	})
}

// recoverPanics turns handler panics into 500s instead of dropped
// connections.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panicked",
					"path", r.URL.Path, "panic", rec, "request_id", requestIDFrom(r.Context()))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestTimeout bounds non-streaming handlers. Streaming routes skip
// it: an SSE response legitimately outlives any fixed request budget.
func (s *Server) requestTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
