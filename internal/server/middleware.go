package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/ternarybob/supercomp/internal/handlers"
	"github.com/ternarybob/supercomp/internal/metrics"
	"github.com/ternarybob/supercomp/internal/models"
)

// withMiddleware chains, outermost first: access log, operator-page CORS, panic recovery.
// The WebSocket upgrade passes through the status recorder, which can hijack.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return s.accessLog(operatorCORS(s.recoveryMiddleware(next)))
}

// accessLog counts every request and logs it with the job it targets.
// Status polls arrive once a second per operator, so successes log at debug.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		metrics.ObserveRequest(r.Method, rec.status)

		event := s.app.Logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.app.Logger.Warn()
		}
		event = event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start))
		if jobID := handlers.PathSegment(r.URL.Path, "/api/jobs/"); jobID != "" {
			event = event.Str("job_id", jobID)
		}
		event.Msg("HTTP request")
	})
}

// operatorCORS lets an operator page on another origin poll, fetch challenges and submit
func operatorCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns a handler panic into the standard error body
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.app.Logger.Error().
					Str("panic", fmt.Sprintf("%v", p)).
					Str("path", r.URL.Path).
					Str("stack", string(debug.Stack())).
					Msg("Handler panicked")

				handlers.WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"success":    false,
					"message":    "Internal server error",
					"error_kind": models.KindInternal,
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the WebSocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer cannot hijack")
	}
	return hijacker.Hijack()
}
