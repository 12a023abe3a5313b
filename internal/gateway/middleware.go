package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/MeowExort/pw-hub-relics/internal/ratelimit"
)

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument assigns request ids, writes the access log, and converts panics
// into an opaque 500 so no internal detail reaches the client.
func (s *Service) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				s.logger.Errorw("panic in gateway handler",
					"request_id", rid, "path", r.URL.Path, "panic", p)
				s.finish(ratelimit.ClientIP(r), "", "internal_error")
				writeJSON(rec, http.StatusInternalServerError, map[string]any{"error": "internal proxy error"})
			}
			s.logger.Infow("request",
				"request_id", rid,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}()

		next.ServeHTTP(rec, r)
	})
}
