package agentserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/log"
)

// exemptPaths never require a bearer token, so liveness probes work without
// credentials (§4.7).
var exemptPaths = map[string]bool{
	"/health":       true,
	"/health/ready": true,
	"/health/live":  true,
}

// recoverMiddleware is outermost: an uncaught panic in any handler becomes a
// 500 panic envelope rather than killing the connection.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithComponent("agentserver").Error().
					Interface("panic", rec).Str("path", r.URL.Path).Msg("recovered from panic")
				writeErr(w, apierr.New(apierr.CodePanic, "internal panic recovered"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status line written by the handler so the
// access logger can report it without wrapping every writeEnvelope call.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware generates/propagates an X-Trace-ID header and logs
// method, path, status, and duration for every request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Trace-ID", traceID)

		logger := log.WithTrace(traceID)
		ctx := withTraceLogger(r.Context(), logger)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// authMiddleware enforces the bearer token on everything except exemptPaths.
func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			const prefix = "Bearer "
			auth := r.Header.Get("Authorization")
			if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != token {
				writeErr(w, apierr.New(apierr.CodeUnauthorized, "missing or invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
