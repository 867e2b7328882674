// Package api exposes the streaming server over HTTP: a health check, the
// WebSocket endpoint viewers stream chunks through, and debug reports.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/pilecraft/server/internal/auth"
	"github.com/pilecraft/server/internal/performance"
)

const serviceName = "pilecraft-server"

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// JWT guards /ws and the debug routes. Nil disables the token check.
	JWT            *auth.JWTService
	AllowedOrigins []string
	RateLimit      int64
	RatePeriod     time.Duration
	Profiler       *performance.Profiler
	HSTS           bool
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Sessions int    `json:"sessions"`
}

// NewRouter builds the HTTP handler tree around stream.
func NewRouter(stream *StreamHandlers, opts RouterOptions) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Service:  serviceName,
			Sessions: stream.SessionCount(),
		})
	})

	guarded := auth.TokenMiddleware(opts.JWT)

	ws := http.Handler(http.HandlerFunc(stream.HandleWebSocket))
	if opts.RateLimit > 0 && opts.RatePeriod > 0 {
		ws = RateLimitMiddleware(opts.RateLimit, opts.RatePeriod)(ws)
	}
	mux.Handle("GET /ws", guarded(ws))

	mux.Handle("GET /debug/sessions", guarded(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stream.Sessions())
	})))

	mux.Handle("GET /debug/profile", guarded(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.Profiler == nil {
			writeJSON(w, http.StatusNotFound, auth.ErrorResponse{
				Error:   "ProfilingDisabled",
				Message: "Profiling is not enabled on this server",
				Code:    "ProfilingDisabled",
			})
			return
		}
		report, err := opts.Profiler.JSONReport()
		if err != nil {
			log.Printf("Failed to encode profile report: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(report)
	})))

	var handler http.Handler = mux
	handler = CORSMiddleware(opts.AllowedOrigins)(handler)
	handler = auth.SecurityHeaders(opts.HSTS)(handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
