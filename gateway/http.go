package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaywave/gateway/config"
	"github.com/relaywave/gateway/metrics"
	"github.com/relaywave/gateway/sharedstate"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requireBearer enforces the production metrics/admin auth described in
// the external interface: Authorization: Bearer {METRICS_API_KEY}.
func requireBearer(cfg *config.Config, r *http.Request) bool {
	if !cfg.IsProduction() {
		return true
	}
	auth := r.Header.Get("Authorization")
	return auth == "Bearer "+cfg.MetricsAPIKey
}

var startTime = time.Now()

// handleHealth answers GET /health with no auth required.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"uptime":      time.Since(startTime).String(),
		"environment": s.cfg.Environment,
	})
}

// handleMetrics answers GET /metrics; production requires a bearer token.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !requireBearer(s.cfg, r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.GetSummary(false))
}

// handleMetricsDetailed answers GET /metrics/detailed; same auth.
func (s *Server) handleMetricsDetailed(w http.ResponseWriter, r *http.Request) {
	if !requireBearer(s.cfg, r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.PerformanceReport())
}

// handleHealthRedis answers GET /health/redis with the shared-store's own
// health status mapped onto the HTTP status code named in the external
// interface.
func (s *Server) handleHealthRedis(w http.ResponseWriter, r *http.Request) {
	if !requireBearer(s.cfg, r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	health := s.store.HealthCheck(r.Context())
	status := http.StatusOK
	switch health.Status {
	case sharedstate.HealthDegraded:
		status = http.StatusTooManyRequests
	case sharedstate.HealthUnhealthy:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":       health.Status,
		"responseTime": health.ResponseTime.String(),
		"error":        health.Error,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"metrics":      s.metrics.GetSummary(false),
	})
}

// adminCacheRequest is the body of POST /admin/redis/cache.
type adminCacheRequest struct {
	Enabled *bool          `json:"enabled,omitempty"`
	TTL     *time.Duration `json:"ttl,omitempty"`
}

// handleAdminCache answers POST /admin/redis/cache; same auth. Omitted
// fields leave the corresponding cache setting unchanged.
func (s *Server) handleAdminCache(w http.ResponseWriter, r *http.Request) {
	if !requireBearer(s.cfg, r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req adminCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	enabled, ttl := s.store.CacheConfig()
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if req.TTL != nil {
		ttl = *req.TTL
	}
	s.store.ConfigureCache(enabled, ttl)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"config":  map[string]interface{}{"enabled": enabled, "ttl": ttl.String()},
	})
}

// routes registers every HTTP endpoint named in the external interface
// behind the CORS middleware. The WebSocket upgrade endpoint is not mounted
// here; Start adds /ws to the returned router.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	cors := corsMiddlewareFunc(s.cfg.CORSOrigin)

	r.Get("/health", cors(s.handleHealth))
	r.Get("/metrics", cors(s.handleMetrics))
	r.Get("/metrics/detailed", cors(s.handleMetricsDetailed))
	r.Get("/health/redis", cors(s.handleHealthRedis))
	r.Post("/admin/redis/cache", cors(s.handleAdminCache))
	r.Options("/admin/redis/cache", cors(s.handleAdminCache))

	return r
}

// corsMiddlewareFunc mirrors transport.CORSMiddleware's dev-vs-prod origin
// handling for plain http.HandlerFunc endpoints outside the WebSocket
// upgrade path.
func corsMiddlewareFunc(allowedOrigin string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if allowedOrigin == "*" {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				origin := r.Header.Get("Origin")
				if origin != "" && origin == allowedOrigin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{
				http.MethodGet, http.MethodPost, http.MethodOptions,
			}, ", "))
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next(w, r)
		}
	}
}

var _ metrics.Recorder = (*metrics.Service)(nil)
