package http

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/mishabar410/policyshield/pkg/api"
)

// livenessHandler answers /healthz. Always 200 while the process runs.
func livenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	})
}

// readinessHandler answers /readyz. Returns 503 while draining or when the
// active rule set is empty, so load balancers stop routing before shutdown
// completes and never route to an instance enforcing nothing.
func (s *Server) readinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "draining"})
			return
		}
		if len(s.engine.Active().Rules.Rules) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "no rules loaded"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
}

// handleHealth answers /api/v1/health: the engine-level health view clients
// use to confirm the policy layer is live before sending checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Active()
	writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:     "ok",
		RulesCount: len(snap.Rules.Rules),
		Mode:       string(s.engine.Mode()),
	})
}

// drainGuard returns 503 with a BLOCK envelope for every endpoint except
// the liveness probe once shutdown has begun.
func drainGuard(draining *atomic.Bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if draining.Load() && r.URL.Path != "/healthz" {
			writeError(w, http.StatusServiceUnavailable,
				"draining", "server is shutting down", "BLOCK")
			return
		}
		next.ServeHTTP(w, r)
	})
}
