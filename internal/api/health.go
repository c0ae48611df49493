package api

import (
	"context"
	"net/http"

	"github.com/gatewarden/gatewarden/internal/api/helpers"
)

// Pinger reports backing-store reachability. nil means no dependency to
// check (in-memory store).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler checks liveness and, when a pinger is configured, store
// connectivity.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Pinger == nil {
			helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
			return
		}

		if err := s.Pinger.Ping(r.Context()); err != nil {
			s.Logger.Error("health_check_failed", "error", err, "detail", "store_unreachable")
			helpers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  "service temporarily unavailable",
			})
			return
		}

		helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
