package api

import (
	"log/slog"
	"net/http"

	"github.com/gatewarden/gatewarden/internal/api/helpers"
	customMiddleware "github.com/gatewarden/gatewarden/internal/api/middleware"
	"github.com/gatewarden/gatewarden/internal/permissions"
)

// PermissionHandler serves permission lookups for the authenticated subject.
type PermissionHandler struct {
	evaluator *permissions.Evaluator
}

func NewPermissionHandler(evaluator *permissions.Evaluator) *PermissionHandler {
	return &PermissionHandler{evaluator: evaluator}
}

type grantResponse struct {
	Resource   string `json:"resource"`
	Permission string `json:"permission"`
}

// ListMine returns every (resource, permission) pair held by the user behind
// the presented token.
func (h *PermissionHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	userID, err := customMiddleware.GetUserID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	grants, err := h.evaluator.ListForUser(r.Context(), userID)
	if err != nil {
		slog.Error("ListMine failed", "user", userID, "error", err)
		http.Error(w, "Failed to list permissions", http.StatusInternalServerError)
		return
	}

	out := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, grantResponse{Resource: g.ResourceName, Permission: g.PermissionName})
	}
	helpers.RespondJSON(w, http.StatusOK, out)
}
