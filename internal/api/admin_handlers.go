package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/tokens"
)

// AdminHandler exposes operator actions behind the admin permission.
type AdminHandler struct {
	tokens *tokens.Service
}

func NewAdminHandler(tokenService *tokens.Service) *AdminHandler {
	return &AdminHandler{tokens: tokenService}
}

// RevokeUserTokens removes every access and refresh token of the user. Used
// for incident response and account offboarding.
func (h *AdminHandler) RevokeUserTokens(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	if err := h.tokens.RevokeAllForUser(r.Context(), userID); err != nil {
		slog.Error("RevokeUserTokens failed", "user", userID, "error", err)
		http.Error(w, "Failed to revoke tokens", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
