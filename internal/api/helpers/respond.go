package helpers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gatewarden/gatewarden/internal/oauth"
)

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// RespondOAuthError writes the RFC 6749 error object with the status and
// challenge headers the code calls for. Internal causes are logged here and
// never serialized.
func RespondOAuthError(w http.ResponseWriter, e *oauth.Error) {
	if e.Code == oauth.CodeServerError {
		slog.Error("request_failed", "error", e)
	}

	status := oauth.HTTPStatus(e.Code)
	switch e.Code {
	case oauth.CodeInvalidClient:
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	case oauth.CodeInvalidToken, oauth.CodeInsufficientScope:
		w.Header().Set("WWW-Authenticate", `Bearer error="`+e.Code+`"`)
	}
	RespondJSON(w, status, e.Response())
}

// ErrNoBearerToken is returned when the Authorization header carries no
// bearer credential.
var ErrNoBearerToken = errors.New("no bearer token")

// ExtractBearerToken pulls the token out of the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoBearerToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrNoBearerToken
	}
	return parts[1], nil
}
