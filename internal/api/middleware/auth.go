package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/api/helpers"
	"github.com/gatewarden/gatewarden/internal/oauth"
	"github.com/gatewarden/gatewarden/internal/tokens"
)

// TokenValidator is the slice of the token service the middleware needs.
type TokenValidator interface {
	Validate(ctx context.Context, presented string) (tokens.Validation, error)
}

// PermissionChecker is the slice of the permission evaluator the middleware
// needs.
type PermissionChecker interface {
	Check(ctx context.Context, userID uuid.UUID, resourceName, permissionName string) (bool, error)
}

// BearerAuth validates the bearer token on the request and stores its
// subject, client and scope in the context.
func BearerAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, err := helpers.ExtractBearerToken(r)
			if err != nil {
				helpers.RespondOAuthError(w, oauth.InvalidToken("bearer token required"))
				return
			}

			v, err := validator.Validate(r.Context(), presented)
			if err != nil {
				helpers.RespondOAuthError(w, oauth.AsError(err))
				return
			}

			ctx := withAuthContext(r.Context(), v.UserID, v.ClientID, v.Scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission gates a route on the authenticated user holding the
// permission on the resource. Must run after BearerAuth. A token without a
// user subject never passes: deny-by-default.
func RequirePermission(checker PermissionChecker, resource, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := GetUserID(r.Context())
			if err != nil {
				helpers.RespondOAuthError(w, oauth.E(oauth.KindAuthorization, oauth.CodeInsufficientScope, "a user-bound token is required"))
				return
			}

			allowed, err := checker.Check(r.Context(), userID, resource, permission)
			if err != nil {
				helpers.RespondOAuthError(w, oauth.ServerError(err))
				return
			}
			if !allowed {
				helpers.RespondOAuthError(w, oauth.E(oauth.KindAuthorization, oauth.CodeInsufficientScope, "permission denied"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
