package api

import (
	"log/slog"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	customMiddleware "github.com/gatewarden/gatewarden/internal/api/middleware"
	"github.com/gatewarden/gatewarden/internal/permissions"
	"github.com/gatewarden/gatewarden/internal/tokens"
)

// Server owns the router and the dependencies the handlers close over.
type Server struct {
	Router *chi.Mux
	Pinger Pinger
	Logger *slog.Logger
}

// NewServer assembles the middleware chain and the protocol routes.
func NewServer(
	oauthHandler *OAuthHandler,
	permissionHandler *PermissionHandler,
	tokenService *tokens.Service,
	evaluator *permissions.Evaluator,
	pinger Pinger,
) *Server {
	r := chi.NewRouter()

	// Core middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// Sentry before recovery so panics reach it.
	sentryHandler := sentryhttp.New(sentryhttp.Options{
		Repanic: true,
	})
	r.Use(sentryHandler.Handle)

	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)

	limiter := customMiddleware.NewIPRateLimiter(10, 20)
	r.Use(limiter.Middleware)

	requireAuth := customMiddleware.BearerAuth(tokenService)

	server := &Server{
		Router: r,
		Pinger: pinger,
		Logger: slog.Default(),
	}

	r.Get("/health", server.HealthHandler())

	// Protocol endpoints.
	r.Get("/authorize", oauthHandler.Authorize)
	r.Post("/token", oauthHandler.Token)
	r.Post("/revoke", oauthHandler.Revoke)
	r.Post("/introspect", oauthHandler.Introspect)
	r.Get("/jwks", oauthHandler.JWKS)
	r.Get("/.well-known/jwks.json", oauthHandler.JWKS)

	// Token-protected routes.
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)

		r.Get("/permissions", permissionHandler.ListMine)

		// Admin-only: revoke every credential of a user.
		r.Route("/admin", func(r chi.Router) {
			r.Use(customMiddleware.RequirePermission(evaluator, "gatewarden", "admin"))

			adminHandler := NewAdminHandler(tokenService)
			r.Post("/users/{userID}/revoke", adminHandler.RevokeUserTokens)
		})
	})

	return server
}
