package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gatewarden/gatewarden/internal/api/helpers"
	"github.com/gatewarden/gatewarden/internal/authorize"
	"github.com/gatewarden/gatewarden/internal/clients"
	"github.com/gatewarden/gatewarden/internal/crypto"
	"github.com/gatewarden/gatewarden/internal/grants"
	"github.com/gatewarden/gatewarden/internal/oauth"
	"github.com/gatewarden/gatewarden/internal/tokens"
)

// OAuthHandler exposes the protocol endpoints over HTTP.
type OAuthHandler struct {
	orchestrator *authorize.Orchestrator
	dispatcher   *grants.Dispatcher
	tokens       *tokens.Service
	registry     *clients.Registry
	signer       *crypto.Signer
	sessions     SessionResolver
	jwksMaxAge   int
}

// SessionResolver derives the end-user session from the request. The login
// UI is external; the default resolver accepts a user-bound bearer token as
// proof of an authenticated session.
type SessionResolver func(r *http.Request) authorize.Session

// BearerSessionResolver treats a valid user-bound access token as the
// session.
func BearerSessionResolver(service *tokens.Service) SessionResolver {
	return func(r *http.Request) authorize.Session {
		presented, err := helpers.ExtractBearerToken(r)
		if err != nil {
			return authorize.Session{}
		}
		v, err := service.Validate(r.Context(), presented)
		if err != nil || !v.UserID.Valid {
			return authorize.Session{}
		}
		return authorize.Session{Authenticated: true, UserID: v.UserID.UUID}
	}
}

func NewOAuthHandler(
	orchestrator *authorize.Orchestrator,
	dispatcher *grants.Dispatcher,
	tokenService *tokens.Service,
	registry *clients.Registry,
	signer *crypto.Signer,
	sessions SessionResolver,
	jwksMaxAge int,
) *OAuthHandler {
	if sessions == nil {
		sessions = BearerSessionResolver(tokenService)
	}
	return &OAuthHandler{
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		tokens:       tokenService,
		registry:     registry,
		signer:       signer,
		sessions:     sessions,
		jwksMaxAge:   jwksMaxAge,
	}
}

// Authorize handles GET /authorize. Errors on a validated redirect target go
// back through it; everything else is rendered directly and never redirected.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := authorize.Request{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	result := h.orchestrator.Authorize(r.Context(), req, h.sessions(r))

	switch result.Disposition {
	case authorize.DispositionRedirect:
		if result.Err != nil {
			slog.Warn("authorize_error_redirect", "client_id", req.ClientID, "error", result.Err.Code)
		}
		http.Redirect(w, r, result.RedirectURI, http.StatusFound)

	case authorize.DispositionLoginRequired:
		helpers.RespondJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "login_required",
			"error_description": "no authenticated session; authenticate and retry the request",
		})

	default:
		slog.Warn("authorize_rejected", "client_id", req.ClientID, "error", result.Err.Code)
		helpers.RespondOAuthError(w, result.Err)
	}
}

// Token handles POST /token. The body is form-encoded per RFC 6749; client
// credentials arrive via HTTP Basic or the form itself.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondOAuthError(w, oauth.InvalidRequest("malformed form body"))
		return
	}

	req := grants.Request{
		GrantType:    r.PostFormValue("grant_type"),
		Credentials:  credentialsFromRequest(r),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		Scope:        r.PostFormValue("scope"),
	}
	if req.GrantType == "" {
		helpers.RespondOAuthError(w, oauth.InvalidRequest("grant_type is required"))
		return
	}

	pair, err := h.dispatcher.Token(r.Context(), req)
	if err != nil {
		helpers.RespondOAuthError(w, oauth.AsError(err))
		return
	}

	// RFC 6749 §5.1: token responses must never be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	helpers.RespondJSON(w, http.StatusOK, pair)
}

// Revoke handles POST /revoke per RFC 7009. The caller must authenticate as
// a client; revocation of an unknown token still returns 200.
func (h *OAuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondOAuthError(w, oauth.InvalidRequest("malformed form body"))
		return
	}
	if _, err := h.registry.Authenticate(r.Context(), credentialsFromRequest(r)); err != nil {
		helpers.RespondOAuthError(w, oauth.AsError(err))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		helpers.RespondOAuthError(w, oauth.InvalidRequest("token is required"))
		return
	}

	if err := h.tokens.Revoke(r.Context(), token, r.PostFormValue("token_type_hint")); err != nil {
		helpers.RespondOAuthError(w, oauth.AsError(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect handles POST /introspect per RFC 7662. The caller must
// authenticate as a client; unknown tokens answer active:false, never 404.
func (h *OAuthHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondOAuthError(w, oauth.InvalidRequest("malformed form body"))
		return
	}
	if _, err := h.registry.Authenticate(r.Context(), credentialsFromRequest(r)); err != nil {
		helpers.RespondOAuthError(w, oauth.AsError(err))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		helpers.RespondOAuthError(w, oauth.InvalidRequest("token is required"))
		return
	}

	result, err := h.tokens.Introspect(r.Context(), token)
	if err != nil {
		helpers.RespondOAuthError(w, oauth.AsError(err))
		return
	}
	helpers.RespondJSON(w, http.StatusOK, result)
}

// JWKS handles GET /jwks: the public half of the signing key ring.
func (h *OAuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", h.jwksMaxAge))
	helpers.RespondJSON(w, http.StatusOK, h.signer.JWKS())
}

// credentialsFromRequest collects client authentication material: HTTP
// Basic takes precedence, then the form fields, including the private_key_jwt
// assertion pair.
func credentialsFromRequest(r *http.Request) clients.Credentials {
	creds := clients.Credentials{
		ClientID:            r.PostFormValue("client_id"),
		ClientSecret:        r.PostFormValue("client_secret"),
		ClientAssertionType: r.PostFormValue("client_assertion_type"),
		ClientAssertion:     r.PostFormValue("client_assertion"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		creds.ClientID = id
		creds.ClientSecret = secret
	}
	return creds
}
