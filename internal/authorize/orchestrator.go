// Package authorize drives the /authorize endpoint state machine: request
// validation, user authentication hook, consent hook, code issuance.
package authorize

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/authcode"
	"github.com/gatewarden/gatewarden/internal/clients"
	"github.com/gatewarden/gatewarden/internal/oauth"
	"github.com/gatewarden/gatewarden/internal/store"
)

// Request is the normalized authorize request handed in by the HTTP boundary.
type Request struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Session is the boundary's view of the end-user session. The login UI is
// external; the core only needs to know who, if anyone, is authenticated.
type Session struct {
	Authenticated bool
	UserID        uuid.UUID
}

// ConsentProvider decides whether the user approves the requested scopes.
// Implementations may consult prior grants and answer implicitly, or drive
// an external consent UI and resume.
type ConsentProvider interface {
	Consent(ctx context.Context, userID uuid.UUID, clientID string, scopes []string) (bool, error)
}

// AutoConsent approves every request. Suitable for first-party deployments
// where consent is implicit in login.
type AutoConsent struct{}

func (AutoConsent) Consent(context.Context, uuid.UUID, string, []string) (bool, error) {
	return true, nil
}

// Disposition tells the boundary how to deliver the result.
type Disposition int

const (
	// DispositionRedirect carries a complete redirect URI (success or
	// error); the redirect target is known-good.
	DispositionRedirect Disposition = iota

	// DispositionDirectError means the redirect URI was never validated;
	// the boundary must render the error directly and MUST NOT redirect.
	DispositionDirectError

	// DispositionLoginRequired means no authenticated session exists; the
	// boundary should send the user to the login UI and replay the request.
	DispositionLoginRequired
)

// Result is the outcome of one pass through the state machine.
type Result struct {
	Disposition Disposition
	RedirectURI string
	Err         *oauth.Error
}

// Orchestrator wires the authorize flow.
type Orchestrator struct {
	registry *clients.Registry
	codes    *authcode.Service
	consent  ConsentProvider
	store    store.Store
}

func NewOrchestrator(registry *clients.Registry, codes *authcode.Service, consent ConsentProvider, s store.Store) *Orchestrator {
	if consent == nil {
		consent = AutoConsent{}
	}
	return &Orchestrator{registry: registry, codes: codes, consent: consent, store: s}
}

// Authorize runs the request through the state machine. The redirect URI is
// validated before every other parameter so that error responses are only
// ever redirected to a known-good target.
func (o *Orchestrator) Authorize(ctx context.Context, req Request, session Session) Result {
	// RequestValidating: establish a trustworthy redirect target first.
	client, err := o.registry.Resolve(ctx, req.ClientID)
	if err != nil {
		return directError(oauth.InvalidRequest("unknown client_id"))
	}
	if req.RedirectURI == "" || !o.registry.ValidateRedirectURI(client, req.RedirectURI) {
		return directError(oauth.InvalidRequest("redirect_uri is not registered for this client"))
	}

	// From here on the redirect target is known-good and errors go back
	// through it, with state echoed verbatim.
	if req.ResponseType != "code" {
		return o.redirectError(req, oauth.E(oauth.KindValidation, oauth.CodeUnsupportedResponseType, "only response_type=code is supported"))
	}

	scopes := splitScope(req.Scope)
	if err := o.validateScopes(ctx, scopes); err != nil {
		return o.redirectError(req, oauth.AsError(err))
	}

	if req.CodeChallenge != "" {
		switch req.CodeChallengeMethod {
		case authcode.MethodPlain, authcode.MethodS256:
		default:
			return o.redirectError(req, oauth.InvalidRequest("unsupported code_challenge_method"))
		}
	} else if client.Public() {
		return o.redirectError(req, oauth.InvalidRequest("public clients must use PKCE"))
	}

	// Authenticating.
	if !session.Authenticated {
		return Result{Disposition: DispositionLoginRequired}
	}

	// Consenting.
	approved, err := o.consent.Consent(ctx, session.UserID, req.ClientID, scopes)
	if err != nil {
		return o.redirectError(req, oauth.ServerError(err))
	}
	if !approved {
		return o.redirectError(req, oauth.AccessDenied("the user denied the request"))
	}

	// IssuingCode.
	code, err := o.codes.Issue(ctx, authcode.IssueParams{
		ClientID:            req.ClientID,
		UserID:              session.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		return o.redirectError(req, oauth.AsError(err))
	}

	// Completed.
	return Result{
		Disposition: DispositionRedirect,
		RedirectURI: buildRedirect(req.RedirectURI, url.Values{
			"code":  {code},
			"state": {req.State},
		}, req.State),
	}
}

// validateScopes recognizes a scope label when a resource of that name
// exists. Unknown labels are invalid_scope.
func (o *Orchestrator) validateScopes(ctx context.Context, scopes []string) error {
	for _, scope := range scopes {
		_, err := o.store.GetResourceByName(ctx, scope)
		if errors.Is(err, store.ErrNotFound) {
			return oauth.InvalidScope("unknown scope " + scope)
		}
		if err != nil {
			return oauth.ServerError(err)
		}
	}
	return nil
}

func (o *Orchestrator) redirectError(req Request, e *oauth.Error) Result {
	resp := e.Response()
	params := url.Values{
		"error": {resp.Error},
	}
	if resp.ErrorDescription != "" {
		params.Set("error_description", resp.ErrorDescription)
	}
	return Result{
		Disposition: DispositionRedirect,
		RedirectURI: buildRedirect(req.RedirectURI, params, req.State),
		Err:         e,
	}
}

func directError(e *oauth.Error) Result {
	return Result{Disposition: DispositionDirectError, Err: e}
}

func buildRedirect(base string, params url.Values, state string) string {
	if state != "" {
		params.Set("state", state)
	} else {
		params.Del("state")
	}
	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}
	return base + separator + params.Encode()
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
