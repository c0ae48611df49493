// Package grants is the token-endpoint entry point: it authenticates the
// client, dispatches on grant_type and applies uniform post-conditions.
package grants

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/audit"
	"github.com/gatewarden/gatewarden/internal/authcode"
	"github.com/gatewarden/gatewarden/internal/clients"
	"github.com/gatewarden/gatewarden/internal/crypto"
	"github.com/gatewarden/gatewarden/internal/oauth"
	"github.com/gatewarden/gatewarden/internal/store"
	"github.com/gatewarden/gatewarden/internal/tokens"
)

// Supported grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
)

// Request is the normalized token-endpoint request.
type Request struct {
	GrantType   string
	Credentials clients.Credentials

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token
	RefreshToken string

	// password
	Username string
	Password string

	// client_credentials / password
	Scope string
}

// Dispatcher selects and runs the grant handler.
type Dispatcher struct {
	registry *clients.Registry
	codes    *authcode.Service
	tokens   *tokens.Service
	hasher   crypto.PasswordHasher
	store    store.Store
	audit    audit.Logger

	passwordGrantEnabled bool
}

func NewDispatcher(
	registry *clients.Registry,
	codes *authcode.Service,
	tokenService *tokens.Service,
	hasher crypto.PasswordHasher,
	s store.Store,
	auditLog audit.Logger,
	passwordGrantEnabled bool,
) *Dispatcher {
	return &Dispatcher{
		registry:             registry,
		codes:                codes,
		tokens:               tokenService,
		hasher:               hasher,
		store:                s,
		audit:                auditLog,
		passwordGrantEnabled: passwordGrantEnabled,
	}
}

// Token runs the token-endpoint flow and returns the uniform response
// envelope. The HTTP adapter adds the no-store cache headers.
func (d *Dispatcher) Token(ctx context.Context, req Request) (tokens.Pair, error) {
	client, err := d.authenticateClient(ctx, req)
	if err != nil {
		return tokens.Pair{}, err
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return d.authorizationCode(ctx, client, req)
	case GrantRefreshToken:
		return d.refreshToken(ctx, client, req)
	case GrantClientCredentials:
		return d.clientCredentials(ctx, client, req)
	case GrantPassword:
		return d.password(ctx, client, req)
	default:
		return tokens.Pair{}, oauth.E(oauth.KindValidation, oauth.CodeUnsupportedGrantType, "unsupported grant_type")
	}
}

// authenticateClient enforces client authentication for every grant except
// public clients redeeming an authorization code, which prove possession
// via PKCE instead.
func (d *Dispatcher) authenticateClient(ctx context.Context, req Request) (store.Client, error) {
	hasProof := req.Credentials.ClientSecret != "" || req.Credentials.ClientAssertion != ""

	if !hasProof && req.GrantType == GrantAuthorizationCode {
		client, err := d.registry.Resolve(ctx, req.Credentials.ClientID)
		if err != nil {
			return store.Client{}, err
		}
		if !client.Public() {
			return store.Client{}, oauth.InvalidClient("client authentication required")
		}
		return client, nil
	}

	return d.registry.Authenticate(ctx, req.Credentials)
}

func (d *Dispatcher) authorizationCode(ctx context.Context, client store.Client, req Request) (tokens.Pair, error) {
	redemption, err := d.codes.Redeem(ctx, authcode.RedeemParams{
		Code:         req.Code,
		ClientID:     client.ClientID,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
	})
	if err != nil {
		return tokens.Pair{}, err
	}

	pair, err := d.tokens.Mint(ctx, client.ClientID, redemption.UserID, redemption.Scope)
	if err != nil {
		return tokens.Pair{}, err
	}

	d.audit.Log(ctx, "grant.authorization_code", audit.Params{
		ActorID:  redemption.UserID.UUID,
		ClientID: client.ClientID,
	})
	return pair, nil
}

func (d *Dispatcher) refreshToken(ctx context.Context, client store.Client, req Request) (tokens.Pair, error) {
	if req.RefreshToken == "" {
		return tokens.Pair{}, oauth.InvalidRequest("refresh_token is required")
	}
	pair, err := d.tokens.Refresh(ctx, req.RefreshToken, client.ClientID)
	if err != nil {
		return tokens.Pair{}, err
	}
	d.audit.Log(ctx, "grant.refresh_token", audit.Params{ClientID: client.ClientID})
	return pair, nil
}

func (d *Dispatcher) clientCredentials(ctx context.Context, client store.Client, req Request) (tokens.Pair, error) {
	if client.Public() {
		return tokens.Pair{}, oauth.UnauthorizedClient("client_credentials requires a confidential client")
	}

	// No refresh token for this grant (RFC 6749 section 4.4.3); the client
	// re-authenticates instead.
	pair, err := d.tokens.MintAccessOnly(ctx, client.ClientID, uuid.NullUUID{}, req.Scope)
	if err != nil {
		return tokens.Pair{}, err
	}

	d.audit.Log(ctx, "grant.client_credentials", audit.Params{ClientID: client.ClientID})
	return pair, nil
}

func (d *Dispatcher) password(ctx context.Context, client store.Client, req Request) (tokens.Pair, error) {
	if !d.passwordGrantEnabled {
		return tokens.Pair{}, oauth.E(oauth.KindValidation, oauth.CodeUnsupportedGrantType, "password grant is disabled")
	}

	user, err := d.store.GetUserByUsername(ctx, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		// Generic error prevents username enumeration.
		return tokens.Pair{}, oauth.InvalidGrant("invalid username or password")
	}
	if err != nil {
		return tokens.Pair{}, oauth.ServerError(err)
	}
	if user.PasswordHash == "" {
		return tokens.Pair{}, oauth.InvalidGrant("invalid username or password")
	}
	if err := d.hasher.Compare(user.PasswordHash, req.Password); err != nil {
		return tokens.Pair{}, oauth.InvalidGrant("invalid username or password")
	}

	pair, err := d.tokens.Mint(ctx, client.ClientID, uuid.NullUUID{UUID: user.ID, Valid: true}, req.Scope)
	if err != nil {
		return tokens.Pair{}, err
	}

	d.audit.Log(ctx, "grant.password", audit.Params{
		ActorID:  user.ID,
		ClientID: client.ClientID,
	})
	return pair, nil
}
