// Package authcode issues and redeems single-use authorization codes,
// enforcing PKCE (RFC 7636).
package authcode

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/clients"
	"github.com/gatewarden/gatewarden/internal/crypto"
	"github.com/gatewarden/gatewarden/internal/oauth"
	"github.com/gatewarden/gatewarden/internal/store"
)

// PKCE challenge methods.
const (
	MethodPlain = "plain"
	MethodS256  = "S256"
)

// Service mints and redeems authorization codes.
type Service struct {
	store    store.Store
	registry *clients.Registry
	ttl      time.Duration
	now      func() time.Time
}

// NewService creates the code service. ttl must not exceed ten minutes;
// config validation enforces that at startup.
func NewService(s store.Store, registry *clients.Registry, ttl time.Duration) *Service {
	return &Service{store: s, registry: registry, ttl: ttl, now: time.Now}
}

// IssueParams describes a code to mint.
type IssueParams struct {
	ClientID            string
	UserID              uuid.UUID
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Issue mints a single-use code for the (client, user, redirect) binding.
// The raw code is returned once; only its hash is persisted.
func (s *Service) Issue(ctx context.Context, params IssueParams) (string, error) {
	client, err := s.registry.Resolve(ctx, params.ClientID)
	if err != nil {
		return "", err
	}
	if !s.registry.ValidateRedirectURI(client, params.RedirectURI) {
		return "", oauth.InvalidRequest("redirect_uri is not registered for this client")
	}
	if params.CodeChallenge != "" {
		switch params.CodeChallengeMethod {
		case MethodPlain, MethodS256:
		default:
			return "", oauth.InvalidRequest("unsupported code_challenge_method")
		}
	}

	// Unique-constraint collisions on a 32-byte random are vanishingly rare;
	// retry once with a fresh value, then treat it as a server fault.
	for attempt := 0; attempt < 2; attempt++ {
		code, err := crypto.RandomToken(crypto.CodeBytes)
		if err != nil {
			return "", oauth.Wrap(oauth.KindCryptoFailure, oauth.CodeServerError, "code generation failed", err)
		}

		now := s.now()
		row := store.AuthorizationCode{
			ID:                  uuid.New(),
			CodeHash:            crypto.HashToken(code),
			ClientID:            params.ClientID,
			RedirectURI:         params.RedirectURI,
			UserID:              uuid.NullUUID{UUID: params.UserID, Valid: true},
			Scope:               params.Scope,
			CodeChallenge:       params.CodeChallenge,
			CodeChallengeMethod: params.CodeChallengeMethod,
			ExpiresAt:           now.Add(s.ttl),
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		err = s.store.CreateCodeIfAbsent(ctx, row)
		if errors.Is(err, store.ErrConflict) {
			slog.Warn("authorization_code_collision", "client_id", params.ClientID)
			continue
		}
		if err != nil {
			return "", oauth.ServerError(err)
		}
		return code, nil
	}
	return "", oauth.ServerError(errors.New("authorization code collision persisted across retry"))
}

// RedeemParams carries the token-endpoint side of the exchange.
type RedeemParams struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// Redemption is the outcome of a successful exchange.
type Redemption struct {
	UserID uuid.NullUUID
	Scope  string
}

// Redeem atomically consumes the code and verifies every binding. The
// consume happens first and is the single source of truth against replay:
// once it succeeds the code is burned even if a later check fails, so an
// interceptor cannot distinguish failure modes that would leak reusability.
func (s *Service) Redeem(ctx context.Context, params RedeemParams) (Redemption, error) {
	row, err := s.store.ConsumeCode(ctx, crypto.HashToken(params.Code))
	if errors.Is(err, store.ErrNotFound) {
		return Redemption{}, oauth.InvalidGrant("authorization code is invalid or already used")
	}
	if err != nil {
		return Redemption{}, oauth.ServerError(err)
	}

	// Zero skew tolerance: the code was issued by this server, same clock.
	if !s.now().Before(row.ExpiresAt) {
		return Redemption{}, oauth.InvalidGrant("authorization code expired")
	}
	if row.ClientID != params.ClientID {
		return Redemption{}, oauth.InvalidGrant("authorization code was issued to a different client")
	}
	if row.RedirectURI != params.RedirectURI {
		return Redemption{}, oauth.InvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := verifyPKCE(row.CodeChallenge, row.CodeChallengeMethod, params.CodeVerifier); err != nil {
		return Redemption{}, err
	}

	return Redemption{UserID: row.UserID, Scope: row.Scope}, nil
}

func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// A verifier against a code issued without a challenge is a
		// downgrade attempt, not a no-op.
		if verifier != "" {
			return oauth.InvalidGrant("code_verifier supplied for a code issued without a challenge")
		}
		return nil
	}
	if verifier == "" {
		return oauth.InvalidGrant("code_verifier required")
	}

	switch method {
	case MethodPlain:
		if !crypto.SecureCompare(verifier, challenge) {
			return oauth.InvalidGrant("code_verifier does not match")
		}
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		if !crypto.SecureCompare(derived, challenge) {
			return oauth.InvalidGrant("code_verifier does not match")
		}
	default:
		return oauth.InvalidGrant("unsupported code_challenge_method")
	}
	return nil
}
