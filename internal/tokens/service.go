// Package tokens mints, validates, refreshes, revokes and introspects
// access and refresh tokens.
package tokens

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/audit"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/crypto"
	"github.com/gatewarden/gatewarden/internal/oauth"
	"github.com/gatewarden/gatewarden/internal/store"
)

// Hints accepted by Revoke per RFC 7009. Advisory only.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// Options configures the token service.
type Options struct {
	Issuer       string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	Format       config.AccessTokenFormat
	Rotation     config.RefreshRotation
	ReplayWindow time.Duration
}

// Service is the token subsystem.
type Service struct {
	store      store.Store
	signer     *crypto.Signer
	audit      audit.Logger
	opts       Options
	tombstones *tombstoneSet
	now        func() time.Time
}

// NewService creates the token service.
func NewService(s store.Store, signer *crypto.Signer, auditLog audit.Logger, opts Options) *Service {
	return &Service{
		store:      s,
		signer:     signer,
		audit:      auditLog,
		opts:       opts,
		tombstones: newTombstoneSet(),
		now:        time.Now,
	}
}

// Claims are the JWT access-token claims. jti is the persisted row id, kept
// for revocation checks.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Pair is the uniform token response envelope of the token endpoint.
type Pair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Mint creates an access/refresh token pair for the client, optionally bound
// to a user. Both rows land in one store transaction: a failed mint persists
// nothing, so no orphaned access token outlives a failed exchange.
func (s *Service) Mint(ctx context.Context, clientID string, userID uuid.NullUUID, scope string) (Pair, error) {
	access, accessRow, err := s.newAccessToken(clientID, userID, scope)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshRow, err := s.newRefreshToken(clientID, userID, scope)
	if err != nil {
		return Pair{}, err
	}

	if err := s.createWithRetry(ctx, func() error { return s.store.CreateTokenPair(ctx, accessRow, refreshRow) }, func() error {
		if access, accessRow, err = s.newAccessToken(clientID, userID, scope); err != nil {
			return err
		}
		refresh, refreshRow, err = s.newRefreshToken(clientID, userID, scope)
		return err
	}); err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.opts.AccessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

// MintAccessOnly creates an access token with no refresh token. The
// client_credentials grant uses it: RFC 6749 section 4.4.3 says that
// response should not include one.
func (s *Service) MintAccessOnly(ctx context.Context, clientID string, userID uuid.NullUUID, scope string) (Pair, error) {
	access, accessRow, err := s.newAccessToken(clientID, userID, scope)
	if err != nil {
		return Pair{}, err
	}
	if err := s.createWithRetry(ctx, func() error { return s.store.CreateAccessToken(ctx, accessRow) }, func() error {
		access, accessRow, err = s.newAccessToken(clientID, userID, scope)
		return err
	}); err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.opts.AccessTTL.Seconds()),
		Scope:       scope,
	}, nil
}

// createWithRetry runs create once and, on a unique-constraint collision,
// regenerates the random material and tries exactly once more.
func (s *Service) createWithRetry(_ context.Context, create func() error, regenerate func() error) error {
	err := create()
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return oauth.ServerError(err)
	}
	slog.Warn("token_collision_retry")
	if err := regenerate(); err != nil {
		return err
	}
	if err := create(); err != nil {
		return oauth.ServerError(err)
	}
	return nil
}

func (s *Service) newAccessToken(clientID string, userID uuid.NullUUID, scope string) (string, store.AccessToken, error) {
	now := s.now()
	row := store.AccessToken{
		ID:        uuid.New(),
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: now.Add(s.opts.AccessTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if s.opts.Format == config.FormatJWT {
		sub := ""
		if userID.Valid {
			sub = userID.UUID.String()
		}
		claims := Claims{
			Scope: scope,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    s.opts.Issuer,
				Subject:   sub,
				Audience:  jwt.ClaimStrings{clientID},
				ExpiresAt: jwt.NewNumericDate(row.ExpiresAt),
				IssuedAt:  jwt.NewNumericDate(now),
				ID:        row.ID.String(),
			},
		}
		signed, err := s.signer.Sign(claims)
		if err != nil {
			return "", store.AccessToken{}, oauth.Wrap(oauth.KindCryptoFailure, oauth.CodeServerError, "access token signing failed", err)
		}
		// The JWT itself is not persisted; only the jti row backs revocation.
		return signed, row, nil
	}

	raw, err := crypto.RandomToken(crypto.TokenBytes)
	if err != nil {
		return "", store.AccessToken{}, oauth.Wrap(oauth.KindCryptoFailure, oauth.CodeServerError, "access token generation failed", err)
	}
	row.TokenHash = crypto.HashToken(raw)
	return raw, row, nil
}

func (s *Service) newRefreshToken(clientID string, userID uuid.NullUUID, scope string) (string, store.RefreshToken, error) {
	raw, err := crypto.RandomToken(crypto.TokenBytes)
	if err != nil {
		return "", store.RefreshToken{}, oauth.Wrap(oauth.KindCryptoFailure, oauth.CodeServerError, "refresh token generation failed", err)
	}
	now := s.now()
	row := store.RefreshToken{
		ID:        uuid.New(),
		TokenHash: crypto.HashToken(raw),
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: now.Add(s.opts.RefreshTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return raw, row, nil
}

// Validation is the result of a successful access-token check.
type Validation struct {
	ClientID  string
	UserID    uuid.NullUUID
	Scope     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Validate checks a presented access token. For JWTs the signature and
// claims are verified first, then the jti row must still exist (revocation).
// For opaque tokens the hashed row is the whole truth. Expiry is strict: a
// token presented exactly at expiresAt is invalid.
func (s *Service) Validate(ctx context.Context, presented string) (Validation, error) {
	var row store.AccessToken

	if s.opts.Format == config.FormatJWT {
		var claims Claims
		if err := s.signer.Verify(presented, &claims); err != nil {
			if errors.Is(err, crypto.ErrTokenExpired) {
				return Validation{}, oauth.InvalidToken("token expired")
			}
			return Validation{}, oauth.InvalidToken("token verification failed")
		}
		jti, err := uuid.Parse(claims.ID)
		if err != nil {
			return Validation{}, oauth.InvalidToken("token verification failed")
		}
		row, err = s.store.GetAccessTokenByID(ctx, jti)
		if errors.Is(err, store.ErrNotFound) {
			return Validation{}, oauth.InvalidToken("token revoked")
		}
		if err != nil {
			return Validation{}, oauth.ServerError(err)
		}
	} else {
		var err error
		row, err = s.store.GetAccessToken(ctx, crypto.HashToken(presented))
		if errors.Is(err, store.ErrNotFound) {
			return Validation{}, oauth.InvalidToken("unknown token")
		}
		if err != nil {
			return Validation{}, oauth.ServerError(err)
		}
	}

	if !s.now().Before(row.ExpiresAt) {
		return Validation{}, oauth.InvalidToken("token expired")
	}

	return Validation{
		ClientID:  row.ClientID,
		UserID:    row.UserID,
		Scope:     row.Scope,
		ExpiresAt: row.ExpiresAt,
		CreatedAt: row.CreatedAt,
	}, nil
}

// Refresh redeems a refresh token for a new pair. Under rotation the old
// refresh row is deleted and the replacement rows inserted in one store
// transaction; a concurrent redemption of the same token loses with
// invalid_grant.
func (s *Service) Refresh(ctx context.Context, presentedRefresh, clientID string) (Pair, error) {
	oldHash := crypto.HashToken(presentedRefresh)

	row, err := s.store.GetRefreshToken(ctx, oldHash)
	if errors.Is(err, store.ErrNotFound) {
		return Pair{}, s.handleMissingRefresh(ctx, oldHash)
	}
	if err != nil {
		return Pair{}, oauth.ServerError(err)
	}

	if !s.now().Before(row.ExpiresAt) {
		return Pair{}, oauth.InvalidGrant("refresh token expired")
	}
	if row.ClientID != clientID {
		return Pair{}, oauth.InvalidGrant("refresh token was issued to a different client")
	}

	access, accessRow, err := s.newAccessToken(row.ClientID, row.UserID, row.Scope)
	if err != nil {
		return Pair{}, err
	}

	if s.opts.Rotation == config.RotationNever {
		if err := s.store.CreateAccessToken(ctx, accessRow); err != nil {
			return Pair{}, oauth.ServerError(err)
		}
		return Pair{
			AccessToken:  access,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.opts.AccessTTL.Seconds()),
			RefreshToken: presentedRefresh,
			Scope:        row.Scope,
		}, nil
	}

	newRefresh, refreshRow, err := s.newRefreshToken(row.ClientID, row.UserID, row.Scope)
	if err != nil {
		return Pair{}, err
	}

	err = s.store.RotateRefreshToken(ctx, oldHash, refreshRow, accessRow)
	if errors.Is(err, store.ErrNotFound) {
		// Lost the race to a concurrent redemption.
		return Pair{}, oauth.InvalidGrant("refresh token is invalid or already used")
	}
	if err != nil {
		return Pair{}, oauth.ServerError(err)
	}

	if s.opts.ReplayWindow > 0 {
		s.tombstones.Add(oldHash, row.UserID, s.now().Add(s.opts.ReplayWindow))
	}

	return Pair{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.opts.AccessTTL.Seconds()),
		RefreshToken: newRefresh,
		Scope:        row.Scope,
	}, nil
}

// handleMissingRefresh decides between a plain invalid_grant and the
// defensive response to stolen-token replay: a rotated-away token presented
// again within the replay window revokes every credential of its user.
func (s *Service) handleMissingRefresh(ctx context.Context, oldHash string) error {
	if s.opts.ReplayWindow <= 0 {
		return oauth.InvalidGrant("refresh token is invalid")
	}
	userID, hit := s.tombstones.Lookup(oldHash, s.now())
	if !hit {
		return oauth.InvalidGrant("refresh token is invalid")
	}

	if userID.Valid {
		if err := s.store.RevokeAllForUser(ctx, userID.UUID); err != nil {
			slog.Error("replay_revocation_failed", "user_id", userID.UUID, "error", err)
		}
	}
	s.audit.Log(ctx, "security.refresh_token_replay", audit.Params{
		ActorID: userID.UUID,
	})
	return oauth.InvalidGrant("refresh token is invalid")
}

// Revoke deletes the matching token row. Per RFC 7009 revocation of an
// unknown or already-revoked token succeeds silently; the hint is advisory
// and only orders the lookups.
func (s *Service) Revoke(ctx context.Context, token, hint string) error {
	lookups := []func(context.Context, string) error{s.revokeRefresh, s.revokeAccess}
	if hint == HintAccessToken {
		lookups = []func(context.Context, string) error{s.revokeAccess, s.revokeRefresh}
	}

	for _, revoke := range lookups {
		err := revoke(ctx, token)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return oauth.ServerError(err)
		}
	}
	return nil
}

func (s *Service) revokeRefresh(ctx context.Context, token string) error {
	return s.store.DeleteRefreshToken(ctx, crypto.HashToken(token))
}

func (s *Service) revokeAccess(ctx context.Context, token string) error {
	if s.opts.Format == config.FormatJWT {
		var claims Claims
		if err := s.signer.Verify(token, &claims); err != nil {
			return store.ErrNotFound
		}
		jti, err := uuid.Parse(claims.ID)
		if err != nil {
			return store.ErrNotFound
		}
		return s.store.DeleteAccessTokenByID(ctx, jti)
	}
	return s.store.DeleteAccessToken(ctx, crypto.HashToken(token))
}

// Introspection is the RFC 7662 response shape. Inactive responses carry
// only active:false; nothing structural leaks for unknown tokens.
type Introspection struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Sub      string `json:"sub,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
	Iat      int64  `json:"iat,omitempty"`
}

// Introspect reports the state of a token: access tokens first, then
// refresh tokens. It is a pure function of store state and the clock.
func (s *Service) Introspect(ctx context.Context, token string) (Introspection, error) {
	inactive := Introspection{Active: false}

	if v, err := s.Validate(ctx, token); err == nil {
		out := Introspection{
			Active:   true,
			Scope:    v.Scope,
			ClientID: v.ClientID,
			Exp:      v.ExpiresAt.Unix(),
			Iat:      v.CreatedAt.Unix(),
		}
		if v.UserID.Valid {
			out.Sub = v.UserID.UUID.String()
			if user, err := s.store.GetUserByID(ctx, v.UserID.UUID); err == nil {
				out.Username = user.Username
			}
		}
		return out, nil
	}

	row, err := s.store.GetRefreshToken(ctx, crypto.HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return inactive, nil
	}
	if err != nil {
		return inactive, oauth.ServerError(err)
	}
	if !s.now().Before(row.ExpiresAt) {
		return inactive, nil
	}

	out := Introspection{
		Active:   true,
		Scope:    row.Scope,
		ClientID: row.ClientID,
		Exp:      row.ExpiresAt.Unix(),
		Iat:      row.CreatedAt.Unix(),
	}
	if row.UserID.Valid {
		out.Sub = row.UserID.UUID.String()
		if user, err := s.store.GetUserByID(ctx, row.UserID.UUID); err == nil {
			out.Username = user.Username
		}
	}
	return out, nil
}

// RevokeAllForUser removes every credential belonging to the user.
func (s *Service) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	if err := s.store.RevokeAllForUser(ctx, userID); err != nil {
		return oauth.ServerError(err)
	}
	s.audit.Log(ctx, "tokens.revoke_all", audit.Params{ActorID: userID})
	return nil
}
