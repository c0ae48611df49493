// Package clients resolves and authenticates OAuth clients and validates
// their redirect URIs.
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/crypto"
	"github.com/gatewarden/gatewarden/internal/oauth"
	"github.com/gatewarden/gatewarden/internal/store"
)

// AssertionTypeJWTBearer is the client_assertion_type for private_key_jwt
// client authentication (RFC 7523).
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionMaxLifetime caps how far in the future an assertion may expire,
// bounding the jti replay cache.
const assertionMaxLifetime = 10 * time.Minute

// Credentials carries whichever client authentication material the request
// presented. Exactly one of the two mechanisms should be populated.
type Credentials struct {
	ClientID     string
	ClientSecret string

	ClientAssertionType string
	ClientAssertion     string
}

// Registry authenticates clients and validates redirect URIs.
type Registry struct {
	store         store.Store
	hasher        crypto.PasswordHasher
	fetcher       *crypto.JWKSFetcher
	tokenEndpoint string
	algorithms    []string
	nonces        *nonceCache
}

// NewRegistry creates a registry. tokenEndpoint is the absolute URL clients
// must use as the aud claim of their assertions.
func NewRegistry(s store.Store, hasher crypto.PasswordHasher, fetcher *crypto.JWKSFetcher, tokenEndpoint string, algorithms []string) *Registry {
	return &Registry{
		store:         s,
		hasher:        hasher,
		fetcher:       fetcher,
		tokenEndpoint: tokenEndpoint,
		algorithms:    algorithms,
		nonces:        newNonceCache(),
	}
}

// Resolve looks up a client by its public identifier.
func (r *Registry) Resolve(ctx context.Context, clientID string) (store.Client, error) {
	client, err := r.store.GetClientByClientID(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Client{}, oauth.InvalidClient("unknown client")
	}
	if err != nil {
		return store.Client{}, oauth.ServerError(err)
	}
	return client, nil
}

// Authenticate verifies the presented credentials and returns the client.
// Failures are uniformly invalid_client so the mechanism that failed is not
// distinguishable from outside.
func (r *Registry) Authenticate(ctx context.Context, creds Credentials) (store.Client, error) {
	if creds.ClientAssertion != "" {
		if creds.ClientAssertionType != AssertionTypeJWTBearer {
			return store.Client{}, oauth.InvalidClient("unsupported client_assertion_type")
		}
		return r.authenticateAssertion(ctx, creds.ClientAssertion)
	}
	return r.authenticateSecret(ctx, creds.ClientID, creds.ClientSecret)
}

func (r *Registry) authenticateSecret(ctx context.Context, clientID, secret string) (store.Client, error) {
	client, err := r.Resolve(ctx, clientID)
	if err != nil {
		return store.Client{}, err
	}
	if client.ClientSecretHash == "" || secret == "" {
		return store.Client{}, oauth.InvalidClient("client authentication failed")
	}
	if err := r.hasher.Compare(client.ClientSecretHash, secret); err != nil {
		return store.Client{}, oauth.InvalidClient("client authentication failed")
	}
	return client, nil
}

func (r *Registry) authenticateAssertion(ctx context.Context, assertion string) (store.Client, error) {
	// The issuer identifies the client, so the claims are read before the
	// signature can be checked against that client's key set.
	var unverified jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(assertion, &unverified); err != nil {
		return store.Client{}, oauth.InvalidClient("malformed client_assertion")
	}
	if unverified.Issuer == "" || unverified.Issuer != unverified.Subject {
		return store.Client{}, oauth.InvalidClient("assertion iss and sub must both be the client id")
	}

	client, err := r.Resolve(ctx, unverified.Issuer)
	if err != nil {
		return store.Client{}, err
	}
	if client.JWKSURI == "" {
		return store.Client{}, oauth.InvalidClient("client has no registered jwks_uri")
	}

	keys, err := r.fetcher.Fetch(ctx, client.JWKSURI)
	if err != nil {
		slog.Warn("client_jwks_fetch_failed", "client_id", client.ClientID, "error", err)
		return store.Client{}, oauth.InvalidClient("client key set unavailable")
	}

	var claims jwt.RegisteredClaims
	if err := crypto.VerifyWithKeys(assertion, &claims, keys, r.algorithms, 0); err != nil {
		return store.Client{}, oauth.InvalidClient("client_assertion verification failed")
	}

	if !audienceContains(claims.Audience, r.tokenEndpoint) {
		return store.Client{}, oauth.InvalidClient("assertion aud must be the token endpoint")
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(time.Now()) {
		return store.Client{}, oauth.InvalidClient("assertion expired")
	}
	if claims.ID == "" {
		return store.Client{}, oauth.InvalidClient("assertion missing jti")
	}

	expiry := claims.ExpiresAt.Time
	if max := time.Now().Add(assertionMaxLifetime); expiry.After(max) {
		expiry = max
	}
	if !r.nonces.Remember(client.ClientID+":"+claims.ID, expiry) {
		return store.Client{}, oauth.InvalidClient("assertion jti already used")
	}

	return client, nil
}

func audienceContains(aud jwt.ClaimStrings, endpoint string) bool {
	for _, a := range aud {
		if a == endpoint {
			return true
		}
	}
	return false
}

// ValidateRedirectURI tests exact-string membership of uri in the client's
// registered set. No normalization, no prefix match, no wildcard: a tight
// match closes open-redirect attacks.
func (r *Registry) ValidateRedirectURI(client store.Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// RegisterParams describes a client to create.
type RegisterParams struct {
	ClientID     string
	ClientSecret string
	RedirectURIs []string
	Name         string
	JWKSURI      string
}

// Register creates a client row. Redirect URI hosts are lower-cased here,
// at the registration boundary; comparisons at authorize time stay raw.
func (r *Registry) Register(ctx context.Context, params RegisterParams) (store.Client, error) {
	uris := make([]string, 0, len(params.RedirectURIs))
	for _, raw := range params.RedirectURIs {
		normalized, err := NormalizeRedirectURI(raw)
		if err != nil {
			return store.Client{}, fmt.Errorf("invalid redirect uri %q: %w", raw, err)
		}
		uris = append(uris, normalized)
	}

	secretHash := ""
	if params.ClientSecret != "" {
		hash, err := r.hasher.Hash(params.ClientSecret)
		if err != nil {
			return store.Client{}, err
		}
		secretHash = hash
	}

	now := time.Now()
	client := store.Client{
		ID:               uuid.New(),
		ClientID:         params.ClientID,
		ClientSecretHash: secretHash,
		RedirectURIs:     uris,
		Name:             params.Name,
		JWKSURI:          params.JWKSURI,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateClient(ctx, client); err != nil {
		return store.Client{}, err
	}
	return client, nil
}

// NormalizeRedirectURI validates that the URI is absolute and lower-cases
// its host. Everything else (path, trailing slash, query) is preserved
// byte-for-byte.
func NormalizeRedirectURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", errors.New("redirect uri must be absolute")
	}
	if u.Fragment != "" {
		return "", errors.New("redirect uri must not contain a fragment")
	}
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}
