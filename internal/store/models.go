package store

import (
	"time"

	"github.com/google/uuid"
)

// User is an end user owning codes, tokens and permission grants.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Client is a registered OAuth client. RedirectURIs is persisted as a
// delimited list but semantically a set; membership tests are exact-string.
type Client struct {
	ID               uuid.UUID
	ClientID         string
	ClientSecretHash string
	RedirectURIs     []string
	Name             string
	JWKSURI          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Public reports whether the client has no registered secret and therefore
// must use PKCE on the authorization-code grant.
func (c Client) Public() bool {
	return c.ClientSecretHash == "" && c.JWKSURI == ""
}

// AuthorizationCode is a single-use code bound to client, redirect URI and
// user. The code string is stored hashed; the raw value leaves the server
// exactly once, in the authorize redirect.
type AuthorizationCode struct {
	ID                  uuid.UUID
	CodeHash            string
	ClientID            string
	RedirectURI         string
	UserID              uuid.NullUUID
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AccessToken is a bearer credential row. For opaque tokens TokenHash holds
// the sha256 of the presented string; for JWT tokens the row is keyed by ID
// (the jti claim) and TokenHash is empty.
type AccessToken struct {
	ID        uuid.UUID
	TokenHash string
	ClientID  string
	UserID    uuid.NullUUID
	Scope     string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefreshToken is a long-lived credential, always opaque and stored hashed.
type RefreshToken struct {
	ID        uuid.UUID
	TokenHash string
	ClientID  string
	UserID    uuid.NullUUID
	Scope     string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resource is a stable identifier for a protected resource class.
type Resource struct {
	ID          uuid.UUID
	Name        string
	Description string
}

// Permission is an action verb such as read, write or admin.
type Permission struct {
	ID          uuid.UUID
	Name        string
	Description string
}

// Grant is one (resource, permission) pair held by a user.
type Grant struct {
	ResourceName   string
	PermissionName string
}

// SweepResult reports how many expired rows a sweep removed.
type SweepResult struct {
	Codes         int64
	AccessTokens  int64
	RefreshTokens int64
}
