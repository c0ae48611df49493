// Package store defines the persistence port the core depends on, together
// with an in-memory implementation used by tests and development mode.
// The Postgres driver lives in the postgres subpackage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on a unique-constraint violation. The mint
	// paths rely on it for idempotent mint-or-fail.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence port. Implementations must make ConsumeCode and
// RotateRefreshToken linearizable per row: two concurrent invocations on the
// same code or token see exactly one success and one ErrNotFound.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error

	// Clients
	CreateClient(ctx context.Context, c Client) error
	GetClientByClientID(ctx context.Context, clientID string) (Client, error)
	DeleteClient(ctx context.Context, id uuid.UUID) error

	// Authorization codes
	// CreateCodeIfAbsent fails with ErrConflict if the code hash exists.
	CreateCodeIfAbsent(ctx context.Context, code AuthorizationCode) error
	// ConsumeCode reads and deletes the code in one transaction. This is
	// the anti-replay primitive: the first caller wins, every later caller
	// gets ErrNotFound.
	ConsumeCode(ctx context.Context, codeHash string) (AuthorizationCode, error)

	// Access tokens
	CreateAccessToken(ctx context.Context, t AccessToken) error
	// CreateTokenPair inserts the access and refresh rows in one
	// transaction: on any failure neither row is persisted. This is the
	// mint primitive; a half-written pair would strand a live access token
	// the client never received.
	CreateTokenPair(ctx context.Context, access AccessToken, refresh RefreshToken) error
	GetAccessToken(ctx context.Context, tokenHash string) (AccessToken, error)
	GetAccessTokenByID(ctx context.Context, id uuid.UUID) (AccessToken, error)
	DeleteAccessToken(ctx context.Context, tokenHash string) error
	DeleteAccessTokenByID(ctx context.Context, id uuid.UUID) error

	// Refresh tokens
	CreateRefreshToken(ctx context.Context, t RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, tokenHash string) error
	// RotateRefreshToken atomically deletes the old refresh row and inserts
	// the replacement refresh and access rows. ErrNotFound if the old row
	// is already gone.
	RotateRefreshToken(ctx context.Context, oldHash string, newRefresh RefreshToken, newAccess AccessToken) error
	// RevokeAllForUser deletes every access and refresh token of the user.
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error

	// SweepExpired bulk-deletes codes and tokens with expiresAt < now.
	// Idempotent: a second sweep with the same clock removes nothing.
	SweepExpired(ctx context.Context, now time.Time) (SweepResult, error)

	// Resources and permissions
	CreateResource(ctx context.Context, r Resource) error
	GetResourceByName(ctx context.Context, name string) (Resource, error)
	DeleteResource(ctx context.Context, id uuid.UUID) error
	CreatePermission(ctx context.Context, p Permission) error
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	DeletePermission(ctx context.Context, id uuid.UUID) error

	// GrantPermission inserts the (user, resource, permission) triple;
	// ErrConflict if it already exists.
	GrantPermission(ctx context.Context, userID, resourceID, permissionID uuid.UUID) error
	RevokePermission(ctx context.Context, userID, resourceID, permissionID uuid.UUID) error
	// HasPermission reports existence of the triple. Absence is not an error.
	HasPermission(ctx context.Context, userID, resourceID, permissionID uuid.UUID) (bool, error)
	ListGrantsForUser(ctx context.Context, userID uuid.UUID) ([]Grant, error)

	// Generation is a monotonic counter bumped on every write touching
	// permissions, resources or users. Caches compare it on lookup instead
	// of subscribing to change feeds.
	Generation(ctx context.Context) (uint64, error)
}
