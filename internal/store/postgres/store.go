package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatewarden/gatewarden/internal/store"
)

// redirectURISeparator joins the registered redirect URIs in storage. The
// stored form is a delimited list for compatibility; the semantic layer
// treats it as a set.
const redirectURISeparator = "\n"

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a pool in the store port.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

// Users

func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	err := s.withBump(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, username, password_hash, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`,
			u.ID, u.Username, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
		return err
	})
	return translateError(err)
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (store.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func scanUser(row pgx.Row) (store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return store.User{}, translateError(err)
	}
	return u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	err := s.withBump(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	return translateError(err)
}

// Clients

func (s *Store) CreateClient(ctx context.Context, c store.Client) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (id, client_id, client_secret_hash, redirect_uris, name, jwks_uri, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.ClientID, c.ClientSecretHash, strings.Join(c.RedirectURIs, redirectURISeparator),
		c.Name, c.JWKSURI, c.CreatedAt, c.UpdatedAt)
	return translateError(err)
}

func (s *Store) GetClientByClientID(ctx context.Context, clientID string) (store.Client, error) {
	var c store.Client
	var uris string
	err := s.pool.QueryRow(ctx, `
		SELECT id, client_id, client_secret_hash, redirect_uris, name, jwks_uri, created_at, updated_at
		FROM clients WHERE client_id = $1`, clientID).
		Scan(&c.ID, &c.ClientID, &c.ClientSecretHash, &uris, &c.Name, &c.JWKSURI, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return store.Client{}, translateError(err)
	}
	if uris != "" {
		c.RedirectURIs = strings.Split(uris, redirectURISeparator)
	}
	return c, nil
}

func (s *Store) DeleteClient(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Authorization codes

func (s *Store) CreateCodeIfAbsent(ctx context.Context, code store.AuthorizationCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authorization_codes
			(id, code_hash, client_id, redirect_uri, user_id, scope, code_challenge, code_challenge_method, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		code.ID, code.CodeHash, code.ClientID, code.RedirectURI, nullableUUID(code.UserID),
		code.Scope, code.CodeChallenge, code.CodeChallengeMethod,
		code.ExpiresAt, code.CreatedAt, code.UpdatedAt)
	return translateError(err)
}

// ConsumeCode reads and deletes in one statement. DELETE ... RETURNING is
// atomic per row: of two concurrent redemptions exactly one sees the row.
func (s *Store) ConsumeCode(ctx context.Context, codeHash string) (store.AuthorizationCode, error) {
	var c store.AuthorizationCode
	var userID *uuid.UUID
	err := s.pool.QueryRow(ctx, `
		DELETE FROM authorization_codes WHERE code_hash = $1
		RETURNING id, code_hash, client_id, redirect_uri, user_id, scope, code_challenge, code_challenge_method, expires_at, created_at, updated_at`,
		codeHash).
		Scan(&c.ID, &c.CodeHash, &c.ClientID, &c.RedirectURI, &userID, &c.Scope,
			&c.CodeChallenge, &c.CodeChallengeMethod, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return store.AuthorizationCode{}, translateError(err)
	}
	c.UserID = fromNullable(userID)
	return c, nil
}

// Access tokens

func (s *Store) CreateAccessToken(ctx context.Context, t store.AccessToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO access_tokens (id, token_hash, client_id, user_id, scope, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.TokenHash, t.ClientID, nullableUUID(t.UserID), t.Scope, t.ExpiresAt, t.CreatedAt, t.UpdatedAt)
	return translateError(err)
}

// CreateTokenPair inserts both token rows in one transaction so a failed
// refresh insert rolls the access row back with it.
func (s *Store) CreateTokenPair(ctx context.Context, access store.AccessToken, refresh store.RefreshToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translateError(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO access_tokens (id, token_hash, client_id, user_id, scope, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		access.ID, access.TokenHash, access.ClientID, nullableUUID(access.UserID),
		access.Scope, access.ExpiresAt, access.CreatedAt, access.UpdatedAt)
	if err != nil {
		return translateError(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens (id, token_hash, client_id, user_id, scope, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		refresh.ID, refresh.TokenHash, refresh.ClientID, nullableUUID(refresh.UserID),
		refresh.Scope, refresh.ExpiresAt, refresh.CreatedAt, refresh.UpdatedAt)
	if err != nil {
		return translateError(err)
	}

	return translateError(tx.Commit(ctx))
}

func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (store.AccessToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, token_hash, client_id, user_id, scope, expires_at, created_at, updated_at
		FROM access_tokens WHERE token_hash = $1 AND token_hash <> ''`, tokenHash)
	return scanAccessToken(row)
}

func (s *Store) GetAccessTokenByID(ctx context.Context, id uuid.UUID) (store.AccessToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, token_hash, client_id, user_id, scope, expires_at, created_at, updated_at
		FROM access_tokens WHERE id = $1`, id)
	return scanAccessToken(row)
}

func scanAccessToken(row pgx.Row) (store.AccessToken, error) {
	var t store.AccessToken
	var userID *uuid.UUID
	err := row.Scan(&t.ID, &t.TokenHash, &t.ClientID, &userID, &t.Scope, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return store.AccessToken{}, translateError(err)
	}
	t.UserID = fromNullable(userID)
	return t, nil
}

func (s *Store) DeleteAccessToken(ctx context.Context, tokenHash string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM access_tokens WHERE token_hash = $1 AND token_hash <> ''`, tokenHash)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAccessTokenByID(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM access_tokens WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Refresh tokens

func (s *Store) CreateRefreshToken(ctx context.Context, t store.RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, token_hash, client_id, user_id, scope, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.TokenHash, t.ClientID, nullableUUID(t.UserID), t.Scope, t.ExpiresAt, t.CreatedAt, t.UpdatedAt)
	return translateError(err)
}

func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (store.RefreshToken, error) {
	var t store.RefreshToken
	var userID *uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT id, token_hash, client_id, user_id, scope, expires_at, created_at, updated_at
		FROM refresh_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&t.ID, &t.TokenHash, &t.ClientID, &userID, &t.Scope, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return store.RefreshToken{}, translateError(err)
	}
	t.UserID = fromNullable(userID)
	return t, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RotateRefreshToken deletes the old refresh row and inserts the new pair
// in one transaction. The row lock taken by DELETE serializes concurrent
// rotations of the same token: the loser sees zero rows and ErrNotFound.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, newRefresh store.RefreshToken, newAccess store.AccessToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translateError(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, oldHash)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens (id, token_hash, client_id, user_id, scope, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		newRefresh.ID, newRefresh.TokenHash, newRefresh.ClientID, nullableUUID(newRefresh.UserID),
		newRefresh.Scope, newRefresh.ExpiresAt, newRefresh.CreatedAt, newRefresh.UpdatedAt)
	if err != nil {
		return translateError(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO access_tokens (id, token_hash, client_id, user_id, scope, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		newAccess.ID, newAccess.TokenHash, newAccess.ClientID, nullableUUID(newAccess.UserID),
		newAccess.Scope, newAccess.ExpiresAt, newAccess.CreatedAt, newAccess.UpdatedAt)
	if err != nil {
		return translateError(err)
	}

	return translateError(tx.Commit(ctx))
}

func (s *Store) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translateError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM access_tokens WHERE user_id = $1`, userID); err != nil {
		return translateError(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID); err != nil {
		return translateError(err)
	}
	return translateError(tx.Commit(ctx))
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (store.SweepResult, error) {
	var result store.SweepResult

	tag, err := s.pool.Exec(ctx, `DELETE FROM authorization_codes WHERE expires_at < $1`, now)
	if err != nil {
		return result, translateError(err)
	}
	result.Codes = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM access_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return result, translateError(err)
	}
	result.AccessTokens = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return result, translateError(err)
	}
	result.RefreshTokens = tag.RowsAffected()

	return result, nil
}

// Resources and permissions

func (s *Store) CreateResource(ctx context.Context, r store.Resource) error {
	err := s.withBump(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO resources (id, name, description) VALUES ($1, $2, $3)`,
			r.ID, r.Name, r.Description)
		return err
	})
	return translateError(err)
}

func (s *Store) GetResourceByName(ctx context.Context, name string) (store.Resource, error) {
	var r store.Resource
	err := s.pool.QueryRow(ctx, `SELECT id, name, description FROM resources WHERE name = $1`, name).
		Scan(&r.ID, &r.Name, &r.Description)
	if err != nil {
		return store.Resource{}, translateError(err)
	}
	return r, nil
}

func (s *Store) DeleteResource(ctx context.Context, id uuid.UUID) error {
	err := s.withBump(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM resources WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	return translateError(err)
}

func (s *Store) CreatePermission(ctx context.Context, p store.Permission) error {
	err := s.withBump(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO permissions (id, name, description) VALUES ($1, $2, $3)`,
			p.ID, p.Name, p.Description)
		return err
	})
	return translateError(err)
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (store.Permission, error) {
	var p store.Permission
	err := s.pool.QueryRow(ctx, `SELECT id, name, description FROM permissions WHERE name = $1`, name).
		Scan(&p.ID, &p.Name, &p.Description)
	if err != nil {
		return store.Permission{}, translateError(err)
	}
	return p, nil
}

func (s *Store) DeletePermission(ctx context.Context, id uuid.UUID) error {
	err := s.withBump(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	return translateError(err)
}

func (s *Store) GrantPermission(ctx context.Context, userID, resourceID, permissionID uuid.UUID) error {
	err := s.withBump(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_resource_permissions (id, user_id, resource_id, permission_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())`,
			uuid.New(), userID, resourceID, permissionID)
		return err
	})
	return translateError(err)
}

func (s *Store) RevokePermission(ctx context.Context, userID, resourceID, permissionID uuid.UUID) error {
	err := s.withBump(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM user_resource_permissions
			WHERE user_id = $1 AND resource_id = $2 AND permission_id = $3`,
			userID, resourceID, permissionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	return translateError(err)
}

func (s *Store) HasPermission(ctx context.Context, userID, resourceID, permissionID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_resource_permissions
			WHERE user_id = $1 AND resource_id = $2 AND permission_id = $3
		)`, userID, resourceID, permissionID).Scan(&exists)
	if err != nil {
		return false, translateError(err)
	}
	return exists, nil
}

func (s *Store) ListGrantsForUser(ctx context.Context, userID uuid.UUID) ([]store.Grant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.name, p.name
		FROM user_resource_permissions urp
		JOIN resources r ON r.id = urp.resource_id
		JOIN permissions p ON p.id = urp.permission_id
		WHERE urp.user_id = $1`, userID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var grants []store.Grant
	for rows.Next() {
		var g store.Grant
		if err := rows.Scan(&g.ResourceName, &g.PermissionName); err != nil {
			return nil, translateError(err)
		}
		grants = append(grants, g)
	}
	return grants, translateError(rows.Err())
}

func (s *Store) Generation(ctx context.Context) (uint64, error) {
	var generation int64
	err := s.pool.QueryRow(ctx, `SELECT generation FROM store_generation WHERE id = 1`).Scan(&generation)
	if err != nil {
		return 0, translateError(err)
	}
	return uint64(generation), nil
}

// withBump runs fn in a transaction that also increments the generation
// counter, so permission caches notice the write on their next lookup.
func (s *Store) withBump(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE store_generation SET generation = generation + 1 WHERE id = 1`); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func nullableUUID(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := id.UUID
	return &u
}

func fromNullable(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
