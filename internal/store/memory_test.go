package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/store"
)

func newUser(username string) store.User {
	now := time.Now()
	return store.User{ID: uuid.New(), Username: username, PasswordHash: "x", CreatedAt: now, UpdatedAt: now}
}

func newCode(hash, clientID string, userID uuid.UUID, expiresAt time.Time) store.AuthorizationCode {
	now := time.Now()
	return store.AuthorizationCode{
		ID:          uuid.New(),
		CodeHash:    hash,
		ClientID:    clientID,
		RedirectURI: "https://app.example.com/callback",
		UserID:      uuid.NullUUID{UUID: userID, Valid: true},
		Scope:       "inventory",
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryStore_UserCRUD(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	u := newUser("alice")
	require.NoError(t, s.CreateUser(ctx, u))
	assert.ErrorIs(t, s.CreateUser(ctx, newUser("alice")), store.ErrConflict)

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	require.NoError(t, s.DeleteUser(ctx, u.ID))
	_, err = s.GetUserByID(ctx, u.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteUser(ctx, u.ID), store.ErrNotFound)
}

func TestMemoryStore_ConsumeCode_SingleWinner(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	code := newCode("hash-1", "client-a", uuid.New(), time.Now().Add(time.Minute))
	require.NoError(t, s.CreateCodeIfAbsent(ctx, code))

	const racers = 32
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeCode(ctx, "hash-1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins, "exactly one concurrent redemption may win")
}

func TestMemoryStore_CreateCodeIfAbsent_Conflict(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	code := newCode("dup", "client-a", uuid.New(), time.Now().Add(time.Minute))
	require.NoError(t, s.CreateCodeIfAbsent(ctx, code))
	assert.ErrorIs(t, s.CreateCodeIfAbsent(ctx, code), store.ErrConflict)
}

func TestMemoryStore_RotateRefreshToken(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	userID := uuid.NullUUID{UUID: uuid.New(), Valid: true}

	old := store.RefreshToken{ID: uuid.New(), TokenHash: "old", ClientID: "c", UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateRefreshToken(ctx, old))

	newRefresh := store.RefreshToken{ID: uuid.New(), TokenHash: "new", ClientID: "c", UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}
	newAccess := store.AccessToken{ID: uuid.New(), TokenHash: "access", ClientID: "c", UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}

	require.NoError(t, s.RotateRefreshToken(ctx, "old", newRefresh, newAccess))

	_, err := s.GetRefreshToken(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, "new")
	assert.NoError(t, err)
	_, err = s.GetAccessToken(ctx, "access")
	assert.NoError(t, err)

	// Replaying the rotation loses: the old row is gone.
	err = s.RotateRefreshToken(ctx, "old", newRefresh, newAccess)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_CreateTokenPair_Atomic(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	userID := uuid.NullUUID{UUID: uuid.New(), Valid: true}
	expires := time.Now().Add(time.Hour)

	access := store.AccessToken{ID: uuid.New(), TokenHash: "pa", ClientID: "c", UserID: userID, ExpiresAt: expires}
	refresh := store.RefreshToken{ID: uuid.New(), TokenHash: "pr", ClientID: "c", UserID: userID, ExpiresAt: expires}
	require.NoError(t, s.CreateTokenPair(ctx, access, refresh))

	_, err := s.GetAccessToken(ctx, "pa")
	assert.NoError(t, err)
	_, err = s.GetRefreshToken(ctx, "pr")
	assert.NoError(t, err)

	// A refresh-side conflict must not leave the access row behind.
	access2 := store.AccessToken{ID: uuid.New(), TokenHash: "pa2", ClientID: "c", UserID: userID, ExpiresAt: expires}
	dupRefresh := store.RefreshToken{ID: uuid.New(), TokenHash: "pr", ClientID: "c", UserID: userID, ExpiresAt: expires}
	assert.ErrorIs(t, s.CreateTokenPair(ctx, access2, dupRefresh), store.ErrConflict)
	_, err = s.GetAccessToken(ctx, "pa2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// And an access-side conflict must not leave the refresh row behind.
	dupAccess := store.AccessToken{ID: access.ID, TokenHash: "pa3", ClientID: "c", UserID: userID, ExpiresAt: expires}
	refresh3 := store.RefreshToken{ID: uuid.New(), TokenHash: "pr3", ClientID: "c", UserID: userID, ExpiresAt: expires}
	assert.ErrorIs(t, s.CreateTokenPair(ctx, dupAccess, refresh3), store.ErrConflict)
	_, err = s.GetRefreshToken(ctx, "pr3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_RevokeAllForUser(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	victim := uuid.NullUUID{UUID: uuid.New(), Valid: true}
	other := uuid.NullUUID{UUID: uuid.New(), Valid: true}

	require.NoError(t, s.CreateAccessToken(ctx, store.AccessToken{ID: uuid.New(), TokenHash: "va", ClientID: "c", UserID: victim, ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.CreateRefreshToken(ctx, store.RefreshToken{ID: uuid.New(), TokenHash: "vr", ClientID: "c", UserID: victim, ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.CreateAccessToken(ctx, store.AccessToken{ID: uuid.New(), TokenHash: "oa", ClientID: "c", UserID: other, ExpiresAt: time.Now().Add(time.Hour)}))

	require.NoError(t, s.RevokeAllForUser(ctx, victim.UUID))

	_, err := s.GetAccessToken(ctx, "va")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, "vr")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetAccessToken(ctx, "oa")
	assert.NoError(t, err, "other users' tokens survive")
}

func TestMemoryStore_SweepExpired_Idempotent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateCodeIfAbsent(ctx, newCode("stale", "c", uuid.New(), now.Add(-time.Minute))))
	require.NoError(t, s.CreateCodeIfAbsent(ctx, newCode("fresh", "c", uuid.New(), now.Add(time.Minute))))
	require.NoError(t, s.CreateAccessToken(ctx, store.AccessToken{ID: uuid.New(), TokenHash: "stale-a", ClientID: "c", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateRefreshToken(ctx, store.RefreshToken{ID: uuid.New(), TokenHash: "stale-r", ClientID: "c", ExpiresAt: now.Add(-time.Minute)}))

	result, err := s.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Codes)
	assert.Equal(t, int64(1), result.AccessTokens)
	assert.Equal(t, int64(1), result.RefreshTokens)

	// Second sweep with the same clock removes nothing.
	result, err = s.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, store.SweepResult{}, result)

	_, err = s.ConsumeCode(ctx, "fresh")
	assert.NoError(t, err, "unexpired rows survive the sweep")
}

func TestMemoryStore_Permissions(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	user := newUser("bob")
	require.NoError(t, s.CreateUser(ctx, user))

	resource := store.Resource{ID: uuid.New(), Name: "inventory"}
	permission := store.Permission{ID: uuid.New(), Name: "read"}
	require.NoError(t, s.CreateResource(ctx, resource))
	require.NoError(t, s.CreatePermission(ctx, permission))

	ok, err := s.HasPermission(ctx, user.ID, resource.ID, permission.ID)
	require.NoError(t, err)
	assert.False(t, ok, "deny before grant")

	require.NoError(t, s.GrantPermission(ctx, user.ID, resource.ID, permission.ID))
	assert.ErrorIs(t, s.GrantPermission(ctx, user.ID, resource.ID, permission.ID), store.ErrConflict)

	ok, err = s.HasPermission(ctx, user.ID, resource.ID, permission.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	grants, err := s.ListGrantsForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, store.Grant{ResourceName: "inventory", PermissionName: "read"}, grants[0])

	require.NoError(t, s.RevokePermission(ctx, user.ID, resource.ID, permission.ID))
	assert.ErrorIs(t, s.RevokePermission(ctx, user.ID, resource.ID, permission.ID), store.ErrNotFound)

	ok, err = s.HasPermission(ctx, user.ID, resource.ID, permission.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_GenerationBumpsOnPermissionWrites(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	before, err := s.Generation(ctx)
	require.NoError(t, err)

	require.NoError(t, s.CreateResource(ctx, store.Resource{ID: uuid.New(), Name: "orders"}))
	after, err := s.Generation(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)

	// Token writes do not bump the generation.
	require.NoError(t, s.CreateAccessToken(ctx, store.AccessToken{ID: uuid.New(), TokenHash: "t", ClientID: "c", ExpiresAt: time.Now().Add(time.Hour)}))
	unchanged, err := s.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, after, unchanged)
}

func TestMemoryStore_DeleteUserCascades(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	user := newUser("carol")
	require.NoError(t, s.CreateUser(ctx, user))

	resource := store.Resource{ID: uuid.New(), Name: "reports"}
	permission := store.Permission{ID: uuid.New(), Name: "write"}
	require.NoError(t, s.CreateResource(ctx, resource))
	require.NoError(t, s.CreatePermission(ctx, permission))
	require.NoError(t, s.GrantPermission(ctx, user.ID, resource.ID, permission.ID))

	userID := uuid.NullUUID{UUID: user.ID, Valid: true}
	require.NoError(t, s.CreateCodeIfAbsent(ctx, newCode("uc", "c", user.ID, time.Now().Add(time.Minute))))
	require.NoError(t, s.CreateAccessToken(ctx, store.AccessToken{ID: uuid.New(), TokenHash: "ua", ClientID: "c", UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.CreateRefreshToken(ctx, store.RefreshToken{ID: uuid.New(), TokenHash: "ur", ClientID: "c", UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}))

	require.NoError(t, s.DeleteUser(ctx, user.ID))

	_, err := s.ConsumeCode(ctx, "uc")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetAccessToken(ctx, "ua")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, "ur")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err := s.HasPermission(ctx, user.ID, resource.ID, permission.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
