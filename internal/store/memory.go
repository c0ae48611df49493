package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with mutex-guarded maps. It is safe for
// concurrent use and backs the test suites and development mode; production
// deployments use the postgres subpackage.
type MemoryStore struct {
	mu sync.Mutex

	users   map[uuid.UUID]User
	clients map[string]Client

	codes map[string]AuthorizationCode

	accessByHash map[string]AccessToken
	accessByID   map[uuid.UUID]AccessToken
	refresh      map[string]RefreshToken

	resources   map[string]Resource
	permissions map[string]Permission
	grants      map[grantKey]struct{}

	generation uint64
}

type grantKey struct {
	userID       uuid.UUID
	resourceID   uuid.UUID
	permissionID uuid.UUID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[uuid.UUID]User),
		clients:      make(map[string]Client),
		codes:        make(map[string]AuthorizationCode),
		accessByHash: make(map[string]AccessToken),
		accessByID:   make(map[uuid.UUID]AccessToken),
		refresh:      make(map[string]RefreshToken),
		resources:    make(map[string]Resource),
		permissions:  make(map[string]Permission),
		grants:       make(map[grantKey]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

// Users

func (s *MemoryStore) CreateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return ErrConflict
		}
	}
	if _, ok := s.users[u.ID]; ok {
		return ErrConflict
	}
	s.users[u.ID] = u
	s.generation++
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id uuid.UUID) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) DeleteUser(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)

	// Cascade: codes, tokens and grants owned by the user.
	for hash, c := range s.codes {
		if c.UserID.Valid && c.UserID.UUID == id {
			delete(s.codes, hash)
		}
	}
	s.deleteTokensForUserLocked(id)
	for key := range s.grants {
		if key.userID == id {
			delete(s.grants, key)
		}
	}
	s.generation++
	return nil
}

// Clients

func (s *MemoryStore) CreateClient(_ context.Context, c Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ClientID]; ok {
		return ErrConflict
	}
	s.clients[c.ClientID] = c
	return nil
}

func (s *MemoryStore) GetClientByClientID(_ context.Context, clientID string) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return Client{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) DeleteClient(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for clientID, c := range s.clients {
		if c.ID != id {
			continue
		}
		delete(s.clients, clientID)
		for hash, code := range s.codes {
			if code.ClientID == clientID {
				delete(s.codes, hash)
			}
		}
		for hash, t := range s.accessByHash {
			if t.ClientID == clientID {
				delete(s.accessByHash, hash)
			}
		}
		for tid, t := range s.accessByID {
			if t.ClientID == clientID {
				delete(s.accessByID, tid)
			}
		}
		for hash, t := range s.refresh {
			if t.ClientID == clientID {
				delete(s.refresh, hash)
			}
		}
		return nil
	}
	return ErrNotFound
}

// Authorization codes

func (s *MemoryStore) CreateCodeIfAbsent(_ context.Context, code AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[code.CodeHash]; ok {
		return ErrConflict
	}
	s.codes[code.CodeHash] = code
	return nil
}

func (s *MemoryStore) ConsumeCode(_ context.Context, codeHash string) (AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[codeHash]
	if !ok {
		return AuthorizationCode{}, ErrNotFound
	}
	delete(s.codes, codeHash)
	return code, nil
}

// Access tokens

func (s *MemoryStore) CreateAccessToken(_ context.Context, t AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAccessLocked(t)
}

func (s *MemoryStore) createAccessLocked(t AccessToken) error {
	if _, ok := s.accessByID[t.ID]; ok {
		return ErrConflict
	}
	if t.TokenHash != "" {
		if _, ok := s.accessByHash[t.TokenHash]; ok {
			return ErrConflict
		}
		s.accessByHash[t.TokenHash] = t
	}
	s.accessByID[t.ID] = t
	return nil
}

func (s *MemoryStore) CreateTokenPair(_ context.Context, access AccessToken, refresh RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check the refresh hash before touching the access maps so a conflict
	// leaves no partial state.
	if _, ok := s.refresh[refresh.TokenHash]; ok {
		return ErrConflict
	}
	if err := s.createAccessLocked(access); err != nil {
		return err
	}
	s.refresh[refresh.TokenHash] = refresh
	return nil
}

func (s *MemoryStore) GetAccessToken(_ context.Context, tokenHash string) (AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.accessByHash[tokenHash]
	if !ok {
		return AccessToken{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) GetAccessTokenByID(_ context.Context, id uuid.UUID) (AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.accessByID[id]
	if !ok {
		return AccessToken{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) DeleteAccessToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.accessByHash[tokenHash]
	if !ok {
		return ErrNotFound
	}
	delete(s.accessByHash, tokenHash)
	delete(s.accessByID, t.ID)
	return nil
}

func (s *MemoryStore) DeleteAccessTokenByID(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.accessByID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.accessByID, id)
	if t.TokenHash != "" {
		delete(s.accessByHash, t.TokenHash)
	}
	return nil
}

// Refresh tokens

func (s *MemoryStore) CreateRefreshToken(_ context.Context, t RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refresh[t.TokenHash]; ok {
		return ErrConflict
	}
	s.refresh[t.TokenHash] = t
	return nil
}

func (s *MemoryStore) GetRefreshToken(_ context.Context, tokenHash string) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[tokenHash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) DeleteRefreshToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refresh[tokenHash]; !ok {
		return ErrNotFound
	}
	delete(s.refresh, tokenHash)
	return nil
}

func (s *MemoryStore) RotateRefreshToken(_ context.Context, oldHash string, newRefresh RefreshToken, newAccess AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refresh[oldHash]; !ok {
		return ErrNotFound
	}
	if _, ok := s.refresh[newRefresh.TokenHash]; ok {
		return ErrConflict
	}
	if err := s.createAccessLocked(newAccess); err != nil {
		return err
	}

	delete(s.refresh, oldHash)
	s.refresh[newRefresh.TokenHash] = newRefresh
	return nil
}

func (s *MemoryStore) RevokeAllForUser(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteTokensForUserLocked(userID)
	return nil
}

func (s *MemoryStore) deleteTokensForUserLocked(userID uuid.UUID) {
	for hash, t := range s.accessByHash {
		if t.UserID.Valid && t.UserID.UUID == userID {
			delete(s.accessByHash, hash)
		}
	}
	for id, t := range s.accessByID {
		if t.UserID.Valid && t.UserID.UUID == userID {
			delete(s.accessByID, id)
		}
	}
	for hash, t := range s.refresh {
		if t.UserID.Valid && t.UserID.UUID == userID {
			delete(s.refresh, hash)
		}
	}
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SweepResult
	for hash, c := range s.codes {
		if c.ExpiresAt.Before(now) {
			delete(s.codes, hash)
			result.Codes++
		}
	}
	for id, t := range s.accessByID {
		if t.ExpiresAt.Before(now) {
			delete(s.accessByID, id)
			if t.TokenHash != "" {
				delete(s.accessByHash, t.TokenHash)
			}
			result.AccessTokens++
		}
	}
	for hash, t := range s.refresh {
		if t.ExpiresAt.Before(now) {
			delete(s.refresh, hash)
			result.RefreshTokens++
		}
	}
	return result, nil
}

// Resources and permissions

func (s *MemoryStore) CreateResource(_ context.Context, r Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[r.Name]; ok {
		return ErrConflict
	}
	s.resources[r.Name] = r
	s.generation++
	return nil
}

func (s *MemoryStore) GetResourceByName(_ context.Context, name string) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[name]
	if !ok {
		return Resource{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) DeleteResource(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, r := range s.resources {
		if r.ID != id {
			continue
		}
		delete(s.resources, name)
		for key := range s.grants {
			if key.resourceID == id {
				delete(s.grants, key)
			}
		}
		s.generation++
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) CreatePermission(_ context.Context, p Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[p.Name]; ok {
		return ErrConflict
	}
	s.permissions[p.Name] = p
	s.generation++
	return nil
}

func (s *MemoryStore) GetPermissionByName(_ context.Context, name string) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[name]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) DeletePermission(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.permissions {
		if p.ID != id {
			continue
		}
		delete(s.permissions, name)
		for key := range s.grants {
			if key.permissionID == id {
				delete(s.grants, key)
			}
		}
		s.generation++
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) GrantPermission(_ context.Context, userID, resourceID, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey{userID: userID, resourceID: resourceID, permissionID: permissionID}
	if _, ok := s.grants[key]; ok {
		return ErrConflict
	}
	s.grants[key] = struct{}{}
	s.generation++
	return nil
}

func (s *MemoryStore) RevokePermission(_ context.Context, userID, resourceID, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey{userID: userID, resourceID: resourceID, permissionID: permissionID}
	if _, ok := s.grants[key]; !ok {
		return ErrNotFound
	}
	delete(s.grants, key)
	s.generation++
	return nil
}

func (s *MemoryStore) HasPermission(_ context.Context, userID, resourceID, permissionID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.grants[grantKey{userID: userID, resourceID: resourceID, permissionID: permissionID}]
	return ok, nil
}

func (s *MemoryStore) ListGrantsForUser(_ context.Context, userID uuid.UUID) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resourceNames := make(map[uuid.UUID]string, len(s.resources))
	for name, r := range s.resources {
		resourceNames[r.ID] = name
	}
	permissionNames := make(map[uuid.UUID]string, len(s.permissions))
	for name, p := range s.permissions {
		permissionNames[p.ID] = name
	}

	var grants []Grant
	for key := range s.grants {
		if key.userID != userID {
			continue
		}
		grants = append(grants, Grant{
			ResourceName:   resourceNames[key.resourceID],
			PermissionName: permissionNames[key.permissionID],
		})
	}
	return grants, nil
}

func (s *MemoryStore) Generation(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation, nil
}
