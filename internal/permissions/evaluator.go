// Package permissions decides (user, resource, action) access. Existence of
// the grant triple is the entire policy: deny-by-default.
package permissions

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/store"
)

// Defaults for the decision cache.
const (
	DefaultCacheTTL     = 60 * time.Second
	DefaultCacheEntries = 4096
)

// Evaluator answers permission checks with a bounded LRU cache in front of
// the store. Entries carry the store generation they were computed at; any
// permission-shaped write bumps the generation and invalidates them on the
// next lookup.
type Evaluator struct {
	store      store.Store
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]*list.Element
	order *list.List
}

type cacheKey struct {
	userID     uuid.UUID
	resource   string
	permission string
}

type cacheEntry struct {
	key        cacheKey
	allowed    bool
	generation uint64
	expiresAt  time.Time
}

// NewEvaluator creates an evaluator. Zero ttl or maxEntries select the
// defaults.
func NewEvaluator(s store.Store, ttl time.Duration, maxEntries int) *Evaluator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &Evaluator{
		store:      s,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		cache:      make(map[cacheKey]*list.Element),
		order:      list.New(),
	}
}

// Check reports whether the user holds the permission on the resource.
// A store failure fails closed: false plus the error.
func (e *Evaluator) Check(ctx context.Context, userID uuid.UUID, resourceName, permissionName string) (bool, error) {
	generation, err := e.store.Generation(ctx)
	if err != nil {
		return false, fmt.Errorf("permission check failed closed: %w", err)
	}

	key := cacheKey{userID: userID, resource: resourceName, permission: permissionName}
	if allowed, ok := e.lookup(key, generation); ok {
		return allowed, nil
	}

	allowed, err := e.resolve(ctx, userID, resourceName, permissionName)
	if err != nil {
		return false, fmt.Errorf("permission check failed closed: %w", err)
	}

	e.insert(key, allowed, generation)
	return allowed, nil
}

func (e *Evaluator) resolve(ctx context.Context, userID uuid.UUID, resourceName, permissionName string) (bool, error) {
	resource, err := e.store.GetResourceByName(ctx, resourceName)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	permission, err := e.store.GetPermissionByName(ctx, permissionName)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return e.store.HasPermission(ctx, userID, resource.ID, permission.ID)
}

// ListForUser returns every (resource, permission) pair granted to the user.
func (e *Evaluator) ListForUser(ctx context.Context, userID uuid.UUID) ([]store.Grant, error) {
	return e.store.ListGrantsForUser(ctx, userID)
}

func (e *Evaluator) lookup(key cacheKey, generation uint64) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	elem, ok := e.cache[key]
	if !ok {
		return false, false
	}
	entry := elem.Value.(*cacheEntry)
	if entry.generation != generation || !e.now().Before(entry.expiresAt) {
		e.order.Remove(elem)
		delete(e.cache, key)
		return false, false
	}
	e.order.MoveToFront(elem)
	return entry.allowed, true
}

func (e *Evaluator) insert(key cacheKey, allowed bool, generation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if elem, ok := e.cache[key]; ok {
		e.order.Remove(elem)
		delete(e.cache, key)
	}

	entry := &cacheEntry{
		key:        key,
		allowed:    allowed,
		generation: generation,
		expiresAt:  e.now().Add(e.ttl),
	}
	e.cache[key] = e.order.PushFront(entry)

	for len(e.cache) > e.maxEntries {
		oldest := e.order.Back()
		if oldest == nil {
			break
		}
		e.order.Remove(oldest)
		delete(e.cache, oldest.Value.(*cacheEntry).key)
	}
}
