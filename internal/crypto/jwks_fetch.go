package crypto

import (
	"context"
	"crypto/elliptic"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// fetchTimeout bounds every outbound JWKS request.
	fetchTimeout = 5 * time.Second

	// negativeTTL caches fetch failures so a broken endpoint is not hammered.
	negativeTTL = 60 * time.Second

	// maxJWKSBody guards against pathological responses.
	maxJWKSBody = 1 << 20
)

// ErrJWKSUnavailable is returned when a client key set cannot be fetched.
var ErrJWKSUnavailable = errors.New("jwks unavailable")

type jwksEntry struct {
	keys      map[string]any
	err       error
	expiresAt time.Time
}

// JWKSFetcher fetches and caches remote JWKS documents by URL. Cache entry
// TTL is min(Cache-Control max-age, maxTTL); failures are cached for 60s.
// Concurrent misses to the same URL coalesce into at most one in-flight fetch.
type JWKSFetcher struct {
	client *http.Client
	maxTTL time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]jwksEntry
	group singleflight.Group
}

// NewJWKSFetcher creates a fetcher with the given cache ceiling.
func NewJWKSFetcher(maxTTL time.Duration) *JWKSFetcher {
	return &JWKSFetcher{
		client: &http.Client{Timeout: fetchTimeout},
		maxTTL: maxTTL,
		now:    time.Now,
		cache:  make(map[string]jwksEntry),
	}
}

// Fetch returns the verification keys published at url, keyed by kid. The
// outbound request is detached from the caller's context and bounded by
// fetchTimeout: the result is shared with coalesced waiters and the cache,
// so one cancelled caller must not turn into a negative-cached error served
// to everyone else.
func (f *JWKSFetcher) Fetch(_ context.Context, url string) (map[string]any, error) {
	f.mu.RLock()
	entry, ok := f.cache[url]
	f.mu.RUnlock()
	if ok && f.now().Before(entry.expiresAt) {
		return entry.keys, entry.err
	}

	v, err, _ := f.group.Do(url, func() (any, error) {
		// Another caller may have filled the cache while we waited.
		f.mu.RLock()
		entry, ok := f.cache[url]
		f.mu.RUnlock()
		if ok && f.now().Before(entry.expiresAt) {
			return entry, nil
		}

		entry = f.fetch(url)
		f.mu.Lock()
		f.cache[url] = entry
		f.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	entry = v.(jwksEntry)
	return entry.keys, entry.err
}

func (f *JWKSFetcher) fetch(url string) jwksEntry {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return f.negative(fmt.Errorf("%w: %v", ErrJWKSUnavailable, err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return f.negative(fmt.Errorf("%w: %v", ErrJWKSUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return f.negative(fmt.Errorf("%w: status %d", ErrJWKSUnavailable, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return f.negative(fmt.Errorf("%w: %v", ErrJWKSUnavailable, err))
	}

	var set JWKS
	if err := json.Unmarshal(body, &set); err != nil {
		return f.negative(fmt.Errorf("%w: %v", ErrJWKSUnavailable, err))
	}

	ttl := f.maxTTL
	if ma, ok := parseMaxAge(resp.Header.Get("Cache-Control")); ok && ma < ttl {
		ttl = ma
	}

	return jwksEntry{keys: set.PublicKeys(), expiresAt: f.now().Add(ttl)}
}

func (f *JWKSFetcher) negative(err error) jwksEntry {
	return jwksEntry{err: err, expiresAt: f.now().Add(negativeTTL)}
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			secs, err := strconv.Atoi(v)
			if err != nil || secs < 0 {
				return 0, false
			}
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported curve %q", name)
	}
}
