package crypto_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/crypto"
)

func jwksServer(t *testing.T, hits *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	signer, _ := newTestSigner(t)
	body, err := json.Marshal(signer.JWKS())
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Cache-Control", "max-age=300")
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
}

func TestJWKSFetcher_CachesByURL(t *testing.T) {
	var hits atomic.Int32
	srv := jwksServer(t, &hits, http.StatusOK)
	defer srv.Close()

	fetcher := crypto.NewJWKSFetcher(time.Hour)
	ctx := context.Background()

	keys, err := fetcher.Fetch(ctx, srv.URL)
	require.NoError(t, err)
	require.Contains(t, keys, "test-1")

	// Second call is served from cache.
	_, err = fetcher.Fetch(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestJWKSFetcher_ConcurrentMissesCoalesce(t *testing.T) {
	var hits atomic.Int32
	srv := jwksServer(t, &hits, http.StatusOK)
	defer srv.Close()

	fetcher := crypto.NewJWKSFetcher(time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fetcher.Fetch(ctx, srv.URL)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load(), "concurrent misses should collapse into one fetch")
}

func TestJWKSFetcher_NegativeCachingOnFailure(t *testing.T) {
	var hits atomic.Int32
	srv := jwksServer(t, &hits, http.StatusInternalServerError)
	defer srv.Close()

	fetcher := crypto.NewJWKSFetcher(time.Hour)
	ctx := context.Background()

	_, err := fetcher.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, crypto.ErrJWKSUnavailable)

	// The failure is cached; the endpoint is not hit again immediately.
	_, err = fetcher.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, crypto.ErrJWKSUnavailable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestJWKSFetcher_CancelledCallerDoesNotPoisonCache(t *testing.T) {
	var hits atomic.Int32
	srv := jwksServer(t, &hits, http.StatusOK)
	defer srv.Close()

	fetcher := crypto.NewJWKSFetcher(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The outbound request is detached from the caller's context: the fetch
	// still succeeds and fills the positive cache instead of negative-caching
	// a cancellation for every other client of the URL.
	keys, err := fetcher.Fetch(ctx, srv.URL)
	require.NoError(t, err)
	require.Contains(t, keys, "test-1")

	keys, err = fetcher.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Contains(t, keys, "test-1")
	assert.Equal(t, int32(1), hits.Load())
}

func TestJWKSFetcher_UnreachableEndpoint(t *testing.T) {
	fetcher := crypto.NewJWKSFetcher(time.Hour)

	_, err := fetcher.Fetch(context.Background(), "http://127.0.0.1:1/jwks")
	assert.ErrorIs(t, err, crypto.ErrJWKSUnavailable)
}
