package keys

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"formedge/internal/auth/authtest"
	apperrors "formedge/pkg/errors"
	"formedge/pkg/logger"
	"formedge/pkg/redis"
)

func jwksServer(t *testing.T, body string, cacheControl string, hits *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if cacheControl != "" {
			w.Header().Set("Cache-Control", cacheControl)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestPublicKeysCachedUntilExpiry(t *testing.T) {
	key := authtest.MustGenerateKey(t)
	var hits int32
	server := jwksServer(t, authtest.JWKS(t, "kid-1", &key.PublicKey), "public, max-age=600", &hits)

	cache := NewCache(server.URL, nil, logger.NewNop())

	now := time.Now()
	cache.now = func() time.Time { return now }

	first, err := cache.PublicKeys(context.Background())
	require.NoError(t, err)
	require.Contains(t, first, "kid-1")

	second, err := cache.PublicKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second call within max-age must not refetch")

	// Advance past the max-age; exactly one new fetch should happen
	now = now.Add(601 * time.Second)
	_, err = cache.PublicKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestPublicKeysDefaultMaxAge(t *testing.T) {
	key := authtest.MustGenerateKey(t)
	var hits int32
	server := jwksServer(t, authtest.JWKS(t, "kid-1", &key.PublicKey), "", &hits)

	cache := NewCache(server.URL, nil, logger.NewNop())
	now := time.Now()
	cache.now = func() time.Time { return now }

	_, err := cache.PublicKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(defaultMaxAge), cache.expiry)
}

func TestPublicKeysFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	cache := NewCache(server.URL, nil, logger.NewNop())
	_, err := cache.PublicKeys(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeKeyFetchFailed, apperrors.CodeOf(err))
}

func TestPublicKeysMalformedKeyRejectsWholeSet(t *testing.T) {
	key := authtest.MustGenerateKey(t)
	good := authtest.JWKS(t, "kid-1", &key.PublicKey)
	// Splice a non-RSA key into the set next to a valid one
	body := good[:len(good)-2] + `,{"kty":"EC","kid":"kid-2","n":"AQAB","e":"AQAB"}]}`

	var hits int32
	server := jwksServer(t, body, "max-age=600", &hits)

	cache := NewCache(server.URL, nil, logger.NewNop())
	_, err := cache.PublicKeys(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidKey, apperrors.CodeOf(err))
	assert.Nil(t, cache.keys, "partial set must not be cached")
}

func TestPublicKeysEmptySet(t *testing.T) {
	var hits int32
	server := jwksServer(t, `{"keys":[]}`, "max-age=600", &hits)

	cache := NewCache(server.URL, nil, logger.NewNop())
	_, err := cache.PublicKeys(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNoValidKeys, apperrors.CodeOf(err))
}

func TestSnapshotFallbackOnColdStart(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)
	snapshot := redis.NewClientFromRedis(goredis.NewClient(&goredis.Options{Addr: mini.Addr()}), zap.NewNop())

	key := authtest.MustGenerateKey(t)
	var hits int32
	server := jwksServer(t, authtest.JWKS(t, "kid-1", &key.PublicKey), "max-age=600", &hits)

	warm := NewCache(server.URL, snapshot, logger.NewNop())
	_, err = warm.PublicKeys(context.Background())
	require.NoError(t, err)

	// The snapshot write is asynchronous
	require.Eventually(t, func() bool {
		raw, _ := snapshot.Get(context.Background(), redis.KeyJWKSSnapshot)
		return raw != ""
	}, 2*time.Second, 10*time.Millisecond)

	// A cold instance whose fetch fails should serve the snapshot
	server.Close()
	cold := NewCache(server.URL, snapshot, logger.NewNop())
	keys, err := cold.PublicKeys(context.Background())
	require.NoError(t, err)
	assert.Contains(t, keys, "kid-1")
}

func TestParseMaxAge(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected time.Duration
	}{
		{
			name:     "plain max-age",
			header:   "max-age=600",
			expected: 600 * time.Second,
		},
		{
			name:     "max-age among other directives",
			header:   "public, max-age=19302, must-revalidate, no-transform",
			expected: 19302 * time.Second,
		},
		{
			name:     "missing header",
			header:   "",
			expected: defaultMaxAge,
		},
		{
			name:     "unparseable value",
			header:   "max-age=soon",
			expected: defaultMaxAge,
		},
		{
			name:     "zero value",
			header:   "max-age=0",
			expected: defaultMaxAge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseMaxAge(tt.header))
		})
	}
}
