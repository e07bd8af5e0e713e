package keys

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "formedge/pkg/errors"
	"formedge/pkg/logger"
	"formedge/pkg/redis"
)

const defaultMaxAge = 3600 * time.Second

// jwk is a single entry of the provider's published key set.
type jwk struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// Cache fetches and caches the identity provider's public signing keys.
// The whole set is replaced atomically on refresh; a set is never partially
// invalidated. An optional Redis snapshot of the last good fetch covers cold
// starts when the provider is briefly unreachable.
type Cache struct {
	jwksURL    string
	httpClient *http.Client
	snapshot   *redis.Client // may be nil
	log        *logger.Logger

	mu     sync.RWMutex
	keys   map[string]*rsa.PublicKey
	expiry time.Time

	now func() time.Time
}

// NewCache creates a key cache. snapshot may be nil to disable the Redis layer.
func NewCache(jwksURL string, snapshot *redis.Client, log *logger.Logger) *Cache {
	return &Cache{
		jwksURL:    jwksURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		snapshot:   snapshot,
		log:        log,
		now:        time.Now,
	}
}

// PublicKeys returns the current verification key set, keyed by kid.
// The returned map must not be mutated by callers.
func (c *Cache) PublicKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	c.mu.RLock()
	if c.keys != nil && c.now().Before(c.expiry) {
		keys := c.keys
		c.mu.RUnlock()
		return keys, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock
	if c.keys != nil && c.now().Before(c.expiry) {
		return c.keys, nil
	}

	raw, maxAge, err := c.fetch(ctx)
	if err != nil {
		// Fall back to the last good snapshot, if any. The snapshot only ever
		// holds a previously valid provider response, so this is not fail-open.
		if snap := c.loadSnapshot(ctx); snap != nil {
			keys, perr := importKeys(snap)
			if perr == nil && len(keys) > 0 {
				c.log.WithError(err).Warn("JWKS fetch failed, serving snapshot")
				c.keys = keys
				// Short lifetime so the provider is retried soon
				c.expiry = c.now().Add(5 * time.Minute)
				return c.keys, nil
			}
		}
		return nil, err
	}

	keys, err := importKeys(raw)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, apperrors.NewExternalError(apperrors.CodeNoValidKeys, "key set contains no usable keys", nil)
	}

	c.keys = keys
	c.expiry = c.now().Add(maxAge)
	c.storeSnapshotAsync(raw, maxAge)

	c.log.WithFields(map[string]interface{}{
		"key_count": len(keys),
		"max_age":   maxAge.String(),
	}).Debug("Public key set refreshed")

	return c.keys, nil
}

// fetch retrieves the raw JWKS document and the cache lifetime from the
// response's cache-control header.
func (c *Cache) fetch(ctx context.Context) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, 0, apperrors.NewExternalError(apperrors.CodeKeyFetchFailed, "failed to build key fetch request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, apperrors.NewExternalError(apperrors.CodeKeyFetchFailed, "failed to fetch public keys", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, apperrors.NewExternalError(apperrors.CodeKeyFetchFailed,
			fmt.Sprintf("key endpoint returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, apperrors.NewExternalError(apperrors.CodeKeyFetchFailed, "failed to read key response", err)
	}

	return body, parseMaxAge(resp.Header.Get("Cache-Control")), nil
}

// importKeys parses a JWKS document and imports every key as an RSA
// verification key. Any malformed key rejects the whole set: operating on a
// partial set would make verification results depend on which key rotated.
func importKeys(raw []byte) (map[string]*rsa.PublicKey, error) {
	var set jwks
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, apperrors.NewExternalError(apperrors.CodeInvalidKey, "malformed key set document", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		pub, err := importRSAKey(k)
		if err != nil {
			return nil, err
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func importRSAKey(k jwk) (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, apperrors.NewExternalError(apperrors.CodeInvalidKey,
			fmt.Sprintf("unsupported key type %q for kid %q", k.Kty, k.Kid), nil)
	}
	if k.Alg != "" && k.Alg != "RS256" {
		return nil, apperrors.NewExternalError(apperrors.CodeInvalidKey,
			fmt.Sprintf("unsupported algorithm %q for kid %q", k.Alg, k.Kid), nil)
	}
	if k.Kid == "" || k.N == "" || k.E == "" {
		return nil, apperrors.NewExternalError(apperrors.CodeInvalidKey, "key is missing kid, n or e", nil)
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, apperrors.NewExternalError(apperrors.CodeInvalidKey,
			fmt.Sprintf("invalid modulus for kid %q", k.Kid), err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, apperrors.NewExternalError(apperrors.CodeInvalidKey,
			fmt.Sprintf("invalid exponent for kid %q", k.Kid), err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 1 {
		return nil, apperrors.NewExternalError(apperrors.CodeInvalidKey,
			fmt.Sprintf("invalid exponent for kid %q", k.Kid), nil)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

// parseMaxAge extracts max-age from a cache-control header, defaulting to
// one hour when absent or unparseable.
func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
		if err != nil || seconds <= 0 {
			return defaultMaxAge
		}
		return time.Duration(seconds) * time.Second
	}
	return defaultMaxAge
}

func (c *Cache) loadSnapshot(ctx context.Context) []byte {
	if c.snapshot == nil {
		return nil
	}
	raw, err := c.snapshot.Get(ctx, redis.KeyJWKSSnapshot)
	if err != nil {
		c.log.WithError(err).Warn("JWKS snapshot read failed")
		return nil
	}
	if raw == "" {
		return nil
	}
	return []byte(raw)
}

// storeSnapshotAsync persists the raw key set for cold-start fallback.
// Failure only costs the fallback, so it never blocks or fails a refresh.
func (c *Cache) storeSnapshotAsync(raw []byte, ttl time.Duration) {
	if c.snapshot == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.snapshot.Set(ctx, redis.KeyJWKSSnapshot, string(raw), ttl); err != nil {
			c.log.WithError(err).Warn("Failed to store JWKS snapshot")
		}
	}()
}
