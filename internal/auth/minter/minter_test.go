package minter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formedge/internal/auth/authtest"
	apperrors "formedge/pkg/errors"
	"formedge/pkg/logger"
)

func newTestMinter(t *testing.T, endpoint string) (*Minter, *ServiceAccount) {
	t.Helper()
	key := authtest.MustGenerateKey(t)
	sa, err := ParseServiceAccount([]byte(authtest.ServiceAccountJSON(t, key, endpoint)))
	require.NoError(t, err)
	m, err := New(sa, endpoint, logger.NewNop())
	require.NoError(t, err)
	return m, sa
}

func TestAccessTokenExchangesSignedAssertion(t *testing.T) {
	var exchanges int32
	var gotGrantType, gotAssertion string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)
		_ = r.ParseForm()
		gotGrantType = r.PostForm.Get("grant_type")
		gotAssertion = r.PostForm.Get("assertion")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-123",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(server.Close)

	m, sa := newTestMinter(t, server.URL)

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token.Value)
	assert.Equal(t, grantTypeJWTBearer, gotGrantType)

	// The assertion must be verifiable with the service account's own key and
	// claim the expected identity, audience and scopes
	parsed, err := jwt.Parse(gotAssertion, func(tok *jwt.Token) (interface{}, error) {
		return &m.signingKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, sa.ClientEmail, claims["iss"])
	assert.Equal(t, server.URL, claims["aud"])
	assert.Contains(t, claims["scope"], "identitytoolkit")
	assert.Equal(t, sa.PrivateKeyID, parsed.Header["kid"])
}

func TestAccessTokenCachedWithinValidity(t *testing.T) {
	var exchanges int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-123",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(server.Close)

	m, _ := newTestMinter(t, server.URL)

	first, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	second, err := m.AccessToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exchanges), "second call within validity must reuse the cached token")
}

func TestAccessTokenExpiryBuffer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-123",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(server.Close)

	m, _ := newTestMinter(t, server.URL)
	now := time.Now()
	m.now = func() time.Time { return now }

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(3600*time.Second-expiryBuffer), token.Expiry)
}

func TestAccessTokenRemintedAfterExpiry(t *testing.T) {
	var exchanges int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-123",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(server.Close)

	m, _ := newTestMinter(t, server.URL)
	now := time.Now()
	m.now = func() time.Time { return now }

	_, err := m.AccessToken(context.Background())
	require.NoError(t, err)

	now = now.Add(3600 * time.Second)
	_, err = m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&exchanges))
}

func TestAccessTokenEndpointFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	m, _ := newTestMinter(t, server.URL)
	_, err := m.AccessToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTokenFetchFailed, apperrors.CodeOf(err))
}

func TestParseServiceAccountMissingFields(t *testing.T) {
	_, err := ParseServiceAccount([]byte(`{"type":"service_account"}`))
	assert.Error(t, err)

	_, err = ParseServiceAccount([]byte(`not json`))
	assert.Error(t, err)
}
