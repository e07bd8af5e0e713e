package minter

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "formedge/pkg/errors"
	"formedge/pkg/logger"
)

const (
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime  = time.Hour
	// Tokens are considered expired 60s early so an in-flight admin call never
	// carries a credential that lapses mid-request.
	expiryBuffer = 60 * time.Second
)

// scopes granted to the service-account assertion; fixed by the management API.
var scopes = []string{
	"https://www.googleapis.com/auth/identitytoolkit",
	"https://www.googleapis.com/auth/userinfo.email",
}

// ServiceAccount is the downloadable JSON key for a provider service account.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	ClientID     string `json:"client_id"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccount parses a JSON key and validates the fields the minter needs.
func ParseServiceAccount(raw []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("malformed service account key: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" || sa.PrivateKeyID == "" {
		return nil, fmt.Errorf("service account key is missing client_email, private_key or private_key_id")
	}
	return &sa, nil
}

// Token is a short-lived bearer credential for server-to-server calls.
type Token struct {
	Value  string
	Expiry time.Time
}

// Minter exchanges a signed service-account assertion for an access token and
// caches the result process-wide.
type Minter struct {
	sa            *ServiceAccount
	signingKey    *rsa.PrivateKey
	tokenEndpoint string
	httpClient    *http.Client
	log           *logger.Logger

	mu     sync.Mutex
	cached Token

	now func() time.Time
}

// New creates a minter. tokenEndpoint overrides the key file's token_uri when
// non-empty (used to point at a test server).
func New(sa *ServiceAccount, tokenEndpoint string, log *logger.Logger) (*Minter, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("unable to parse service account private key: %w", err)
	}
	if tokenEndpoint == "" {
		tokenEndpoint = sa.TokenURI
	}
	return &Minter{
		sa:            sa,
		signingKey:    key,
		tokenEndpoint: tokenEndpoint,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		log:           log,
		now:           time.Now,
	}, nil
}

// AccessToken returns a valid bearer token, minting a new one only when the
// cached token is within the expiry buffer.
func (m *Minter) AccessToken(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached.Value != "" && m.now().Before(m.cached.Expiry) {
		return m.cached, nil
	}

	assertion, err := m.signAssertion()
	if err != nil {
		return Token{}, apperrors.NewExternalError(apperrors.CodeTokenFetchFailed, "failed to sign assertion", err)
	}

	token, err := m.exchange(ctx, assertion)
	if err != nil {
		return Token{}, err
	}

	m.cached = token
	m.log.WithField("expiry", token.Expiry).Debug("Access token minted")
	return m.cached, nil
}

func (m *Minter) signAssertion() (string, error) {
	now := m.now()
	claims := jwt.MapClaims{
		"iss":   m.sa.ClientEmail,
		"sub":   m.sa.ClientEmail,
		"aud":   m.tokenEndpoint,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = m.sa.PrivateKeyID
	return tok.SignedString(m.signingKey)
}

func (m *Minter) exchange(ctx context.Context, assertion string) (Token, error) {
	form := url.Values{
		"grant_type": {grantTypeJWTBearer},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, apperrors.NewExternalError(apperrors.CodeTokenFetchFailed, "failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Token{}, apperrors.NewExternalError(apperrors.CodeTokenFetchFailed, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Token{}, apperrors.NewExternalError(apperrors.CodeTokenFetchFailed,
			fmt.Sprintf("token endpoint returned status %d: %s", resp.StatusCode, string(body)), nil)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Token{}, apperrors.NewExternalError(apperrors.CodeTokenFetchFailed, "failed to decode token response", err)
	}
	if payload.AccessToken == "" {
		return Token{}, apperrors.NewExternalError(apperrors.CodeTokenFetchFailed, "token response contains no access_token", nil)
	}

	return Token{
		Value:  payload.AccessToken,
		Expiry: m.now().Add(time.Duration(payload.ExpiresIn)*time.Second - expiryBuffer),
	}, nil
}
