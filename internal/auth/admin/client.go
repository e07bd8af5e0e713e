package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"formedge/internal/auth/minter"
	apperrors "formedge/pkg/errors"
	"formedge/pkg/logger"
)

// maxClaimsBytes is the ceiling on serialized custom claims enforced by the
// provider; checked locally before any network call.
const maxClaimsBytes = 1000

// reservedClaims are registered JWT claims that custom claims must not shadow.
var reservedClaims = map[string]struct{}{
	"acr": {}, "amr": {}, "at_hash": {}, "aud": {}, "auth_time": {},
	"azp": {}, "cnonce": {}, "c_hash": {}, "exp": {}, "iat": {},
	"iss": {}, "jti": {}, "nbf": {}, "nonce": {}, "sub": {}, "firebase": {},
}

// TokenSource supplies bearer credentials for management API calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (minter.Token, error)
}

// APIError is a non-2xx response from the management API.
type APIError struct {
	Status  int
	Details string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api error: status %d: %s", e.Status, e.Details)
}

// UserRecord is the management API's view of an account.
type UserRecord struct {
	LocalID          string `json:"localId"`
	Email            string `json:"email"`
	EmailVerified    bool   `json:"emailVerified"`
	Disabled         bool   `json:"disabled"`
	DisplayName      string `json:"displayName"`
	PhotoURL         string `json:"photoUrl"`
	CustomAttributes string `json:"customAttributes"`
	ValidSince       string `json:"validSince"`
	LastLoginAt      string `json:"lastLoginAt"`
	CreatedAt        string `json:"createdAt"`
}

// UserUpdate describes mutations for an account. Nil pointer fields are left
// untouched; DeleteAttributes removes attributes outright, which the API
// treats differently from setting an empty value.
type UserUpdate struct {
	Email            *string
	DisplayName      *string
	PhotoURL         *string
	DisableUser      *bool
	DeleteAttributes []string
}

// Client is a thin RPC layer over the identity provider's management API.
type Client struct {
	baseURL    string
	projectID  string
	tokens     TokenSource
	httpClient *http.Client
	log        *logger.Logger

	now func() time.Time
}

// NewClient creates an admin API client. baseURL is the projects collection
// root, e.g. https://identitytoolkit.googleapis.com/v1/projects.
func NewClient(baseURL, projectID string, tokens TokenSource, log *logger.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		projectID:  projectID,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
		now:        time.Now,
	}
}

// GetUser looks up an account by uid. An absent account is CodeUserNotFound.
func (c *Client) GetUser(ctx context.Context, uid string) (*UserRecord, error) {
	raw, err := c.post(ctx, "accounts:lookup", map[string]interface{}{
		"localId": []string{uid},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Users []UserRecord `json:"users"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, apperrors.NewExternalError("", "failed to decode lookup response", err)
		}
	}
	if len(payload.Users) == 0 {
		return nil, apperrors.NewAuthError(apperrors.CodeUserNotFound, fmt.Sprintf("no user record for uid %q", uid))
	}
	return &payload.Users[0], nil
}

// UpdateUser applies the given mutations to an account.
func (c *Client) UpdateUser(ctx context.Context, uid string, update UserUpdate) error {
	body := map[string]interface{}{"localId": uid}
	if update.Email != nil {
		body["email"] = *update.Email
	}
	if update.DisplayName != nil {
		body["displayName"] = *update.DisplayName
	}
	if update.PhotoURL != nil {
		body["photoUrl"] = *update.PhotoURL
	}
	if update.DisableUser != nil {
		body["disableUser"] = *update.DisableUser
	}
	if len(update.DeleteAttributes) > 0 {
		body["deleteAttribute"] = update.DeleteAttributes
	}

	_, err := c.post(ctx, "accounts:update", body)
	return err
}

// RevokeRefreshTokens stamps the account's validSince with the current time,
// invalidating every refresh token issued before now.
func (c *Client) RevokeRefreshTokens(ctx context.Context, uid string) error {
	_, err := c.post(ctx, "accounts:update", map[string]interface{}{
		"localId":    uid,
		"validSince": strconv.FormatInt(c.now().Unix(), 10),
	})
	return err
}

// SetCustomUserClaims replaces the account's custom claims. Reserved keys and
// oversized payloads are rejected before any network call; nil claims clear
// the attribute by submitting an empty object.
func (c *Client) SetCustomUserClaims(ctx context.Context, uid string, claims map[string]interface{}) error {
	if claims == nil {
		claims = map[string]interface{}{}
	}
	for key := range claims {
		if _, reserved := reservedClaims[key]; reserved {
			return apperrors.NewValidationError(apperrors.CodeForbiddenClaim,
				fmt.Sprintf("claim %q is reserved and cannot be set", key), nil)
		}
	}

	serialized, err := json.Marshal(claims)
	if err != nil {
		return apperrors.NewValidationError(apperrors.CodeForbiddenClaim, "claims are not serializable", nil)
	}
	if len(serialized) > maxClaimsBytes {
		return apperrors.NewValidationError(apperrors.CodeClaimsTooLarge,
			fmt.Sprintf("serialized claims are %d bytes, limit is %d", len(serialized), maxClaimsBytes), nil)
	}

	_, err = c.post(ctx, "accounts:update", map[string]interface{}{
		"localId":          uid,
		"customAttributes": string(serialized),
	})
	return err
}

// post sends a JSON RPC call with a fresh bearer credential attached. JSON
// responses are returned raw; any other content type yields an empty result.
func (c *Client) post(ctx context.Context, endpoint string, body interface{}) (json.RawMessage, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode admin request", err)
	}

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.projectID, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build admin request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-User-Project", c.projectID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewExternalError("", "admin api unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.NewExternalError("", "failed to read admin response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.WithFields(map[string]interface{}{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
		}).Error("Admin API call failed")
		return nil, &APIError{Status: resp.StatusCode, Details: string(respBody)}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil, nil
	}
	return respBody, nil
}
