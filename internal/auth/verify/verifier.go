package verify

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"formedge/internal/auth/admin"
	apperrors "formedge/pkg/errors"
	"formedge/pkg/logger"
)

const (
	signingAlgorithm = "RS256"
	maxSubjectLength = 128
	// clockSkew is how far in the future an iat may sit before the token is
	// rejected, covering drift between the issuer's clock and ours.
	clockSkew = 300 * time.Second
)

// standardClaims are stripped from the payload when building the custom bag.
var standardClaims = map[string]struct{}{
	"aud": {}, "auth_time": {}, "email": {}, "email_verified": {},
	"exp": {}, "firebase": {}, "iat": {}, "iss": {}, "sub": {}, "uid": {},
}

// KeySource yields the provider's current verification keys by kid.
type KeySource interface {
	PublicKeys(ctx context.Context) (map[string]*rsa.PublicKey, error)
}

// UserLookup resolves an account for revocation checks.
type UserLookup interface {
	GetUser(ctx context.Context, uid string) (*admin.UserRecord, error)
}

// Claims is the validated payload of an identity token.
type Claims struct {
	UID            string
	Sub            string
	Aud            string
	Iss            string
	Iat            int64
	Exp            int64
	AuthTime       int64
	Email          string
	EmailVerified  bool
	SignInProvider string
	Tenant         string
	Custom         map[string]interface{}
}

// Verifier decodes, validates and cryptographically verifies identity tokens.
//
// Validation runs as a strictly ordered pipeline: structural checks first,
// then claim checks, then the signature, then (optionally) revocation. Each
// stage assumes the invariants established by the previous ones and cheap
// rejections happen before any network or crypto work.
type Verifier struct {
	projectID string
	issuer    string
	keys      KeySource
	users     UserLookup
	log       *logger.Logger

	now func() time.Time
}

// New creates a verifier. users may be nil when revocation checking is never
// requested.
func New(projectID, issuerHost string, keys KeySource, users UserLookup, log *logger.Logger) *Verifier {
	return &Verifier{
		projectID: projectID,
		issuer:    fmt.Sprintf("https://%s/%s", issuerHost, projectID),
		keys:      keys,
		users:     users,
		log:       log,
		now:       time.Now,
	}
}

// Verify validates an identity token and returns its claims. Every failure
// carries a stable machine-readable code; ambiguous state (missing user
// record, unparseable revocation timestamp) fails closed.
func (v *Verifier) Verify(ctx context.Context, token string, checkRevoked bool) (*Claims, error) {
	header, payload, err := decode(token)
	if err != nil {
		return nil, err
	}

	if header.Alg != signingAlgorithm {
		return nil, apperrors.NewAuthError(apperrors.CodeInvalidAlgorithm,
			fmt.Sprintf("token uses algorithm %q, expected %q", header.Alg, signingAlgorithm))
	}
	if header.Kid == "" {
		return nil, apperrors.NewAuthError(apperrors.CodeMissingKid, "token header has no kid")
	}

	if aud := getString(payload, "aud"); aud != v.projectID {
		return nil, apperrors.NewAuthError(apperrors.CodeInvalidAudience,
			fmt.Sprintf("token audience %q does not match project %q", aud, v.projectID))
	}
	if iss := getString(payload, "iss"); iss != v.issuer {
		return nil, apperrors.NewAuthError(apperrors.CodeInvalidIssuer,
			fmt.Sprintf("token issuer %q does not match %q", iss, v.issuer))
	}
	sub := getString(payload, "sub")
	if sub == "" || len(sub) > maxSubjectLength {
		return nil, apperrors.NewAuthError(apperrors.CodeInvalidSubject, "token subject is empty or too long")
	}

	authTime, hasAuthTime := getInt64(payload, "auth_time")
	if checkRevoked && !hasAuthTime {
		return nil, apperrors.NewAuthError(apperrors.CodeMissingAuthTime,
			"token has no auth_time, required for revocation checks")
	}

	now := v.now()
	iat, hasIat := getInt64(payload, "iat")
	if !hasIat {
		return nil, apperrors.NewAuthError(apperrors.CodeMissingIat, "token has no iat")
	}
	if iat > now.Add(clockSkew).Unix() {
		return nil, apperrors.NewAuthError(apperrors.CodeIatInFuture, "token issued-at is in the future")
	}
	exp, hasExp := getInt64(payload, "exp")
	if !hasExp {
		return nil, apperrors.NewAuthError(apperrors.CodeMissingExpiration, "token has no expiration")
	}
	if exp <= now.Unix() {
		return nil, apperrors.NewAuthError(apperrors.CodeTokenExpired, "token has expired")
	}

	keySet, err := v.keys.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	key, ok := keySet[header.Kid]
	if !ok {
		return nil, apperrors.NewAuthError(apperrors.CodeNoMatchingKid,
			fmt.Sprintf("no verification key matches kid %q", header.Kid))
	}

	if err := verifySignature(token, key); err != nil {
		return nil, err
	}

	claims := buildClaims(payload, sub, authTime)
	if uid := getString(payload, "uid"); uid != "" && uid != sub {
		// Normalized, not rejected: the provider treats sub as authoritative
		v.log.WithFields(map[string]interface{}{
			"sub": sub,
			"uid": uid,
		}).Warn("Token uid differs from sub, normalizing to sub")
	}

	if checkRevoked {
		if err := v.checkRevocation(ctx, claims); err != nil {
			return nil, err
		}
	}

	return claims, nil
}

// header is the decoded JOSE header of an identity token.
type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// decode splits and base64-decodes the token without verifying its signature.
func decode(token string) (*header, map[string]interface{}, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return nil, nil, apperrors.NewAuthError(apperrors.CodeInvalidFormat,
			"token does not have three segments")
	}

	parser := jwt.NewParser()

	headerBytes, err := parser.DecodeSegment(segments[0])
	if err != nil {
		return nil, nil, apperrors.NewAuthError(apperrors.CodeInvalidFormat, "token header is not valid base64url")
	}
	var h header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return nil, nil, apperrors.NewAuthError(apperrors.CodeInvalidFormat, "token header is not valid JSON")
	}

	payloadBytes, err := parser.DecodeSegment(segments[1])
	if err != nil {
		return nil, nil, apperrors.NewAuthError(apperrors.CodeInvalidFormat, "token payload is not valid base64url")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, nil, apperrors.NewAuthError(apperrors.CodeInvalidFormat, "token payload is not valid JSON")
	}

	return &h, payload, nil
}

// verifySignature checks the RSA-SHA256 signature over header.payload. Every
// failure mode, including malformed signature bytes, normalizes to the same
// code so callers cannot distinguish why a forgery failed.
func verifySignature(token string, key *rsa.PublicKey) error {
	segments := strings.Split(token, ".")
	signingInput := segments[0] + "." + segments[1]

	signature, err := jwt.NewParser().DecodeSegment(segments[2])
	if err != nil {
		return apperrors.NewAuthError(apperrors.CodeInvalidSignature, "token signature is not valid base64url")
	}

	digest := sha256.Sum256([]byte(signingInput))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return apperrors.NewAuthError(apperrors.CodeInvalidSignature, "token signature verification failed")
	}
	return nil
}

// checkRevocation rejects tokens whose auth_time predates the account's
// forced-invalidation timestamp. A missing account or an unparseable
// timestamp is a hard failure: a deleted user's tokens must not verify.
func (v *Verifier) checkRevocation(ctx context.Context, claims *Claims) error {
	if v.users == nil {
		return apperrors.NewInternalError("revocation check requested without a user lookup", nil)
	}

	record, err := v.users.GetUser(ctx, claims.UID)
	if err != nil {
		return err
	}

	if record.ValidSince == "" {
		return nil
	}
	validSince, err := strconv.ParseInt(record.ValidSince, 10, 64)
	if err != nil {
		return apperrors.NewAuthError(apperrors.CodeInvalidRevocationTime,
			fmt.Sprintf("account carries unparseable validSince %q", record.ValidSince))
	}
	if claims.AuthTime < validSince {
		return apperrors.NewAuthError(apperrors.CodeIDTokenRevoked, "token was issued before tokens were revoked")
	}
	return nil
}

func buildClaims(payload map[string]interface{}, sub string, authTime int64) *Claims {
	claims := &Claims{
		UID:      sub,
		Sub:      sub,
		Aud:      getString(payload, "aud"),
		Iss:      getString(payload, "iss"),
		Email:    getString(payload, "email"),
		AuthTime: authTime,
		Custom:   map[string]interface{}{},
	}
	claims.Iat, _ = getInt64(payload, "iat")
	claims.Exp, _ = getInt64(payload, "exp")
	claims.EmailVerified = getBool(payload, "email_verified")

	if provider, ok := payload["firebase"].(map[string]interface{}); ok {
		claims.SignInProvider = getString(provider, "sign_in_provider")
		claims.Tenant = getString(provider, "tenant")
	}

	for key, value := range payload {
		if _, standard := standardClaims[key]; !standard {
			claims.Custom[key] = value
		}
	}

	return claims
}

// Helper functions to safely extract values from the decoded payload
func getString(m map[string]interface{}, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

func getBool(m map[string]interface{}, key string) bool {
	if val, ok := m[key].(bool); ok {
		return val
	}
	return false
}

func getInt64(m map[string]interface{}, key string) (int64, bool) {
	switch val := m[key].(type) {
	case float64:
		return int64(val), true
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
