package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"formedge/internal/auth/verify"
	apperrors "formedge/pkg/errors"
	"formedge/pkg/logger"
)

// ContextKey represents keys used in request context
type ContextKey string

const (
	// ClaimsContextKey is the key for verified token claims in context
	ClaimsContextKey ContextKey = "claims"
	// RequestIDContextKey is the key for request ID in context
	RequestIDContextKey ContextKey = "request_id"
)

// frameAncestorsCSP is attached to every response regardless of auth outcome.
const frameAncestorsCSP = "frame-ancestors 'self'"

// TokenVerifier validates an identity token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string, checkRevoked bool) (*verify.Claims, error)
}

// TokenRevoker invalidates a user's refresh tokens.
type TokenRevoker interface {
	RevokeRefreshTokens(ctx context.Context, uid string) error
}

// Routes the gate never authenticates.
var excludedPaths = map[string]bool{
	"/health": true,
	"/api/hc": true,
}

// Pages of the auth flow that unauthenticated (or unverified) users may view.
var authFlowPages = map[string]bool{
	"/login":        true,
	"/signup":       true,
	"/reset":        true,
	"/verify-email": true,
	"/recover":      true,
	"/trial":        true,
}

// Destinations for the provider's auth-action callback, keyed by mode.
var authActionDestinations = map[string]string{
	"signIn":        "/login",
	"resetPassword": "/reset",
	"verifyEmail":   "/verify-email",
	"recoverEmail":  "/recover",
}

// Gate enforces authentication and email-verification policy on every
// inbound request. Each request terminates in exactly one of: allow,
// redirect, 401 or 403; auth errors never escape to a framework error page.
//
// Revocation checking is deliberately skipped here for latency; handlers that
// need it call the verifier directly.
func Gate(verifier TokenVerifier, revoker TokenRevoker, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", frameAncestorsCSP)

			path := r.URL.Path

			if excludedPaths[path] || strings.HasPrefix(path, "/api/webhooks/") {
				next.ServeHTTP(w, r)
				return
			}

			if path == "/auth/action" {
				mode := r.URL.Query().Get("mode")
				if dest, ok := authActionDestinations[mode]; ok {
					http.Redirect(w, r, dest, http.StatusFound)
					return
				}
				// Unrecognized mode passes through unchanged
				next.ServeHTTP(w, r)
				return
			}

			claims, verifyErr := authenticate(r, verifier)

			if strings.HasPrefix(path, "/api/") {
				gateAPI(w, r, next, claims, verifyErr, revoker, log)
				return
			}
			gatePage(w, r, next, claims, verifyErr, revoker, log)
		})
	}
}

// authenticate extracts the bearer token and verifies it. A missing or
// malformed Authorization header is a verification failure, not an exception.
func authenticate(r *http.Request, verifier TokenVerifier) (*verify.Claims, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, apperrors.NewAuthError(apperrors.CodeInvalidFormat, "missing bearer token")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return nil, apperrors.NewAuthError(apperrors.CodeInvalidFormat, "missing bearer token")
	}
	return verifier.Verify(r.Context(), token, false)
}

func gateAPI(w http.ResponseWriter, r *http.Request, next http.Handler, claims *verify.Claims, verifyErr error, revoker TokenRevoker, log *logger.Logger) {
	if verifyErr != nil {
		status := http.StatusForbidden
		switch apperrors.CodeOf(verifyErr) {
		case apperrors.CodeTokenExpired, apperrors.CodeIDTokenRevoked:
			status = http.StatusUnauthorized
		}
		writeAuthError(w, status, verifyErr, log)
		return
	}

	if !claims.EmailVerified {
		revokeBestEffort(revoker, claims.UID, log)
		writeAuthError(w, http.StatusUnauthorized,
			apperrors.NewAuthError(apperrors.CodeEmailNotVerified, "email address is not verified"), log)
		return
	}

	// Identity travels to downstream handlers as request headers
	r.Header.Set("X-User-Id", claims.UID)
	r.Header.Set("X-User-Email", claims.Email)
	r.Header.Set("X-Token-Issued-At", strconv.FormatInt(claims.Iat, 10))

	ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func gatePage(w http.ResponseWriter, r *http.Request, next http.Handler, claims *verify.Claims, verifyErr error, revoker TokenRevoker, log *logger.Logger) {
	onAuthFlowPage := authFlowPages[r.URL.Path]

	if verifyErr != nil {
		if onAuthFlowPage {
			next.ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if !claims.EmailVerified {
		revokeBestEffort(revoker, claims.UID, log)
		if onAuthFlowPage {
			// Let the auth-flow page render its verify-email prompt
			next.ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if onAuthFlowPage {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// revokeBestEffort invalidates the user's refresh tokens without blocking the
// response. The denial decision already stands; a failed revocation is only
// logged.
func revokeBestEffort(revoker TokenRevoker, uid string, log *logger.Logger) {
	if revoker == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := revoker.RevokeRefreshTokens(ctx, uid); err != nil {
			log.WithError(err).WithField("user_id", uid).Error("Best-effort token revocation failed")
		}
	}()
}

// writeAuthError writes the gate's JSON error envelope.
func writeAuthError(w http.ResponseWriter, status int, err error, log *logger.Logger) {
	log.WithError(err).Debug("Request denied")

	response := &apperrors.ErrorResponse{}
	response.Error.Type = apperrors.ErrorTypeAuthentication
	response.Error.Code = apperrors.CodeOf(err)
	response.Error.Message = "authentication required"
	response.Error.Timestamp = time.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		log.WithError(encodeErr).Error("Failed to encode error response")
	}
}
