package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different types of application errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
)

// Stable machine-readable codes carried by auth errors. The request gate and
// API clients branch on these, so the strings are part of the contract.
const (
	CodeInvalidFormat         = "invalid-format"
	CodeInvalidAlgorithm      = "invalid-algorithm"
	CodeMissingKid            = "missing-kid"
	CodeInvalidAudience       = "invalid-audience"
	CodeInvalidIssuer         = "invalid-issuer"
	CodeInvalidSubject        = "invalid-subject"
	CodeMissingAuthTime       = "missing-auth-time"
	CodeMissingIat            = "missing-iat"
	CodeIatInFuture           = "iat-in-future"
	CodeMissingExpiration     = "missing-expiration"
	CodeTokenExpired          = "token-expired"
	CodeNoMatchingKid         = "no-matching-kid"
	CodeInvalidSignature      = "invalid-signature"
	CodeKeyFetchFailed        = "key-fetch-failed"
	CodeInvalidKey            = "invalid-key"
	CodeNoValidKeys           = "no-valid-keys"
	CodeTokenFetchFailed      = "token-fetch-failed"
	CodeUserNotFound          = "user-not-found"
	CodeIDTokenRevoked        = "id-token-revoked"
	CodeInvalidRevocationTime = "invalid-revocation-time"
	CodeEmailNotVerified      = "email-not-verified"
	CodeForbiddenClaim        = "forbidden-claim"
	CodeClaimsTooLarge        = "claims-too-large"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code,omitempty"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"status_code"`
	Internal   error                  `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Internal.Error())
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Internal
}

// CodeOf extracts the machine-readable code from an error chain, or "" if the
// error is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// NewAuthError creates an authentication error with a stable code
func NewAuthError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuthentication,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// NewAuthorizationError creates a new authorization error
func NewAuthorizationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuthorization,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewInternalError creates a new internal server error
func NewInternalError(message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   internal,
	}
}

// NewExternalError creates a new external service error with a stable code
func NewExternalError(code, message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Internal:   internal,
	}
}

// ErrorResponse represents the JSON error response
type ErrorResponse struct {
	Error struct {
		Type      ErrorType              `json:"type"`
		Code      string                 `json:"code,omitempty"`
		Message   string                 `json:"message"`
		Details   map[string]interface{} `json:"details,omitempty"`
		Timestamp string                 `json:"timestamp"`
	} `json:"error"`
}
