package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError for callers that branch on failure type.
type Kind string

const (
	KindValidation Kind = "validation"
	KindEncryption Kind = "encryption"
	KindDecryption Kind = "decryption"
	KindRateLimit  Kind = "rate_limit"
	KindSecurity   Kind = "security"
	KindSystem     Kind = "system"
	KindNotFound   Kind = "not_found"
	KindAudit      Kind = "audit"
	KindConflict   Kind = "conflict"
)

type AppError struct {
	Code    int    `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on Kind so sentinel values work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func NewAppError(code int, kind Kind, message string, details ...string) *AppError {
	var detail string
	if len(details) > 0 {
		detail = details[0]
	}
	return &AppError{
		Code:    code,
		Kind:    kind,
		Message: message,
		Details: detail,
	}
}

// Wrap attaches a cause to a copy of e.
func (e *AppError) Wrap(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

func NewValidationError(message string, details ...string) *AppError {
	return NewAppError(http.StatusBadRequest, KindValidation, message, details...)
}

func NewEncryptionError(message string, err error) *AppError {
	return NewAppError(http.StatusInternalServerError, KindEncryption, message).Wrap(err)
}

func NewDecryptionError(message string, err error) *AppError {
	return NewAppError(http.StatusUnprocessableEntity, KindDecryption, message).Wrap(err)
}

func NewRateLimitError(operation string, limit int) *AppError {
	return NewAppError(http.StatusTooManyRequests, KindRateLimit,
		fmt.Sprintf("rate limit exceeded for %s", operation),
		fmt.Sprintf("limit %d per minute", limit))
}

func NewSecurityError(message string, details ...string) *AppError {
	return NewAppError(http.StatusForbidden, KindSecurity, message, details...)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(http.StatusUnauthorized, KindSecurity, message)
}

func NewSystemError(message string, err error) *AppError {
	return NewAppError(http.StatusInternalServerError, KindSystem, message).Wrap(err)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(http.StatusNotFound, KindNotFound, fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(http.StatusConflict, KindConflict, message)
}

// KindOf reports the Kind of the first AppError in err's chain.
func KindOf(err error) (Kind, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind, true
	}
	return "", false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// HTTPStatus maps err to a response code, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Code != 0 {
		return appErr.Code
	}
	return http.StatusInternalServerError
}

var (
	ErrAuditDegraded      = NewAppError(http.StatusServiceUnavailable, KindAudit, "audit store unavailable, record written to fallback")
	ErrSessionInvalid     = NewUnauthorizedError("session is not active")
	ErrAccessDenied       = NewSecurityError("access denied")
	ErrKeyNotFound        = NewNotFoundError("encryption key")
	ErrPayloadTampered    = NewAppError(http.StatusUnprocessableEntity, KindDecryption, "payload authentication failed")
	ErrIdempotencyPending = NewConflictError("request with this idempotency key is still in progress")
)
