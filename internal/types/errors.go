package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an APIError independent of transport.
type ErrorKind string

const (
	ErrAuthRequired       ErrorKind = "auth_required"
	ErrAuthInvalid        ErrorKind = "auth_invalid"
	ErrTokenExpired       ErrorKind = "token_expired"
	ErrTokenReuseDetected ErrorKind = "token_reuse_detected"
	ErrPermissionDenied   ErrorKind = "permission_denied"
	ErrNotFound           ErrorKind = "not_found"
	ErrConflict           ErrorKind = "conflict"
	ErrPreconditioned     ErrorKind = "preconditioned"
	ErrInvalid            ErrorKind = "invalid"
	ErrRateLimited        ErrorKind = "rate_limited"
	ErrResourceExhausted  ErrorKind = "resource_exhausted"
	ErrSlowConsumer       ErrorKind = "slow_consumer"
	ErrTransient          ErrorKind = "transient"
	ErrPermanent          ErrorKind = "permanent"
	ErrInternal           ErrorKind = "internal"
)

// APIError is the typed error surfaced by every service. The gateway maps it
// to the transport envelope; nothing below the gateway touches HTTP status
// codes.
type APIError struct {
	Kind    ErrorKind      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E builds an APIError with a formatted message.
func E(kind ErrorKind, format string, args ...any) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail key without mutating shared errors.
func (e *APIError) WithDetail(key string, value any) *APIError {
	out := &APIError{Kind: e.Kind, Message: e.Message, Details: map[string]any{}}
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return out
}

// AsAPIError unwraps err to an APIError, wrapping unknown errors as Internal
// so raw driver errors never leak to clients.
func AsAPIError(err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}
	return &APIError{Kind: ErrInternal, Message: "internal error"}
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == kind
}

// HTTPStatus maps an error kind to its transport status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrAuthRequired, ErrAuthInvalid, ErrTokenExpired, ErrTokenReuseDetected:
		return http.StatusUnauthorized
	case ErrPermissionDenied:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrPreconditioned:
		return http.StatusPreconditionFailed
	case ErrInvalid:
		return http.StatusBadRequest
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrResourceExhausted:
		return http.StatusServiceUnavailable
	case ErrTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
