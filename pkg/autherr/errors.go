// Package autherr defines the error taxonomy shared by every component and
// its mapping onto HTTP status codes. Component boundaries return *Error
// values; anything else that escapes is treated as KindInternal so raw
// store or network errors never reach a client.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a domain failure.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindAuthentication       Kind = "authentication"
	KindExpiredToken         Kind = "expired_token"
	KindInvalidToken         Kind = "invalid_token"
	KindRevokedToken         Kind = "revoked_token"
	KindNotFound             Kind = "not_found"
	KindLimitExceeded        Kind = "limit_exceeded"
	KindAppNotEnabled        Kind = "app_not_enabled"
	KindNotConfigured        Kind = "not_configured"
	KindStateExpiredOrReused Kind = "state_expired_or_reused"
	KindConflict             Kind = "conflict"
	KindInternal             Kind = "internal"
)

// GenericCredentialsMessage is the uniform message returned for any failed
// credential check. Login and token paths must not reveal which part of the
// check failed.
const GenericCredentialsMessage = "invalid credentials"

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified error. The cause is kept for logs
// and unwrapping but is never serialized into a client response.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Internal wraps an unexpected failure (store unreachable, bad wire data)
// with a generic client-safe message.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: cause}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ClientMessage returns the message safe to serialize to a client.
// Internal errors always collapse to a generic message.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a Kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication, KindExpiredToken, KindInvalidToken,
		KindRevokedToken, KindStateExpiredOrReused:
		return http.StatusUnauthorized
	case KindLimitExceeded, KindAppNotEnabled:
		return http.StatusForbidden
	case KindNotFound, KindNotConfigured:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
