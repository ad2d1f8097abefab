package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a dispatch failure for retry decisions.
type ErrorKind string

const (
	// Retryable kinds.
	KindConnectFailed ErrorKind = "connect_failed"
	KindTimeout       ErrorKind = "timeout"
	KindRateLimited   ErrorKind = "rate_limited"
	KindServerError   ErrorKind = "server_error"

	// Terminal kinds.
	KindAuthMissing      ErrorKind = "auth_missing"
	KindBadRequest       ErrorKind = "bad_request"
	KindProtocolMismatch ErrorKind = "protocol_mismatch"
)

// Error is a classified dispatch failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnectFailed, KindTimeout, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

// NewError builds a classified error without an HTTP status.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ClassifyStatus maps an HTTP response status onto an error kind.
func ClassifyStatus(status int, body string) *Error {
	var kind ErrorKind

	// Every 4xx except 429 is a terminal bad request; auth failures
	// included, since a rejected key will not improve on retry.
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 400 && status < 500:
		kind = KindBadRequest
	default:
		kind = KindServerError
	}

	return &Error{Kind: kind, StatusCode: status, Message: body}
}

// ClassifyTransportError maps a transport-level failure onto an error
// kind. Context cancellation and deadlines become timeouts.
func ClassifyTransportError(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}

	return &Error{Kind: KindConnectFailed, Message: err.Error()}
}
