// Package apierr defines the closed set of error kinds the gateway can
// surface to clients, together with their HTTP status mapping. Every failure
// inside the request lifecycle is classified into exactly one of these kinds
// before it is set on a request's result future.
package apierr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one of the gateway's terminal error categories.
type Kind int

const (
	// KindBadRequest covers schema and validation failures, including an
	// unknown model id.
	KindBadRequest Kind = iota

	// KindUnauthorized is produced by the authentication middleware.
	KindUnauthorized

	// KindUnprocessable indicates a model switch that could not be completed.
	KindUnprocessable

	// KindClientDisconnected indicates a probe or checkpoint observed the
	// originating HTTP client gone. Never written to the wire.
	KindClientDisconnected

	// KindUserCancelled indicates the request was cancelled via the cancel
	// endpoint while still queued.
	KindUserCancelled

	// KindServiceUnavailable indicates the browser session was not ready.
	KindServiceUnavailable

	// KindGatewayTimeout indicates the queue wait or the completion wait
	// exceeded its budget.
	KindGatewayTimeout

	// KindUpstreamError indicates the provider answered non-2xx or the
	// parser emitted an error frame.
	KindUpstreamError

	// KindQuotaExceeded is a refinement of KindUpstreamError for status 429
	// or provider messages mentioning a quota.
	KindQuotaExceeded

	// KindServerError is the catch-all; it is always accompanied by a debug
	// snapshot.
	KindServerError
)

// String returns the wire-facing tag for the kind.
func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "invalid_request_error"
	case KindUnauthorized:
		return "authentication_error"
	case KindUnprocessable:
		return "model_switch_error"
	case KindClientDisconnected:
		return "client_disconnected"
	case KindUserCancelled:
		return "user_cancelled"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindGatewayTimeout:
		return "gateway_timeout"
	case KindUpstreamError:
		return "upstream_error"
	case KindQuotaExceeded:
		return "quota_exceeded"
	default:
		return "server_error"
	}
}

// HTTPStatus maps the kind to the status code written to the client.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return 400
	case KindUnauthorized:
		return 401
	case KindUnprocessable:
		return 422
	case KindClientDisconnected, KindUserCancelled:
		return 499
	case KindServiceUnavailable:
		return 503
	case KindGatewayTimeout:
		return 504
	case KindUpstreamError, KindQuotaExceeded:
		return 502
	default:
		return 500
	}
}

// Error is a classified gateway error. Kind is the closed tag, Message the
// human readable detail, and Cause the underlying error, if any.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error under the given kind.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Classify maps an arbitrary error to a gateway error. Already-classified
// errors pass through unchanged; everything else becomes a server error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindServerError, Message: err.Error(), Cause: err}
}

// FromUpstream classifies an upstream failure observed by the stream proxy
// or the parser. Status 429 and quota-flavored messages become
// KindQuotaExceeded, everything else KindUpstreamError.
func FromUpstream(status int, message string) *Error {
	if status == 429 || strings.Contains(strings.ToLower(message), "quota") {
		return &Error{Kind: KindQuotaExceeded, Message: message}
	}
	return &Error{Kind: KindUpstreamError, Message: fmt.Sprintf("upstream status %d: %s", status, message)}
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
