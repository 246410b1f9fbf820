// Package outcome defines the stable result codes shared by the gateway, the
// fan-out coordinator and any presentation layer sitting on top of them.
package outcome

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable outcome identifier.
type Code string

const (
	OK                 Code = "ok"
	OriginDenied       Code = "origin_denied"
	Unauthenticated    Code = "unauthenticated"
	NotReady           Code = "not_ready"
	InvalidRequest     Code = "invalid_request"
	PeerUnreachable    Code = "peer_unreachable"
	PeerTimeout        Code = "peer_timeout"
	NoPeerAvailable    Code = "no_peer_available"
	InternalQueryError Code = "internal_query_error"
	Cancelled          Code = "cancelled"
)

// Error carries a Code and an optional cause.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, ErrNotReady)
// works regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrOriginDenied       = &Error{Code: OriginDenied}
	ErrUnauthenticated    = &Error{Code: Unauthenticated}
	ErrNotReady           = &Error{Code: NotReady}
	ErrInvalidRequest     = &Error{Code: InvalidRequest}
	ErrPeerUnreachable    = &Error{Code: PeerUnreachable}
	ErrPeerTimeout        = &Error{Code: PeerTimeout}
	ErrNoPeerAvailable    = &Error{Code: NoPeerAvailable}
	ErrInternalQueryError = &Error{Code: InternalQueryError}
)

// New builds an *Error with a formatted cause.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches code to err. A nil err still yields a coded error.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the outcome code from err; nil is OK and uncoded errors
// are reported as internal query errors.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalQueryError
}

// HTTPStatus maps a code to the status written by HTTP handlers.
func HTTPStatus(c Code) int {
	switch c {
	case OK:
		return http.StatusOK
	case OriginDenied:
		return http.StatusForbidden
	case Unauthenticated:
		return http.StatusUnauthorized
	case NotReady, NoPeerAvailable:
		return http.StatusServiceUnavailable
	case InvalidRequest:
		return http.StatusBadRequest
	case PeerTimeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499
	default:
		return http.StatusBadGateway
	}
}
