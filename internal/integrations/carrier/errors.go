package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/BearBump/ShipCheck/internal/models"
)

type ErrorKind string

const (
	KindNotFound    ErrorKind = "NOT_FOUND"
	KindRateLimited ErrorKind = "RATE_LIMITED"
	KindTransient   ErrorKind = "TRANSIENT"
	KindAuth        ErrorKind = "AUTH_ERROR"
	KindMalformed   ErrorKind = "MALFORMED"
)

// TrackingError is the only error type adapters return.
type TrackingError struct {
	Kind       ErrorKind
	Carrier    models.Carrier
	StatusCode int
	Message    string
	Cause      error
}

func (e *TrackingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s tracking error (%s): %s: %v", e.Carrier, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s tracking error (%s): %s", e.Carrier, e.Kind, e.Message)
}

func (e *TrackingError) Unwrap() error {
	return e.Cause
}

// Is matches another TrackingError by kind, so errors.Is(err, carrier.ErrTransient) works.
func (e *TrackingError) Is(target error) bool {
	t, ok := target.(*TrackingError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrNotFound    = &TrackingError{Kind: KindNotFound}
	ErrRateLimited = &TrackingError{Kind: KindRateLimited}
	ErrTransient   = &TrackingError{Kind: KindTransient}
	ErrAuth        = &TrackingError{Kind: KindAuth}
	ErrMalformed   = &TrackingError{Kind: KindMalformed}

	ErrCarrierNotRegistered = errors.New("carrier adapter not registered")
)

func NewError(kind ErrorKind, c models.Carrier, msg string) *TrackingError {
	return &TrackingError{Kind: kind, Carrier: c, Message: msg}
}

func (e *TrackingError) WithCause(err error) *TrackingError {
	e.Cause = err
	return e
}

func (e *TrackingError) WithStatusCode(code int) *TrackingError {
	e.StatusCode = code
	return e
}

// KindOf returns the kind of a TrackingError anywhere in the chain.
// Errors that are not TrackingErrors are treated as transient.
func KindOf(err error) ErrorKind {
	var te *TrackingError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// ClassifyHTTP maps a non-2xx carrier response to a TrackingError.
func ClassifyHTTP(c models.Carrier, code int, body string) *TrackingError {
	var kind ErrorKind
	switch {
	case code == http.StatusNotFound:
		kind = KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = KindAuth
	case code == http.StatusTooManyRequests:
		kind = KindRateLimited
	case code == http.StatusRequestTimeout || code >= 500:
		kind = KindTransient
	default:
		kind = KindMalformed
	}
	if len(body) > 256 {
		body = body[:256]
	}
	msg := fmt.Sprintf("http %d", code)
	if body != "" {
		msg += ": " + body
	}
	return NewError(kind, c, msg).WithStatusCode(code)
}

// ClassifyTransport wraps a failed round trip: timeouts, resets and refused connections are transient.
func ClassifyTransport(c models.Carrier, err error) *TrackingError {
	var te *TrackingError
	if errors.As(err, &te) {
		return te
	}
	msg := "request failed"
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "timeout"
	case errors.As(err, &ne) && ne.Timeout():
		msg = "timeout"
	}
	return NewError(KindTransient, c, msg).WithCause(err)
}
