package proxy

import (
	"errors"
	"fmt"
)

// Error kinds reported to clients in error response bodies. These are part
// of the gateway's wire contract and must stay stable.
const (
	KindRouteNotFound     = "route_not_found"
	KindRateLimited       = "rate_limited"
	KindCircuitOpen       = "circuit_open"
	KindRequestTooLarge   = "request_too_large"
	KindUpstreamTimeout   = "upstream_timeout"
	KindUpstreamTransport = "upstream_transport_error"
	KindUpstreamStatus    = "upstream_status_error"
	KindNoEndpoints       = "no_endpoints"
	KindInternal          = "internal_error"
)

// Error is a gateway-level proxying error with a stable machine-readable
// kind and a suggested downstream status code.
type Error struct {
	Kind    string
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newError(kind string, status int, msg string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: msg, Err: err}
}
