package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds returned by gateway adapters. Use errors.Is to classify.
var (
	// ErrGatewayUnreachable covers network failures, timeouts and 5xx responses.
	ErrGatewayUnreachable = errors.New("gateway unreachable")
	// ErrAuthFailure means the gateway rejected the configured credentials.
	ErrAuthFailure = errors.New("gateway authentication failed")
	// ErrBindingNotFound means the remote peer id is unknown to the gateway.
	ErrBindingNotFound = errors.New("remote peer not found")
	// ErrGatewayRejected means the gateway refused the request as invalid.
	ErrGatewayRejected = errors.New("gateway rejected request")
)

// Error carries the operation context of a failed gateway call.
type Error struct {
	GatewayID  uint64
	Op         string
	StatusCode int
	Kind       error
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("gateway %d: %s: %v", e.GatewayID, e.Op, e.Kind)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status=%d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Status returns the HTTP status reported by the gateway, or 0.
func (e *Error) Status() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// Kind names the error kind of err for reports and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGatewayUnreachable):
		return "gateway_unreachable"
	case errors.Is(err, ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, ErrBindingNotFound):
		return "binding_not_found"
	case errors.Is(err, ErrGatewayRejected):
		return "gateway_rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "gateway_unreachable"
	default:
		return "internal"
	}
}

func newError(gatewayID uint64, op string, status int, kind error, cause error) *Error {
	return &Error{GatewayID: gatewayID, Op: op, StatusCode: status, Kind: kind, Err: cause}
}

func kindForStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return ErrAuthFailure
	case status == 404:
		return ErrBindingNotFound
	case status >= 500:
		return ErrGatewayUnreachable
	case status >= 400:
		return ErrGatewayRejected
	default:
		return ErrGatewayUnreachable
	}
}
