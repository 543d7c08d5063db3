package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed exchange with a backend instance.
type Kind int

const (
	// Timeout means no complete response arrived before the request deadline.
	Timeout Kind = iota
	// ConnectionFailure means the instance refused or dropped the connection.
	ConnectionFailure
	// ProtocolError means the instance replied with something that is not HTTP.
	ProtocolError
	// ClientDisconnected means the caller went away before the exchange finished.
	ClientDisconnected
	// CircuitOpen means the route's breaker rejected the call without trying.
	CircuitOpen
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ConnectionFailure:
		return "connection_failure"
	case ProtocolError:
		return "protocol_error"
	case ClientDisconnected:
		return "client_disconnected"
	case CircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// DownstreamError describes why forwarding to an instance failed.
type DownstreamError struct {
	Kind     Kind
	Instance string
	Err      error
}

func (e *DownstreamError) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("downstream %s (%s): %v", e.Kind, e.Instance, e.Err)
	}
	return fmt.Sprintf("downstream %s: %v", e.Kind, e.Err)
}

func (e *DownstreamError) Unwrap() error {
	return e.Err
}

// Status is the HTTP status reported to the client for this failure.
// ClientDisconnected has no meaningful status; 499 is used for logging only.
func (e *DownstreamError) Status() int {
	switch e.Kind {
	case Timeout, CircuitOpen:
		return http.StatusServiceUnavailable
	case ClientDisconnected:
		return 499
	default:
		return http.StatusBadGateway
	}
}

// Response returns the client-facing error for this failure.
func (e *DownstreamError) Response() *GatewayError {
	if e.Status() == http.StatusServiceUnavailable {
		return ErrServiceUnavailable
	}
	return ErrBadGateway
}

// AsDownstream unwraps err into a DownstreamError if it carries one.
func AsDownstream(err error) (*DownstreamError, bool) {
	var de *DownstreamError
	if stderrors.As(err, &de) {
		return de, true
	}
	return nil, false
}
