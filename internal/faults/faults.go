// Package faults defines the error taxonomy shared across Wirepost.
//
// Callers branch on these with errors.Is / errors.As. Everything else in the
// codebase wraps with fmt.Errorf("...: %w", err) as usual.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrObjectDisposed is returned by operations attempted after disposal.
	// It is a lifecycle error and is never retried.
	ErrObjectDisposed = errors.New("object disposed")

	// ErrInvalidArgument is returned for malformed or missing required input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConnectionTimeout is returned when the transport never reached the
	// open state within the dial bound.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrTunnelDenied is returned when the remote side or the local policy
	// rejects a forward request.
	ErrTunnelDenied = errors.New("tunnel denied")
)

// CloseError reports an abnormal transport close. The numeric code uses the
// WebSocket close-code space and is kept structured so the session layer can
// map it to a status without parsing text.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport closed with code %d", e.Code)
	}
	return fmt.Sprintf("transport closed with code %d: %s", e.Code, e.Reason)
}

// TransportError wraps an underlying transport failure so it can be
// recognized as transport-level while preserving the original error identity
// for errors.Is / errors.As.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport error: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// TunnelBindError reports that a forwarding endpoint could not be bound.
type TunnelBindError struct {
	Addr string
	Err  error
}

func (e *TunnelBindError) Error() string {
	return fmt.Sprintf("cannot bind tunnel endpoint %s: %v", e.Addr, e.Err)
}

func (e *TunnelBindError) Unwrap() error { return e.Err }

// ProcessExitError reports that a monitored process terminated abnormally.
// It triggers cascading teardown but is not a fatal system fault.
type ProcessExitError struct {
	Code int
}

func (e *ProcessExitError) Error() string {
	return fmt.Sprintf("monitored process exited with code %d", e.Code)
}
