package types

import (
	"errors"
	"fmt"
)

// ProvisionError means an environment failed to build or start. The
// controller guarantees the environment is left absent: no orphaned
// instance, no registry entry.
type ProvisionError struct {
	TeamID string
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning environment for team %q: %v", e.TeamID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ProtocolError means malformed or unsupported wire data. The session is
// torn down, never silently resynced: dropped pixel data produces a
// corrupt but undetected rendering.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// HandshakeError means version, security or pixel-format negotiation
// failed. Not retried: an incompatible negotiation will not get better.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError is a recoverable network fault. It triggers the
// session's bounded reconnect policy.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// SessionLost is terminal: reconnect attempts are exhausted or the
// remote framebuffer changed shape. Surfaced to the caller for operator
// visibility, never swallowed.
type SessionLost struct {
	Endpoint Endpoint
	Cause    error
}

func (e *SessionLost) Error() string {
	return fmt.Sprintf("session to %s lost: %v", e.Endpoint.Addr(), e.Cause)
}

func (e *SessionLost) Unwrap() error { return e.Cause }

// StaleAssignment means an agent holds a session for a team it is no
// longer assigned to. The session is torn down immediately and the
// agent re-resolves its endpoint.
type StaleAssignment struct {
	AgentID string
	TeamID  string
}

func (e *StaleAssignment) Error() string {
	return fmt.Sprintf("agent %q no longer assigned to team %q", e.AgentID, e.TeamID)
}

// ErrEnvironmentExists rejects creating an environment for a team that
// already has a live one.
var ErrEnvironmentExists = errors.New("team already has a live environment")
