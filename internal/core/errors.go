package core

import "fmt"

// ErrBackendUnavailable indicates that a PTY host process failed to
// start or disappeared before completing its handshake. The session
// never enters the registry when this is returned.
type ErrBackendUnavailable struct {
	Reason string
}

func (e *ErrBackendUnavailable) Error() string {
	return fmt.Sprintf("pty host unavailable: %s", e.Reason)
}

// ErrSessionNotFound indicates that an operation referenced a session
// id that is not in the registry.
type ErrSessionNotFound struct {
	ID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

// ErrSessionNotRunning indicates an operation on a session whose PTY
// has already exited. Input is dropped; resize is rejected.
type ErrSessionNotRunning struct {
	ID string
}

func (e *ErrSessionNotRunning) Error() string {
	return fmt.Sprintf("session %q is not running", e.ID)
}

// ErrProtocolViolation indicates that a peer broke one of the wire
// protocols (mux framing or host IPC). The offending stream is closed.
type ErrProtocolViolation struct {
	Reason string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// ErrInvalidArgument indicates a domain-level input validation
// failure, e.g. terminal dimensions outside 1..500 or an over-long
// session name.
type ErrInvalidArgument struct {
	Field   string
	Message string
}

func (e *ErrInvalidArgument) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}
