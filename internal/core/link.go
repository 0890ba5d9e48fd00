package core

import "context"

// HostConfig collects the startup parameters handed to a PTY host
// process.
type HostConfig struct {
	SessionID        string
	Shell            string // executable path or a ShellKind to resolve host-side
	Cols             int
	Rows             int
	WorkingDirectory string
	RunAsUser        string
}

// ShutdownReason explains why a host link is being torn down. It is
// logged but never sent over the wire.
type ShutdownReason string

const (
	ShutdownClientRequested ShutdownReason = "client-requested"
	ShutdownServerStopping  ShutdownReason = "server-stopping"
)

// LinkEvents receives the unsolicited events a host link produces.
// The SessionManager implements it; callbacks carry the session id so
// links never hold a back-reference into the manager's state. All
// callbacks must return quickly; links invoke them from their stream
// reader goroutine.
type LinkEvents interface {
	// LinkOutput delivers raw PTY output bytes.
	LinkOutput(sessionID string, data []byte)
	// LinkForeground delivers a changed foreground-process record.
	LinkForeground(sessionID string, fg Foreground)
	// LinkExited reports that the host's shell exited, or -1 when the
	// stream failed. It is delivered exactly once per link.
	LinkExited(sessionID string, exitCode int)
}

// HostLink is the server-side handle on one PTY host process. One
// link exists per session and is owned exclusively by that session.
type HostLink interface {
	// PID returns the host (or child) process id, informational only.
	PID() int
	// Begin releases event dispatch. The owner calls it exactly once,
	// after registering the session, so no early event is dropped.
	Begin()
	// WriteInput enqueues bytes for the PTY without blocking. Input is
	// dropped (and logged) when the outbound queue is saturated.
	WriteInput(data []byte)
	// Resize requests new PTY dimensions. Pending resizes are
	// coalesced: only the most recent one is written to the host.
	Resize(cols, rows int)
	// Shutdown gracefully stops the host: Shutdown message, a short
	// grace period, then a forced kill. It blocks until the host
	// process is gone or the context expires.
	Shutdown(ctx context.Context, reason ShutdownReason)
}

// LinkStarter spawns a PTY host and returns its connected link. The
// concrete implementation lives in internal/hostlink; the manager
// depends only on this function type so tests can substitute fakes.
type LinkStarter func(ctx context.Context, cfg HostConfig, events LinkEvents) (HostLink, error)
