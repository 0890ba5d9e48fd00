package core

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// ShellKind tags the flavour of shell a session runs. It is carried
// for display purposes only; the server never interprets it.
type ShellKind string

const (
	ShellPwsh       ShellKind = "pwsh"
	ShellPowershell ShellKind = "powershell"
	ShellCmd        ShellKind = "cmd"
	ShellBash       ShellKind = "bash"
	ShellZsh        ShellKind = "zsh"
	ShellFish       ShellKind = "fish"
	ShellSh         ShellKind = "sh"
)

// Foreground describes the process currently in the foreground of a
// session's PTY. All fields are best effort and may be zero.
type Foreground struct {
	PID         int
	Name        string
	CommandLine string
	Cwd         string
}

// Session is the central entity: one PTY host process, its scrollback
// ring, and the metadata clients see. Fields are mutated only by the
// SessionManager under its lock; readers get copies via SessionInfo.
type Session struct {
	ID               string
	PID              int
	ShellKind        ShellKind
	CreatedAt        time.Time
	Cols             int
	Rows             int
	UserName         string // empty means unnamed; clients fall back to title or shell kind
	ManuallyNamed    bool
	TerminalTitle    string
	WorkingDirectory string // directory the shell started in
	Foreground       Foreground
	Running          bool
	ExitCode         *int
	ClosedAt         *time.Time

	Scrollback *Scrollback
	Link       HostLink
}

// SessionInfo is an immutable snapshot of session metadata, cheap
// enough to build per state-broadcast tick.
type SessionInfo struct {
	ID               string
	PID              int
	ShellKind        ShellKind
	CreatedAt        time.Time
	Cols             int
	Rows             int
	UserName         string
	ManuallyNamed    bool
	TerminalTitle    string
	WorkingDirectory string
	Foreground       Foreground
	Running          bool
	ExitCode         *int
}

func (s *Session) info() SessionInfo {
	var exit *int
	if s.ExitCode != nil {
		v := *s.ExitCode
		exit = &v
	}
	return SessionInfo{
		ID:               s.ID,
		PID:              s.PID,
		ShellKind:        s.ShellKind,
		CreatedAt:        s.CreatedAt,
		Cols:             s.Cols,
		Rows:             s.Rows,
		UserName:         s.UserName,
		ManuallyNamed:    s.ManuallyNamed,
		TerminalTitle:    s.TerminalTitle,
		WorkingDirectory: s.WorkingDirectory,
		Foreground:       s.Foreground,
		Running:          s.Running,
		ExitCode:         exit,
	}
}

// newSessionID draws 8 lowercase hex characters uniformly at random.
// Collisions are handled by the caller (retry against the registry).
func newSessionID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
