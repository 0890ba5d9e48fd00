package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// MaxDimension bounds terminal cols and rows. Dimensions outside
// [1, MaxDimension] are rejected with ErrInvalidArgument.
const MaxDimension = 500

// MaxNameLength bounds a user-assigned session name after trimming.
const MaxNameLength = 256

// shutdownGrace is how long Delete waits for a host to exit before
// giving up on it (the link kills the process on its own).
const shutdownGrace = 2 * time.Second

// CreateParams collects the inputs for SessionManager.Create.
type CreateParams struct {
	Shell            string
	ShellKind        ShellKind
	Cols             int
	Rows             int
	WorkingDirectory string
	RunAsUser        string
}

// OutputEvent is delivered to every registered OutputSink once per
// scrollback append, in append order.
type OutputEvent struct {
	SessionID string
	Seq       uint64
	Data      []byte
	Cols      int
	Rows      int
	// BytesDropped is the session ring's cumulative eviction counter
	// after this append. Sinks whose cursor fell behind a drop emit a
	// data-loss notice to their client.
	BytesDropped uint64
}

// OutputSink receives fan-out of session output. Implementations must
// not block: they are called from host link reader goroutines.
type OutputSink interface {
	SessionOutput(ev OutputEvent)
}

// ManagerOptions tunes a SessionManager.
type ManagerOptions struct {
	// ScrollbackBytes caps each session's ring. Zero means
	// DefaultScrollbackBytes.
	ScrollbackBytes int
	// ExitGrace keeps an exited session in the registry for diagnostic
	// tooling before removal. Zero removes immediately after the exit
	// broadcast.
	ExitGrace time.Duration
}

// SessionManager is the process-wide registry of sessions. All map
// and session mutation happens under one mutex; no long work is done
// while holding it. It implements LinkEvents for its sessions' links.
type SessionManager struct {
	startLink LinkStarter
	hub       *Hub
	opts      ManagerOptions
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	sinks    map[OutputSink]struct{}
}

// NewSessionManager returns a registry that spawns hosts via
// startLink and broadcasts changes on hub.
func NewSessionManager(startLink LinkStarter, hub *Hub, opts ManagerOptions) *SessionManager {
	return &SessionManager{
		startLink: startLink,
		hub:       hub,
		opts:      opts,
		log:       slog.Default().With("component", "session-manager"),
		sessions:  make(map[string]*Session),
		sinks:     make(map[OutputSink]struct{}),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle operations
// ---------------------------------------------------------------------------

// Create spawns a PTY host and registers the new session. It returns
// ErrBackendUnavailable when the host fails to start or handshake;
// in that case nothing enters the registry.
func (m *SessionManager) Create(ctx context.Context, params CreateParams) (SessionInfo, error) {
	if err := validateDimensions(params.Cols, params.Rows); err != nil {
		return SessionInfo{}, err
	}

	id, err := m.reserveID()
	if err != nil {
		return SessionInfo{}, fmt.Errorf("generate session id: %w", err)
	}

	link, err := m.startLink(ctx, HostConfig{
		SessionID:        id,
		Shell:            params.Shell,
		Cols:             params.Cols,
		Rows:             params.Rows,
		WorkingDirectory: params.WorkingDirectory,
		RunAsUser:        params.RunAsUser,
	}, m)
	if err != nil {
		m.releaseID(id)
		return SessionInfo{}, &ErrBackendUnavailable{Reason: err.Error()}
	}

	sess := &Session{
		ID:               id,
		PID:              link.PID(),
		ShellKind:        params.ShellKind,
		CreatedAt:        time.Now(),
		Cols:             params.Cols,
		Rows:             params.Rows,
		WorkingDirectory: params.WorkingDirectory,
		Running:          true,
		Scrollback:       NewScrollback(m.opts.ScrollbackBytes),
		Link:             link,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	info := sess.info()
	m.mu.Unlock()
	sessionsActive.Inc()

	// The session is registered; the link may start delivering events,
	// including output it buffered before the handshake completed.
	link.Begin()

	m.log.Info("session created", "session", id, "pid", info.PID, "shell", info.ShellKind)
	m.hub.Publish(Event{Kind: SessionsChanged})
	return info, nil
}

// reserveID draws a fresh id and claims its slot in the insertion
// order, retrying on the (unlikely) collision.
func (m *SessionManager) reserveID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		id, err := newSessionID()
		if err != nil {
			return "", err
		}
		if _, taken := m.sessions[id]; taken {
			continue
		}
		if m.orderIndexLocked(id) >= 0 {
			continue
		}
		m.order = append(m.order, id)
		return id, nil
	}
}

func (m *SessionManager) releaseID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.orderIndexLocked(id); i >= 0 {
		m.order = append(m.order[:i], m.order[i+1:]...)
	}
}

func (m *SessionManager) orderIndexLocked(id string) int {
	for i, v := range m.order {
		if v == id {
			return i
		}
	}
	return -1
}

// List returns a snapshot of all sessions in insertion order.
func (m *SessionManager) List() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for _, id := range m.order {
		if sess, ok := m.sessions[id]; ok {
			out = append(out, sess.info())
		}
	}
	return out
}

// Get returns a snapshot of one session.
func (m *SessionManager) Get(id string) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return SessionInfo{}, &ErrSessionNotFound{ID: id}
	}
	return sess.info(), nil
}

// Resize validates and forwards new dimensions to the session's host.
// The session record is updated optimistically once the resize is
// handed to the link (the link coalesces and re-issues on divergence).
// Resizing to the current dimensions is a no-op.
func (m *SessionManager) Resize(id string, cols, rows int) error {
	if err := validateDimensions(cols, rows); err != nil {
		return err
	}

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &ErrSessionNotFound{ID: id}
	}
	if !sess.Running {
		m.mu.Unlock()
		return &ErrSessionNotRunning{ID: id}
	}
	if sess.Cols == cols && sess.Rows == rows {
		m.mu.Unlock()
		return nil
	}
	sess.Cols = cols
	sess.Rows = rows
	link := sess.Link
	m.mu.Unlock()

	link.Resize(cols, rows)
	m.hub.Publish(Event{Kind: SessionsChanged})
	return nil
}

// Rename sets the user-assigned name. Renaming to the current name
// skips the broadcast.
func (m *SessionManager) Rename(id, name string) error {
	name = strings.TrimSpace(name)
	if len(name) > MaxNameLength {
		return &ErrInvalidArgument{Field: "name", Message: fmt.Sprintf("longer than %d characters", MaxNameLength)}
	}

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &ErrSessionNotFound{ID: id}
	}
	if sess.UserName == name && sess.ManuallyNamed {
		m.mu.Unlock()
		return nil
	}
	sess.UserName = name
	sess.ManuallyNamed = true
	m.mu.Unlock()

	m.hub.Publish(Event{Kind: SessionsChanged})
	return nil
}

// Delete shuts the session's host down and removes the entry. After
// Delete returns, no further output for the id reaches any sink.
func (m *SessionManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &ErrSessionNotFound{ID: id}
	}
	link := sess.Link
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	link.Shutdown(shutdownCtx, ShutdownClientRequested)

	m.remove(id)
	return nil
}

// Shutdown stops every session, used at server teardown.
func (m *SessionManager) Shutdown(ctx context.Context) {
	for _, info := range m.List() {
		m.mu.Lock()
		sess, ok := m.sessions[info.ID]
		var link HostLink
		if ok {
			link = sess.Link
		}
		m.mu.Unlock()
		if link != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
			link.Shutdown(shutdownCtx, ShutdownServerStopping)
			cancel()
		}
		m.remove(info.ID)
	}
}

func (m *SessionManager) remove(id string) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	if i := m.orderIndexLocked(id); i >= 0 {
		m.order = append(m.order[:i], m.order[i+1:]...)
	}
	m.mu.Unlock()

	if existed {
		sessionsActive.Dec()
		m.log.Info("session removed", "session", id)
		m.hub.Publish(Event{Kind: SessionsChanged})
	}
}

// Reorder applies a client-requested ordering to the list view. Ids
// missing from the request keep their relative order at the tail;
// unknown ids are ignored.
func (m *SessionManager) Reorder(ids []string) {
	m.mu.Lock()
	seen := make(map[string]bool, len(ids))
	next := make([]string, 0, len(m.order))
	for _, id := range ids {
		if _, ok := m.sessions[id]; ok && !seen[id] {
			next = append(next, id)
			seen[id] = true
		}
	}
	for _, id := range m.order {
		if !seen[id] {
			next = append(next, id)
			seen[id] = true
		}
	}
	m.order = next
	m.mu.Unlock()

	m.hub.Publish(Event{Kind: SessionsChanged})
}

// ---------------------------------------------------------------------------
// Data-path operations
// ---------------------------------------------------------------------------

// WriteInput forwards keystrokes to a session's PTY. Input for an
// unknown or exited session is discarded silently, per the protocol.
func (m *SessionManager) WriteInput(id string, data []byte) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || !sess.Running {
		m.mu.Unlock()
		return
	}
	link := sess.Link
	m.mu.Unlock()

	link.WriteInput(data)
}

// SnapshotBuffer returns the session's current scrollback along with
// its head sequence number and dimensions, used to seed clients.
func (m *SessionManager) SnapshotBuffer(id string) (data []byte, headSeq uint64, cols, rows int, err error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, 0, 0, 0, &ErrSessionNotFound{ID: id}
	}
	ring := sess.Scrollback
	cols, rows = sess.Cols, sess.Rows
	m.mu.Unlock()

	data, headSeq = ring.Snapshot()
	return data, headSeq, cols, rows, nil
}

// RegisterSink subscribes a sink to output fan-out for all sessions.
func (m *SessionManager) RegisterSink(sink OutputSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[sink] = struct{}{}
}

// UnregisterSink removes a sink. Safe to call for a sink that was
// never registered.
func (m *SessionManager) UnregisterSink(sink OutputSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, sink)
}

// ---------------------------------------------------------------------------
// LinkEvents (callbacks from host link reader goroutines)
// ---------------------------------------------------------------------------

var _ LinkEvents = (*SessionManager)(nil)

// LinkOutput appends host output to the session's scrollback and fans
// it out to every registered sink in append order. An advisory OSC
// 0/2 title found in the payload updates the session's terminal
// title; the scan is linear in the payload and never blocks fan-out.
func (m *SessionManager) LinkOutput(sessionID string, data []byte) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ring := sess.Scrollback
	cols, rows := sess.Cols, sess.Rows
	titleChanged := false
	if title, found := scanTerminalTitle(data); found && sess.TerminalTitle != title {
		sess.TerminalTitle = title
		titleChanged = true
	}
	sinks := make([]OutputSink, 0, len(m.sinks))
	for s := range m.sinks {
		sinks = append(sinks, s)
	}
	m.mu.Unlock()

	seq := ring.Append(data)
	ev := OutputEvent{
		SessionID:    sessionID,
		Seq:          seq,
		Data:         data,
		Cols:         cols,
		Rows:         rows,
		BytesDropped: ring.BytesDropped(),
	}
	for _, s := range sinks {
		s.SessionOutput(ev)
	}

	if titleChanged {
		m.hub.Publish(Event{Kind: SessionsChanged})
	}
}

// LinkForeground records the new foreground process and broadcasts a
// session-scoped change token.
func (m *SessionManager) LinkForeground(sessionID string, fg Foreground) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.Foreground == fg {
		m.mu.Unlock()
		return
	}
	sess.Foreground = fg
	m.mu.Unlock()

	m.hub.Publish(Event{Kind: ForegroundChanged, SessionID: sessionID})
}

// LinkExited marks the session as exited and broadcasts the change so
// clients see the final state. The entry is removed immediately or
// after the configured grace period.
func (m *SessionManager) LinkExited(sessionID string, exitCode int) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || !sess.Running {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	sess.Running = false
	sess.ExitCode = &exitCode
	sess.ClosedAt = &now
	m.mu.Unlock()

	m.log.Info("session exited", "session", sessionID, "exit_code", exitCode)
	m.hub.Publish(Event{Kind: SessionsChanged})

	if m.opts.ExitGrace <= 0 {
		m.remove(sessionID)
		return
	}
	time.AfterFunc(m.opts.ExitGrace, func() { m.remove(sessionID) })
}

// SweepClosed removes sessions that exited longer than maxAge ago.
// It backstops the per-exit removal path when a grace period is
// configured. Returns the number of sessions removed.
func (m *SessionManager) SweepClosed(maxAge time.Duration) int {
	now := time.Now()

	m.mu.Lock()
	var stale []string
	for id, sess := range m.sessions {
		if !sess.Running && sess.ClosedAt != nil && now.Sub(*sess.ClosedAt) > maxAge {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.remove(id)
	}
	return len(stale)
}

func validateDimensions(cols, rows int) error {
	if cols < 1 || cols > MaxDimension {
		return &ErrInvalidArgument{Field: "cols", Message: fmt.Sprintf("must be within 1..%d", MaxDimension)}
	}
	if rows < 1 || rows > MaxDimension {
		return &ErrInvalidArgument{Field: "rows", Message: fmt.Sprintf("must be within 1..%d", MaxDimension)}
	}
	return nil
}
