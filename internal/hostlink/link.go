// Package hostlink implements the server side of a PTY host
// connection: it spawns one host process per session, dials the
// host's IPC socket, and bridges framed messages to the session
// manager's callbacks.
package hostlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/midterm-sh/midterm/internal/core"
	"github.com/midterm-sh/midterm/internal/ipc"
)

const (
	// startBudget is the total time allowed for spawn + dial +
	// handshake. Exceeding it kills the host process.
	startBudget = 5 * time.Second

	// dialRetryInterval paces connection attempts while the host is
	// still creating its socket.
	dialRetryInterval = 50 * time.Millisecond

	// writeTimeout bounds a single write to the IPC stream; a stalled
	// host fails the whole link.
	writeTimeout = 2 * time.Second

	// maxPendingInput caps bytes queued for the host. Input arriving
	// past the cap is dropped rather than blocking the caller.
	maxPendingInput = 64 * 1024

	// killGrace is how long Shutdown waits for the host process after
	// sending the Shutdown message before killing it.
	killGrace = 2 * time.Second
)

// Link owns one spawned host process and its duplex stream. It
// implements core.HostLink.
type Link struct {
	sessionID string
	pid       int
	conn      net.Conn
	proc      *os.Process
	events    core.LinkEvents
	log       *slog.Logger

	mu          sync.Mutex
	inputQ      [][]byte
	inputBytes  int
	pendingSize *[2]uint16 // coalesced resize, nil when none pending
	closing     bool

	// early holds host messages read during the handshake, before the
	// session is registered. The read loop replays them once Begin
	// releases dispatch.
	early []ipc.Message

	wake         chan struct{}
	done         chan struct{}
	ready        chan struct{}
	procDone     chan struct{}
	beginOnce    sync.Once
	closeOnce    sync.Once
	shutdownOnce sync.Once
	exitOnce     sync.Once
}

var _ core.HostLink = (*Link)(nil)

// Start spawns `midterm host` for the given config, connects to its
// IPC socket, and completes the GetInfo handshake, all within a 5 s
// budget. On any failure the host process is killed and an error is
// returned; the session must not enter the registry.
//
// Start satisfies core.LinkStarter.
func Start(ctx context.Context, cfg core.HostConfig, events core.LinkEvents) (core.HostLink, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}

	args := []string{
		"host",
		"--session-id", cfg.SessionID,
		"--shell", cfg.Shell,
		"--cols", strconv.Itoa(cfg.Cols),
		"--rows", strconv.Itoa(cfg.Rows),
	}
	if cfg.WorkingDirectory != "" {
		args = append(args, "--cwd", cfg.WorkingDirectory)
	}
	if cfg.RunAsUser != "" {
		args = append(args, "--run-as-user", cfg.RunAsUser)
	}

	cmd := exec.Command(exe, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn host: %w", err)
	}

	deadline := time.Now().Add(startBudget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	addr := ipc.SocketPath(cfg.SessionID, cmd.Process.Pid)
	conn, err := dialUntil(ctx, addr, deadline)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("connect host %s: %w", cfg.SessionID, err)
	}

	info, early, err := handshake(conn, deadline)
	if err != nil {
		conn.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("handshake host %s: %w", cfg.SessionID, err)
	}
	if info.ID != cfg.SessionID {
		conn.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("host answered for session %q, expected %q", info.ID, cfg.SessionID)
	}

	l := newLink(cfg.SessionID, pickPID(info.PID, cmd.Process.Pid), conn, cmd.Process, events)
	l.early = early
	go func() {
		_ = cmd.Wait()
		close(l.procDone)
	}()
	go l.readLoop()
	go l.writeLoop()

	return l, nil
}

// newLink assembles a Link around an already-connected stream. Split
// from Start so tests can drive a link over an in-memory pipe.
func newLink(sessionID string, pid int, conn net.Conn, proc *os.Process, events core.LinkEvents) *Link {
	return &Link{
		sessionID: sessionID,
		pid:       pid,
		conn:      conn,
		proc:      proc,
		events:    events,
		log:       slog.Default().With("component", "host-link", "session", sessionID),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		procDone:  make(chan struct{}),
	}
}

// pickPID prefers the shell pid reported by the host over the host
// process pid; both are informational.
func pickPID(reported, fallback int) int {
	if reported > 0 {
		return reported
	}
	return fallback
}

func dialUntil(ctx context.Context, addr string, deadline time.Time) (net.Conn, error) {
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := net.DialTimeout("unix", addr, dialRetryInterval)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(dialRetryInterval)
	}
	if lastErr == nil {
		lastErr = errors.New("timed out before first dial attempt")
	}
	return nil, lastErr
}

// handshake requests Info and returns it together with any messages
// the host emitted first. Hosts flush output buffered since the shell
// started before answering GetInfo; those bytes belong to the session
// and are replayed through the read loop once the link begins.
func handshake(conn net.Conn, deadline time.Time) (ipc.Info, []ipc.Message, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return ipc.Info{}, nil, err
	}
	defer conn.SetDeadline(time.Time{})

	if err := ipc.WriteMessage(conn, ipc.MsgGetInfo, nil); err != nil {
		return ipc.Info{}, nil, err
	}
	var early []ipc.Message
	for {
		msg, err := ipc.ReadMessage(conn)
		if err != nil {
			return ipc.Info{}, nil, err
		}
		if msg.Type != ipc.MsgInfo {
			early = append(early, msg)
			continue
		}
		info, err := ipc.DecodeInfo(msg.Payload)
		return info, early, err
	}
}

// ---------------------------------------------------------------------------
// core.HostLink
// ---------------------------------------------------------------------------

// PID returns the shell (or host) process id.
func (l *Link) PID() int { return l.pid }

// Begin releases event dispatch. The manager calls it once the
// session is registered, so output read during the handshake reaches
// the scrollback instead of racing the registration.
func (l *Link) Begin() {
	l.beginOnce.Do(func() { close(l.ready) })
}

// WriteInput enqueues keystrokes for the host's PTY. It never blocks:
// when more than maxPendingInput bytes are already queued the new
// input is dropped and logged.
func (l *Link) WriteInput(data []byte) {
	if len(data) == 0 {
		return
	}

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	if l.inputBytes+len(data) > maxPendingInput {
		l.mu.Unlock()
		l.log.Warn("input queue saturated, dropping input", "dropped_bytes", len(data))
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	l.inputQ = append(l.inputQ, buf)
	l.inputBytes += len(buf)
	l.mu.Unlock()

	l.signal()
}

// Resize records the desired dimensions, overwriting any resize still
// pending in the writer so only the latest one reaches the host.
func (l *Link) Resize(cols, rows int) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.pendingSize = &[2]uint16{uint16(cols), uint16(rows)}
	l.mu.Unlock()

	l.signal()
}

// Shutdown asks the host to exit, waits for the process within the
// grace period, then kills it. The stream teardown makes the read
// loop report the exit if the host did not.
func (l *Link) Shutdown(ctx context.Context, reason core.ShutdownReason) {
	l.shutdownOnce.Do(func() {
		l.mu.Lock()
		l.closing = true
		l.mu.Unlock()

		l.log.Info("shutting down host", "reason", string(reason))
		_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ipc.WriteMessage(l.conn, ipc.MsgShutdown, nil); err != nil {
			l.log.Warn("failed to send shutdown, killing host", "error", err)
		}
		_ = l.conn.SetWriteDeadline(time.Time{})
	})

	grace := time.NewTimer(killGrace)
	defer grace.Stop()
	select {
	case <-l.procDone:
	case <-grace.C:
		l.log.Warn("host did not exit in time, killing")
		l.kill()
	case <-ctx.Done():
		l.kill()
	}

	l.teardown()
}

func (l *Link) kill() {
	if l.proc != nil {
		_ = l.proc.Kill()
		select {
		case <-l.procDone:
		case <-time.After(time.Second):
		}
	}
}

// ---------------------------------------------------------------------------
// Stream pumps
// ---------------------------------------------------------------------------

func (l *Link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// readLoop decodes host messages and dispatches them to the manager.
// Dispatch stays parked until Begin; the handshake backlog goes first
// so output ordering survives the replay.
func (l *Link) readLoop() {
	select {
	case <-l.ready:
	case <-l.done:
		return
	}

	for _, msg := range l.early {
		if !l.dispatch(msg) {
			return
		}
	}
	l.early = nil

	for {
		msg, err := ipc.ReadMessage(l.conn)
		if err != nil {
			l.reportExit(-1)
			l.teardown()
			return
		}
		if !l.dispatch(msg) {
			return
		}
	}
}

// dispatch routes one host message. A false return means the message
// was fatal for this session: the link has reported exit code -1
// (unless a real Exited was seen) and torn itself down.
func (l *Link) dispatch(msg ipc.Message) bool {
	switch msg.Type {
	case ipc.MsgOutput:
		l.events.LinkOutput(l.sessionID, msg.Payload)

	case ipc.MsgForegroundChange:
		fg, err := ipc.DecodeForeground(msg.Payload)
		if err != nil {
			l.log.Warn("bad foreground payload", "error", err)
			l.reportExit(-1)
			l.teardown()
			return false
		}
		l.events.LinkForeground(l.sessionID, core.Foreground{
			PID:         fg.PID,
			Name:        fg.Name,
			CommandLine: fg.CommandLine,
			Cwd:         fg.Cwd,
		})

	case ipc.MsgExited:
		code, err := ipc.DecodeExited(msg.Payload)
		if err != nil {
			l.reportExit(-1)
		} else {
			l.reportExit(int(code))
		}
		// Keep draining until the host closes the stream.

	case ipc.MsgInfo, ipc.MsgBuffer:
		// Replies to requests this link does not send in steady
		// state; ignore.

	default:
		l.log.Warn("unexpected message from host", "type", fmt.Sprintf("0x%02x", byte(msg.Type)))
		l.reportExit(-1)
		l.teardown()
		return false
	}
	return true
}

// writeLoop serializes all outbound writes: the coalesced resize slot
// is flushed before queued input so a resize observed before an input
// is applied to the PTY before that input.
func (l *Link) writeLoop() {
	for {
		select {
		case <-l.wake:
		case <-l.done:
			return
		}

		for {
			l.mu.Lock()
			size := l.pendingSize
			l.pendingSize = nil
			var chunk []byte
			if size == nil && len(l.inputQ) > 0 {
				chunk = l.inputQ[0]
				l.inputQ = l.inputQ[1:]
				l.inputBytes -= len(chunk)
			}
			l.mu.Unlock()

			if size == nil && chunk == nil {
				break
			}

			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if size != nil {
				err = ipc.WriteMessage(l.conn, ipc.MsgResize, ipc.EncodeResize(size[0], size[1]))
			} else {
				err = ipc.WriteMessage(l.conn, ipc.MsgInput, chunk)
			}
			_ = l.conn.SetWriteDeadline(time.Time{})

			if err != nil {
				l.log.Warn("write to host failed", "error", err)
				l.reportExit(-1)
				l.teardown()
				return
			}
		}
	}
}

// reportExit delivers the exit event exactly once.
func (l *Link) reportExit(code int) {
	l.exitOnce.Do(func() {
		l.events.LinkExited(l.sessionID, code)
	})
}

// teardown closes the stream and stops the writer. Idempotent.
func (l *Link) teardown() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closing = true
		l.mu.Unlock()
		close(l.done)
		l.conn.Close()
	})
}
