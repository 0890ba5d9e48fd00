//go:build !windows

// Package host implements the per-session PTY host process. One host
// owns one PTY: it spawns the shell, listens on a session-scoped unix
// socket, and bridges PTY bytes to the server over the framed IPC
// protocol. Isolating each PTY in its own process keeps a crashing
// shell (or a misbehaving PTY primitive) from taking the server down.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"

	"github.com/midterm-sh/midterm/internal/ipc"
)

const (
	// earlyBufferLimit caps output accumulated before the server
	// attaches (and the replay buffer served via GetBuffer).
	earlyBufferLimit = 256 * 1024

	// foregroundInterval is the sampling cadence for foreground
	// process changes.
	foregroundInterval = 500 * time.Millisecond

	// shellExitGrace is how long a Shutdown waits for the shell after
	// closing the PTY before killing the process group.
	shellExitGrace = 2 * time.Second

	// readBufferSize is the PTY read chunk size.
	readBufferSize = 32 * 1024
)

// Config holds the startup contract of a host process.
type Config struct {
	SessionID        string
	Shell            string // executable path or shell kind name
	Cols             int
	Rows             int
	WorkingDirectory string
	RunAsUser        string
}

// Host is the running state of one PTY host process.
type Host struct {
	cfg   Config
	log   *slog.Logger
	ptmx  *os.File
	shell *exec.Cmd

	// shellDone closes once the reaper has collected the shell; after
	// that shellCode is stable. Only reapShell calls shell.Wait, so no
	// reader ever inspects the Cmd while Wait is running.
	shellDone chan struct{}
	shellCode int

	connMu sync.Mutex // serializes all writes to the IPC stream
	conn   net.Conn

	bufMu    sync.Mutex
	replay   []byte
	attached bool

	shutdownOnce sync.Once
	exitSent     sync.Once
}

// Run executes the host until its shell exits or the server orders a
// shutdown. It is the entry point of the `midterm host` subcommand.
func Run(ctx context.Context, cfg Config) error {
	if cfg.SessionID == "" {
		return errors.New("host: session id is required")
	}
	if cfg.Cols < 1 || cfg.Rows < 1 {
		return fmt.Errorf("host: invalid dimensions %dx%d", cfg.Cols, cfg.Rows)
	}

	h := &Host{
		cfg: cfg,
		log: slog.Default().With("component", "pty-host", "session", cfg.SessionID),
	}

	addr := ipc.SocketPath(cfg.SessionID, os.Getpid())
	_ = os.Remove(addr)
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return fmt.Errorf("host: listen %s: %w", addr, err)
	}
	defer ln.Close()
	defer os.Remove(addr)
	if err := os.Chmod(addr, 0o600); err != nil {
		return fmt.Errorf("host: chmod socket: %w", err)
	}

	if err := h.startShell(); err != nil {
		return err
	}

	// PTY output is buffered (and replayed on attach) so nothing the
	// shell prints during startup is lost.
	ptyClosed := make(chan struct{})
	go h.readPTY(ptyClosed)

	conn, err := acceptOne(ctx, ln)
	if err != nil {
		h.killShellGroup()
		return fmt.Errorf("host: accept: %w", err)
	}
	h.conn = conn
	defer conn.Close()
	h.log.Info("server attached")

	if err := h.attach(); err != nil {
		h.killShellGroup()
		return fmt.Errorf("host: flush early output: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return h.watchShellExit(ptyClosed) })
	g.Go(func() error { return h.commandLoop() })
	g.Go(func() error { return h.trackForeground(ctx, ptyClosed) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.Warn("host loop ended", "error", err)
	}
	return nil
}

// startShell resolves the shell executable and opens the PTY at the
// configured size. creack/pty makes the shell a session leader with
// the PTY slave as its controlling terminal.
func (h *Host) startShell() error {
	shellPath, err := resolveShell(h.cfg.Shell)
	if err != nil {
		return err
	}

	cmd := exec.Command(shellPath)
	if h.cfg.WorkingDirectory != "" {
		cmd.Dir = h.cfg.WorkingDirectory
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if h.cfg.RunAsUser != "" {
		if err := runAs(cmd, h.cfg.RunAsUser); err != nil {
			return err
		}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(h.cfg.Cols),
		Rows: uint16(h.cfg.Rows),
	})
	if err != nil {
		return fmt.Errorf("host: start shell %s: %w", shellPath, err)
	}

	h.ptmx = ptmx
	h.shell = cmd
	h.shellDone = make(chan struct{})
	go h.reapShell()
	h.log.Info("shell started", "shell", shellPath, "pid", cmd.Process.Pid,
		"cols", h.cfg.Cols, "rows", h.cfg.Rows)
	return nil
}

// reapShell performs the single Wait on the shell process and records
// its exit code.
func (h *Host) reapShell() {
	err := h.shell.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	h.shellCode = code
	close(h.shellDone)
}

// runAs switches the shell process to another user. The host must be
// running with sufficient privileges for the credential to apply.
func runAs(cmd *exec.Cmd, username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("host: lookup user %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("host: uid of %q: %w", username, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return fmt.Errorf("host: gid of %q: %w", username, err)
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	cmd.Env = append(cmd.Env, "HOME="+u.HomeDir, "USER="+u.Username, "LOGNAME="+u.Username)
	if cmd.Dir == "" {
		cmd.Dir = u.HomeDir
	}
	return nil
}

// resolveShell maps a shell kind name to an executable and verifies
// explicit paths against PATH.
func resolveShell(shell string) (string, error) {
	if shell == "" {
		if env := os.Getenv("SHELL"); env != "" {
			shell = env
		} else {
			shell = "sh"
		}
	}
	path, err := exec.LookPath(shell)
	if err != nil {
		return "", fmt.Errorf("host: shell %q not found: %w", shell, err)
	}
	return path, nil
}

func acceptOne(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		ln.Close()
		return nil, ctx.Err()
	}
}

// readPTY pumps the PTY master. Every chunk lands in the replay
// buffer; once attached, chunks also stream to the server in read
// order. It closes ptyClosed at EOF (shell gone or PTY closed).
func (h *Host) readPTY(ptyClosed chan<- struct{}) {
	defer close(ptyClosed)

	buf := make([]byte, readBufferSize)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.emit(chunk)
		}
		if err != nil {
			return
		}
	}
}

// emit records a chunk and forwards it when the server is attached.
// The attached check and the replay append happen under one lock so
// attach's flush can never race a chunk into being both replayed and
// re-sent, or lost between the two.
func (h *Host) emit(chunk []byte) {
	h.bufMu.Lock()
	h.replay = append(h.replay, chunk...)
	if over := len(h.replay) - earlyBufferLimit; over > 0 {
		h.replay = h.replay[over:]
	}
	attached := h.attached
	h.bufMu.Unlock()

	if attached {
		if err := h.send(ipc.MsgOutput, chunk); err != nil {
			h.log.Warn("output send failed", "error", err)
		}
	}
}

// attach flushes output accumulated before the server connected and
// switches emit into streaming mode.
func (h *Host) attach() error {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()

	if len(h.replay) > 0 {
		early := make([]byte, len(h.replay))
		copy(early, h.replay)
		if err := h.send(ipc.MsgOutput, early); err != nil {
			return err
		}
	}
	h.attached = true
	return nil
}

func (h *Host) replaySnapshot() []byte {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	out := make([]byte, len(h.replay))
	copy(out, h.replay)
	return out
}

// watchShellExit reports the shell's exit once the PTY master drains.
func (h *Host) watchShellExit(ptyClosed <-chan struct{}) error {
	<-ptyClosed

	code := h.waitShell(shellExitGrace)
	h.sendExited(code)
	h.log.Info("shell exited", "exit_code", code)
	h.conn.Close() // the server treats stream close as host death
	return context.Canceled
}

// commandLoop handles server commands until the stream closes.
func (h *Host) commandLoop() error {
	for {
		msg, err := ipc.ReadMessage(h.conn)
		if err != nil {
			// Stream gone: the server died or finished teardown. Take
			// the shell down with us.
			h.shutdown()
			return context.Canceled
		}

		switch msg.Type {
		case ipc.MsgGetInfo:
			if err := h.sendInfo(); err != nil {
				return err
			}

		case ipc.MsgInput:
			if _, err := h.ptmx.Write(msg.Payload); err != nil {
				h.log.Warn("pty write failed", "error", err)
			}

		case ipc.MsgResize:
			cols, rows, err := ipc.DecodeResize(msg.Payload)
			if err != nil {
				h.log.Warn("bad resize payload", "error", err)
				continue
			}
			if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
				h.log.Warn("pty resize failed", "error", err)
				continue
			}
			h.cfg.Cols, h.cfg.Rows = int(cols), int(rows)

		case ipc.MsgGetBuffer:
			if err := h.send(ipc.MsgBuffer, h.replaySnapshot()); err != nil {
				return err
			}

		case ipc.MsgShutdown:
			h.shutdown()
			h.conn.Close()
			return context.Canceled

		default:
			// Unknown command is a protocol error; terminate.
			h.log.Error("protocol violation", "type", fmt.Sprintf("0x%02x", byte(msg.Type)))
			h.shutdown()
			h.conn.Close()
			return fmt.Errorf("host: unexpected message 0x%02x", byte(msg.Type))
		}
	}
}

func (h *Host) sendInfo() error {
	running := true
	select {
	case <-h.shellDone:
		running = false
	default:
	}
	payload, err := ipc.EncodeInfo(ipc.Info{
		ID:        h.cfg.SessionID,
		PID:       h.shell.Process.Pid,
		ShellKind: h.cfg.Shell,
		IsRunning: running,
		Cols:      h.cfg.Cols,
		Rows:      h.cfg.Rows,
	})
	if err != nil {
		return err
	}
	return h.send(ipc.MsgInfo, payload)
}

// shutdown closes the PTY master (delivering SIGHUP to the shell's
// session), waits briefly, then kills the process group and reports
// the exit.
func (h *Host) shutdown() {
	h.shutdownOnce.Do(func() {
		h.log.Info("shutdown requested")
		h.ptmx.Close()
		code := h.waitShell(shellExitGrace)
		h.sendExited(code)
	})
}

// waitShell waits for the reaper within grace, killing the process
// group if the shell does not exit in time. Safe to call from more
// than one path; the exit code is stable after the first reap.
func (h *Host) waitShell(grace time.Duration) int {
	select {
	case <-h.shellDone:
		return h.shellCode
	case <-time.After(grace):
		h.killShellGroup()
		select {
		case <-h.shellDone:
			return h.shellCode
		case <-time.After(time.Second):
			return -1
		}
	}
}

func (h *Host) killShellGroup() {
	if h.shell == nil || h.shell.Process == nil {
		return
	}
	// The shell is a session leader, so its pid doubles as the group id.
	_ = syscall.Kill(-h.shell.Process.Pid, syscall.SIGKILL)
}

func (h *Host) sendExited(code int) {
	h.exitSent.Do(func() {
		_ = h.send(ipc.MsgExited, ipc.EncodeExited(int32(code)))
	})
}

func (h *Host) send(typ ipc.MsgType, payload []byte) error {
	// Oversized payloads (a large replay flush) are split so no frame
	// breaks the wire limit.
	h.connMu.Lock()
	defer h.connMu.Unlock()
	for len(payload) > ipc.MaxPayload {
		if err := ipc.WriteMessage(h.conn, typ, payload[:ipc.MaxPayload]); err != nil {
			return err
		}
		payload = payload[ipc.MaxPayload:]
	}
	return ipc.WriteMessage(h.conn, typ, payload)
}
