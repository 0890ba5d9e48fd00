package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// SocketPath returns the locally-scoped endpoint address a PTY host
// listens on. The address embeds both the session id and the host's
// pid so that a recycled session id can never collide with a stale
// socket left behind by a crashed host.
func SocketPath(sessionID string, pid int) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf(`\\.\pipe\midterm-host-%s-%d`, sessionID, pid)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("midterm-host-%s-%d.sock", sessionID, pid))
}
