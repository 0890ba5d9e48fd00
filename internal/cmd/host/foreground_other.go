//go:build !linux && !windows

package host

import "github.com/midterm-sh/midterm/internal/ipc"

// processDetails has no procfs to consult on this platform; only the
// pid is reported.
func processDetails(int) ipc.Foreground {
	return ipc.Foreground{}
}
