package host

import (
	"fmt"
	"os"
	"strings"

	"github.com/midterm-sh/midterm/internal/ipc"
)

// processDetails fills in name, command line, and working directory
// for a pid from procfs. Missing entries (the process raced away, or
// permissions) leave the field empty.
func processDetails(pid int) ipc.Foreground {
	var fg ipc.Foreground
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		fg.Name = strings.TrimSpace(string(b))
	}
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		fg.CommandLine = strings.TrimRight(strings.ReplaceAll(string(b), "\x00", " "), " ")
	}
	if cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid)); err == nil {
		fg.Cwd = cwd
	}
	return fg
}
