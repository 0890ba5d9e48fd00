//go:build !windows

package host

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/midterm-sh/midterm/internal/ipc"
)

// trackForeground samples the PTY's foreground process group every
// foregroundInterval and reports a ForegroundChange whenever the
// observed process differs from the last one sent.
func (h *Host) trackForeground(ctx context.Context, ptyClosed <-chan struct{}) error {
	ticker := time.NewTicker(foregroundInterval)
	defer ticker.Stop()

	var last ipc.Foreground
	var sentAny bool
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ptyClosed:
			return context.Canceled
		case <-ticker.C:
		}

		fg, ok := h.sampleForeground()
		if !ok {
			continue
		}
		if sentAny && fg == last {
			continue
		}
		last = fg
		sentAny = true

		payload, err := ipc.EncodeForeground(fg)
		if err != nil {
			continue
		}
		if err := h.send(ipc.MsgForegroundChange, payload); err != nil {
			h.log.Warn("foreground send failed", "error", err)
		}
	}
}

// sampleForeground asks the PTY master which process group currently
// owns the terminal. The group id is the pid of its leader.
func (h *Host) sampleForeground() (ipc.Foreground, bool) {
	pgid, err := unix.IoctlGetInt(int(h.ptmx.Fd()), unix.TIOCGPGRP)
	if err != nil || pgid <= 0 {
		return ipc.Foreground{}, false
	}
	fg := processDetails(pgid)
	fg.PID = pgid
	return fg, true
}
