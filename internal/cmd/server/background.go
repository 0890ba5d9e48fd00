package server

import (
	"context"
	"errors"
	"time"

	"github.com/midterm-sh/midterm/internal/core"
	"github.com/midterm-sh/midterm/internal/settings"
	"github.com/midterm-sh/midterm/internal/transport"
	"github.com/midterm-sh/midterm/internal/update"
)

// backgroundListeners builds the non-HTTP members of the managed
// lifecycle: the closed-session sweeper, the settings file watcher,
// and the update checker.
func backgroundListeners(manager *core.SessionManager, store *settings.Store, checker *update.Checker, cfg Config) []transport.Listener {
	listeners := []transport.Listener{
		&sweeperListener{manager: manager, interval: cfg.SweepInterval, maxAge: cfg.ExitGrace},
		&settingsWatchListener{store: store},
	}
	if checker != nil {
		listeners = append(listeners, &updateListener{checker: checker})
	}
	return listeners
}

// sweeperListener periodically removes sessions that exited longer
// than the grace period ago. It backstops the per-exit removal path.
type sweeperListener struct {
	manager  *core.SessionManager
	interval time.Duration
	maxAge   time.Duration
}

func (l *sweeperListener) Start(ctx context.Context) error {
	interval := l.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.manager.SweepClosed(l.maxAge)
		}
	}
}

func (l *sweeperListener) Stop(_ context.Context) error {
	return nil // sweeper stops when its context is cancelled
}

// settingsWatchListener adapts Store.Watch to the transport.Listener
// interface so external settings edits are followed for the lifetime
// of the server.
type settingsWatchListener struct {
	store *settings.Store
}

func (l *settingsWatchListener) Start(ctx context.Context) error {
	if err := l.store.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (l *settingsWatchListener) Stop(_ context.Context) error {
	return nil // watcher stops when its context is cancelled
}

// updateListener adapts Checker.Run to the transport.Listener
// interface.
type updateListener struct {
	checker *update.Checker
}

func (l *updateListener) Start(ctx context.Context) error {
	if err := l.checker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (l *updateListener) Stop(_ context.Context) error {
	return nil // checker stops when its context is cancelled
}
