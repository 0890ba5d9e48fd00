// Package server wires the long-running multiplexer process: session
// manager, broadcast hub, settings store, update checker, and the HTTP
// surface, all run under one managed lifecycle via transport.Serve.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/midterm-sh/midterm/internal/core"
	"github.com/midterm-sh/midterm/internal/hostlink"
	"github.com/midterm-sh/midterm/internal/settings"
	"github.com/midterm-sh/midterm/internal/transport"
	"github.com/midterm-sh/midterm/internal/transport/http"
	"github.com/midterm-sh/midterm/internal/update"
)

// hostShutdownTimeout bounds the final sweep that stops every PTY host
// after the transport surface is down.
const hostShutdownTimeout = 10 * time.Second

// Config holds the runtime parameters for a Server.
type Config struct {
	Address         string
	AllowedOrigins  []string
	SettingsPath    string
	Debug           bool
	ScrollbackBytes int
	ExitGrace       time.Duration
	SweepInterval   time.Duration
	UpdateEnabled   bool
	UpdateURL       string
	UpdateInterval  time.Duration
}

// Server runs the multiplexer process.
type Server struct {
	version string
}

// NewServer returns a Server reporting the given build version to
// update checks and clients.
func NewServer(version string) *Server {
	return &Server{version: version}
}

// Run assembles all components and blocks until ctx is cancelled or an
// unrecoverable error occurs. Hosts are shut down only after the HTTP
// surface stops, so no channel observes a half-dead registry.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	if cfg.Debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	settingsPath, err := resolveSettingsPath(cfg.SettingsPath)
	if err != nil {
		return err
	}

	hub := core.NewHub()
	store := settings.NewStore(settingsPath, hub)
	manager := core.NewSessionManager(hostlink.Start, hub, core.ManagerOptions{
		ScrollbackBytes: cfg.ScrollbackBytes,
		ExitGrace:       cfg.ExitGrace,
	})

	var checker *update.Checker
	if cfg.UpdateEnabled {
		c, err := update.NewChecker(s.version, &update.HTTPSource{URL: cfg.UpdateURL}, cfg.UpdateInterval)
		if err != nil {
			// Development builds carry a non-semver version; run
			// without update checks instead of refusing to start.
			slog.Warn("update checks disabled", "version", s.version, "error", err)
		} else {
			checker = c
		}
	}

	handler := NewHandler(manager, store, hub, checker)

	httpSrv, err := http.NewServer(
		http.WithAddress(cfg.Address),
		http.WithAllowedOrigins(cfg.AllowedOrigins),
		http.WithMount(handler.Mount),
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	listeners := append([]transport.Listener{httpSrv}, backgroundListeners(manager, store, checker, cfg)...)
	serveErr := transport.Serve(ctx, listeners...)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), hostShutdownTimeout)
	defer cancel()
	manager.Shutdown(shutdownCtx)

	if errors.Is(serveErr, context.Canceled) {
		return nil
	}
	return serveErr
}

// resolveSettingsPath defaults to the user config directory when no
// explicit path is configured.
func resolveSettingsPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve settings path: %w", err)
	}
	return filepath.Join(dir, "midterm", "settings.json"), nil
}
