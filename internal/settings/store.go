// Package settings persists the user preference record as a JSON file
// and serves it to the rest of the process through a read-through
// cache. External edits to the file are picked up by a watcher and
// republished on the broadcast hub.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/midterm-sh/midterm/internal/core"
)

// Defaults is the record used when no settings file exists yet.
func Defaults() core.Settings {
	return core.Settings{
		Theme:                "dark",
		FontFamily:           "monospace",
		FontSize:             14,
		CursorStyle:          "block",
		BellStyle:            "none",
		ScrollbackLines:      5000,
		ClipboardPolicy:      "write-only",
		TabTitleMode:         "auto",
		SmoothScrolling:      true,
		WebGL:                true,
		MinimumContrastRatio: 1,
		DefaultCols:          120,
		DefaultRows:          30,
	}
}

// Store owns the settings file. It satisfies core.SettingsSource.
type Store struct {
	path string
	hub  *core.Hub
	log  *slog.Logger

	mu     sync.Mutex
	cached core.Settings
}

var _ core.SettingsSource = (*Store)(nil)

// NewStore loads the file at path, falling back to defaults when it
// does not exist. A malformed file is reported and defaults are used;
// the file is left untouched for the user to repair.
func NewStore(path string, hub *core.Hub) *Store {
	s := &Store{
		path:   path,
		hub:    hub,
		log:    slog.Default().With("component", "settings-store"),
		cached: Defaults(),
	}
	if err := s.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("settings file unreadable, using defaults", "path", path, "error", err)
	}
	return s
}

// Current returns the cached record.
func (s *Store) Current() core.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

// Update persists a full record atomically (write-temp-then-rename),
// refreshes the cache, and broadcasts the change.
func (s *Store) Update(next core.Settings) error {
	body, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("settings: temp file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: replace: %w", err)
	}

	s.mu.Lock()
	changed := s.cached != next
	s.cached = next
	s.mu.Unlock()

	if changed {
		s.hub.Publish(core.Event{Kind: core.SettingsChanged})
	}
	return nil
}

// reload reads the file over a defaults base so missing keys keep
// their default values.
func (s *Store) reload() error {
	body, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	next := Defaults()
	if err := json.Unmarshal(body, &next); err != nil {
		return fmt.Errorf("settings: parse %s: %w", s.path, err)
	}

	s.mu.Lock()
	changed := s.cached != next
	s.cached = next
	s.mu.Unlock()

	if changed {
		s.log.Info("settings reloaded", "path", s.path)
		s.hub.Publish(core.Event{Kind: core.SettingsChanged})
	}
	return nil
}

// Watch follows external edits until the context ends. The parent
// directory is watched, not the file, so editors that replace the
// file by rename keep working.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: start watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: create directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("settings: watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("settings reload failed", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("settings watcher error", "error", err)
		}
	}
}
