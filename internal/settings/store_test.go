package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/midterm-sh/midterm/internal/core"
)

func TestStoreDefaultsWithoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := NewStore(path, core.NewHub())

	got := s.Current()
	if got != Defaults() {
		t.Errorf("got %+v, want defaults", got)
	}
}

func TestStoreLoadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"theme":"light","fontSize":18}`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path, core.NewHub())

	got := s.Current()
	if got.Theme != "light" || got.FontSize != 18 {
		t.Errorf("got %+v", got)
	}
	// Keys absent from the file keep their defaults.
	if got.ScrollbackLines != Defaults().ScrollbackLines {
		t.Errorf("scrollback %d, want default %d", got.ScrollbackLines, Defaults().ScrollbackLines)
	}
}

func TestStoreKeepsDefaultsOnMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path, core.NewHub())
	if s.Current() != Defaults() {
		t.Error("malformed file should leave defaults in place")
	}
}

func TestStoreUpdatePersistsAndBroadcasts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	hub := core.NewHub()
	mail := hub.Subscribe(core.SettingsChanged)
	s := NewStore(path, hub)

	next := s.Current()
	next.Theme = "solarized"
	if err := s.Update(next); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case <-mail.C():
	case <-time.After(time.Second):
		t.Fatal("no settings-changed broadcast")
	}

	reloaded := NewStore(path, core.NewHub())
	if reloaded.Current().Theme != "solarized" {
		t.Errorf("persisted theme %q, want solarized", reloaded.Current().Theme)
	}
}

func TestStoreUpdateUnchangedSkipsBroadcast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	hub := core.NewHub()
	s := NewStore(path, hub)
	if err := s.Update(s.Current()); err != nil {
		t.Fatal(err)
	}

	mail := hub.Subscribe(core.SettingsChanged)
	if err := s.Update(s.Current()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-mail.C():
		t.Error("unchanged update must not broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchPicksUpExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	hub := core.NewHub()
	mail := hub.Subscribe(core.SettingsChanged)
	s := NewStore(path, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchErr := make(chan error, 1)
	go func() { watchErr <- s.Watch(ctx) }()

	// Give the watcher a moment to register before editing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"theme":"edited"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-mail.C():
	case <-time.After(3 * time.Second):
		t.Fatal("external edit never broadcast")
	}
	if s.Current().Theme != "edited" {
		t.Errorf("theme %q, want edited", s.Current().Theme)
	}

	cancel()
	select {
	case <-watchErr:
	case <-time.After(2 * time.Second):
		t.Error("watcher did not stop on cancel")
	}
}
