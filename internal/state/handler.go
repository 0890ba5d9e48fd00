package state

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/midterm-sh/midterm/internal/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	// Origin policy is delegated to the fronting proxy, like TLS.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHandler upgrades requests into state channels.
func NewHandler(sessions SessionDirectory, hub *core.Hub, updates Updates) http.Handler {
	log := slog.Default().With("component", "state-handler")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "error", err)
			return
		}
		if err := NewChannel(conn, sessions, hub, updates).Run(); err != nil {
			log.Debug("state channel closed", "error", err)
		}
	})
}

// NewSettingsHandler upgrades requests into settings channels.
func NewSettingsHandler(source core.SettingsSource, hub *core.Hub) http.Handler {
	log := slog.Default().With("component", "settings-handler")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "error", err)
			return
		}
		if err := NewSettingsChannel(conn, source, hub).Run(); err != nil {
			log.Debug("settings channel closed", "error", err)
		}
	})
}
