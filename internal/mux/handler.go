package mux

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/midterm-sh/midterm/internal/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Origin policy is delegated to the fronting proxy, like TLS.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHandler upgrades requests into mux channels and serves each one
// until its client disconnects.
func NewHandler(sessions SessionDirectory, hub *core.Hub) http.Handler {
	log := slog.Default().With("component", "mux-handler")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "error", err)
			return
		}
		if err := NewChannel(conn, sessions, hub).Run(); err != nil {
			log.Debug("channel closed", "error", err)
		}
	})
}
