package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/midterm-sh/midterm/internal/core"
	"github.com/midterm-sh/midterm/internal/handler"
	wsmux "github.com/midterm-sh/midterm/internal/mux"
	"github.com/midterm-sh/midterm/internal/settings"
	"github.com/midterm-sh/midterm/internal/state"
	"github.com/midterm-sh/midterm/internal/update"
)

// Handler mounts every HTTP surface of the server onto one mux.
type Handler struct {
	sessions *core.SessionManager
	settings *settings.Store
	hub      *core.Hub
	updates  *update.Checker // nil when update checks are disabled
}

func NewHandler(sessions *core.SessionManager, store *settings.Store, hub *core.Hub, updates *update.Checker) *Handler {
	return &Handler{
		sessions: sessions,
		settings: store,
		hub:      hub,
		updates:  updates,
	}
}

// Mount registers the REST endpoints, the WebSocket channels, and the
// observability routes.
func (h *Handler) Mount(mux *http.ServeMux) error {
	handler.NewSessions(h.sessions, h.settings).Mount(mux)

	var updates state.Updates
	if h.updates != nil {
		updates = h.updates
	}
	mux.Handle("GET /ws/mux", wsmux.NewHandler(h.sessions, h.hub))
	mux.Handle("GET /ws/state", state.NewHandler(h.sessions, h.hub, updates))
	mux.Handle("GET /ws/settings", state.NewSettingsHandler(h.settings, h.hub))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return nil
}
