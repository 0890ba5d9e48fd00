package state

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/midterm-sh/midterm/internal/core"
)

type settingsMessage struct {
	Type     string        `json:"type"`
	Settings core.Settings `json:"settings"`
}

// SettingsChannel pushes the full settings record on connect and on
// every settings-changed broadcast. Writes go through the REST
// surface, so inbound messages are ignored.
type SettingsChannel struct {
	conn   Conn
	source core.SettingsSource
	hub    *core.Hub
	log    *slog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewSettingsChannel wraps an accepted connection.
func NewSettingsChannel(conn Conn, source core.SettingsSource, hub *core.Hub) *SettingsChannel {
	return &SettingsChannel{
		conn:   conn,
		source: source,
		hub:    hub,
		log:    slog.Default().With("component", "settings-channel"),
		done:   make(chan struct{}),
	}
}

// Run serves the connection until the client disconnects.
func (ch *SettingsChannel) Run() error {
	mail := ch.hub.Subscribe(core.SettingsChanged)
	defer ch.hub.Unsubscribe(core.SettingsChanged, mail)

	ch.sendSettings()
	go ch.eventLoop(mail)

	// Drain inbound until the stream closes.
	for {
		if _, _, err := ch.conn.ReadMessage(); err != nil {
			ch.teardown()
			return nil
		}
	}
}

func (ch *SettingsChannel) teardown() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.conn.Close()
	})
}

func (ch *SettingsChannel) eventLoop(mail *core.Mailbox) {
	for {
		select {
		case <-ch.done:
			return
		case _, ok := <-mail.C():
			if !ok {
				return
			}
			ch.sendSettings()
		}
	}
}

func (ch *SettingsChannel) sendSettings() {
	body, err := json.Marshal(settingsMessage{Type: "settings", Settings: ch.source.Current()})
	if err != nil {
		ch.log.Error("marshal settings", "error", err)
		return
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ch.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		ch.log.Debug("settings write failed", "error", err)
		ch.teardown()
	}
}
