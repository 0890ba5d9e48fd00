// Package state implements the JSON WebSocket channels: the state
// channel (session list, update advisories, command RPC) and the
// settings channel. Both push full records; clients diff.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/midterm-sh/midterm/internal/core"
	"github.com/midterm-sh/midterm/internal/update"
)

// writeTimeout bounds one outbound JSON message.
const writeTimeout = 5 * time.Second

// Conn is the subset of *websocket.Conn the channels drive.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SessionDirectory is the view of the session manager the state
// channel needs.
type SessionDirectory interface {
	List() []core.SessionInfo
	Reorder(ids []string)
}

// Updates is the view of the update checker. May be left nil.
type Updates interface {
	Current() (update.Status, bool)
	Subscribe() chan update.Status
	Unsubscribe(chan update.Status)
}

type sessionDTO struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	TerminalTitle         string    `json:"terminalTitle"`
	ShellType             string    `json:"shellType"`
	Cols                  int       `json:"cols"`
	Rows                  int       `json:"rows"`
	PID                   int       `json:"pid"`
	IsRunning             bool      `json:"isRunning"`
	ExitCode              *int      `json:"exitCode"`
	ForegroundName        string    `json:"foregroundName"`
	ForegroundCommandLine string    `json:"foregroundCommandLine"`
	ForegroundCwd         string    `json:"foregroundCwd"`
	ForegroundPID         int       `json:"foregroundPid"`
	CurrentDirectory      string    `json:"currentDirectory"`
	CreatedAt             time.Time `json:"createdAt"`
}

func toDTO(info core.SessionInfo) sessionDTO {
	cwd := info.Foreground.Cwd
	if cwd == "" {
		cwd = info.WorkingDirectory
	}
	return sessionDTO{
		ID:                    info.ID,
		Name:                  info.UserName,
		TerminalTitle:         info.TerminalTitle,
		ShellType:             string(info.ShellKind),
		Cols:                  info.Cols,
		Rows:                  info.Rows,
		PID:                   info.PID,
		IsRunning:             info.Running,
		ExitCode:              info.ExitCode,
		ForegroundName:        info.Foreground.Name,
		ForegroundCommandLine: info.Foreground.CommandLine,
		ForegroundCwd:         info.Foreground.Cwd,
		ForegroundPID:         info.Foreground.PID,
		CurrentDirectory:      cwd,
		CreatedAt:             info.CreatedAt,
	}
}

type sessionsMessage struct {
	Type     string       `json:"type"`
	Sessions []sessionDTO `json:"sessions"`
}

type updateMessage struct {
	Type string `json:"type"`
	update.Status
}

type commandMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type responseMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Channel serves one state-channel client.
type Channel struct {
	conn     Conn
	sessions SessionDirectory
	hub      *core.Hub
	updates  Updates
	log      *slog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel wraps an accepted connection; updates may be nil.
func NewChannel(conn Conn, sessions SessionDirectory, hub *core.Hub, updates Updates) *Channel {
	return &Channel{
		conn:     conn,
		sessions: sessions,
		hub:      hub,
		updates:  updates,
		log:      slog.Default().With("component", "state-channel"),
		done:     make(chan struct{}),
	}
}

// Run serves the connection until the client disconnects.
func (ch *Channel) Run() error {
	mail := ch.hub.Subscribe(core.SessionsChanged)
	defer ch.hub.Unsubscribe(core.SessionsChanged, mail)

	var updCh chan update.Status
	if ch.updates != nil {
		updCh = ch.updates.Subscribe()
		defer ch.updates.Unsubscribe(updCh)
	}

	ch.sendSessions()
	if ch.updates != nil {
		if status, ok := ch.updates.Current(); ok {
			ch.sendUpdate(status)
		}
	}

	go ch.eventLoop(mail, updCh)

	err := ch.readLoop()
	ch.teardown()
	return err
}

func (ch *Channel) teardown() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.conn.Close()
	})
}

func (ch *Channel) eventLoop(mail *core.Mailbox, updCh chan update.Status) {
	for {
		select {
		case <-ch.done:
			return
		case _, ok := <-mail.C():
			if !ok {
				return
			}
			ch.sendSessions()
		case status := <-updCh:
			ch.sendUpdate(status)
		}
	}
}

func (ch *Channel) readLoop() error {
	for {
		mt, msg, err := ch.conn.ReadMessage()
		if err != nil {
			return nil // client gone
		}
		if mt != websocket.TextMessage {
			ch.log.Warn("ignoring non-text message on the state channel")
			continue
		}

		var cmd commandMessage
		if err := json.Unmarshal(msg, &cmd); err != nil {
			ch.log.Warn("undecodable state message", "error", err)
			continue
		}
		if cmd.Type != "command" {
			continue
		}
		ch.handleCommand(cmd)
	}
}

func (ch *Channel) handleCommand(cmd commandMessage) {
	switch cmd.Action {
	case "session.reorder":
		var payload struct {
			SessionIDs []string `json:"sessionIds"`
		}
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			ch.respond(cmd.ID, false, nil, fmt.Sprintf("bad payload: %v", err))
			return
		}
		ch.sessions.Reorder(payload.SessionIDs)
		ch.respond(cmd.ID, true, nil, "")

	default:
		ch.respond(cmd.ID, false, nil, "unknown action")
	}
}

func (ch *Channel) respond(id string, success bool, data any, errMsg string) {
	ch.send(responseMessage{Type: "response", ID: id, Success: success, Data: data, Error: errMsg})
}

func (ch *Channel) sendSessions() {
	infos := ch.sessions.List()
	dtos := make([]sessionDTO, 0, len(infos))
	for _, info := range infos {
		dtos = append(dtos, toDTO(info))
	}
	ch.send(sessionsMessage{Type: "sessions", Sessions: dtos})
}

func (ch *Channel) sendUpdate(status update.Status) {
	ch.send(updateMessage{Type: "update", Status: status})
}

func (ch *Channel) send(msg any) {
	body, err := json.Marshal(msg)
	if err != nil {
		ch.log.Error("marshal state message", "error", err)
		return
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ch.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		ch.log.Debug("state write failed", "error", err)
		ch.teardown()
	}
}
