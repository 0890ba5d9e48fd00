package mux

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/midterm-sh/midterm/internal/core"
)

const (
	// outboundQueueCap bounds frames waiting for the writer. Hitting
	// the cap drops the backlog and forces a client resync.
	outboundQueueCap = 1000

	// pendingFlushBytes flushes a background session's pending buffer
	// once it holds this much output.
	pendingFlushBytes = 2 * 1024

	// pendingFlushAfter flushes a nonempty pending buffer this long
	// after its first byte arrived, even if still under the size cap.
	pendingFlushAfter = 2 * time.Second

	// flushScanInterval paces the housekeeping ticker that applies
	// pendingFlushAfter.
	flushScanInterval = 500 * time.Millisecond

	// compressThreshold is the payload size from which batched output
	// is sent gzip-compressed.
	compressThreshold = 1024

	// writeStallTimeout bounds one WebSocket write; a slower client is
	// disconnected.
	writeStallTimeout = 5 * time.Second
)

// Conn is the subset of *websocket.Conn the channel drives. Tests
// substitute an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SessionDirectory is the view of the session manager the channel
// needs. *core.SessionManager satisfies it.
type SessionDirectory interface {
	List() []core.SessionInfo
	SnapshotBuffer(id string) (data []byte, headSeq uint64, cols, rows int, err error)
	WriteInput(id string, data []byte)
	Resize(id string, cols, rows int) error
	RegisterSink(core.OutputSink)
	UnregisterSink(core.OutputSink)
}

// sessionState is the per-(client,session) delivery state.
type sessionState struct {
	pending    bytes.Buffer
	firstByte  time.Time
	cols, rows uint16
	cursor     uint64 // last scrollback seq delivered or buffered
	dropped    uint64 // last observed ring eviction counter
}

// Channel serves one mux client: it fans session output in (as an
// OutputSink) and writes frames out through a single writer goroutine
// draining a bounded queue.
type Channel struct {
	conn     Conn
	sessions SessionDirectory
	hub      *core.Hub
	log      *slog.Logger
	clientID string

	mu        sync.Mutex
	states    map[string]*sessionState
	active    string
	lastFg    map[string]core.Foreground
	resyncing bool

	outq      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ core.OutputSink = (*Channel)(nil)

// NewChannel wraps an accepted connection. Run must be called to
// serve it.
func NewChannel(conn Conn, sessions SessionDirectory, hub *core.Hub) *Channel {
	clientID := strings.ReplaceAll(uuid.NewString(), "-", "")
	return &Channel{
		conn:     conn,
		sessions: sessions,
		hub:      hub,
		log:      slog.Default().With("component", "mux-channel", "client", clientID[:8]),
		clientID: clientID,
		states:   make(map[string]*sessionState),
		lastFg:   make(map[string]core.Foreground),
		outq:     make(chan []byte, outboundQueueCap),
		done:     make(chan struct{}),
	}
}

// Run serves the connection until the client goes away or a write
// stalls past the deadline. It blocks on the read loop.
func (ch *Channel) Run() error {
	clientsConnected.Inc()
	defer clientsConnected.Dec()

	ch.sessions.RegisterSink(ch)
	defer ch.sessions.UnregisterSink(ch)

	fgMail := ch.hub.Subscribe(core.ForegroundChanged)
	defer ch.hub.Unsubscribe(core.ForegroundChanged, fgMail)
	sessMail := ch.hub.Subscribe(core.SessionsChanged)
	defer ch.hub.Unsubscribe(core.SessionsChanged, sessMail)

	ch.mu.Lock()
	ch.enqueueLocked(EncodeInit(ProtocolVersion, ch.clientID))
	ch.snapshotAllLocked()
	ch.mu.Unlock()

	go ch.writeLoop()
	go ch.housekeeping(fgMail, sessMail)

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

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// readLoop dispatches client frames. Text messages and undecodable
// frames are protocol violations: the channel closes with 1002.
func (ch *Channel) readLoop() error {
	for {
		mt, msg, err := ch.conn.ReadMessage()
		if err != nil {
			return nil // client gone, normal teardown
		}
		if mt != websocket.BinaryMessage {
			return ch.protocolViolation("text frame on a binary channel")
		}

		frame, err := DecodeFrame(msg)
		if err != nil {
			return ch.protocolViolation(err.Error())
		}

		switch frame.Type {
		case FrameInput:
			// Unknown or exited sessions discard silently.
			ch.sessions.WriteInput(frame.SessionID, frame.Payload)

		case FrameResize:
			cols, rows, err := DecodeResize(frame.Payload)
			if err != nil {
				return ch.protocolViolation(err.Error())
			}
			if err := ch.sessions.Resize(frame.SessionID, int(cols), int(rows)); err != nil {
				ch.log.Debug("resize rejected", "session", frame.SessionID, "error", err)
			}

		case FrameBufferRequest:
			ch.mu.Lock()
			ch.snapshotOneLocked(frame.SessionID)
			ch.mu.Unlock()

		case FrameActiveSessionHint:
			ch.setActive(frame.SessionID)

		default:
			ch.log.Warn("ignoring unexpected inbound frame", "type", fmt.Sprintf("0x%02x", byte(frame.Type)))
		}
	}
}

func (ch *Channel) protocolViolation(reason string) error {
	ch.log.Warn("protocol violation, closing", "reason", reason)
	msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, "binary mux frames only")
	_ = ch.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return &core.ErrProtocolViolation{Reason: reason}
}

// setActive reclassifies delivery: the new active session's pending
// buffer is flushed immediately so its switch is seamless, and the
// previous active starts accumulating. Empty id clears the hint.
func (ch *Channel) setActive(id string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.active == id {
		return
	}
	ch.active = id
	if st, ok := ch.states[id]; ok {
		ch.flushLocked(id, st)
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (ch *Channel) writeLoop() {
	for {
		select {
		case frame := <-ch.outq:
			_ = ch.conn.SetWriteDeadline(time.Now().Add(writeStallTimeout))
			if err := ch.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				ch.log.Warn("write failed, disconnecting client", "error", err)
				ch.teardown()
				return
			}
			framesSent.Inc()
		case <-ch.done:
			return
		}
	}
}

// enqueueLocked queues a frame for the writer. On overflow the whole
// backlog and all pending buffers are dropped, a single Resync is
// queued, and every session gets a fresh snapshot.
func (ch *Channel) enqueueLocked(frame []byte) {
	select {
	case ch.outq <- frame:
		return
	case <-ch.done:
		return
	default:
	}

	if ch.resyncing {
		// Overflow during resync recovery: the snapshot that did not
		// fit is lost; the client will ask again via BufferRequest.
		ch.log.Warn("outbound queue overflowed during resync, dropping frame")
		return
	}

	ch.log.Warn("outbound queue overflowed, resyncing client")
	resyncsTotal.Inc()

	for drained := false; !drained; {
		select {
		case <-ch.outq:
		default:
			drained = true
		}
	}
	for _, st := range ch.states {
		st.pending.Reset()
	}

	ch.resyncing = true
	ch.enqueueLocked(EncodeFrame(FrameResync, "", nil))
	ch.snapshotAllLocked()
	ch.resyncing = false
}

// snapshotAllLocked queues one full scrollback snapshot per session,
// the same sequence a freshly connected client receives.
func (ch *Channel) snapshotAllLocked() {
	for _, info := range ch.sessions.List() {
		ch.snapshotOneLocked(info.ID)
	}
}

// snapshotOneLocked queues a snapshot for one session and advances the
// client's cursor to the ring head. Snapshots ignore the batch cap and
// go out as a single frame, compressed past the threshold.
func (ch *Channel) snapshotOneLocked(id string) {
	data, head, cols, rows, err := ch.sessions.SnapshotBuffer(id)
	if err != nil {
		ch.log.Debug("snapshot for unknown session skipped", "session", id)
		return
	}

	st := ch.state(id)
	st.cursor = head
	st.cols, st.rows = uint16(cols), uint16(rows)
	st.pending.Reset()

	frame := ch.outputFrame(id, st.cols, st.rows, data)
	ch.enqueueLocked(frame)
}

// outputFrame picks Output or CompressedOutput based on payload size.
func (ch *Channel) outputFrame(id string, cols, rows uint16, data []byte) []byte {
	if len(data) >= compressThreshold {
		frame, err := EncodeCompressedOutput(id, cols, rows, data)
		if err == nil {
			return frame
		}
		ch.log.Warn("compression failed, sending raw", "error", err)
	}
	return EncodeOutput(id, cols, rows, data)
}

// SessionOutput implements core.OutputSink. Active-session output is
// forwarded immediately; background output accumulates until the size
// or age threshold.
func (ch *Channel) SessionOutput(ev core.OutputEvent) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	st := ch.state(ev.SessionID)
	st.cols, st.rows = uint16(ev.Cols), uint16(ev.Rows)

	if ev.BytesDropped > st.dropped {
		// The ring evicted frames. Only a cursor behind the gap means
		// this client actually lost bytes.
		if st.cursor+1 < ev.Seq {
			delta := ev.BytesDropped - st.dropped
			ch.enqueueLocked(EncodeDataLoss(ev.SessionID, uint32(delta)))
			dataLossTotal.Inc()
		}
		st.dropped = ev.BytesDropped
	}
	st.cursor = ev.Seq

	if ev.SessionID == ch.active {
		ch.enqueueLocked(EncodeOutput(ev.SessionID, st.cols, st.rows, ev.Data))
		return
	}

	if st.pending.Len() == 0 {
		st.firstByte = time.Now()
	}
	st.pending.Write(ev.Data)
	if st.pending.Len() >= pendingFlushBytes {
		ch.flushLocked(ev.SessionID, st)
	}
}

// flushLocked drains a pending buffer into one outbound frame.
func (ch *Channel) flushLocked(id string, st *sessionState) {
	if st.pending.Len() == 0 {
		return
	}
	data := make([]byte, st.pending.Len())
	copy(data, st.pending.Bytes())
	st.pending.Reset()

	ch.enqueueLocked(ch.outputFrame(id, st.cols, st.rows, data))
}

func (ch *Channel) state(id string) *sessionState {
	st, ok := ch.states[id]
	if !ok {
		st = &sessionState{}
		ch.states[id] = st
	}
	return st
}

// ---------------------------------------------------------------------------
// Housekeeping
// ---------------------------------------------------------------------------

// housekeeping applies the age-based pending flush and relays registry
// and foreground changes. Both mailboxes coalesce, so each token
// triggers a full diff against what this client last saw.
func (ch *Channel) housekeeping(fgMail, sessMail *core.Mailbox) {
	ticker := time.NewTicker(flushScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ch.done:
			return

		case <-ticker.C:
			ch.mu.Lock()
			now := time.Now()
			for id, st := range ch.states {
				if st.pending.Len() > 0 && now.Sub(st.firstByte) >= pendingFlushAfter {
					ch.flushLocked(id, st)
				}
			}
			ch.mu.Unlock()

		case _, ok := <-sessMail.C():
			if !ok {
				return
			}
			ch.reconcileSessions()

		case _, ok := <-fgMail.C():
			if !ok {
				return
			}
			ch.broadcastForeground()
		}
	}
}

// reconcileSessions aligns per-session state with the registry. A
// session created after this client connected gets its snapshot now
// instead of waiting on the batch thresholds; a removed session's
// state is dropped so no buffered output surfaces after its delete.
func (ch *Channel) reconcileSessions() {
	infos := ch.sessions.List()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	live := make(map[string]bool, len(infos))
	for _, info := range infos {
		live[info.ID] = true
		if _, ok := ch.states[info.ID]; !ok {
			ch.snapshotOneLocked(info.ID)
		}
	}
	for id := range ch.states {
		if !live[id] {
			delete(ch.states, id)
			if ch.active == id {
				ch.active = ""
			}
		}
	}
	for id := range ch.lastFg {
		if !live[id] {
			delete(ch.lastFg, id)
		}
	}
}

// foregroundDTO is the JSON payload of a ForegroundChange frame.
type foregroundDTO struct {
	PID         int    `json:"pid"`
	Name        string `json:"name"`
	CommandLine string `json:"commandLine"`
	Cwd         string `json:"cwd"`
}

func (ch *Channel) broadcastForeground() {
	infos := ch.sessions.List()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, info := range infos {
		if ch.lastFg[info.ID] == info.Foreground {
			continue
		}
		ch.lastFg[info.ID] = info.Foreground

		payload, err := json.Marshal(foregroundDTO{
			PID:         info.Foreground.PID,
			Name:        info.Foreground.Name,
			CommandLine: info.Foreground.CommandLine,
			Cwd:         info.Foreground.Cwd,
		})
		if err != nil {
			continue
		}
		ch.enqueueLocked(EncodeFrame(FrameForegroundChange, info.ID, payload))
	}
}
