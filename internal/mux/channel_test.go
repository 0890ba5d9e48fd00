package mux

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/midterm-sh/midterm/internal/core"
)

type inboundMsg struct {
	mt   int
	data []byte
}

// fakeConn is an in-memory stand-in for a WebSocket connection.
type fakeConn struct {
	in  chan inboundMsg
	out chan []byte

	mu         sync.Mutex
	closeCodes []int

	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan inboundMsg, 16),
		out:    make(chan []byte, 2048),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.mt, m.data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.out <- cp:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) WriteControl(_ int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(data) >= 2 {
		c.closeCodes = append(c.closeCodes, int(binary.BigEndian.Uint16(data[:2])))
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type snapshotRec struct {
	data       []byte
	head       uint64
	cols, rows int
}

// fakeDirectory is a canned SessionDirectory.
type fakeDirectory struct {
	mu      sync.Mutex
	infos   []core.SessionInfo
	snaps   map[string]snapshotRec
	inputs  map[string][]byte
	resizes map[string][2]int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		snaps:   make(map[string]snapshotRec),
		inputs:  make(map[string][]byte),
		resizes: make(map[string][2]int),
	}
}

func (d *fakeDirectory) addSession(id string, data []byte, head uint64, cols, rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.infos = append(d.infos, core.SessionInfo{ID: id, Cols: cols, Rows: rows, Running: true})
	d.snaps[id] = snapshotRec{data: data, head: head, cols: cols, rows: rows}
}

func (d *fakeDirectory) removeSession(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, info := range d.infos {
		if info.ID == id {
			d.infos = append(d.infos[:i], d.infos[i+1:]...)
			break
		}
	}
	delete(d.snaps, id)
}

func (d *fakeDirectory) List() []core.SessionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.SessionInfo(nil), d.infos...)
}

func (d *fakeDirectory) SnapshotBuffer(id string) ([]byte, uint64, int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.snaps[id]
	if !ok {
		return nil, 0, 0, 0, &core.ErrSessionNotFound{ID: id}
	}
	return rec.data, rec.head, rec.cols, rec.rows, nil
}

func (d *fakeDirectory) WriteInput(id string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs[id] = append(d.inputs[id], data...)
}

func (d *fakeDirectory) Resize(id string, cols, rows int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resizes[id] = [2]int{cols, rows}
	return nil
}

func (d *fakeDirectory) RegisterSink(core.OutputSink)   {}
func (d *fakeDirectory) UnregisterSink(core.OutputSink) {}

// startChannel runs a channel against fakes and returns once the Init
// frame and initial snapshots have been consumed.
func startChannel(t *testing.T, dir *fakeDirectory) (*Channel, *fakeConn, chan error) {
	t.Helper()
	conn := newFakeConn()
	ch := NewChannel(conn, dir, core.NewHub())

	runErr := make(chan error, 1)
	go func() { runErr <- ch.Run(); close(runErr) }()
	t.Cleanup(func() {
		conn.Close()
		select {
		case <-runErr:
		case <-time.After(2 * time.Second):
			t.Error("channel did not stop")
		}
	})

	init := readFrame(t, conn)
	if init.Type != FrameInit {
		t.Fatalf("first frame type 0x%02x, want Init", byte(init.Type))
	}
	for range dir.List() {
		readFrame(t, conn)
	}
	return ch, conn, runErr
}

func readFrame(t *testing.T, conn *fakeConn) Frame {
	t.Helper()
	select {
	case msg := <-conn.out:
		frame, err := DecodeFrame(msg)
		if err != nil {
			t.Fatalf("decode outbound frame: %v", err)
		}
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return Frame{}
	}
}

func expectNoFrame(t *testing.T, conn *fakeConn, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-conn.out:
		frame, _ := DecodeFrame(msg)
		t.Fatalf("unexpected frame type 0x%02x", byte(frame.Type))
	case <-time.After(wait):
	}
}

func TestChannelHandshake(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("11111111", []byte("one"), 3, 80, 24)
	dir.addSession("22222222", []byte("two"), 7, 100, 30)

	conn := newFakeConn()
	ch := NewChannel(conn, dir, core.NewHub())
	runErr := make(chan error, 1)
	go func() { runErr <- ch.Run() }()
	defer func() {
		conn.Close()
		<-runErr
	}()

	init := readFrame(t, conn)
	if init.Type != FrameInit || init.SessionID != "" {
		t.Fatalf("first frame %+v, want a session-less Init", init)
	}
	if v := binary.LittleEndian.Uint16(init.Payload[:2]); v != ProtocolVersion {
		t.Errorf("advertised version %d, want %d", v, ProtocolVersion)
	}
	if len(init.Payload) != 2+clientIDSize {
		t.Errorf("init payload %d bytes, want %d", len(init.Payload), 2+clientIDSize)
	}

	first := readFrame(t, conn)
	if first.Type != FrameOutput || first.SessionID != "11111111" {
		t.Fatalf("snapshot 1 is %+v, want Output for 11111111", first)
	}
	cols, rows, data, _ := DecodeOutput(first.Payload)
	if cols != 80 || rows != 24 || string(data) != "one" {
		t.Errorf("snapshot 1 decoded to %dx%d %q", cols, rows, data)
	}

	second := readFrame(t, conn)
	if second.SessionID != "22222222" {
		t.Errorf("snapshot 2 for %q, want 22222222 (list order)", second.SessionID)
	}
}

func TestChannelCompressesLargeSnapshot(t *testing.T) {
	raw := bytes.Repeat([]byte("scrollback line\n"), 256)
	dir := newFakeDirectory()
	dir.addSession("11111111", raw, 1, 80, 24)

	_, conn, _ := startChannelRaw(t, dir)

	readFrame(t, conn) // Init
	snap := readFrame(t, conn)
	if snap.Type != FrameCompressedOutput {
		t.Fatalf("snapshot type 0x%02x, want CompressedOutput", byte(snap.Type))
	}
	_, _, data, err := DecodeCompressedOutput(snap.Payload)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(data, raw) {
		t.Error("inflated snapshot differs from the scrollback")
	}
}

// startChannelRaw runs a channel without consuming any frames.
func startChannelRaw(t *testing.T, dir *fakeDirectory) (*Channel, *fakeConn, chan error) {
	t.Helper()
	conn := newFakeConn()
	ch := NewChannel(conn, dir, core.NewHub())
	runErr := make(chan error, 1)
	go func() { runErr <- ch.Run(); close(runErr) }()
	t.Cleanup(func() {
		conn.Close()
		select {
		case <-runErr:
		case <-time.After(2 * time.Second):
			t.Error("channel did not stop")
		}
	})
	return ch, conn, runErr
}

func TestActiveSessionOutputIsImmediate(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("11111111", nil, 0, 80, 24)
	ch, conn, _ := startChannel(t, dir)

	conn.in <- inboundMsg{websocket.BinaryMessage, EncodeFrame(FrameActiveSessionHint, "11111111", nil)}
	waitActive(t, ch, "11111111")

	ch.SessionOutput(core.OutputEvent{SessionID: "11111111", Seq: 1, Data: []byte("live"), Cols: 80, Rows: 24})

	frame := readFrame(t, conn)
	if frame.Type != FrameOutput {
		t.Fatalf("type 0x%02x, want an uncompressed Output", byte(frame.Type))
	}
	_, _, data, _ := DecodeOutput(frame.Payload)
	if string(data) != "live" {
		t.Errorf("data %q, want live", data)
	}
}

func waitActive(t *testing.T, ch *Channel, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ch.mu.Lock()
		active := ch.active
		ch.mu.Unlock()
		if active == id {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("active session never became %q", id)
}

func TestBackgroundOutputBatchesBySize(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("11111111", nil, 0, 80, 24)
	ch, conn, _ := startChannel(t, dir)

	// Below the batch size nothing leaves the pending buffer.
	ch.SessionOutput(core.OutputEvent{SessionID: "11111111", Seq: 1, Data: bytes.Repeat([]byte{'a'}, 512), Cols: 80, Rows: 24})
	expectNoFrame(t, conn, 100*time.Millisecond)

	// Crossing 2 KiB flushes, and the batch is large enough to compress.
	ch.SessionOutput(core.OutputEvent{SessionID: "11111111", Seq: 2, Data: bytes.Repeat([]byte{'b'}, 2048), Cols: 80, Rows: 24})

	frame := readFrame(t, conn)
	if frame.Type != FrameCompressedOutput {
		t.Fatalf("type 0x%02x, want CompressedOutput for a %d-byte batch", byte(frame.Type), 512+2048)
	}
	_, _, data, err := DecodeCompressedOutput(frame.Payload)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if len(data) != 512+2048 {
		t.Errorf("batch carries %d bytes, want %d", len(data), 512+2048)
	}
}

func TestBackgroundOutputFlushesByAge(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("11111111", nil, 0, 80, 24)
	ch, conn, _ := startChannel(t, dir)

	ch.SessionOutput(core.OutputEvent{SessionID: "11111111", Seq: 1, Data: []byte("slow drip"), Cols: 80, Rows: 24})

	start := time.Now()
	frame := readFrame(t, conn)
	elapsed := time.Since(start)

	if frame.Type != FrameOutput {
		t.Fatalf("type 0x%02x, want a small uncompressed Output", byte(frame.Type))
	}
	_, _, data, _ := DecodeOutput(frame.Payload)
	if string(data) != "slow drip" {
		t.Errorf("data %q", data)
	}
	if elapsed < pendingFlushAfter-flushScanInterval {
		t.Errorf("flushed after %v, want roughly %v", elapsed, pendingFlushAfter)
	}
}

func TestActiveSwitchFlushesPending(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("11111111", nil, 0, 80, 24)
	ch, conn, _ := startChannel(t, dir)

	ch.SessionOutput(core.OutputEvent{SessionID: "11111111", Seq: 1, Data: []byte("pending!"), Cols: 80, Rows: 24})

	conn.in <- inboundMsg{websocket.BinaryMessage, EncodeFrame(FrameActiveSessionHint, "11111111", nil)}

	frame := readFrame(t, conn)
	_, _, data, _ := DecodeOutput(frame.Payload)
	if string(data) != "pending!" {
		t.Errorf("flushed %q, want the buffered output", data)
	}
	waitActive(t, ch, "11111111")
}

func TestRemovedSessionPendingNeverFlushes(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("11111111", nil, 0, 80, 24)
	ch, conn, _ := startChannel(t, dir)

	// Background output below the batch size stays pending.
	ch.SessionOutput(core.OutputEvent{SessionID: "11111111", Seq: 1, Data: []byte("leftover"), Cols: 80, Rows: 24})

	dir.removeSession("11111111")
	ch.hub.Publish(core.Event{Kind: core.SessionsChanged})

	// Even past the age flush nothing may surface for the removed id.
	expectNoFrame(t, conn, pendingFlushAfter+2*flushScanInterval)
}

func TestLateSessionSnapshotIsPrompt(t *testing.T) {
	dir := newFakeDirectory()
	ch, conn, _ := startChannel(t, dir)

	dir.addSession("33333333", []byte("fresh"), 1, 80, 24)
	ch.hub.Publish(core.Event{Kind: core.SessionsChanged})

	start := time.Now()
	frame := readFrame(t, conn)
	if frame.Type != FrameOutput || frame.SessionID != "33333333" {
		t.Fatalf("got %+v, want an Output snapshot for 33333333", frame)
	}
	_, _, data, _ := DecodeOutput(frame.Payload)
	if string(data) != "fresh" {
		t.Errorf("snapshot %q, want fresh", data)
	}
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("snapshot took %v, want well under a second", elapsed)
	}
}

func TestInboundInputAndResizeForwarded(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("11111111", nil, 0, 80, 24)
	_, conn, _ := startChannel(t, dir)

	conn.in <- inboundMsg{websocket.BinaryMessage, EncodeFrame(FrameInput, "11111111", []byte("ls\n"))}
	conn.in <- inboundMsg{websocket.BinaryMessage, EncodeResize("11111111", 132, 43)}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dir.mu.Lock()
		gotInput := string(dir.inputs["11111111"]) == "ls\n"
		gotResize := dir.resizes["11111111"] == [2]int{132, 43}
		dir.mu.Unlock()
		if gotInput && gotResize {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("input or resize never reached the directory")
}

func TestBufferRequestSendsFreshSnapshot(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("11111111", []byte("history"), 9, 80, 24)
	_, conn, _ := startChannel(t, dir)

	conn.in <- inboundMsg{websocket.BinaryMessage, EncodeFrame(FrameBufferRequest, "11111111", nil)}

	frame := readFrame(t, conn)
	if frame.Type != FrameOutput || frame.SessionID != "11111111" {
		t.Fatalf("got %+v, want an Output snapshot for 11111111", frame)
	}
	_, _, data, _ := DecodeOutput(frame.Payload)
	if string(data) != "history" {
		t.Errorf("snapshot %q, want history", data)
	}
}

func TestTextFrameIsProtocolViolation(t *testing.T) {
	dir := newFakeDirectory()
	_, conn, runErr := startChannel(t, dir)

	conn.in <- inboundMsg{websocket.TextMessage, []byte(`{"hello":"world"}`)}

	select {
	case err := <-runErr:
		if err == nil {
			t.Error("Run returned nil, want a protocol violation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close on a text frame")
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.closeCodes) != 1 || conn.closeCodes[0] != websocket.CloseProtocolError {
		t.Errorf("close codes %v, want exactly [1002]", conn.closeCodes)
	}
}

func TestOverflowDropsBacklogAndResyncs(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("11111111", []byte("snap1"), 1, 80, 24)
	dir.addSession("22222222", []byte("snap2"), 1, 80, 24)

	// No Run: the writer never drains, so the queue fills deterministically.
	ch := NewChannel(newFakeConn(), dir, core.NewHub())

	ch.mu.Lock()
	for i := 0; i < outboundQueueCap; i++ {
		ch.enqueueLocked(EncodeOutput("11111111", 80, 24, []byte("x")))
	}
	ch.enqueueLocked(EncodeOutput("11111111", 80, 24, []byte("overflow")))
	ch.mu.Unlock()

	// The backlog is gone; what remains is one Resync plus one snapshot
	// per session.
	if got, want := len(ch.outq), 1+2; got != want {
		t.Fatalf("queue holds %d frames after overflow, want %d", got, want)
	}
	frame, _ := DecodeFrame(<-ch.outq)
	if frame.Type != FrameResync {
		t.Fatalf("first frame after overflow is 0x%02x, want Resync", byte(frame.Type))
	}
	for _, want := range []string{"11111111", "22222222"} {
		frame, _ = DecodeFrame(<-ch.outq)
		if frame.Type != FrameOutput || frame.SessionID != want {
			t.Errorf("got %+v, want an Output snapshot for %s", frame, want)
		}
	}
}

func TestScrollbackDropBehindCursorEmitsDataLoss(t *testing.T) {
	dir := newFakeDirectory()
	ch := NewChannel(newFakeConn(), dir, core.NewHub())

	// Seq jumps past the cursor while the ring reports evictions: the
	// client lost bytes it never saw.
	ch.SessionOutput(core.OutputEvent{SessionID: "11111111", Seq: 40, Data: []byte("tail"), Cols: 80, Rows: 24, BytesDropped: 512})

	frame, _ := DecodeFrame(<-ch.outq)
	if frame.Type != FrameDataLoss {
		t.Fatalf("first frame is 0x%02x, want DataLoss", byte(frame.Type))
	}
	dropped, _ := DecodeDataLoss(frame.Payload)
	if dropped != 512 {
		t.Errorf("dropped %d, want 512", dropped)
	}

	// Contiguous delivery with a stable eviction counter stays silent.
	ch.SessionOutput(core.OutputEvent{SessionID: "11111111", Seq: 41, Data: []byte("more"), Cols: 80, Rows: 24, BytesDropped: 512})
	if len(ch.outq) != 0 {
		t.Errorf("queue holds %d frames, want none (output went to pending)", len(ch.outq))
	}
}

func TestForegroundBroadcastDiffs(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("11111111", nil, 0, 80, 24)
	dir.mu.Lock()
	dir.infos[0].Foreground = core.Foreground{PID: 42, Name: "vim", CommandLine: "vim main.go", Cwd: "/src"}
	dir.mu.Unlock()

	ch := NewChannel(newFakeConn(), dir, core.NewHub())

	ch.broadcastForeground()
	frame, _ := DecodeFrame(<-ch.outq)
	if frame.Type != FrameForegroundChange || frame.SessionID != "11111111" {
		t.Fatalf("got %+v, want ForegroundChange for 11111111", frame)
	}
	var fg foregroundDTO
	if err := json.Unmarshal(frame.Payload, &fg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fg.PID != 42 || fg.Name != "vim" {
		t.Errorf("payload %+v", fg)
	}

	// Unchanged state sends nothing on the next coalesced token.
	ch.broadcastForeground()
	if len(ch.outq) != 0 {
		t.Errorf("queue holds %d frames, want none for an unchanged foreground", len(ch.outq))
	}
}
