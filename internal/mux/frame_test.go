package mux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	msg := EncodeFrame(FrameInput, "a1b2c3d4", []byte("keys"))

	frame, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != FrameInput {
		t.Errorf("type 0x%02x, want Input", byte(frame.Type))
	}
	if frame.SessionID != "a1b2c3d4" {
		t.Errorf("session %q, want a1b2c3d4", frame.SessionID)
	}
	if string(frame.Payload) != "keys" {
		t.Errorf("payload %q, want keys", frame.Payload)
	}
}

func TestFrameEmptySessionIsZeroPadded(t *testing.T) {
	msg := EncodeFrame(FrameResync, "", nil)

	if len(msg) != headerSize {
		t.Fatalf("frame length %d, want bare header %d", len(msg), headerSize)
	}
	if !bytes.Equal(msg[1:9], make([]byte, 8)) {
		t.Errorf("id field %v, want all zero", msg[1:9])
	}

	frame, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.SessionID != "" {
		t.Errorf("session %q, want empty", frame.SessionID)
	}
}

func TestDecodeFrameRejectsShortMessages(t *testing.T) {
	_, err := DecodeFrame([]byte{0x01, 0x02})

	var short *ErrShortFrame
	if !errors.As(err, &short) {
		t.Fatalf("got %v, want ErrShortFrame", err)
	}
	if short.Len != 2 {
		t.Errorf("reported length %d, want 2", short.Len)
	}
}

func TestEncodeInitLayout(t *testing.T) {
	clientID := "0123456789abcdef0123456789abcdef"
	msg := EncodeInit(ProtocolVersion, clientID)

	frame, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != FrameInit {
		t.Fatalf("type 0x%02x, want Init", byte(frame.Type))
	}
	if len(frame.Payload) != 2+clientIDSize {
		t.Fatalf("payload length %d, want %d", len(frame.Payload), 2+clientIDSize)
	}
	if v := binary.LittleEndian.Uint16(frame.Payload[:2]); v != ProtocolVersion {
		t.Errorf("version %d, want %d", v, ProtocolVersion)
	}
	if got := string(frame.Payload[2:]); got != clientID {
		t.Errorf("client id %q, want %q", got, clientID)
	}
}

func TestOutputRoundTrip(t *testing.T) {
	msg := EncodeOutput("a1b2c3d4", 120, 40, []byte("ls -la\r\n"))

	frame, _ := DecodeFrame(msg)
	cols, rows, data, err := DecodeOutput(frame.Payload)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if cols != 120 || rows != 40 {
		t.Errorf("dims %dx%d, want 120x40", cols, rows)
	}
	if string(data) != "ls -la\r\n" {
		t.Errorf("data %q", data)
	}
}

func TestCompressedOutputRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("terminal output "), 256)

	msg, err := EncodeCompressedOutput("a1b2c3d4", 80, 24, raw)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(msg) >= headerSize+8+len(raw) {
		t.Error("compressed frame is not smaller than the raw payload")
	}

	frame, _ := DecodeFrame(msg)
	if frame.Type != FrameCompressedOutput {
		t.Fatalf("type 0x%02x, want CompressedOutput", byte(frame.Type))
	}
	cols, rows, data, err := DecodeCompressedOutput(frame.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cols != 80 || rows != 24 {
		t.Errorf("dims %dx%d, want 80x24", cols, rows)
	}
	if !bytes.Equal(data, raw) {
		t.Error("inflated payload differs from the original")
	}
}

func TestResizePayload(t *testing.T) {
	msg := EncodeResize("a1b2c3d4", 200, 50)

	frame, _ := DecodeFrame(msg)
	cols, rows, err := DecodeResize(frame.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cols != 200 || rows != 50 {
		t.Errorf("dims %dx%d, want 200x50", cols, rows)
	}

	if _, _, err := DecodeResize([]byte{1, 2, 3}); err == nil {
		t.Error("expected an error for a truncated resize payload")
	}
}

func TestDataLossPayload(t *testing.T) {
	msg := EncodeDataLoss("a1b2c3d4", 4096)

	frame, _ := DecodeFrame(msg)
	dropped, err := DecodeDataLoss(frame.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dropped != 4096 {
		t.Errorf("dropped %d, want 4096", dropped)
	}
}
