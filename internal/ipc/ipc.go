// Package ipc implements the length-framed wire protocol spoken
// between the server and its PTY host processes. Each message is a
// one-byte type, a three-byte big-endian payload length, and the
// payload itself.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MsgType identifies a message on the host IPC stream.
type MsgType byte

const (
	MsgGetInfo          MsgType = 0x01 // server -> host, no payload
	MsgInfo             MsgType = 0x02 // host -> server, JSON Info
	MsgInput            MsgType = 0x03 // server -> host, raw bytes for the PTY
	MsgOutput           MsgType = 0x04 // host -> server, raw bytes from the PTY
	MsgResize           MsgType = 0x05 // server -> host, cols:u16 BE, rows:u16 BE
	MsgGetBuffer        MsgType = 0x06 // server -> host, no payload
	MsgBuffer           MsgType = 0x07 // host -> server, accumulated output
	MsgExited           MsgType = 0x08 // host -> server, exit_code:int32 BE
	MsgShutdown         MsgType = 0x09 // server -> host, no payload
	MsgForegroundChange MsgType = 0x0A // host -> server, JSON Foreground
)

// MaxPayload is the largest payload a message may carry. A longer
// payload is a protocol error and the stream must be torn down.
const MaxPayload = 1 << 20

// headerSize is the fixed per-message overhead: type + 24-bit length.
const headerSize = 4

// ErrPayloadTooLarge is returned when a frame header announces a
// payload exceeding MaxPayload.
type ErrPayloadTooLarge struct {
	Type MsgType
	Size int
}

func (e *ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("ipc: message 0x%02x payload %d exceeds limit %d", byte(e.Type), e.Size, MaxPayload)
}

// Message is one decoded frame from the IPC stream.
type Message struct {
	Type    MsgType
	Payload []byte
}

// Info is the JSON payload of MsgInfo, sent by a host in response to
// MsgGetInfo.
type Info struct {
	ID        string `json:"id"`
	PID       int    `json:"pid"`
	ShellKind string `json:"shellKind"`
	IsRunning bool   `json:"isRunning"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// Foreground is the JSON payload of MsgForegroundChange. All fields
// are best effort; a host sends the message only when one of them
// changed since the previous sample.
type Foreground struct {
	PID         int    `json:"pid"`
	Name        string `json:"name"`
	CommandLine string `json:"commandLine"`
	Cwd         string `json:"cwd"`
}

// WriteMessage frames and writes a single message. It rejects
// payloads over MaxPayload before touching the writer.
func WriteMessage(w io.Writer, typ MsgType, payload []byte) error {
	if len(payload) > MaxPayload {
		return &ErrPayloadTooLarge{Type: typ, Size: len(payload)}
	}
	hdr := [headerSize]byte{byte(typ), byte(len(payload) >> 16), byte(len(payload) >> 8), byte(len(payload))}
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("ipc: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("ipc: write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads and decodes the next message from the stream.
// It returns ErrPayloadTooLarge when the announced length exceeds
// MaxPayload; the caller must treat that as fatal for the stream.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	typ := MsgType(hdr[0])
	size := int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
	if size > MaxPayload {
		return Message{}, &ErrPayloadTooLarge{Type: typ, Size: size}
	}
	var payload []byte
	if size > 0 {
		payload = make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("ipc: read payload: %w", err)
		}
	}
	return Message{Type: typ, Payload: payload}, nil
}

// EncodeResize packs terminal dimensions for MsgResize.
func EncodeResize(cols, rows uint16) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], cols)
	binary.BigEndian.PutUint16(p[2:4], rows)
	return p
}

// DecodeResize unpacks a MsgResize payload.
func DecodeResize(p []byte) (cols, rows uint16, err error) {
	if len(p) != 4 {
		return 0, 0, fmt.Errorf("ipc: resize payload must be 4 bytes, got %d", len(p))
	}
	return binary.BigEndian.Uint16(p[0:2]), binary.BigEndian.Uint16(p[2:4]), nil
}

// EncodeExited packs an exit code for MsgExited.
func EncodeExited(code int32) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(code))
	return p
}

// DecodeExited unpacks a MsgExited payload.
func DecodeExited(p []byte) (int32, error) {
	if len(p) != 4 {
		return 0, fmt.Errorf("ipc: exited payload must be 4 bytes, got %d", len(p))
	}
	return int32(binary.BigEndian.Uint32(p)), nil
}

// EncodeInfo marshals an Info payload.
func EncodeInfo(info Info) ([]byte, error) {
	return json.Marshal(info)
}

// DecodeInfo unmarshals a MsgInfo payload.
func DecodeInfo(p []byte) (Info, error) {
	var info Info
	if err := json.Unmarshal(p, &info); err != nil {
		return Info{}, fmt.Errorf("ipc: decode info: %w", err)
	}
	return info, nil
}

// EncodeForeground marshals a Foreground payload.
func EncodeForeground(fg Foreground) ([]byte, error) {
	return json.Marshal(fg)
}

// DecodeForeground unmarshals a MsgForegroundChange payload.
func DecodeForeground(p []byte) (Foreground, error) {
	var fg Foreground
	if err := json.Unmarshal(p, &fg); err != nil {
		return Foreground{}, fmt.Errorf("ipc: decode foreground: %w", err)
	}
	return fg, nil
}
