// Package mux implements the multiplexed binary WebSocket channel
// carrying terminal I/O for every session over one connection.
package mux

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies a mux frame.
type FrameType byte

const (
	FrameOutput            FrameType = 0x01
	FrameInput             FrameType = 0x02
	FrameResize            FrameType = 0x03
	FrameResync            FrameType = 0x05
	FrameBufferRequest     FrameType = 0x06
	FrameCompressedOutput  FrameType = 0x07
	FrameActiveSessionHint FrameType = 0x08
	FrameForegroundChange  FrameType = 0x0A
	FrameDataLoss          FrameType = 0x0B
	FrameInit              FrameType = 0xFF
)

// ProtocolVersion is advertised in the Init frame.
const ProtocolVersion uint16 = 1

const (
	sessionIDSize = 8
	headerSize    = 1 + sessionIDSize
	clientIDSize  = 32
)

// Frame is a decoded mux message. SessionID is empty for frames with
// no session context (the header id field is then all zero on the
// wire).
type Frame struct {
	Type      FrameType
	SessionID string
	Payload   []byte
}

// ErrShortFrame reports a message smaller than the mandatory header.
type ErrShortFrame struct {
	Len int
}

func (e *ErrShortFrame) Error() string {
	return fmt.Sprintf("mux: frame of %d bytes is shorter than the %d-byte header", e.Len, headerSize)
}

// EncodeFrame lays out the 9-byte header followed by payload. Session
// ids longer than 8 bytes are truncated; shorter ones are zero-padded.
func EncodeFrame(typ FrameType, sessionID string, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(typ)
	copy(buf[1:1+sessionIDSize], sessionID)
	copy(buf[headerSize:], payload)
	return buf
}

// DecodeFrame parses a binary message. The payload aliases the input.
func DecodeFrame(msg []byte) (Frame, error) {
	if len(msg) < headerSize {
		return Frame{}, &ErrShortFrame{Len: len(msg)}
	}
	id := msg[1 : 1+sessionIDSize]
	end := bytes.IndexByte(id, 0)
	if end < 0 {
		end = sessionIDSize
	}
	return Frame{
		Type:      FrameType(msg[0]),
		SessionID: string(id[:end]),
		Payload:   msg[headerSize:],
	}, nil
}

// EncodeInit builds the handshake frame: protocol version plus the
// 32-byte client id (a UUID rendered without hyphens).
func EncodeInit(version uint16, clientID string) []byte {
	payload := make([]byte, 2+clientIDSize)
	binary.LittleEndian.PutUint16(payload[0:2], version)
	copy(payload[2:], clientID)
	return EncodeFrame(FrameInit, "", payload)
}

// EncodeOutput carries raw terminal bytes prefixed with the session's
// current dimensions so a client can size the terminal before parsing.
func EncodeOutput(sessionID string, cols, rows uint16, data []byte) []byte {
	payload := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], cols)
	binary.LittleEndian.PutUint16(payload[2:4], rows)
	copy(payload[4:], data)
	return EncodeFrame(FrameOutput, sessionID, payload)
}

// EncodeCompressedOutput gzips data and prefixes the uncompressed
// length so clients can allocate before inflating.
func EncodeCompressedOutput(sessionID string, cols, rows uint16, data []byte) ([]byte, error) {
	var zbuf bytes.Buffer
	zw := gzip.NewWriter(&zbuf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("mux: compress output: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("mux: compress output: %w", err)
	}

	payload := make([]byte, 8+zbuf.Len())
	binary.LittleEndian.PutUint16(payload[0:2], cols)
	binary.LittleEndian.PutUint16(payload[2:4], rows)
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(data)))
	copy(payload[8:], zbuf.Bytes())
	return EncodeFrame(FrameCompressedOutput, sessionID, payload), nil
}

// DecodeOutput splits an Output payload into dimensions and data.
func DecodeOutput(payload []byte) (cols, rows uint16, data []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("mux: output payload of %d bytes, need at least 4", len(payload))
	}
	return binary.LittleEndian.Uint16(payload[0:2]),
		binary.LittleEndian.Uint16(payload[2:4]),
		payload[4:], nil
}

// DecodeCompressedOutput inflates a CompressedOutput payload.
func DecodeCompressedOutput(payload []byte) (cols, rows uint16, data []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("mux: compressed payload of %d bytes, need at least 8", len(payload))
	}
	cols = binary.LittleEndian.Uint16(payload[0:2])
	rows = binary.LittleEndian.Uint16(payload[2:4])
	rawLen := binary.LittleEndian.Uint32(payload[4:8])

	zr, err := gzip.NewReader(bytes.NewReader(payload[8:]))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("mux: inflate output: %w", err)
	}
	defer zr.Close()

	var out bytes.Buffer
	out.Grow(int(rawLen))
	if _, err := io.Copy(&out, zr); err != nil {
		return 0, 0, nil, fmt.Errorf("mux: inflate output: %w", err)
	}
	return cols, rows, out.Bytes(), nil
}

// EncodeResize builds a client→server resize payload; exposed for
// tests exercising the inbound path.
func EncodeResize(sessionID string, cols, rows uint16) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], cols)
	binary.LittleEndian.PutUint16(payload[2:4], rows)
	return EncodeFrame(FrameResize, sessionID, payload)
}

// DecodeResize parses a Resize payload.
func DecodeResize(payload []byte) (cols, rows uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("mux: resize payload of %d bytes, want 4", len(payload))
	}
	return binary.LittleEndian.Uint16(payload[0:2]), binary.LittleEndian.Uint16(payload[2:4]), nil
}

// EncodeDataLoss reports bytes the scrollback shed before the client
// saw them.
func EncodeDataLoss(sessionID string, droppedBytes uint32) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, droppedBytes)
	return EncodeFrame(FrameDataLoss, sessionID, payload)
}

// DecodeDataLoss parses a DataLoss payload.
func DecodeDataLoss(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("mux: data loss payload of %d bytes, want 4", len(payload))
	}
	return binary.LittleEndian.Uint32(payload), nil
}
