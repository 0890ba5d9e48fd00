package core

import (
	"sync"
	"time"
)

// DefaultScrollbackBytes is the per-session scrollback cap unless
// overridden by configuration.
const DefaultScrollbackBytes = 1 << 20

// ScrollbackFrame is one appended chunk of PTY output together with
// its strictly increasing sequence number. The timestamp is carried
// for diagnostics only.
type ScrollbackFrame struct {
	Seq  uint64
	Data []byte
	At   time.Time
}

// Scrollback is a bounded byte log with sequence-numbered frames. It
// guarantees FIFO order within a session and bounds memory by
// evicting whole frames, oldest first. It owns its own lock; all
// methods are safe for concurrent use and none of them block.
type Scrollback struct {
	mu           sync.Mutex
	frames       []ScrollbackFrame
	bytes        int
	cap          int
	nextSeq      uint64
	bytesDropped uint64
}

// NewScrollback returns a ring bounded at capBytes. A non-positive
// cap falls back to DefaultScrollbackBytes.
func NewScrollback(capBytes int) *Scrollback {
	if capBytes <= 0 {
		capBytes = DefaultScrollbackBytes
	}
	return &Scrollback{cap: capBytes, nextSeq: 1}
}

// Append stores a copy of data as a new frame and returns its
// sequence number. Frames are evicted whole, oldest first, until the
// ring is back within its cap. A single append larger than the cap is
// still admitted; it simply evicts everything older.
func (s *Scrollback) Append(data []byte) uint64 {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	s.nextSeq++

	s.frames = append(s.frames, ScrollbackFrame{Seq: seq, Data: buf, At: time.Now()})
	s.bytes += len(buf)

	for s.bytes > s.cap && len(s.frames) > 1 {
		s.evictOldestLocked()
	}
	// A lone frame over the cap stays; dropping it would leave the
	// ring permanently empty under large appends.
	if s.bytes > s.cap && len(s.frames) == 1 && s.frames[0].Seq != seq {
		s.evictOldestLocked()
	}
	return seq
}

func (s *Scrollback) evictOldestLocked() {
	old := s.frames[0]
	s.frames = s.frames[1:]
	s.bytes -= len(old.Data)
	s.bytesDropped += uint64(len(old.Data))
	scrollbackDroppedBytes.Add(float64(len(old.Data)))
}

// Snapshot returns a concatenation of all currently held frames plus
// the sequence number of the newest frame (zero when empty). It is
// used to seed a newly attached client.
func (s *Scrollback) Snapshot() ([]byte, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, 0, s.bytes)
	var head uint64
	for _, f := range s.frames {
		out = append(out, f.Data...)
		head = f.Seq
	}
	return out, head
}

// Since returns the frames with sequence numbers greater than seq,
// the current head sequence, and whether the caller missed frames
// because its cursor predates the oldest held frame. When missed is
// true the caller must treat its view of the stream as resynchronized.
func (s *Scrollback) Since(seq uint64) (frames []ScrollbackFrame, head uint64, missed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) > 0 {
		head = s.frames[len(s.frames)-1].Seq
		missed = seq+1 < s.frames[0].Seq
	} else {
		head = s.nextSeq - 1
		missed = seq < head
	}

	for _, f := range s.frames {
		if f.Seq > seq {
			frames = append(frames, f)
		}
	}
	return frames, head, missed
}

// HeadSeq returns the sequence number of the newest held frame, or
// the last assigned sequence if the ring is empty.
func (s *Scrollback) HeadSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) > 0 {
		return s.frames[len(s.frames)-1].Seq
	}
	return s.nextSeq - 1
}

// OldestSeq returns the sequence number of the oldest held frame, or
// zero when the ring is empty.
func (s *Scrollback) OldestSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[0].Seq
}

// BytesDropped reports the total bytes evicted from the ring since
// creation. The counter is monotonic.
func (s *Scrollback) BytesDropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesDropped
}
