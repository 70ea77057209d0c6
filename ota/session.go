// Package ota implements the firmware transfer protocol: the receive-side
// session state machine and the send-side chunked cascade.
package ota

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stormsense/loralink/protocol"
)

// State is the lifecycle of a receive session.
type State int

const (
	Idle State = iota
	Active
	Flashing
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Flashing:
		return "flashing"
	case TimedOut:
		return "timed out"
	}
	return "unknown"
}

// Flasher writes a complete firmware image and restarts the node into it.
type Flasher interface {
	Write(image []byte) error
	Restart()
}

// Session reassembles one inbound firmware transfer. Chunks must arrive in
// strict sequential order: a duplicate of an already-applied index is
// ignored, a gap aborts the session: a gap can never yield a valid image,
// so waiting out the timeout would only delay the retry.
type Session struct {
	flasher Flasher
	maxSize int
	log     *slog.Logger

	state    State
	id       string
	expected uint32
	received uint32
	next     int
	deadline time.Time
	buf      bytes.Buffer
}

// NewSession creates an idle receive session. maxSize caps how large an
// image the node will buffer regardless of what OTA_START announces.
func NewSession(flasher Flasher, maxSize int, logger *slog.Logger) *Session {
	return &Session{flasher: flasher, maxSize: maxSize, log: logger}
}

func (s *Session) State() State { return s.state }

// Progress reports received bytes as a percentage of the announced size.
func (s *Session) Progress() int {
	if s.expected == 0 {
		return 0
	}
	return int(uint64(s.received) * 100 / uint64(s.expected))
}

// HandleStart opens (or reopens) a session. An announced size of zero or
// beyond the buffer cap is refused and leaves the session idle.
func (s *Session) HandleStart(m protocol.OtaStart, now time.Time) error {
	s.reset()
	if m.ExpectedSize == 0 {
		return fmt.Errorf("ota: zero-size transfer refused")
	}
	if int(m.ExpectedSize) > s.maxSize {
		return fmt.Errorf("ota: announced size %d exceeds cap %d", m.ExpectedSize, s.maxSize)
	}

	s.state = Active
	s.id = uuid.NewString()
	s.expected = m.ExpectedSize
	s.deadline = now.Add(time.Duration(m.TimeoutMs) * time.Millisecond)
	s.buf.Grow(int(m.ExpectedSize))

	s.log.Info("ota transfer started",
		"session", s.id,
		"size", m.ExpectedSize,
		"timeoutMs", m.TimeoutMs,
	)
	return nil
}

// HandleData appends one chunk. Returns true when the chunk advanced the
// session.
func (s *Session) HandleData(m protocol.OtaData) bool {
	if s.state != Active {
		return false
	}
	if m.Index < s.next {
		// retransmit of a chunk we already hold
		return false
	}
	if m.Index > s.next {
		s.log.Warn("ota chunk gap, aborting session",
			"session", s.id, "got", m.Index, "want", s.next)
		s.reset()
		return false
	}
	if s.received+uint32(len(m.Payload)) > s.expected {
		s.log.Warn("ota transfer overran announced size, aborting session",
			"session", s.id, "received", s.received, "expected", s.expected)
		s.reset()
		return false
	}

	s.buf.Write(m.Payload)
	s.received += uint32(len(m.Payload))
	s.next++
	return true
}

// HandleEnd finalizes the transfer. With all bytes in hand it flashes and
// restarts; short transfers leave the session active so late chunks can
// still complete it before the timeout. A flash failure is surfaced but the
// node keeps running its current firmware.
func (s *Session) HandleEnd() error {
	if s.state != Active {
		return nil
	}
	if s.received < s.expected {
		s.log.Debug("ota end before transfer complete",
			"session", s.id, "received", s.received, "expected", s.expected)
		return nil
	}

	s.state = Flashing
	image := s.buf.Bytes()
	s.log.Info("ota transfer complete, flashing", "session", s.id, "bytes", len(image))

	if err := s.flasher.Write(image); err != nil {
		s.reset()
		return fmt.Errorf("flash failed: %w", err)
	}
	s.flasher.Restart()
	return nil
}

// CheckTimeout discards the session when its deadline has passed. Returns
// true exactly once per expiry.
func (s *Session) CheckTimeout(now time.Time) bool {
	if s.state != Active || now.Before(s.deadline) {
		return false
	}
	s.log.Warn("ota transfer timed out",
		"session", s.id, "received", s.received, "expected", s.expected)
	s.reset()
	s.state = TimedOut
	return true
}

func (s *Session) reset() {
	s.state = Idle
	s.expected = 0
	s.received = 0
	s.next = 0
	s.buf.Reset()
}
