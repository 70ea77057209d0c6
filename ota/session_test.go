package ota

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stormsense/loralink/protocol"
)

type fakeFlasher struct {
	image     []byte
	writeErr  error
	restarted bool
}

func (f *fakeFlasher) Write(image []byte) error {
	f.image = append([]byte(nil), image...)
	return f.writeErr
}

func (f *fakeFlasher) Restart() { f.restarted = true }

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func chunks(image []byte, size int) []protocol.OtaData {
	var out []protocol.OtaData
	for idx, off := 0, 0; off < len(image); idx, off = idx+1, off+size {
		end := off + size
		if end > len(image) {
			end = len(image)
		}
		out = append(out, protocol.OtaData{Index: idx, Payload: image[off:end]})
	}
	return out
}

func TestFullTransferFlashesAndRestarts(t *testing.T) {
	fl := &fakeFlasher{}
	s := NewSession(fl, 1<<20, discard())
	now := time.Now()

	image := bytes.Repeat([]byte{0xAB}, 1000)
	if err := s.HandleStart(protocol.OtaStart{ExpectedSize: 1000, TimeoutMs: 5000}, now); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	for _, c := range chunks(image, 200) {
		if !s.HandleData(c) {
			t.Fatalf("chunk %d rejected", c.Index)
		}
	}
	if got := s.Progress(); got != 100 {
		t.Fatalf("Progress = %d, want 100", got)
	}
	if err := s.HandleEnd(); err != nil {
		t.Fatalf("HandleEnd: %v", err)
	}
	if s.State() != Flashing {
		t.Fatalf("state = %v, want flashing", s.State())
	}
	if !bytes.Equal(fl.image, image) {
		t.Fatal("flashed image does not match sent image")
	}
	if !fl.restarted {
		t.Fatal("flasher was not restarted")
	}
}

func TestEndBeforeCompleteStaysActive(t *testing.T) {
	fl := &fakeFlasher{}
	s := NewSession(fl, 1<<20, discard())
	now := time.Now()

	if err := s.HandleStart(protocol.OtaStart{ExpectedSize: 1000, TimeoutMs: 5000}, now); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	s.HandleData(protocol.OtaData{Index: 0, Payload: bytes.Repeat([]byte{1}, 200)})
	if err := s.HandleEnd(); err != nil {
		t.Fatalf("HandleEnd: %v", err)
	}
	if s.State() != Active {
		t.Fatalf("state = %v, want active", s.State())
	}
	if fl.image != nil {
		t.Fatal("incomplete image must not be flashed")
	}
}

func TestTimeoutDiscardsTransfer(t *testing.T) {
	s := NewSession(&fakeFlasher{}, 1<<20, discard())
	now := time.Now()

	if err := s.HandleStart(protocol.OtaStart{ExpectedSize: 1000, TimeoutMs: 5000}, now); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	s.HandleData(protocol.OtaData{Index: 0, Payload: bytes.Repeat([]byte{1}, 200)})

	if s.CheckTimeout(now.Add(4 * time.Second)) {
		t.Fatal("timed out before deadline")
	}
	if !s.CheckTimeout(now.Add(6 * time.Second)) {
		t.Fatal("did not time out after deadline")
	}
	if s.State() != TimedOut {
		t.Fatalf("state = %v, want timed out", s.State())
	}
	if s.CheckTimeout(now.Add(7 * time.Second)) {
		t.Fatal("timeout reported twice")
	}
	if s.buf.Len() != 0 {
		t.Fatal("buffer not discarded on timeout")
	}
}

func TestDuplicateChunkIgnoredGapAborts(t *testing.T) {
	s := NewSession(&fakeFlasher{}, 1<<20, discard())
	now := time.Now()

	if err := s.HandleStart(protocol.OtaStart{ExpectedSize: 600, TimeoutMs: 5000}, now); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	payload := bytes.Repeat([]byte{7}, 200)
	if !s.HandleData(protocol.OtaData{Index: 0, Payload: payload}) {
		t.Fatal("first chunk rejected")
	}
	if s.HandleData(protocol.OtaData{Index: 0, Payload: payload}) {
		t.Fatal("duplicate chunk was applied")
	}
	if s.received != 200 {
		t.Fatalf("received = %d after duplicate, want 200", s.received)
	}
	if s.State() != Active {
		t.Fatalf("state = %v after duplicate, want active", s.State())
	}

	s.HandleData(protocol.OtaData{Index: 2, Payload: payload})
	if s.State() != Idle {
		t.Fatalf("state = %v after gap, want idle", s.State())
	}
}

func TestOverrunAbortsSession(t *testing.T) {
	s := NewSession(&fakeFlasher{}, 1<<20, discard())
	now := time.Now()

	if err := s.HandleStart(protocol.OtaStart{ExpectedSize: 100, TimeoutMs: 5000}, now); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	s.HandleData(protocol.OtaData{Index: 0, Payload: bytes.Repeat([]byte{1}, 200)})
	if s.State() != Idle {
		t.Fatalf("state = %v after overrun, want idle", s.State())
	}
}

func TestStartRejectsBadSizes(t *testing.T) {
	s := NewSession(&fakeFlasher{}, 1024, discard())
	now := time.Now()

	if err := s.HandleStart(protocol.OtaStart{ExpectedSize: 0, TimeoutMs: 5000}, now); err == nil {
		t.Fatal("zero size accepted")
	}
	if err := s.HandleStart(protocol.OtaStart{ExpectedSize: 2048, TimeoutMs: 5000}, now); err == nil {
		t.Fatal("oversize image accepted")
	}
	if s.State() != Idle {
		t.Fatalf("state = %v, want idle", s.State())
	}
}

func TestRestartAfterTimeout(t *testing.T) {
	s := NewSession(&fakeFlasher{}, 1<<20, discard())
	now := time.Now()

	s.HandleStart(protocol.OtaStart{ExpectedSize: 100, TimeoutMs: 1000}, now)
	s.CheckTimeout(now.Add(2 * time.Second))
	if err := s.HandleStart(protocol.OtaStart{ExpectedSize: 100, TimeoutMs: 1000}, now.Add(3*time.Second)); err != nil {
		t.Fatalf("HandleStart after timeout: %v", err)
	}
	if s.State() != Active {
		t.Fatalf("state = %v, want active", s.State())
	}
}

func TestFlashFailureSurfaces(t *testing.T) {
	fl := &fakeFlasher{writeErr: errors.New("bad block")}
	s := NewSession(fl, 1<<20, discard())
	now := time.Now()

	s.HandleStart(protocol.OtaStart{ExpectedSize: 4, TimeoutMs: 1000}, now)
	s.HandleData(protocol.OtaData{Index: 0, Payload: []byte{1, 2, 3, 4}})
	if err := s.HandleEnd(); err == nil {
		t.Fatal("flash failure not reported")
	}
	if fl.restarted {
		t.Fatal("restarted despite flash failure")
	}
	if s.State() != Idle {
		t.Fatalf("state = %v, want idle", s.State())
	}
}
