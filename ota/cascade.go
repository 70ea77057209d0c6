package ota

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stormsense/loralink/protocol"
	"github.com/stormsense/loralink/radio"
)

// SenderConfig tunes the announce-and-serve side of the cascade.
type SenderConfig struct {
	AnnounceRepeats  int
	AnnounceInterval time.Duration
	RequestWindow    time.Duration
	ChunkSize        int
	ChunkInterval    time.Duration
	TransferTimeout  time.Duration
}

func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		AnnounceRepeats:  10,
		AnnounceInterval: 200 * time.Millisecond,
		RequestWindow:    15 * time.Second,
		ChunkSize:        protocol.MaxChunkPayload,
		ChunkInterval:    50 * time.Millisecond,
		TransferTimeout:  30 * time.Second,
	}
}

// Sender pushes firmware to peers: it announces availability, waits for
// REQUEST_UPDATE, and streams the image in chunks.
type Sender struct {
	ch  radio.Channel
	cfg SenderConfig
	log *slog.Logger

	sleep func(time.Duration)
}

func NewSender(ch radio.Channel, cfg SenderConfig, logger *slog.Logger) *Sender {
	return &Sender{ch: ch, cfg: cfg, log: logger, sleep: time.Sleep}
}

// Announce broadcasts the availability triple so every listener, whatever
// its duty cycle, hears at least one full round.
func (s *Sender) Announce(version string) error {
	frames := []protocol.Message{
		protocol.UpdateAvailable{},
		protocol.FirmwareVersion{Version: version},
		protocol.UpdateNow{},
	}
	for i := 0; i < s.cfg.AnnounceRepeats; i++ {
		for _, m := range frames {
			if err := s.ch.Transmit(m.Encode()); err != nil {
				return fmt.Errorf("announce: %w", err)
			}
			s.sleep(s.cfg.AnnounceInterval)
		}
	}
	return nil
}

// AwaitRequests listens for REQUEST_UPDATE until the window closes and
// serves each one. Returns how many peers were served.
func (s *Sender) AwaitRequests(image []byte, version string) int {
	served := 0
	deadline := time.Now().Add(s.cfg.RequestWindow)
	for time.Now().Before(deadline) {
		pkt, err := s.ch.Receive(100 * time.Millisecond)
		if err != nil {
			if errors.Is(err, radio.ErrTimeout) {
				continue
			}
			s.log.Warn("receive failed during update window", "err", err)
			continue
		}
		m, err := protocol.Parse(pkt.Data)
		if err != nil {
			continue
		}
		if _, ok := m.(protocol.RequestUpdate); !ok {
			continue
		}
		if err := s.ServeRequest(image); err != nil {
			s.log.Warn("update transfer failed", "err", err)
			continue
		}
		served++
	}
	return served
}

// ServeRequest answers one REQUEST_UPDATE: acknowledge and stream the
// image, or report that no firmware is on hand.
func (s *Sender) ServeRequest(image []byte) error {
	if len(image) == 0 {
		return s.ch.Transmit(protocol.NoFirmware{}.Encode())
	}
	if err := s.ch.Transmit(protocol.UpdateAck{}.Encode()); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	s.sleep(s.cfg.ChunkInterval)
	return s.SendImage(image)
}

// SendImage streams one firmware image: OTA_START, sequential chunks, then
// OTA_END. The inter-chunk pause keeps the modem's serial buffer ahead of
// the air time.
func (s *Sender) SendImage(image []byte) error {
	transfer := uuid.NewString()
	timeoutMs := uint32(s.cfg.TransferTimeout / time.Millisecond)

	start := protocol.OtaStart{ExpectedSize: uint32(len(image)), TimeoutMs: timeoutMs}
	if err := s.ch.Transmit(start.Encode()); err != nil {
		return fmt.Errorf("ota start: %w", err)
	}
	s.sleep(s.cfg.ChunkInterval)

	s.log.Info("sending firmware image", "transfer", transfer, "bytes", len(image))

	for idx, off := 0, 0; off < len(image); idx, off = idx+1, off+s.cfg.ChunkSize {
		end := off + s.cfg.ChunkSize
		if end > len(image) {
			end = len(image)
		}
		chunk := protocol.OtaData{Index: idx, Payload: image[off:end]}
		if err := s.ch.Transmit(chunk.Encode()); err != nil {
			return fmt.Errorf("ota chunk %d: %w", idx, err)
		}
		s.sleep(s.cfg.ChunkInterval)
	}

	if err := s.ch.Transmit(protocol.OtaEnd{}.Encode()); err != nil {
		return fmt.Errorf("ota end: %w", err)
	}
	s.log.Info("firmware image sent", "transfer", transfer)
	return nil
}
