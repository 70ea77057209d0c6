// Package protocol defines the ASCII wire format shared by all loralink
// nodes. Every frame is a short text payload; binary OTA chunk data rides
// after the last delimiter of its frame.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxChunkPayload bounds the raw data carried by one OTA data frame.
const MaxChunkPayload = 200

var (
	// ErrUnknownFrame marks payloads that carry no protocol frame at all.
	// Receivers count them as generic traffic, not as faults.
	ErrUnknownFrame = errors.New("protocol: not a protocol frame")

	// ErrMalformed marks payloads that start like a known frame but fail
	// to parse. Policy is drop-silently: no state change on either side.
	ErrMalformed = errors.New("protocol: malformed frame")
)

// Message is one decoded frame. Exactly one concrete type per wire frame,
// discriminated by Parse, so payload content can never be confused with a
// frame marker the way prefix matching would allow.
type Message interface {
	// Encode renders the frame back into its wire form.
	Encode() []byte
}

// Ping is the liveness frame sent on the data channel between protocol work.
type Ping struct {
	Seq uint32
}

// Config announces a full radio parameter set, either as a pending-change
// broadcast on the data channel or as a rendezvous frame on the control
// channel.
type Config struct {
	FrequencyMHz    float64
	BandwidthKHz    float64
	SpreadingFactor int
	CodingRate      int
	TxPowerDbm      int
}

// OtaStart opens a firmware transfer session.
type OtaStart struct {
	ExpectedSize uint32
	TimeoutMs    uint32
}

// OtaData carries one firmware chunk. Payload is raw bytes and may contain
// any delimiter; only the first two colons of the frame are structural.
type OtaData struct {
	Index   int
	Payload []byte
}

// OtaEnd closes a firmware transfer session.
type OtaEnd struct{}

// UpdateAvailable, FirmwareVersion and UpdateNow together form the cascade
// announce triple broadcast by a node holding fresh firmware.
type (
	UpdateAvailable struct{}
	FirmwareVersion struct{ Version string }
	UpdateNow       struct{}
)

// RequestUpdate, UpdateAck and NoFirmware complete the cascade handshake.
type (
	RequestUpdate struct{}
	UpdateAck     struct{}
	NoFirmware    struct{}
)

func (p Ping) Encode() []byte {
	return []byte(fmt.Sprintf("PING seq=%d", p.Seq))
}

func (c Config) Encode() []byte {
	return []byte(fmt.Sprintf("CFG F=%.1f BW=%.1f SF=%d CR=%d TX=%d",
		c.FrequencyMHz, c.BandwidthKHz, c.SpreadingFactor, c.CodingRate, c.TxPowerDbm))
}

func (s OtaStart) Encode() []byte {
	return []byte(fmt.Sprintf("OTA_START:%d:%d", s.ExpectedSize, s.TimeoutMs))
}

func (d OtaData) Encode() []byte {
	head := fmt.Sprintf("OTA_DATA:%d:", d.Index)
	out := make([]byte, 0, len(head)+len(d.Payload))
	out = append(out, head...)
	return append(out, d.Payload...)
}

func (OtaEnd) Encode() []byte          { return []byte("OTA_END:") }
func (UpdateAvailable) Encode() []byte { return []byte("FW_UPDATE_AVAILABLE") }
func (v FirmwareVersion) Encode() []byte {
	return []byte("FW_VERSION:" + v.Version)
}
func (UpdateNow) Encode() []byte     { return []byte("UPDATE_NOW") }
func (RequestUpdate) Encode() []byte { return []byte("REQUEST_UPDATE") }
func (UpdateAck) Encode() []byte     { return []byte("UPDATE_ACK") }
func (NoFirmware) Encode() []byte    { return []byte("NO_FIRMWARE") }

// Parse decodes one received payload. It returns ErrUnknownFrame for
// payloads outside the protocol namespace and ErrMalformed for frames that
// claim a known marker but do not parse completely.
func Parse(data []byte) (Message, error) {
	s := string(data)
	switch {
	case strings.HasPrefix(s, "PING "):
		return parsePing(s)
	case strings.HasPrefix(s, "CFG "):
		return parseConfig(s)
	case strings.HasPrefix(s, "OTA_START:"):
		return parseOtaStart(s)
	case bytes.HasPrefix(data, []byte("OTA_DATA:")):
		return parseOtaData(data)
	case s == "OTA_END:":
		return OtaEnd{}, nil
	case s == "FW_UPDATE_AVAILABLE":
		return UpdateAvailable{}, nil
	case strings.HasPrefix(s, "FW_VERSION:"):
		return FirmwareVersion{Version: s[len("FW_VERSION:"):]}, nil
	case s == "UPDATE_NOW":
		return UpdateNow{}, nil
	case s == "REQUEST_UPDATE":
		return RequestUpdate{}, nil
	case s == "UPDATE_ACK":
		return UpdateAck{}, nil
	case s == "NO_FIRMWARE":
		return NoFirmware{}, nil
	}
	return nil, ErrUnknownFrame
}

func parsePing(s string) (Message, error) {
	v, ok := strings.CutPrefix(s, "PING seq=")
	if !ok {
		return nil, ErrMalformed
	}
	seq, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return nil, ErrMalformed
	}
	return Ping{Seq: uint32(seq)}, nil
}

// parseConfig honors a config frame only when all five fields parse; a
// partial frame must not cause a partial parameter change.
func parseConfig(s string) (Message, error) {
	var c Config
	n, err := fmt.Sscanf(s, "CFG F=%f BW=%f SF=%d CR=%d TX=%d",
		&c.FrequencyMHz, &c.BandwidthKHz, &c.SpreadingFactor, &c.CodingRate, &c.TxPowerDbm)
	if err != nil || n != 5 {
		return nil, ErrMalformed
	}
	return c, nil
}

func parseOtaStart(s string) (Message, error) {
	rest := s[len("OTA_START:"):]
	parts := strings.Split(rest, ":")
	if len(parts) != 2 {
		return nil, ErrMalformed
	}
	size, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, ErrMalformed
	}
	timeout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, ErrMalformed
	}
	return OtaStart{ExpectedSize: uint32(size), TimeoutMs: uint32(timeout)}, nil
}

func parseOtaData(data []byte) (Message, error) {
	rest := data[len("OTA_DATA:"):]
	sep := bytes.IndexByte(rest, ':')
	if sep < 0 {
		return nil, ErrMalformed
	}
	index, err := strconv.Atoi(string(rest[:sep]))
	if err != nil || index < 0 {
		return nil, ErrMalformed
	}
	payload := rest[sep+1:]
	if len(payload) > MaxChunkPayload {
		return nil, ErrMalformed
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return OtaData{Index: index, Payload: out}, nil
}
