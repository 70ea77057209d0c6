// Package rylr drives RYLR896/RYLR998-class LoRa modems over their serial
// AT-command interface and adapts them to the radio.Channel contract.
package rylr

import (
	"bufio"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/stormsense/loralink/radio"
)

const (
	maxPayload     = 240
	commandTimeout = 10 * time.Second
	readSlice      = 20 * time.Millisecond
)

// Config holds the serial-side settings for a modem.
type Config struct {
	Port      string `yaml:"port" json:"port"`
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	Address   uint16 `yaml:"address" json:"address"`     // our transceiver address
	PeerAddr  uint16 `yaml:"peer_addr" json:"peerAddr"`  // 0 broadcasts
	NetworkID uint8  `yaml:"network_id" json:"networkId"`
}

// Modem is a radio.Channel backed by a serial AT modem. Not safe for
// concurrent use; the node's control loop is the only caller.
type Modem struct {
	cfg    Config
	port   serial.Port
	reader *bufio.Reader
	log    *slog.Logger

	// unsolicited +RCV lines that arrived while waiting for a command
	// response are queued here until the next Receive call
	pending []radio.Packet
}

// Open opens the serial port and checks the modem responds to AT.
func Open(cfg Config, logger *slog.Logger) (*Modem, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}

	m := &Modem{
		cfg:    cfg,
		port:   port,
		reader: bufio.NewReader(port),
		log:    logger,
	}

	if err := m.command("AT"); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("modem not responding on %s: %w", cfg.Port, err)
	}
	if err := m.command(fmt.Sprintf("AT+ADDRESS=%d", cfg.Address)); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set address: %w", err)
	}
	if err := m.command(fmt.Sprintf("AT+NETWORKID=%d", cfg.NetworkID)); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set network id: %w", err)
	}
	return m, nil
}

// Reconfigure pushes a full parameter set into the modem. The RYLR takes
// bandwidth as a table index and center frequency in Hz.
func (m *Modem) Reconfigure(p radio.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	bw, err := bandwidthIndex(p.BandwidthKHz)
	if err != nil {
		return err
	}
	// RYLR coding rate argument is the denominator offset: 4/5 -> 1.
	cr := p.CodingRate - 4

	if err := m.command(fmt.Sprintf("AT+BAND=%d", int(p.FrequencyMHz*1e6))); err != nil {
		return fmt.Errorf("set band: %w", err)
	}
	if err := m.command(fmt.Sprintf("AT+PARAMETER=%d,%d,%d,%d", p.SpreadingFactor, bw, cr, 4)); err != nil {
		return fmt.Errorf("set parameters: %w", err)
	}
	if err := m.command(fmt.Sprintf("AT+CRFOP=%d", clampTxPower(p.TxPowerDbm))); err != nil {
		return fmt.Errorf("set tx power: %w", err)
	}
	return nil
}

// Transmit sends one payload to the configured peer address.
func (m *Modem) Transmit(data []byte) error {
	if len(data) > maxPayload {
		return fmt.Errorf("payload %d bytes exceeds modem limit %d", len(data), maxPayload)
	}
	cmd := fmt.Sprintf("AT+SEND=%d,%d,%s", m.cfg.PeerAddr, len(data), string(data))
	return m.command(cmd)
}

// Receive waits up to timeout for one inbound +RCV report.
func (m *Modem) Receive(timeout time.Duration) (radio.Packet, error) {
	if len(m.pending) > 0 {
		pkt := m.pending[0]
		m.pending = m.pending[1:]
		return pkt, nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := m.readLine(readSlice)
		if err != nil {
			continue // read slice elapsed, keep polling until deadline
		}
		if pkt, ok := parseRcv(line); ok {
			return pkt, nil
		}
		if code, ok := strings.CutPrefix(line, "+ERR="); ok {
			return radio.Packet{}, fmt.Errorf("modem error %s", code)
		}
		// stray +OK or noise between frames, skip
	}
	return radio.Packet{}, radio.ErrTimeout
}

func (m *Modem) Close() error {
	return m.port.Close()
}

// command writes one AT command and waits for +OK, queueing any +RCV lines
// that arrive in the meantime.
func (m *Modem) command(cmd string) error {
	if _, err := m.port.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	deadline := time.Now().Add(commandTimeout)
	for time.Now().Before(deadline) {
		line, err := m.readLine(readSlice)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "+OK"):
			return nil
		case strings.HasPrefix(line, "+ERR="):
			return fmt.Errorf("modem rejected %q: %s", cmd, line)
		case strings.HasPrefix(line, "+RCV="):
			if pkt, ok := parseRcv(line); ok {
				m.pending = append(m.pending, pkt)
			}
		default:
			// informational response (+ADDRESS=..., +BAND=...), keep waiting
			m.log.Debug("modem response", "line", line)
		}
	}
	return fmt.Errorf("timeout waiting for response to %q", cmd)
}

func (m *Modem) readLine(slice time.Duration) (string, error) {
	if err := m.port.SetReadTimeout(slice); err != nil {
		return "", err
	}
	line, err := m.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseRcv decodes "+RCV=<addr>,<len>,<data>,<rssi>,<snr>". The data field
// is length-delimited, not comma-delimited: payloads may contain commas.
func parseRcv(line string) (radio.Packet, bool) {
	payload, ok := strings.CutPrefix(line, "+RCV=")
	if !ok {
		return radio.Packet{}, false
	}

	i1 := strings.IndexByte(payload, ',')
	if i1 < 0 {
		return radio.Packet{}, false
	}
	rest := payload[i1+1:]
	i2 := strings.IndexByte(rest, ',')
	if i2 < 0 {
		return radio.Packet{}, false
	}
	length, err := strconv.Atoi(rest[:i2])
	if err != nil || length < 0 {
		return radio.Packet{}, false
	}

	data := rest[i2+1:]
	if len(data) < length+1 || data[length] != ',' {
		return radio.Packet{}, false
	}
	tail := strings.Split(data[length+1:], ",")
	if len(tail) != 2 {
		return radio.Packet{}, false
	}
	rssi, err := strconv.ParseFloat(tail[0], 64)
	if err != nil {
		return radio.Packet{}, false
	}
	snr, err := strconv.ParseFloat(tail[1], 64)
	if err != nil {
		return radio.Packet{}, false
	}

	return radio.Packet{
		Data: []byte(data[:length]),
		RSSI: rssi,
		SNR:  snr,
	}, true
}

// bandwidthIndex maps kHz to the modem's bandwidth table index.
func bandwidthIndex(khz float64) (int, error) {
	switch khz {
	case 62.5:
		return 6, nil
	case 125:
		return 7, nil
	case 250:
		return 8, nil
	case 500:
		return 9, nil
	}
	return 0, fmt.Errorf("bandwidth %.1f kHz not supported by modem", khz)
}

// clampTxPower fits a dBm value into the modem's 0-22 CRFOP range.
func clampTxPower(dbm int) int {
	if dbm < 0 {
		return 0
	}
	if dbm > 22 {
		return 22
	}
	return dbm
}
