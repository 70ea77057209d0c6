package radio

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Receive when no packet arrived inside the
// allotted window. It is the quiet steady state of a listening node, not a
// fault.
var ErrTimeout = errors.New("radio: receive timeout")

// Packet is one received LoRa payload with its link-quality readings.
type Packet struct {
	Data []byte
	RSSI float64 // dBm
	SNR  float64 // dB
}

// Channel is a half-duplex packet transceiver. Implementations own the
// hardware; the protocols treat this as given. A Channel is not safe for
// concurrent use; the control loop serializes access by construction.
type Channel interface {
	// Transmit sends one payload. Blocks until the radio accepts or
	// rejects it.
	Transmit(data []byte) error

	// Receive waits up to timeout for one inbound packet. Returns
	// ErrTimeout when nothing arrived; any other error is a radio fault.
	Receive(timeout time.Duration) (Packet, error)

	// Reconfigure switches the radio to the given parameters. On failure
	// the radio keeps whatever configuration it actually holds.
	Reconfigure(p Params) error

	Close() error
}
