package radio

import "time"

// pipe is an in-process Channel for running without a modem attached. Two
// ends of a Pair see each other's traffic; a lone Demo channel hears
// nothing.
type pipe struct {
	params Params
	tx     chan<- []byte
	rx     <-chan []byte
}

// Pair returns two connected channels, one per simulated node.
func Pair() (Channel, Channel) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	return &pipe{tx: ab, rx: ba}, &pipe{tx: ba, rx: ab}
}

// Demo returns a channel with no peer.
func Demo() Channel {
	return &pipe{tx: make(chan []byte, 64), rx: make(chan []byte)}
}

func (p *pipe) Transmit(data []byte) error {
	select {
	case p.tx <- append([]byte(nil), data...):
	default:
		// peer not draining, drop like air would
	}
	return nil
}

func (p *pipe) Receive(timeout time.Duration) (Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-p.rx:
		return Packet{Data: data, RSSI: -40, SNR: 10}, nil
	case <-timer.C:
		return Packet{}, ErrTimeout
	}
}

func (p *pipe) Reconfigure(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	p.params = params
	return nil
}

func (p *pipe) Close() error { return nil }
