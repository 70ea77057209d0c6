package node

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stormsense/loralink/protocol"
	"github.com/stormsense/loralink/radio"
)

// pendingBroadcast tracks a parameter change mid-announcement. The sender
// repeats the new configuration on the old channel and switches itself only
// after the last repeat, so receivers are never stranded.
type pendingBroadcast struct {
	target    radio.Params
	remaining int
	lastSend  time.Time
}

func (n *Node) startConfigBroadcast(target radio.Params) {
	if err := target.Validate(); err != nil {
		n.log.Warn("refusing to broadcast invalid params", "err", err)
		return
	}
	n.pending = &pendingBroadcast{
		target:    target,
		remaining: n.opts.BroadcastRepeats,
	}
	n.display.ShowStatus("Syncing...")
	n.log.Info("announcing new radio params", "target", target.String())
}

// stepBroadcast emits one repeat when the gap has elapsed and commits the
// change after the final repeat.
func (n *Node) stepBroadcast(now time.Time) {
	p := n.pending
	if p == nil {
		return
	}
	if !p.lastSend.IsZero() && now.Sub(p.lastSend) < n.opts.BroadcastGap {
		return
	}

	if err := n.ch.Transmit(configFrame(p.target).Encode()); err != nil {
		n.countTxError()
		n.log.Warn("config announce failed", "err", err)
	} else {
		n.countTx()
	}
	p.lastSend = now
	p.remaining--
	if p.remaining > 0 {
		return
	}

	n.pending = nil
	if err := n.commitParams(p.target); err != nil {
		n.log.Error("switch to announced params failed, staying on current channel", "err", err)
		n.display.ShowStatus("Sync failed")
		return
	}
	n.showParams()
}

// commitParams applies new parameters to the radio and persists them only
// once the radio has accepted them. On failure the previous configuration
// is restored.
func (n *Node) commitParams(target radio.Params) error {
	if err := target.Validate(); err != nil {
		return err
	}
	prev := n.params
	if err := n.ch.Reconfigure(target); err != nil {
		if rbErr := n.ch.Reconfigure(prev); rbErr != nil {
			return fmt.Errorf("apply %s failed (%w), rollback also failed: %v", target, err, rbErr)
		}
		return fmt.Errorf("apply %s: %w", target, err)
	}
	n.params = target
	if err := n.store.Save(n.params, n.sender); err != nil {
		n.log.Warn("persist params failed", "err", err)
	}
	return nil
}

// applyReceivedConfig retunes to a configuration announced by the sender.
// Re-delivery of the current configuration is a no-op and nothing is sent
// back: the announcement repeats stand in for an acknowledgement.
func (n *Node) applyReceivedConfig(m protocol.Config) {
	target := paramsFromConfig(m)
	if sameParams(target, n.params) {
		return
	}
	if err := n.commitParams(target); err != nil {
		n.log.Warn("announced params rejected", "err", err)
		return
	}
	n.log.Info("retuned to announced params", "params", n.params.String())
	n.showParams()
}

// rendezvous runs the boot-time exchange on the fixed control channel so a
// node with stale settings can still find the network. Whatever happens,
// the radio is put back on the node's own parameters.
func (n *Node) rendezvous(ctx context.Context) error {
	control := radio.Control(n.params.TxPowerDbm)
	if err := n.ch.Reconfigure(control); err != nil {
		return fmt.Errorf("tune control channel: %w", err)
	}

	if n.sender {
		n.broadcastOnControlChannel(ctx)
	} else {
		n.listenOnControlChannel(ctx)
	}

	if err := n.ch.Reconfigure(n.params); err != nil {
		return fmt.Errorf("leave control channel: %w", err)
	}
	return nil
}

// broadcastOnControlChannel announces the working configuration a fixed
// number of times. The initial delay gives peers that booted at the same
// moment time to reach their listen window.
func (n *Node) broadcastOnControlChannel(ctx context.Context) {
	n.display.ShowStatus("Announcing config")
	n.sleep(n.opts.RendezvousDelay)
	for i := 0; i < n.opts.RendezvousRepeats; i++ {
		if ctx.Err() != nil {
			return
		}
		if err := n.ch.Transmit(configFrame(n.params).Encode()); err != nil {
			n.countTxError()
			n.log.Warn("control channel announce failed", "err", err)
		} else {
			n.countTx()
		}
		n.sleep(n.opts.RendezvousInterval)
	}
}

// listenOnControlChannel waits for the sender's announcement and adopts it.
// Hearing nothing inside the window is normal for a node booting alone.
func (n *Node) listenOnControlChannel(ctx context.Context) {
	n.display.ShowStatus("Listening for config")
	deadline := n.now().Add(n.opts.RendezvousListen)
	for n.now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		pkt, err := n.ch.Receive(n.opts.RendezvousInterval)
		if err != nil {
			if !errors.Is(err, radio.ErrTimeout) {
				n.countRxError()
				n.log.Warn("control channel receive failed", "err", err)
			}
			continue
		}
		n.countRx(pkt)
		msg, err := protocol.Parse(pkt.Data)
		if err != nil {
			continue
		}
		m, ok := msg.(protocol.Config)
		if !ok {
			continue
		}
		target := paramsFromConfig(m)
		if err := target.Validate(); err != nil {
			n.log.Warn("announced config invalid", "err", err)
			continue
		}
		n.params = target
		if err := n.store.Save(n.params, n.sender); err != nil {
			n.log.Warn("persist params failed", "err", err)
		}
		n.log.Info("adopted config from control channel", "params", n.params.String())
		return
	}
	n.log.Info("no config heard on control channel, keeping own params",
		"params", n.params.String())
}

func configFrame(p radio.Params) protocol.Config {
	return protocol.Config{
		FrequencyMHz:    p.FrequencyMHz,
		BandwidthKHz:    p.BandwidthKHz,
		SpreadingFactor: p.SpreadingFactor,
		CodingRate:      p.CodingRate,
		TxPowerDbm:      p.TxPowerDbm,
	}
}

func paramsFromConfig(m protocol.Config) radio.Params {
	return radio.Params{
		FrequencyMHz:    m.FrequencyMHz,
		BandwidthKHz:    m.BandwidthKHz,
		SpreadingFactor: m.SpreadingFactor,
		CodingRate:      m.CodingRate,
		TxPowerDbm:      m.TxPowerDbm,
	}
}

// sameParams compares with a frequency tolerance matching the one-decimal
// wire encoding.
func sameParams(a, b radio.Params) bool {
	return math.Abs(a.FrequencyMHz-b.FrequencyMHz) < 0.05 &&
		math.Abs(a.BandwidthKHz-b.BandwidthKHz) < 0.05 &&
		a.SpreadingFactor == b.SpreadingFactor &&
		a.CodingRate == b.CodingRate &&
		a.TxPowerDbm == b.TxPowerDbm
}
