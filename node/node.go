// Package node runs the telemetry node's control loop: ping traffic,
// configuration sync, and firmware distribution over one radio channel.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stormsense/loralink/firmware"
	"github.com/stormsense/loralink/ota"
	"github.com/stormsense/loralink/protocol"
	"github.com/stormsense/loralink/radio"
	"github.com/stormsense/loralink/settings"
)

// Options configures a Node. Zero durations fall back to protocol defaults.
type Options struct {
	Sender bool
	Params radio.Params

	PingInterval     time.Duration
	Tick             time.Duration
	ReceivePoll      time.Duration
	BroadcastRepeats int
	BroadcastGap     time.Duration

	RendezvousDelay    time.Duration
	RendezvousRepeats  int
	RendezvousInterval time.Duration
	RendezvousListen   time.Duration

	MaxImageSize int
	FlashPath    string
}

func (o *Options) applyDefaults() {
	if o.PingInterval == 0 {
		o.PingInterval = 2 * time.Second
	}
	if o.Tick == 0 {
		o.Tick = 10 * time.Millisecond
	}
	if o.ReceivePoll == 0 {
		o.ReceivePoll = 50 * time.Millisecond
	}
	if o.BroadcastRepeats == 0 {
		o.BroadcastRepeats = 8
	}
	if o.BroadcastGap == 0 {
		o.BroadcastGap = 300 * time.Millisecond
	}
	if o.RendezvousDelay == 0 {
		o.RendezvousDelay = 750 * time.Millisecond
	}
	if o.RendezvousRepeats == 0 {
		o.RendezvousRepeats = 6
	}
	if o.RendezvousInterval == 0 {
		o.RendezvousInterval = 250 * time.Millisecond
	}
	if o.RendezvousListen == 0 {
		o.RendezvousListen = 6 * time.Second
	}
	if o.MaxImageSize == 0 {
		o.MaxImageSize = 4 << 20
	}
}

// Status is a point-in-time snapshot of the node for the HTTP view and
// metrics.
type Status struct {
	Sender          bool         `json:"sender"`
	Params          radio.Params `json:"params"`
	PingSeq         uint32       `json:"pingSeq"`
	PacketsSent     uint64       `json:"packetsSent"`
	PacketsReceived uint64       `json:"packetsReceived"`
	TxErrors        uint64       `json:"txErrors"`
	RxErrors        uint64       `json:"rxErrors"`
	LastRSSI        float64      `json:"lastRssi"`
	LastSNR         float64      `json:"lastSnr"`
	LastPacketAt    time.Time    `json:"lastPacketAt"`
	OtaState        string       `json:"otaState"`
	OtaProgress     int          `json:"otaProgress"`
	OtaBytes        uint64       `json:"otaBytes"`
	Firmware        string       `json:"firmware"`
}

// Node owns the radio and all protocol state. All protocol work happens on
// the Run goroutine; Status and PressButton are the only concurrent entry
// points.
type Node struct {
	opts    Options
	ch      radio.Channel
	store   *settings.Store
	images  *firmware.Store
	display Display
	log     *slog.Logger

	sender  bool
	params  radio.Params
	pingSeq uint32

	session   *ota.Session
	otaSender *ota.Sender

	pending *pendingBroadcast
	offer   *updateOffer

	presses chan time.Duration

	mu     sync.Mutex
	status Status

	now   func() time.Time
	sleep func(time.Duration)
}

// New builds a Node. images may be nil when the node has no local firmware
// store to cascade from.
func New(opts Options, ch radio.Channel, store *settings.Store, images *firmware.Store, display Display, logger *slog.Logger) *Node {
	opts.applyDefaults()
	if display == nil {
		display = nopDisplay{}
	}
	n := &Node{
		opts:    opts,
		ch:      ch,
		store:   store,
		images:  images,
		display: display,
		log:     logger,
		sender:  opts.Sender,
		params:  opts.Params,
		presses: make(chan time.Duration, 4),
		now:     time.Now,
		sleep:   time.Sleep,
	}
	n.session = ota.NewSession(ota.NewFileFlasher(opts.FlashPath, logger), opts.MaxImageSize, logger)
	n.otaSender = ota.NewSender(ch, ota.DefaultSenderConfig(), logger)
	n.syncStatus()
	return n
}

// PressButton records one button press for the control loop to act on.
// Presses queued faster than the loop drains them are dropped.
func (n *Node) PressButton(held time.Duration) {
	select {
	case n.presses <- held:
	default:
	}
}

// Status returns the latest snapshot. Safe to call from any goroutine.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Run executes the boot rendezvous and then the control loop until the
// context is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.ch.Reconfigure(n.params); err != nil {
		return fmt.Errorf("apply radio params: %w", err)
	}
	n.showParams()

	if err := n.rendezvous(ctx); err != nil {
		return err
	}
	if n.sender {
		// receivers already mid-run only heard the control channel at
		// their own boot, so repeat the working config on the data channel
		n.startConfigBroadcast(n.params)
	}

	n.log.Info("control loop started", "sender", n.sender, "params", n.params.String())
	nextPing := n.now()

	ticker := time.NewTicker(n.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := n.now()

		n.drainPresses()
		n.stepBroadcast(now)

		if n.sender && n.pending == nil && !now.Before(nextPing) {
			n.sendPing()
			nextPing = now.Add(n.opts.PingInterval)
		}

		n.pollReceive(now)

		if n.session.CheckTimeout(n.now()) {
			n.display.ShowStatus("Update timed out")
		}
		n.checkFirmwareDrop()
		n.checkOfferExpiry(n.now())
		n.syncStatus()
	}
}

func (n *Node) drainPresses() {
	for {
		select {
		case held := <-n.presses:
			n.handlePress(held)
		default:
			return
		}
	}
}

func (n *Node) handlePress(held time.Duration) {
	action := ClassifyPress(held)
	if action == ActionIgnore {
		return
	}
	n.log.Info("button press", "heldMs", held.Milliseconds(), "action", action.String())

	switch action {
	case ActionToggleMode:
		n.sender = !n.sender
		if err := n.store.Save(n.params, n.sender); err != nil {
			n.log.Warn("persist mode failed", "err", err)
		}
		n.showParams()
	case ActionCycleSpreadingFactor:
		n.proposeParams(n.params.CycleSpreadingFactor())
	case ActionCycleBandwidth:
		n.proposeParams(n.params.CycleBandwidth())
	}
}

// proposeParams routes a parameter change: senders broadcast it to the
// network first, receivers apply it locally.
func (n *Node) proposeParams(target radio.Params) {
	if n.sender {
		n.startConfigBroadcast(target)
		return
	}
	if err := n.commitParams(target); err != nil {
		n.log.Warn("parameter change rejected", "err", err)
		return
	}
	n.showParams()
}

func (n *Node) sendPing() {
	msg := protocol.Ping{Seq: n.pingSeq}
	// seq advances whether or not the frame made it out
	n.pingSeq++
	if err := n.ch.Transmit(msg.Encode()); err != nil {
		n.countTxError()
		n.log.Warn("ping transmit failed", "seq", msg.Seq, "err", err)
		return
	}
	n.countTx()
	n.display.ShowStatus(fmt.Sprintf("Ping %d", msg.Seq))
}

func (n *Node) pollReceive(now time.Time) {
	pkt, err := n.ch.Receive(n.opts.ReceivePoll)
	if err != nil {
		if !errors.Is(err, radio.ErrTimeout) {
			n.countRxError()
			n.log.Warn("receive failed", "err", err)
		}
		return
	}
	n.countRx(pkt)

	msg, err := protocol.Parse(pkt.Data)
	if err != nil {
		n.log.Debug("unparseable frame", "data", string(pkt.Data), "err", err)
		return
	}
	n.handleMessage(msg, pkt, now)
}

func (n *Node) handleMessage(msg protocol.Message, pkt radio.Packet, now time.Time) {
	switch m := msg.(type) {
	case protocol.Ping:
		n.display.ShowStatus(fmt.Sprintf("Ping %d  RSSI %.0f", m.Seq, pkt.RSSI))
	case protocol.Config:
		n.applyReceivedConfig(m)
	case protocol.OtaStart:
		if err := n.session.HandleStart(m, now); err != nil {
			n.log.Warn("update refused", "err", err)
			return
		}
		n.display.ShowProgress("Updating", 0)
	case protocol.OtaData:
		if n.session.HandleData(m) {
			n.countOtaBytes(len(m.Payload))
			n.display.ShowProgress("Updating", n.session.Progress())
		}
	case protocol.OtaEnd:
		if err := n.session.HandleEnd(); err != nil {
			n.log.Error("firmware install failed", "err", err)
			n.display.ShowStatus("Update failed")
		}
	case protocol.UpdateAvailable:
		n.noteOffer(now)
		n.maybeRequestUpdate(now)
	case protocol.FirmwareVersion:
		n.noteOfferVersion(m.Version, now)
	case protocol.UpdateNow:
		n.noteOffer(now)
		n.maybeRequestUpdate(now)
	case protocol.RequestUpdate:
		n.serveUpdateRequest()
	case protocol.UpdateAck:
		n.display.ShowStatus("Update starting")
	case protocol.NoFirmware:
		n.display.ShowStatus("Peer has no firmware")
	}
}

func (n *Node) showParams() {
	mode := "RX"
	if n.sender {
		mode = "TX"
	}
	n.display.ShowStatus(fmt.Sprintf("%s %s", mode, n.params.String()))
}

func (n *Node) countTx() {
	n.mu.Lock()
	n.status.PacketsSent++
	n.mu.Unlock()
}

func (n *Node) countTxError() {
	n.mu.Lock()
	n.status.TxErrors++
	n.mu.Unlock()
}

func (n *Node) countRx(pkt radio.Packet) {
	n.mu.Lock()
	n.status.PacketsReceived++
	n.status.LastRSSI = pkt.RSSI
	n.status.LastSNR = pkt.SNR
	n.status.LastPacketAt = n.now()
	n.mu.Unlock()
}

func (n *Node) countRxError() {
	n.mu.Lock()
	n.status.RxErrors++
	n.mu.Unlock()
}

func (n *Node) countOtaBytes(nbytes int) {
	n.mu.Lock()
	n.status.OtaBytes += uint64(nbytes)
	n.mu.Unlock()
}

func (n *Node) syncStatus() {
	n.mu.Lock()
	n.status.Sender = n.sender
	n.status.Params = n.params
	n.status.PingSeq = n.pingSeq
	n.status.OtaState = n.session.State().String()
	n.status.OtaProgress = n.session.Progress()
	if n.images != nil {
		if img, ok := n.images.Current(); ok {
			n.status.Firmware = img.Version.String()
		}
	}
	n.mu.Unlock()
}
