package node

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stormsense/loralink/ota"
	"github.com/stormsense/loralink/protocol"
	"github.com/stormsense/loralink/radio"
	"github.com/stormsense/loralink/settings"
)

type fakeFlasher struct {
	image     []byte
	restarted bool
}

func (f *fakeFlasher) Write(image []byte) error {
	f.image = append([]byte(nil), image...)
	return nil
}

func (f *fakeFlasher) Restart() { f.restarted = true }

type fakeChannel struct {
	sent      [][]byte
	inbound   [][]byte
	txErr     error
	reconfErr error
	reconfigs []radio.Params
}

func (f *fakeChannel) Transmit(data []byte) error {
	if f.txErr != nil {
		return f.txErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) Receive(timeout time.Duration) (radio.Packet, error) {
	if len(f.inbound) == 0 {
		return radio.Packet{}, radio.ErrTimeout
	}
	data := f.inbound[0]
	f.inbound = f.inbound[1:]
	return radio.Packet{Data: data, RSSI: -70, SNR: 8}, nil
}

func (f *fakeChannel) Reconfigure(p radio.Params) error {
	if f.reconfErr != nil {
		return f.reconfErr
	}
	f.reconfigs = append(f.reconfigs, p)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

type fakeDisplay struct {
	lines []string
}

func (d *fakeDisplay) ShowStatus(line string) { d.lines = append(d.lines, line) }
func (d *fakeDisplay) ShowProgress(label string, percent int) {
	d.lines = append(d.lines, fmt.Sprintf("%s %d%%", label, percent))
}

func testNode(t *testing.T, sender bool, ch radio.Channel) (*Node, *fakeDisplay) {
	t.Helper()
	dir := t.TempDir()
	store := settings.NewStore(filepath.Join(dir, "settings.yaml"))
	disp := &fakeDisplay{}
	opts := Options{
		Sender:    sender,
		Params:    radio.Default(),
		FlashPath: filepath.Join(dir, "staged.bin"),
	}
	n := New(opts, ch, store, nil, disp, slog.New(slog.DiscardHandler))
	n.sleep = func(time.Duration) {}
	return n, disp
}

func TestClassifyPressBoundaries(t *testing.T) {
	cases := []struct {
		held time.Duration
		want ButtonAction
	}{
		{99 * time.Millisecond, ActionIgnore},
		{100 * time.Millisecond, ActionToggleMode},
		{999 * time.Millisecond, ActionToggleMode},
		{1000 * time.Millisecond, ActionCycleSpreadingFactor},
		{2999 * time.Millisecond, ActionCycleSpreadingFactor},
		{3000 * time.Millisecond, ActionCycleBandwidth},
		{time.Hour, ActionCycleBandwidth},
	}
	for _, c := range cases {
		if got := ClassifyPress(c.held); got != c.want {
			t.Errorf("ClassifyPress(%v) = %v, want %v", c.held, got, c.want)
		}
	}
}

func TestSenderBroadcastSwitchesLast(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, true, ch)

	target := n.params.CycleSpreadingFactor()
	n.startConfigBroadcast(target)

	now := time.Now()
	for i := 0; i < 20 && n.pending != nil; i++ {
		// the radio stays on the old channel until the final repeat
		if len(ch.reconfigs) != 0 {
			t.Fatalf("reconfigured after %d repeats, before broadcast finished", i)
		}
		n.stepBroadcast(now)
		now = now.Add(301 * time.Millisecond)
	}

	if len(ch.sent) != 8 {
		t.Fatalf("sent %d config frames, want 8", len(ch.sent))
	}
	for i, frame := range ch.sent {
		m, err := protocol.Parse(frame)
		if err != nil {
			t.Fatalf("frame %d unparseable: %v", i, err)
		}
		if _, ok := m.(protocol.Config); !ok {
			t.Fatalf("frame %d = %#v, want config", i, m)
		}
	}
	if len(ch.reconfigs) != 1 || ch.reconfigs[0].SpreadingFactor != target.SpreadingFactor {
		t.Fatalf("reconfigs = %v, want single switch to SF%d", ch.reconfigs, target.SpreadingFactor)
	}
	if n.params.SpreadingFactor != target.SpreadingFactor {
		t.Fatalf("params not committed: %v", n.params)
	}
}

func TestBroadcastHonorsGap(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, true, ch)

	n.startConfigBroadcast(n.params.CycleBandwidth())
	now := time.Now()
	n.stepBroadcast(now)
	n.stepBroadcast(now.Add(100 * time.Millisecond))
	n.stepBroadcast(now.Add(299 * time.Millisecond))
	if len(ch.sent) != 1 {
		t.Fatalf("sent %d frames inside the gap, want 1", len(ch.sent))
	}
	n.stepBroadcast(now.Add(300 * time.Millisecond))
	if len(ch.sent) != 2 {
		t.Fatalf("sent %d frames after gap elapsed, want 2", len(ch.sent))
	}
}

func TestBroadcastCommitFailureKeepsOldParams(t *testing.T) {
	ch := &fakeChannel{}
	n, disp := testNode(t, true, ch)
	old := n.params

	n.startConfigBroadcast(n.params.CycleSpreadingFactor())
	ch.reconfErr = fmt.Errorf("modem rejected")

	now := time.Now()
	for i := 0; i < 20 && n.pending != nil; i++ {
		n.stepBroadcast(now)
		now = now.Add(301 * time.Millisecond)
	}
	if n.params != old {
		t.Fatalf("params changed despite radio rejection: %v", n.params)
	}
	last := disp.lines[len(disp.lines)-1]
	if last != "Sync failed" {
		t.Fatalf("last display line = %q, want %q", last, "Sync failed")
	}
}

func TestApplyReceivedConfigIdempotent(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, false, ch)

	n.applyReceivedConfig(configFrame(n.params))
	if len(ch.reconfigs) != 0 {
		t.Fatal("reconfigured for a config we already run")
	}
	if len(ch.sent) != 0 {
		t.Fatal("a config frame must never be answered")
	}

	target := n.params.CycleSpreadingFactor()
	n.applyReceivedConfig(configFrame(target))
	if len(ch.reconfigs) != 1 {
		t.Fatalf("reconfigs = %d, want 1", len(ch.reconfigs))
	}
	if n.params.SpreadingFactor != target.SpreadingFactor {
		t.Fatalf("params = %v, want SF%d", n.params, target.SpreadingFactor)
	}
	if len(ch.sent) != 0 {
		t.Fatal("a config frame must never be answered")
	}
}

func TestPingSeqAdvancesOnTxFailure(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, true, ch)

	n.sendPing()
	ch.txErr = fmt.Errorf("modem busy")
	n.sendPing()
	ch.txErr = nil
	n.sendPing()

	if n.pingSeq != 3 {
		t.Fatalf("pingSeq = %d, want 3", n.pingSeq)
	}
	if len(ch.sent) != 2 {
		t.Fatalf("sent %d pings, want 2", len(ch.sent))
	}
	m, err := protocol.Parse(ch.sent[1])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p, ok := m.(protocol.Ping); !ok || p.Seq != 2 {
		t.Fatalf("second sent ping = %#v, want seq 2", m)
	}
}

func TestSenderRendezvousAnnouncesAndRestores(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, true, ch)

	if err := n.rendezvous(context.Background()); err != nil {
		t.Fatalf("rendezvous: %v", err)
	}
	if len(ch.sent) != 6 {
		t.Fatalf("sent %d control frames, want 6", len(ch.sent))
	}
	if len(ch.reconfigs) != 2 {
		t.Fatalf("reconfigs = %d, want control then own", len(ch.reconfigs))
	}
	control := radio.Control(n.params.TxPowerDbm)
	if ch.reconfigs[0] != control {
		t.Fatalf("first reconfig = %v, want control channel", ch.reconfigs[0])
	}
	if ch.reconfigs[1] != n.params {
		t.Fatalf("final reconfig = %v, want own params", ch.reconfigs[1])
	}
}

func TestReceiverRendezvousAdoptsConfig(t *testing.T) {
	announced := radio.Default().CycleSpreadingFactor()
	ch := &fakeChannel{inbound: [][]byte{
		[]byte("garbage"),
		configFrame(announced).Encode(),
	}}
	n, _ := testNode(t, false, ch)

	if err := n.rendezvous(context.Background()); err != nil {
		t.Fatalf("rendezvous: %v", err)
	}
	if n.params.SpreadingFactor != announced.SpreadingFactor {
		t.Fatalf("params = %v, want adopted SF%d", n.params, announced.SpreadingFactor)
	}
	last := ch.reconfigs[len(ch.reconfigs)-1]
	if last.SpreadingFactor != announced.SpreadingFactor {
		t.Fatalf("radio left on %v, want adopted params", last)
	}
}

func TestReceiverRendezvousTimesOutToOwnParams(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, false, ch)
	n.opts.RendezvousListen = 50 * time.Millisecond
	n.opts.RendezvousInterval = 5 * time.Millisecond
	own := n.params

	if err := n.rendezvous(context.Background()); err != nil {
		t.Fatalf("rendezvous: %v", err)
	}
	if n.params != own {
		t.Fatalf("params = %v, want unchanged", n.params)
	}
	last := ch.reconfigs[len(ch.reconfigs)-1]
	if last != own {
		t.Fatalf("radio left on %v, want own params", last)
	}
}

func TestReceiverCyclesApplyLocally(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, false, ch)

	n.handlePress(1500 * time.Millisecond)
	if n.pending != nil {
		t.Fatal("receiver started a broadcast")
	}
	if len(ch.sent) != 0 {
		t.Fatal("receiver transmitted a config frame")
	}
	if len(ch.reconfigs) != 1 {
		t.Fatalf("reconfigs = %d, want 1", len(ch.reconfigs))
	}
	if n.params.SpreadingFactor != radio.Default().CycleSpreadingFactor().SpreadingFactor {
		t.Fatalf("params = %v", n.params)
	}
}

func TestToggleModePersists(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, false, ch)

	n.handlePress(500 * time.Millisecond)
	if !n.sender {
		t.Fatal("mode did not toggle")
	}
	params, sender, err := n.store.Load(radio.Default(), false)
	if err != nil {
		t.Fatalf("reload settings: %v", err)
	}
	if !sender {
		t.Fatal("toggled mode not persisted")
	}
	if params != n.params {
		t.Fatalf("persisted params = %v, want %v", params, n.params)
	}
}

func TestAnnouncementTripleTriggersOneRequest(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, true, ch)
	now := time.Now()

	for i := 0; i < 3; i++ {
		n.noteOffer(now)
		n.noteOfferVersion("9.9.9", now)
		n.maybeRequestUpdate(now)
	}

	requests := 0
	for _, frame := range ch.sent {
		if bytes.Equal(frame, []byte("REQUEST_UPDATE")) {
			requests++
		}
	}
	if requests != 1 {
		t.Fatalf("sent %d update requests, want 1", requests)
	}
}

func TestAvailabilityMarkerAloneTriggersRequest(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, true, ch)
	now := time.Now()

	// all UPDATE_NOW copies lost, only the first marker gets through
	for i := 0; i < 10; i++ {
		n.handleMessage(protocol.UpdateAvailable{}, radio.Packet{}, now)
	}

	requests := 0
	for _, frame := range ch.sent {
		if bytes.Equal(frame, []byte("REQUEST_UPDATE")) {
			requests++
		}
	}
	if requests != 1 {
		t.Fatalf("sent %d update requests, want 1", requests)
	}

	ch.sent = nil
	n.handleMessage(protocol.UpdateNow{}, radio.Packet{}, now)
	if len(ch.sent) != 0 {
		t.Fatal("request repeated for the same offer")
	}
}

func TestUpdateNowWithoutPriorMarkerTriggersRequest(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, true, ch)

	n.handleMessage(protocol.UpdateNow{}, radio.Packet{}, time.Now())
	if len(ch.sent) != 1 || !bytes.Equal(ch.sent[0], []byte("REQUEST_UPDATE")) {
		t.Fatalf("sent = %q, want single REQUEST_UPDATE", ch.sent)
	}
}

func TestSenderBootBroadcastsConfigOnDataChannel(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, true, ch)
	n.opts.Tick = time.Millisecond
	n.opts.BroadcastGap = time.Millisecond
	n.opts.RendezvousRepeats = 1
	n.opts.ReceivePoll = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	n.Run(ctx)

	cfgFrames := 0
	for _, frame := range ch.sent {
		if m, err := protocol.Parse(frame); err == nil {
			if _, ok := m.(protocol.Config); ok {
				cfgFrames++
			}
		}
	}
	// one rendezvous repeat on the control channel, then the full boot
	// broadcast on the data channel
	if want := 1 + n.opts.BroadcastRepeats; cfgFrames != want {
		t.Fatalf("sent %d config frames at boot, want %d", cfgFrames, want)
	}
}

func TestConfigSyncAcrossLink(t *testing.T) {
	senderCh, recvCh := radio.Pair()
	sender, _ := testNode(t, true, senderCh)
	recv, _ := testNode(t, false, recvCh)
	recv.opts.ReceivePoll = time.Millisecond

	target := sender.params.CycleSpreadingFactor()
	sender.startConfigBroadcast(target)

	now := time.Now()
	for i := 0; i < 20 && sender.pending != nil; i++ {
		sender.stepBroadcast(now)
		now = now.Add(301 * time.Millisecond)
		recv.pollReceive(now)
	}
	for i := 0; i < 10; i++ {
		recv.pollReceive(now)
	}

	if sender.params.SpreadingFactor != target.SpreadingFactor {
		t.Fatalf("sender params = %v, want SF%d", sender.params, target.SpreadingFactor)
	}
	if recv.params.SpreadingFactor != target.SpreadingFactor {
		t.Fatalf("receiver params = %v, want SF%d", recv.params, target.SpreadingFactor)
	}
	if recv.Status().PacketsReceived == 0 {
		t.Fatal("receiver saw no traffic")
	}
}

func TestOfferExpires(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := testNode(t, false, ch)
	now := time.Now()

	n.noteOffer(now)
	n.noteOfferVersion("9.9.9", now)
	n.checkOfferExpiry(now.Add(offerLifetime + time.Second))
	n.maybeRequestUpdate(now.Add(offerLifetime + time.Second))

	if len(ch.sent) != 0 {
		t.Fatal("expired offer still produced a request")
	}
}

func TestReceivedUpdateFlowReachesFlashing(t *testing.T) {
	ch := &fakeChannel{}
	n, disp := testNode(t, false, ch)
	n.session = ota.NewSession(&fakeFlasher{}, 1<<20, slog.New(slog.DiscardHandler))

	now := time.Now()
	image := bytes.Repeat([]byte{0xEE}, 300)
	n.handleMessage(protocol.OtaStart{ExpectedSize: 300, TimeoutMs: 5000}, radio.Packet{}, now)
	n.handleMessage(protocol.OtaData{Index: 0, Payload: image[:200]}, radio.Packet{}, now)
	n.handleMessage(protocol.OtaData{Index: 1, Payload: image[200:]}, radio.Packet{}, now)
	n.handleMessage(protocol.OtaEnd{}, radio.Packet{}, now)

	if got := n.session.State().String(); got != "flashing" {
		t.Fatalf("session state = %q, want flashing", got)
	}
	found := false
	for _, line := range disp.lines {
		if line == "Updating 100%" {
			found = true
		}
	}
	if !found {
		t.Fatalf("progress never reached 100%%: %v", disp.lines)
	}
}
