package node

import (
	"time"

	"github.com/blang/semver/v4"

	"github.com/stormsense/loralink/protocol"
)

// updateOffer tracks a peer's firmware announcement between the frames of
// the triple. It expires if UPDATE_NOW never arrives.
type updateOffer struct {
	version   string
	requested bool
	expires   time.Time
}

const offerLifetime = 5 * time.Second

func (n *Node) noteOffer(now time.Time) {
	if n.offer != nil && n.offer.requested {
		return
	}
	n.offer = &updateOffer{expires: now.Add(offerLifetime)}
}

func (n *Node) noteOfferVersion(version string, now time.Time) {
	if n.offer == nil {
		n.offer = &updateOffer{expires: now.Add(offerLifetime)}
	}
	n.offer.version = version
	n.offer.expires = now.Add(offerLifetime)
}

func (n *Node) checkOfferExpiry(now time.Time) {
	if n.offer != nil && now.After(n.offer.expires) {
		n.offer = nil
	}
}

// maybeRequestUpdate answers an availability marker (FW_UPDATE_AVAILABLE or
// UPDATE_NOW) with REQUEST_UPDATE, so a peer that caught only one marker of
// the repeated triple still joins the transfer. The request is sent once
// per offer and skipped when the offered version is known to be stale; the
// announcer repeats its triple, we must not flood it.
func (n *Node) maybeRequestUpdate(now time.Time) {
	if n.offer == nil || n.offer.requested {
		return
	}
	if !n.wantsVersion(n.offer.version) {
		n.log.Debug("ignoring firmware offer", "offered", n.offer.version)
		n.offer = nil
		return
	}
	n.offer.requested = true
	n.offer.expires = now.Add(offerLifetime)

	n.log.Info("requesting firmware update", "offered", n.offer.version)
	n.display.ShowStatus("Requesting update")
	if err := n.ch.Transmit(protocol.RequestUpdate{}.Encode()); err != nil {
		n.countTxError()
		n.log.Warn("update request failed", "err", err)
		n.offer = nil
		return
	}
	n.countTx()
}

// wantsVersion reports whether an offered version beats the local firmware.
// Unparseable versions are accepted: an announcer with a malformed version
// string is still newer than no firmware at all.
func (n *Node) wantsVersion(offered string) bool {
	ov, err := semver.Parse(offered)
	if err != nil {
		return true
	}
	if n.images == nil {
		return true
	}
	cur, ok := n.images.Current()
	if !ok {
		return true
	}
	return ov.GT(cur.Version)
}

// serveUpdateRequest answers a stray REQUEST_UPDATE heard outside a cascade
// window, so a peer that missed the window can still pull the image.
func (n *Node) serveUpdateRequest() {
	if n.images == nil {
		if err := n.otaSender.ServeRequest(nil); err != nil {
			n.log.Warn("no-firmware reply failed", "err", err)
		}
		return
	}
	image, img, err := n.images.Read()
	if err != nil {
		n.log.Warn("cannot serve update", "err", err)
		if err := n.otaSender.ServeRequest(nil); err != nil {
			n.log.Warn("no-firmware reply failed", "err", err)
		}
		return
	}
	n.display.ShowStatus("Serving update")
	if err := n.otaSender.ServeRequest(image); err != nil {
		n.log.Warn("update transfer failed", "version", img.Version, "err", err)
		return
	}
	n.log.Info("served firmware to peer", "version", img.Version)
}

// checkFirmwareDrop starts a cascade when a newer image lands in the local
// store: announce it, then serve whoever asks. The loop blocks for the
// duration of the cascade; normal traffic resumes afterwards.
func (n *Node) checkFirmwareDrop() {
	if n.images == nil {
		return
	}
	select {
	case img := <-n.images.Updates():
		n.runCascade(img.Version.String())
	default:
	}
}

func (n *Node) runCascade(version string) {
	image, img, err := n.images.Read()
	if err != nil {
		n.log.Warn("cascade aborted, image unreadable", "err", err)
		return
	}
	n.log.Info("starting firmware cascade", "version", img.Version, "bytes", len(image))
	n.display.ShowStatus("Offering update " + version)

	// repeat the channel config first so stragglers are tuned in before
	// the announce triple starts
	for i := 0; i < n.opts.BroadcastRepeats; i++ {
		if err := n.ch.Transmit(configFrame(n.params).Encode()); err != nil {
			n.countTxError()
		} else {
			n.countTx()
		}
		n.sleep(250 * time.Millisecond)
	}

	if err := n.otaSender.Announce(version); err != nil {
		n.log.Warn("cascade announce failed", "err", err)
		return
	}
	served := n.otaSender.AwaitRequests(image, version)
	n.log.Info("firmware cascade finished", "version", version, "served", served)
	n.showParams()
}
