package device

import (
	"crypto/x509"
	"time"

	"github.com/kdeconnectd/devicecore/internal/corelog"
	"github.com/kdeconnectd/devicecore/pkg/packet"
)

// Pair sends a kdeconnect.pair packet carrying the pair/unpair flag.
// When expectResponse is true (the normal case for a fresh pair
// request) a 30-second timer is armed; if no pair reply arrives in
// time, onPairTimeout behaves exactly as a received pair:false (spec
// §4.3.2). expectResponse is false for the one-shot acknowledgement
// sent back to an unsolicited peer-initiated pair request.
func (d *Device) Pair(pair, expectResponse bool) error {
	d.mu.Lock()
	if d.state != StateReady {
		d.mu.Unlock()
		return ErrNotActive
	}
	ch := d.ch
	if expectResponse {
		d.cancelPairTimerLocked()
		d.pairArmed = true
		d.pairDeadline = time.Now().Add(PairTimeout)
		gen := d.generation
		d.pairTimer = time.AfterFunc(PairTimeout, func() { d.onPairTimeout(gen) })
	}
	d.mu.Unlock()

	p, err := packet.Pair(pair)
	if err != nil {
		return err
	}
	return ch.Send(p)
}

// PairDeadline returns the time the current pair request will time
// out, and whether one is in progress. Zero time when not armed.
func (d *Device) PairDeadline() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pairArmed {
		return time.Time{}, false
	}
	return d.pairDeadline, true
}

func (d *Device) onPairTimeout(gen uint64) {
	d.mu.Lock()
	if gen != d.generation || !d.pairArmed {
		// Superseded by Deactivate/reactivation, or a pair reply
		// already consumed the in-progress flag first (spec §4.3.2
		// tie-break: "the packet wins").
		d.mu.Unlock()
		return
	}
	d.pairArmed = false
	d.pairTimer = nil
	d.isPaired = false
	d.mu.Unlock()

	d.logEvent(corelog.Event{
		Layer:    corelog.LayerPairing,
		Category: corelog.CategoryPairing,
		Pairing:  &corelog.PairingEvent{Paired: false, TimedOut: true},
	})
	d.notifyPaired(false)
}

// handlePairPacket implements the pair state machine of spec §4.3.2.
func (d *Device) handlePairPacket(gen uint64, p packet.Packet) {
	body, err := p.DecodePair()
	if err != nil {
		d.logEvent(corelog.Event{
			Layer:    corelog.LayerPairing,
			Category: corelog.CategoryError,
			Err:      &corelog.ErrorEvent{Message: err.Error(), Context: "malformed pair packet"},
		})
		return
	}

	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		return
	}
	wasArmed := d.pairArmed
	if wasArmed {
		d.cancelPairTimerLocked()
	}

	switch {
	case wasArmed && body.Pair:
		d.isPaired = true
		peerCert := d.peerCert
		d.mu.Unlock()
		d.pinPeerCertificate(peerCert)
		d.logPairing(true, false, false)
		d.notifyPaired(true)

	case wasArmed && !body.Pair:
		d.isPaired = false
		d.mu.Unlock()
		d.logPairing(false, false, false)
		d.notifyPaired(false)

	case !wasArmed && body.Pair:
		// Unsolicited peer-initiated pair request: adopt, ack, no timer.
		d.isPaired = true
		peerCert := d.peerCert
		d.mu.Unlock()
		d.pinPeerCertificate(peerCert)
		d.logPairing(true, true, false)
		_ = d.Pair(true, false)
		d.notifyPaired(true)

	default: // !wasArmed && !body.Pair: remote unpaired us
		d.isPaired = false
		d.mu.Unlock()
		d.forgetPeerCertificate()
		d.logPairing(false, false, false)
		d.notifyPaired(false)
	}
}

func (d *Device) logPairing(paired, unsolicited, timedOut bool) {
	d.logEvent(corelog.Event{
		Layer:    corelog.LayerPairing,
		Category: corelog.CategoryPairing,
		Pairing:  &corelog.PairingEvent{Paired: paired, Unsolicited: unsolicited, TimedOut: timedOut},
	})
}

// pinPeerCertificate persists peerCert as the trusted certificate for
// this device once pairing succeeds, so future connections (spec
// §4.2 "expected_cert") reject any other certificate. A nil cert
// (pairing completed before Secure ever ran, which cannot happen on
// this channel, or a test double with no TLS) is a no-op.
func (d *Device) pinPeerCertificate(peerCert *x509.Certificate) {
	if peerCert == nil || d.certStore == nil {
		return
	}
	if err := d.certStore.SetPeerCertificate(d.id, peerCert); err != nil {
		d.logEvent(corelog.Event{
			Layer:    corelog.LayerPairing,
			Category: corelog.CategoryError,
			Err:      &corelog.ErrorEvent{Message: err.Error(), Context: "pin peer certificate"},
		})
	}
}

// forgetPeerCertificate drops the pinned certificate when the remote
// peer unpairs us (spec §4.3.2: "drop certificate trust pinning on
// next connect").
func (d *Device) forgetPeerCertificate() {
	if d.certStore == nil {
		return
	}
	if err := d.certStore.ForgetPeerCertificate(d.id); err != nil {
		d.logEvent(corelog.Event{
			Layer:    corelog.LayerPairing,
			Category: corelog.CategoryError,
			Err:      &corelog.ErrorEvent{Message: err.Error(), Context: "forget peer certificate"},
		})
	}
}
