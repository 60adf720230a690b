package device

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/kdeconnectd/devicecore/internal/corelog"
	"github.com/kdeconnectd/devicecore/pkg/cert"
	"github.com/kdeconnectd/devicecore/pkg/channel"
	"github.com/kdeconnectd/devicecore/pkg/handler"
	"github.com/kdeconnectd/devicecore/pkg/packet"
)

// State is a Device's connection state, spec §4.3.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateGreetingPlain
	StateSecuring
	StateReady
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateGreetingPlain:
		return "GREETING_PLAIN"
	case StateSecuring:
		return "SECURING"
	case StateReady:
		return "READY"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// PairTimeout is how long a solicited pair request waits for a reply
// before it is treated as a rejection (spec §4.3.2). A var, not a
// const, so tests can shrink it instead of waiting 30 real seconds.
var PairTimeout = 30 * time.Second

// Descriptor carries the identity and endpoint fields a Device learns
// from discovery or the cache: everything about a peer except its
// device_id, which is the caller's map key.
type Descriptor struct {
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	TCPPort              int
	Host                 string
	OutgoingCapabilities []string
	IncomingCapabilities []string
}

// Device is the per-peer state machine described in spec §4.3. All
// state is guarded by mu: exported methods and the dial, TLS, read-pump
// and pair-timer goroutines each mutate it under mu, and read-only
// callers take a snapshot under mu. There is no single event-loop
// goroutine or event queue; ordering between those goroutines is only
// what mu and the generation counter enforce.
type Device struct {
	certStore cert.Store
	logger    corelog.Logger

	mu sync.Mutex

	id              string
	name            string
	deviceType      string
	protocolVersion int
	tcpPort         int
	host            string

	peerCert    *x509.Certificate
	fingerprint string
	isPaired    bool
	allowed     bool

	state        State
	pairArmed    bool
	pairDeadline time.Time
	pairTimer    *time.Timer

	outgoing orderedSet
	incoming orderedSet

	deviceHandlers map[string]handler.Handler

	ch         *channel.Channel
	generation uint64 // bumped on every Activate/Deactivate to void stale async completions

	observers      map[uint64]Observer
	nextObserverID uint64

	messageListeners map[string]map[uint64]func(packet.Packet)
	nextListenerID   uint64
}

// New creates an Idle Device. certStore supplies the local identity
// certificate used for TLS and the peer certificate pin checked on
// reconnect. Capability handlers are attached afterward with
// RegisterCapabilityHandler, typically built from a
// handler.Registry shared by the owning DeviceManager.
func New(id string, desc Descriptor, certStore cert.Store, logger corelog.Logger) *Device {
	if logger == nil {
		logger = corelog.NoopLogger{}
	}
	return &Device{
		certStore:        certStore,
		logger:           logger,
		id:               id,
		name:             desc.DeviceName,
		deviceType:       desc.DeviceType,
		protocolVersion:  desc.ProtocolVersion,
		tcpPort:          desc.TCPPort,
		host:             desc.Host,
		outgoing:         newOrderedSet(desc.OutgoingCapabilities),
		incoming:         newOrderedSet(desc.IncomingCapabilities),
		deviceHandlers:   make(map[string]handler.Handler),
		observers:        make(map[uint64]Observer),
		messageListeners: make(map[string]map[uint64]func(packet.Packet)),
	}
}

// DeviceID implements handler.Device.
func (d *Device) DeviceID() string { return d.id }

// Snapshot fields, all safe to call from any goroutine.

func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *Device) DeviceType() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceType
}

func (d *Device) Host() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host
}

func (d *Device) TCPPort() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tcpPort
}

func (d *Device) ProtocolVersion() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.protocolVersion
}

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch != nil
}

func (d *Device) IsPaired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isPaired
}

func (d *Device) Allowed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allowed
}

// SetAllowed flips the administrator opt-in (spec §3 invariant 6). It
// does not itself activate the device; callers (DeviceManager) call
// Activate after flipping this to true.
func (d *Device) SetAllowed(allowed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allowed = allowed
}

func (d *Device) CertificateFingerprint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fingerprint
}

func (d *Device) Certificate() *x509.Certificate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerCert
}

// OutgoingCapabilities, IncomingCapabilities, EffectiveCapabilities
// return copies of the device's current capability lists.

func (d *Device) OutgoingCapabilities() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outgoing.slice()
}

func (d *Device) IncomingCapabilities() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.incoming.slice()
}

func (d *Device) EffectiveCapabilities() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return union(d.outgoing, d.incoming).slice()
}

func (d *Device) logEvent(ev corelog.Event) {
	ev.DeviceID = d.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	d.logger.Log(ev)
}

func (d *Device) setState(newState State) {
	old := d.state
	d.state = newState
	d.logEvent(corelog.Event{
		Layer:       corelog.LayerChannel,
		Category:    corelog.CategoryStateChange,
		StateChange: &corelog.StateChangeEvent{OldState: old.String(), NewState: newState.String()},
	})
}

// Activate begins connecting: Idle -> Connecting. It returns
// ErrNotIdle if the device isn't Idle. Activation runs asynchronously;
// Connected/Disconnected observer callbacks report the outcome.
func (d *Device) Activate(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateIdle {
		d.mu.Unlock()
		return ErrNotIdle
	}
	d.generation++
	gen := d.generation
	host, port, id := d.host, d.tcpPort, d.id
	localIdentity, err := d.certStore.LocalIdentity(d.id)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("load local identity: %w", err)
	}
	d.setState(StateConnecting)
	d.mu.Unlock()

	go func() {
		ch, identity, err := channel.Dial(ctx, host, port, id, localIdentity, d.logger)
		d.onDialComplete(gen, ch, identity, err)
	}()
	return nil
}

// Deactivate closes any open channel and returns the device to Idle.
// It is the cancellation primitive (spec §5): any suspended Send fails
// once the channel closes, and an in-flight Dial/Secure for this
// activation is discarded when it completes, since its generation is
// then stale.
//
// Deactivate performs its own cleanup rather than waiting on
// pumpChannel's onChannelDisconnected, since bumping generation here
// is exactly what makes that later callback a no-op (it exists to
// void completions from a superseded activation, and this activation
// is the one being superseded).
func (d *Device) Deactivate() {
	d.mu.Lock()
	if d.state == StateIdle {
		d.mu.Unlock()
		return
	}
	d.generation++
	wasReady := d.state == StateReady
	d.setState(StateDisconnecting)
	ch := d.ch
	d.ch = nil
	d.cancelPairTimerLocked()
	d.mu.Unlock()

	if ch != nil {
		ch.Close()
	}

	d.mu.Lock()
	d.setState(StateIdle)
	d.mu.Unlock()

	if wasReady {
		d.notifyDisconnected()
	}
}

func (d *Device) onDialComplete(gen uint64, ch *channel.Channel, identity packet.IdentityBody, err error) {
	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		d.setState(StateIdle)
		d.mu.Unlock()
		d.notifyDisconnected()
		return
	}

	d.ch = ch
	d.setState(StateGreetingPlain)
	outgoing, incoming := d.outgoing.slice(), d.incoming.slice()
	name, deviceType, proto, port := d.name, d.deviceType, d.protocolVersion, d.tcpPort
	id := d.id
	d.mu.Unlock()

	// The pinned certificate, if any, is the trust anchor Secure
	// verifies the peer against (spec §4.2); an unpaired or
	// never-paired device has none, and Secure accepts any self-signed
	// certificate the peer presents.
	var expectedCert *x509.Certificate
	if pinned, err := d.certStore.PeerCertificate(id); err == nil {
		expectedCert = pinned
	}

	idPacket, err := packet.Identity(id, name, proto, port, deviceType, incoming, outgoing)
	if err != nil {
		ch.Close()
		return
	}
	if err := ch.Send(idPacket); err != nil {
		ch.Close()
		d.mu.Lock()
		if gen == d.generation {
			d.ch = nil
			d.setState(StateIdle)
			d.mu.Unlock()
			d.notifyDisconnected()
			return
		}
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		return
	}
	d.setState(StateSecuring)
	d.mu.Unlock()

	go func() {
		secCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := ch.Secure(secCtx, expectedCert)
		d.onSecureComplete(gen, ch, err)
	}()
}

func (d *Device) onSecureComplete(gen uint64, ch *channel.Channel, err error) {
	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		return
	}
	if err != nil {
		d.setState(StateDisconnecting)
		d.mu.Unlock()
		ch.Close()
		d.mu.Lock()
		d.setState(StateIdle)
		d.ch = nil
		d.mu.Unlock()
		d.notifyDisconnected()
		return
	}

	peerCert := ch.PeerCertificate()
	d.peerCert = peerCert
	d.fingerprint = cert.Fingerprint(peerCert)
	d.setState(StateReady)
	d.mu.Unlock()

	d.notifyConnected()

	go d.pumpChannel(gen, ch)
}

// pumpChannel runs for the lifetime of one connection, delivering
// packets and the disconnect signal into the Device's event handling.
// It is the only reader of ch's channels, so every mutation it
// triggers is already serialized with respect to itself; concurrent
// calls from Activate/Deactivate/Pair/Send are serialized by mu.
func (d *Device) pumpChannel(gen uint64, ch *channel.Channel) {
	for {
		select {
		case p, ok := <-ch.PacketReceived():
			if !ok {
				return
			}
			d.onPacketReceived(gen, p)
		case <-ch.Disconnected():
			d.onChannelDisconnected(gen)
			return
		}
	}
}

func (d *Device) onChannelDisconnected(gen uint64) {
	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		return
	}
	d.cancelPairTimerLocked()
	d.ch = nil
	d.setState(StateIdle)
	d.mu.Unlock()
	d.notifyDisconnected()
}

func (d *Device) onPacketReceived(gen uint64, p packet.Packet) {
	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		return
	}

	if p.Type == packet.TypePair {
		d.mu.Unlock()
		d.handlePairPacket(gen, p)
		return
	}

	implicitlyPaired := false
	if !d.isPaired {
		d.isPaired = true
		d.cancelPairTimerLocked()
		implicitlyPaired = true
		d.logEvent(corelog.Event{
			Layer:    corelog.LayerPairing,
			Category: corelog.CategoryPairing,
			Pairing:  &corelog.PairingEvent{Paired: true, Unsolicited: true},
		})
	}
	d.mu.Unlock()

	// Implicit pairing inference (spec §4.3.3): emitted before
	// dispatch so handlers and observers see a consistent is_paired.
	if implicitlyPaired {
		d.notifyPaired(true)
	}
	d.dispatchMessage(p)
}

func (d *Device) dispatchMessage(p packet.Packet) {
	d.mu.Lock()
	listeners := d.messageListeners[p.Type]
	fns := make([]func(packet.Packet), 0, len(listeners))
	for _, fn := range listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	d.logEvent(corelog.Event{
		Layer:    corelog.LayerDispatch,
		Category: corelog.CategoryPacket,
		Packet:   &corelog.PacketEvent{Type: p.Type, ID: p.ID},
	})
	for _, fn := range fns {
		fn(p)
	}
}

// Send transmits a packet over the active channel. Capability handlers
// call this at any time (spec §6); it fails with ErrNotActive if the
// device has no open channel.
func (d *Device) Send(p packet.Packet) error {
	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()
	if ch == nil {
		return ErrNotActive
	}
	return ch.Send(p)
}

// Subscribe registers obs to receive lifecycle notifications. The
// returned func cancels the subscription.
func (d *Device) Subscribe(obs Observer) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextObserverID
	d.nextObserverID++
	d.observers[id] = obs
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// OnMessage implements handler.Device: it subscribes fn to packets of
// the given type. Used by capability handlers from UseDevice.
func (d *Device) OnMessage(packetType string, fn func(packet.Packet)) (unsubscribe func()) {
	d.mu.Lock()
	if d.messageListeners[packetType] == nil {
		d.messageListeners[packetType] = make(map[uint64]func(packet.Packet))
	}
	id := d.nextListenerID
	d.nextListenerID++
	d.messageListeners[packetType][id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.messageListeners[packetType], id)
		d.mu.Unlock()
	}
}

// forEachObserver snapshots the observer set and invokes fn for each,
// outside the lock so an observer callback is free to call back into
// the Device (e.g. Send, Subscribe) without deadlocking.
func (d *Device) forEachObserver(fn func(Observer)) {
	d.mu.Lock()
	obs := make([]Observer, 0, len(d.observers))
	for _, o := range d.observers {
		obs = append(obs, o)
	}
	d.mu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}

func (d *Device) notifyConnected() {
	d.forEachObserver(func(o Observer) { o.Connected(d) })
}

func (d *Device) notifyDisconnected() {
	d.forEachObserver(func(o Observer) { o.Disconnected(d) })
}

func (d *Device) notifyPaired(paired bool) {
	d.forEachObserver(func(o Observer) { o.Paired(d, paired) })
}

func (d *Device) notifyCapabilityAdded(capability string) {
	d.forEachObserver(func(o Observer) { o.CapabilityAdded(d, capability) })
}

func (d *Device) notifyCapabilityRemoved(capability string) {
	d.forEachObserver(func(o Observer) { o.CapabilityRemoved(d, capability) })
}

func (d *Device) cancelPairTimerLocked() {
	if d.pairTimer != nil {
		d.pairTimer.Stop()
		d.pairTimer = nil
	}
	d.pairArmed = false
}
