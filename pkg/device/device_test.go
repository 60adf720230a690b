package device

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdeconnectd/devicecore/pkg/cert"
	"github.com/kdeconnectd/devicecore/pkg/channel"
	"github.com/kdeconnectd/devicecore/pkg/devicecache"
	"github.com/kdeconnectd/devicecore/pkg/packet"
)

func generatePeerIdentity(t *testing.T, commonName string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key, Leaf: leaf}
}

// testPeer stands in for the remote phone/desktop a Device dials: it
// accepts the TCP connection, completes the plaintext identity
// exchange on both directions, and upgrades to TLS playing the client
// role, matching channel.Accept's documented convention.
type testPeer struct {
	ch *channel.Channel
}

// listenForPeer starts a loopback listener and returns its address
// plus a channel that delivers the connected testPeer once a Device
// dials in and the plaintext identity exchange completes.
func listenForPeer(t *testing.T, peerID string) (host string, port int, peerCh <-chan *testPeer) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	peerIdentity := generatePeerIdentity(t, peerID)
	out := make(chan *testPeer, 1)

	go func() {
		defer listener.Close()
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		ch, err := channel.Accept(conn, channel.LocalAnnouncement{
			DeviceID:        peerID,
			DeviceName:      "Test Peer",
			DeviceType:      "phone",
			ProtocolVersion: 7,
			TCPPort:         0,
		}, peerIdentity, nil)
		if err != nil {
			return
		}
		if _, err := ch.ReadPeerIdentity(); err != nil {
			return
		}
		out <- &testPeer{ch: ch}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, out
}

// secure upgrades both sides concurrently, playing the peer's TLS
// client role (the Device plays server, since it dialed).
func (p *testPeer) secure(t *testing.T, expectedDeviceCert *x509.Certificate) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.ch.Secure(ctx, expectedDeviceCert))
}

func newTestDevice(t *testing.T, id, host string, port int) (*Device, cert.Store) {
	t.Helper()
	store := cert.NewMemoryStore()
	d := New(id, Descriptor{
		DeviceName:      "Device Under Test",
		DeviceType:      "desktop",
		ProtocolVersion: 7,
		TCPPort:         port,
		Host:            host,
	}, store, nil)
	return d, store
}

// collector gathers observer callbacks on buffered channels so tests
// can assert on ordering and content without races.
type collector struct {
	connected    chan struct{}
	disconnected chan struct{}
	paired       chan bool
	added        chan string
	removed      chan string
}

func newCollector() *collector {
	return &collector{
		connected:    make(chan struct{}, 8),
		disconnected: make(chan struct{}, 8),
		paired:       make(chan bool, 8),
		added:        make(chan string, 8),
		removed:      make(chan string, 8),
	}
}

func (c *collector) observer() ObserverFuncs {
	return ObserverFuncs{
		OnConnected:         func(*Device) { c.connected <- struct{}{} },
		OnDisconnected:      func(*Device) { c.disconnected <- struct{}{} },
		OnPaired:            func(_ *Device, paired bool) { c.paired <- paired },
		OnCapabilityAdded:   func(_ *Device, capability string) { c.added <- capability },
		OnCapabilityRemoved: func(_ *Device, capability string) { c.removed <- capability },
	}
}

func requireSignal[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func requireNoSignal[T any](t *testing.T, ch <-chan T, what string, within time.Duration) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(within):
	}
}

func activateAndConnect(t *testing.T, id string) (*Device, cert.Store, *testPeer, *collector) {
	t.Helper()
	host, port, peerCh := listenForPeer(t, id)
	d, store := newTestDevice(t, id, host, port)

	col := newCollector()
	d.Subscribe(col.observer())

	require.NoError(t, d.Activate(context.Background()))

	peer := requireSignal(t, peerCh, "peer connection")
	peer.secure(t, nil)

	requireSignal(t, col.connected, "Connected observer event")
	return d, store, peer, col
}

func TestDevice_FreshPairSuccess(t *testing.T) {
	d, store, peer, col := activateAndConnect(t, "fresh-pair-device")
	defer d.Deactivate()

	require.NoError(t, d.Pair(true, true))

	pkt := requireSignal(t, peerRecv(peer), "pair request on peer")
	assert.Equal(t, packet.TypePair, pkt.Type)
	body, err := pkt.DecodePair()
	require.NoError(t, err)
	assert.True(t, body.Pair)

	reply, err := packet.Pair(true)
	require.NoError(t, err)
	require.NoError(t, peer.ch.Send(reply))

	assert.True(t, requireSignal(t, col.paired, "Paired(true) event"))
	assert.True(t, d.IsPaired())

	pinned, err := store.PeerCertificate("fresh-pair-device")
	require.NoError(t, err)
	assert.NotNil(t, pinned)
}

func TestDevice_PairTimeout(t *testing.T) {
	original := PairTimeout
	PairTimeout = 100 * time.Millisecond
	defer func() { PairTimeout = original }()

	d, _, _, col := activateAndConnect(t, "pair-timeout-device")
	defer d.Deactivate()

	require.NoError(t, d.Pair(true, true))

	assert.False(t, requireSignal(t, col.paired, "Paired(false) timeout event"))
	assert.False(t, d.IsPaired())
	_, armed := d.PairDeadline()
	assert.False(t, armed)
}

func TestDevice_UnsolicitedPeerPair(t *testing.T) {
	d, store, peer, col := activateAndConnect(t, "unsolicited-pair-device")
	defer d.Deactivate()

	req, err := packet.Pair(true)
	require.NoError(t, err)
	require.NoError(t, peer.ch.Send(req))

	assert.True(t, requireSignal(t, col.paired, "Paired(true) event"))
	assert.True(t, d.IsPaired())

	ack := requireSignal(t, peerRecv(peer), "ack pair reply on peer")
	body, err := ack.DecodePair()
	require.NoError(t, err)
	assert.True(t, body.Pair)

	pinned, err := store.PeerCertificate("unsolicited-pair-device")
	require.NoError(t, err)
	assert.NotNil(t, pinned)
}

func TestDevice_ImplicitPairingInference(t *testing.T) {
	d, _, peer, col := activateAndConnect(t, "implicit-pair-device")
	defer d.Deactivate()

	received := make(chan packet.Packet, 1)
	unsubscribe := d.OnMessage("kdeconnect.battery", func(p packet.Packet) { received <- p })
	defer unsubscribe()

	batteryPkt := packet.Packet{ID: 1, Type: "kdeconnect.battery", Body: []byte(`{"charge":80}`)}
	require.NoError(t, peer.ch.Send(batteryPkt))

	assert.True(t, requireSignal(t, col.paired, "implicit Paired(true) event"))
	assert.True(t, d.IsPaired())
	got := requireSignal(t, received, "dispatched battery packet")
	assert.Equal(t, "kdeconnect.battery", got.Type)
}

func TestDevice_RemoteUnpair(t *testing.T) {
	d, store, peer, col := activateAndConnect(t, "unpair-device")
	defer d.Deactivate()

	require.NoError(t, d.Pair(true, true))
	requireSignal(t, peerRecv(peer), "pair request on peer")
	reply, err := packet.Pair(true)
	require.NoError(t, err)
	require.NoError(t, peer.ch.Send(reply))
	require.True(t, requireSignal(t, col.paired, "Paired(true) event"))

	unpair, err := packet.Pair(false)
	require.NoError(t, err)
	require.NoError(t, peer.ch.Send(unpair))

	assert.False(t, requireSignal(t, col.paired, "Paired(false) event after remote unpair"))
	assert.False(t, d.IsPaired())

	_, err = store.PeerCertificate("unpair-device")
	assert.ErrorIs(t, err, cert.ErrCertNotFound)
}

func peerRecv(p *testPeer) <-chan packet.Packet { return p.ch.PacketReceived() }

func TestCapabilityDelta_UpdateFromDiscovery(t *testing.T) {
	store := cert.NewMemoryStore()
	d := New("delta-device", Descriptor{
		OutgoingCapabilities: []string{"kdeconnect.battery", "kdeconnect.ping"},
		IncomingCapabilities: []string{"kdeconnect.notification"},
	}, store, nil)

	col := newCollector()
	d.Subscribe(col.observer())

	d.UpdateFromDiscovery(Descriptor{
		OutgoingCapabilities: []string{"kdeconnect.battery", "kdeconnect.sms"},
		IncomingCapabilities: []string{"kdeconnect.notification"},
	})

	assert.Equal(t, "kdeconnect.sms", requireSignal(t, col.added, "capability added event"))
	assert.Equal(t, "kdeconnect.ping", requireSignal(t, col.removed, "capability removed event"))
	requireNoSignal(t, col.added, "extra capability added event", 50*time.Millisecond)
	requireNoSignal(t, col.removed, "extra capability removed event", 50*time.Millisecond)

	assert.ElementsMatch(t, []string{"kdeconnect.battery", "kdeconnect.sms", "kdeconnect.notification"}, d.EffectiveCapabilities())
}

func TestDevice_HostChangeDeactivatesAndSwaps(t *testing.T) {
	host, port, peerCh := listenForPeer(t, "host-change-device")
	d, _ := newTestDevice(t, "host-change-device", host, port)

	col := newCollector()
	d.Subscribe(col.observer())

	require.NoError(t, d.Activate(context.Background()))
	peer := requireSignal(t, peerCh, "peer connection")
	peer.secure(t, nil)
	requireSignal(t, col.connected, "Connected observer event")

	d.UpdateFromDiscovery(Descriptor{Host: "192.0.2.1", TCPPort: port + 1})

	requireSignal(t, col.disconnected, "Disconnected event from host change")
	assert.Equal(t, "192.0.2.1", d.Host())
	assert.Equal(t, port+1, d.TCPPort())
	assert.Equal(t, StateIdle, d.State())
}

func TestDevice_CacheRoundTrip(t *testing.T) {
	store := cert.NewMemoryStore()
	peerIdentity := generatePeerIdentity(t, "cached-device")
	require.NoError(t, store.SetPeerCertificate("cached-device", peerIdentity.Leaf))

	entry := devicecache.Entry{
		DeviceID:             "cached-device",
		DeviceName:           "Cached Device",
		DeviceType:           "tablet",
		ProtocolVersion:      7,
		TCPPort:              1716,
		LastIPAddress:        "192.0.2.5",
		Allowed:              true,
		Paired:               true,
		Certificate:          string(cert.EncodeCertPEM(peerIdentity.Leaf)),
		OutgoingCapabilities: []string{"kdeconnect.battery"},
		IncomingCapabilities: []string{"kdeconnect.ping"},
	}

	d := New(entry.DeviceID, DescriptorFromCacheEntry(entry), store, nil)
	require.NoError(t, d.ApplyCacheEntry(entry))

	assert.True(t, d.Allowed())
	assert.True(t, d.IsPaired())
	assert.Equal(t, peerIdentity.Leaf.Raw, d.Certificate().Raw)

	roundTripped := d.ToCacheEntry()
	assert.Equal(t, entry, roundTripped)
}
