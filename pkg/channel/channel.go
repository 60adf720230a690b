package channel

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/kdeconnectd/devicecore/internal/corelog"
	"github.com/kdeconnectd/devicecore/pkg/packet"
)

const maxLineSize = 1 << 20 // 1 MiB, generous for any KDE Connect packet

// Channel owns a TCP stream to a peer: an initial plaintext identity
// exchange, an optional TLS upgrade, and a line-framed packet stream
// in both directions thereafter.
type Channel struct {
	id               string
	conn             net.Conn
	initiatedLocally bool
	localIdentity    tls.Certificate
	logger           corelog.Logger

	writeMu sync.Mutex

	received   chan packet.Packet
	disconnect chan struct{}
	closeOnce  sync.Once

	mu       sync.Mutex
	peerCert *x509.Certificate
}

// LocalAnnouncement is the plaintext identity this daemon presents
// when a peer connects to it, per Accept.
type LocalAnnouncement struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	TCPPort              int
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// Dial opens a new TCP connection to (host, port) and reads the
// plaintext identity packet the acceptor sends back, confirming its
// device id matches expectedDeviceID (pass "" to skip the check, e.g.
// for a first-ever connection to an unknown device). The returned
// Channel plays TLS server on a subsequent Secure call, since it
// initiated the TCP connection.
func Dial(ctx context.Context, host string, port int, expectedDeviceID string, localIdentity tls.Certificate, logger corelog.Logger) (*Channel, packet.IdentityBody, error) {
	if logger == nil {
		logger = corelog.NoopLogger{}
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, packet.IdentityBody{}, classifyDialErr(err)
	}

	c := newChannel(conn, true, localIdentity, logger)
	identity, err := c.readIdentity()
	if err != nil {
		conn.Close()
		return nil, packet.IdentityBody{}, err
	}
	if expectedDeviceID != "" && identity.DeviceID != expectedDeviceID {
		c.Close()
		return nil, packet.IdentityBody{}, fmt.Errorf("%w: expected %q, got %q", ErrIdentityMismatch, expectedDeviceID, identity.DeviceID)
	}
	return c, identity, nil
}

// Accept wraps an already-accepted TCP connection and immediately
// sends our plaintext identity packet so the dialing peer can confirm
// who it reached. The returned Channel plays TLS client on a
// subsequent Secure call, since the peer initiated the connection.
func Accept(conn net.Conn, announce LocalAnnouncement, localIdentity tls.Certificate, logger corelog.Logger) (*Channel, error) {
	if logger == nil {
		logger = corelog.NoopLogger{}
	}

	c := newChannel(conn, false, localIdentity, logger)

	idPacket, err := packet.Identity(announce.DeviceID, announce.DeviceName, announce.ProtocolVersion,
		announce.TCPPort, announce.DeviceType, announce.IncomingCapabilities, announce.OutgoingCapabilities)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.Send(idPacket); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newChannel(conn net.Conn, initiatedLocally bool, localIdentity tls.Certificate, logger corelog.Logger) *Channel {
	return &Channel{
		id:               uuid.New().String(),
		conn:             conn,
		initiatedLocally: initiatedLocally,
		localIdentity:    localIdentity,
		logger:           logger,
		received:         make(chan packet.Packet, 16),
		disconnect:       make(chan struct{}),
	}
}

// readIdentity reads exactly one plaintext identity packet from the
// peer, used by Dial to confirm it reached the expected device.
func (c *Channel) readIdentity() (packet.IdentityBody, error) {
	reader := bufio.NewReaderSize(c.conn, maxLineSize)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return packet.IdentityBody{}, fmt.Errorf("read identity packet: %w", err)
	}

	p, err := packet.Decode(trimNewline(line))
	if err != nil {
		return packet.IdentityBody{}, err
	}
	if p.Type != packet.TypeIdentity {
		return packet.IdentityBody{}, fmt.Errorf("%w: first packet was %q, not identity", packet.ErrMalformedPacket, p.Type)
	}
	identity, err := p.DecodeIdentity()
	if err != nil {
		return packet.IdentityBody{}, err
	}

	c.logger.Log(corelog.Event{
		ConnectionID: c.id,
		Layer:        corelog.LayerChannel,
		Category:     corelog.CategoryPacket,
		Direction:    corelog.DirectionIn,
		DeviceID:     identity.DeviceID,
		Packet:       &corelog.PacketEvent{Type: p.Type, ID: p.ID},
	})
	return identity, nil
}

// ID returns the channel's unique identifier, used to correlate log
// events for a single connection's lifetime.
func (c *Channel) ID() string { return c.id }

// ReadPeerIdentity reads one plaintext identity packet from the peer.
// An Accept side calls this to consume the identity the dialer sends
// back during its GreetingPlain step, before either side calls Secure;
// a Dial side never needs it since Dial already reads the acceptor's
// identity as part of the handshake.
func (c *Channel) ReadPeerIdentity() (packet.IdentityBody, error) {
	return c.readIdentity()
}

// PeerCertificate returns the certificate the peer presented during
// Secure, or nil before Secure has succeeded.
func (c *Channel) PeerCertificate() *x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCert
}

// Send serializes and writes one packet. It is safe to call
// concurrently with itself and with reads from PacketReceived.
func (c *Channel) Send(p packet.Packet) error {
	line, err := packet.Encode(p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.disconnect:
		return ErrChannelClosed
	default:
	}

	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	c.logger.Log(corelog.Event{
		ConnectionID: c.id,
		Layer:        corelog.LayerChannel,
		Category:     corelog.CategoryPacket,
		Direction:    corelog.DirectionOut,
		Packet:       &corelog.PacketEvent{Type: p.Type, ID: p.ID},
	})
	return nil
}

// Secure performs the TLS upgrade over the already-open socket,
// following the KDE Connect role convention documented in doc.go. If
// expectedCert is non-nil the peer's leaf certificate must match it
// byte-for-byte or the handshake is rejected with
// ErrCertificatePinningFailed; otherwise any self-signed certificate
// the peer presents is accepted and exposed via PeerCertificate.
//
// On success, Secure starts the background read loop that feeds
// PacketReceived and closes Disconnected when the connection ends.
func (c *Channel) Secure(ctx context.Context, expectedCert *x509.Certificate) error {
	config := &tls.Config{
		Certificates:       []tls.Certificate{c.localIdentity},
		ClientAuth:         tls.RequireAnyClientCert, // the TLS-server side must see the peer's certificate too
		InsecureSkipVerify: true,                     //nolint:gosec // peer verification is done explicitly below via pinning
		MinVersion:         tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPeerCert(rawCerts, expectedCert)
		},
	}

	var tlsConn *tls.Conn
	if c.initiatedLocally {
		tlsConn = tls.Server(c.conn, config)
	} else {
		tlsConn = tls.Client(c.conn, config)
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if errors.Is(err, errPinningFailed) {
			return ErrCertificatePinningFailed
		}
		return fmt.Errorf("%w: %v", ErrTLSHandshakeFailed, err)
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%w: peer presented no certificate", ErrTLSHandshakeFailed)
	}

	c.mu.Lock()
	c.peerCert = state.PeerCertificates[0]
	c.mu.Unlock()
	c.conn = tlsConn

	go c.readLoop()
	return nil
}

// PacketReceived returns the channel of packets read from the peer.
// It is closed once Disconnected fires.
func (c *Channel) PacketReceived() <-chan packet.Packet { return c.received }

// Disconnected is closed exactly once, when the underlying socket
// closes or a read fails.
func (c *Channel) Disconnected() <-chan struct{} { return c.disconnect }

// Close shuts down both directions of the connection. Idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.disconnect)
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) readLoop() {
	defer close(c.received)
	reader := bufio.NewReaderSize(c.conn, maxLineSize)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.Close()
			return
		}

		p, err := packet.Decode(trimNewline(line))
		if err != nil {
			c.logger.Log(corelog.Event{
				ConnectionID: c.id,
				Layer:        corelog.LayerChannel,
				Category:     corelog.CategoryError,
				Err:          &corelog.ErrorEvent{Message: err.Error(), Context: "decode packet"},
			})
			continue
		}

		c.logger.Log(corelog.Event{
			ConnectionID: c.id,
			Layer:        corelog.LayerChannel,
			Category:     corelog.CategoryPacket,
			Direction:    corelog.DirectionIn,
			Packet:       &corelog.PacketEvent{Type: p.Type, ID: p.ID},
		})

		select {
		case c.received <- p:
		case <-c.disconnect:
			return
		}
	}
}

var errPinningFailed = errors.New("pinned certificate mismatch")

func verifyPeerCert(rawCerts [][]byte, expectedCert *x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificate presented")
	}
	if expectedCert == nil {
		return nil
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate: %w", err)
	}
	if !leaf.Equal(expectedCert) {
		return errPinningFailed
	}
	return nil
}

func classifyDialErr(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	return err
}

func trimNewline(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
