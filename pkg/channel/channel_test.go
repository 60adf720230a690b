package channel

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

	"github.com/kdeconnectd/devicecore/pkg/packet"
)

func generateTestIdentity(t *testing.T, commonName string) tls.Certificate {
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

// dialAndAccept starts a loopback listener that immediately Accepts
// and announces "server-device", then Dials it, returning both
// Channels past the plaintext identity exchange and ready for Secure.
func dialAndAccept(t *testing.T) (dialSide, acceptSide *Channel) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	serverIdentity := generateTestIdentity(t, "server-device")
	clientIdentity := generateTestIdentity(t, "client-device")

	type acceptResult struct {
		ch  *Channel
		err error
	}
	acceptCh := make(chan acceptResult, 1)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			acceptCh <- acceptResult{err: err}
			return
		}
		ch, err := Accept(conn, LocalAnnouncement{
			DeviceID:        "server-device",
			DeviceName:      "Server",
			DeviceType:      "desktop",
			ProtocolVersion: 7,
			TCPPort:         1714,
		}, serverIdentity, nil)
		acceptCh <- acceptResult{ch: ch, err: err}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialSide, _, err = Dial(ctx, addr.IP.String(), addr.Port, "server-device", clientIdentity, nil)
	require.NoError(t, err)

	result := <-acceptCh
	require.NoError(t, result.err)
	return dialSide, result.ch
}

func TestChannel_SecureHandshakeNoPinning(t *testing.T) {
	dialSide, acceptSide := dialAndAccept(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- acceptSide.Secure(ctx, nil) }()

	err := dialSide.Secure(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.NotNil(t, dialSide.PeerCertificate())
	assert.NotNil(t, acceptSide.PeerCertificate())
}

func TestChannel_SendAndReceiveAfterSecure(t *testing.T) {
	dialSide, acceptSide := dialAndAccept(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- acceptSide.Secure(ctx, nil) }()
	require.NoError(t, dialSide.Secure(ctx, nil))
	require.NoError(t, <-errCh)

	pairPkt, err := packet.Pair(true)
	require.NoError(t, err)
	require.NoError(t, dialSide.Send(pairPkt))

	select {
	case received := <-acceptSide.PacketReceived():
		assert.Equal(t, packet.TypePair, received.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestChannel_CertificatePinningRejectsMismatch(t *testing.T) {
	dialSide, acceptSide := dialAndAccept(t)
	defer dialSide.Close()
	defer acceptSide.Close()

	wrongIdentity := generateTestIdentity(t, "someone-else")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go acceptSide.Secure(ctx, nil)
	err := dialSide.Secure(ctx, wrongIdentity.Leaf)
	assert.ErrorIs(t, err, ErrCertificatePinningFailed)
}

func TestChannel_DialIdentityMismatch(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	serverIdentity := generateTestIdentity(t, "server-device")
	clientIdentity := generateTestIdentity(t, "client-device")

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		Accept(conn, LocalAnnouncement{DeviceID: "server-device", ProtocolVersion: 7}, serverIdentity, nil)
	}()

	addr := listener.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err = Dial(ctx, addr.IP.String(), addr.Port, "some-other-device", clientIdentity, nil)
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	dialSide, acceptSide := dialAndAccept(t)
	defer acceptSide.Close()

	assert.NoError(t, dialSide.Close())
	assert.NoError(t, dialSide.Close())
}
