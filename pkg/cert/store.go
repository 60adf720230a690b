package cert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
)

// Store errors.
var (
	ErrCertNotFound = errors.New("certificate not found")
	ErrInvalidCert  = errors.New("invalid certificate")
)

// Store persists the local identity certificate and the peer
// certificates pinned during pairing. Implementations must be safe for
// concurrent access.
type Store interface {
	// LocalIdentity returns the daemon's self-signed identity
	// certificate as a tls.Certificate, generating and persisting one
	// on first use if none exists yet. Subsequent calls, including
	// across restarts for a FileStore, return the same identity.
	LocalIdentity(deviceID string) (tls.Certificate, error)

	// PeerCertificate returns the pinned certificate for a device, or
	// ErrCertNotFound if the device has never been paired (or was
	// unpaired since).
	PeerCertificate(deviceID string) (*x509.Certificate, error)

	// SetPeerCertificate pins a device's certificate, replacing any
	// prior pin. Callers are responsible for only pinning a certificate
	// presented during a completed pair handshake (see pkg/device).
	SetPeerCertificate(deviceID string, cert *x509.Certificate) error

	// ForgetPeerCertificate removes any pin for a device (called on
	// unpair). Forgetting a device with no pin is not an error.
	ForgetPeerCertificate(deviceID string) error
}
