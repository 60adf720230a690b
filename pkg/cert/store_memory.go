package cert

import (
	"crypto/tls"
	"crypto/x509"
	"sync"
)

// MemoryStore is an in-memory Store. Useful for tests and for
// short-lived processes that don't need the identity to survive a
// restart.
type MemoryStore struct {
	mu sync.RWMutex

	identity     *tls.Certificate
	peerCertByID map[string]*x509.Certificate
}

// NewMemoryStore creates an empty in-memory certificate store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peerCertByID: make(map[string]*x509.Certificate),
	}
}

// LocalIdentity returns the store's identity certificate, generating
// one on first call and reusing it for the lifetime of the store.
func (s *MemoryStore) LocalIdentity(deviceID string) (tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return *s.identity, nil
	}

	certDER, keyDER, err := generateSelfSigned(deviceID)
	if err != nil {
		return tls.Certificate{}, err
	}
	identity, err := localIdentityFromDER(certDER, keyDER)
	if err != nil {
		return tls.Certificate{}, err
	}
	s.identity = &identity
	return identity, nil
}

// PeerCertificate returns the pinned certificate for a device.
func (s *MemoryStore) PeerCertificate(deviceID string) (*x509.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, exists := s.peerCertByID[deviceID]
	if !exists {
		return nil, ErrCertNotFound
	}
	return cert, nil
}

// SetPeerCertificate pins a device's certificate, replacing any prior
// pin.
func (s *MemoryStore) SetPeerCertificate(deviceID string, cert *x509.Certificate) error {
	if cert == nil {
		return ErrInvalidCert
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerCertByID[deviceID] = cert
	return nil
}

// ForgetPeerCertificate removes any pin for a device. Forgetting a
// device with no pin is not an error.
func (s *MemoryStore) ForgetPeerCertificate(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peerCertByID, deviceID)
	return nil
}

// Verify MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
