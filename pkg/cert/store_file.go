package cert

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
)

// File and directory names under a FileStore's base directory.
const (
	identityCertFile = "identity.pem"
	identityKeyFile  = "identity.key"
	peerCertDir      = "peers"
)

// FileStore is a file-based Store. The identity certificate and key
// live as PEM files directly under baseDir; each pinned peer
// certificate is a PEM file named after its device id under
// baseDir/peers.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string

	identity *tls.Certificate
}

// NewFileStore creates a file-based certificate store rooted at
// baseDir. The directory is created lazily on first write.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// LocalIdentity returns the daemon's identity certificate, generating
// and persisting one to baseDir on first use. Subsequent calls,
// including across restarts, load the persisted identity instead of
// generating a new one.
func (s *FileStore) LocalIdentity(deviceID string) (tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return *s.identity, nil
	}

	certPath := filepath.Join(s.baseDir, identityCertFile)
	keyPath := filepath.Join(s.baseDir, identityKeyFile)

	if cert, err := ReadCertFile(certPath); err == nil {
		key, err := ReadKeyFile(keyPath)
		if err != nil {
			return tls.Certificate{}, err
		}
		identity := tls.Certificate{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}
		s.identity = &identity
		return identity, nil
	} else if !os.IsNotExist(err) {
		return tls.Certificate{}, err
	}

	certDER, keyDER, err := generateSelfSigned(deviceID)
	if err != nil {
		return tls.Certificate{}, err
	}
	identity, err := localIdentityFromDER(certDER, keyDER)
	if err != nil {
		return tls.Certificate{}, err
	}

	if err := os.MkdirAll(s.baseDir, 0755); err != nil {
		return tls.Certificate{}, err
	}
	if err := WriteCertFile(certPath, identity.Leaf); err != nil {
		return tls.Certificate{}, err
	}
	if err := WriteKeyFile(keyPath, identity.PrivateKey.(*ecdsa.PrivateKey)); err != nil {
		return tls.Certificate{}, err
	}

	s.identity = &identity
	return identity, nil
}

// PeerCertificate returns the pinned certificate for a device, reading
// it from baseDir/peers/<deviceID>.pem.
func (s *FileStore) PeerCertificate(deviceID string) (*x509.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.peerCertPath(deviceID)
	cert, err := ReadCertFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCertNotFound
		}
		return nil, err
	}
	return cert, nil
}

// SetPeerCertificate pins a device's certificate to disk, replacing
// any prior pin.
func (s *FileStore) SetPeerCertificate(deviceID string, cert *x509.Certificate) error {
	if cert == nil {
		return ErrInvalidCert
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.baseDir, peerCertDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return WriteCertFile(s.peerCertPath(deviceID), cert)
}

// ForgetPeerCertificate removes the pin file for a device. Forgetting
// a device with no pin is not an error.
func (s *FileStore) ForgetPeerCertificate(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.peerCertPath(deviceID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) peerCertPath(deviceID string) string {
	return filepath.Join(s.baseDir, peerCertDir, deviceID+".pem")
}

// Verify FileStore implements Store.
var _ Store = (*FileStore)(nil)
