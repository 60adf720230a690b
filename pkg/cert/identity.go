package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // fingerprint format is protocol-mandated, not a security boundary
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// ErrInvalidPEM is returned when a file on disk doesn't contain the
// PEM block type the caller asked to decode.
var ErrInvalidPEM = errors.New("cert: invalid PEM data")

// IdentityValidity is how long a generated self-signed identity
// certificate remains valid. KDE Connect identities are long-lived;
// ten years avoids routine re-pairing of every peer on expiry.
const IdentityValidity = 10 * 365 * 24 * time.Hour

// generateSelfSigned creates a fresh ECDSA P-256 self-signed certificate
// whose Common Name is deviceID, returning the certificate and key in
// DER form.
func generateSelfSigned(deviceID string) (certDER, keyDER []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: deviceID,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(IdentityValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err = x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create identity certificate: %w", err)
	}

	keyDER, err = x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal identity key: %w", err)
	}

	return certDER, keyDER, nil
}

func localIdentityFromDER(certDER, keyDER []byte) (tls.Certificate, error) {
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse identity certificate: %w", err)
	}
	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse identity key: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// FingerprintLength is the length of a formatted fingerprint string,
// "sha1:" plus 40 lowercase hex characters.
const FingerprintLength = 45

// Fingerprint returns the user-facing fingerprint of a certificate:
// "sha1:" followed by the lowercase hex SHA-1 digest of its DER
// encoding. The result is always FingerprintLength characters long.
func Fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha1.Sum(cert.Raw) //nolint:gosec // see package doc: protocol-mandated digest, not a security primitive
	return "sha1:" + hex.EncodeToString(sum[:])
}

// EncodeCertPEM PEM-encodes a certificate (identity or pinned peer).
// pkg/device uses this directly to embed a peer's pinned cert in a
// devicecache.Entry; WriteCertFile uses it for the on-disk form.
func EncodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// DecodeCertPEM decodes a certificate PEM-encoded by EncodeCertPEM.
func DecodeCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	return x509.ParseCertificate(block.Bytes)
}

// WriteCertFile PEM-encodes a certificate and writes it to path.
func WriteCertFile(path string, cert *x509.Certificate) error {
	return os.WriteFile(path, EncodeCertPEM(cert), 0644)
}

// ReadCertFile reads and decodes a PEM certificate file, as written by
// WriteCertFile.
func ReadCertFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeCertPEM(data)
}

// WriteKeyFile PEM-encodes the identity's ECDSA private key and writes
// it to path with owner-only permissions.
func WriteKeyFile(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return os.WriteFile(path, data, 0600)
}

// ReadKeyFile reads and decodes a PEM EC private key file, as written
// by WriteKeyFile.
func ReadKeyFile(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, ErrInvalidPEM
	}
	return x509.ParseECPrivateKey(block.Bytes)
}
