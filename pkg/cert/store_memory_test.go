package cert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_LocalIdentityPersistsAcrossCalls(t *testing.T) {
	store := NewMemoryStore()

	first, err := store.LocalIdentity("device-a")
	require.NoError(t, err)

	second, err := store.LocalIdentity("device-a")
	require.NoError(t, err)

	assert.Equal(t, first.Leaf.SerialNumber, second.Leaf.SerialNumber)
}

func TestMemoryStore_PeerCertificateNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.PeerCertificate("unknown")
	assert.ErrorIs(t, err, ErrCertNotFound)
}

func TestMemoryStore_SetAndGetPeerCertificate(t *testing.T) {
	store := NewMemoryStore()
	identity, err := store.LocalIdentity("peer-device")
	require.NoError(t, err)

	require.NoError(t, store.SetPeerCertificate("peer-device", identity.Leaf))

	got, err := store.PeerCertificate("peer-device")
	require.NoError(t, err)
	assert.Equal(t, identity.Leaf.Raw, got.Raw)
}

func TestMemoryStore_SetPeerCertificateRejectsNil(t *testing.T) {
	store := NewMemoryStore()
	err := store.SetPeerCertificate("device", nil)
	assert.ErrorIs(t, err, ErrInvalidCert)
}

func TestMemoryStore_ForgetPeerCertificate(t *testing.T) {
	store := NewMemoryStore()
	identity, err := store.LocalIdentity("peer-device")
	require.NoError(t, err)
	require.NoError(t, store.SetPeerCertificate("peer-device", identity.Leaf))

	require.NoError(t, store.ForgetPeerCertificate("peer-device"))

	_, err = store.PeerCertificate("peer-device")
	assert.ErrorIs(t, err, ErrCertNotFound)
}

func TestMemoryStore_ForgetUnknownDeviceIsNotAnError(t *testing.T) {
	store := NewMemoryStore()
	assert.NoError(t, store.ForgetPeerCertificate("never-pinned"))
}
