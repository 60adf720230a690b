package cert

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_LocalIdentitySurvivesReload(t *testing.T) {
	dir := t.TempDir()

	store1 := NewFileStore(dir)
	identity1, err := store1.LocalIdentity("device-a")
	require.NoError(t, err)

	store2 := NewFileStore(dir)
	identity2, err := store2.LocalIdentity("device-a")
	require.NoError(t, err)

	assert.Equal(t, identity1.Leaf.Raw, identity2.Leaf.Raw)
}

func TestFileStore_LocalIdentityWritesExpectedFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	_, err := store.LocalIdentity("device-a")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, identityCertFile))
	assert.FileExists(t, filepath.Join(dir, identityKeyFile))
}

func TestFileStore_PeerCertificateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	identity, err := store.LocalIdentity("peer-device")
	require.NoError(t, err)

	require.NoError(t, store.SetPeerCertificate("peer-device", identity.Leaf))

	got, err := store.PeerCertificate("peer-device")
	require.NoError(t, err)
	assert.Equal(t, identity.Leaf.Raw, got.Raw)
}

func TestFileStore_PeerCertificateNotFound(t *testing.T) {
	store := NewFileStore(t.TempDir())

	_, err := store.PeerCertificate("unknown")
	assert.ErrorIs(t, err, ErrCertNotFound)
}

func TestFileStore_ForgetPeerCertificateRemovesFile(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	identity, err := store.LocalIdentity("peer-device")
	require.NoError(t, err)
	require.NoError(t, store.SetPeerCertificate("peer-device", identity.Leaf))

	require.NoError(t, store.ForgetPeerCertificate("peer-device"))

	assert.NoFileExists(t, filepath.Join(dir, peerCertDir, "peer-device.pem"))
	_, err = store.PeerCertificate("peer-device")
	assert.ErrorIs(t, err, ErrCertNotFound)
}

func TestFileStore_ForgetUnknownDeviceIsNotAnError(t *testing.T) {
	store := NewFileStore(t.TempDir())
	assert.NoError(t, store.ForgetPeerCertificate("never-pinned"))
}
