package manager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdeconnectd/devicecore/pkg/cert"
	"github.com/kdeconnectd/devicecore/pkg/device"
	"github.com/kdeconnectd/devicecore/pkg/devicecache"
	"github.com/kdeconnectd/devicecore/pkg/discovery"
	"github.com/kdeconnectd/devicecore/pkg/handler"
)

type fakeHandler struct {
	filter string
	device handler.Device
}

func (h *fakeHandler) PacketTypeFilter() string { return h.filter }
func (h *fakeHandler) UseDevice(d handler.Device) { h.device = d }
func (h *fakeHandler) ReleaseDevice(handler.Device) { h.device = nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cache, err := devicecache.Open(filepath.Join(t.TempDir(), "devices.yaml"), nil)
	require.NoError(t, err)

	registry := handler.NewRegistry()
	registry.RegisterFactory("kdeconnect.battery", func() handler.Handler {
		return &fakeHandler{filter: "kdeconnect.battery"}
	})

	return New(cert.NewMemoryStore(), cache, registry, nil)
}

func TestManager_HandleDiscoveredCreatesDeviceAndAttachesHandler(t *testing.T) {
	m := newTestManager(t)

	m.HandleDiscovered(discovery.DiscoveredDevice{
		DeviceID:             "phone-1",
		DeviceName:           "Phone",
		DeviceType:           "phone",
		ProtocolVersion:      7,
		TCPPort:              1716,
		Host:                 "192.0.2.10",
		OutgoingCapabilities: []string{"kdeconnect.battery"},
	})

	d, ok := m.Device("phone-1")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.10", d.Host())

	h, ok := d.Handler("kdeconnect.battery")
	require.True(t, ok)
	assert.Equal(t, "kdeconnect.battery", h.PacketTypeFilter())
}

func TestManager_HandleDiscoveredUpdatesExistingDevice(t *testing.T) {
	m := newTestManager(t)

	m.HandleDiscovered(discovery.DiscoveredDevice{DeviceID: "phone-1", Host: "192.0.2.10", TCPPort: 1716})
	m.HandleDiscovered(discovery.DiscoveredDevice{DeviceID: "phone-1", Host: "192.0.2.20", TCPPort: 1716})

	d, ok := m.Device("phone-1")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.20", d.Host())
	assert.Equal(t, 1, len(m.Devices()))
}

func TestManager_CapabilityAddedAttachesHandler(t *testing.T) {
	m := newTestManager(t)
	m.HandleDiscovered(discovery.DiscoveredDevice{DeviceID: "phone-1", Host: "192.0.2.10", TCPPort: 1716})

	d, ok := m.Device("phone-1")
	require.True(t, ok)
	_, hadHandler := d.Handler("kdeconnect.battery")
	require.False(t, hadHandler)

	d.UpdateFromDiscovery(device.Descriptor{
		Host:                 "192.0.2.10",
		TCPPort:              1716,
		OutgoingCapabilities: []string{"kdeconnect.battery"},
	})

	_, hasHandler := d.Handler("kdeconnect.battery")
	assert.True(t, hasHandler)
}

func TestManager_SetAllowedUnknownDevice(t *testing.T) {
	m := newTestManager(t)
	err := m.SetAllowed(context.Background(), "nope", true)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestManager_SetAllowedActivatesDevice(t *testing.T) {
	m := newTestManager(t)
	m.HandleDiscovered(discovery.DiscoveredDevice{DeviceID: "phone-1", Host: "127.0.0.1", TCPPort: 1})

	require.NoError(t, m.SetAllowed(context.Background(), "phone-1", true))

	d, ok := m.Device("phone-1")
	require.True(t, ok)
	assert.True(t, d.Allowed())
}

func TestManager_LoadCacheActivatesAllowedDevices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	cache, err := devicecache.Open(path, nil)
	require.NoError(t, err)

	require.NoError(t, cache.Put(devicecache.Entry{
		DeviceID:   "cached-phone",
		DeviceName: "Cached Phone",
		TCPPort:    1, // unroutable on purpose; Activate's dial just needs to be attempted
		Allowed:    true,
		Paired:     true,
	}))

	m := New(cert.NewMemoryStore(), cache, handler.NewRegistry(), nil)
	require.NoError(t, m.LoadCache())

	d, ok := m.Device("cached-phone")
	require.True(t, ok)
	assert.True(t, d.Allowed())
	assert.True(t, d.IsPaired())
}

func TestManager_ShutdownDeactivatesAndPersists(t *testing.T) {
	m := newTestManager(t)
	m.HandleDiscovered(discovery.DiscoveredDevice{DeviceID: "phone-1", Host: "127.0.0.1", TCPPort: 1})

	require.NoError(t, m.Shutdown())

	d, ok := m.Device("phone-1")
	require.True(t, ok)
	assert.Equal(t, device.StateIdle, d.State())
}
