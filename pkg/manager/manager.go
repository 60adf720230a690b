// Package manager owns the canonical set of known devices, bridging
// discovery, the certificate store, the persisted cache, and the
// capability handler registry into the per-device state machines in
// pkg/device.
package manager

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/kdeconnectd/devicecore/internal/corelog"
	"github.com/kdeconnectd/devicecore/pkg/cert"
	"github.com/kdeconnectd/devicecore/pkg/device"
	"github.com/kdeconnectd/devicecore/pkg/devicecache"
	"github.com/kdeconnectd/devicecore/pkg/discovery"
	"github.com/kdeconnectd/devicecore/pkg/handler"
)

// Manager is the DeviceManager of spec §4.5: it keyes devices by
// device_id, loads the persisted cache before any discovery event is
// processed, and keeps the cache in sync with pairing and capability
// changes as they happen.
type Manager struct {
	certStore cert.Store
	cache     *devicecache.Cache
	registry  *handler.Registry
	logger    corelog.Logger

	mu         sync.Mutex
	devices    map[string]*device.Device
	addedHooks []func(d *device.Device)
}

// New creates a Manager. Call LoadCache once before feeding it
// discovery events, per spec §C.3's startup ordering.
func New(certStore cert.Store, cache *devicecache.Cache, registry *handler.Registry, logger corelog.Logger) *Manager {
	if logger == nil {
		logger = corelog.NoopLogger{}
	}
	return &Manager{
		certStore: certStore,
		cache:     cache,
		registry:  registry,
		logger:    logger,
		devices:   make(map[string]*device.Device),
	}
}

// LoadCache constructs a Device for every entry in the cache and
// activates those marked allowed, without waiting for discovery to
// see them again first. Discovery events for the same device_id later
// call UpdateFromDiscovery on the device this created, rather than
// constructing a duplicate.
func (m *Manager) LoadCache() error {
	for _, entry := range m.cache.All() {
		d := m.getOrCreate(entry.DeviceID, device.DescriptorFromCacheEntry(entry))
		if err := d.ApplyCacheEntry(entry); err != nil {
			m.logger.Log(corelog.Event{
				Layer:    corelog.LayerDispatch,
				Category: corelog.CategoryError,
				DeviceID: entry.DeviceID,
				Err:      &corelog.ErrorEvent{Message: err.Error(), Context: "manager.LoadCache: apply cache entry"},
			})
			continue
		}
		m.attachHandlers(d)
		if d.Allowed() {
			_ = d.Activate(context.Background())
		}
	}
	return nil
}

// HandleDiscovered creates a Device for a newly seen peer, or updates
// the existing one's descriptor (spec §4.3.4) if it was already known
// from the cache or an earlier discovery event.
func (m *Manager) HandleDiscovered(found discovery.DiscoveredDevice) {
	m.mu.Lock()
	d, exists := m.devices[found.DeviceID]
	m.mu.Unlock()

	desc := device.Descriptor{
		DeviceName:           found.DeviceName,
		DeviceType:           found.DeviceType,
		ProtocolVersion:      found.ProtocolVersion,
		TCPPort:              found.TCPPort,
		Host:                 found.Host,
		OutgoingCapabilities: found.OutgoingCapabilities,
		IncomingCapabilities: found.IncomingCapabilities,
	}

	if !exists {
		d = m.getOrCreate(found.DeviceID, desc)
		m.attachHandlers(d)
		m.persist(d)
		m.fireDeviceAdded(d)
		return
	}
	d.UpdateFromDiscovery(desc)
}

// OnDeviceAdded registers fn to be called once, synchronously, for
// every device the manager creates for the first time — the
// `device_added` signal of spec §4.5. It fires after the new device's
// allowed=false, not-yet-connected state has already been persisted to
// the cache, so a subscriber (e.g. a future kdeconnect-ctl live view)
// can immediately list it.
func (m *Manager) OnDeviceAdded(fn func(d *device.Device)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addedHooks = append(m.addedHooks, fn)
}

func (m *Manager) fireDeviceAdded(d *device.Device) {
	m.mu.Lock()
	hooks := append([]func(d *device.Device){}, m.addedHooks...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(d)
	}
}

// getOrCreate returns the existing device for id, or constructs and
// registers a new one with desc, subscribing the manager's bookkeeping
// observer. It does not persist the device; callers do that.
func (m *Manager) getOrCreate(id string, desc device.Descriptor) *device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[id]; ok {
		return d
	}
	d := device.New(id, desc, m.certStore, m.logger)
	d.Subscribe(m.observerFor(d))
	m.devices[id] = d
	return d
}

// observerFor builds the Observer that keeps the cache file and the
// device's capability handlers in sync with its lifecycle. It is
// subscribed once per device, for the device's entire lifetime.
func (m *Manager) observerFor(d *device.Device) device.Observer {
	return device.ObserverFuncs{
		OnConnected:    func(*device.Device) { m.persist(d) },
		OnDisconnected: func(*device.Device) { m.persist(d) },
		OnPaired:       func(*device.Device, bool) { m.persist(d) },
		OnCapabilityAdded: func(_ *device.Device, capability string) {
			m.attachOne(d, capability)
			m.persist(d)
		},
		OnCapabilityRemoved: func(*device.Device, string) { m.persist(d) },
	}
}

// attachHandlers registers a handler for every capability in d's
// current effective set that the registry knows how to build.
// Capabilities with no registered factory are silently skipped; a
// later RegisterFactory call has no retroactive effect, matching
// handler.Registry's role as a simple factory table.
func (m *Manager) attachHandlers(d *device.Device) {
	for _, capability := range d.EffectiveCapabilities() {
		m.attachOne(d, capability)
	}
}

func (m *Manager) attachOne(d *device.Device, capability string) {
	if _, exists := d.Handler(capability); exists {
		return
	}
	h, err := m.registry.New(capability)
	if err != nil {
		return
	}
	if err := d.RegisterCapabilityHandler(capability, h); err != nil {
		m.logger.Log(corelog.Event{
			Layer:    corelog.LayerDispatch,
			Category: corelog.CategoryError,
			DeviceID: d.DeviceID(),
			Err:      &corelog.ErrorEvent{Message: err.Error(), Context: "manager.attachOne: register capability handler"},
		})
	}
}

func (m *Manager) persist(d *device.Device) {
	if err := m.cache.Put(d.ToCacheEntry()); err != nil {
		m.logger.Log(corelog.Event{
			Layer:    corelog.LayerDispatch,
			Category: corelog.CategoryError,
			DeviceID: d.DeviceID(),
			Err:      &corelog.ErrorEvent{Message: err.Error(), Context: "manager.persist: cache put"},
		})
	}
}

// SetAllowed flips the administrator opt-in for deviceID (spec §3
// invariant 6) and activates it immediately if allowed is true.
func (m *Manager) SetAllowed(ctx context.Context, deviceID string, allowed bool) error {
	m.mu.Lock()
	d, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}
	d.SetAllowed(allowed)
	m.persist(d)
	if allowed && !d.IsActive() {
		return d.Activate(ctx)
	}
	if !allowed && d.IsActive() {
		d.Deactivate()
	}
	return nil
}

// Device returns the device known by deviceID, if any.
func (m *Manager) Device(deviceID string) (*device.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	return d, ok
}

// Devices returns every known device, in no particular order.
func (m *Manager) Devices() []*device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}

// Shutdown deactivates every device and flushes the cache one last
// time, combining any per-device persistence failures into a single
// error.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	devices := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	var err error
	for _, d := range devices {
		d.Deactivate()
		if putErr := m.cache.Put(d.ToCacheEntry()); putErr != nil {
			err = multierr.Append(err, putErr)
		}
	}
	return err
}
