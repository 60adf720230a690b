package device

import "github.com/kdeconnectd/devicecore/pkg/handler"

// RegisterCapabilityHandler attaches h as the handler for capability
// on this device. It is a checked contract violation (spec §7) to
// register a second handler for a capability already claimed, or for
// a capability that never appeared in the device's effective
// capability set (spec §3 invariant 5); both panic when
// PanicOnContractViolation is set.
func (d *Device) RegisterCapabilityHandler(capability string, h handler.Handler) error {
	d.mu.Lock()
	if _, exists := d.deviceHandlers[capability]; exists {
		d.mu.Unlock()
		return contractViolation(ErrDuplicateHandler)
	}
	if !union(d.outgoing, d.incoming).has(capability) {
		d.mu.Unlock()
		return contractViolation(ErrCapabilityNotOffered)
	}
	d.deviceHandlers[capability] = h
	d.mu.Unlock()

	h.UseDevice(d)
	return nil
}

// UnregisterCapabilityHandler detaches and releases the handler for
// capability, if any. Returns ErrNoHandler if none is registered.
func (d *Device) UnregisterCapabilityHandler(capability string) error {
	d.mu.Lock()
	h, exists := d.deviceHandlers[capability]
	if !exists {
		d.mu.Unlock()
		return ErrNoHandler
	}
	delete(d.deviceHandlers, capability)
	d.mu.Unlock()

	h.ReleaseDevice(d)
	return nil
}

// Handler returns the handler currently registered for capability, if
// any.
func (d *Device) Handler(capability string) (handler.Handler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.deviceHandlers[capability]
	return h, ok
}
