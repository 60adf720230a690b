package device

// Observer receives lifecycle notifications from a Device: connection
// state, pairing outcome, and capability changes. DeviceManager
// subscribes one per Device to keep the cache and UI in sync; a
// capability Handler instead subscribes to individual packet types via
// the Device interface (OnMessage), since it only cares about its own
// capability's traffic.
//
// Embed ObserverFuncs to implement only the callbacks a caller needs.
type Observer interface {
	// Connected fires once TLS comes up, before any message or
	// capability event for that session (spec §5 ordering guarantee).
	Connected(d *Device)

	// Disconnected fires once the channel closes, after every message
	// for that session has been delivered.
	Disconnected(d *Device)

	// Paired fires on every pairing outcome: a reply to our pair
	// request, a pair or unpair request from the peer, implicit pairing
	// inference, and pair timeout. It fires even when is_paired already
	// had the reported value.
	Paired(d *Device, paired bool)

	// CapabilityAdded and CapabilityRemoved fire once per capability
	// string affected by UpdateFromDiscovery, in insertion order.
	CapabilityAdded(d *Device, capability string)
	CapabilityRemoved(d *Device, capability string)
}

// ObserverFuncs is an Observer built from optional function fields;
// nil fields are no-ops. Most callers only care about one or two
// events and would otherwise have to stub the rest of the interface.
type ObserverFuncs struct {
	OnConnected         func(d *Device)
	OnDisconnected      func(d *Device)
	OnPaired            func(d *Device, paired bool)
	OnCapabilityAdded   func(d *Device, capability string)
	OnCapabilityRemoved func(d *Device, capability string)
}

func (f ObserverFuncs) Connected(d *Device) {
	if f.OnConnected != nil {
		f.OnConnected(d)
	}
}

func (f ObserverFuncs) Disconnected(d *Device) {
	if f.OnDisconnected != nil {
		f.OnDisconnected(d)
	}
}

func (f ObserverFuncs) Paired(d *Device, paired bool) {
	if f.OnPaired != nil {
		f.OnPaired(d, paired)
	}
}

func (f ObserverFuncs) CapabilityAdded(d *Device, capability string) {
	if f.OnCapabilityAdded != nil {
		f.OnCapabilityAdded(d, capability)
	}
}

func (f ObserverFuncs) CapabilityRemoved(d *Device, capability string) {
	if f.OnCapabilityRemoved != nil {
		f.OnCapabilityRemoved(d, capability)
	}
}

var _ Observer = ObserverFuncs{}
