package device

// UpdateFromDiscovery applies a fresh Descriptor from a discovery
// event or a cache reload, implementing the capability merge and host
// migration rules of spec §4.3.4.
//
// Order of effects matches the spec text: capability sets are
// replaced and the delta emitted (added before removed, each in
// insertion order, with removed capabilities' handlers released
// first); only then, if the endpoint changed, the device is
// deactivated before host/port are swapped, so the next Activate
// dials the new endpoint.
func (d *Device) UpdateFromDiscovery(desc Descriptor) {
	d.mu.Lock()
	oldEffective := union(d.outgoing, d.incoming)
	newOutgoing := newOrderedSet(desc.OutgoingCapabilities)
	newIncoming := newOrderedSet(desc.IncomingCapabilities)
	newEffective := union(newOutgoing, newIncoming)
	added, removed := capabilityDelta(oldEffective, newEffective)

	d.outgoing = newOutgoing
	d.incoming = newIncoming
	d.name = desc.DeviceName
	d.deviceType = desc.DeviceType
	d.protocolVersion = desc.ProtocolVersion

	hostChanged := desc.Host != d.host || desc.TCPPort != d.tcpPort
	wasActive := d.ch != nil
	d.mu.Unlock()

	for _, capability := range added {
		d.notifyCapabilityAdded(capability)
	}
	for _, capability := range removed {
		_ = d.UnregisterCapabilityHandler(capability) // ErrNoHandler is expected when nothing claimed it
		d.notifyCapabilityRemoved(capability)
	}

	if hostChanged {
		if wasActive {
			d.Deactivate()
		}
		d.mu.Lock()
		d.host = desc.Host
		d.tcpPort = desc.TCPPort
		d.mu.Unlock()
	}
}
