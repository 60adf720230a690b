package discovery

import "context"

// DiscoveredDevice is the immutable record a Discovery source emits
// for one peer seen on the network (spec §3). DeviceManager maps
// DeviceID to a device.Device, constructing one on first sight and
// calling device.Device.UpdateFromDiscovery on every subsequent sighting.
type DiscoveredDevice struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	TCPPort              int
	Host                 string
	OutgoingCapabilities []string
	IncomingCapabilities []string
}

// Discovery yields DiscoveredDevice records as peers appear on the
// network; it has no back-channel (spec §6: "no back-channel"), so
// DeviceManager never calls back into it beyond Advertise/Browse.
type Discovery interface {
	// Browse starts watching the network and delivers a
	// DiscoveredDevice on found each time a peer announces itself or
	// re-announces with changed capabilities. Browse blocks until ctx
	// is cancelled; it does not close found.
	Browse(ctx context.Context, found chan<- DiscoveredDevice) error

	// Advertise announces the local device's identity so peers can
	// discover it, until ctx is cancelled.
	Advertise(ctx context.Context, self DiscoveredDevice) error
}
