package handler

import "github.com/kdeconnectd/devicecore/pkg/packet"

// Device is the subset of pkg/device.Device a Handler needs: enough
// to send packets back and identify which peer it is talking to.
// Defined here, not imported from pkg/device, to avoid an import
// cycle (pkg/device depends on this package for the Handler interface).
type Device interface {
	DeviceID() string
	Send(p packet.Packet) error

	// OnMessage subscribes fn to packets of the given type arriving on
	// this device. A handler calls this from UseDevice, typically with
	// its own PacketTypeFilter(), and should save and call the
	// returned unsubscribe func from ReleaseDevice.
	OnMessage(packetType string, fn func(packet.Packet)) (unsubscribe func())
}

// Handler is a plugin claiming one capability. Device calls UseDevice
// once when the handler is attached and ReleaseDevice once when it is
// detached (its capability removed from the Device). Deactivating a
// Device does not detach its handlers.
// Inbound packets matching PacketTypeFilter are delivered by the
// Device's message dispatch, not by this interface directly; a
// Handler subscribes to them when UseDevice gives it the Device.
type Handler interface {
	// PacketTypeFilter returns the capability string (packet type)
	// this handler claims, e.g. "kdeconnect.battery".
	PacketTypeFilter() string

	// UseDevice attaches the handler to a Device.
	UseDevice(d Device)

	// ReleaseDevice detaches the handler from a Device. Called at most
	// once per UseDevice call.
	ReleaseDevice(d Device)
}
