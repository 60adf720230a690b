// Package handler defines the capability handler interface and the
// registry of handler factories, keyed by capability string, that
// DeviceManager uses to build a handler for each device and capability.
// Inbound packets reach a handler through Device.OnMessage, not through
// the registry.
//
// Individual handler implementations (battery, ping, sftp, ...) are
// not part of this module; it only defines the extension point.
package handler
