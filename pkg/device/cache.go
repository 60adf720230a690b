package device

import (
	"github.com/kdeconnectd/devicecore/pkg/cert"
	"github.com/kdeconnectd/devicecore/pkg/devicecache"
)

// ToCacheEntry snapshots the persisted fields of spec §4.4 for
// DeviceManager to hand to devicecache.Cache.Put.
func (d *Device) ToCacheEntry() devicecache.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	var certPEM string
	if d.peerCert != nil {
		certPEM = string(cert.EncodeCertPEM(d.peerCert))
	}

	return devicecache.Entry{
		DeviceID:             d.id,
		DeviceName:           d.name,
		DeviceType:           d.deviceType,
		ProtocolVersion:      d.protocolVersion,
		TCPPort:              d.tcpPort,
		LastIPAddress:        d.host,
		Allowed:              d.allowed,
		Paired:               d.isPaired,
		Certificate:          certPEM,
		OutgoingCapabilities: d.outgoing.slice(),
		IncomingCapabilities: d.incoming.slice(),
	}
}

// DescriptorFromCacheEntry extracts the Descriptor fields New needs
// from a persisted cache entry, so DeviceManager can construct a
// Device the same way for a cached peer as for a freshly discovered
// one (spec §C.3: cache is loaded before live discovery at startup).
func DescriptorFromCacheEntry(e devicecache.Entry) Descriptor {
	return Descriptor{
		DeviceName:           e.DeviceName,
		DeviceType:           e.DeviceType,
		ProtocolVersion:      e.ProtocolVersion,
		TCPPort:              e.TCPPort,
		Host:                 e.LastIPAddress,
		OutgoingCapabilities: e.OutgoingCapabilities,
		IncomingCapabilities: e.IncomingCapabilities,
	}
}

// ApplyCacheEntry restores the trust/pairing fields a cache entry
// carries that New's Descriptor does not: allowed, is_paired, and the
// last-pinned peer certificate. Call once, right after New, when
// constructing a Device from a persisted entry.
func (d *Device) ApplyCacheEntry(e devicecache.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.allowed = e.Allowed
	d.isPaired = e.Paired
	if e.Certificate == "" {
		return nil
	}
	peerCert, err := cert.DecodeCertPEM([]byte(e.Certificate))
	if err != nil {
		return err
	}
	d.peerCert = peerCert
	d.fingerprint = cert.Fingerprint(peerCert)
	return nil
}
