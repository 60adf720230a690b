// Package mdns implements discovery.Discovery over mDNS, advertising
// and browsing the _kdeconnect._udp service so peers on the LAN can
// find each other without the UDP broadcast KDE Connect itself uses.
package mdns

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/enbility/zeroconf/v3"

	"github.com/kdeconnectd/devicecore/pkg/discovery"
)

const (
	serviceType = "_kdeconnect._udp"
	domain      = "local"
)

// Adapter implements discovery.Discovery using zeroconf for both
// advertising the local device and browsing for peers.
type Adapter struct {
	// Interface restricts advertising/browsing to one network
	// interface; empty means all interfaces.
	Interface string
}

// New returns an Adapter that browses and advertises on all
// interfaces.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) interfaces() []net.Interface {
	if a.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers self as an mDNS service until ctx is cancelled.
func (a *Adapter) Advertise(ctx context.Context, self discovery.DiscoveredDevice) error {
	server, err := zeroconf.Register(
		self.DeviceID,
		serviceType,
		domain,
		self.TCPPort,
		encodeTXT(self),
		a.interfaces(),
	)
	if err != nil {
		return fmt.Errorf("mdns: register: %w", err)
	}
	defer server.Shutdown()

	<-ctx.Done()
	return nil
}

// Browse watches for _kdeconnect._udp services and emits a
// DiscoveredDevice on found for each, until ctx is cancelled.
func (a *Adapter) Browse(ctx context.Context, found chan<- discovery.DiscoveredDevice) error {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				dev, err := entryToDevice(entry)
				if err != nil {
					continue
				}
				select {
				case found <- dev:
				case <-ctx.Done():
					return
				}
			case _, ok := <-removed:
				if !ok {
					return
				}
				// spec §6 has no "device vanished" signal of its own;
				// DeviceManager learns of a dead peer from the channel
				// disconnecting, not from mDNS withdrawal.
			case <-ctx.Done():
				return
			}
		}
	}()

	return zeroconf.Browse(ctx, serviceType, domain, entries, removed)
}

func entryToDevice(entry *zeroconf.ServiceEntry) (discovery.DiscoveredDevice, error) {
	txt := decodeTXT(entry.Text)

	protocolVersion, err := strconv.Atoi(txt["protocolVersion"])
	if err != nil {
		protocolVersion = 7
	}

	host := entry.HostName
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}

	return discovery.DiscoveredDevice{
		DeviceID:             txt["deviceId"],
		DeviceName:           txt["deviceName"],
		DeviceType:           txt["deviceType"],
		ProtocolVersion:      protocolVersion,
		TCPPort:              entry.Port,
		Host:                 host,
		OutgoingCapabilities: splitNonEmpty(txt["outgoing"]),
		IncomingCapabilities: splitNonEmpty(txt["incoming"]),
	}, nil
}

func encodeTXT(d discovery.DiscoveredDevice) []string {
	return []string{
		"deviceId=" + d.DeviceID,
		"deviceName=" + d.DeviceName,
		"deviceType=" + d.DeviceType,
		"protocolVersion=" + strconv.Itoa(d.ProtocolVersion),
		"outgoing=" + strings.Join(d.OutgoingCapabilities, ","),
		"incoming=" + strings.Join(d.IncomingCapabilities, ","),
	}
}

func decodeTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		key, value, ok := strings.Cut(r, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

var _ discovery.Discovery = (*Adapter)(nil)
