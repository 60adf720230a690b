package devicecache

import "errors"

// ErrCacheLoadError is logged (not returned) when a single group in the
// cache file is malformed; that group is skipped and the rest of the
// file still loads.
var ErrCacheLoadError = errors.New("devicecache: malformed group")

// Entry is one device's persisted attributes, keyed externally by
// DeviceID (the group name in the backing file).
type Entry struct {
	DeviceID        string
	DeviceName      string
	DeviceType      string
	ProtocolVersion int
	TCPPort         int
	LastIPAddress   string
	Allowed         bool
	Paired          bool

	// Certificate is the peer's PEM-encoded X.509 certificate. Empty
	// is valid: either no certificate was ever pinned, or the group
	// was written by an older cache format that lacked the field.
	Certificate string

	OutgoingCapabilities []string
	IncomingCapabilities []string
}

// yamlEntry mirrors Entry for YAML marshalling. Required fields are
// pointers so a missing key can be told apart from a present
// zero/false/empty value during validation; Certificate is the one
// field genuinely allowed to be absent.
type yamlEntry struct {
	DeviceName           *string   `yaml:"deviceName"`
	DeviceType           *string   `yaml:"deviceType"`
	ProtocolVersion      *int      `yaml:"protocolVersion"`
	TCPPort              *int      `yaml:"tcpPort"`
	LastIPAddress        *string   `yaml:"lastIPAddress"`
	Allowed              *bool     `yaml:"allowed"`
	Paired               *bool     `yaml:"paired"`
	Certificate          *string   `yaml:"certificate,omitempty"`
	OutgoingCapabilities *[]string `yaml:"outgoing_capabilities"`
	IncomingCapabilities *[]string `yaml:"incoming_capabilities"`
}

func entryToYAML(e Entry) yamlEntry {
	cert := e.Certificate
	outgoing := append([]string(nil), e.OutgoingCapabilities...)
	incoming := append([]string(nil), e.IncomingCapabilities...)
	return yamlEntry{
		DeviceName:           &e.DeviceName,
		DeviceType:           &e.DeviceType,
		ProtocolVersion:      &e.ProtocolVersion,
		TCPPort:              &e.TCPPort,
		LastIPAddress:        &e.LastIPAddress,
		Allowed:              &e.Allowed,
		Paired:               &e.Paired,
		Certificate:          &cert,
		OutgoingCapabilities: &outgoing,
		IncomingCapabilities: &incoming,
	}
}

// toEntry validates required fields are present and converts to an
// Entry, or returns ErrCacheLoadError.
func (y yamlEntry) toEntry(deviceID string) (Entry, error) {
	if y.DeviceName == nil || y.DeviceType == nil || y.ProtocolVersion == nil ||
		y.TCPPort == nil || y.LastIPAddress == nil || y.Allowed == nil ||
		y.Paired == nil || y.OutgoingCapabilities == nil || y.IncomingCapabilities == nil {
		return Entry{}, ErrCacheLoadError
	}

	cert := ""
	if y.Certificate != nil {
		cert = *y.Certificate
	}

	return Entry{
		DeviceID:             deviceID,
		DeviceName:           *y.DeviceName,
		DeviceType:           *y.DeviceType,
		ProtocolVersion:      *y.ProtocolVersion,
		TCPPort:              *y.TCPPort,
		LastIPAddress:        *y.LastIPAddress,
		Allowed:              *y.Allowed,
		Paired:               *y.Paired,
		Certificate:          cert,
		OutgoingCapabilities: *y.OutgoingCapabilities,
		IncomingCapabilities: *y.IncomingCapabilities,
	}, nil
}
