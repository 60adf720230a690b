package packet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPacket is returned by Decode when a line is not valid
// JSON, is missing a type field, or has a non-object body.
var ErrMalformedPacket = errors.New("malformed packet")

// TypeIdentity and TypePair are the two packet types the device core
// itself interprets; all others are opaque and routed by Type to a
// capability handler.
const (
	TypeIdentity = "kdeconnect.identity"
	TypePair     = "kdeconnect.pair"
)

// Packet is one KDE Connect protocol message.
type Packet struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// IdentityBody is the body of a kdeconnect.identity packet.
type IdentityBody struct {
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	ProtocolVersion      int      `json:"protocolVersion"`
	TCPPort              int      `json:"tcpPort,omitempty"`
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
}

// PairBody is the body of a kdeconnect.pair packet.
type PairBody struct {
	Pair bool `json:"pair"`
}

// Identity builds a kdeconnect.identity packet.
func Identity(deviceID, deviceName string, protocolVersion, tcpPort int, deviceType string, incoming, outgoing []string) (Packet, error) {
	body, err := json.Marshal(IdentityBody{
		DeviceID:             deviceID,
		DeviceName:           deviceName,
		DeviceType:           deviceType,
		ProtocolVersion:      protocolVersion,
		TCPPort:              tcpPort,
		IncomingCapabilities: incoming,
		OutgoingCapabilities: outgoing,
	})
	if err != nil {
		return Packet{}, fmt.Errorf("marshal identity body: %w", err)
	}
	return Packet{ID: nowMillis(), Type: TypeIdentity, Body: body}, nil
}

// Pair builds a kdeconnect.pair packet with the given pair/unpair flag.
func Pair(pair bool) (Packet, error) {
	body, err := json.Marshal(PairBody{Pair: pair})
	if err != nil {
		return Packet{}, fmt.Errorf("marshal pair body: %w", err)
	}
	return Packet{ID: nowMillis(), Type: TypePair, Body: body}, nil
}

// DecodeIdentity unmarshals p's body as an IdentityBody. Callers must
// check p.Type == TypeIdentity first.
func (p Packet) DecodeIdentity() (IdentityBody, error) {
	var body IdentityBody
	if err := json.Unmarshal(p.Body, &body); err != nil {
		return IdentityBody{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return body, nil
}

// DecodePair unmarshals p's body as a PairBody. Callers must check
// p.Type == TypePair first.
func (p Packet) DecodePair() (PairBody, error) {
	var body PairBody
	if err := json.Unmarshal(p.Body, &body); err != nil {
		return PairBody{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return body, nil
}

// Encode serializes p as one newline-terminated JSON line.
func Encode(p Packet) ([]byte, error) {
	line, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	return append(line, '\n'), nil
}

// Decode parses one line (without its trailing newline) as a Packet.
// It fails with ErrMalformedPacket when the line isn't a JSON object,
// is missing "type", or has a body that isn't a JSON object.
func Decode(line []byte) (Packet, error) {
	var raw struct {
		ID   int64           `json:"id"`
		Type *string         `json:"type"`
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if raw.Type == nil || *raw.Type == "" {
		return Packet{}, fmt.Errorf("%w: missing type", ErrMalformedPacket)
	}
	if len(raw.Body) > 0 && !isJSONObject(raw.Body) {
		return Packet{}, fmt.Errorf("%w: body is not an object", ErrMalformedPacket)
	}
	return Packet{ID: raw.ID, Type: *raw.Type, Body: raw.Body}, nil
}

func isJSONObject(data json.RawMessage) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
