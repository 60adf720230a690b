// Package packet implements the KDE Connect wire format: one
// newline-terminated JSON object per packet, encoded and decoded
// without ever buffering a whole connection's worth of data.
//
//	{"id": <int64 ms timestamp>, "type": "<string>", "body": {...}}\n
//
// Two constructors build the two packet types the device core itself
// needs to understand, Identity and Pair; every other packet type is
// opaque to this package and is dispatched by capability string to a
// registered handler (see pkg/handler).
package packet
