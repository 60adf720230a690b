package channel

import "errors"

// Channel errors, surfaced to Device per the error taxonomy.
var (
	ErrChannelClosed            = errors.New("channel closed")
	ErrIdentityMismatch         = errors.New("peer identity mismatch")
	ErrTLSHandshakeFailed       = errors.New("tls handshake failed")
	ErrCertificatePinningFailed = errors.New("peer certificate does not match pinned certificate")
	ErrNetworkUnreachable       = errors.New("network unreachable")
	ErrConnectionRefused        = errors.New("connection refused")
)
