// Package device implements the per-peer state machine at the heart of
// the device core: identity exchange, TLS upgrade, the pairing
// handshake, capability bookkeeping, and dispatch of inbound packets
// to capability handlers.
//
// A Device's state is guarded by a mutex rather than owned by an
// event-loop goroutine. Dialing and the TLS handshake run on their own
// goroutines and apply their outcome under that mutex, so Activate,
// Deactivate and the snapshot accessors never wait on network I/O;
// Send and Pair write to the socket on the caller's goroutine. External observers (typically a DeviceManager)
// subscribe with Subscribe; capability handlers are attached with
// RegisterCapabilityHandler and receive packets through the Device
// interface passed to their UseDevice call.
package device
