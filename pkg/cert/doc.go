// Package cert manages the local TLS identity certificate used to secure
// device channels, and computes the fingerprints peers are identified by.
//
// # Identity
//
// Each daemon owns exactly one long-lived self-signed ECDSA P-256
// certificate, generated on first use and persisted thereafter. The
// certificate's Common Name is the daemon's own device id. It is
// presented on every TLS upgrade (see pkg/channel) regardless of which
// side plays the TLS server role for a given connection.
//
// # Fingerprints
//
// A peer's trust identity is the SHA-1 digest of its leaf certificate's
// DER encoding, formatted as "sha1:<lowercase hex>" (45 characters).
// Fingerprints are stable across restarts as long as the peer's
// certificate is unchanged, and are the value shown in pairing
// confirmation UIs.
package cert
