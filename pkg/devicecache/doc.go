// Package devicecache persists per-device attributes across daemon
// restarts: pairing state, the peer's last known address and
// certificate, and its advertised capability lists.
//
// The cache is a single YAML file, one group keyed by device_id.
// DeviceManager is the only caller that mutates it; Device itself
// never touches disk.
package devicecache
