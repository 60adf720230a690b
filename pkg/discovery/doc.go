// Package discovery defines the collaborator DeviceManager consumes
// to learn about peers on the LAN: a DiscoveredDevice record and a
// Discovery source that yields them. It carries no transport code of
// its own; see pkg/discovery/mdns for a concrete adapter.
package discovery
