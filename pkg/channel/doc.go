// Package channel implements DeviceChannel: the TCP connection to a
// single peer, carrying line-framed packets before and after a TLS
// upgrade.
//
// # TLS role convention
//
// KDE Connect inverts the usual client/server roles: the side that
// accepted the raw TCP connection runs as the TLS *client*, and the
// side that dialed out runs as the TLS *server*. A Channel remembers
// which side initiated the TCP connection and picks its TLS role from
// that when Secure is called.
package channel
