// Package transport provides the two UDP endpoint kinds a KNXnet/IP
// client needs: a unicast socket bound to a reachable local address for
// tunnelling, description, and connection-state traffic, and a
// multicast socket joined to 224.0.23.12:3671 for Search and Routing.
//
// Both endpoint kinds expose the same non-blocking shape: a reader
// goroutine feeds a channel of (remote address, payload) pairs, and
// Send is a thin wrapper over the underlying socket. No retry or
// timeout policy lives here; that belongs to the session FSMs in
// internal/session.
package transport
