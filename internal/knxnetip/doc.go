// Package knxnetip implements the KNXnet/IP wire codec: frame headers,
// HPAI endpoint descriptors, connection request/response information,
// device information blocks, and the embedded cEMI/TPCI/APCI frame
// format that carries KNX bus traffic over UDP.
//
// The package is purely a codec. It has no notion of sockets, timers,
// or session state; callers hand it bytes and get back a tagged Frame,
// or hand it a Frame and get back bytes. Session lifecycle lives in
// internal/session; bus semantics live in internal/bus.
package knxnetip
