// Package session implements the KNXnet/IP session state machines: the
// Tunnelling connection lifecycle (CONNECT/CONNECTIONSTATE/DISCONNECT and
// the TUNNELLING_REQUEST/ACK stop-and-wait protocol), and the
// connectionless Search, Description, and Routing exchanges.
//
// A Tunnel owns its transport.Endpoint exclusively and runs a single
// goroutine that serializes every state transition, matching the
// single-threaded event-loop model the wire protocol assumes: send_seq
// and recv_seq are only ever touched from that goroutine. Callers
// interact with it through channel-backed calls (SendCEMI, Close) that are
// themselves safe to invoke from any goroutine.
package session
