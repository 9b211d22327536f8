package knxnetip

import "errors"

// Domain errors for the KNXnet/IP wire codec and transport.
var (
	// ErrDecode is returned when a datagram cannot be parsed as a
	// well-formed KNXnet/IP frame.
	ErrDecode = errors.New("knxnetip: malformed frame")

	// ErrProtocol is returned when a frame is well-formed but
	// semantically invalid for the context it was received in, e.g. a
	// communication channel id that does not match the session.
	ErrProtocol = errors.New("knxnetip: protocol violation")

	// ErrConnect is returned when a gateway rejects a CONNECT_REQUEST.
	// Use ConnectError to recover the underlying status code.
	ErrConnect = errors.New("knxnetip: connect rejected")

	// ErrTimeout is returned when an operation's deadline elapses
	// without the expected response.
	ErrTimeout = errors.New("knxnetip: timed out")

	// ErrTransport is returned for socket-level failures underneath the
	// codec (send/receive errors, closed endpoints).
	ErrTransport = errors.New("knxnetip: transport failure")
)

// ConnectError wraps ErrConnect with the gateway's reported status code.
type ConnectError struct {
	Status ConnectStatus
}

func (e *ConnectError) Error() string {
	return "knxnetip: connect rejected: " + e.Status.String()
}

func (e *ConnectError) Unwrap() error {
	return ErrConnect
}
