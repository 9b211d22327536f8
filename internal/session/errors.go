package session

import "errors"

// Domain errors for the session state machines. Wire-level decode and
// connect-rejection errors come from the knxnetip package; these cover
// session lifecycle failures that package does not know about.
var (
	// ErrNotActive is returned when an operation that requires an Active
	// tunnel (SendCEMI, bus traffic) is attempted in any other state.
	ErrNotActive = errors.New("session: tunnel is not active")

	// ErrClosed is returned by calls made after the tunnel has begun
	// shutting down.
	ErrClosed = errors.New("session: tunnel closed")

	// ErrLinkFailure is returned when an outbound TUNNELLING_REQUEST goes
	// unacknowledged after its retry, per the spec's stop-and-wait rule.
	ErrLinkFailure = errors.New("session: link failure, no TUNNELLING_ACK")

	// ErrKeepaliveFailed is the reason recorded when a tunnel is torn
	// down because CONNECTIONSTATE_REQUEST went unanswered for three
	// consecutive attempts.
	ErrKeepaliveFailed = errors.New("session: keepalive exhausted, gateway unresponsive")

	// ErrSearchRequiresInterface is returned by Search when no named
	// interface is supplied; multicast membership cannot be joined
	// without one.
	ErrSearchRequiresInterface = errors.New("session: search requires a named interface")

	// ErrUnreachable is returned by Describe after desc_retries
	// retransmissions with no DESCRIPTION_RESPONSE.
	ErrUnreachable = errors.New("session: target unreachable")
)
