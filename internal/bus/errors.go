// Package bus implements the TPCI/APCI transport-layer protocol run over
// an Active tunnelling session: opening a numbered connection to a
// single individual address, issuing application-layer services against
// it, and the connectionless group-write path.
package bus

import (
	"errors"
	"fmt"

	"github.com/grayforge/knxmapper/internal/address"
)

// ErrBus is the sentinel wrapped by every BusError.
var ErrBus = errors.New("bus: error")

// ErrAuth is the sentinel wrapped by every AuthError.
var ErrAuth = errors.New("bus: authorization denied")

// BusError reports a T_Nak, a missing or negative L_Data.con, or a
// malformed APCI response at the bus layer. The connection that
// produced it is no longer usable; the caller should Disconnect and, if
// retrying, open a fresh Device.
type BusError struct {
	Target address.Individual
	Reason string
}

func (e *BusError) Error() string {
	return fmt.Sprintf("bus: %s: %s", e.Target, e.Reason)
}

func (e *BusError) Unwrap() error { return ErrBus }

// AuthError reports an Authorize_Response whose access level did not
// satisfy the caller, or a bruteforce run that exhausted every
// candidate key without finding one.
type AuthError struct {
	Target address.Individual
	Level  uint8
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("bus: %s: authorization denied (level %d)", e.Target, e.Level)
}

func (e *AuthError) Unwrap() error { return ErrAuth }
