package peer

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// ErrDialFailure is the sentinel wrapped by DialFailureError.
var ErrDialFailure = errors.New("peer dial failed")

// DialFailureError reports that a TCP connection or handshake to addr
// could not be established.
type DialFailureError struct {
	Addr  netip.AddrPort
	Cause error
}

func (e *DialFailureError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrDialFailure, e.Addr, e.Cause)
}
func (e *DialFailureError) Unwrap() error { return ErrDialFailure }

// ErrIdle is the sentinel wrapped by IdleError.
var ErrIdle = errors.New("peer idle timeout")

// IdleError reports that no bytes were received from a peer for longer
// than the configured idle timeout.
type IdleError struct {
	Addr netip.AddrPort
	Idle time.Duration
}

func (e *IdleError) Error() string {
	return fmt.Sprintf("%v: %s: idle %s", ErrIdle, e.Addr, e.Idle)
}
func (e *IdleError) Unwrap() error { return ErrIdle }

// ErrDisconnected is the sentinel wrapped by DisconnectedError.
var ErrDisconnected = errors.New("peer disconnected")

// DisconnectedError reports a clean or remote-initiated connection
// close with no protocol violation involved.
type DisconnectedError struct {
	Addr netip.AddrPort
}

func (e *DisconnectedError) Error() string { return fmt.Sprintf("%v: %s", ErrDisconnected, e.Addr) }
func (e *DisconnectedError) Unwrap() error { return ErrDisconnected }
