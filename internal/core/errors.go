package core

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaAccess: permission denied or device unavailable.
	ErrMediaAccess = errors.New("media access denied")
	// ErrTransport: the signaling store could not be reached.
	ErrTransport = errors.New("signaling transport failure")
	// ErrConnectivity: the peer connection reported failed after a restart.
	ErrConnectivity = errors.New("connectivity failure")
	// ErrProtocolRace: a message or result refers to a session that is no
	// longer current. Always ignored by callers.
	ErrProtocolRace = errors.New("session no longer current")
	// ErrTimeout: the call was not connected within the ringing window.
	ErrTimeout = errors.New("call timed out")

	ErrBusy            = errors.New("already in a call")
	ErrNoActiveCall    = errors.New("no active call")
	ErrNoIncomingCall  = errors.New("no incoming call")
	ErrCallUnavailable = errors.New("call is no longer available")
	ErrNotFound        = errors.New("not found")
	ErrInvalidCallType = errors.New("invalid call type")
	ErrSelfCall        = errors.New("cannot call yourself")
)

// MediaAccessError is returned by Initiate/AcceptCall when local media could
// not be opened. Nothing was signaled when it is returned.
type MediaAccessError struct {
	Kind TrackKind
	Err  error
}

func (e *MediaAccessError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("could not access %s", e.Kind.Device())
	}
	return fmt.Sprintf("could not access %s: %v", e.Kind.Device(), e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

func (e *MediaAccessError) Is(target error) bool { return target == ErrMediaAccess }

// TransportError wraps a failed store operation. It is logged and otherwise
// ignored during a call; the ringing timeout covers lost messages.
type TransportError struct {
	Op     string
	CallID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling %s %s: %v", e.Op, e.CallID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
