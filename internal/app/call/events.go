package call

import (
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type EventKind int

const (
	// EventStatus reports a transition of the local status.
	EventStatus EventKind = iota
	// EventRemoteTrack reports a track received from the peer.
	EventRemoteTrack
)

// CallInfo identifies the call an event belongs to.
type CallInfo struct {
	CallID   string          `json:"callId"`
	Remote   domain.UserID   `json:"remote"`
	CallType domain.CallType `json:"callType"`
	IsCaller bool            `json:"isCaller"`
}

// Event is delivered to listeners outside the manager lock, so two events
// may arrive out of order; Seq is strictly increasing in emission order.
type Event struct {
	Seq    uint64
	Kind   EventKind
	Status domain.CallStatus
	Call   CallInfo
	Track  core.RemoteTrack
	// Cause is set on terminal transitions not requested by either user.
	Cause error
}

type Listener interface {
	OnCallEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnCallEvent(ev Event) { f(ev) }
