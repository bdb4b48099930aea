package domain

import "time"

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool { return t == CallVoice || t == CallVideo }

// CallStatus is both the shared status written to the session record and the
// local mirror a manager keeps. StatusIdle never appears in a record.
type CallStatus string

const (
	StatusIdle       CallStatus = "idle"
	StatusRinging    CallStatus = "ringing"
	StatusConnecting CallStatus = "connecting"
	StatusActive     CallStatus = "active"
	StatusEnded      CallStatus = "ended"
	StatusRejected   CallStatus = "rejected"
	StatusMissed     CallStatus = "missed"
)

// Terminal reports whether s is absorbing: nothing moves a call out of it
// except the local reset to idle.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusMissed:
		return true
	}
	return false
}

// rank orders statuses along the only direction a record may move:
// ringing, connecting, active, then any terminal status.
func (s CallStatus) rank() int {
	switch s {
	case StatusRinging:
		return 1
	case StatusConnecting:
		return 2
	case StatusActive:
		return 3
	case StatusEnded, StatusRejected, StatusMissed:
		return 4
	}
	return 0
}

// Precedes reports whether a record in s may move to next.
func (s CallStatus) Precedes(next CallStatus) bool {
	return s.rank() < next.rank()
}

// Predecessors lists the record statuses that may move to s.
func (s CallStatus) Predecessors() []CallStatus {
	out := []CallStatus{}
	for _, st := range []CallStatus{StatusRinging, StatusConnecting, StatusActive} {
		if st.Precedes(s) {
			out = append(out, st)
		}
	}
	return out
}

// InFlight reports whether s holds resources (media, connection, timer).
func (s CallStatus) InFlight() bool {
	switch s {
	case StatusRinging, StatusConnecting, StatusActive:
		return true
	}
	return false
}

// CallSession is the shared record both parties read and write to
// coordinate one call attempt.
type CallSession struct {
	CallID      string     `json:"callId" bson:"_id"`
	CallerID    UserID     `json:"callerId" bson:"caller_id"`
	ReceiverID  UserID     `json:"receiverId" bson:"receiver_id"`
	CallType    CallType   `json:"callType" bson:"call_type"`
	Status      CallStatus `json:"status" bson:"status"`
	CreatedAt   time.Time  `json:"createdAt" bson:"created_at"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty" bson:"accepted_at,omitempty"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty" bson:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty" bson:"ended_at,omitempty"`
}

// Remote returns the other party of the call from self's point of view.
func (c CallSession) Remote(self UserID) UserID {
	if c.CallerID == self {
		return c.ReceiverID
	}
	return c.CallerID
}

// SessionPatch is a status transition applied to a CallSession record.
// Timestamps are derived from the status and only written when unset.
type SessionPatch struct {
	Status CallStatus
	At     time.Time
}

// Apply mutates c according to the record rules: status only moves forward,
// terminal status is absorbing and every timestamp is set once. It reports
// whether c changed.
func (p SessionPatch) Apply(c *CallSession) bool {
	if !c.Status.Precedes(p.Status) {
		return false
	}
	c.Status = p.Status
	at := p.At
	switch p.Status {
	case StatusConnecting:
		if c.AcceptedAt == nil {
			c.AcceptedAt = &at
		}
	case StatusActive:
		if c.ConnectedAt == nil {
			c.ConnectedAt = &at
		}
	case StatusEnded, StatusRejected, StatusMissed:
		if c.EndedAt == nil {
			c.EndedAt = &at
		}
	}
	return true
}

// TimestampField names the record field a status stamps, if any.
func (s CallStatus) TimestampField() string {
	switch s {
	case StatusConnecting:
		return "accepted_at"
	case StatusActive:
		return "connected_at"
	case StatusEnded, StatusRejected, StatusMissed:
		return "ended_at"
	}
	return ""
}
