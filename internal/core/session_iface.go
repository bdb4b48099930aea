package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
)

// SessionChange is one real-time event of the session record collection.
type SessionChange struct {
	CallID  string
	Deleted bool
	// Session is the full record; zero when Deleted.
	Session domain.CallSession
}

//go:generate mockgen -source=session_iface.go -destination=mocks/session_mock.go -package=mocks

// SessionStore holds CallSession records keyed by call id.
type SessionStore interface {
	Create(ctx context.Context, s domain.CallSession) error
	Get(ctx context.Context, callID string) (domain.CallSession, error)
	// Update applies patch with domain.SessionPatch rules. Updating a
	// terminal record is a silent no-op.
	Update(ctx context.Context, callID string, patch domain.SessionPatch) error
	// Delete removes the record and its message log. Missing is not an error.
	Delete(ctx context.Context, callID string) error
	// WatchIncoming streams changes of records addressed to receiver,
	// starting with the ones that already exist.
	WatchIncoming(ctx context.Context, receiver domain.UserID, fn func(SessionChange)) (func(), error)
}

// ProfileLookup resolves a user id to its display identity.
type ProfileLookup interface {
	Resolve(ctx context.Context, id domain.UserID) (domain.Profile, error)
}
