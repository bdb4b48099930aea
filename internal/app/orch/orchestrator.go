// Package orch bridges one identity's call manager to the presentation
// layer and watches for invitations addressed to that identity.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/app/call"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const lookupTimeout = 3 * time.Second

// Calls is the manager surface the orchestrator drives.
type Calls interface {
	Self() domain.UserID
	Initiate(ctx context.Context, receiver domain.UserID, callType domain.CallType) (string, error)
	AcceptCall(ctx context.Context, callID string, caller domain.UserID, callType domain.CallType) error
	RejectCall(ctx context.Context, callID string, caller domain.UserID) error
	EndCall(ctx context.Context) error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	Status() domain.CallStatus
	// Reserved reports a held call or one still being set up.
	Reserved() bool
	LocalMedia() core.MediaHandle
	Subscribe(call.Listener) func()
}

// IncomingCall is an invitation surfaced to the user before any media is
// opened.
type IncomingCall struct {
	CallID    string          `json:"callId"`
	Caller    domain.Profile  `json:"caller"`
	CallType  domain.CallType `json:"callType"`
	CreatedAt time.Time       `json:"createdAt"`
}

// LastCall summarizes the call that just finished.
type LastCall struct {
	CallID string            `json:"callId"`
	Status domain.CallStatus `json:"status"`
	Remote domain.UserID     `json:"remote"`
}

// State is what the presentation layer renders. Snapshots are copies.
type State struct {
	Status       domain.CallStatus  `json:"status"`
	CallID       string             `json:"callId,omitempty"`
	CallType     domain.CallType    `json:"callType,omitempty"`
	IsCaller     bool               `json:"isCaller"`
	Remote       *domain.Profile    `json:"remote,omitempty"`
	LocalTracks  []string           `json:"localTracks,omitempty"`
	RemoteTracks []core.RemoteTrack `json:"remoteTracks,omitempty"`
	AudioMuted   bool               `json:"audioMuted"`
	VideoOff     bool               `json:"videoOff"`
	Incoming     *IncomingCall      `json:"incoming,omitempty"`
	Last         *LastCall          `json:"last,omitempty"`
}

func idleState() State { return State{Status: domain.StatusIdle} }

func (s State) clone() State {
	out := s
	if s.Remote != nil {
		r := *s.Remote
		out.Remote = &r
	}
	if s.Incoming != nil {
		in := *s.Incoming
		out.Incoming = &in
	}
	if s.Last != nil {
		l := *s.Last
		out.Last = &l
	}
	out.LocalTracks = append([]string(nil), s.LocalTracks...)
	out.RemoteTracks = append([]core.RemoteTrack(nil), s.RemoteTracks...)
	return out
}

type Orchestrator struct {
	calls    Calls
	sessions core.SessionStore
	profiles core.ProfileLookup
	policy   app.Policy
	logger   zerolog.Logger

	mu       sync.Mutex
	state    State
	lastSeq  uint64
	invites  map[string]domain.CallSession
	known    map[domain.UserID]domain.Profile
	started  bool
	stopped  bool
	stopFns  []func()
	watchers map[int]func(State)
	nextW    int
}

func New(calls Calls, sessions core.SessionStore, profiles core.ProfileLookup, policy app.Policy) *Orchestrator {
	if policy == nil {
		policy = app.LexicalPolicy{}
	}
	return &Orchestrator{
		calls:    calls,
		sessions: sessions,
		profiles: profiles,
		policy:   policy,
		logger:   log.With().Str("module", "app.orch").Str("self", string(calls.Self())).Logger(),
		state:    idleState(),
		invites:  make(map[string]domain.CallSession),
		known:    make(map[domain.UserID]domain.Profile),
		watchers: make(map[int]func(State)),
	}
}

// Start subscribes to the manager and to invitations addressed to self.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	unsubscribe := o.calls.Subscribe(call.ListenerFunc(o.onCallEvent))
	stopWatch, err := o.sessions.WatchIncoming(ctx, o.calls.Self(), o.onSessionChange)
	if err != nil {
		unsubscribe()
		return &core.TransportError{Op: "watch incoming", Err: err}
	}

	o.mu.Lock()
	o.stopFns = append(o.stopFns, unsubscribe, stopWatch)
	o.mu.Unlock()
	o.logger.Info().Msg("orchestrator started")
	return nil
}

// Close hangs up and drops every subscription. Watchers get no more states.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	stops := o.stopFns
	o.stopFns = nil
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if err := o.calls.EndCall(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("end call on close")
	}
	for _, stop := range stops {
		stop()
	}

	o.mu.Lock()
	o.watchers = make(map[int]func(State))
	o.mu.Unlock()
	o.logger.Info().Msg("orchestrator closed")
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Watch registers fn for state snapshots. fn runs outside the orchestrator
// lock and must not block.
func (o *Orchestrator) Watch(fn func(State)) func() {
	o.mu.Lock()
	id := o.nextW
	o.nextW++
	o.watchers[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.watchers, id)
		o.mu.Unlock()
	}
}

// commitLocked snapshots the state for watchers. Call the returned func
// after unlocking.
func (o *Orchestrator) commitLocked() func() {
	snap := o.state.clone()
	fns := make([]func(State), 0, len(o.watchers))
	for _, fn := range o.watchers {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(snap)
		}
	}
}

// InitiateCall calls receiver. The manager rejects it while a call is held.
func (o *Orchestrator) InitiateCall(ctx context.Context, receiver domain.UserID, callType domain.CallType) (string, error) {
	o.remember(o.lookup(ctx, receiver))
	callID, err := o.calls.Initiate(ctx, receiver, callType)
	if err != nil {
		o.logger.Warn().Err(err).Str("receiver", string(receiver)).Msg("initiate failed")
		return "", err
	}
	return callID, nil
}

// AcceptCall accepts the surfaced invitation.
func (o *Orchestrator) AcceptCall(ctx context.Context) error {
	o.mu.Lock()
	in := o.state.Incoming
	o.mu.Unlock()
	if in == nil {
		return core.ErrNoIncomingCall
	}
	if err := o.calls.AcceptCall(ctx, in.CallID, in.Caller.ID, in.CallType); err != nil {
		if errors.Is(err, core.ErrCallUnavailable) {
			o.withdraw(in.CallID)
		}
		return err
	}
	o.mu.Lock()
	delete(o.invites, in.CallID)
	var notify func()
	if o.state.Incoming != nil && o.state.Incoming.CallID == in.CallID {
		o.state.Incoming = nil
		notify = o.commitLocked()
	}
	o.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// RejectCall declines the surfaced invitation.
func (o *Orchestrator) RejectCall(ctx context.Context) error {
	o.mu.Lock()
	in := o.state.Incoming
	o.mu.Unlock()
	if in == nil {
		return core.ErrNoIncomingCall
	}
	o.withdraw(in.CallID)
	return o.calls.RejectCall(ctx, in.CallID, in.Caller.ID)
}

func (o *Orchestrator) EndCall(ctx context.Context) error {
	return o.calls.EndCall(ctx)
}

func (o *Orchestrator) lookup(ctx context.Context, id domain.UserID) domain.Profile {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	p, err := o.profiles.Resolve(ctx, id)
	if err != nil {
		o.logger.Debug().Err(err).Str("user_id", string(id)).Msg("profile lookup")
		return domain.FallbackProfile(id)
	}
	return p
}

func (o *Orchestrator) remember(p domain.Profile) {
	o.mu.Lock()
	o.known[p.ID] = p
	o.mu.Unlock()
}

// profileLocked returns the cached profile of id or a fallback.
func (o *Orchestrator) profileLocked(id domain.UserID) domain.Profile {
	if p, ok := o.known[id]; ok {
		return p
	}
	return domain.FallbackProfile(id)
}

// onCallEvent mirrors manager transitions. Events older than the last one
// applied are dropped.
func (o *Orchestrator) onCallEvent(ev call.Event) {
	o.mu.Lock()
	if o.stopped || ev.Seq <= o.lastSeq {
		o.mu.Unlock()
		return
	}
	o.lastSeq = ev.Seq

	switch ev.Kind {
	case call.EventRemoteTrack:
		if ev.Call.CallID != o.state.CallID {
			o.mu.Unlock()
			return
		}
		o.addRemoteTrackLocked(ev.Track)
	case call.EventStatus:
		switch {
		case ev.Status.Terminal():
			last := &LastCall{CallID: ev.Call.CallID, Status: ev.Status, Remote: ev.Call.Remote}
			incoming := o.state.Incoming
			if incoming != nil && incoming.CallID == ev.Call.CallID {
				incoming = nil
			}
			o.state = idleState()
			o.state.Incoming = incoming
			o.state.Last = last
		case ev.Status == domain.StatusIdle:
			o.state.Status = domain.StatusIdle
		default:
			o.applyLiveLocked(ev)
		}
	}
	notify := o.commitLocked()
	o.mu.Unlock()
	notify()

	if ev.Kind == call.EventStatus && ev.Status.Terminal() {
		o.logger.Info().Str("call_id", ev.Call.CallID).Str("status", string(ev.Status)).Msg("call finished")
	}
}

func (o *Orchestrator) applyLiveLocked(ev call.Event) {
	if o.state.CallID != ev.Call.CallID {
		remote := o.profileLocked(ev.Call.Remote)
		o.state = State{
			CallID:   ev.Call.CallID,
			CallType: ev.Call.CallType,
			IsCaller: ev.Call.IsCaller,
			Remote:   &remote,
			Incoming: o.state.Incoming,
		}
		o.syncMediaLocked()
	}
	o.state.Status = ev.Status
	if o.state.Incoming != nil && o.state.Incoming.CallID == ev.Call.CallID {
		o.state.Incoming = nil
	}
}
