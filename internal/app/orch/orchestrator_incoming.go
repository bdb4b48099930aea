package orch

import (
	"context"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// onSessionChange follows records addressed to self. A ringing record is
// surfaced once; it is withdrawn when the record goes away or leaves ringing.
func (o *Orchestrator) onSessionChange(ch core.SessionChange) {
	if ch.Deleted || ch.Session.Status != domain.StatusRinging {
		o.withdraw(ch.CallID)
		return
	}
	rec := ch.Session
	self := o.calls.Self()
	if rec.ReceiverID != self || rec.CallerID == self {
		return
	}
	caller := rec.Remote(self)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if _, seen := o.invites[rec.CallID]; seen {
		o.mu.Unlock()
		return
	}
	o.invites[rec.CallID] = rec
	glare := o.state.IsCaller && o.state.Status == domain.StatusRinging &&
		o.state.Remote != nil && o.state.Remote.ID == caller
	busy := o.state.Incoming != nil || o.calls.Status() != domain.StatusIdle || o.calls.Reserved()
	o.mu.Unlock()

	logger := o.logger.With().Str("call_id", rec.CallID).Str("caller", string(caller)).Logger()
	switch {
	case glare:
		if o.policy.OnGlare(self, caller) == app.KeepOutgoing {
			logger.Info().Msg("glare: keeping outgoing call")
			return
		}
		logger.Info().Msg("glare: yielding to incoming call")
		go o.yield(rec)
		return
	case busy:
		// the caller's ringing timeout marks it missed
		logger.Info().Msg("busy, invitation ignored")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	profile := o.lookup(ctx, caller)

	o.mu.Lock()
	if _, still := o.invites[rec.CallID]; !still || o.state.Incoming != nil || o.stopped {
		o.mu.Unlock()
		return
	}
	o.known[profile.ID] = profile
	o.state.Incoming = &IncomingCall{
		CallID:    rec.CallID,
		Caller:    profile,
		CallType:  rec.CallType,
		CreatedAt: rec.CreatedAt,
	}
	notify := o.commitLocked()
	o.mu.Unlock()
	notify()
	logger.Info().Str("call_type", string(rec.CallType)).Msg("incoming call")
}

// withdraw forgets the invitation callID and hides it if it is surfaced.
func (o *Orchestrator) withdraw(callID string) {
	o.mu.Lock()
	delete(o.invites, callID)
	if o.state.Incoming == nil || o.state.Incoming.CallID != callID {
		o.mu.Unlock()
		return
	}
	o.state.Incoming = nil
	notify := o.commitLocked()
	o.mu.Unlock()
	notify()
	o.logger.Info().Str("call_id", callID).Msg("incoming call withdrawn")
}

// yield ends our own attempt and accepts the peer's invitation instead.
func (o *Orchestrator) yield(rec domain.CallSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*lookupTimeout)
	defer cancel()
	if err := o.calls.EndCall(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("glare: end outgoing call")
	}
	o.remember(o.lookup(ctx, rec.CallerID))
	if err := o.calls.AcceptCall(ctx, rec.CallID, rec.CallerID, rec.CallType); err != nil {
		o.logger.Warn().Err(err).Str("call_id", rec.CallID).Msg("glare: accept incoming call")
		o.withdraw(rec.CallID)
		return
	}
	o.mu.Lock()
	delete(o.invites, rec.CallID)
	o.mu.Unlock()
}
