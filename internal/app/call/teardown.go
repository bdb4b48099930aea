package call

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// terminate is the single exit path of a session. Only the caller that
// detaches s runs the cleanup; every later call for s is a no-op.
func (m *Manager) terminate(s *session, status domain.CallStatus, notifyRemote bool, cause error) bool {
	m.mu.Lock()
	if m.active != s {
		m.mu.Unlock()
		return false
	}
	m.active = nil
	s.stopTimer()
	m.status = status
	unsubscribe := s.unsubscribe
	seq := m.nextSeq()
	m.mu.Unlock()

	level := zerolog.InfoLevel
	if cause != nil {
		level = zerolog.WarnLevel
	}
	s.logger.WithLevel(level).
		Err(cause).
		Str("status", string(status)).
		Bool("notify", notifyRemote).
		Msg("call terminated")

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
	defer cancel()
	m.updateRecord(ctx, s.info.CallID, status)
	if notifyRemote {
		m.send(ctx, s, domain.SignalCallEnd, domain.SignalPayload{})
	}
	s.release(unsubscribe)
	m.scheduleDelete(s.info.CallID)

	m.emit(Event{Seq: seq, Kind: EventStatus, Status: status, Call: s.info, Cause: cause})

	m.mu.Lock()
	if m.active != nil || m.status != status {
		m.mu.Unlock()
		return true
	}
	m.status = domain.StatusIdle
	seq = m.nextSeq()
	m.mu.Unlock()
	m.emit(Event{Seq: seq, Kind: EventStatus, Status: domain.StatusIdle, Call: s.info})
	return true
}

// fail routes an in-call error through the common teardown.
func (m *Manager) fail(s *session, err error) {
	if s.ctx.Err() != nil {
		return
	}
	m.terminate(s, domain.StatusEnded, true, err)
}

// onTimeout ends a call that is still ringing or connecting when the timer
// fires. Once connected the timer is disarmed for good.
func (m *Manager) onTimeout(s *session) {
	m.mu.Lock()
	if m.active != s || s.connected {
		m.mu.Unlock()
		return
	}
	s.timer = nil
	final := domain.StatusEnded
	if m.status == domain.StatusRinging {
		final = domain.StatusMissed
	}
	m.mu.Unlock()
	m.terminate(s, final, true, core.ErrTimeout)
}

// abandon closes a record whose setup was aborted after it was written.
func (m *Manager) abandon(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
	defer cancel()
	m.updateRecord(ctx, callID, domain.StatusEnded)
	m.scheduleDelete(callID)
}

func (m *Manager) scheduleDelete(callID string) {
	time.AfterFunc(m.cfg.DeleteGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
		defer cancel()
		if err := m.sessions.Delete(ctx, callID); err != nil {
			m.logger.Warn().Err(err).Str("call_id", callID).Msg("delete session")
			return
		}
		m.logger.Debug().Str("call_id", callID).Msg("session deleted")
	})
}

func (m *Manager) sessionCtx(s *session) (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, m.cfg.PublishTimeout)
}
