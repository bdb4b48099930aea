package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func (m *Manager) handle(s *session, ev sessionEvent) {
	switch ev.typ {
	case evMessage:
		m.onMessage(s, ev.msg)
	case evLocalCandidate:
		m.publish(s, domain.SignalICECandidate, domain.SignalPayload{
			Candidate: domain.CandidateFromWebRTC(ev.candidate),
		})
	case evRemoteTrack:
		m.onRemoteTrack(s, ev.track)
	case evConnState:
		m.onConnState(s, ev.state)
	}
}

func (m *Manager) onMessage(s *session, msg domain.SignalMessage) {
	if msg.CallID != s.info.CallID || msg.From != s.info.Remote {
		s.logger.Debug().
			Err(core.ErrProtocolRace).
			Str("msg_call_id", msg.CallID).
			Str("from", string(msg.From)).
			Msg("ignored")
		return
	}
	s.logger.Debug().Str("type", string(msg.Type)).Str("msg_id", msg.ID).Msg("signal")

	switch msg.Type {
	case domain.SignalOffer:
		m.onOffer(s, msg.Payload.Description)
	case domain.SignalAnswer:
		m.onAnswer(s, msg.Payload.Description)
	case domain.SignalICECandidate:
		m.onRemoteCandidate(s, msg.Payload.Candidate)
	case domain.SignalCallAccept:
		m.advance(s)
	case domain.SignalCallReject:
		m.terminate(s, domain.StatusRejected, false, nil)
	case domain.SignalCallEnd:
		m.terminate(s, domain.StatusEnded, false, nil)
	case domain.SignalCallRequest:
		// invitations are read from the session record
	}
}

// onOffer answers the initial offer and every restart offer, once per
// revision.
func (m *Manager) onOffer(s *session, d *domain.Description) {
	if s.info.IsCaller || d == nil || d.Revision <= s.remoteRev {
		return
	}
	if err := s.conn.SetRemoteDescription(s.ctx, d.WebRTC()); err != nil {
		m.fail(s, fmt.Errorf("apply offer: %w", err))
		return
	}
	if !m.isCurrent(s) {
		return
	}
	s.remoteRev = d.Revision
	s.remoteSet = true
	m.flushCandidates(s)

	answer, err := s.conn.CreateAnswer(s.ctx)
	if err == nil {
		err = s.conn.SetLocalDescription(s.ctx, answer)
	}
	if err != nil {
		m.fail(s, fmt.Errorf("create answer: %w", err))
		return
	}
	if !m.isCurrent(s) {
		return
	}
	m.publish(s, domain.SignalAnswer, domain.SignalPayload{
		Description: domain.DescriptionFromWebRTC(answer, d.Revision),
	})
}

// onAnswer applies the answer to our latest offer. Activation waits for
// the connectivity state, not for this message.
func (m *Manager) onAnswer(s *session, d *domain.Description) {
	if !s.info.IsCaller || d == nil || d.Revision != s.localRev || d.Revision <= s.answeredRev {
		return
	}
	if err := s.conn.SetRemoteDescription(s.ctx, d.WebRTC()); err != nil {
		m.fail(s, fmt.Errorf("apply answer: %w", err))
		return
	}
	if !m.isCurrent(s) {
		return
	}
	s.answeredRev = d.Revision
	s.remoteSet = true
	m.flushCandidates(s)
	// the peer answered, so it accepted even if call-accept is still in flight
	m.advance(s)
}

func (m *Manager) onRemoteCandidate(s *session, c *domain.Candidate) {
	if c == nil {
		return
	}
	key := c.Key()
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}
	if !s.remoteSet {
		s.pending.Push(c.WebRTC())
		s.logger.Debug().Int("pending", s.pending.Len()).Msg("candidate buffered")
		return
	}
	m.addCandidate(s, c.WebRTC())
}

// flushCandidates applies buffered candidates in arrival order. Called
// right after a remote description is set.
func (m *Manager) flushCandidates(s *session) {
	for _, ci := range s.pending.Drain() {
		if !m.isCurrent(s) {
			return
		}
		m.addCandidate(s, ci)
	}
}

func (m *Manager) addCandidate(s *session, ci webrtc.ICECandidateInit) {
	if err := s.conn.AddICECandidate(s.ctx, ci); err != nil {
		s.logger.Warn().Err(err).Str("candidate", ci.Candidate).Msg("add candidate")
	}
}

func (m *Manager) onRemoteTrack(s *session, t core.RemoteTrack) {
	m.mu.Lock()
	if m.active != s {
		m.mu.Unlock()
		return
	}
	seq := m.nextSeq()
	m.mu.Unlock()
	s.logger.Info().Str("track_id", t.ID).Str("kind", string(t.Kind)).Msg("remote track")
	m.emit(Event{Seq: seq, Kind: EventRemoteTrack, Status: m.Status(), Call: s.info, Track: t})
}

// advance moves the caller from ringing to connecting.
func (m *Manager) advance(s *session) {
	m.mu.Lock()
	if m.active != s || m.status != domain.StatusRinging {
		m.mu.Unlock()
		return
	}
	m.status = domain.StatusConnecting
	seq := m.nextSeq()
	m.mu.Unlock()
	s.logger.Info().Msg("call connecting")
	m.emit(Event{Seq: seq, Kind: EventStatus, Status: domain.StatusConnecting, Call: s.info})
}

func (m *Manager) onConnState(s *session, st webrtc.ICEConnectionState) {
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		m.onConnected(s)
	case webrtc.ICEConnectionStateFailed:
		m.onConnectivityFailed(s)
	}
}

// onConnected activates the call the first time connectivity is reached and
// disarms the timeout. Later reports only end a restart recovery.
func (m *Manager) onConnected(s *session) {
	m.mu.Lock()
	if m.active != s {
		m.mu.Unlock()
		return
	}
	s.stopTimer()
	if s.connected {
		recovered := s.recovering
		s.recovering = false
		m.mu.Unlock()
		if recovered {
			s.logger.Info().Msg("connectivity restored")
		}
		return
	}
	s.connected = true
	s.recovering = false
	m.status = domain.StatusActive
	seq := m.nextSeq()
	m.mu.Unlock()

	s.logger.Info().Msg("call active")
	ctx, cancel := m.sessionCtx(s)
	defer cancel()
	m.updateRecord(ctx, s.info.CallID, domain.StatusActive)
	m.emit(Event{Seq: seq, Kind: EventStatus, Status: domain.StatusActive, Call: s.info})
}

// onConnectivityFailed allows one ICE restart for a call past ringing. The
// caller sends the restart offer; the receiver answers it like any offer.
// A second failure ends the call.
func (m *Manager) onConnectivityFailed(s *session) {
	m.mu.Lock()
	if m.active != s {
		m.mu.Unlock()
		return
	}
	restart := !s.restarted && (m.status == domain.StatusConnecting || m.status == domain.StatusActive)
	if restart {
		s.restarted = true
		s.recovering = true
	}
	m.mu.Unlock()

	if !restart {
		m.terminate(s, domain.StatusEnded, true, core.ErrConnectivity)
		return
	}
	s.logger.Warn().Bool("caller", s.info.IsCaller).Msg("connectivity failed, restarting ICE")
	if !s.info.IsCaller {
		return
	}
	offer, err := s.conn.CreateOffer(s.ctx, true)
	if err == nil {
		err = s.conn.SetLocalDescription(s.ctx, offer)
	}
	if err != nil {
		m.fail(s, fmt.Errorf("%w: restart offer: %v", core.ErrConnectivity, err))
		return
	}
	if !m.isCurrent(s) {
		return
	}
	s.localRev++
	m.publish(s, domain.SignalOffer, domain.SignalPayload{
		Description: domain.DescriptionFromWebRTC(offer, s.localRev),
	})
}
