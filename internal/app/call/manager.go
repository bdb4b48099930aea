// Package call drives one identity's peer call: local media, the peer
// connection and the handshake over the signaling channel.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var errSetupAborted = fmt.Errorf("call setup aborted: %w", core.ErrProtocolRace)

type Config struct {
	// RingTimeout bounds ringing and connecting. An active call is never
	// ended by it.
	RingTimeout time.Duration
	// DeleteGrace delays record deletion so late messages can still be read.
	DeleteGrace    time.Duration
	PublishTimeout time.Duration
	ICEServers     []webrtc.ICEServer
}

func DefaultConfig() Config {
	return Config{
		RingTimeout:    30 * time.Second,
		DeleteGrace:    5 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// Manager owns at most one call session at a time.
type Manager struct {
	self     domain.UserID
	engine   core.MediaEngine
	channel  core.SignalingChannel
	sessions core.SessionStore
	cfg      Config
	logger   zerolog.Logger

	newID func() string
	now   func() time.Time

	mu          sync.Mutex
	status      domain.CallStatus
	active      *session
	setupCancel context.CancelFunc
	seq         uint64

	lmu       sync.Mutex
	listeners map[int]Listener
	nextL     int
}

func NewManager(
	self domain.UserID,
	engine core.MediaEngine,
	channel core.SignalingChannel,
	store core.SessionStore,
	cfg Config,
) *Manager {
	def := DefaultConfig()
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if cfg.DeleteGrace <= 0 {
		cfg.DeleteGrace = def.DeleteGrace
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	return &Manager{
		self:      self,
		engine:    engine,
		channel:   channel,
		sessions:  store,
		cfg:       cfg,
		logger:    log.With().Str("module", "app.call").Str("self", string(self)).Logger(),
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
		status:    domain.StatusIdle,
		listeners: make(map[int]Listener),
	}
}

func (m *Manager) Self() domain.UserID { return m.self }

func (m *Manager) Status() domain.CallStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Reserved reports whether a call is held or being set up. Status stays
// idle until Initiate or AcceptCall has finished its setup.
func (m *Manager) Reserved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil || m.setupCancel != nil
}

// Current returns the call held by the manager, if any.
func (m *Manager) Current() (CallInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return CallInfo{}, false
	}
	return m.active.info, true
}

// LocalMedia returns the media handle of the current call or nil.
func (m *Manager) LocalMedia() core.MediaHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.media
}

// Subscribe registers l for status and track events. Listeners run on the
// session goroutine and must not block.
func (m *Manager) Subscribe(l Listener) func() {
	m.lmu.Lock()
	id := m.nextL
	m.nextL++
	m.listeners[id] = l
	m.lmu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			delete(m.listeners, id)
			m.lmu.Unlock()
		})
	}
}

func (m *Manager) emit(ev Event) {
	m.lmu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.lmu.Unlock()
	for _, l := range ls {
		l.OnCallEvent(ev)
	}
}

// nextSeq must be called with m.mu held.
func (m *Manager) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// Initiate places a call to receiver. Media denial returns
// *core.MediaAccessError and leaves no record behind.
func (m *Manager) Initiate(ctx context.Context, receiver domain.UserID, callType domain.CallType) (string, error) {
	if !callType.Valid() {
		return "", core.ErrInvalidCallType
	}
	if err := domain.ValidateUserID(receiver); err != nil {
		return "", err
	}
	if receiver == m.self {
		return "", core.ErrSelfCall
	}
	setup, err := m.reserve(ctx)
	if err != nil {
		return "", err
	}
	defer m.unreserve()

	info := CallInfo{CallID: m.newID(), Remote: receiver, CallType: callType, IsCaller: true}
	s, err := m.prepare(setup, info)
	if err != nil {
		return "", err
	}
	// subscribe first so an instant answer is not missed
	if err := m.subscribe(s); err != nil {
		s.release(nil)
		return "", err
	}

	offer, err := s.conn.CreateOffer(setup, false)
	if err == nil {
		err = s.conn.SetLocalDescription(setup, offer)
	}
	if err != nil {
		s.release(s.unsubscribe)
		return "", fmt.Errorf("create offer: %w", err)
	}
	s.localRev = 1

	if setup.Err() != nil {
		s.release(s.unsubscribe)
		return "", errSetupAborted
	}
	record := domain.CallSession{
		CallID:     info.CallID,
		CallerID:   m.self,
		ReceiverID: receiver,
		CallType:   callType,
		Status:     domain.StatusRinging,
		CreatedAt:  m.now(),
	}
	if err := m.sessions.Create(setup, record); err != nil {
		s.release(s.unsubscribe)
		return "", &core.TransportError{Op: "create session", CallID: info.CallID, Err: err}
	}

	if !m.activate(setup, s, domain.StatusRinging) {
		s.release(s.unsubscribe)
		m.abandon(info.CallID)
		return "", errSetupAborted
	}
	m.logger.Info().
		Str("call_id", info.CallID).
		Str("receiver", string(receiver)).
		Str("call_type", string(callType)).
		Msg("call initiated")

	m.publish(s, domain.SignalCallRequest, domain.SignalPayload{})
	m.publish(s, domain.SignalOffer, domain.SignalPayload{
		Description: domain.DescriptionFromWebRTC(offer, s.localRev),
	})
	return info.CallID, nil
}

// AcceptCall answers the ringing call callID from caller. An empty callType
// takes the one stored in the record.
func (m *Manager) AcceptCall(ctx context.Context, callID string, caller domain.UserID, callType domain.CallType) error {
	if callType != "" && !callType.Valid() {
		return core.ErrInvalidCallType
	}
	setup, err := m.reserve(ctx)
	if err != nil {
		return err
	}
	defer m.unreserve()

	rec, err := m.invitation(setup, callID, caller)
	if err != nil {
		return err
	}
	if callType == "" {
		callType = rec.CallType
	}

	info := CallInfo{CallID: callID, Remote: caller, CallType: callType}
	s, err := m.prepare(setup, info)
	if err != nil {
		return err
	}
	if err := m.subscribe(s); err != nil {
		s.release(nil)
		return err
	}
	// written before the loop starts so it cannot race our own active write
	wctx, cancel := context.WithTimeout(setup, m.cfg.PublishTimeout)
	m.updateRecord(wctx, callID, domain.StatusConnecting)
	cancel()
	if !m.activate(setup, s, domain.StatusConnecting) {
		s.release(s.unsubscribe)
		m.abandon(callID)
		return errSetupAborted
	}
	m.logger.Info().Str("call_id", callID).Str("caller", string(caller)).Msg("call accepted")
	m.publish(s, domain.SignalCallAccept, domain.SignalPayload{})
	return nil
}

// RejectCall declines a ringing call addressed to self without touching
// local media. Rejecting the call currently held ends it instead.
func (m *Manager) RejectCall(ctx context.Context, callID string, caller domain.UserID) error {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s != nil && s.info.CallID == callID {
		return m.EndCall(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()
	if _, err := m.invitation(ctx, callID, caller); err != nil {
		return err
	}
	m.updateRecord(ctx, callID, domain.StatusRejected)
	msg := domain.SignalMessage{
		Type:    domain.SignalCallReject,
		To:      caller,
		Payload: domain.SignalPayload{CallID: callID},
	}
	if err := m.channel.Publish(ctx, callID, msg); err != nil {
		m.logger.Warn().Err(err).Str("call_id", callID).Msg("publish call-reject")
	}
	m.scheduleDelete(callID)
	m.logger.Info().Str("call_id", callID).Str("caller", string(caller)).Msg("call rejected")
	return nil
}

// invitation returns the record of callID if it is still ringing and was
// placed by caller to self.
func (m *Manager) invitation(ctx context.Context, callID string, caller domain.UserID) (domain.CallSession, error) {
	rec, err := m.sessions.Get(ctx, callID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return rec, core.ErrCallUnavailable
	case err != nil:
		return rec, &core.TransportError{Op: "get session", CallID: callID, Err: err}
	}
	if rec.Status != domain.StatusRinging || rec.ReceiverID != m.self || rec.CallerID != caller {
		return rec, core.ErrCallUnavailable
	}
	return rec, nil
}

// EndCall hangs up the current call. Without one it only aborts a setup in
// progress; it never fails.
func (m *Manager) EndCall(context.Context) error {
	m.mu.Lock()
	s := m.active
	if s == nil && m.setupCancel != nil {
		m.setupCancel()
	}
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	m.terminate(s, domain.StatusEnded, true, nil)
	return nil
}

// ToggleAudio flips the microphone and returns the resulting state.
func (m *Manager) ToggleAudio() (bool, error) { return m.toggle(core.TrackAudio) }

// ToggleVideo flips the camera and returns the resulting state.
func (m *Manager) ToggleVideo() (bool, error) { return m.toggle(core.TrackVideo) }

func (m *Manager) toggle(kind core.TrackKind) (bool, error) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return false, core.ErrNoActiveCall
	}
	enabled := s.media.SetEnabled(kind, !s.media.Enabled(kind))
	m.logger.Debug().Str("call_id", s.info.CallID).Str("kind", string(kind)).Bool("enabled", enabled).Msg("toggled")
	return enabled, nil
}

func (m *Manager) reserve(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != domain.StatusIdle || m.active != nil || m.setupCancel != nil {
		return nil, core.ErrBusy
	}
	setup, cancel := context.WithCancel(ctx)
	m.setupCancel = cancel
	return setup, nil
}

func (m *Manager) unreserve() {
	m.mu.Lock()
	if m.setupCancel != nil {
		m.setupCancel()
		m.setupCancel = nil
	}
	m.mu.Unlock()
}

// prepare opens media and the connection and routes engine callbacks into
// the session inbox. Nothing is signaled.
func (m *Manager) prepare(ctx context.Context, info CallInfo) (*session, error) {
	constraints := core.MediaConstraints{Audio: true, Video: info.CallType == domain.CallVideo}
	media, err := m.engine.AcquireLocalMedia(ctx, constraints)
	if err != nil {
		var mae *core.MediaAccessError
		if !errors.As(err, &mae) {
			err = &core.MediaAccessError{Kind: core.TrackAudio, Err: err}
		}
		m.logger.Warn().Err(err).Str("call_id", info.CallID).Msg("media access")
		return nil, err
	}
	conn, err := m.engine.CreateConnection(ctx, core.ConnectionConfig{ICEServers: m.cfg.ICEServers})
	if err != nil {
		media.Stop()
		return nil, fmt.Errorf("create connection: %w", err)
	}
	for _, t := range media.Tracks() {
		if err := conn.AddTrack(t); err != nil {
			media.Stop()
			_ = conn.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}

	s := newSession(info, media, conn, m.logger.With().Str("call_id", info.CallID).Logger())
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		s.post(sessionEvent{typ: evLocalCandidate, candidate: ci})
	})
	conn.OnTrack(func(t core.RemoteTrack) {
		s.post(sessionEvent{typ: evRemoteTrack, track: t})
	})
	conn.OnConnectivityStateChange(func(st webrtc.ICEConnectionState) {
		s.post(sessionEvent{typ: evConnState, state: st})
	})
	return s, nil
}

// subscribe binds the message subscription to the session lifetime; history
// is replayed since the peer may have written before we listened.
func (m *Manager) subscribe(s *session) error {
	unsub, err := m.channel.Subscribe(s.ctx, s.info.CallID, core.SubscribeOptions{Replay: true}, func(msg domain.SignalMessage) {
		s.post(sessionEvent{typ: evMessage, msg: msg})
	})
	if err != nil {
		return err
	}
	s.unsubscribe = unsub
	return nil
}

// activate makes s the current session unless the setup was aborted, arms
// the timeout and starts the session loop.
func (m *Manager) activate(setup context.Context, s *session, status domain.CallStatus) bool {
	m.mu.Lock()
	if setup.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.active = s
	m.status = status
	s.timer = time.AfterFunc(m.cfg.RingTimeout, func() { m.onTimeout(s) })
	seq := m.nextSeq()
	m.mu.Unlock()

	m.emit(Event{Seq: seq, Kind: EventStatus, Status: status, Call: s.info})
	go s.run(m.handle)
	return true
}

func (m *Manager) isCurrent(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active == s
}

// publish sends a message to the remote party of s. Failures are logged;
// the timeout covers a lost message.
func (m *Manager) publish(s *session, typ domain.SignalType, payload domain.SignalPayload) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := m.sessionCtx(s)
	defer cancel()
	m.send(ctx, s, typ, payload)
}

func (m *Manager) send(ctx context.Context, s *session, typ domain.SignalType, payload domain.SignalPayload) {
	payload.CallID = s.info.CallID
	msg := domain.SignalMessage{Type: typ, To: s.info.Remote, Payload: payload}
	if err := m.channel.Publish(ctx, s.info.CallID, msg); err != nil {
		s.logger.Warn().Err(err).Str("type", string(typ)).Msg("publish failed")
	}
}

func (m *Manager) updateRecord(ctx context.Context, callID string, status domain.CallStatus) {
	err := m.sessions.Update(ctx, callID, domain.SessionPatch{Status: status, At: m.now()})
	if err != nil {
		m.logger.Warn().
			Err(&core.TransportError{Op: "update " + string(status), CallID: callID, Err: err}).
			Msg("record update failed")
	}
}
