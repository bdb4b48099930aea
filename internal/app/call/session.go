package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type eventType int

const (
	evMessage eventType = iota
	evLocalCandidate
	evRemoteTrack
	evConnState
)

type sessionEvent struct {
	typ       eventType
	msg       domain.SignalMessage
	candidate webrtc.ICECandidateInit
	track     core.RemoteTrack
	state     webrtc.ICEConnectionState
}

// session is the owned state of the one call a Manager holds. It is
// allocated on Initiate/AcceptCall and dropped as a unit on teardown.
//
// Fields below the loop marker are only touched by the session loop.
type session struct {
	info   CallInfo
	media  core.MediaHandle
	conn   core.Connection
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  *core.Mailbox[sessionEvent]

	pending candidateQueue

	// guarded by Manager.mu
	unsubscribe func()
	timer       *time.Timer
	connected   bool
	recovering  bool

	releaseOnce sync.Once

	// loop
	remoteSet   bool
	localRev    int
	remoteRev   int
	answeredRev int
	restarted   bool
	seen        map[string]struct{}
}

func newSession(info CallInfo, media core.MediaHandle, conn core.Connection, logger zerolog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		info:   info,
		media:  media,
		conn:   conn,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		inbox:  core.NewMailbox[sessionEvent](),
		seen:   make(map[string]struct{}),
	}
}

// post hands ev to the session loop. Events posted before the loop starts
// wait in the inbox; events posted after release are dropped.
func (s *session) post(ev sessionEvent) {
	s.inbox.Push(ev)
}

// run processes events one at a time, so no handler interleaves with
// another handler of the same session.
func (s *session) run(handle func(*session, sessionEvent)) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.inbox.Ready():
			for _, ev := range s.inbox.Drain() {
				if s.ctx.Err() != nil {
					return
				}
				handle(s, ev)
			}
		}
	}
}

// stopTimer disarms the ringing/connecting timeout. Caller holds Manager.mu.
func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// release frees every resource the session owns. Safe to call twice.
func (s *session) release(unsubscribe func()) {
	s.releaseOnce.Do(func() {
		s.cancel()
		s.inbox.Close()
		if unsubscribe != nil {
			unsubscribe()
		}
		s.pending.Clear()
		if s.media != nil {
			s.media.Stop()
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("close connection")
			}
		}
	})
}
