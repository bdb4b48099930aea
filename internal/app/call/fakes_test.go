package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type fakeTrack struct {
	id      string
	kind    core.TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

func newFakeTrack(id string, kind core.TrackKind) *fakeTrack {
	t := &fakeTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() core.TrackKind { return t.kind }
func (t *fakeTrack) Enabled() bool        { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(v bool)    { t.enabled.Store(v) }
func (t *fakeTrack) Stop()                { t.stopped.Store(true) }
func (t *fakeTrack) Stopped() bool        { return t.stopped.Load() }

type fakeMedia struct {
	tracks []*fakeTrack
}

func (h *fakeMedia) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(h.tracks))
	for _, t := range h.tracks {
		out = append(out, t)
	}
	return out
}

func (h *fakeMedia) SetEnabled(kind core.TrackKind, enabled bool) bool {
	found := false
	for _, t := range h.tracks {
		if t.kind == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	return found && enabled
}

func (h *fakeMedia) Enabled(kind core.TrackKind) bool {
	for _, t := range h.tracks {
		if t.kind == kind && t.Enabled() {
			return true
		}
	}
	return false
}

func (h *fakeMedia) Stop() {
	for _, t := range h.tracks {
		t.Stop()
	}
}

func (h *fakeMedia) allStopped() bool {
	for _, t := range h.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

type fakeConn struct {
	mu            sync.Mutex
	offers        int
	restartOffers int
	answers       int
	local         []webrtc.SessionDescription
	remote        []webrtc.SessionDescription
	applied       []string
	early         bool
	closes        int
	tracks        int

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.ICEConnectionState)
}

func (c *fakeConn) AddTrack(core.LocalTrack) error {
	c.mu.Lock()
	c.tracks++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RemoveTrack(core.LocalTrack) error { return nil }

func (c *fakeConn) CreateOffer(_ context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	if iceRestart {
		c.restartOffers++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.offers)}, nil
}

func (c *fakeConn) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.answers)}, nil
}

func (c *fakeConn) SetLocalDescription(_ context.Context, sd webrtc.SessionDescription) error {
	c.mu.Lock()
	c.local = append(c.local, sd)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetRemoteDescription(_ context.Context, sd webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remote = append(c.remote, sd)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) AddICECandidate(_ context.Context, ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remote) == 0 {
		c.early = true
	}
	c.applied = append(c.applied, ci.Candidate)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnConnectivityStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) fireState(st webrtc.ICEConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(st)
}

func (c *fakeConn) fireICE(candidate string) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: candidate})
}

func (c *fakeConn) fireTrack(t core.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	fn(t)
}

type connStats struct {
	offers        int
	restartOffers int
	answers       int
	local         []webrtc.SessionDescription
	remote        []webrtc.SessionDescription
	applied       []string
	early         bool
	closes        int
	tracks        int
}

func (c *fakeConn) snapshot() connStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connStats{
		offers:        c.offers,
		restartOffers: c.restartOffers,
		answers:       c.answers,
		local:         append([]webrtc.SessionDescription(nil), c.local...),
		remote:        append([]webrtc.SessionDescription(nil), c.remote...),
		applied:       append([]string(nil), c.applied...),
		early:         c.early,
		closes:        c.closes,
		tracks:        c.tracks,
	}
}

var errDenied = errors.New("denied by user")

type fakeEngine struct {
	mu    sync.Mutex
	deny  bool
	media []*fakeMedia
	conns []*fakeConn
	// gate, when set, holds AcquireLocalMedia until it is closed
	gate chan struct{}
}

func (e *fakeEngine) AcquireLocalMedia(ctx context.Context, c core.MediaConstraints) (core.MediaHandle, error) {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deny {
		return nil, &core.MediaAccessError{Kind: core.TrackAudio, Err: errDenied}
	}
	h := &fakeMedia{}
	n := len(e.media)
	if c.Audio {
		h.tracks = append(h.tracks, newFakeTrack(fmt.Sprintf("audio-%d", n), core.TrackAudio))
	}
	if c.Video {
		h.tracks = append(h.tracks, newFakeTrack(fmt.Sprintf("video-%d", n), core.TrackVideo))
	}
	e.media = append(e.media, h)
	return h, nil
}

func (e *fakeEngine) CreateConnection(context.Context, core.ConnectionConfig) (core.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &fakeConn{}
	e.conns = append(e.conns, c)
	return c, nil
}

func (e *fakeEngine) conn(t *testing.T) *fakeConn {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		t.Fatal("no connection created")
	}
	return e.conns[len(e.conns)-1]
}

func (e *fakeEngine) lastMedia(t *testing.T) *fakeMedia {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.media) == 0 {
		t.Fatal("no media acquired")
	}
	return e.media[len(e.media)-1]
}

func (e *fakeEngine) acquired() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.media)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnCallEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) statuses() []domain.CallStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CallStatus
	for _, ev := range r.events {
		if ev.Kind == EventStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (r *recorder) count(st domain.CallStatus) int {
	n := 0
	for _, s := range r.statuses() {
		if s == st {
			n++
		}
	}
	return n
}

func (r *recorder) last(st domain.CallStatus) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == EventStatus && r.events[i].Status == st {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type peer struct {
	id     domain.UserID
	engine *fakeEngine
	mgr    *Manager
	rec    *recorder
}

func testConfig() Config {
	return Config{
		RingTimeout:    2 * time.Second,
		DeleteGrace:    time.Minute,
		PublishTimeout: time.Second,
	}
}

func newPeer(t *testing.T, store *signal.MemoryStore, id domain.UserID, cfg Config) *peer {
	t.Helper()
	return newPeerOn(t, store, store, id, cfg)
}

// newPeerOn signals through store but reads and writes records through
// sessions.
func newPeerOn(t *testing.T, store *signal.MemoryStore, sessions core.SessionStore, id domain.UserID, cfg Config) *peer {
	t.Helper()
	p := &peer{id: id, engine: &fakeEngine{}, rec: &recorder{}}
	p.mgr = NewManager(id, p.engine, signal.NewChannel(id, store), sessions, cfg)
	unsubscribe := p.mgr.Subscribe(p.rec)
	t.Cleanup(func() {
		_ = p.mgr.EndCall(context.Background())
		unsubscribe()
	})
	return p
}

// slowStore delays record writes of one status.
type slowStore struct {
	*signal.MemoryStore
	status domain.CallStatus
	delay  time.Duration
}

func (s *slowStore) Update(ctx context.Context, callID string, patch domain.SessionPatch) error {
	if patch.Status == s.status {
		time.Sleep(s.delay)
	}
	return s.MemoryStore.Update(ctx, callID, patch)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, p *peer, st domain.CallStatus) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s to reach %s", p.id, st), func() bool { return p.mgr.Status() == st })
}

func waitRecord(t *testing.T, store *signal.MemoryStore, callID string, st domain.CallStatus) domain.CallSession {
	t.Helper()
	var rec domain.CallSession
	waitFor(t, fmt.Sprintf("record %s to reach %s", callID, st), func() bool {
		r, err := store.Get(context.Background(), callID)
		rec = r
		return err == nil && r.Status == st
	})
	return rec
}

// connect drives a full handshake between caller and receiver.
func connect(t *testing.T, store *signal.MemoryStore, caller, receiver *peer, callType domain.CallType) string {
	t.Helper()
	ctx := context.Background()
	callID, err := caller.mgr.Initiate(ctx, receiver.id, callType)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	waitRecord(t, store, callID, domain.StatusRinging)

	if err := receiver.mgr.AcceptCall(ctx, callID, caller.id, ""); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	cc, rc := caller.engine.conn(t), receiver.engine.conn(t)
	waitFor(t, "answer applied by caller", func() bool { return len(cc.snapshot().remote) == 1 })
	waitFor(t, "offer applied by receiver", func() bool { return len(rc.snapshot().remote) == 1 })

	cc.fireState(webrtc.ICEConnectionStateConnected)
	rc.fireState(webrtc.ICEConnectionStateConnected)
	for _, p := range []*peer{caller, receiver} {
		waitFor(t, string(p.id)+" active event", func() bool { return p.rec.count(domain.StatusActive) == 1 })
	}
	return callID
}
