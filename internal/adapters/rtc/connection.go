package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

var ErrForeignTrack = errors.New("track was not created by this engine")

type trackLocalProvider interface {
	TrackLocal() webrtc.TrackLocal
}

// WebRTCConnection adapts *webrtc.PeerConnection to core.Connection.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	mu        sync.Mutex
	senders   map[string]*webrtc.RTPSender
	onICE     func(webrtc.ICECandidateInit)
	onTrack   func(core.RemoteTrack)
	onState   func(webrtc.ICEConnectionState)
	closeOnce sync.Once
}

func newWebRTCConnection(pc *webrtc.PeerConnection) *WebRTCConnection {
	return &WebRTCConnection{pc: pc, senders: make(map[string]*webrtc.RTPSender)}
}

// Start wires pion callbacks and binds remote track pumps to ctx.
func (c *WebRTCConnection) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "adapters.rtc").Str("ice_state", s.String()).Msg("ICE state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "adapters.rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drainRemote(ctx, track, receiver)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(core.RemoteTrack{
				ID:       track.ID(),
				StreamID: track.StreamID(),
				Kind:     core.TrackKind(track.Kind().String()),
			})
		}
	})
}

func (c *WebRTCConnection) AddTrack(t core.LocalTrack) error {
	p, ok := t.(trackLocalProvider)
	if !ok {
		return ErrForeignTrack
	}
	sender, err := c.pc.AddTrack(p.TrackLocal())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.senders[t.ID()] = sender
	c.mu.Unlock()
	return nil
}

func (c *WebRTCConnection) RemoveTrack(t core.LocalTrack) error {
	c.mu.Lock()
	sender, ok := c.senders[t.ID()]
	delete(c.senders, t.ID())
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.pc.RemoveTrack(sender)
}

func (c *WebRTCConnection) CreateOffer(_ context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return c.pc.CreateOffer(opts)
}

func (c *WebRTCConnection) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(_ context.Context, sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *WebRTCConnection) SetRemoteDescription(_ context.Context, sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *WebRTCConnection) AddICECandidate(_ context.Context, ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnConnectivityStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if err = c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "adapters.rtc").Msg("close error")
		} else {
			log.Info().Str("module", "adapters.rtc").Msg("closed")
		}
	})
	return err
}
