package rtc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

var ErrPermissionDenied = errors.New("permission denied")

// DevicePolicy says which capture devices this process may open.
type DevicePolicy struct {
	AllowAudio bool
	AllowVideo bool
}

// Timeouts mirror webrtc.SettingEngine.SetICETimeouts.
type Timeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	KeepAlive    time.Duration
}

// Engine is the pion-backed core.MediaEngine.
type Engine struct {
	api     *webrtc.API
	devices DevicePolicy
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewEngine(devices DevicePolicy, timeouts Timeouts) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if timeouts.Disconnected > 0 && timeouts.Failed > 0 && timeouts.KeepAlive > 0 {
		se.SetICETimeouts(timeouts.Disconnected, timeouts.Failed, timeouts.KeepAlive)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Engine{api: api, devices: devices}, nil
}

func (e *Engine) AcquireLocalMedia(_ context.Context, c core.MediaConstraints) (core.MediaHandle, error) {
	if c.Audio && !e.devices.AllowAudio {
		return nil, &core.MediaAccessError{Kind: core.TrackAudio, Err: ErrPermissionDenied}
	}
	if c.Video && !e.devices.AllowVideo {
		return nil, &core.MediaAccessError{Kind: core.TrackVideo, Err: ErrPermissionDenied}
	}

	streamID := uuid.NewString()
	h := &mediaHandle{}
	if c.Audio {
		t, err := newLocalTrack(core.TrackAudio, webrtc.MimeTypeOpus, streamID)
		if err != nil {
			return nil, &core.MediaAccessError{Kind: core.TrackAudio, Err: err}
		}
		go t.feedSilence(frameDuration)
		h.tracks = append(h.tracks, t)
	}
	if c.Video {
		t, err := newLocalTrack(core.TrackVideo, webrtc.MimeTypeVP8, streamID)
		if err != nil {
			h.Stop()
			return nil, &core.MediaAccessError{Kind: core.TrackVideo, Err: err}
		}
		h.tracks = append(h.tracks, t)
	}
	log.Info().
		Str("module", "adapters.rtc").
		Str("stream_id", streamID).
		Bool("audio", c.Audio).
		Bool("video", c.Video).
		Msg("local media acquired")
	return h, nil
}

func (e *Engine) CreateConnection(ctx context.Context, cfg core.ConnectionConfig) (core.Connection, error) {
	wcfg := DefaultWebRTCConfig()
	if len(cfg.ICEServers) > 0 {
		wcfg.ICEServers = cfg.ICEServers
	}
	pc, err := e.api.NewPeerConnection(wcfg)
	if err != nil {
		return nil, err
	}
	c := newWebRTCConnection(pc)
	c.Start(ctx)
	return c, nil
}
