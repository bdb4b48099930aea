package rtc

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/dkeye/peercall/internal/core"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// LocalTrack is a sample-fed local track. Samples are pushed with
// WriteSample; disabled tracks swallow them.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    core.TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

func newLocalTrack(kind core.TrackKind, mimeType, streamID string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		string(kind)+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{track: track, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string { return t.track.ID() }
func (t *LocalTrack) Kind() core.TrackKind { return t.kind }
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *LocalTrack) Stop() { t.stopped.Store(true) }
func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return io.ErrClosedPipe
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// feedSilence keeps an audio track sending silent frames until it is
// stopped, so the peer sees RTP flowing without a capture device.
func (t *LocalTrack) feedSilence(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		err := t.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
		if errors.Is(err, io.ErrClosedPipe) {
			return
		}
	}
}

type mediaHandle struct {
	tracks []core.LocalTrack
}

func (h *mediaHandle) Tracks() []core.LocalTrack { return h.tracks }

func (h *mediaHandle) SetEnabled(kind core.TrackKind, enabled bool) bool {
	found := false
	for _, t := range h.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	return found && enabled
}

func (h *mediaHandle) Enabled(kind core.TrackKind) bool {
	for _, t := range h.tracks {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}

func (h *mediaHandle) Stop() {
	for _, t := range h.tracks {
		t.Stop()
	}
}
