package rtc

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/dkeye/peercall/internal/core"
)

func TestLocalTrackWriteSample(t *testing.T) {
	tr, err := newLocalTrack(core.TrackAudio, webrtc.MimeTypeOpus, "s1")
	if err != nil {
		t.Fatal(err)
	}
	sample := media.Sample{Data: opusSilence, Duration: frameDuration}
	if err := tr.WriteSample(sample); err != nil {
		t.Errorf("unbound write: %v", err)
	}
	tr.SetEnabled(false)
	if err := tr.WriteSample(sample); err != nil {
		t.Errorf("disabled write: %v", err)
	}
	tr.Stop()
	if err := tr.WriteSample(sample); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("stopped write: %v", err)
	}
}

func TestFeedSilenceStopsWithTrack(t *testing.T) {
	tr, err := newLocalTrack(core.TrackAudio, webrtc.MimeTypeOpus, "s1")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		tr.feedSilence(time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	tr.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feeder still running after stop")
	}
}

func TestAcquireLocalMediaHonoursDevicePolicy(t *testing.T) {
	e, err := NewEngine(DevicePolicy{AllowAudio: true}, Timeouts{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.AcquireLocalMedia(t.Context(), core.MediaConstraints{Audio: true, Video: true}); !errors.Is(err, core.ErrMediaAccess) {
		t.Errorf("video without permission: %v", err)
	}
	h, err := e.AcquireLocalMedia(t.Context(), core.MediaConstraints{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()
	if len(h.Tracks()) != 1 || h.Tracks()[0].Kind() != core.TrackAudio {
		t.Errorf("tracks = %v", h.Tracks())
	}
	if h.SetEnabled(core.TrackAudio, false) || h.Enabled(core.TrackAudio) {
		t.Error("audio still enabled after disable")
	}
}
