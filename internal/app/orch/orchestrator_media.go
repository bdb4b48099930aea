package orch

import (
	"github.com/samber/lo"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// LocalMedia returns the live media handle of the current call or nil. It
// belongs to the manager; callers only read from it.
func (o *Orchestrator) LocalMedia() core.MediaHandle {
	return o.calls.LocalMedia()
}

// ToggleAudio mutes or unmutes the microphone and returns whether it is
// enabled afterwards.
func (o *Orchestrator) ToggleAudio() (bool, error) {
	enabled, err := o.calls.ToggleAudio()
	if err != nil {
		return false, err
	}
	o.mu.Lock()
	o.state.AudioMuted = !enabled
	notify := o.commitLocked()
	o.mu.Unlock()
	notify()
	return enabled, nil
}

// ToggleVideo turns the camera off or on and returns whether it is enabled
// afterwards.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	enabled, err := o.calls.ToggleVideo()
	if err != nil {
		return false, err
	}
	o.mu.Lock()
	o.state.VideoOff = !enabled
	notify := o.commitLocked()
	o.mu.Unlock()
	notify()
	return enabled, nil
}

// syncMediaLocked reads track ids and enabled flags from the manager's
// media handle.
func (o *Orchestrator) syncMediaLocked() {
	media := o.calls.LocalMedia()
	if media == nil {
		o.state.LocalTracks = nil
		return
	}
	o.state.LocalTracks = lo.Map(media.Tracks(), func(t core.LocalTrack, _ int) string { return t.ID() })
	o.state.AudioMuted = !media.Enabled(core.TrackAudio)
	o.state.VideoOff = o.state.CallType == domain.CallVideo && !media.Enabled(core.TrackVideo)
}

func (o *Orchestrator) addRemoteTrackLocked(t core.RemoteTrack) {
	o.state.RemoteTracks = lo.UniqBy(append(o.state.RemoteTracks, t), func(t core.RemoteTrack) string { return t.ID })
}
