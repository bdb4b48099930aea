package rtc

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// rtpStats counts received packets and the gaps in their sequence numbers.
type rtpStats struct {
	packets int
	bytes   int
	lost    int
	started bool
	lastSeq uint16
}

func (s *rtpStats) observe(pkt *rtp.Packet) {
	s.packets++
	s.bytes += len(pkt.Payload)
	if s.started {
		// uint16 arithmetic handles wrap-around; late or duplicate packets
		// land in the upper half and are not counted as loss.
		d := pkt.SequenceNumber - s.lastSeq
		if d == 0 || d >= 1<<15 {
			return
		}
		s.lost += int(d - 1)
	}
	s.started = true
	s.lastSeq = pkt.SequenceNumber
}

func (s *rtpStats) log(ev *zerolog.Event) *zerolog.Event {
	return ev.Int("packets", s.packets).Int("bytes", s.bytes).Int("lost", s.lost)
}

// drainRemote reads RTP from a remote track, and RTCP from its receiver,
// until ctx ends or the track closes. Unread tracks stall the interceptors.
func drainRemote(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	logger := log.With().
		Str("module", "adapters.rtc").
		Str("track_id", track.ID()).
		Logger()

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := receiver.Read(buf); err != nil {
				return
			}
		}
	}()

	var stats rtpStats
	for {
		select {
		case <-ctx.Done():
			stats.log(logger.Info()).Msg("remote track ctx done")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			stats.log(logger.Info().Err(err)).Msg("remote track closed")
			return
		}
		stats.observe(pkt)
	}
}
