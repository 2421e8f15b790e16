package rtc

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticMediaSource hands out a fixed set of local tracks.
type StaticMediaSource struct {
	tracks []*LocalTrack
}

var _ core.MediaSource = (*StaticMediaSource)(nil)

// NewStaticMediaSource creates an audio track and, if video is set, a video
// track sharing one stream id.
func NewStaticMediaSource(video bool) (*StaticMediaSource, error) {
	stream := uuid.NewString()
	audio, err := NewLocalTrack(webrtc.RTPCodecTypeAudio, "audio-"+stream[:8], stream)
	if err != nil {
		return nil, err
	}
	s := &StaticMediaSource{tracks: []*LocalTrack{audio}}
	if video {
		v, err := NewLocalTrack(webrtc.RTPCodecTypeVideo, "video-"+stream[:8], stream)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, v)
	}
	return s, nil
}

func (s *StaticMediaSource) Tracks(context.Context) ([]core.LocalTrack, error) {
	out := make([]core.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out, nil
}

// Audio returns the first audio track, if any.
func (s *StaticMediaSource) Audio() *LocalTrack {
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			return t
		}
	}
	return nil
}

// FeedSilence writes Opus silence to the audio track every 20ms until ctx
// is done, so the remote side sees a live stream.
func (s *StaticMediaSource) FeedSilence(ctx context.Context) {
	audio := s.Audio()
	if audio == nil {
		return
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: opusSilence,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := audio.WriteRTP(pkt); err != nil {
				log.Debug().Str("module", "rtc").Err(err).Msg("silence write")
			}
			pkt.SequenceNumber++
			pkt.Timestamp += 960
		}
	}
}
