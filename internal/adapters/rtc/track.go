package rtc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// LocalTrack is an outgoing capture track. Writes are dropped while the
// track is disabled or ended.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticRTP
	enabled atomic.Bool
	state   atomic.Int32 // Zero by default (domain.TrackLive)
}

var _ core.LocalTrack = (*LocalTrack)(nil)

// NewLocalTrack creates an enabled Opus (audio) or VP8 (video) track.
func NewLocalTrack(kind webrtc.RTPCodecType, id, streamID string) (*LocalTrack, error) {
	var codec webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case webrtc.RTPCodecTypeVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}
	tr, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	lt := &LocalTrack{track: tr}
	lt.enabled.Store(true)
	return lt, nil
}

func (t *LocalTrack) ID() string                { return t.track.ID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *LocalTrack) Enabled() bool             { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(v bool)         { t.enabled.Store(v) }
func (t *LocalTrack) Local() webrtc.TrackLocal  { return t.track }

func (t *LocalTrack) State() domain.TrackState {
	return domain.TrackState(t.state.Load())
}

// End marks the track as ended, e.g. when the capture device goes away.
func (t *LocalTrack) End() {
	t.state.Store(int32(domain.TrackEnded))
}

// WriteRTP forwards a packet to every bound sender.
func (t *LocalTrack) WriteRTP(pkt *rtp.Packet) error {
	if t.State() == domain.TrackEnded || !t.Enabled() {
		return nil
	}
	return t.track.WriteRTP(pkt)
}

// remoteTrack observes an inbound track. It goes muted after a period
// without packets and ended once the read side fails.
type remoteTrack struct {
	src *webrtc.TrackRemote

	state      atomic.Int32
	muted      atomic.Bool
	lastPacket atomic.Int64
	packets    atomic.Uint64
}

var _ core.RemoteTrack = (*remoteTrack)(nil)

func newRemoteTrack(src *webrtc.TrackRemote) *remoteTrack {
	t := &remoteTrack{src: src}
	t.lastPacket.Store(time.Now().UnixNano())
	return t
}

func (t *remoteTrack) ID() string                { return t.src.ID() }
func (t *remoteTrack) StreamID() string          { return t.src.StreamID() }
func (t *remoteTrack) Kind() webrtc.RTPCodecType { return t.src.Kind() }
func (t *remoteTrack) Muted() bool               { return t.muted.Load() }

func (t *remoteTrack) State() domain.TrackState {
	return domain.TrackState(t.state.Load())
}

// watch reads packets until the track fails, reporting liveness
// transitions through emit.
func (t *remoteTrack) watch(ctx context.Context, muteAfter time.Duration, emit func(core.RemoteTrack), logger *zerolog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if muteAfter > 0 {
		go t.muteLoop(ctx, muteAfter, emit)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Str("track", t.ID()).Uint64("packets", t.packets.Load()).Msg("remote track ended")
			t.state.Store(int32(domain.TrackEnded))
			emit(t)
			return
		}
		t.seen(pkt)
		if t.muted.CompareAndSwap(true, false) {
			emit(t)
		}
	}
}

func (t *remoteTrack) seen(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	t.packets.Add(1)
	t.lastPacket.Store(time.Now().UnixNano())
}

func (t *remoteTrack) muteLoop(ctx context.Context, muteAfter time.Duration, emit func(core.RemoteTrack)) {
	ticker := time.NewTicker(muteAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, t.lastPacket.Load()))
			if idle >= muteAfter && t.muted.CompareAndSwap(false, true) {
				emit(t)
			}
		}
	}
}
