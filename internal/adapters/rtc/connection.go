package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/rtcerr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Connection wraps a pion PeerConnection as a core.Resource. pion callbacks
// are registered once; ClearHandlers only drops the application handlers.
type Connection struct {
	pc        *webrtc.PeerConnection
	muteAfter time.Duration
	logger    zerolog.Logger

	mu           sync.Mutex
	onICE        func(webrtc.ICECandidateInit)
	onState      func(webrtc.PeerConnectionState)
	onTrack      func(core.RemoteTrack)
	onTrackState func(core.RemoteTrack)

	ctx      context.Context
	cancel   context.CancelFunc
	watchers conc.WaitGroup
	closed   atomic.Bool
}

var _ core.Resource = (*Connection)(nil)

func newConnection(pc *webrtc.PeerConnection, muteAfter time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:        pc,
		muteAfter: muteAfter,
		logger:    log.With().Str("module", "rtc").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			c.logger.Debug().Msg("ICE gathering complete")
			return
		}
		if h := c.iceHandler(); h != nil {
			h(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		h := c.onState
		c.mu.Unlock()
		if h != nil {
			h(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if c.closed.Load() {
			return
		}
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		rt := newRemoteTrack(track)
		c.mu.Lock()
		h := c.onTrack
		c.mu.Unlock()
		if h != nil {
			h(rt)
		}
		c.watchers.Go(func() { rt.watch(c.ctx, c.muteAfter, c.emitTrackState, &c.logger) })
	})

	return c
}

func (c *Connection) iceHandler() func(webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onICE
}

func (c *Connection) emitTrackState(t core.RemoteTrack) {
	c.mu.Lock()
	h := c.onTrackState
	c.mu.Unlock()
	if h != nil {
		h(t)
	}
}

func (c *Connection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

func (c *Connection) ConnectionState() webrtc.PeerConnectionState { return c.pc.ConnectionState() }

func (c *Connection) LocalDescription() *webrtc.SessionDescription { return c.pc.LocalDescription() }

func (c *Connection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return mapErr(c.pc.SetRemoteDescription(sd), core.ErrInvalidState)
}

func (c *Connection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return mapErr(c.pc.SetLocalDescription(sd), core.ErrInvalidState)
}

func (c *Connection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if err := c.ensureReceive(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	return offer, mapErr(err, core.ErrInvalidState)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	return answer, mapErr(err, core.ErrInvalidState)
}

// ensureReceive adds a recvonly transceiver for every media kind we have no
// transceiver for, so offers always ask for audio and video.
func (c *Connection) ensureReceive() error {
	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range c.pc.GetTransceivers() {
		have[t.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return mapErr(err, core.ErrInvalidState)
		}
	}
	return nil
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return mapErr(c.pc.AddICECandidate(ci), core.ErrInvalidCandidate)
}

func (c *Connection) AttachTrack(t core.LocalTrack) error {
	local := t.Local()
	if local == nil {
		return fmt.Errorf("%w: track %s has no local source", core.ErrInvalidState, t.ID())
	}
	for _, s := range c.pc.GetSenders() {
		if cur := s.Track(); cur != nil && cur.Kind() == t.Kind() {
			if err := s.ReplaceTrack(local); err != nil {
				return mapErr(err, core.ErrInvalidState)
			}
			c.logger.Debug().Str("track", t.ID()).Msg("sender track replaced")
			return nil
		}
	}
	if _, err := c.pc.AddTrack(local); err != nil {
		return mapErr(err, core.ErrInvalidState)
	}
	c.logger.Debug().Str("track", t.ID()).Str("kind", t.Kind().String()).Msg("track added")
	return nil
}

func (c *Connection) DetachSenders() {
	for _, s := range c.pc.GetSenders() {
		if s.Track() == nil {
			continue
		}
		if err := c.pc.RemoveTrack(s); err != nil {
			c.logger.Debug().Err(err).Msg("remove track")
		}
	}
}

func (c *Connection) SenderCount() int {
	n := 0
	for _, s := range c.pc.GetSenders() {
		if s.Track() != nil {
			n++
		}
	}
	return n
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrackState(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrackState = fn
	c.mu.Unlock()
}

func (c *Connection) ClearHandlers() {
	c.mu.Lock()
	c.onICE, c.onState, c.onTrack, c.onTrackState = nil, nil, nil, nil
	c.mu.Unlock()
}

func (c *Connection) IsClosed() bool {
	return c.closed.Load() || c.pc.ConnectionState() == webrtc.PeerConnectionStateClosed
}

func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	err := c.pc.Close()
	c.watchers.Wait()
	if err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

// mapErr tags pion errors with the core error class the orchestrator
// branches on. Invalid state errors always map to core.ErrInvalidState.
func mapErr(err error, class error) error {
	if err == nil {
		return nil
	}
	var ise *rtcerr.InvalidStateError
	if errors.As(err, &ise) || errors.Is(err, webrtc.ErrConnectionClosed) {
		return fmt.Errorf("%w: %v", core.ErrInvalidState, err)
	}
	return fmt.Errorf("%w: %v", class, err)
}
