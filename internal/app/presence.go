package app

import (
	"time"

	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// PendingToggle is a presence toggle received before any remote video stream.
type PendingToggle struct {
	Enabled bool          `json:"enabled"`
	From    domain.PeerID `json:"from"`
	At      time.Time     `json:"at"`
}

// PresentationState is the derived view of whether the remote camera is on.
// Known=false means Unknown.
type PresentationState struct {
	Known          bool           `json:"known"`
	On             bool           `json:"on"`
	ForcedOff      bool           `json:"forcedOff"`
	ToggleSeen     bool           `json:"toggleSeen"`
	ViewGeneration uint64         `json:"viewGeneration"`
	Pending        *PendingToggle `json:"pending,omitempty"`
}

func (s PresentationState) String() string {
	switch {
	case !s.Known:
		return "unknown"
	case s.On:
		return "on"
	default:
		return "off"
	}
}

// Presence is the remote presentation state machine. Every method that
// reports true has performed a transition and incremented ViewGeneration.
// Not safe for concurrent use.
type Presence struct {
	ttl         time.Duration
	graceMatch  time.Duration
	graceDirect time.Duration

	st          PresentationState
	streamID    string
	videoLive   bool
	connectedAt time.Time
	matched     bool
}

func NewPresence(cfg config.Call) *Presence {
	return &Presence{
		ttl:         cfg.PendingToggleTTL,
		graceMatch:  cfg.ToggleGraceMatch,
		graceDirect: cfg.ToggleGraceDirect,
	}
}

func (p *Presence) State() PresentationState {
	st := p.st
	if st.Pending != nil {
		pt := *st.Pending
		st.Pending = &pt
	}
	return st
}

// Connected records when the connection was established, which opens the
// toggle grace window. matched selects the room-matched window.
func (p *Presence) Connected(at time.Time, matched bool) {
	p.connectedAt = at
	p.matched = matched
}

// Reset handles a partner change: pending toggles are discarded and the state
// returns to Unknown.
func (p *Presence) Reset() bool {
	wasKnown := p.st.Known
	p.st = PresentationState{ViewGeneration: p.st.ViewGeneration}
	p.DropStream()
	if !wasKnown {
		return false
	}
	p.st.ViewGeneration++
	return true
}

// DropStream forgets the remote stream of a replaced resource. The presented
// state, a pending toggle and a forced off survive. It is not a transition.
func (p *Presence) DropStream() {
	p.streamID = ""
	p.videoLive = false
	p.connectedAt = time.Time{}
	p.matched = false
}

// Toggle applies an explicit presence toggle from the remote peer.
func (p *Presence) Toggle(enabled bool, from domain.PeerID, now time.Time) bool {
	p.st.ToggleSeen = true
	if p.streamID == "" {
		p.st.Pending = &PendingToggle{Enabled: enabled, From: from, At: now}
		return false
	}
	if !enabled && p.inGrace(now) {
		return false
	}
	p.st.Pending = nil
	p.transition(enabled, !enabled)
	return true
}

// Track handles a new remote track. Only video tracks drive presentation.
func (p *Presence) Track(t core.RemoteTrack, now time.Time) bool {
	if t.Kind() != webrtc.RTPCodecTypeVideo {
		return false
	}
	p.streamID = t.StreamID()
	p.videoLive = isLive(t)
	if p.applyPending(t, now) {
		return true
	}
	// A new stream clears an earlier forced off.
	return p.infer()
}

// TrackState handles liveness or mute changes of a known remote track.
func (p *Presence) TrackState(t core.RemoteTrack, now time.Time) bool {
	if t.Kind() != webrtc.RTPCodecTypeVideo || t.StreamID() != p.streamID {
		return false
	}
	p.videoLive = isLive(t)
	if p.applyPending(t, now) {
		return true
	}
	if p.st.ForcedOff {
		return false
	}
	return p.infer()
}

// Expire drops a pending toggle older than the TTL. It is not a transition.
func (p *Presence) Expire(now time.Time) bool {
	if p.st.Pending == nil || now.Sub(p.st.Pending.At) <= p.ttl {
		return false
	}
	p.st.Pending = nil
	return true
}

func (p *Presence) applyPending(t core.RemoteTrack, now time.Time) bool {
	pt := p.st.Pending
	if pt == nil {
		return false
	}
	if now.Sub(pt.At) > p.ttl {
		p.st.Pending = nil
		return false
	}
	if t.State() != domain.TrackLive {
		return false
	}
	p.st.Pending = nil
	p.transition(pt.Enabled, !pt.Enabled)
	return true
}

func (p *Presence) infer() bool {
	if p.st.Known && p.st.On == p.videoLive && !p.st.ForcedOff {
		return false
	}
	p.transition(p.videoLive, false)
	return true
}

func (p *Presence) transition(on, forcedOff bool) {
	p.st.Known = true
	p.st.On = on
	p.st.ForcedOff = forcedOff
	p.st.ViewGeneration++
}

func (p *Presence) inGrace(now time.Time) bool {
	if !p.videoLive || p.connectedAt.IsZero() {
		return false
	}
	grace := p.graceDirect
	if p.matched {
		grace = p.graceMatch
	}
	return now.Sub(p.connectedAt) < grace
}

func isLive(t core.RemoteTrack) bool {
	return t.State() == domain.TrackLive && !t.Muted()
}
