package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// OnPresenceToggle handles the remote peer announcing its camera state.
func (o *Orchestrator) OnPresenceToggle(msg domain.Message) {
	logger := msgLogger(msg)
	if msg.Enabled == nil {
		logger.Warn().Msg("presence toggle without enabled flag")
		return
	}

	o.mu.Lock()
	if !o.sess.Partner.Accepts(msg.From, msg.RoomID) {
		o.mu.Unlock()
		logger.Debug().Msg("presence toggle from unbound or mismatched partner")
		return
	}
	var events []app.Event
	if o.presence.Toggle(*msg.Enabled, msg.From, o.now()) {
		events = o.presenceEventsLocked()
	}
	o.mu.Unlock()

	logger.Debug().Bool("enabled", *msg.Enabled).Bool("applied", len(events) > 0).Msg("presence toggle")
	o.publish(events...)
}

func (o *Orchestrator) onRemoteTrack(ep app.Epoch, t core.RemoteTrack) {
	o.mu.Lock()
	if !o.sess.Current(ep) {
		o.mu.Unlock()
		return
	}
	events := []app.Event{o.streamEventLocked(t)}
	if o.presence.Track(t, o.now()) {
		events = append(events, o.presenceEventsLocked()...)
	}
	o.mu.Unlock()

	log.Info().
		Str("module", "orch").
		Str("track", t.ID()).
		Str("stream", t.StreamID()).
		Str("kind", t.Kind().String()).
		Msg("remote track")
	o.publish(events...)
}

func (o *Orchestrator) onRemoteTrackState(ep app.Epoch, t core.RemoteTrack) {
	o.mu.Lock()
	if !o.sess.Current(ep) {
		o.mu.Unlock()
		return
	}
	events := []app.Event{o.streamEventLocked(t)}
	if o.presence.TrackState(t, o.now()) {
		events = append(events, o.presenceEventsLocked()...)
	}
	o.mu.Unlock()
	o.publish(events...)
}

func (o *Orchestrator) streamEventLocked(t core.RemoteTrack) app.Event {
	return app.StreamChanged{
		CallID:   o.sess.CallID,
		StreamID: t.StreamID(),
		TrackID:  t.ID(),
		Kind:     t.Kind().String(),
		State:    t.State().String(),
		Muted:    t.Muted(),
	}
}

func (o *Orchestrator) presenceEventsLocked() []app.Event {
	st := o.presence.State()
	return []app.Event{
		app.PresentationChanged{CallID: o.sess.CallID, State: st},
		app.ViewGenerationChanged{CallID: o.sess.CallID, ViewGeneration: st.ViewGeneration},
	}
}

// Presentation returns the current remote presentation state.
func (o *Orchestrator) Presentation() app.PresentationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.presence.State()
}

// SetLocalVideo enables or disables local video tracks and tells the partner.
func (o *Orchestrator) SetLocalVideo(ctx context.Context, enabled bool) error {
	tracks, err := o.Media.Tracks(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrNoMedia, err)
	}
	n := 0
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			t.SetEnabled(enabled)
			n++
		}
	}
	if n == 0 {
		return core.ErrNoMedia
	}

	o.mu.Lock()
	partner := o.sess.Partner
	o.mu.Unlock()
	if partner == nil {
		return nil
	}
	return o.send(ctx, domain.Message{
		Type:          domain.TypePresenceToggle,
		From:          o.Self,
		PartnerUserID: partner.PeerID,
		RoomID:        partner.RoomID,
		Enabled:       &enabled,
	})
}
