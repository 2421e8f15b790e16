package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// reusableLocked reports whether the session resource can serve the current
// generation as is. Caller holds mu.
func (o *Orchestrator) reusableLocked() bool {
	res := o.sess.Resource
	if res == nil || res.IsClosed() {
		return false
	}
	return o.sess.Resume ||
		o.sess.BoundEpoch == o.sess.Epoch() ||
		res.LocalDescription() != nil ||
		res.RemoteDescription() != nil
}

// acquire returns the session resource, creating one when the current one is
// missing, closed or left over from an older generation without descriptions.
func (o *Orchestrator) acquire(ctx context.Context) (core.Resource, app.Epoch, error) {
	o.mu.Lock()
	if o.reusableLocked() {
		res, ep := o.sess.Resource, o.sess.Epoch()
		if o.sess.BoundEpoch != ep {
			o.bindLocked(res, ep)
		}
		o.mu.Unlock()
		return res, ep, nil
	}
	ep := o.sess.Epoch()
	o.mu.Unlock()

	tracks, err := o.Media.Tracks(ctx)
	if err != nil {
		return nil, ep, fmt.Errorf("%w: %v", core.ErrNoMedia, err)
	}
	live := liveTracks(tracks)
	if len(live) == 0 {
		return nil, ep, core.ErrNoMedia
	}

	o.mu.Lock()
	if !o.sess.Current(ep) {
		o.mu.Unlock()
		return nil, ep, app.ErrStaleGeneration
	}
	if o.reusableLocked() {
		res := o.sess.Resource
		o.mu.Unlock()
		return res, ep, nil
	}

	var old core.Resource
	if o.sess.Resource != nil {
		old = o.sess.Resource
		o.sess.Resource = nil
		ep = o.bumpLocked(true)
		o.presence.DropStream()
	}

	res, err := o.Factory.NewResource()
	if err != nil {
		o.mu.Unlock()
		o.release(old, "replaced")
		return nil, ep, fmt.Errorf("create resource: %w", err)
	}
	for _, t := range live {
		if err := res.AttachTrack(t); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("track", t.ID()).Msg("attach track failed")
		}
	}
	if res.SenderCount() == 0 {
		o.mu.Unlock()
		o.release(old, "replaced")
		o.release(res, "attach-failed")
		return nil, ep, core.ErrAttachFailed
	}
	o.bindLocked(res, ep)
	o.sess.Resource = res
	o.lastConnState = webrtc.PeerConnectionStateNew
	o.mu.Unlock()

	o.release(old, "replaced")
	log.Info().
		Str("module", "orch").
		Uint64("epoch", uint64(ep)).
		Int("senders", res.SenderCount()).
		Msg("resource created")
	return res, ep, nil
}

func liveTracks(tracks []core.LocalTrack) []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(tracks))
	for _, t := range tracks {
		if t == nil || t.State() != domain.TrackLive {
			continue
		}
		if k := t.Kind(); k != webrtc.RTPCodecTypeAudio && k != webrtc.RTPCodecTypeVideo {
			continue
		}
		out = append(out, t)
	}
	return out
}

// bindLocked routes resource callbacks to the orchestrator, tagged with ep.
func (o *Orchestrator) bindLocked(res core.Resource, ep app.Epoch) {
	o.sess.BoundEpoch = ep
	res.OnICECandidate(func(c webrtc.ICECandidateInit) { o.onLocalCandidate(ep, c) })
	res.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { o.onConnectionState(ep, s) })
	res.OnTrack(func(t core.RemoteTrack) { o.onRemoteTrack(ep, t) })
	res.OnTrackState(func(t core.RemoteTrack) { o.onRemoteTrackState(ep, t) })
}

// release is idempotent. Tracks are detached, never stopped.
func (o *Orchestrator) release(res core.Resource, reason string) {
	if res == nil {
		return
	}
	res.ClearHandlers()
	if res.IsClosed() {
		return
	}
	res.DetachSenders()
	if err := res.Close(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("reason", reason).Msg("close resource failed")
		return
	}
	log.Info().Str("module", "orch").Str("reason", reason).Msg("resource released")
}

// BumpGeneration invalidates every suspended continuation and timer.
func (o *Orchestrator) BumpGeneration(resetDedup bool) app.Epoch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bumpLocked(resetDedup)
}

func (o *Orchestrator) bumpLocked(resetDedup bool) app.Epoch {
	ep := o.sess.BumpGeneration(resetDedup)
	o.stopTimersLocked()
	o.reconnect.Reset()
	o.connectedAt = time.Time{}
	log.Debug().
		Str("module", "orch").
		Uint64("epoch", uint64(ep)).
		Bool("reset_dedup", resetDedup).
		Msg("generation bumped")
	return ep
}

// Teardown destroys the resource and keeps the partner binding.
func (o *Orchestrator) Teardown(reason string) { o.teardown(reason, false) }

func (o *Orchestrator) teardown(reason string, unbind bool) {
	o.mu.Lock()
	res := o.sess.Resource
	callID := o.sess.CallID
	o.sess.Resource = nil
	ep := o.bumpLocked(true)
	o.presence.DropStream()

	var events []app.Event
	if unbind {
		o.sess.Partner = nil
		o.sess.Resume = false
		if o.presence.Reset() {
			events = append(events, o.presenceEventsLocked()...)
		}
		o.sess.CallID = domain.NewCallID()
	}
	if res != nil && o.lastConnState != webrtc.PeerConnectionStateClosed {
		o.lastConnState = webrtc.PeerConnectionStateClosed
		events = append(events, app.ConnectionStateChanged{
			CallID: callID,
			Epoch:  ep,
			State:  webrtc.PeerConnectionStateClosed.String(),
		})
	}
	o.mu.Unlock()

	o.release(res, reason)
	o.publish(events...)
	log.Info().
		Str("module", "orch").
		Str("reason", reason).
		Bool("unbind", unbind).
		Uint64("epoch", uint64(ep)).
		Msg("session torn down")
}
