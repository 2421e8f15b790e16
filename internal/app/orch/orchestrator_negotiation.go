package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func msgLogger(msg domain.Message) zerolog.Logger {
	return log.With().
		Str("module", "orch").
		Str("type", string(msg.Type)).
		Str("from", string(msg.From)).
		Logger()
}

// HandleInboundOffer applies a remote offer and answers it. Duplicates,
// stale continuations and offers that do not fit the signaling state are
// dropped.
func (o *Orchestrator) HandleInboundOffer(ctx context.Context, msg domain.Message) {
	logger := msgLogger(msg)
	offer, ok := msg.Description()
	if !ok || offer.SDP == "" {
		logger.Warn().Msg("offer without sdp")
		return
	}

	o.mu.Lock()
	partner := o.sess.Partner
	o.mu.Unlock()
	if !partner.Accepts(msg.From, msg.RoomID) {
		logger.Debug().Msg("offer from unbound or mismatched partner")
		return
	}

	res, ep, err := o.acquire(ctx)
	if err != nil {
		if errors.Is(err, app.ErrStaleGeneration) {
			logger.Debug().Msg("offer superseded while acquiring")
			return
		}
		logger.Error().Err(err).Msg("acquire for offer failed")
		return
	}

	o.mu.Lock()
	if !o.sess.Current(ep) || o.sess.Resource != res || res.IsClosed() {
		o.mu.Unlock()
		logger.Debug().Msg("offer superseded")
		return
	}
	key := o.sess.Dedup.Key(msg.From, ep, app.HashDescription(offer))
	if !o.sess.Dedup.Begin(key) {
		o.mu.Unlock()
		logger.Debug().Uint64("seq", key.Seq).Msg("duplicate offer")
		return
	}
	if st := res.SignalingState(); st != webrtc.SignalingStateStable {
		o.sess.Dedup.Abort(key)
		o.mu.Unlock()
		logger.Warn().Str("signaling", st.String()).Msg("offer in unexpected signaling state")
		return
	}
	renegotiation := res.LocalDescription() != nil || res.RemoteDescription() != nil
	o.mu.Unlock()

	if err := res.SetRemoteDescription(offer); err != nil {
		o.abortKey(key)
		logger.Error().Err(err).Msg("set remote offer failed")
		return
	}
	if !o.isCurrent(ep, res) {
		o.abortKey(key)
		logger.Debug().Msg("offer superseded after remote description")
		return
	}

	// The key stays in flight until the answer is set locally, so a failed
	// answer leaves it retryable.
	answer, err := res.CreateAnswer()
	if err != nil {
		logger.Error().Err(err).Msg("create answer failed")
		o.rollbackOffer(res, ep, key, logger)
		return
	}
	if !o.isCurrent(ep, res) {
		o.abortKey(key)
		logger.Debug().Msg("answer superseded")
		return
	}
	if err := res.SetLocalDescription(answer); err != nil {
		logger.Error().Err(err).Msg("set local answer failed")
		o.rollbackOffer(res, ep, key, logger)
		return
	}

	o.mu.Lock()
	if !o.sess.Current(ep) || o.sess.Resource != res {
		o.sess.Dedup.Abort(key)
		o.mu.Unlock()
		logger.Debug().Msg("answer superseded")
		return
	}
	o.sess.Dedup.Commit(key)
	o.mu.Unlock()

	if err := o.flushPendingFor(msg.From, ep); err != nil {
		if errors.Is(err, app.ErrStaleGeneration) {
			return
		}
		logger.Error().Err(err).Msg("flush queued candidates failed")
	}

	reply := domain.Message{
		Type:          domain.TypeAnswer,
		From:          o.Self,
		SDP:           answer.SDP,
		PartnerUserID: msg.From,
		RoomID:        partner.RoomID,
	}
	if err := o.send(ctx, reply); err != nil {
		return
	}
	logger.Info().
		Bool("renegotiation", renegotiation).
		Uint64("epoch", uint64(ep)).
		Msg("answer sent")
}

// HandleInboundAnswer applies the answer to our outstanding offer.
func (o *Orchestrator) HandleInboundAnswer(ctx context.Context, msg domain.Message) {
	logger := msgLogger(msg)
	answer, ok := msg.Description()
	if !ok || answer.SDP == "" {
		logger.Warn().Msg("answer without sdp")
		return
	}

	o.mu.Lock()
	if !o.sess.Partner.Accepts(msg.From, msg.RoomID) {
		o.mu.Unlock()
		logger.Debug().Msg("answer from unbound or mismatched partner")
		return
	}
	res := o.sess.Resource
	if res == nil || res.IsClosed() {
		o.mu.Unlock()
		logger.Debug().Msg("answer without live resource")
		return
	}
	ep := o.sess.Epoch()
	key := o.sess.Dedup.Key(msg.From, ep, app.HashDescription(answer))
	if !o.sess.Dedup.Begin(key) {
		o.mu.Unlock()
		logger.Debug().Uint64("seq", key.Seq).Msg("duplicate answer")
		return
	}
	if st := res.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		o.sess.Dedup.Abort(key)
		o.mu.Unlock()
		logger.Warn().Str("signaling", st.String()).Msg("answer in unexpected signaling state")
		return
	}
	o.mu.Unlock()

	if err := res.SetRemoteDescription(answer); err != nil {
		o.abortKey(key)
		logger.Error().Err(err).Msg("set remote answer failed")
		return
	}

	o.mu.Lock()
	if !o.sess.Current(ep) || o.sess.Resource != res {
		o.sess.Dedup.Abort(key)
		o.mu.Unlock()
		logger.Debug().Msg("answer superseded after remote description")
		return
	}
	o.sess.Dedup.Commit(key)
	o.mu.Unlock()

	if err := o.flushPendingFor(msg.From, ep); err != nil && !errors.Is(err, app.ErrStaleGeneration) {
		logger.Error().Err(err).Msg("flush queued candidates failed")
	}
	logger.Info().Uint64("epoch", uint64(ep)).Msg("answer applied")
}

// CreateAndSendOffer starts the initial negotiation with peer. Overlapping
// calls are coalesced.
func (o *Orchestrator) CreateAndSendOffer(ctx context.Context, peer domain.PeerID) error {
	res, ep, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	return o.sendOffer(ctx, res, ep, peer, false)
}

func (o *Orchestrator) sendOffer(ctx context.Context, res core.Resource, ep app.Epoch, peer domain.PeerID, restart bool) error {
	o.mu.Lock()
	if !o.sess.Current(ep) || o.sess.Resource != res || res.IsClosed() {
		o.mu.Unlock()
		return app.ErrStaleGeneration
	}
	partner := o.sess.Partner
	if partner == nil || partner.PeerID != peer {
		o.mu.Unlock()
		return app.ErrNotBound
	}
	if st := res.SignalingState(); st != webrtc.SignalingStateStable {
		o.mu.Unlock()
		return fmt.Errorf("%w: offer needs stable signaling, have %s", core.ErrInvalidState, st)
	}
	negotiated := res.LocalDescription() != nil || res.RemoteDescription() != nil
	if negotiated != restart {
		o.mu.Unlock()
		if restart {
			return fmt.Errorf("%w: nothing to restart", core.ErrInvalidState)
		}
		return fmt.Errorf("%w: already negotiated", core.ErrInvalidState)
	}
	if !o.sess.BeginOffer() {
		o.mu.Unlock()
		log.Debug().Str("module", "orch").Str("peer", string(peer)).Msg("offer already in flight")
		return nil
	}
	o.mu.Unlock()
	defer o.endOffer(ep)

	offer, err := res.CreateOffer(restart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if !o.isCurrent(ep, res) {
		return app.ErrStaleGeneration
	}
	if err := res.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if !o.isCurrent(ep, res) {
		return app.ErrStaleGeneration
	}

	msg := domain.Message{
		Type:          domain.TypeOffer,
		From:          o.Self,
		SDP:           offer.SDP,
		PartnerUserID: peer,
		RoomID:        partner.RoomID,
	}
	if err := o.send(ctx, msg); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	log.Info().
		Str("module", "orch").
		Str("peer", string(peer)).
		Bool("ice_restart", restart).
		Uint64("epoch", uint64(ep)).
		Msg("offer sent")
	return nil
}

func (o *Orchestrator) endOffer(ep app.Epoch) {
	o.mu.Lock()
	if o.sess.Current(ep) {
		o.sess.EndOffer()
	}
	o.mu.Unlock()
}

// rollbackOffer returns res to stable after the answer for a remote offer
// failed and releases key, so a redelivered offer is applied again. A
// resource that cannot roll back is torn down.
func (o *Orchestrator) rollbackOffer(res core.Resource, ep app.Epoch, key app.DedupKey, logger zerolog.Logger) {
	o.abortKey(key)
	if !o.isCurrent(ep, res) {
		return
	}
	if err := res.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		logger.Error().Err(err).Msg("rollback remote offer failed")
		if o.isCurrent(ep, res) {
			o.Teardown("failure")
		}
		return
	}
	logger.Warn().Str("signaling", res.SignalingState().String()).Msg("remote offer rolled back")
}

func (o *Orchestrator) abortKey(key app.DedupKey) {
	o.mu.Lock()
	o.sess.Dedup.Abort(key)
	o.mu.Unlock()
}
