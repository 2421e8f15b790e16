package orch

import (
	"time"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// onConnectionState publishes a connection state change once and feeds it to
// the reconnection check.
func (o *Orchestrator) onConnectionState(ep app.Epoch, state webrtc.PeerConnectionState) {
	o.mu.Lock()
	if !o.sess.Current(ep) {
		o.mu.Unlock()
		return
	}
	var events []app.Event
	if state != o.lastConnState {
		o.lastConnState = state
		events = append(events, app.ConnectionStateChanged{
			CallID: o.sess.CallID,
			Epoch:  ep,
			State:  state.String(),
		})
	}
	if state == webrtc.PeerConnectionStateConnected && o.connectedAt.IsZero() {
		o.connectedAt = o.now()
		o.presence.Connected(o.connectedAt, o.sess.Partner != nil && o.sess.Partner.Matched())
	}
	o.mu.Unlock()

	if len(events) > 0 {
		log.Info().Str("module", "orch").Str("state", state.String()).Uint64("epoch", uint64(ep)).Msg("connection state")
	}
	o.publish(events...)
	o.checkConnection(ep, state)
}

// checkConnection decides whether a failing connection needs an ICE restart.
func (o *Orchestrator) checkConnection(ep app.Epoch, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		o.mu.Lock()
		if o.sess.Current(ep) && o.reconnect.Attempts() > 0 {
			log.Info().Str("module", "orch").Int("restarts", o.reconnect.Attempts()).Msg("connection recovered")
			o.stopTimersLocked()
			o.reconnect.Reset()
		}
		o.mu.Unlock()
		return
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
	default:
		return
	}

	o.mu.Lock()
	if !o.sess.Current(ep) {
		o.mu.Unlock()
		return
	}
	res := o.sess.Resource
	partner := o.sess.Partner
	if res == nil || res.IsClosed() || partner == nil {
		o.mu.Unlock()
		return
	}
	if !o.sess.Foreground {
		o.mu.Unlock()
		log.Debug().Str("module", "orch").Msg("restart skipped in background")
		return
	}

	now := o.now()
	if !now.Before(o.reconnect.CooldownUntil()) && res.SignalingState() != webrtc.SignalingStateStable {
		o.mu.Unlock()
		log.Debug().Str("module", "orch").Str("signaling", res.SignalingState().String()).Msg("restart skipped, negotiation in flight")
		return
	}
	decision, wait := o.reconnect.OnFailure(now)
	switch decision {
	case app.DecisionNone:
		o.mu.Unlock()
		return
	case app.DecisionDefer:
		o.armRetryLocked(ep, wait)
		o.mu.Unlock()
		log.Info().Str("module", "orch").Dur("retry_in", wait).Msg("restart deferred by cooldown")
		return
	case app.DecisionGiveUp:
		o.mu.Unlock()
		log.Warn().Str("module", "orch").Msg("restart budget exhausted")
		o.Teardown("failure")
		return
	}
	o.armSettleLocked(ep, wait)
	attempt := o.reconnect.Attempts()
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("state", state.String()).Int("attempt", attempt).Msg("ice restart")
	if err := o.sendOffer(o.runCtx(), res, ep, partner.PeerID, true); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("ice restart offer failed")
		o.mu.Lock()
		if o.sess.Current(ep) {
			o.reconnect.Settled()
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) armRetryLocked(ep app.Epoch, wait time.Duration) {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}
	o.retryTimer = time.AfterFunc(wait, func() { o.onRetry(ep) })
}

func (o *Orchestrator) armSettleLocked(ep app.Epoch, wait time.Duration) {
	if o.settleTimer != nil {
		o.settleTimer.Stop()
	}
	o.settleTimer = time.AfterFunc(wait, func() { o.onSettle(ep) })
}

func (o *Orchestrator) stopTimersLocked() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	if o.settleTimer != nil {
		o.settleTimer.Stop()
		o.settleTimer = nil
	}
}

func (o *Orchestrator) onRetry(ep app.Epoch) {
	o.mu.Lock()
	if !o.sess.Current(ep) {
		o.mu.Unlock()
		return
	}
	o.reconnect.RetryFired()
	res := o.sess.Resource
	o.mu.Unlock()
	if res != nil && !res.IsClosed() {
		o.checkConnection(ep, res.ConnectionState())
	}
}

func (o *Orchestrator) onSettle(ep app.Epoch) {
	o.mu.Lock()
	if !o.sess.Current(ep) {
		o.mu.Unlock()
		return
	}
	o.reconnect.Settled()
	res := o.sess.Resource
	o.mu.Unlock()
	if res != nil && !res.IsClosed() {
		o.checkConnection(ep, res.ConnectionState())
	}
}

// ReconnectPhase reports the scheduler phase for diagnostics and tests.
func (o *Orchestrator) ReconnectPhase() app.ReconnectPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reconnect.Phase(o.now())
}
