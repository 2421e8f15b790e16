package app

import (
	"time"

	"github.com/dkeye/VoiceCall/internal/config"
)

type ReconnectPhase int

const (
	ReconnectIdle ReconnectPhase = iota
	ReconnectRestartInFlight
	ReconnectCooldown
)

func (p ReconnectPhase) String() string {
	switch p {
	case ReconnectRestartInFlight:
		return "restart-in-flight"
	case ReconnectCooldown:
		return "cooldown"
	default:
		return "idle"
	}
}

// ReconnectDecision is what the scheduler wants done about a failing connection.
type ReconnectDecision int

const (
	// DecisionNone: nothing to do, a retry is already armed.
	DecisionNone ReconnectDecision = iota
	// DecisionRestart: issue an ICE restart now and arm the settle timer.
	DecisionRestart
	// DecisionDefer: cooldown is active, arm a retry for the returned delay.
	DecisionDefer
	// DecisionGiveUp: restart budget exhausted.
	DecisionGiveUp
)

func (d ReconnectDecision) String() string {
	switch d {
	case DecisionRestart:
		return "restart"
	case DecisionDefer:
		return "defer"
	case DecisionGiveUp:
		return "give-up"
	default:
		return "none"
	}
}

// Reconnector holds the ICE restart state. Timers are owned by the caller;
// Reconnector only decides. Not safe for concurrent use.
type Reconnector struct {
	cooldown    time.Duration
	settle      time.Duration
	maxRestarts int

	restartInProgress bool
	cooldownUntil     time.Time
	retryArmed        bool
	attempts          int
}

func NewReconnector(cfg config.Call) *Reconnector {
	return &Reconnector{
		cooldown:    cfg.Cooldown,
		settle:      cfg.SettleTimeout,
		maxRestarts: cfg.MaxRestarts,
	}
}

func (r *Reconnector) Phase(now time.Time) ReconnectPhase {
	switch {
	case r.restartInProgress:
		return ReconnectRestartInFlight
	case now.Before(r.cooldownUntil):
		return ReconnectCooldown
	default:
		return ReconnectIdle
	}
}

func (r *Reconnector) CooldownUntil() time.Time { return r.cooldownUntil }

func (r *Reconnector) Attempts() int { return r.attempts }

// OnFailure is called for a failed or disconnected connection that passed the
// caller's guards. The returned duration is the retry delay for
// DecisionDefer and the settle timeout for DecisionRestart.
func (r *Reconnector) OnFailure(now time.Time) (ReconnectDecision, time.Duration) {
	if now.Before(r.cooldownUntil) {
		if r.retryArmed {
			return DecisionNone, 0
		}
		r.retryArmed = true
		return DecisionDefer, r.cooldownUntil.Sub(now)
	}
	if r.maxRestarts > 0 && r.attempts >= r.maxRestarts {
		return DecisionGiveUp, 0
	}
	r.attempts++
	r.restartInProgress = true
	r.cooldownUntil = now.Add(r.cooldown)
	return DecisionRestart, r.settle
}

// RetryFired disarms the deferred retry.
func (r *Reconnector) RetryFired() { r.retryArmed = false }

// Settled ends RestartInFlight, after the settle timeout or a failed restart
// offer. The cooldown keeps running.
func (r *Reconnector) Settled() { r.restartInProgress = false }

// Reset returns to Idle after the connection recovered or was torn down.
func (r *Reconnector) Reset() {
	r.restartInProgress = false
	r.cooldownUntil = time.Time{}
	r.retryArmed = false
	r.attempts = 0
}
