package app

import (
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestReconnectorRestartThenDefer(t *testing.T) {
	r := NewReconnector(config.DefaultCall())
	now := time.Now()
	assert.Equal(t, ReconnectIdle, r.Phase(now))

	d, wait := r.OnFailure(now)
	assert.Equal(t, DecisionRestart, d)
	assert.Equal(t, 5*time.Second, wait)
	assert.Equal(t, ReconnectRestartInFlight, r.Phase(now))

	d, wait = r.OnFailure(now.Add(3 * time.Second))
	assert.Equal(t, DecisionDefer, d)
	assert.Equal(t, 7*time.Second, wait)

	d, _ = r.OnFailure(now.Add(4 * time.Second))
	assert.Equal(t, DecisionNone, d, "retry already armed")

	r.Settled()
	assert.Equal(t, ReconnectCooldown, r.Phase(now.Add(6*time.Second)))

	r.RetryFired()
	d, _ = r.OnFailure(now.Add(10 * time.Second))
	assert.Equal(t, DecisionRestart, d, "cooldown elapsed")
	assert.Equal(t, 2, r.Attempts())
}

func TestReconnectorReset(t *testing.T) {
	r := NewReconnector(config.DefaultCall())
	now := time.Now()
	r.OnFailure(now)
	r.Reset()
	assert.Equal(t, ReconnectIdle, r.Phase(now))
	assert.Zero(t, r.Attempts())

	d, _ := r.OnFailure(now)
	assert.Equal(t, DecisionRestart, d)
}

func TestReconnectorGivesUp(t *testing.T) {
	cfg := config.DefaultCall()
	cfg.MaxRestarts = 2
	r := NewReconnector(cfg)
	now := time.Now()

	for i := 0; i < 2; i++ {
		d, _ := r.OnFailure(now)
		assert.Equal(t, DecisionRestart, d)
		r.Settled()
		now = now.Add(cfg.Cooldown)
	}
	d, _ := r.OnFailure(now)
	assert.Equal(t, DecisionGiveUp, d)
}
