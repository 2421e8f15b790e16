package orch

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// negotiated returns a harness whose call with bob completed offer/answer.
func negotiated(t *testing.T) (*harness, *fakeResource) {
	t.Helper()
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.Connect(ctx, bob(), true))
	h.o.HandleMessage(ctx, answerFrom("bob", "remote-answer-1"))
	res := h.factory.last()
	require.Equal(t, webrtc.SignalingStateStable, res.SignalingState())
	return h, res
}

func restartOffers(h *harness) int {
	n := 0
	for _, m := range h.out.of(domain.TypeOffer) {
		if len(m.SDP) > 0 && m.SDP[len(m.SDP)-4:] == "true" {
			n++
		}
	}
	return n
}

func TestFailedTriggersSingleRestart(t *testing.T) {
	h, res := negotiated(t)

	res.fireState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, 1, restartOffers(h))
	_, _, _, _, restart := res.stats()
	assert.True(t, restart)
	assert.Equal(t, app.ReconnectRestartInFlight, h.o.ReconnectPhase())

	res.fireState(webrtc.PeerConnectionStateDisconnected)
	res.fireState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, 1, restartOffers(h), "second failure inside the cooldown is deferred")

	h.o.HandleMessage(context.Background(), answerFrom("bob", "remote-answer-restart-1"))
	assert.Eventually(t, func() bool { return restartOffers(h) == 2 }, 2*time.Second, 10*time.Millisecond,
		"deferred retry restarts once the cooldown is over")
}

func TestConnectedResetsScheduler(t *testing.T) {
	h, res := negotiated(t)

	res.fireState(webrtc.PeerConnectionStateFailed)
	require.Equal(t, 1, restartOffers(h))
	h.o.HandleMessage(context.Background(), answerFrom("bob", "remote-answer-restart-1"))

	res.fireState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, app.ReconnectIdle, h.o.ReconnectPhase())

	res.fireState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, 2, restartOffers(h), "cooldown cleared by recovery")
}

func TestNoRestartInBackground(t *testing.T) {
	h, res := negotiated(t)
	h.o.SetForeground(false)

	res.fireState(webrtc.PeerConnectionStateFailed)
	assert.Zero(t, restartOffers(h))

	h.o.SetForeground(true)
	assert.Equal(t, 1, restartOffers(h), "foregrounding re-runs the check")
}

func TestNoRestartWhileNegotiating(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Connect(context.Background(), bob(), true))
	res := h.factory.last()
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, res.SignalingState())

	res.fireState(webrtc.PeerConnectionStateFailed)
	assert.Zero(t, restartOffers(h))
	assert.Equal(t, app.ReconnectIdle, h.o.ReconnectPhase())
}

func TestSettleTimerEndsRestartInFlight(t *testing.T) {
	h, res := negotiated(t)
	res.fireState(webrtc.PeerConnectionStateFailed)
	require.Equal(t, app.ReconnectRestartInFlight, h.o.ReconnectPhase())

	assert.Eventually(t, func() bool { return h.o.ReconnectPhase() == app.ReconnectCooldown },
		time.Second, 10*time.Millisecond)
}

func TestTeardownCancelsTimers(t *testing.T) {
	h, res := negotiated(t)
	res.fireState(webrtc.PeerConnectionStateFailed)
	res.fireState(webrtc.PeerConnectionStateFailed)

	h.o.Stop()
	assert.Equal(t, app.ReconnectIdle, h.o.ReconnectPhase())
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, restartOffers(h))
}

func TestRestartBudgetTearsDown(t *testing.T) {
	h, res := negotiated(t)
	h.o.Cfg.MaxRestarts = 1
	h.o.reconnect = app.NewReconnector(h.o.Cfg)

	res.fireState(webrtc.PeerConnectionStateFailed)
	require.Equal(t, 1, restartOffers(h))
	h.o.HandleMessage(context.Background(), answerFrom("bob", "remote-answer-restart-1"))

	assert.Eventually(t, res.IsClosed, 2*time.Second, 10*time.Millisecond)
	s := h.o.Snapshot()
	assert.False(t, s.HasResource)
	require.NotNil(t, s.Partner, "failure keeps the partner")
	assert.Equal(t, domain.PeerID("bob"), s.Partner.PeerID)
}

func TestLivenessPollCatchesMissedEvents(t *testing.T) {
	h, res := negotiated(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.o.Run(ctx)

	res.mu.Lock()
	res.conn = webrtc.PeerConnectionStateFailed
	res.mu.Unlock()

	assert.Eventually(t, func() bool { return restartOffers(h) == 1 }, time.Second, 10*time.Millisecond)
}
