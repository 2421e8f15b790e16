package orch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Orchestrator drives one peer media session: resource lifecycle, negotiation,
// candidate routing, ICE restarts and remote presentation.
//
// All session state sits behind mu. Blocking resource calls run with mu
// released, and each continuation re-checks the epoch it captured before
// touching state again. sendMu orders outbound candidates and is always taken
// before mu.
type Orchestrator struct {
	Self      domain.PeerID
	Cfg       config.Call
	Factory   core.ResourceFactory
	Media     core.MediaSource
	Transport core.Transport
	Bus       *app.Bus

	mu            sync.Mutex
	sendMu        sync.Mutex
	sess          *app.Session
	presence      *app.Presence
	reconnect     *app.Reconnector
	retryTimer    *time.Timer
	settleTimer   *time.Timer
	lastConnState webrtc.PeerConnectionState
	connectedAt   time.Time

	inbox   chan domain.Message
	baseCtx context.Context
	now     func() time.Time
}

func New(
	self domain.PeerID,
	cfg config.Call,
	factory core.ResourceFactory,
	media core.MediaSource,
	transport core.Transport,
	bus *app.Bus,
) *Orchestrator {
	if bus == nil {
		bus = app.NewBus()
	}
	return &Orchestrator{
		Self:      self,
		Cfg:       cfg,
		Factory:   factory,
		Media:     media,
		Transport: transport,
		Bus:       bus,
		sess:      app.NewSession(cfg.DedupCapacity),
		presence:  app.NewPresence(cfg),
		reconnect: app.NewReconnector(cfg),
		inbox:     make(chan domain.Message, cfg.InboxSize),
		baseCtx:   context.Background(),
		now:       time.Now,
	}
}

// Run processes inbound messages and polls liveness until ctx is done, then
// tears the session down.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	var wg conc.WaitGroup
	wg.Go(func() { o.inboxLoop(ctx) })
	wg.Go(func() { o.livenessLoop(ctx) })
	log.Info().Str("module", "orch").Str("self", string(o.Self)).Msg("orchestrator started")
	wg.Wait()

	o.Teardown("shutdown")
	log.Info().Str("module", "orch").Msg("orchestrator stopped")
}

// Deliver queues an inbound message. It never blocks; a full inbox drops the
// message and relies on the transport redelivering it.
func (o *Orchestrator) Deliver(msg domain.Message) bool {
	select {
	case o.inbox <- msg:
		return true
	default:
		log.Warn().
			Str("module", "orch").
			Str("type", string(msg.Type)).
			Str("from", string(msg.From)).
			Msg("inbox full, message dropped")
		return false
	}
}

func (o *Orchestrator) inboxLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.inbox:
			o.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage dispatches one inbound signaling message.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg domain.Message) {
	if msg.PartnerUserID != "" && msg.PartnerUserID != o.Self {
		log.Debug().
			Str("module", "orch").
			Str("from", string(msg.From)).
			Str("to", string(msg.PartnerUserID)).
			Msg("message addressed to another peer")
		return
	}
	switch msg.Type {
	case domain.TypeOffer:
		o.HandleInboundOffer(ctx, msg)
	case domain.TypeAnswer:
		o.HandleInboundAnswer(ctx, msg)
	case domain.TypeCandidate:
		o.OnRemoteCandidate(msg)
	case domain.TypePresenceToggle:
		o.OnPresenceToggle(msg)
	default:
		log.Warn().Str("module", "orch").Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

func (o *Orchestrator) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(o.Cfg.LivenessPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollLiveness()
		}
	}
}

// pollLiveness covers state change events the resource failed to deliver.
func (o *Orchestrator) pollLiveness() {
	o.mu.Lock()
	ep := o.sess.Epoch()
	res := o.sess.Resource
	if o.presence.Expire(o.now()) {
		log.Debug().Str("module", "orch").Msg("pending presence toggle expired")
	}
	o.mu.Unlock()

	if res == nil || res.IsClosed() {
		return
	}
	o.onConnectionState(ep, res.ConnectionState())
}

// Connect binds the partner of a new call attempt, flushes cached local
// candidates to it and prepares the resource. The initiator also sends the
// initial offer.
func (o *Orchestrator) Connect(ctx context.Context, partner domain.Partner, initiator bool) error {
	o.mu.Lock()
	prev := o.sess.Partner
	o.mu.Unlock()
	if prev != nil && prev.PeerID != partner.PeerID {
		o.teardown("partner-change", true)
	}

	o.sendMu.Lock()
	o.mu.Lock()
	o.sess.Partner = &partner
	o.sess.CallID = partner.CallID
	ep := o.sess.Epoch()
	o.mu.Unlock()
	o.flushOutgoingCache(ctx, ep)
	o.sendMu.Unlock()

	log.Info().
		Str("module", "orch").
		Str("peer", string(partner.PeerID)).
		Str("room", string(partner.RoomID)).
		Str("call", string(partner.CallID)).
		Bool("initiator", initiator).
		Msg("partner bound")

	if !initiator {
		_, _, err := o.acquire(ctx)
		return err
	}
	return o.CreateAndSendOffer(ctx, partner.PeerID)
}

// Stop ends the call and unbinds the partner.
func (o *Orchestrator) Stop() { o.teardown("stop", true) }

// Next ends the call so a new partner can be bound.
func (o *Orchestrator) Next() { o.teardown("next", true) }

// SetForeground records app visibility. Restarts never run in the
// background; returning to the foreground re-runs the reconnection check.
func (o *Orchestrator) SetForeground(fg bool) {
	o.mu.Lock()
	changed := o.sess.Foreground != fg
	o.sess.Foreground = fg
	ep := o.sess.Epoch()
	res := o.sess.Resource
	o.mu.Unlock()

	if !changed {
		return
	}
	log.Info().Str("module", "orch").Bool("foreground", fg).Msg("visibility changed")
	if fg && res != nil && !res.IsClosed() {
		o.checkConnection(ep, res.ConnectionState())
	}
}

// SetResume keeps the existing resource on the next acquire even when it
// carries no description yet.
func (o *Orchestrator) SetResume(resume bool) {
	o.mu.Lock()
	o.sess.Resume = resume
	o.mu.Unlock()
}

// OnSignalConnected is called by the transport after every (re)connect.
func (o *Orchestrator) OnSignalConnected(reconnected bool) {
	log.Info().Str("module", "orch").Bool("reconnected", reconnected).Msg("signaling connected")
	if !reconnected {
		return
	}
	o.mu.Lock()
	ep := o.sess.Epoch()
	res := o.sess.Resource
	o.mu.Unlock()
	if res != nil && !res.IsClosed() {
		o.checkConnection(ep, res.ConnectionState())
	}
}

// Snapshot is a point-in-time view of the session for diagnostics.
type Snapshot struct {
	Self               domain.PeerID         `json:"self"`
	CallID             domain.CallID         `json:"callId"`
	Partner            *domain.Partner       `json:"partner,omitempty"`
	Epoch              app.Epoch             `json:"epoch"`
	HasResource        bool                  `json:"hasResource"`
	SignalingState     string                `json:"signalingState"`
	ConnectionState    string                `json:"connectionState"`
	Reconnect          string                `json:"reconnect"`
	RestartAttempts    int                   `json:"restartAttempts"`
	Foreground         bool                  `json:"foreground"`
	PendingCandidates  int                   `json:"pendingCandidates"`
	OutgoingCandidates int                   `json:"outgoingCandidates"`
	DedupEntries       int                   `json:"dedupEntries"`
	Presentation       app.PresentationState `json:"presentation"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		Self:               o.Self,
		CallID:             o.sess.CallID,
		Epoch:              o.sess.Epoch(),
		Reconnect:          o.reconnect.Phase(o.now()).String(),
		RestartAttempts:    o.reconnect.Attempts(),
		Foreground:         o.sess.Foreground,
		PendingCandidates:  o.sess.PendingLen(),
		OutgoingCandidates: o.sess.OutgoingLen(),
		DedupEntries:       o.sess.Dedup.Len(),
		Presentation:       o.presence.State(),
		SignalingState:     "none",
		ConnectionState:    "none",
	}
	if p := o.sess.Partner; p != nil {
		cp := *p
		s.Partner = &cp
	}
	if res := o.sess.Resource; res != nil {
		s.HasResource = true
		s.SignalingState = res.SignalingState().String()
		s.ConnectionState = res.ConnectionState().String()
	}
	return s
}

// isCurrent reports whether ep is still the live generation and res is still
// the session resource.
func (o *Orchestrator) isCurrent(ep app.Epoch, res core.Resource) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.Current(ep) && o.sess.Resource == res && !res.IsClosed()
}

func (o *Orchestrator) send(ctx context.Context, msg domain.Message) error {
	if err := o.Transport.Send(ctx, msg); err != nil {
		log.Warn().
			Err(err).
			Str("module", "orch").
			Str("type", string(msg.Type)).
			Msg("send failed")
		return err
	}
	return nil
}

func (o *Orchestrator) runCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseCtx
}

func (o *Orchestrator) publish(events ...app.Event) {
	o.Bus.Publish(events...)
}
