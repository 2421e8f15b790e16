package orch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/core/mocks"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"go.uber.org/mock/gomock"
)

// fakeResource is an in-memory connection with pion's signaling transitions.
type fakeResource struct {
	mu          sync.Mutex
	signaling   webrtc.SignalingState
	conn        webrtc.PeerConnectionState
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	prevRemote  *webrtc.SessionDescription
	senders     int
	closed      bool
	offers      int
	lastRestart bool
	setRemotes  int
	closes      int
	clears      int
	detaches    int
	applied     []webrtc.ICECandidateInit
	attachErr   error
	answerErr   error
	rollbackErr error

	// candidateErr fails AddICECandidate for the named candidates.
	candidateErr map[string]error

	onCandidate  func(webrtc.ICECandidateInit)
	onState      func(webrtc.PeerConnectionState)
	onTrack      func(core.RemoteTrack)
	onTrackState func(core.RemoteTrack)
}

func newFakeResource() *fakeResource {
	return &fakeResource{signaling: webrtc.SignalingStateStable, conn: webrtc.PeerConnectionStateNew}
}

func (f *fakeResource) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakeResource) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakeResource) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeResource) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeResource) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return core.ErrInvalidState
	}
	if sd.Type == webrtc.SDPTypeRollback {
		if f.rollbackErr != nil {
			return f.rollbackErr
		}
		if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("%w: rollback in %s", core.ErrInvalidState, f.signaling)
		}
		f.signaling = webrtc.SignalingStateStable
		f.remote = f.prevRemote
		return nil
	}
	switch {
	case sd.Type == webrtc.SDPTypeOffer && f.signaling == webrtc.SignalingStateStable:
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
		f.prevRemote = f.remote
	case sd.Type == webrtc.SDPTypeAnswer && f.signaling == webrtc.SignalingStateHaveLocalOffer:
		f.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: remote %s in %s", core.ErrInvalidState, sd.Type, f.signaling)
	}
	f.remote = &sd
	f.setRemotes++
	return nil
}

func (f *fakeResource) SetLocalDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return core.ErrInvalidState
	}
	switch {
	case sd.Type == webrtc.SDPTypeOffer && f.signaling == webrtc.SignalingStateStable:
		f.signaling = webrtc.SignalingStateHaveLocalOffer
	case sd.Type == webrtc.SDPTypeAnswer && f.signaling == webrtc.SignalingStateHaveRemoteOffer:
		f.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: local %s in %s", core.ErrInvalidState, sd.Type, f.signaling)
	}
	f.local = &sd
	return nil
}

func (f *fakeResource) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, core.ErrInvalidState
	}
	f.offers++
	f.lastRestart = iceRestart
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("local-offer-%d restart=%v", f.offers, iceRestart),
	}, nil
}

func (f *fakeResource) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, core.ErrInvalidState
	}
	if f.answerErr != nil {
		return webrtc.SessionDescription{}, f.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer for " + f.remote.SDP}, nil
}

func (f *fakeResource) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.remote == nil {
		return core.ErrInvalidState
	}
	if err := f.candidateErr[c.Candidate]; err != nil {
		return err
	}
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakeResource) AttachTrack(core.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return f.attachErr
	}
	f.senders++
	return nil
}

func (f *fakeResource) DetachSenders() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detaches++
	f.senders = 0
}

func (f *fakeResource) SenderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senders
}

func (f *fakeResource) OnICECandidate(h func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCandidate = h
	f.mu.Unlock()
}

func (f *fakeResource) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = h
	f.mu.Unlock()
}

func (f *fakeResource) OnTrack(h func(core.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = h
	f.mu.Unlock()
}

func (f *fakeResource) OnTrackState(h func(core.RemoteTrack)) {
	f.mu.Lock()
	f.onTrackState = h
	f.mu.Unlock()
}

func (f *fakeResource) ClearHandlers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.onCandidate, f.onState, f.onTrack, f.onTrackState = nil, nil, nil, nil
}

func (f *fakeResource) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeResource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.closed = true
	f.signaling = webrtc.SignalingStateClosed
	f.conn = webrtc.PeerConnectionStateClosed
	return nil
}

func (f *fakeResource) failAnswers(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerErr = err
}

func (f *fakeResource) failCandidate(c string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candidateErr == nil {
		f.candidateErr = make(map[string]error)
	}
	f.candidateErr[c] = err
}

func (f *fakeResource) fireCandidate(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	h := f.onCandidate
	f.mu.Unlock()
	if h != nil {
		h(c)
	}
}

func (f *fakeResource) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	f.conn = s
	h := f.onState
	f.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (f *fakeResource) fireTrack(t core.RemoteTrack) {
	f.mu.Lock()
	h := f.onTrack
	f.mu.Unlock()
	if h != nil {
		h(t)
	}
}

func (f *fakeResource) fireTrackState(t core.RemoteTrack) {
	f.mu.Lock()
	h := f.onTrackState
	f.mu.Unlock()
	if h != nil {
		h(t)
	}
}

func (f *fakeResource) stats() (offers, setRemotes, closes, detaches int, restart bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.setRemotes, f.closes, f.detaches, f.lastRestart
}

func (f *fakeResource) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.applied))
	for _, c := range f.applied {
		out = append(out, c.Candidate)
	}
	return out
}

type fakeFactory struct {
	mu        sync.Mutex
	made      []*fakeResource
	attachErr error
}

func (f *fakeFactory) NewResource() (core.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := newFakeResource()
	r.attachErr = f.attachErr
	f.made = append(f.made, r)
	return r, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *fakeFactory) last() *fakeResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

type fakeLocalTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	state   domain.TrackState
	enabled atomic.Bool
}

func newLocalTrack(kind webrtc.RTPCodecType) *fakeLocalTrack {
	t := &fakeLocalTrack{id: kind.String() + "-local", kind: kind, state: domain.TrackLive}
	t.enabled.Store(true)
	return t
}

func (t *fakeLocalTrack) ID() string                { return t.id }
func (t *fakeLocalTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeLocalTrack) Enabled() bool             { return t.enabled.Load() }
func (t *fakeLocalTrack) SetEnabled(v bool)         { t.enabled.Store(v) }
func (t *fakeLocalTrack) State() domain.TrackState  { return t.state }
func (t *fakeLocalTrack) Local() webrtc.TrackLocal  { return nil }

// fakeMedia hands out fixed tracks. When gate is set, Tracks signals entered
// and blocks until gate is closed.
type fakeMedia struct {
	mu      sync.Mutex
	tracks  []core.LocalTrack
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (m *fakeMedia) Tracks(context.Context) ([]core.LocalTrack, error) {
	m.mu.Lock()
	gate, entered := m.gate, m.entered
	m.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks, m.err
}

func (m *fakeMedia) set(tracks []core.LocalTrack, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks, m.err = tracks, err
}

type fakeRemoteTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
	state      domain.TrackState
	muted      bool
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) StreamID() string          { return t.stream }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeRemoteTrack) State() domain.TrackState  { return t.state }
func (t *fakeRemoteTrack) Muted() bool               { return t.muted }

// outbox records messages handed to the transport mock.
type outbox struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (b *outbox) send(_ context.Context, msg domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *outbox) of(t domain.MessageType) []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Message
	for _, m := range b.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (b *outbox) all() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Message(nil), b.msgs...)
}

type eventLog struct {
	mu     sync.Mutex
	events []app.Event
}

func (l *eventLog) add(e app.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.EventName())
	}
	return out
}

type harness struct {
	o       *Orchestrator
	factory *fakeFactory
	media   *fakeMedia
	out     *outbox
	events  *eventLog
	video   *fakeLocalTrack
}

func testCallConfig() config.Call {
	cfg := config.DefaultCall()
	cfg.Cooldown = 300 * time.Millisecond
	cfg.SettleTimeout = 100 * time.Millisecond
	cfg.LivenessPollInterval = 50 * time.Millisecond
	cfg.DedupCapacity = 64
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	out := &outbox{}
	tr.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(out.send).AnyTimes()

	video := newLocalTrack(webrtc.RTPCodecTypeVideo)
	media := &fakeMedia{tracks: []core.LocalTrack{newLocalTrack(webrtc.RTPCodecTypeAudio), video}}
	factory := &fakeFactory{}
	events := &eventLog{}
	bus := app.NewBus()
	bus.Subscribe(events.add)

	o := New("alice", testCallConfig(), factory, media, tr, bus)
	return &harness{o: o, factory: factory, media: media, out: out, events: events, video: video}
}

func bob() domain.Partner {
	return domain.Partner{PeerID: "bob", CallID: domain.NewCallID()}
}

func offerFrom(from domain.PeerID, sdp string) domain.Message {
	return domain.Message{Type: domain.TypeOffer, From: from, SDP: sdp, PartnerUserID: "alice"}
}

func answerFrom(from domain.PeerID, sdp string) domain.Message {
	return domain.Message{Type: domain.TypeAnswer, From: from, SDP: sdp, PartnerUserID: "alice"}
}

func candidateFrom(from domain.PeerID, c string) domain.Message {
	mid := "0"
	idx := uint16(0)
	return domain.Message{
		Type:      domain.TypeCandidate,
		From:      from,
		Candidate: &webrtc.ICECandidateInit{Candidate: c, SDPMid: &mid, SDPMLineIndex: &idx},
	}
}

func toggleFrom(from domain.PeerID, enabled bool) domain.Message {
	return domain.Message{Type: domain.TypePresenceToggle, From: from, Enabled: &enabled}
}
