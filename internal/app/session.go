package app

import (
	"errors"
	"strconv"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrStaleGeneration reports that the resource was replaced while an
	// operation was suspended. Callers treat it as a no-op.
	ErrStaleGeneration = errors.New("stale generation")
	ErrNotBound        = errors.New("partner not bound")
)

// Session is the state of one call attempt. It is not safe for concurrent
// use; the orchestrator serializes access.
type Session struct {
	CallID     domain.CallID
	Partner    *domain.Partner
	Resource   core.Resource
	BoundEpoch Epoch
	Resume     bool
	Foreground bool

	Dedup *DedupLedger

	epoch    Epoch
	pending  map[domain.PeerID][]webrtc.ICECandidateInit
	outgoing []webrtc.ICECandidateInit
	applied  map[string]struct{}
	offering bool
}

func NewSession(dedupCapacity int) *Session {
	return &Session{
		CallID:     domain.NewCallID(),
		Foreground: true,
		Dedup:      NewDedupLedger(dedupCapacity),
		epoch:      1,
		pending:    make(map[domain.PeerID][]webrtc.ICECandidateInit),
		applied:    make(map[string]struct{}),
	}
}

func (s *Session) Epoch() Epoch { return s.epoch }

func (s *Session) Current(ep Epoch) bool { return s.epoch == ep }

// BumpGeneration invalidates every suspended continuation. Candidate queues
// are always cleared; the dedup ledger only when resetDedup is set.
func (s *Session) BumpGeneration(resetDedup bool) Epoch {
	s.epoch++
	s.pending = make(map[domain.PeerID][]webrtc.ICECandidateInit)
	s.outgoing = nil
	s.applied = make(map[string]struct{})
	s.offering = false
	if resetDedup {
		s.Dedup.Reset()
	}
	return s.epoch
}

func (s *Session) QueueRemote(peer domain.PeerID, c webrtc.ICECandidateInit) {
	s.pending[peer] = append(s.pending[peer], c)
}

func (s *Session) TakePending(peer domain.PeerID) []webrtc.ICECandidateInit {
	q := s.pending[peer]
	delete(s.pending, peer)
	return q
}

func (s *Session) PendingLen() int {
	n := 0
	for _, q := range s.pending {
		n += len(q)
	}
	return n
}

func (s *Session) CacheLocal(c webrtc.ICECandidateInit) { s.outgoing = append(s.outgoing, c) }

func (s *Session) TakeOutgoing() []webrtc.ICECandidateInit {
	q := s.outgoing
	s.outgoing = nil
	return q
}

func (s *Session) OutgoingLen() int { return len(s.outgoing) }

// MarkApplied records c as applied in this generation. It reports false if
// c was applied before.
func (s *Session) MarkApplied(c webrtc.ICECandidateInit) bool {
	k := candidateKey(c)
	if _, ok := s.applied[k]; ok {
		return false
	}
	s.applied[k] = struct{}{}
	return true
}

// BeginOffer sets the in-flight offer marker; false if one is already set.
func (s *Session) BeginOffer() bool {
	if s.offering {
		return false
	}
	s.offering = true
	return true
}

func (s *Session) EndOffer() { s.offering = false }

func candidateKey(c webrtc.ICECandidateInit) string {
	k := c.Candidate
	if c.SDPMid != nil {
		k += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		k += "|" + strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return k
}
