package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// onLocalCandidate forwards a gathered candidate to the partner, or caches it
// until a partner is bound.
func (o *Orchestrator) onLocalCandidate(ep app.Epoch, c webrtc.ICECandidateInit) {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	o.mu.Lock()
	if !o.sess.Current(ep) {
		o.mu.Unlock()
		log.Debug().Str("module", "orch").Uint64("epoch", uint64(ep)).Msg("stale local candidate dropped")
		return
	}
	partner := o.sess.Partner
	if partner == nil {
		o.sess.CacheLocal(c)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	_ = o.send(o.runCtx(), candidateMessage(o.Self, partner, c))
}

// flushOutgoingCache sends cached local candidates in gathering order.
// Caller holds sendMu.
func (o *Orchestrator) flushOutgoingCache(ctx context.Context, ep app.Epoch) {
	o.mu.Lock()
	batch := o.sess.TakeOutgoing()
	partner := o.sess.Partner
	current := o.sess.Current(ep)
	o.mu.Unlock()

	if !current || partner == nil || len(batch) == 0 {
		return
	}
	for i, c := range batch {
		o.mu.Lock()
		current = o.sess.Current(ep)
		o.mu.Unlock()
		if !current {
			log.Debug().Str("module", "orch").Int("dropped", len(batch)-i).Msg("outgoing flush aborted, generation changed")
			return
		}
		_ = o.send(ctx, candidateMessage(o.Self, partner, c))
	}
	log.Debug().Str("module", "orch").Int("count", len(batch)).Msg("outgoing candidates flushed")
}

func candidateMessage(self domain.PeerID, partner *domain.Partner, c webrtc.ICECandidateInit) domain.Message {
	cc := c
	return domain.Message{
		Type:          domain.TypeCandidate,
		From:          self,
		PartnerUserID: partner.PeerID,
		RoomID:        partner.RoomID,
		Candidate:     &cc,
	}
}

// OnRemoteCandidate applies a remote candidate, or queues it until the remote
// description is set.
func (o *Orchestrator) OnRemoteCandidate(msg domain.Message) {
	logger := msgLogger(msg)
	if msg.Candidate == nil || msg.Candidate.Candidate == "" {
		logger.Debug().Msg("empty candidate ignored")
		return
	}
	c := *msg.Candidate

	o.mu.Lock()
	if !o.sess.Partner.Accepts(msg.From, msg.RoomID) {
		o.mu.Unlock()
		logger.Debug().Msg("candidate from unbound or mismatched partner")
		return
	}
	ep := o.sess.Epoch()
	res := o.sess.Resource
	switch {
	case res != nil && res.IsClosed():
		o.mu.Unlock()
		logger.Debug().Msg("candidate for closed resource dropped")
		return
	case res == nil || res.RemoteDescription() == nil:
		o.sess.QueueRemote(msg.From, c)
		o.mu.Unlock()
		logger.Debug().Msg("candidate queued")
		return
	case !o.sess.MarkApplied(c):
		o.mu.Unlock()
		logger.Debug().Msg("candidate already applied")
		return
	}
	o.mu.Unlock()

	if err := res.AddICECandidate(c); err != nil {
		if !o.isCurrent(ep, res) {
			logger.Debug().Err(err).Msg("candidate failed on replaced resource")
			return
		}
		logger.Warn().Err(err).Msg("add candidate failed")
	}
}

// flushPendingFor applies candidates queued for peer in arrival order.
// Benign per-candidate failures are skipped; anything else is returned.
func (o *Orchestrator) flushPendingFor(peer domain.PeerID, ep app.Epoch) error {
	o.mu.Lock()
	if !o.sess.Current(ep) {
		o.mu.Unlock()
		return app.ErrStaleGeneration
	}
	res := o.sess.Resource
	queue := o.sess.TakePending(peer)
	o.mu.Unlock()

	applied := 0
	for _, c := range queue {
		o.mu.Lock()
		if !o.sess.Current(ep) || o.sess.Resource != res {
			o.mu.Unlock()
			return app.ErrStaleGeneration
		}
		fresh := o.sess.MarkApplied(c)
		o.mu.Unlock()
		if !fresh {
			continue
		}
		if err := res.AddICECandidate(c); err != nil {
			if errors.Is(err, core.ErrInvalidState) || errors.Is(err, core.ErrInvalidCandidate) {
				log.Warn().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("queued candidate skipped")
				continue
			}
			return fmt.Errorf("apply queued candidate: %w", err)
		}
		applied++
	}
	if len(queue) > 0 {
		log.Debug().
			Str("module", "orch").
			Str("peer", string(peer)).
			Int("queued", len(queue)).
			Int("applied", applied).
			Msg("queued candidates flushed")
	}
	return nil
}
