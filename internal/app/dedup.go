package app

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Epoch is the generation token of the connection resource. It only grows.
type Epoch uint64

type ContentHash [sha256.Size]byte

func (h ContentHash) String() string { return hex.EncodeToString(h[:6]) }

// HashDescription is an order-sensitive digest of a negotiation payload.
func HashDescription(sd webrtc.SessionDescription) ContentHash {
	h := sha256.New()
	writeField(h, sd.Type.String())
	writeField(h, sd.SDP)
	var out ContentHash
	copy(out[:], h.Sum(nil))
	return out
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// DedupKey identifies one negotiation message. Seq is assigned per distinct
// content hash within (Peer, Epoch): a retransmission gets the same key, a
// renegotiation gets the next sequence number. Sequence numbers are only
// remembered while their key is in flight or processed.
type DedupKey struct {
	Peer  domain.PeerID
	Epoch Epoch
	Hash  ContentHash
	Seq   uint64
}

type streamKey struct {
	peer  domain.PeerID
	epoch Epoch
}

type sequence struct {
	next uint64
	seqs map[ContentHash]uint64
}

// DedupLedger is a bounded set of processed and in-flight negotiation keys.
// It is owned by a Session and not safe for concurrent use.
type DedupLedger struct {
	capacity  int
	streams   map[streamKey]*sequence
	inFlight  map[DedupKey]struct{}
	processed map[DedupKey]struct{}
	order     []DedupKey
}

func NewDedupLedger(capacity int) *DedupLedger {
	if capacity <= 0 {
		capacity = 256
	}
	l := &DedupLedger{capacity: capacity}
	l.Reset()
	return l
}

// Key returns the dedup key of a payload, assigning a sequence number the
// first time the hash is seen for (peer, epoch).
func (l *DedupLedger) Key(peer domain.PeerID, epoch Epoch, h ContentHash) DedupKey {
	sk := streamKey{peer: peer, epoch: epoch}
	seq, ok := l.streams[sk]
	if !ok {
		seq = &sequence{seqs: make(map[ContentHash]uint64)}
		l.streams[sk] = seq
	}
	n, ok := seq.seqs[h]
	if !ok {
		seq.next++
		n = seq.next
		seq.seqs[h] = n
	}
	return DedupKey{Peer: peer, Epoch: epoch, Hash: h, Seq: n}
}

// Begin marks k in flight. It reports false when k is processed or already in flight.
func (l *DedupLedger) Begin(k DedupKey) bool {
	if _, ok := l.processed[k]; ok {
		return false
	}
	if _, ok := l.inFlight[k]; ok {
		return false
	}
	l.inFlight[k] = struct{}{}
	l.remember(k)
	return true
}

// remember restores the sequence number of a key that was forgotten after
// an abort and then begun again.
func (l *DedupLedger) remember(k DedupKey) {
	sk := streamKey{peer: k.Peer, epoch: k.Epoch}
	seq, ok := l.streams[sk]
	if !ok {
		seq = &sequence{seqs: make(map[ContentHash]uint64)}
		l.streams[sk] = seq
	}
	if _, ok := seq.seqs[k.Hash]; ok {
		return
	}
	seq.seqs[k.Hash] = k.Seq
	if k.Seq > seq.next {
		seq.next = k.Seq
	}
}

// Commit moves k from in flight to processed.
func (l *DedupLedger) Commit(k DedupKey) {
	delete(l.inFlight, k)
	if _, ok := l.processed[k]; ok {
		return
	}
	l.processed[k] = struct{}{}
	l.order = append(l.order, k)
	for len(l.order) > l.capacity {
		old := l.order[0]
		l.order = l.order[1:]
		delete(l.processed, old)
		l.forget(old)
	}
}

// Abort clears the in-flight marker so a legitimate retry can proceed.
func (l *DedupLedger) Abort(k DedupKey) {
	delete(l.inFlight, k)
	l.forget(k)
}

// forget drops the sequence number of k once nothing refers to it, so the
// sequence table never outgrows the processed window.
func (l *DedupLedger) forget(k DedupKey) {
	if _, ok := l.processed[k]; ok {
		return
	}
	if _, ok := l.inFlight[k]; ok {
		return
	}
	sk := streamKey{peer: k.Peer, epoch: k.Epoch}
	seq, ok := l.streams[sk]
	if !ok || seq.seqs[k.Hash] != k.Seq {
		return
	}
	delete(seq.seqs, k.Hash)
	if len(seq.seqs) == 0 {
		delete(l.streams, sk)
	}
}

func (l *DedupLedger) Processed(k DedupKey) bool {
	_, ok := l.processed[k]
	return ok
}

func (l *DedupLedger) Len() int { return len(l.processed) + len(l.inFlight) }

// sequences is the number of remembered sequence numbers.
func (l *DedupLedger) sequences() int {
	n := 0
	for _, seq := range l.streams {
		n += len(seq.seqs)
	}
	return n
}

func (l *DedupLedger) Reset() {
	l.streams = make(map[streamKey]*sequence)
	l.inFlight = make(map[DedupKey]struct{})
	l.processed = make(map[DedupKey]struct{})
	l.order = nil
}
