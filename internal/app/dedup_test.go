package app

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func TestHashDescriptionIsOrderSensitive(t *testing.T) {
	a := HashDescription(offer("v=0"))
	b := HashDescription(offer("v=0"))
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, HashDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}))
	assert.NotEqual(t, a, HashDescription(offer("v=1")))
}

func TestLedgerSequencePerContent(t *testing.T) {
	l := NewDedupLedger(8)
	h1 := HashDescription(offer("one"))
	h2 := HashDescription(offer("two"))

	k1 := l.Key("bob", 1, h1)
	assert.Equal(t, uint64(1), k1.Seq)
	assert.Equal(t, k1, l.Key("bob", 1, h1), "retransmission keeps its key")

	k2 := l.Key("bob", 1, h2)
	assert.Equal(t, uint64(2), k2.Seq, "new content advances the sequence")

	other := l.Key("bob", 2, h1)
	assert.Equal(t, uint64(1), other.Seq, "sequence is scoped to the epoch")
}

func TestLedgerBeginCommitAbort(t *testing.T) {
	l := NewDedupLedger(8)
	k := l.Key("bob", 1, HashDescription(offer("x")))

	require.True(t, l.Begin(k))
	assert.False(t, l.Begin(k), "in flight")

	l.Abort(k)
	require.True(t, l.Begin(k), "abort permits retry")

	l.Commit(k)
	assert.True(t, l.Processed(k))
	assert.False(t, l.Begin(k), "processed")
}

func TestLedgerBoundedAndReset(t *testing.T) {
	l := NewDedupLedger(2)
	var keys []DedupKey
	for _, s := range []string{"a", "b", "c"} {
		k := l.Key("bob", 1, HashDescription(offer(s)))
		require.True(t, l.Begin(k))
		l.Commit(k)
		keys = append(keys, k)
	}
	assert.Equal(t, 2, l.Len())
	assert.False(t, l.Processed(keys[0]), "oldest entry evicted")
	assert.True(t, l.Processed(keys[2]))

	l.Reset()
	assert.Zero(t, l.Len())
	assert.Equal(t, uint64(1), l.Key("bob", 1, HashDescription(offer("c"))).Seq)
}

func TestLedgerSequencesFollowEviction(t *testing.T) {
	l := NewDedupLedger(2)
	for i := range 50 {
		k := l.Key("bob", Epoch(i%3), HashDescription(offer(string(rune('a'+i%26))+"-offer")))
		if !l.Begin(k) {
			continue
		}
		l.Commit(k)
	}
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 2, l.sequences(), "evicted keys drop their sequence numbers")

	aborted := l.Key("carol", 1, HashDescription(offer("x")))
	require.True(t, l.Begin(aborted))
	l.Abort(aborted)
	assert.Equal(t, 2, l.sequences())
	assert.True(t, l.Begin(l.Key("carol", 1, HashDescription(offer("x")))), "aborted content is retryable")
}
