package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seqMsg(seq uint64) Message {
	m := Event(KindTextDelta, nil)
	m.Seq = seq
	return m
}

func TestRingRetainsSuffix(t *testing.T) {
	r := newRing(3)
	for seq := uint64(1); seq <= 5; seq++ {
		r.append(seqMsg(seq))
	}

	require.Equal(t, uint64(5), r.lastSeq())
	require.EqualValues(t, 2, r.dropped)

	// Seqs 1 and 2 were dropped; asking for anything after 1 crosses the
	// purged span.
	msgs, purged := r.after(1)
	require.True(t, purged)
	require.Len(t, msgs, 3)
	require.Equal(t, uint64(3), msgs[0].Seq)
}

func TestRingAfter(t *testing.T) {
	r := newRing(3)
	for seq := uint64(1); seq <= 5; seq++ {
		r.append(seqMsg(seq))
	}
	// Retained: 3, 4, 5.

	msgs, purged := r.after(2)
	require.False(t, purged)
	require.Len(t, msgs, 3)
	require.Equal(t, uint64(3), msgs[0].Seq)

	msgs, purged = r.after(0)
	require.True(t, purged)
	require.Len(t, msgs, 3)

	msgs, purged = r.after(4)
	require.False(t, purged)
	require.Len(t, msgs, 1)
	require.Equal(t, uint64(5), msgs[0].Seq)

	msgs, purged = r.after(5)
	require.False(t, purged)
	require.Empty(t, msgs)

	msgs, purged = r.after(9)
	require.False(t, purged)
	require.Empty(t, msgs)

	// Clients control this value; a huge seq must not panic the splice.
	msgs, purged = r.after(1 << 63)
	require.False(t, purged)
	require.Empty(t, msgs)
}

func TestRingEmpty(t *testing.T) {
	r := newRing(3)
	require.Equal(t, uint64(0), r.lastSeq())
	msgs, purged := r.after(0)
	require.False(t, purged)
	require.Empty(t, msgs)
}
