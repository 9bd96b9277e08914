package chunking

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerSplitSingleFragment(t *testing.T) {
	c, err := NewChunker(64)
	require.NoError(t, err)

	payload := []byte("small message")
	frags, err := c.Split(payload)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, uint8(1), frags[0].Header.Total)
	assert.Equal(t, uint8(1), frags[0].Header.Position)
	assert.False(t, frags[0].Header.HasPreviousLink)
	assert.False(t, frags[0].Header.HasNextLink)
	assert.Equal(t, payload, frags[0].Payload)
}

func TestChunkerSplitMultipleFragmentsSingleSet(t *testing.T) {
	c, err := NewChunker(20) // small payload budget to force many fragments
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("x"), c.FragmentPayloadLen*3+1)
	frags, err := c.Split(payload)
	require.NoError(t, err)
	require.Len(t, frags, 4)

	for i, f := range frags {
		assert.Equal(t, uint8(4), f.Header.Total)
		assert.Equal(t, uint8(i+1), f.Header.Position)
		assert.False(t, f.Header.HasPreviousLink)
		assert.False(t, f.Header.HasNextLink)
	}
}

func TestChunkerSplitLinksAdjacentSets(t *testing.T) {
	c, err := NewChunker(20)
	require.NoError(t, err)

	// Force more than MaxFragmentsPerSet fragments so the chunker must
	// link two sets together.
	payload := bytes.Repeat([]byte("y"), c.FragmentPayloadLen*(MaxFragmentsPerSet+2))
	frags, err := c.Split(payload)
	require.NoError(t, err)
	require.True(t, len(frags) > MaxFragmentsPerSet)

	first := frags[0]
	assert.False(t, first.Header.HasPreviousLink)

	lastOfFirstSet := frags[MaxFragmentsPerSet-1]
	assert.True(t, lastOfFirstSet.Header.HasNextLink)
	assert.Equal(t, uint8(MaxFragmentsPerSet), lastOfFirstSet.Header.Total)

	firstOfSecondSet := frags[MaxFragmentsPerSet]
	assert.True(t, firstOfSecondSet.Header.HasPreviousLink)
	assert.Equal(t, lastOfFirstSet.Header.SetID, firstOfSecondSet.Header.PreviousSetID)
	assert.Equal(t, firstOfSecondSet.Header.SetID, lastOfFirstSet.Header.NextSetID)
}

func TestChunkerRejectsEmptyPayload(t *testing.T) {
	c, err := NewChunker(64)
	require.NoError(t, err)
	_, err = c.Split(nil)
	assert.Error(t, err)
}

func TestNewChunkerRejectsTooSmallPacket(t *testing.T) {
	_, err := NewChunker(LinkedHeaderLen)
	assert.Error(t, err)
}

func TestReassemblerRoundTripSingleSet(t *testing.T) {
	c, err := NewChunker(20)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("z"), c.FragmentPayloadLen*5)
	frags, err := c.Split(payload)
	require.NoError(t, err)

	r := NewReassembler()
	var got []byte
	var done bool
	for _, f := range frags {
		got, done = r.Ingest(f)
	}
	require.True(t, done)
	assert.Equal(t, payload, got)
}

func TestReassemblerRoundTripLinkedSetsOutOfOrder(t *testing.T) {
	c, err := NewChunker(20)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("w"), c.FragmentPayloadLen*(MaxFragmentsPerSet+3))
	frags, err := c.Split(payload)
	require.NoError(t, err)

	// Feed the second set before the first to exercise link resolution
	// independent of arrival order.
	reordered := append(append([]Fragment{}, frags[MaxFragmentsPerSet:]...), frags[:MaxFragmentsPerSet]...)

	r := NewReassembler()
	var got []byte
	var done bool
	for _, f := range reordered {
		got, done = r.Ingest(f)
	}
	require.True(t, done)
	assert.Equal(t, payload, got)
}

func TestReassemblerIgnoresCoverTraffic(t *testing.T) {
	r := NewReassembler()
	got, done := r.Ingest(Fragment{Header: CoverHeader(), Payload: nil})
	assert.False(t, done)
	assert.Nil(t, got)
}
