package chunking

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentIdentifierRoundTrip(t *testing.T) {
	id := FragmentIdentifier{SetID: 1234, Position: 7}
	b := id.Bytes()
	require.Len(t, b, 5)

	got, err := FragmentIdentifierFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestFragmentIdentifierFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FragmentIdentifierFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUnlinkedHeaderRoundTrip(t *testing.T) {
	h := FragmentHeader{SetID: 42, Total: 3, Position: 1}
	encoded, err := h.Encode(nil)
	require.NoError(t, err)
	assert.Len(t, encoded, UnlinkedHeaderLen)

	decoded, n, err := DecodeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, UnlinkedHeaderLen, n)
	assert.Equal(t, h, decoded)
}

func TestLinkedHeaderRoundTripPrevious(t *testing.T) {
	h := FragmentHeader{SetID: 99, Total: 5, Position: 1, HasPreviousLink: true, PreviousSetID: 98}
	encoded, err := h.Encode(nil)
	require.NoError(t, err)
	assert.Len(t, encoded, LinkedHeaderLen)

	decoded, n, err := DecodeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, LinkedHeaderLen, n)
	assert.Equal(t, h, decoded)
}

func TestLinkedHeaderRoundTripNext(t *testing.T) {
	h := FragmentHeader{SetID: 7, Total: 255, Position: 255, HasNextLink: true, NextSetID: 8}
	encoded, err := h.Encode(nil)
	require.NoError(t, err)

	decoded, _, err := DecodeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

// A linked set id well above the old 24-bit truncation window must still
// round-trip, since the pointer is a full 31-bit field.
func TestLinkedHeaderRoundTripWideSetID(t *testing.T) {
	h := FragmentHeader{SetID: 1 << 30, Total: 255, Position: 255, HasNextLink: true, NextSetID: MaxFragmentSetID}
	encoded, err := h.Encode(nil)
	require.NoError(t, err)

	decoded, _, err := DecodeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestHeaderRejectsBothLinks(t *testing.T) {
	h := FragmentHeader{SetID: 1, Total: 1, Position: 1, HasPreviousLink: true, PreviousSetID: 2, HasNextLink: true, NextSetID: 3}
	_, err := h.Encode(nil)
	assert.Error(t, err)
}

func TestHeaderRejectsSetIDOutOfDomain(t *testing.T) {
	h := FragmentHeader{SetID: MaxFragmentSetID + 1, Total: 1, Position: 1}
	_, err := h.Encode(nil)
	assert.Error(t, err)
}

func TestHeaderRejectsSetIDZero(t *testing.T) {
	h := FragmentHeader{SetID: 0, Total: 1, Position: 1}
	_, err := h.Encode(nil)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeaderRejectsPositionZero(t *testing.T) {
	h := FragmentHeader{SetID: 1, Total: 3, Position: 0}
	_, err := h.Encode(nil)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeaderRejectsPositionGreaterThanTotal(t *testing.T) {
	h := FragmentHeader{SetID: 1, Total: 3, Position: 4}
	_, err := h.Encode(nil)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeaderRejectsPreviousLinkNotAtFirstPosition(t *testing.T) {
	h := FragmentHeader{SetID: 1, Total: 3, Position: 2, HasPreviousLink: true, PreviousSetID: 2}
	_, err := h.Encode(nil)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeaderRejectsNextLinkBeforeSetBoundary255(t *testing.T) {
	h := FragmentHeader{SetID: 1, Total: 10, Position: 10, HasNextLink: true, NextSetID: 2}
	_, err := h.Encode(nil)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeaderRejectsLinkedIDEqualToSetID(t *testing.T) {
	h := FragmentHeader{SetID: 9, Total: 3, Position: 1, HasPreviousLink: true, PreviousSetID: 9}
	_, err := h.Encode(nil)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestDecodeHeaderRejectsUnsetFragmentationFlag(t *testing.T) {
	buf := make([]byte, UnlinkedHeaderLen) // all zero: flag bit unset
	_, _, err := DecodeHeader(buf)
	assert.Error(t, err)
}

func TestDecodeHeaderRejectsTruncated(t *testing.T) {
	_, _, err := DecodeHeader([]byte{0x80, 0, 0})
	assert.Error(t, err)
}

// The cover-traffic sentinel is set id 0; a decoded header must never be
// allowed to alias it.
func TestDecodeHeaderRejectsSetIDZero(t *testing.T) {
	buf := make([]byte, UnlinkedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], setIDFlagBit) // flag set, set id 0
	buf[4] = 1                                         // total
	buf[5] = 1                                         // position
	_, _, err := DecodeHeader(buf)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestCoverHeaderSentinel(t *testing.T) {
	h := CoverHeader()
	assert.True(t, h.IsCover())
	assert.Equal(t, uint32(0), h.SetID)
	assert.Equal(t, uint8(0), h.Position)

	notCover := FragmentHeader{SetID: 1}
	assert.False(t, notCover.IsCover())
}

func TestFragmentBytesRoundTrip(t *testing.T) {
	f := Fragment{
		Header:  FragmentHeader{SetID: 5, Total: 2, Position: 1},
		Payload: []byte("hello"),
	}
	b, err := f.Bytes()
	require.NoError(t, err)

	got, err := FragmentFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, f.Header, got.Header)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestNewBuildsValidFragment(t *testing.T) {
	f, err := New([]byte("hello"), 42, 1, 1, nil, nil, 20)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), f.Header.SetID)
	assert.Equal(t, uint8(1), f.Header.Position)
}

func TestNewRejectsSetIDZero(t *testing.T) {
	_, err := New([]byte("x"), 0, 1, 1, nil, nil, 20)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestNewRejectsPositionZero(t *testing.T) {
	_, err := New([]byte("x"), 1, 3, 0, nil, nil, 20)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestNewRejectsPositionGreaterThanTotal(t *testing.T) {
	_, err := New([]byte("x"), 1, 3, 4, nil, nil, 20)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestNewRejectsPreviousLinkEqualToOwnSetID(t *testing.T) {
	prev := uint32(5)
	_, err := New([]byte("x"), 5, 3, 1, &prev, nil, 20)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestNewRejectsNonTailPayloadShorterThanBudget(t *testing.T) {
	// maxPlaintext=20, UnlinkedHeaderLen=7, so non-tail fragments must carry
	// exactly 13 bytes.
	_, err := New([]byte("short"), 1, 3, 1, nil, nil, 20)
	assert.ErrorIs(t, err, ErrInvalidPayloadLength)
}

func TestNewRejectsTailPayloadLongerThanBudget(t *testing.T) {
	payload := make([]byte, 32)
	_, err := New(payload, 1, 1, 1, nil, nil, 20)
	assert.ErrorIs(t, err, ErrTooLongPayload)
}

func TestNewAllowsShortTailPayload(t *testing.T) {
	f, err := New([]byte("tail"), 1, 2, 2, nil, nil, 20)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), f.Payload)
}
