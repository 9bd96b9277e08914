// Package chunking implements the wire-level fragment codec and the
// chunker that splits an application payload into fragment sets small
// enough to fit inside a single mix packet payload.
package chunking

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFragmentSetID is the largest legal set id. Set ids live in a 31-bit
// space; the 32nd bit of the on-the-wire encoding is a reserved
// fragmentation flag, kept set to 1 on every fragment we emit. It is a
// holdover from an older wire format that shipped a 1-byte "unfragmented"
// header variant (flag unset) alongside the fragmented one; that variant
// has since been retired, so we always write 1 and never decode 0.
const MaxFragmentSetID = 1<<31 - 1

const setIDFlagBit = uint32(1) << 31

// UnlinkedHeaderLen is the size in bytes of a fragment header that carries
// no link to an adjacent set.
const UnlinkedHeaderLen = 7

// LinkedHeaderLen is the size in bytes of a fragment header that links to
// an adjacent set (first fragment of a non-initial set, or last fragment
// of a full 255-fragment set).
const LinkedHeaderLen = 10

// ErrMalformedHeader is returned when a header violates one of the
// invariants governing set id, position/total, or linking.
var ErrMalformedHeader = errors.New("chunking: malformed fragment header")

// ErrInvalidPayloadLength is returned by New when a non-tail fragment's
// payload does not exactly fill its fixed-size budget.
var ErrInvalidPayloadLength = errors.New("chunking: fragment payload length does not match the fixed fragment size")

// ErrTooLongPayload is returned by New when a tail fragment's payload
// exceeds the space left once its header is accounted for.
var ErrTooLongPayload = errors.New("chunking: fragment payload exceeds its capacity")

// FragmentIdentifier uniquely names a single fragment independent of its
// payload; it is what acknowledgements key off of.
type FragmentIdentifier struct {
	SetID    uint32
	Position uint8
}

// Bytes serializes the identifier into its 5-byte wire form: a 4-byte
// big-endian set id with the reserved high bit set, followed by the
// 1-byte position.
func (id FragmentIdentifier) Bytes() []byte {
	out := make([]byte, 5)
	binary.BigEndian.PutUint32(out[0:4], id.SetID|setIDFlagBit)
	out[4] = id.Position
	return out
}

// FragmentIdentifierFromBytes parses the 5-byte form produced by Bytes.
func FragmentIdentifierFromBytes(data []byte) (FragmentIdentifier, error) {
	if len(data) != 5 {
		return FragmentIdentifier{}, fmt.Errorf("chunking: fragment identifier must be 5 bytes, got %d", len(data))
	}
	raw := binary.BigEndian.Uint32(data[0:4])
	return FragmentIdentifier{
		SetID:    raw &^ setIDFlagBit,
		Position: data[4],
	}, nil
}

// FragmentHeader describes where a single fragment sits within its set,
// and optionally links the set to an adjacent one.
type FragmentHeader struct {
	SetID    uint32
	Total    uint8
	Position uint8

	// HasPreviousLink is true for the first fragment of a set that is not
	// the first set of the message; PreviousSetID names that earlier set.
	HasPreviousLink bool
	PreviousSetID   uint32

	// HasNextLink is true for the last fragment of a full (255-fragment)
	// set that is followed by another set; NextSetID names it.
	HasNextLink bool
	NextSetID   uint32
}

// IsCover reports whether this header is the reserved cover-traffic
// sentinel: set id 0, position 0, total 0, unlinked.
func (h FragmentHeader) IsCover() bool {
	return h.SetID == 0 && h.Position == 0 && h.Total == 0 && !h.HasPreviousLink && !h.HasNextLink
}

// CoverHeader returns the sentinel header used to pad cover traffic.
func CoverHeader() FragmentHeader {
	return FragmentHeader{}
}

// Len returns the number of bytes this header occupies on the wire.
func (h FragmentHeader) Len() int {
	if h.HasPreviousLink || h.HasNextLink {
		return LinkedHeaderLen
	}
	return UnlinkedHeaderLen
}

// validate checks every §3 wire invariant for a non-cover header: the set
// id domain, total/position ordering, and the set-boundary-only linking
// rule (a previous link only at position 1, a next link only when this is
// the 255th fragment of a full set).
func (h FragmentHeader) validate() error {
	if h.SetID == 0 || h.SetID > MaxFragmentSetID {
		return ErrMalformedHeader
	}
	if h.Total == 0 {
		return ErrMalformedHeader
	}
	if h.Position == 0 || h.Position > h.Total {
		return ErrMalformedHeader
	}
	if h.HasPreviousLink && h.HasNextLink {
		return ErrMalformedHeader
	}
	if h.HasPreviousLink {
		if h.PreviousSetID == 0 || h.PreviousSetID > MaxFragmentSetID {
			return ErrMalformedHeader
		}
		if h.Position != 1 || h.PreviousSetID == h.SetID {
			return ErrMalformedHeader
		}
	}
	if h.HasNextLink {
		if h.NextSetID == 0 || h.NextSetID > MaxFragmentSetID {
			return ErrMalformedHeader
		}
		if h.Total != MaxFragmentsPerSet || h.Position != MaxFragmentsPerSet || h.NextSetID == h.SetID {
			return ErrMalformedHeader
		}
	}
	return nil
}

// newHeader builds and validates a FragmentHeader from its constituent
// fields, the shared helper behind both New and DecodeHeader.
func newHeader(setID uint32, total, position uint8, prevSet, nextSet *uint32) (FragmentHeader, error) {
	h := FragmentHeader{SetID: setID, Total: total, Position: position}
	if prevSet != nil {
		h.HasPreviousLink = true
		h.PreviousSetID = *prevSet
	}
	if nextSet != nil {
		h.HasNextLink = true
		h.NextSetID = *nextSet
	}
	if err := h.validate(); err != nil {
		return FragmentHeader{}, err
	}
	return h, nil
}

// New validates every §3 invariant for a single fragment and, if they all
// hold, returns a ready-to-encode Fragment. maxPlaintext is the mix packet
// payload budget the fragment must fit inside once its header is
// subtracted. prevSet/nextSet are nil unless this fragment links its set
// to an adjacent one.
func New(payload []byte, setID uint32, total, position uint8, prevSet, nextSet *uint32, maxPlaintext int) (Fragment, error) {
	header, err := newHeader(setID, total, position, prevSet, nextSet)
	if err != nil {
		return Fragment{}, err
	}

	maxPayload := maxPlaintext - header.Len()
	if position == total {
		if len(payload) > maxPayload {
			return Fragment{}, ErrTooLongPayload
		}
	} else if len(payload) != maxPayload {
		return Fragment{}, ErrInvalidPayloadLength
	}

	return Fragment{Header: header, Payload: payload}, nil
}

// Encode appends the wire encoding of h to dst and returns the result.
// The layout mirrors the original fragment codec exactly: a flagged
// 4-byte set id, then total, then position, then either a single zero
// byte (unlinked) or a flagged 4-byte linked set id (linked).
func (h FragmentHeader) Encode(dst []byte) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}

	var buf [LinkedHeaderLen]byte
	binary.BigEndian.PutUint32(buf[0:4], h.SetID|setIDFlagBit)
	buf[4] = h.Total
	buf[5] = h.Position

	switch {
	case h.HasPreviousLink:
		binary.BigEndian.PutUint32(buf[6:10], h.PreviousSetID|setIDFlagBit)
		return append(dst, buf[:LinkedHeaderLen]...), nil
	case h.HasNextLink:
		binary.BigEndian.PutUint32(buf[6:10], h.NextSetID|setIDFlagBit)
		return append(dst, buf[:LinkedHeaderLen]...), nil
	default:
		buf[6] = 0
		return append(dst, buf[:UnlinkedHeaderLen]...), nil
	}
}

// DecodeHeader parses a FragmentHeader from the front of data and returns
// the header along with the number of bytes consumed. Byte 6 being
// nonzero is what signals a linked header: a valid flagged linked id
// always has its high bit set, so a zero byte there is unambiguous.
func DecodeHeader(data []byte) (FragmentHeader, int, error) {
	if len(data) < UnlinkedHeaderLen {
		return FragmentHeader{}, 0, fmt.Errorf("chunking: header truncated, need at least %d bytes, got %d", UnlinkedHeaderLen, len(data))
	}

	raw := binary.BigEndian.Uint32(data[0:4])
	if raw&setIDFlagBit == 0 {
		return FragmentHeader{}, 0, fmt.Errorf("chunking: unset fragmentation flag; legacy unfragmented frames are not supported")
	}
	setID := raw &^ setIDFlagBit
	total := data[4]
	position := data[5]

	if data[6] == 0 {
		h, err := newHeader(setID, total, position, nil, nil)
		if err != nil {
			return FragmentHeader{}, 0, err
		}
		return h, UnlinkedHeaderLen, nil
	}

	if len(data) < LinkedHeaderLen {
		return FragmentHeader{}, 0, fmt.Errorf("chunking: linked header truncated, need %d bytes, got %d", LinkedHeaderLen, len(data))
	}
	flagged := binary.BigEndian.Uint32(data[6:10])
	if flagged&setIDFlagBit == 0 {
		return FragmentHeader{}, 0, ErrMalformedHeader
	}
	linkedID := flagged &^ setIDFlagBit

	var h FragmentHeader
	var err error
	switch {
	case position == 1:
		h, err = newHeader(setID, total, position, &linkedID, nil)
	case total == MaxFragmentsPerSet && position == MaxFragmentsPerSet:
		h, err = newHeader(setID, total, position, nil, &linkedID)
	default:
		err = ErrMalformedHeader
	}
	if err != nil {
		return FragmentHeader{}, 0, err
	}
	return h, LinkedHeaderLen, nil
}

// Fragment is a single wire-ready piece of a chunked message.
type Fragment struct {
	Header  FragmentHeader
	Payload []byte
}

// ID returns the FragmentIdentifier naming this fragment.
func (f Fragment) ID() FragmentIdentifier {
	return FragmentIdentifier{SetID: f.Header.SetID, Position: f.Header.Position}
}

// Bytes serializes the fragment as header||payload.
func (f Fragment) Bytes() ([]byte, error) {
	out, err := f.Header.Encode(nil)
	if err != nil {
		return nil, err
	}
	return append(out, f.Payload...), nil
}

// FragmentFromBytes parses a full fragment (header + payload) from data.
func FragmentFromBytes(data []byte) (Fragment, error) {
	h, n, err := DecodeHeader(data)
	if err != nil {
		return Fragment{}, err
	}
	payload := make([]byte, len(data)-n)
	copy(payload, data[n:])
	return Fragment{Header: h, Payload: payload}, nil
}
