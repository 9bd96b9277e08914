package chunking

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// MaxFragmentsPerSet is the largest number of fragments a single set may
// hold; Total is a single byte, so 255 is the hard ceiling.
const MaxFragmentsPerSet = 255

// Chunker splits application payloads into fragment sets no larger than
// MaxFragmentsPerSet, linking adjacent sets when a payload needs more than
// one. FragmentPayloadLen bounds how much of a fragment's capacity is
// available for application bytes once the header is subtracted; it must
// match the mix packet payload budget the caller actually sends over.
type Chunker struct {
	FragmentPayloadLen int
}

// NewChunker returns a Chunker sized for packetPayloadLen-byte mix packet
// payloads, reserving room for the largest (linked) header on every
// fragment so that linked and unlinked fragments are interchangeable in
// size accounting.
func NewChunker(packetPayloadLen int) (*Chunker, error) {
	payload := packetPayloadLen - LinkedHeaderLen
	if payload <= 0 {
		return nil, fmt.Errorf("chunking: packet payload length %d too small to hold a fragment header", packetPayloadLen)
	}
	return &Chunker{FragmentPayloadLen: payload}, nil
}

// Split breaks data into one or more linked fragment sets. Each set draws
// its own id uniformly from (0, MaxFragmentSetID]; sets are linked by
// threading the neighbouring set's actual id into the boundary fragment's
// header rather than relying on the ids themselves being numerically
// adjacent.
func (c *Chunker) Split(data []byte) ([]Fragment, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("chunking: cannot split an empty payload")
	}

	perFragment := c.FragmentPayloadLen
	fragmentsNeeded := (len(data) + perFragment - 1) / perFragment
	setsNeeded := (fragmentsNeeded + MaxFragmentsPerSet - 1) / MaxFragmentsPerSet

	setIDs := make([]uint32, setsNeeded)
	for i := range setIDs {
		id, err := randomSetID()
		if err != nil {
			return nil, err
		}
		setIDs[i] = id
	}

	fragments := make([]Fragment, 0, fragmentsNeeded)
	offset := 0
	for s := 0; s < setsNeeded; s++ {
		setID := setIDs[s]
		remaining := fragmentsNeeded - s*MaxFragmentsPerSet
		total := remaining
		if total > MaxFragmentsPerSet {
			total = MaxFragmentsPerSet
		}

		for pos := 1; pos <= total; pos++ {
			end := offset + perFragment
			if end > len(data) {
				end = len(data)
			}
			header := FragmentHeader{
				SetID:    setID,
				Total:    uint8(total),
				Position: uint8(pos),
			}
			if pos == 1 && s > 0 {
				header.HasPreviousLink = true
				header.PreviousSetID = setIDs[s-1]
			}
			if pos == MaxFragmentsPerSet && total == MaxFragmentsPerSet && s < setsNeeded-1 {
				header.HasNextLink = true
				header.NextSetID = setIDs[s+1]
			}

			fragments = append(fragments, Fragment{
				Header:  header,
				Payload: append([]byte(nil), data[offset:end]...),
			})
			offset = end
		}
	}

	return fragments, nil
}

func randomSetID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("chunking: generating set id: %w", err)
	}
	id := binary.BigEndian.Uint32(b[:]) & MaxFragmentSetID
	if id == 0 {
		id = 1
	}
	return id, nil
}

// Reassembler reconstructs the original payload from a stream of
// fragments belonging to one or more linked sets. It is the receive-side
// counterpart to Chunker and is exercised by the mock gateway in tests,
// mirroring how the original chunking library is paired with a receiver
// even though the gateway-client wire protocol itself only ever forwards
// opaque mix packets.
type Reassembler struct {
	sets map[uint32]*pendingSet
}

type pendingSet struct {
	total     uint8
	fragments [][]byte
	have      int

	hasPrev bool
	prevID  uint32
	hasNext bool
	nextID  uint32
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{sets: make(map[uint32]*pendingSet)}
}

// Ingest feeds one fragment into the reassembler. It returns the
// reconstructed payload and true once every fragment of every linked set
// in the chain has arrived; until then it returns (nil, false).
//
// Linking is resolved lazily: a set is only considered complete once it
// has all of its own fragments and, if it links to a previous or next set,
// that set is itself complete.
func (r *Reassembler) Ingest(f Fragment) ([]byte, bool) {
	if f.Header.IsCover() {
		return nil, false
	}

	h := f.Header
	set, ok := r.sets[h.SetID]
	if !ok {
		set = &pendingSet{total: h.Total, fragments: make([][]byte, h.Total)}
		r.sets[h.SetID] = set
	}
	idx := int(h.Position) - 1
	if idx >= 0 && idx < len(set.fragments) && set.fragments[idx] == nil {
		set.fragments[idx] = f.Payload
		set.have++
	}
	if h.HasPreviousLink {
		set.hasPrev = true
		set.prevID = h.PreviousSetID
	}
	if h.HasNextLink {
		set.hasNext = true
		set.nextID = h.NextSetID
	}

	// Walk back to the head of this set's link chain.
	headID := h.SetID
	for {
		head, ok := r.sets[headID]
		if !ok || !head.hasPrev {
			break
		}
		headID = head.prevID
	}

	// Walk the chain forward; if any set is missing or incomplete, or the
	// chain isn't fully linked yet, we're not done.
	var out []byte
	var chain []uint32
	id := headID
	for {
		s, ok := r.sets[id]
		if !ok || s.have != int(s.total) {
			return nil, false
		}
		for _, chunk := range s.fragments {
			out = append(out, chunk...)
		}
		chain = append(chain, id)
		if !s.hasNext {
			break
		}
		id = s.nextID
	}

	for _, setID := range chain {
		delete(r.sets, setID)
	}
	return out, true
}
