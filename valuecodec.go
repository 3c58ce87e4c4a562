package fredb

import (
	"encoding/binary"

	"github.com/alexhholmes/fredb/internal/base"
	"github.com/alexhholmes/fredb/internal/blob"
)

// Values larger than base.OverflowThreshold are not stored inline in a leaf
// element; instead the leaf holds a small tagged placeholder and the actual
// bytes live in a chain of overflow pages managed by internal/blob. The tag
// is carried in the stored bytes themselves (rather than via
// base.LeafPage.Overflow/LeafOverflowFlag, which would require locating and
// flipping the bit on whichever leaf the key lands in after COW and
// possibly a split — self-describing bytes need no such plumbing through
// the generic insert/split/merge path, which only ever moves []byte blindly).
const (
	valueTagInline   byte = 0x00
	valueTagOverflow byte = 0x01
)

const overflowPlaceholderSize = 1 + 8 + 8 // tag + length + blob page id

// encodeValue returns the bytes to actually store in a leaf element for the
// given user value, writing it to an overflow blob chain first if it's too
// large to store inline.
func encodeValue(tx *Tx, value []byte) ([]byte, error) {
	if len(value) <= base.OverflowThreshold {
		out := make([]byte, 1+len(value))
		out[0] = valueTagInline
		copy(out[1:], value)
		return out, nil
	}

	id, err := blob.Write(tx, value)
	if err != nil {
		return nil, err
	}

	out := make([]byte, overflowPlaceholderSize)
	out[0] = valueTagOverflow
	binary.BigEndian.PutUint64(out[1:9], uint64(len(value)))
	binary.BigEndian.PutUint64(out[9:17], uint64(id))
	return out, nil
}

// decodeValue returns the user-visible value for bytes produced by
// encodeValue, reading the overflow chain if the value was stored out of
// line.
func decodeValue(tx *Tx, stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}

	switch stored[0] {
	case valueTagOverflow:
		length := int(binary.BigEndian.Uint64(stored[1:9]))
		id := base.PageID(binary.BigEndian.Uint64(stored[9:17]))
		return blob.Read(tx, id, length)
	default:
		return stored[1:], nil
	}
}

// overflowPageID returns the blob chain's first page id if stored is an
// out-of-line placeholder, or 0 if the value is stored inline.
func overflowPageID(stored []byte) base.PageID {
	if len(stored) == 0 || stored[0] != valueTagOverflow {
		return 0
	}
	return base.PageID(binary.BigEndian.Uint64(stored[9:17]))
}
