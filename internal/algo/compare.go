package algo

import (
	"encoding/binary"
	"math"
)

// KeyType selects how a Database's public API encodes user keys before
// they enter the B-tree. Internally every key is stored as a byte string
// that sorts correctly under plain bytes.Compare: Binary keys pass through
// untouched, numeric keys are encoded big-endian (and, for floats,
// sign-flipped) so that byte order matches numeric order. This keeps every
// low-level split/merge/search routine comparator-free while still giving
// callers record-number and custom-numeric-key semantics.
type KeyType uint8

const (
	KeyTypeBinary KeyType = iota
	KeyTypeUint8
	KeyTypeUint16
	KeyTypeUint32
	KeyTypeUint64
	KeyTypeFloat32
	KeyTypeFloat64
)

// EncodeKey converts a native value into its order-preserving byte form.
// v must match the Go type implied by kt (uint8/uint16/uint32/uint64/
// float32/float64), or []byte for KeyTypeBinary.
func EncodeKey(kt KeyType, v any) []byte {
	switch kt {
	case KeyTypeUint8:
		return []byte{v.(uint8)}
	case KeyTypeUint16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, v.(uint16))
		return b
	case KeyTypeUint32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v.(uint32))
		return b
	case KeyTypeUint64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v.(uint64))
		return b
	case KeyTypeFloat32:
		bits := math.Float32bits(v.(float32))
		return []byte{
			byte(flipFloatBits32(bits) >> 24),
			byte(flipFloatBits32(bits) >> 16),
			byte(flipFloatBits32(bits) >> 8),
			byte(flipFloatBits32(bits)),
		}
	case KeyTypeFloat64:
		bits := flipFloatBits64(math.Float64bits(v.(float64)))
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, bits)
		return b
	default:
		return v.([]byte)
	}
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(kt KeyType, b []byte) any {
	switch kt {
	case KeyTypeUint8:
		return b[0]
	case KeyTypeUint16:
		return binary.BigEndian.Uint16(b)
	case KeyTypeUint32:
		return binary.BigEndian.Uint32(b)
	case KeyTypeUint64:
		return binary.BigEndian.Uint64(b)
	case KeyTypeFloat32:
		bits := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		return math.Float32frombits(unflipFloatBits32(bits))
	case KeyTypeFloat64:
		bits := binary.BigEndian.Uint64(b)
		return math.Float64frombits(unflipFloatBits64(bits))
	default:
		return b
	}
}

// flipFloatBits maps IEEE754 bit patterns onto an order that sorts
// correctly as unsigned integers: flip the sign bit always, and flip every
// bit when the original sign bit was set (negative numbers sort reversed
// in two's-complement-style unsigned comparison otherwise).
func flipFloatBits32(bits uint32) uint32 {
	if bits&0x80000000 != 0 {
		return ^bits
	}
	return bits | 0x80000000
}

func unflipFloatBits32(bits uint32) uint32 {
	if bits&0x80000000 != 0 {
		return bits &^ 0x80000000
	}
	return ^bits
}

func flipFloatBits64(bits uint64) uint64 {
	if bits&0x8000000000000000 != 0 {
		return ^bits
	}
	return bits | 0x8000000000000000
}

func unflipFloatBits64(bits uint64) uint64 {
	if bits&0x8000000000000000 != 0 {
		return bits &^ 0x8000000000000000
	}
	return ^bits
}
