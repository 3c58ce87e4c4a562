package algo

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		kt   KeyType
		v    any
	}{
		{"binary", KeyTypeBinary, []byte("hello")},
		{"uint8", KeyTypeUint8, uint8(200)},
		{"uint16", KeyTypeUint16, uint16(60000)},
		{"uint32", KeyTypeUint32, uint32(4000000000)},
		{"uint64", KeyTypeUint64, uint64(18000000000000000000)},
		{"float32", KeyTypeFloat32, float32(-3.5)},
		{"float64", KeyTypeFloat64, float64(2.71828)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded := EncodeKey(c.kt, c.v)
			decoded := DecodeKey(c.kt, encoded)
			assert.Equal(t, c.v, decoded)
		})
	}
}

// TestEncodedUint64PreservesNumericOrder confirms the big-endian encoding
// sorts keys the same way the underlying uint64 values compare numerically.
func TestEncodedUint64PreservesNumericOrder(t *testing.T) {
	values := []uint64{0, 1, 255, 256, 65535, 1 << 40, 1<<64 - 1}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = EncodeKey(KeyTypeUint64, v)
	}

	shuffled := append([][]byte(nil), encoded...)
	sort.Slice(shuffled, func(i, j int) bool {
		return bytes.Compare(shuffled[i], shuffled[j]) < 0
	})

	assert.Equal(t, encoded, shuffled, "byte order of encoded keys must match ascending value order")
}

// TestEncodedFloat64PreservesNumericOrder confirms the sign-flip trick keeps
// negative, zero, and positive floats in the right relative byte order,
// including across the negative/positive boundary.
func TestEncodedFloat64PreservesNumericOrder(t *testing.T) {
	values := []float64{-100.5, -1.0, -0.001, 0, 0.001, 1.0, 100.5}
	var encoded [][]byte
	for _, v := range values {
		encoded = append(encoded, EncodeKey(KeyTypeFloat64, v))
	}

	for i := 1; i < len(encoded); i++ {
		assert.Negative(t, bytes.Compare(encoded[i-1], encoded[i]),
			"encoding of %v must sort before encoding of %v", values[i-1], values[i])
	}
}

func TestEncodeDecodeFloat32RoundTrip(t *testing.T) {
	for _, v := range []float32{-42.25, -0.0, 0.0, 3.14, 1e10} {
		encoded := EncodeKey(KeyTypeFloat32, v)
		assert.Len(t, encoded, 4)
		decoded := DecodeKey(KeyTypeFloat32, encoded)
		assert.Equal(t, v, decoded)
	}
}
