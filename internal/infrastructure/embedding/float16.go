package embedding

import (
	"encoding/binary"
	"math"
)

// Cached embeddings are stored as IEEE 754 half-precision bytes: half the
// footprint of float32 at precision far beyond what cosine ranking needs.

func float32ToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xff) - 127 + 15
	mant := bits & 0x7fffff

	switch {
	case exp >= 0x1f:
		// Overflow and infinities clamp to half infinity.
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		// Subnormal half.
		mant |= 0x800000
		shift := uint32(14 - exp)
		return sign | uint16(mant>>shift)
	default:
		return sign | uint16(exp)<<10 | uint16(mant>>13)
	}
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)

	switch {
	case exp == 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Normalize the subnormal.
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | (exp+1+127-15)<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

func encodeHalfVector(vec []float32) []byte {
	out := make([]byte, 2*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint16(out[2*i:], float32ToHalf(f))
	}
	return out
}

func decodeHalfVector(data []byte) []float32 {
	vec := make([]float32, len(data)/2)
	for i := range vec {
		vec[i] = halfToFloat32(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return vec
}
