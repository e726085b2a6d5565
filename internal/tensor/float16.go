package tensor

import "math"

// Float32ToFloat16 converts a float32 to a float16 (uint16). Subnormal inputs
// flush to zero; overflow saturates to infinity.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 31) & 0x1)
	exp := int16((bits >> 23) & 0xFF)
	mant := bits & 0x7FFFFF

	var outExp uint16
	var outMant uint16

	switch exp {
	case 0:
		// Zero or float32 subnormal, both flush to signed zero.
		return sign << 15
	case 0xFF:
		// Inf or NaN
		outExp = 0x1F
		if mant != 0 {
			outMant = 0x200
		}
	default:
		newExp := exp - 127 + 15
		if newExp >= 31 {
			outExp = 0x1F
		} else if newExp <= 0 {
			outExp = 0
		} else {
			outExp = uint16(newExp)
			outMant = uint16(mant >> 13)
		}
	}

	return (sign << 15) | (outExp << 10) | outMant
}

// Float16ToFloat32 converts a float16 (uint16) to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32((h>>15)&0x1) << 31
	exp := uint32((h >> 10) & 0x1F)
	mant := uint32(h & 0x3FF)

	var outBits uint32
	switch exp {
	case 0:
		if mant == 0 {
			outBits = sign
		} else {
			// Normalise the half subnormal.
			e := uint32(127 - 15 + 1)
			for mant&0x400 == 0 {
				mant <<= 1
				e--
			}
			mant &= 0x3FF
			outBits = sign | (e << 23) | (mant << 13)
		}
	case 0x1F:
		outBits = sign | 0x7F800000 | (mant << 13)
	default:
		outBits = sign | ((exp - 15 + 127) << 23) | (mant << 13)
	}
	return math.Float32frombits(outBits)
}

// RoundHalf rounds v through float16 precision and back. The reduced-precision
// training policy applies this to activations while keeping the loss in full
// precision.
func RoundHalf(v float32) float32 {
	return Float16ToFloat32(Float32ToFloat16(v))
}

// RoundHalfSlice applies RoundHalf to every element of x in place.
func RoundHalfSlice(x []float32) {
	for i := range x {
		x[i] = RoundHalf(x[i])
	}
}
