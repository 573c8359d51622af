package codec

import (
	"math"

	"github.com/x448/float16"
)

const (
	f32SignMask = 0x80000000
	f32ExpMask  = 0x7f800000
	f32MantMask = 0x007fffff
)

// roundMantissa reduces a float32 bit pattern to keep mantissa bits.
// Zero and denormal inputs flush to signed zero. Rounding is to nearest
// even; a carry out of the mantissa correctly bumps the exponent.
func roundMantissa(b uint32, keep int, truncate bool) uint32 {
	drop := uint(23 - keep)
	exp := b & f32ExpMask
	switch exp {
	case 0:
		return b & f32SignMask
	case f32ExpMask:
		if b&f32MantMask != 0 {
			// Keep NaNs quiet after truncation.
			return (b | 1<<22) &^ (1<<drop - 1)
		}
		return b
	}
	if !truncate {
		b += (1<<(drop-1) - 1) + (b>>drop)&1
	}
	return b &^ (1<<drop - 1)
}

// f32ToF16 narrows to the 5-bit exponent half format: the exponent is
// re-biased from 127 to 15 and the mantissa rounded from 23 to 10 bits.
// Results that would be denormal flush to zero; overflow becomes infinity.
func f32ToF16(b uint32, truncate bool) uint16 {
	sign := uint16(b>>16) & 0x8000
	exp := int((b >> 23) & 0xff)
	mant := b & f32MantMask

	if exp == 0xff {
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}
	if exp == 0 {
		return sign
	}
	e := exp - 127 + 15
	if !truncate {
		mant += 0xfff + (mant>>13)&1
		if mant&(1<<23) != 0 {
			mant = 0
			e++
		}
	}
	if e >= 31 {
		return sign | 0x7c00
	}
	if e <= 0 {
		return sign
	}
	return sign | uint16(e)<<10 | uint16(mant>>13)
}

// f16ToF32 widens a half to float32 bits.
func f16ToF32(h uint16) uint32 {
	return math.Float32bits(float16.Frombits(h).Float32())
}

// f32ToBf16 narrows to the 8-bit exponent half format.
func f32ToBf16(b uint32, truncate bool) uint16 {
	return uint16(roundMantissa(b, 7, truncate) >> 16)
}

func bf16ToF32(h uint16) uint32 {
	return uint32(h) << 16
}

// f32ToTf32 keeps 10 mantissa bits in a 32-bit container.
func f32ToTf32(b uint32, truncate bool) uint32 {
	return roundMantissa(b, 10, truncate)
}

// Float16ToFloat32 decodes one 5-bit exponent half.
func Float16ToFloat32(h uint16) float32 {
	return math.Float32frombits(f16ToF32(h))
}

// BFloat16ToFloat32 decodes one 8-bit exponent half.
func BFloat16ToFloat32(h uint16) float32 {
	return math.Float32frombits(bf16ToF32(h))
}
