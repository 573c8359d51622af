package codec

import "github.com/23skdu/longbow-tilize/internal/format"

// Clamp range of the unbiased exponent for the 5-bit exponent family.
const (
	minExpA = -15
	maxExpA = 16
)

// bfpParams describes one shared-exponent destination.
type bfpParams struct {
	mbits   int  // mantissa bits including the explicit leading one
	familyA bool // rebias to 5-bit exponent with clamping
}

func paramsFor(f format.DataFormat) bfpParams {
	return bfpParams{mbits: f.MantissaBits(), familyA: f.FamilyA()}
}

// encodeBfpRow converts one face row of float32 bit patterns into
// sign|mantissa codes sharing a single exponent.
//
// Codes are mbits+1 wide with the sign in the top bit. Zero and denormal
// inputs, and family A inputs below the clamp range, encode as 0. NaN and
// infinity saturate to the largest representable magnitude.
func encodeBfpRow(row *[FaceWidth]uint32, p bfpParams, truncate bool) (codes [FaceWidth]uint8, shared uint8) {
	var (
		exps   [FaceWidth]int
		mants  [FaceWidth]uint32
		zero   [FaceWidth]bool
		maxExp int
	)

	for i, b := range row {
		e := int(b>>23) & 0xff
		m := b & f32MantMask
		if e == 0 {
			zero[i] = true
			continue
		}
		if e == 0xff {
			e = 0xfe
			m = f32MantMask
		}
		if p.familyA {
			ue := e - format.BiasB
			if ue < minExpA {
				zero[i] = true
				continue
			}
			if ue > maxExpA {
				ue = maxExpA
				m = f32MantMask
			}
			e = ue + format.BiasA
		}
		exps[i] = e
		mants[i] = m
		if e > maxExp {
			maxExp = e
		}
	}

	limit := uint32(1)<<p.mbits - 1
	for i, b := range row {
		if zero[i] {
			continue
		}
		// Leading one plus mbits-1 fraction bits plus one guard bit.
		v := (mants[i] | 1<<23) >> (23 - p.mbits)
		if d := maxExp - exps[i]; d >= 32 {
			v = 0
		} else {
			v >>= uint(d)
		}
		if truncate {
			v >>= 1
		} else {
			v = (v + 1) >> 1
		}
		if v > limit {
			v = limit
		}
		if v == 0 {
			continue
		}
		codes[i] = uint8(v) | uint8(b>>31)<<p.mbits
	}
	return codes, uint8(maxExp)
}

// packCodes writes codes into dst at bits per element, low bits first.
func packCodes(dst []byte, codes *[FaceWidth]uint8, bits int) {
	switch bits {
	case 8:
		copy(dst[:FaceWidth], codes[:])
	case 4:
		for i := 0; i < FaceWidth; i += 2 {
			dst[i/2] = codes[i]&0x0f | codes[i+1]<<4
		}
	case 2:
		for i := 0; i < FaceWidth; i += 4 {
			dst[i/4] = codes[i]&0x03 | (codes[i+1]&0x03)<<2 | (codes[i+2]&0x03)<<4 | codes[i+3]<<6
		}
	default:
		panic("codec: unsupported packed width")
	}
}

// unpackCodes is the inverse of packCodes.
func unpackCodes(src []byte, bits int) (codes [FaceWidth]uint8) {
	switch bits {
	case 8:
		copy(codes[:], src[:FaceWidth])
	case 4:
		for i := 0; i < FaceWidth; i += 2 {
			codes[i] = src[i/2] & 0x0f
			codes[i+1] = src[i/2] >> 4
		}
	case 2:
		for i := 0; i < FaceWidth; i++ {
			codes[i] = src[i/4] >> (2 * uint(i%4)) & 0x03
		}
	default:
		panic("codec: unsupported packed width")
	}
	return codes
}

// int8ToSignMagnitude encodes a two's complement byte in the device's
// sign-magnitude Int8 format. -128 saturates to -127.
func int8ToSignMagnitude(v int8) uint8 {
	if v >= 0 {
		return uint8(v)
	}
	if v == -128 {
		return 0xff
	}
	return 0x80 | uint8(-v)
}
