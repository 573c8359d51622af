package codec

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-tilize/internal/format"
)

// DecodeBfpRow reconstructs one face row of a shared-exponent format.
func DecodeBfpRow(src []byte, shared uint8, f format.DataFormat) [FaceWidth]float32 {
	if !f.IsBfp() {
		panic(fmt.Sprintf("codec: %v is not a block floating point format", f))
	}
	mbits := f.MantissaBits()
	bias := format.BiasB
	if f.FamilyA() {
		bias = format.BiasA
	}
	scale := int(shared) - bias - (mbits - 1)

	codes := unpackCodes(src, f.Bits())
	var out [FaceWidth]float32
	for i, c := range codes {
		m := float64(c & (1<<mbits - 1))
		v := math.Ldexp(m, scale)
		if c>>mbits&1 != 0 {
			v = -v
		}
		out[i] = float32(v)
	}
	return out
}

// BfpStep returns the weight of one mantissa unit for a row with the given
// shared exponent.
func BfpStep(shared uint8, f format.DataFormat) float64 {
	bias := format.BiasB
	if f.FamilyA() {
		bias = format.BiasA
	}
	return math.Ldexp(1, int(shared)-bias-(f.MantissaBits()-1))
}

// DecodeInt8Row returns the two's complement values of a sign-magnitude row.
func DecodeInt8Row(src []byte) [FaceWidth]int8 {
	var out [FaceWidth]int8
	for i := range out {
		v := int8(src[i] & 0x7f)
		if src[i]&0x80 != 0 {
			v = -v
		}
		out[i] = v
	}
	return out
}
