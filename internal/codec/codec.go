// Package codec converts face rows of host tensors into device encodings.
//
// A conversion is selected once per queue grid with Select and then invoked
// once per face. Every function writes Rows full face rows to dst; rows at
// or beyond ValidRows and columns at or beyond ValidCols are written as
// zero so a partial face still produces fully defined bytes.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/23skdu/longbow-tilize/internal/format"
)

// Face geometry.
const (
	FaceWidth  = 16
	FaceHeight = 16
)

var (
	ErrUnsupportedConversion = errors.New("unsupported conversion")
	ErrPlaceholderConversion = errors.New("conversion must be routed through an intermediate format")
)

// Face is the source window of one face. Src starts at the first element of
// the face's first row; columns are packed at the source item size.
type Face struct {
	Src       []byte
	SrcStride int
	Rows      int
	ValidRows int
	ValidCols int
}

// Options tune a single conversion call.
type Options struct {
	// Truncate drops mantissa bits instead of rounding to nearest.
	Truncate bool
	// ExponentsPreloaded skips writing constant exponents that the caller
	// filled in ahead of time.
	ExponentsPreloaded bool
}

// Func converts one face. dst receives Rows*RowBytes(To) bytes; exp receives
// one byte per row when the destination has a shared exponent.
type Func func(dst, exp []byte, f Face, opt Options)

// Spec pairs a source and destination format with its transform.
type Spec struct {
	From, To       format.DataFormat
	Fn             Func
	SharedExponent bool
	// Unary is set when the shared exponent is the constant UnaryExponent.
	Unary bool
	// Parallel reports whether the conversion is worth splitting across
	// worker threads.
	Parallel    bool
	Placeholder bool
	Note        string
}

// RowBytes returns the payload bytes of one face row in f.
func RowBytes(f format.DataFormat) int {
	return f.PayloadBytes(FaceWidth)
}

type pair struct{ from, to format.DataFormat }

var table = map[pair]Spec{}

func register(s Spec) {
	table[pair{s.From, s.To}] = s
}

// Select returns the conversion from -> to. Placeholders and missing pairs
// are configuration errors.
func Select(from, to format.DataFormat) (Spec, error) {
	s, ok := table[pair{from, to}]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %v -> %v", ErrUnsupportedConversion, from, to)
	}
	if s.Placeholder {
		return Spec{}, fmt.Errorf("%w: %v -> %v (%s)", ErrPlaceholderConversion, from, to, s.Note)
	}
	return s, nil
}

// Lookup returns the table entry for from -> to, placeholders included.
func Lookup(from, to format.DataFormat) (Spec, bool) {
	s, ok := table[pair{from, to}]
	return s, ok
}

// Specs lists every registered conversion ordered by (From, To).
func Specs() []Spec {
	out := make([]Spec, 0, len(table))
	for _, s := range table {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func init() {
	for _, f := range []format.DataFormat{
		format.Float32, format.Tf32, format.Float16, format.Float16_b,
		format.Int32, format.RawUInt8, format.RawUInt16, format.RawUInt32,
	} {
		register(Spec{
			From: f, To: f,
			Fn:       copyFace(f.ItemSize()),
			Parallel: !f.IsRaw() && f != format.Int32,
			Note:     "verbatim copy",
		})
	}

	register(Spec{From: format.Float32, To: format.Float16, Fn: narrowF16, Parallel: true,
		Note: "rebias 127->15, round mantissa to 10 bits, flush denormals"})
	register(Spec{From: format.Float32, To: format.Float16_b, Fn: narrowBf16, Parallel: true,
		Note: "keep upper 16 bits, round to nearest even"})
	register(Spec{From: format.Float32, To: format.Tf32, Fn: narrowTf32, Parallel: true,
		Note: "round mantissa to 10 bits"})
	register(Spec{From: format.Tf32, To: format.Float16_b, Fn: narrowBf16, Parallel: true,
		Note: "keep upper 16 bits, round to nearest even"})
	register(Spec{From: format.Float16, To: format.Float32, Fn: widen(format.Float16), Parallel: true,
		Note: "exact widening"})
	register(Spec{From: format.Float16_b, To: format.Float32, Fn: widen(format.Float16_b), Parallel: true,
		Note: "exact widening"})

	register(Spec{From: format.Float16, To: format.Float16_b, Fn: placeholder(format.Float16, format.Float16_b),
		Placeholder: true, Note: "widen to Float32 first"})
	register(Spec{From: format.Float16_b, To: format.Float16, Fn: placeholder(format.Float16_b, format.Float16),
		Placeholder: true, Note: "widen to Float32 first"})

	bfp := []format.DataFormat{
		format.Bfp8, format.Bfp8_b, format.Bfp4, format.Bfp4_b, format.Bfp2, format.Bfp2_b,
	}
	for _, from := range []format.DataFormat{format.Float32, format.Tf32, format.Float16, format.Float16_b} {
		for _, to := range bfp {
			if from == format.Float16_b && to.FamilyA() {
				register(Spec{From: from, To: to, Fn: placeholder(from, to), SharedExponent: true,
					Placeholder: true, Note: "exponent family mismatch, widen to Float32 first"})
				continue
			}
			register(Spec{From: from, To: to, Fn: encodeBfp(from, to), SharedExponent: true, Parallel: true,
				Note: "shared exponent per face row"})
		}
	}

	register(Spec{From: format.Int8, To: format.Int8, Fn: int8Face, SharedExponent: true, Unary: true,
		Parallel: true, Note: "sign-magnitude with constant exponent"})
}

func placeholder(from, to format.DataFormat) Func {
	return func([]byte, []byte, Face, Options) {
		panic(fmt.Sprintf("codec: placeholder conversion %v -> %v invoked", from, to))
	}
}

func copyFace(item int) Func {
	rowBytes := FaceWidth * item
	return func(dst, _ []byte, f Face, _ Options) {
		for r := 0; r < f.Rows; r++ {
			out := dst[r*rowBytes : (r+1)*rowBytes]
			n := 0
			if r < f.ValidRows {
				n = copy(out[:f.ValidCols*item], f.Src[r*f.SrcStride:])
			}
			clear(out[n:])
		}
	}
}

// loadRow widens row r of a float face to float32 bit patterns.
func loadRow(row *[FaceWidth]uint32, from format.DataFormat, f Face, r int) {
	*row = [FaceWidth]uint32{}
	if r >= f.ValidRows {
		return
	}
	src := f.Src[r*f.SrcStride:]
	switch from {
	case format.Float32, format.Tf32:
		for c := 0; c < f.ValidCols; c++ {
			row[c] = binary.LittleEndian.Uint32(src[4*c:])
		}
	case format.Float16:
		for c := 0; c < f.ValidCols; c++ {
			row[c] = f16ToF32(binary.LittleEndian.Uint16(src[2*c:]))
		}
	case format.Float16_b:
		for c := 0; c < f.ValidCols; c++ {
			row[c] = bf16ToF32(binary.LittleEndian.Uint16(src[2*c:]))
		}
	default:
		panic(fmt.Sprintf("codec: %v is not a float source", from))
	}
}

func narrowF16(dst, _ []byte, f Face, opt Options) {
	var row [FaceWidth]uint32
	for r := 0; r < f.Rows; r++ {
		loadRow(&row, format.Float32, f, r)
		out := dst[r*2*FaceWidth:]
		for c, b := range row {
			binary.LittleEndian.PutUint16(out[2*c:], f32ToF16(b, opt.Truncate))
		}
	}
}

func narrowBf16(dst, _ []byte, f Face, opt Options) {
	var row [FaceWidth]uint32
	for r := 0; r < f.Rows; r++ {
		loadRow(&row, format.Float32, f, r)
		out := dst[r*2*FaceWidth:]
		for c, b := range row {
			binary.LittleEndian.PutUint16(out[2*c:], f32ToBf16(b, opt.Truncate))
		}
	}
}

func narrowTf32(dst, _ []byte, f Face, opt Options) {
	var row [FaceWidth]uint32
	for r := 0; r < f.Rows; r++ {
		loadRow(&row, format.Float32, f, r)
		out := dst[r*4*FaceWidth:]
		for c, b := range row {
			binary.LittleEndian.PutUint32(out[4*c:], f32ToTf32(b, opt.Truncate))
		}
	}
}

func widen(from format.DataFormat) Func {
	return func(dst, _ []byte, f Face, _ Options) {
		var row [FaceWidth]uint32
		for r := 0; r < f.Rows; r++ {
			loadRow(&row, from, f, r)
			out := dst[r*4*FaceWidth:]
			for c, b := range row {
				binary.LittleEndian.PutUint32(out[4*c:], b)
			}
		}
	}
}

func encodeBfp(from, to format.DataFormat) Func {
	p := paramsFor(to)
	bits := to.Bits()
	rowBytes := RowBytes(to)
	return func(dst, exp []byte, f Face, opt Options) {
		var row [FaceWidth]uint32
		for r := 0; r < f.Rows; r++ {
			loadRow(&row, from, f, r)
			codes, shared := encodeBfpRow(&row, p, opt.Truncate)
			packCodes(dst[r*rowBytes:], &codes, bits)
			exp[r] = shared
		}
	}
}

func int8Face(dst, exp []byte, f Face, opt Options) {
	for r := 0; r < f.Rows; r++ {
		out := dst[r*FaceWidth : (r+1)*FaceWidth]
		c := 0
		if r < f.ValidRows {
			src := f.Src[r*f.SrcStride:]
			for ; c < f.ValidCols; c++ {
				out[c] = int8ToSignMagnitude(int8(src[c]))
			}
		}
		clear(out[c:])
		if !opt.ExponentsPreloaded {
			exp[r] = format.UnaryExponent
		}
	}
}
