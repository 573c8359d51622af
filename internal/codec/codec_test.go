package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-tilize/internal/format"
)

func float32Face(rows [][]float32) Face {
	stride := FaceWidth * 4
	src := make([]byte, len(rows)*stride)
	for r, row := range rows {
		for c, v := range row {
			binary.LittleEndian.PutUint32(src[r*stride+4*c:], math.Float32bits(v))
		}
	}
	return Face{Src: src, SrcStride: stride, Rows: len(rows), ValidRows: len(rows), ValidCols: FaceWidth}
}

func randomRows(rng *rand.Rand, n int, lo, hi float64) [][]float32 {
	rows := make([][]float32, n)
	for r := range rows {
		rows[r] = make([]float32, FaceWidth)
		for c := range rows[r] {
			mag := lo + rng.Float64()*(hi-lo)
			if rng.Intn(2) == 0 {
				mag = -mag
			}
			rows[r][c] = float32(mag)
		}
	}
	return rows
}

func TestIdentityRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	formats := []format.DataFormat{
		format.Float32, format.Tf32, format.Float16, format.Float16_b,
		format.Int32, format.RawUInt8, format.RawUInt16, format.RawUInt32,
	}
	for _, f := range formats {
		t.Run(f.String(), func(t *testing.T) {
			spec, err := Select(f, f)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			stride := FaceWidth * f.ItemSize()
			src := make([]byte, FaceHeight*stride)
			rng.Read(src)
			dst := make([]byte, len(src))
			spec.Fn(dst, nil, Face{Src: src, SrcStride: stride, Rows: FaceHeight, ValidRows: FaceHeight, ValidCols: FaceWidth}, Options{})
			if !bytes.Equal(dst, src) {
				t.Error("identity conversion changed bytes")
			}
		})
	}
}

func TestPartialFaceIsZeroPadded(t *testing.T) {
	spec, err := Select(format.Float32, format.Float32)
	if err != nil {
		t.Fatal(err)
	}
	// Source rows are 5 elements wide.
	stride := 5 * 4
	src := bytes.Repeat([]byte{0x11}, 3*stride)
	dst := bytes.Repeat([]byte{0xAA}, FaceHeight*FaceWidth*4)
	spec.Fn(dst, nil, Face{Src: src, SrcStride: stride, Rows: FaceHeight, ValidRows: 3, ValidCols: 5}, Options{})

	for r := 0; r < FaceHeight; r++ {
		row := dst[r*FaceWidth*4 : (r+1)*FaceWidth*4]
		for i, b := range row {
			want := byte(0)
			if r < 3 && i < 5*4 {
				want = 0x11
			}
			if b != want {
				t.Fatalf("row %d byte %d = %#x, want %#x", r, i, b, want)
			}
		}
	}
}

func TestBfpSharedExponentIsRowMax(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rows := randomRows(rng, FaceHeight, 1e-3, 300)
	face := float32Face(rows)

	for _, to := range []format.DataFormat{format.Bfp8, format.Bfp8_b, format.Bfp4_b, format.Bfp2} {
		t.Run(to.String(), func(t *testing.T) {
			spec, err := Select(format.Float32, to)
			if err != nil {
				t.Fatal(err)
			}
			dst := make([]byte, FaceHeight*RowBytes(to))
			exp := make([]byte, FaceHeight)
			spec.Fn(dst, exp, face, Options{})

			for r, row := range rows {
				want := 0
				for _, v := range row {
					e := int(math.Float32bits(v)>>23) & 0xff
					if to.FamilyA() {
						e = e - format.BiasB + format.BiasA
					}
					if e > want {
						want = e
					}
				}
				if int(exp[r]) != want {
					t.Errorf("row %d shared exponent = %d, want %d", r, exp[r], want)
				}
			}
		})
	}
}

func TestBfpReconstructionError(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	rows := randomRows(rng, FaceHeight, 0.01, 4)
	face := float32Face(rows)

	formats := []format.DataFormat{
		format.Bfp8, format.Bfp8_b, format.Bfp4, format.Bfp4_b, format.Bfp2, format.Bfp2_b,
	}
	for _, to := range formats {
		for _, truncate := range []bool{false, true} {
			spec, err := Select(format.Float32, to)
			if err != nil {
				t.Fatal(err)
			}
			rb := RowBytes(to)
			dst := make([]byte, FaceHeight*rb)
			exp := make([]byte, FaceHeight)
			spec.Fn(dst, exp, face, Options{Truncate: truncate})

			for r, row := range rows {
				got := DecodeBfpRow(dst[r*rb:], exp[r], to)
				step := BfpStep(exp[r], to)
				for c, v := range row {
					if d := math.Abs(float64(v) - float64(got[c])); d > step {
						t.Errorf("%v truncate=%v row %d col %d: %v decoded as %v (err %g > %g)",
							to, truncate, r, c, v, got[c], d, step)
					}
				}
			}
		}
	}
}

func TestBfpZeros(t *testing.T) {
	spec, err := Select(format.Float32, format.Bfp8_b)
	if err != nil {
		t.Fatal(err)
	}
	row := make([]float32, FaceWidth)
	mixed := make([]float32, FaceWidth)
	for i := range mixed {
		mixed[i] = 1.25
	}
	mixed[3] = 0
	mixed[9] = float32(math.Copysign(0, -1))

	face := float32Face([][]float32{row, mixed})
	dst := make([]byte, 2*FaceWidth)
	exp := make([]byte, 2)
	spec.Fn(dst, exp, face, Options{})

	if exp[0] != 0 {
		t.Errorf("all-zero row exponent = %d, want 0", exp[0])
	}
	for i, b := range dst[FaceWidth:] {
		zero := b == 0
		if zero != (mixed[i] == 0) {
			t.Errorf("element %d code %#x for input %v", i, b, mixed[i])
		}
	}
}

func TestBfpFamilyAClamp(t *testing.T) {
	spec, err := Select(format.Float32, format.Bfp8)
	if err != nil {
		t.Fatal(err)
	}
	row := make([]float32, FaceWidth)
	row[0] = 1 << 20
	row[1] = -1 << 20
	row[2] = 1.0 / (1 << 20)

	dst := make([]byte, FaceWidth)
	exp := make([]byte, 1)
	spec.Fn(dst, exp, float32Face([][]float32{row}), Options{})

	if exp[0] != maxExpA+format.BiasA {
		t.Errorf("shared exponent = %d, want %d", exp[0], maxExpA+format.BiasA)
	}
	if dst[0] != 0x7f || dst[1] != 0xff {
		t.Errorf("saturated codes = %#x %#x, want 0x7f 0xff", dst[0], dst[1])
	}
	if dst[2] != 0 {
		t.Errorf("underflowed element code = %#x, want 0", dst[2])
	}
}

func TestBfpKnownCodes(t *testing.T) {
	tests := []struct {
		name string
		to   format.DataFormat
		vals [4]float32
		want []byte
	}{
		{"bfp8_b", format.Bfp8_b, [4]float32{1.5, -1.5, 0.75, 0}, []byte{0x60, 0xe0, 0x30, 0x00}},
		{"bfp4_b", format.Bfp4_b, [4]float32{1, -1, 1, -1}, []byte{0xc4, 0xc4}},
		{"bfp2_b", format.Bfp2_b, [4]float32{1, -1, 0, 1}, []byte{0x01 | 0x03<<2 | 0x01<<6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := Select(format.Float32, tt.to)
			if err != nil {
				t.Fatal(err)
			}
			row := make([]float32, FaceWidth)
			copy(row, tt.vals[:])
			dst := make([]byte, RowBytes(tt.to))
			exp := make([]byte, 1)
			spec.Fn(dst, exp, float32Face([][]float32{row}), Options{})
			if exp[0] != 127 {
				t.Errorf("shared exponent = %d, want 127", exp[0])
			}
			if !bytes.Equal(dst[:len(tt.want)], tt.want) {
				t.Errorf("codes = %x, want %x", dst[:len(tt.want)], tt.want)
			}
		})
	}
}

func TestNarrowFloat16MatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 10000; i++ {
		v := float32((rng.Float64()*2 - 1) * 60000)
		if math.Abs(float64(v)) < 1e-3 {
			continue
		}
		got := f32ToF16(math.Float32bits(v), false)
		want := float16.Fromfloat32(v).Bits()
		if got != want {
			t.Fatalf("f32ToF16(%v) = %#04x, want %#04x", v, got, want)
		}
	}
}

func TestNarrowFloat16Edges(t *testing.T) {
	tests := []struct {
		name     string
		in       float32
		truncate bool
		want     uint16
	}{
		{"one", 1, false, 0x3c00},
		{"denormal result flushes", 1e-6, false, 0x0000},
		{"negative denormal keeps sign", -1e-6, false, 0x8000},
		{"overflow to inf", 1e6, false, 0x7c00},
		{"tie rounds to even", math.Float32frombits(0x3f801000), false, 0x3c00},
		{"round up", math.Float32frombits(0x3f801001), false, 0x3c01},
		{"truncate", math.Float32frombits(0x3f801fff), true, 0x3c00},
		{"nan", float32(math.NaN()), false, 0x7e00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f32ToF16(math.Float32bits(tt.in), tt.truncate); got != tt.want {
				t.Errorf("got %#04x, want %#04x", got, tt.want)
			}
		})
	}
}

func TestNarrowBfloat16(t *testing.T) {
	tests := []struct {
		in       uint32
		truncate bool
		want     uint16
	}{
		{0x3f800000, false, 0x3f80},
		{0x3f808000, false, 0x3f80}, // tie, even stays
		{0x3f818000, false, 0x3f82}, // tie, odd rounds up
		{0x3f80c000, false, 0x3f81},
		{0x3f81ffff, true, 0x3f81},
		{0x00000001, false, 0x0000}, // denormal
		{0x80000001, false, 0x8000},
	}
	for _, tt := range tests {
		if got := f32ToBf16(tt.in, tt.truncate); got != tt.want {
			t.Errorf("f32ToBf16(%#08x, %v) = %#04x, want %#04x", tt.in, tt.truncate, got, tt.want)
		}
	}
}

func TestNarrowTf32(t *testing.T) {
	tests := []struct {
		in       uint32
		truncate bool
		want     uint32
	}{
		{0x3f800fff, true, 0x3f800000},
		{0x3f801000, false, 0x3f800000},
		{0x3f801001, false, 0x3f802000},
		{0x3f803000, false, 0x3f804000},
	}
	for _, tt := range tests {
		if got := f32ToTf32(tt.in, tt.truncate); got != tt.want {
			t.Errorf("f32ToTf32(%#08x, %v) = %#08x, want %#08x", tt.in, tt.truncate, got, tt.want)
		}
	}
}

func TestWidenFloat16IsExact(t *testing.T) {
	spec, err := Select(format.Float16, format.Float32)
	if err != nil {
		t.Fatal(err)
	}
	src := make([]byte, FaceWidth*2)
	vals := []uint16{0x3c00, 0xc000, 0x0001, 0x7bff, 0x8000}
	for i, h := range vals {
		binary.LittleEndian.PutUint16(src[2*i:], h)
	}
	dst := make([]byte, FaceWidth*4)
	spec.Fn(dst, nil, Face{Src: src, SrcStride: len(src), Rows: 1, ValidRows: 1, ValidCols: FaceWidth}, Options{})
	for i, h := range vals {
		got := math.Float32frombits(binary.LittleEndian.Uint32(dst[4*i:]))
		if want := Float16ToFloat32(h); got != want {
			t.Errorf("element %d = %v, want %v", i, got, want)
		}
	}
}

func TestInt8SignMagnitude(t *testing.T) {
	spec, err := Select(format.Int8, format.Int8)
	if err != nil {
		t.Fatal(err)
	}
	if !spec.Unary {
		t.Error("Int8 conversion should use a unary exponent")
	}
	in := []int8{-128, -5, 0, 7, 127, -1}
	src := make([]byte, FaceWidth)
	for i, v := range in {
		src[i] = byte(v)
	}
	face := Face{Src: src, SrcStride: FaceWidth, Rows: 2, ValidRows: 1, ValidCols: FaceWidth}

	dst := make([]byte, 2*FaceWidth)
	exp := []byte{0, 0}
	spec.Fn(dst, exp, face, Options{})
	want := []byte{0xff, 0x85, 0x00, 0x07, 0x7f, 0x81}
	if !bytes.Equal(dst[:len(want)], want) {
		t.Errorf("codes = %x, want %x", dst[:len(want)], want)
	}
	if exp[0] != format.UnaryExponent || exp[1] != format.UnaryExponent {
		t.Errorf("exponents = %v, want unary", exp)
	}
	dec := DecodeInt8Row(dst)
	if dec[1] != -5 || dec[0] != -127 {
		t.Errorf("decoded %v", dec[:6])
	}

	exp = []byte{9, 9}
	spec.Fn(dst, exp, face, Options{ExponentsPreloaded: true})
	if exp[0] != 9 {
		t.Error("preloaded exponents were overwritten")
	}
}

func TestSelectErrors(t *testing.T) {
	if _, err := Select(format.Int8, format.Bfp8); !errors.Is(err, ErrUnsupportedConversion) {
		t.Errorf("Int8->Bfp8: got %v, want ErrUnsupportedConversion", err)
	}
	for _, p := range [][2]format.DataFormat{
		{format.Float16, format.Float16_b},
		{format.Float16_b, format.Float16},
		{format.Float16_b, format.Bfp8},
	} {
		if _, err := Select(p[0], p[1]); !errors.Is(err, ErrPlaceholderConversion) {
			t.Errorf("%v->%v: got %v, want ErrPlaceholderConversion", p[0], p[1], err)
		}
	}
}

func TestPlaceholderPanics(t *testing.T) {
	spec, ok := Lookup(format.Float16, format.Float16_b)
	if !ok || !spec.Placeholder {
		t.Fatal("expected a registered placeholder")
	}
	defer func() {
		if recover() == nil {
			t.Error("placeholder conversion did not panic")
		}
	}()
	spec.Fn(make([]byte, 32), nil, Face{Rows: 1}, Options{})
}

func TestSpecsSorted(t *testing.T) {
	specs := Specs()
	if len(specs) == 0 {
		t.Fatal("empty conversion table")
	}
	for i := 1; i < len(specs); i++ {
		a, b := specs[i-1], specs[i]
		if a.From > b.From || (a.From == b.From && a.To >= b.To) {
			t.Fatalf("specs not ordered at %d: %v->%v then %v->%v", i, a.From, a.To, b.From, b.To)
		}
	}
}
