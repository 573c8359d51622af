package geometry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-tilize/internal/codec"
	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/tensor"
)

func testDesc(f format.DataFormat, qh int) *Descriptor {
	return &Descriptor{
		Name:       "in0",
		Layout:     Tilized,
		Format:     f,
		QuadHeight: qh,
		Slots:      8,
		UBlock:     UBlock{RT: 1, CT: 1},
		MBlock:     MBlock{M: 1, N: 1},
		Grid:       GridShape{Rows: 1, Cols: 1},
		Cells:      []Cell{{Device: 0, Channel: 0, Address: 0x1000}},
	}
}

func iota32(shape [4]int) tensor.View {
	v := tensor.New(shape, format.Float32)
	for i := 0; i < v.NumElements(); i++ {
		binary.LittleEndian.PutUint32(v.Data[4*i:], math.Float32bits(float32(i+1)))
	}
	return v
}

func TestQuadSize(t *testing.T) {
	tests := []struct {
		layout Layout
		f      format.DataFormat
		qh     int
		want   int
	}{
		{Tilized, format.Float32, 32, 4128},
		{Tilized, format.Float16, 32, 2080},
		{Tilized, format.Float16_b, 32, 2080},
		{Tilized, format.Bfp8_b, 32, 1120},
		{Tilized, format.Bfp8, 32, 1120},
		{Tilized, format.Bfp4, 32, 608},
		{Tilized, format.Bfp2_b, 32, 352},
		{Tilized, format.Bfp8_b, 16, 576},
		{Tilized, format.Float16, 1, 96},
		{Flat, format.Float32, 32, 4096},
		{MegaRow, format.Float32, 4, 544},
	}
	for _, tt := range tests {
		if got := QuadSizeFor(tt.layout, tt.f, tt.qh); got != tt.want {
			t.Errorf("QuadSizeFor(%v, %v, %d) = %d, want %d", tt.layout, tt.f, tt.qh, got, tt.want)
		}
		if got := QuadSizeFor(tt.layout, tt.f, tt.qh); got%Alignment != 0 {
			t.Errorf("quad size %d not aligned", got)
		}
	}
}

func TestBuildSingleBfp8Tile(t *testing.T) {
	g, err := Build(testDesc(format.Bfp8_b, 32), [4]int{1, 1, 32, 32}, format.Float32)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.QuadsPerEntry != 1 {
		t.Errorf("QuadsPerEntry = %d, want 1", g.QuadsPerEntry)
	}
	if g.QuadSize != 1120 {
		t.Errorf("QuadSize = %d, want 1120", g.QuadSize)
	}
	if g.ExpBytes != 64 || g.PayloadOffset != 80 || g.PayloadBytes != 1024 {
		t.Errorf("layout exp=%d payload@%d+%d", g.ExpBytes, g.PayloadOffset, g.PayloadBytes)
	}
	if !g.ExponentFirst || !g.SharedExponent {
		t.Error("tilized bfp should place shared exponents first")
	}
	if g.QueueBytes() != QueueHeaderSize+8*1120 {
		t.Errorf("QueueBytes = %d", g.QueueBytes())
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Descriptor)
		shape  [4]int
		host   format.DataFormat
		want   error
	}{
		{"grid does not divide", func(d *Descriptor) {
			d.Grid = GridShape{Rows: 3, Cols: 1}
			d.Cells = []Cell{{Address: 1}, {Address: 2}, {Address: 3}}
		}, [4]int{1, 1, 32, 32}, format.Float32, ErrShapeMismatch},
		{"tile count mismatch", func(d *Descriptor) {}, [4]int{1, 1, 64, 32}, format.Float32, ErrShapeMismatch},
		{"bfp in flat layout", func(d *Descriptor) { d.Layout = Flat }, [4]int{1, 1, 32, 32}, format.Float32, ErrUnsupportedFormat},
		{"unsupported pair", func(d *Descriptor) {}, [4]int{1, 1, 32, 32}, format.Int8, codec.ErrUnsupportedConversion},
		{"bad quad height", func(d *Descriptor) { d.QuadHeight = 3 }, [4]int{1, 1, 32, 32}, format.Float32, ErrMisaligned},
		{"cell count", func(d *Descriptor) { d.Cells = nil }, [4]int{1, 1, 32, 32}, format.Float32, ErrInvalidDescriptor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDesc(format.Bfp8_b, 32)
			tt.mutate(d)
			_, err := Build(d, tt.shape, tt.host)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeQuadFaceOrder(t *testing.T) {
	g, err := Build(testDesc(format.Float32, 32), [4]int{1, 1, 32, 32}, format.Float32)
	if err != nil {
		t.Fatal(err)
	}
	v := iota32(g.Shape)
	q := g.QuadBytes(v, 0, Coord{}, codec.Options{})

	if got := binary.LittleEndian.Uint32(q); got != uint32(g.QuadSize/HeaderUnit) {
		t.Errorf("header size field = %d, want %d", got, g.QuadSize/HeaderUnit)
	}
	faceBytes := FaceDim * FaceDim * 4
	for r := 0; r < 32; r++ {
		for c := 0; c < 32; c++ {
			face := (r/FaceDim)*FacesX + c/FaceDim
			off := g.PayloadOffset + face*faceBytes + (r%FaceDim)*FaceDim*4 + (c%FaceDim)*4
			got := math.Float32frombits(binary.LittleEndian.Uint32(q[off:]))
			if want := float32(r*32 + c + 1); got != want {
				t.Fatalf("(%d,%d) at %d = %v, want %v", r, c, off, got, want)
			}
		}
	}
	if tail := q[g.PayloadOffset+g.PayloadBytes:]; !bytes.Equal(tail, make([]byte, len(tail))) {
		t.Error("alignment trailer not zero")
	}
}

func TestEncodeQuadPartialMatchesZeroPadded(t *testing.T) {
	for _, f := range []format.DataFormat{format.Float32, format.Bfp8_b, format.Bfp4, format.Float16_b} {
		t.Run(f.String(), func(t *testing.T) {
			small := iota32([4]int{1, 1, 20, 23})
			padded := tensor.New([4]int{1, 1, 32, 32}, format.Float32)
			for r := 0; r < 20; r++ {
				copy(padded.Data[r*32*4:], small.Data[r*23*4:(r+1)*23*4])
			}

			gs, err := Build(testDesc(f, 32), small.Shape, format.Float32)
			if err != nil {
				t.Fatal(err)
			}
			gp, err := Build(testDesc(f, 32), padded.Shape, format.Float32)
			if err != nil {
				t.Fatal(err)
			}
			a := gs.QuadBytes(small, 0, Coord{}, codec.Options{})
			b := gp.QuadBytes(padded, 0, Coord{}, codec.Options{})
			if !bytes.Equal(a, b) {
				t.Error("partial tile differs from explicitly zero-padded tile")
			}
		})
	}
}

func TestCellOrigins(t *testing.T) {
	d := testDesc(format.Float16_b, 32)
	d.Grid = GridShape{Rows: 2, Cols: 2}
	d.Cells = []Cell{{Address: 0}, {Address: 1}, {Address: 2}, {Address: 3}}
	g, err := Build(d, [4]int{1, 1, 64, 64}, format.Float32)
	if err != nil {
		t.Fatal(err)
	}
	r, c := g.CellOrigin(3)
	if r != 32 || c != 32 {
		t.Errorf("cell 3 origin = (%d,%d), want (32,32)", r, c)
	}
	r, c = g.QuadOrigin(1, Coord{})
	if r != 0 || c != 32 {
		t.Errorf("cell 1 quad origin = (%d,%d), want (0,32)", r, c)
	}
}

func TestOdometerStrides(t *testing.T) {
	d := testDesc(format.Float32, 16)
	d.UBlock = UBlock{RT: 2, CT: 2}
	d.MBlock = MBlock{M: 1, N: 2}
	g, err := Build(d, [4]int{3, 2, 32, 128}, format.Float32)
	if err != nil {
		t.Fatal(err)
	}
	want := Limits{TileX: 2, TileY: 2, SubX: 2, SubY: 1, Z: 2, W: 3}
	if g.Limits != want {
		t.Errorf("Limits = %+v, want %+v", g.Limits, want)
	}
	if g.Strides.TileY != 16*128*4 || g.Strides.SubX != 2*32*4 || g.Strides.W != 2*32*128*4 {
		t.Errorf("Strides = %+v", g.Strides)
	}
	if g.QuadsPerEntry != 16 || g.Tiles() != 48 {
		t.Errorf("QuadsPerEntry = %d Tiles = %d", g.QuadsPerEntry, g.Tiles())
	}
	r, c := g.QuadOrigin(0, Coord{TileX: 1, TileY: 1, SubX: 1})
	if r != 16 || c != 96 {
		t.Errorf("QuadOrigin = (%d,%d), want (16,96)", r, c)
	}
}

func TestMegaRowIsRowMajor(t *testing.T) {
	d := testDesc(format.Float32, 2)
	d.Layout = MegaRow
	g, err := Build(d, [4]int{1, 1, 2, 32}, format.Float32)
	if err != nil {
		t.Fatal(err)
	}
	v := iota32(g.Shape)
	q := g.QuadBytes(v, 0, Coord{}, codec.Options{})
	if !bytes.Equal(q[g.PayloadOffset:g.PayloadOffset+len(v.Data)], v.Data) {
		t.Error("megarow payload should equal the row-major source")
	}
}

func TestPrefillUnaryExponents(t *testing.T) {
	g, err := Build(testDesc(format.Int8, 8), [4]int{1, 1, 8, 32}, format.Int8)
	if err != nil {
		t.Fatal(err)
	}
	q := make([]byte, g.QuadSize)
	for i := range q {
		q[i] = 0xee
	}
	g.PrefillQuad(q)
	for i := 0; i < g.ExpBytes; i++ {
		want := byte(0)
		if i < 8*FacesX {
			want = format.UnaryExponent
		}
		if q[g.ExpOffset+i] != want {
			t.Fatalf("exponent byte %d = %d, want %d", i, q[g.ExpOffset+i], want)
		}
	}
}

func TestCacheRebuildsOnShapeChange(t *testing.T) {
	c := NewCache()
	d := testDesc(format.Bfp8_b, 32)

	g1, built, err := c.Get(d, [4]int{1, 1, 32, 32}, format.Float32)
	if err != nil || !built {
		t.Fatalf("first Get: built=%v err=%v", built, err)
	}
	g2, built, err := c.Get(d, [4]int{1, 1, 32, 32}, format.Float32)
	if err != nil || built || g1 != g2 {
		t.Fatalf("second Get should hit the cache: built=%v err=%v", built, err)
	}
	_, built, err = c.Get(d, [4]int{2, 1, 32, 32}, format.Float32)
	if err != nil || !built {
		t.Fatalf("batch change should rebuild: built=%v err=%v", built, err)
	}
	if c.Len() != 1 {
		t.Errorf("cache holds %d grids, want 1", c.Len())
	}
}
