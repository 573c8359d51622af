package geometry

import (
	"encoding/binary"
	"fmt"

	"github.com/23skdu/longbow-tilize/internal/codec"
	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/tensor"
)

// Coord is a position of the entry odometer.
type Coord struct {
	TileX, TileY, SubX, SubY, Z, W int
}

// QuadOrigin returns the host row and column of the quad at c in cell i.
func (g *Grid) QuadOrigin(i int, c Coord) (row, col int) {
	r0, c0 := g.CellOrigin(i)
	row = r0 + (c.SubY*g.Limits.TileY+c.TileY)*g.QuadHeight
	col = c0 + (c.SubX*g.Limits.TileX+c.TileX)*TileDim
	return row, col
}

// PrefillQuad writes the parts of a quad that do not depend on tensor
// data: the header, zeroed padding and, for unary exponent formats, the
// constant exponents.
func (g *Grid) PrefillQuad(dst []byte) {
	dst = dst[:g.QuadSize]
	clear(dst)
	if g.HeaderSize > 0 {
		binary.LittleEndian.PutUint32(dst, uint32(g.QuadSize/HeaderUnit))
	}
	if g.Conversion.Unary {
		exps := dst[g.ExpOffset : g.ExpOffset+g.QuadHeight*FacesX]
		for i := range exps {
			exps[i] = format.UnaryExponent
		}
	}
}

// EncodeQuad converts the quad at c in cell i of v into dst. When
// prefilled is set dst already holds the output of PrefillQuad and only
// tensor-dependent bytes are written. v must be a dense view matching the
// grid's shape.
func (g *Grid) EncodeQuad(dst []byte, v tensor.View, i int, c Coord, prefilled bool, opt codec.Options) {
	if len(dst) < g.QuadSize {
		panic(fmt.Sprintf("geometry: quad buffer of %d bytes, need %d", len(dst), g.QuadSize))
	}
	if !prefilled {
		g.PrefillQuad(dst)
	}
	opt.ExponentsPreloaded = g.Conversion.Unary

	row0, col0 := g.QuadOrigin(i, c)
	cr0, cc0 := g.CellOrigin(i)
	rowEnd, colEnd := cr0+g.CellRows, cc0+g.CellCols
	rowBytes := codec.RowBytes(g.DeviceFormat)

	face := func(fr, fc, rows int) codec.Face {
		f := codec.Face{Rows: rows}
		vr := min(rows, rowEnd-fr)
		vc := min(FaceDim, colEnd-fc)
		if vr > 0 && vc > 0 {
			f.ValidRows, f.ValidCols = vr, vc
			f.Src = v.Data[v.Offset(c.W, c.Z, fr, fc):]
			f.SrcStride = v.Strides[tensor.DimR]
		}
		return f
	}

	if g.Layout != Tilized {
		// Row-major quad: each quad row is FacesX face rows side by side.
		for r := 0; r < g.QuadHeight; r++ {
			for fx := 0; fx < FacesX; fx++ {
				off := g.PayloadOffset + (r*FacesX+fx)*rowBytes
				g.Conversion.Fn(dst[off:off+rowBytes], nil, face(row0+r, col0+fx*FaceDim, 1), opt)
			}
		}
		return
	}

	faceBytes := g.FaceRows * rowBytes
	for fy := 0; fy < g.FacesY; fy++ {
		for fx := 0; fx < FacesX; fx++ {
			k := fy*FacesX + fx
			off := g.PayloadOffset + k*faceBytes
			var exp []byte
			if g.SharedExponent {
				exp = dst[g.ExpOffset+k*g.FaceRows : g.ExpOffset+(k+1)*g.FaceRows]
			}
			g.Conversion.Fn(dst[off:off+faceBytes], exp, face(row0+fy*FaceDim, col0+fx*FaceDim, g.FaceRows), opt)
		}
	}
}

// QuadBytes returns a fresh buffer holding the quad at c in cell i.
func (g *Grid) QuadBytes(v tensor.View, i int, c Coord, opt codec.Options) []byte {
	dst := make([]byte, g.QuadSize)
	g.EncodeQuad(dst, v, i, c, false, opt)
	return dst
}
