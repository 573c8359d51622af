package shuffle

import (
	"encoding/binary"

	"github.com/23skdu/longbow-tilize/internal/tensor"
)

// vectorPass moves columns [0, VecCols) of every row of one plane.
func vectorPass(c *Context, dst, src []byte) {
	switch c.Stride {
	case 1:
		copyRows(c, dst, src)
	case 2, 4:
		deinterleave(c, dst, src)
	default:
		indexed(c, dst, src)
	}
}

func copyRows(c *Context, dst, src []byte) {
	wp, item := c.Padded[tensor.DimC], c.ItemSize
	n := c.VecCols * item
	for y := 0; y < c.Padded[tensor.DimR]; y++ {
		off := y * wp * item
		copy(dst[off:off+n], src[off:off+n])
	}
}

// deinterleave splits each row into its S column phases.
func deinterleave(c *Context, dst, src []byte) {
	s, item := c.Stride, c.ItemSize
	wp := c.Padded[tensor.DimC]
	ho, wo := c.Out[tensor.DimR], c.Out[tensor.DimC]
	n := c.VecCols / s
	for y := 0; y < c.Padded[tensor.DimR]; y++ {
		row := src[y*wp*item : (y+1)*wp*item]
		for px := 0; px < s; px++ {
			base := (((y%s)*s+px)*ho*wo + (y/s)*wo) * item
			gather(dst[base:base+n*item], row[px*item:], n, s, item)
		}
	}
}

// gather copies n elements taken every stride elements of src.
func gather(dst, src []byte, n, stride, item int) {
	step := stride * item
	switch item {
	case 1:
		for i := 0; i < n; i++ {
			dst[i] = src[i*step]
		}
	case 2:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(dst[2*i:], binary.LittleEndian.Uint16(src[i*step:]))
		}
	case 4:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(dst[4*i:], binary.LittleEndian.Uint32(src[i*step:]))
		}
	default:
		for i := 0; i < n; i++ {
			copy(dst[i*item:(i+1)*item], src[i*step:i*step+item])
		}
	}
}

// indexed moves the vector columns through the index table.
func indexed(c *Context, dst, src []byte) {
	wp, item := c.Padded[tensor.DimC], c.ItemSize
	for y := 0; y < c.Padded[tensor.DimR]; y++ {
		for x := 0; x < c.VecCols; x++ {
			s := (y*wp + x) * item
			d := int(c.Table[y*wp+x]) * item
			copy(dst[d:d+item], src[s:s+item])
		}
	}
}

// scalarPass moves the row tails one element at a time.
func scalarPass(c *Context, dst, src []byte) {
	item := c.ItemSize
	for _, p := range c.Scalar {
		s, d := int(p.Src)*item, int(p.Dst)*item
		copy(dst[d:d+item], src[s:s+item])
	}
}
