package tensor

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tilize/internal/format"
)

// Dimension indices of a 4-D host tensor.
const (
	DimW = iota
	DimZ
	DimR
	DimC
)

var ErrInvalidView = errors.New("invalid tensor view")

// View is a read-only description of a host tensor owned by the caller.
// Strides are in bytes. Data is borrowed for the duration of a single call.
type View struct {
	Shape    [4]int
	Format   format.DataFormat
	ItemSize int
	Strides  [4]int
	Data     []byte
}

// Contiguous builds a row-major view over data.
func Contiguous(shape [4]int, f format.DataFormat, data []byte) View {
	item := f.ItemSize()
	var strides [4]int
	strides[DimC] = item
	strides[DimR] = shape[DimC] * item
	strides[DimZ] = shape[DimR] * strides[DimR]
	strides[DimW] = shape[DimZ] * strides[DimZ]
	return View{Shape: shape, Format: f, ItemSize: item, Strides: strides, Data: data}
}

// New allocates a zeroed row-major tensor.
func New(shape [4]int, f format.DataFormat) View {
	n := shape[0] * shape[1] * shape[2] * shape[3]
	return Contiguous(shape, f, make([]byte, n*f.ItemSize()))
}

// NumElements returns the number of logical elements.
func (v View) NumElements() int {
	return v.Shape[0] * v.Shape[1] * v.Shape[2] * v.Shape[3]
}

// Validate checks that shape, item size and strides are consistent and that
// Data covers every addressed element.
func (v View) Validate() error {
	if !v.Format.Valid() {
		return fmt.Errorf("%w: format %v", ErrInvalidView, v.Format)
	}
	if v.ItemSize <= 0 || v.ItemSize != v.Format.ItemSize() {
		return fmt.Errorf("%w: itemsize %d for %v", ErrInvalidView, v.ItemSize, v.Format)
	}
	for d, n := range v.Shape {
		if n <= 0 {
			return fmt.Errorf("%w: dim %d is %d", ErrInvalidView, d, n)
		}
	}
	if v.Strides[DimC] < v.ItemSize {
		return fmt.Errorf("%w: column stride %d below itemsize %d", ErrInvalidView, v.Strides[DimC], v.ItemSize)
	}
	// Each outer stride must step over the full extent of the next inner dim.
	for d := DimR; d >= DimW; d-- {
		inner := v.Strides[d+1] * v.Shape[d+1]
		if v.Shape[d] > 1 && v.Strides[d] < inner {
			return fmt.Errorf("%w: stride[%d]=%d overlaps inner extent %d", ErrInvalidView, d, v.Strides[d], inner)
		}
	}
	last := v.Offset(v.Shape[0]-1, v.Shape[1]-1, v.Shape[2]-1, v.Shape[3]-1) + v.ItemSize
	if last > len(v.Data) {
		return fmt.Errorf("%w: data holds %d bytes, view addresses %d", ErrInvalidView, len(v.Data), last)
	}
	return nil
}

// Offset returns the byte offset of element (w, z, r, c) without checks.
func (v View) Offset(w, z, r, c int) int {
	return w*v.Strides[DimW] + z*v.Strides[DimZ] + r*v.Strides[DimR] + c*v.Strides[DimC]
}

// At returns the bytes of element (w, z, r, c), checking bounds.
func (v View) At(w, z, r, c int) ([]byte, error) {
	idx := [4]int{w, z, r, c}
	for d, i := range idx {
		if i < 0 || i >= v.Shape[d] {
			return nil, fmt.Errorf("index %v out of range for shape %v", idx, v.Shape)
		}
	}
	off := v.Offset(w, z, r, c)
	return v.Data[off : off+v.ItemSize], nil
}

// Row returns the bytes from the first element of row (w, z, r) to the end
// of the data. Only the first Shape[C] elements, at stride Strides[C],
// belong to the row.
func (v View) Row(w, z, r int) []byte {
	return v.Data[v.Offset(w, z, r, 0):]
}

// IsContiguous reports whether the view is dense row-major.
func (v View) IsContiguous() bool {
	c := Contiguous(v.Shape, v.Format, nil)
	return c.Strides == v.Strides
}

// Compact returns a dense row-major copy of v, or v itself when it is
// already dense.
func (v View) Compact() View {
	if v.IsContiguous() {
		return v
	}
	out := New(v.Shape, v.Format)
	rowBytes := v.Shape[DimC] * v.ItemSize
	for w := 0; w < v.Shape[DimW]; w++ {
		for z := 0; z < v.Shape[DimZ]; z++ {
			for r := 0; r < v.Shape[DimR]; r++ {
				dst := out.Data[out.Offset(w, z, r, 0) : out.Offset(w, z, r, 0)+rowBytes]
				if v.Strides[DimC] == v.ItemSize {
					copy(dst, v.Row(w, z, r)[:rowBytes])
					continue
				}
				for c := 0; c < v.Shape[DimC]; c++ {
					src := v.Offset(w, z, r, c)
					copy(dst[c*v.ItemSize:(c+1)*v.ItemSize], v.Data[src:src+v.ItemSize])
				}
			}
		}
	}
	return out
}

// Slice returns the sub-view covering batch entries [w0, w1).
func (v View) Slice(w0, w1 int) View {
	out := v
	out.Shape[DimW] = w1 - w0
	out.Data = v.Data[w0*v.Strides[DimW]:]
	return out
}
