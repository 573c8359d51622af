// Package shuffle reorders a tensor's spatial data for strided convolution.
//
// Each (w, z) plane of H x W elements is padded to Hp x Wp, multiples of
// the stride S, and split into S*S polyphase planes of Hp/S x Wp/S. Plane
// (py, px) holds the elements at rows py, py+S, ... and columns px, px+S,
// ..., so a stride-S window becomes a stride-1 window over the planes. The
// output shape is (w, z*S*S, Hp/S, Wp/S).
package shuffle

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tilize/internal/simd"
	"github.com/23skdu/longbow-tilize/internal/tensor"
)

var ErrInvalidParams = errors.New("invalid shuffle parameters")

type Kernel struct {
	Rows int `yaml:"rows" json:"rows"`
	Cols int `yaml:"cols" json:"cols"`
}

// Key identifies a precomputed Context.
type Key struct {
	Shape    [4]int
	ItemSize int
	Stride   int
	Kernel   Kernel
}

// Pair maps one source element to its destination. Both are element
// offsets within a single padded plane.
type Pair struct {
	Src, Dst int32
}

// Context holds everything derived from a Key.
type Context struct {
	Key
	Padded   [4]int
	Out      [4]int
	NeedsPad bool

	// Lanes is the vector width in elements the context was built for.
	// Columns [0, VecCols) of every row go through the vector pass; the
	// remaining columns are listed in Scalar.
	Lanes   int
	VecCols int
	// FastPath is set for the strides with dedicated kernels.
	FastPath bool

	// Table maps padded plane offset y*Wp+x to its shuffled offset.
	Table  []int32
	Scalar []Pair

	// Output extent of the convolution over the padded input.
	ConvRows, ConvCols int
}

func alignUp(n, a int) int { return (n + a - 1) / a * a }

// NewContext precomputes the index tables for k at the current vector
// width.
func NewContext(k Key) (*Context, error) {
	s := k.Stride
	if s < 1 {
		return nil, fmt.Errorf("%w: stride %d", ErrInvalidParams, s)
	}
	if k.Kernel.Rows < 1 || k.Kernel.Cols < 1 {
		return nil, fmt.Errorf("%w: kernel %dx%d", ErrInvalidParams, k.Kernel.Rows, k.Kernel.Cols)
	}
	if k.ItemSize < 1 {
		return nil, fmt.Errorf("%w: itemsize %d", ErrInvalidParams, k.ItemSize)
	}
	for d, n := range k.Shape {
		if n < 1 {
			return nil, fmt.Errorf("%w: dim %d is %d", ErrInvalidParams, d, n)
		}
	}

	h, w := k.Shape[tensor.DimR], k.Shape[tensor.DimC]
	hp, wp := alignUp(h, s), alignUp(w, s)
	if hp*wp > 1<<31-1 {
		return nil, fmt.Errorf("%w: plane of %dx%d elements is too large", ErrInvalidParams, hp, wp)
	}
	c := &Context{
		Key:      k,
		Padded:   [4]int{k.Shape[tensor.DimW], k.Shape[tensor.DimZ], hp, wp},
		Out:      [4]int{k.Shape[tensor.DimW], k.Shape[tensor.DimZ] * s * s, hp / s, wp / s},
		NeedsPad: hp != h || wp != w,
		Lanes:    simd.Lanes(k.ItemSize),
		FastPath: s == 1 || s == 2 || s == 4,
	}
	chunk := s * c.Lanes
	c.VecCols = w / chunk * chunk
	if hp >= k.Kernel.Rows {
		c.ConvRows = (hp-k.Kernel.Rows)/s + 1
	}
	if wp >= k.Kernel.Cols {
		c.ConvCols = (wp-k.Kernel.Cols)/s + 1
	}

	c.Table = make([]int32, hp*wp)
	for y := 0; y < hp; y++ {
		for x := 0; x < wp; x++ {
			c.Table[y*wp+x] = int32(c.Dst(y, x))
		}
	}
	c.Scalar = make([]Pair, 0, hp*(wp-c.VecCols))
	for y := 0; y < hp; y++ {
		for x := c.VecCols; x < wp; x++ {
			src := y*wp + x
			c.Scalar = append(c.Scalar, Pair{Src: int32(src), Dst: c.Table[src]})
		}
	}
	return c, nil
}

// Dst computes the shuffled offset of padded element (y, x) directly.
func (c *Context) Dst(y, x int) int {
	s := c.Stride
	ho, wo := c.Out[tensor.DimR], c.Out[tensor.DimC]
	phase := (y%s)*s + x%s
	return phase*ho*wo + (y/s)*wo + x/s
}

// PlaneElems is the element count of one padded (w, z) plane, which is
// also the size of its group of S*S output planes.
func (c *Context) PlaneElems() int {
	return c.Padded[tensor.DimR] * c.Padded[tensor.DimC]
}
