// Package geometry computes the tile and quad layout of device queues.
package geometry

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tilize/internal/codec"
	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/tensor"
)

// Hardware constants.
const (
	TileDim    = 32
	FaceDim    = codec.FaceWidth
	FacesX     = TileDim / FaceDim
	HeaderSize = 16
	// Alignment is the minimum addressable unit of device queue memory.
	Alignment = 32
	// HeaderUnit is the granularity of the size field in a quad header.
	HeaderUnit = 16
)

// The quad width must be a whole number of faces.
var _ = [1]struct{}{}[TileDim%FaceDim]

var (
	ErrUnsupportedFormat = errors.New("format unsupported for layout")
	ErrMisaligned        = errors.New("misaligned tile geometry")
	ErrShapeMismatch     = errors.New("tensor shape does not match queue grid")
)

// Limits are the odometer extents, innermost first.
type Limits struct {
	TileX, TileY, SubX, SubY, Z, W int
}

// Strides are host byte deltas for one step along each odometer dimension.
type Strides struct {
	TileX, TileY, SubX, SubY, Z, W int
}

// Grid is the immutable layout of one queue family for one tensor
// configuration.
type Grid struct {
	Desc         *Descriptor
	Shape        [4]int
	HostFormat   format.DataFormat
	DeviceFormat format.DataFormat
	Layout       Layout

	QuadHeight int
	FaceRows   int
	FacesY     int

	// Byte layout of one quad.
	HeaderSize    int
	ExpOffset     int
	ExpBytes      int
	PayloadOffset int
	PayloadBytes  int
	QuadSize      int

	SharedExponent bool
	ExponentFirst  bool
	Conversion     codec.Spec

	// Region of the host tensor owned by each grid cell.
	CellRows, CellCols int

	Limits        Limits
	Strides       Strides
	QuadsPerEntry int
	EntrySize     int
	Slots         int
	RAM           bool
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func alignUp(n, a int) int { return ceilDiv(n, a) * a }

// QuadSizeFor returns the byte size of one quad of the given layout,
// device format and quad height.
func QuadSizeFor(layout Layout, f format.DataFormat, quadHeight int) int {
	size := f.PayloadBytes(quadHeight * TileDim)
	if layout != Flat {
		size += HeaderSize
	}
	if f.SharedExponent() {
		size += alignUp(quadHeight*FacesX, 16)
	}
	return alignUp(size, Alignment)
}

// Build computes the grid of desc for a host tensor of the given shape and
// format. The tensor is split evenly across the descriptor's cells.
func Build(desc *Descriptor, shape [4]int, host format.DataFormat) (*Grid, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	dev := desc.Format
	if desc.Layout != Tilized && dev.SharedExponent() {
		return nil, fmt.Errorf("%w: %v in %v layout", ErrUnsupportedFormat, dev, desc.Layout)
	}
	if host.ItemSize() == 0 {
		return nil, fmt.Errorf("%w: host format %v has no element size", ErrUnsupportedFormat, host)
	}
	spec, err := codec.Select(host, dev)
	if err != nil {
		return nil, err
	}

	rows, cols := shape[tensor.DimR], shape[tensor.DimC]
	if rows%desc.Grid.Rows != 0 || cols%desc.Grid.Cols != 0 {
		return nil, fmt.Errorf("%w: %dx%d not divisible by %dx%d grid of %q",
			ErrShapeMismatch, rows, cols, desc.Grid.Rows, desc.Grid.Cols, desc.Name)
	}
	cellRows, cellCols := rows/desc.Grid.Rows, cols/desc.Grid.Cols
	tilesY := ceilDiv(cellRows, desc.QuadHeight)
	tilesX := ceilDiv(cellCols, TileDim)
	if tilesY != desc.MBlock.M*desc.UBlock.RT || tilesX != desc.MBlock.N*desc.UBlock.CT {
		return nil, fmt.Errorf("%w: cell of %dx%d elements is %dx%d quads, %q expects mblock %dx%d of ublock %dx%d",
			ErrShapeMismatch, cellRows, cellCols, tilesY, tilesX, desc.Name,
			desc.MBlock.M, desc.MBlock.N, desc.UBlock.RT, desc.UBlock.CT)
	}

	g := &Grid{
		Desc:           desc,
		Shape:          shape,
		HostFormat:     host,
		DeviceFormat:   dev,
		Layout:         desc.Layout,
		QuadHeight:     desc.QuadHeight,
		FaceRows:       min(desc.QuadHeight, FaceDim),
		FacesY:         ceilDiv(desc.QuadHeight, FaceDim),
		SharedExponent: spec.SharedExponent,
		ExponentFirst:  desc.Layout == Tilized && spec.SharedExponent,
		Conversion:     spec,
		CellRows:       cellRows,
		CellCols:       cellCols,
		Slots:          desc.Slots,
		RAM:            desc.RAM,
	}
	if desc.Layout != Flat {
		g.HeaderSize = HeaderSize
	}
	g.ExpOffset = g.HeaderSize
	if g.SharedExponent {
		g.ExpBytes = alignUp(desc.QuadHeight*FacesX, 16)
	}
	g.PayloadOffset = g.ExpOffset + g.ExpBytes
	g.PayloadBytes = dev.PayloadBytes(desc.QuadHeight * TileDim)
	g.QuadSize = QuadSizeFor(desc.Layout, dev, desc.QuadHeight)

	item := host.ItemSize()
	rowStride := cols * item
	g.Limits = Limits{
		TileX: desc.UBlock.CT,
		TileY: desc.UBlock.RT,
		SubX:  desc.MBlock.N,
		SubY:  desc.MBlock.M,
		Z:     shape[tensor.DimZ],
		W:     shape[tensor.DimW],
	}
	g.Strides = Strides{
		TileX: TileDim * item,
		TileY: desc.QuadHeight * rowStride,
		SubX:  desc.UBlock.CT * TileDim * item,
		SubY:  desc.UBlock.RT * desc.QuadHeight * rowStride,
		Z:     rows * rowStride,
		W:     shape[tensor.DimZ] * rows * rowStride,
	}
	g.QuadsPerEntry = g.Limits.Z * g.Limits.SubY * g.Limits.SubX * g.Limits.TileY * g.Limits.TileX
	g.EntrySize = g.QuadsPerEntry * g.QuadSize
	return g, nil
}

// Cells returns the number of physical queues in the family.
func (g *Grid) Cells() int { return len(g.Desc.Cells) }

// CellOrigin returns the first host row and column owned by cell i.
func (g *Grid) CellOrigin(i int) (row, col int) {
	return (i / g.Desc.Grid.Cols) * g.CellRows, (i % g.Desc.Grid.Cols) * g.CellCols
}

// QueueBytes returns the device memory footprint of one queue: the queue
// header followed by Slots entries.
func (g *Grid) QueueBytes() int {
	return QueueHeaderSize + g.Slots*g.EntrySize
}

// QueueHeaderSize is the size of the pointer block at the base of a queue.
const QueueHeaderSize = 32

// Tiles returns the number of quads per cell across the whole batch.
func (g *Grid) Tiles() int {
	return g.QuadsPerEntry * g.Limits.W
}
