package queue

import (
	"fmt"

	"github.com/23skdu/longbow-tilize/internal/geometry"
)

// Level names an odometer digit, innermost first.
type Level int

const (
	LevelNone Level = iota - 1
	LevelTileX
	LevelTileY
	LevelSubX
	LevelSubY
	LevelZ
	LevelW
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelTileX:
		return "tile_x"
	case LevelTileY:
		return "tile_y"
	case LevelSubX:
		return "sub_x"
	case LevelSubY:
		return "sub_y"
	case LevelZ:
		return "z"
	case LevelW:
		return "w"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Odometer walks the quads of a block in device order. TileX turns
// fastest; a carry out of Z completes an entry and a carry out of W
// completes the block.
type Odometer struct {
	Limits geometry.Limits
	Pos    geometry.Coord
	// WEnd is the exclusive end of the batch range being walked.
	WEnd int
}

// NewOdometer starts at the first quad of batch entry w0 and stops before w1.
func NewOdometer(l geometry.Limits, w0, w1 int) *Odometer {
	return &Odometer{Limits: l, Pos: geometry.Coord{W: w0}, WEnd: w1}
}

// Advance steps to the next quad. It reports whether quads remain and the
// outermost digit that wrapped, LevelNone when only TileX moved.
func (o *Odometer) Advance() (more bool, carried Level) {
	p, l := &o.Pos, o.Limits
	carried = LevelNone

	if p.TileX++; p.TileX < l.TileX {
		return true, carried
	}
	p.TileX, carried = 0, LevelTileX
	if p.TileY++; p.TileY < l.TileY {
		return true, carried
	}
	p.TileY, carried = 0, LevelTileY
	if p.SubX++; p.SubX < l.SubX {
		return true, carried
	}
	p.SubX, carried = 0, LevelSubX
	if p.SubY++; p.SubY < l.SubY {
		return true, carried
	}
	p.SubY, carried = 0, LevelSubY
	if p.Z++; p.Z < l.Z {
		return true, carried
	}
	p.Z, carried = 0, LevelZ
	if p.W++; p.W < o.WEnd {
		return true, carried
	}
	return false, LevelW
}
