package geometry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-tilize/internal/format"
)

// Layout is the arrangement of elements inside a queue entry.
type Layout uint8

const (
	// Flat entries hold header-less row-major quads.
	Flat Layout = iota
	// Tilized entries hold headered quads split into 16x16 faces.
	Tilized
	// MegaRow entries hold headered row-major quads.
	MegaRow
)

var layoutNames = [...]string{Flat: "flat", Tilized: "tilized", MegaRow: "megarow"}

func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("layout(%d)", uint8(l))
}

func ParseLayout(s string) (Layout, error) {
	for i, n := range layoutNames {
		if strings.EqualFold(n, s) {
			return Layout(i), nil
		}
	}
	return Flat, fmt.Errorf("unknown layout %q", s)
}

func (l Layout) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Layout) UnmarshalText(b []byte) error {
	v, err := ParseLayout(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Cell addresses one physical queue of a family.
type Cell struct {
	Device  int    `yaml:"device" json:"device"`
	Channel int    `yaml:"channel" json:"channel"`
	Address uint64 `yaml:"address" json:"address"`
}

type UBlock struct {
	RT int `yaml:"rt" json:"rt"`
	CT int `yaml:"ct" json:"ct"`
}

type MBlock struct {
	M int `yaml:"m" json:"m"`
	N int `yaml:"n" json:"n"`
}

type GridShape struct {
	Rows int `yaml:"rows" json:"rows"`
	Cols int `yaml:"cols" json:"cols"`
}

// Descriptor describes a queue family: a grid of physical queues sharing
// one layout and device format. Cells are listed row-major.
type Descriptor struct {
	Name       string            `yaml:"name" json:"name"`
	Layout     Layout            `yaml:"layout" json:"layout"`
	Format     format.DataFormat `yaml:"format" json:"format"`
	QuadHeight int               `yaml:"quad_height" json:"quad_height"`
	Slots      int               `yaml:"slots" json:"slots"`
	UBlock     UBlock            `yaml:"ublock" json:"ublock"`
	MBlock     MBlock            `yaml:"mblock" json:"mblock"`
	Grid       GridShape         `yaml:"grid" json:"grid"`
	RAM        bool              `yaml:"ram" json:"ram"`
	Cells      []Cell            `yaml:"cells" json:"cells"`
}

var ErrInvalidDescriptor = errors.New("invalid queue descriptor")

// Validate checks the descriptor on its own, before any tensor is known.
func (d *Descriptor) Validate() error {
	fail := func(msg string, args ...any) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidDescriptor, d.Name, fmt.Sprintf(msg, args...))
	}
	if d.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDescriptor)
	}
	if d.Layout > MegaRow {
		return fail("layout %v", d.Layout)
	}
	if !d.Format.Valid() {
		return fail("format %v", d.Format)
	}
	if !validQuadHeight(d.QuadHeight) {
		return fmt.Errorf("%w %q: %w: quad_height %d not in {1,2,4,8,16,32}",
			ErrInvalidDescriptor, d.Name, ErrMisaligned, d.QuadHeight)
	}
	if d.Slots <= 0 {
		return fail("slots must be positive, got %d", d.Slots)
	}
	if d.UBlock.RT <= 0 || d.UBlock.CT <= 0 || d.MBlock.M <= 0 || d.MBlock.N <= 0 {
		return fail("block factors must be positive: ublock %dx%d mblock %dx%d",
			d.UBlock.RT, d.UBlock.CT, d.MBlock.M, d.MBlock.N)
	}
	if d.Grid.Rows <= 0 || d.Grid.Cols <= 0 {
		return fail("grid %dx%d", d.Grid.Rows, d.Grid.Cols)
	}
	if len(d.Cells) != d.Grid.Rows*d.Grid.Cols {
		return fail("%d cells for a %dx%d grid", len(d.Cells), d.Grid.Rows, d.Grid.Cols)
	}
	seen := make(map[Cell]bool, len(d.Cells))
	for _, c := range d.Cells {
		if seen[c] {
			return fail("duplicate cell %+v", c)
		}
		seen[c] = true
	}
	return nil
}

func validQuadHeight(h int) bool {
	switch h {
	case 1, 2, 4, 8, 16, 32:
		return true
	}
	return false
}
