package engine

import (
	"fmt"

	"github.com/23skdu/longbow-tilize/internal/device"
	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/geometry"
)

// Region is the device memory one queue cell occupies.
type Region struct {
	Queue string       `json:"queue"`
	Cell  int          `json:"cell"`
	Ring  device.Queue `json:"ring"`
	Bytes int          `json:"bytes"`
}

// Layout builds the grids of descs for a tensor of the given shape and
// lists the device memory of every queue cell.
func Layout(descs []*geometry.Descriptor, shape [4]int, host format.DataFormat) ([]*geometry.Grid, []Region, error) {
	var (
		grids   []*geometry.Grid
		regions []Region
	)
	for _, d := range descs {
		g, err := geometry.Build(d, shape, host)
		if err != nil {
			return nil, nil, err
		}
		grids = append(grids, g)
		for i, c := range d.Cells {
			regions = append(regions, Region{
				Queue: d.Name,
				Cell:  i,
				Ring: device.Queue{
					Target:    device.Target{Device: c.Device, Channel: c.Channel},
					Base:      c.Address,
					Slots:     g.Slots,
					EntrySize: g.EntrySize,
				},
				Bytes: g.QueueBytes(),
			})
		}
	}
	return grids, regions, nil
}

// MapRegions backs every region with simulated device memory.
func MapRegions(sim *device.Sim, regions []Region) error {
	for _, r := range regions {
		if err := sim.Map(r.Ring.Target, r.Ring.Base, r.Bytes); err != nil {
			return fmt.Errorf("map %s[%d]: %w", r.Queue, r.Cell, err)
		}
	}
	return nil
}
