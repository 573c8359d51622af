package geometry

import (
	"sync"

	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/logger"
	"github.com/23skdu/longbow-tilize/internal/metrics"
)

type cacheKey struct {
	name   string
	format format.DataFormat
	shape  [4]int
}

// Cache keeps the last grid built per queue family and tensor
// configuration.
type Cache struct {
	mu    sync.Mutex
	grids map[cacheKey]*Grid
}

func NewCache() *Cache {
	return &Cache{grids: make(map[cacheKey]*Grid)}
}

// Get returns the grid of desc for the given shape and host format,
// building it on first use. A family keeps at most one grid: a new shape or
// format evicts the previous one.
func (c *Cache) Get(desc *Descriptor, shape [4]int, host format.DataFormat) (*Grid, bool, error) {
	key := cacheKey{name: desc.Name, format: host, shape: shape}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.grids[key]; ok && g.Desc == desc {
		return g, false, nil
	}
	g, err := Build(desc, shape, host)
	if err != nil {
		metrics.RecordConfigError("grid")
		return nil, false, err
	}
	for k := range c.grids {
		if k.name == desc.Name {
			delete(c.grids, k)
		}
	}
	c.grids[key] = g
	metrics.RecordGridRebuild()
	logger.Log.Debug("grid built", "queue", desc.Name, "format", desc.Format.String(),
		"shape", shape, "quad_size", g.QuadSize, "entry_size", g.EntrySize)
	return g, true, nil
}

// Len returns the number of cached grids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.grids)
}
