package shuffle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-tilize/internal/logger"
	"github.com/23skdu/longbow-tilize/internal/metrics"
	"github.com/23skdu/longbow-tilize/internal/scratch"
	"github.com/23skdu/longbow-tilize/internal/simd"
	"github.com/23skdu/longbow-tilize/internal/tensor"
)

// Runner runs the tasks of one pass on a bounded set of goroutines and
// reports their joined errors. *workpool.Pool satisfies it.
type Runner interface {
	Size() int
	Go(fn func() error)
	Wait() error
}

// group runs passes on an errgroup when no Runner is supplied.
type group struct {
	*errgroup.Group
	size int
}

func (g group) Size() int { return g.size }

func (s *Shuffler) group(ctx context.Context) (Runner, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	return group{Group: g, size: s.workers}, ctx
}

// Shuffler caches contexts and scratch buffers across pushes. Its output
// buffers are reused, so a returned view is valid until the next Shuffle
// of the same configuration.
type Shuffler struct {
	mu       sync.Mutex
	contexts map[Key]*Context
	lanes    int
	pool     *scratch.Pool
	workers  int
}

// New returns a shuffler drawing buffers from pool and running at most
// workers goroutines per pass.
func New(pool *scratch.Pool, workers int) *Shuffler {
	if pool == nil {
		pool = scratch.NewPool()
	}
	return &Shuffler{contexts: make(map[Key]*Context), pool: pool, workers: max(workers, 1)}
}

// Context returns the cached context for k, rebuilding every context when
// the vector width has changed.
func (s *Shuffler) Context(k Key) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lanes := simd.Width(); lanes != s.lanes {
		s.contexts = make(map[Key]*Context)
		s.lanes = lanes
	}
	if c, ok := s.contexts[k]; ok {
		return c, nil
	}
	c, err := NewContext(k)
	if err != nil {
		return nil, err
	}
	s.contexts[k] = c
	logger.Log.Debug("Built shuffle context", "shape", k.Shape, "stride", k.Stride,
		"lanes", c.Lanes, "vec_cols", c.VecCols, "scalar", len(c.Scalar))
	return c, nil
}

// Shuffle reorders v for a convolution with the given stride and kernel,
// running its passes on the shuffler's own goroutines.
func (s *Shuffler) Shuffle(ctx context.Context, v tensor.View, stride int, kernel Kernel) (tensor.View, error) {
	return s.ShuffleOn(ctx, nil, v, stride, kernel)
}

// ShuffleOn is Shuffle with the passes run on r. A nil r uses an errgroup
// bounded by the shuffler's worker count.
func (s *Shuffler) ShuffleOn(ctx context.Context, r Runner, v tensor.View, stride int, kernel Kernel) (tensor.View, error) {
	if err := v.Validate(); err != nil {
		return tensor.View{}, err
	}
	start := time.Now()
	c, err := s.Context(Key{Shape: v.Shape, ItemSize: v.ItemSize, Stride: stride, Kernel: kernel})
	if err != nil {
		return tensor.View{}, err
	}
	src := v.Compact()
	size := c.PlaneElems() * c.Padded[tensor.DimW] * c.Padded[tensor.DimZ] * v.ItemSize

	if c.NeedsPad {
		buf, _ := s.pool.Get(scratch.Key{Use: "shuffle_pad", Format: v.Format, Shape: c.Padded}, size)
		padded := tensor.Contiguous(c.Padded, v.Format, buf)
		if err := s.pad(ctx, r, padded, src); err != nil {
			return tensor.View{}, err
		}
		src = padded
	}

	buf, _ := s.pool.Get(scratch.Key{Use: "shuffle_out", Format: v.Format, Shape: c.Out}, size)
	if err := s.reorder(ctx, r, c, buf, src.Data[:size]); err != nil {
		return tensor.View{}, err
	}
	metrics.RecordShuffle(time.Since(start))
	return tensor.Contiguous(c.Out, v.Format, buf), nil
}

// pad copies src into the larger dst, zero-filling the extra rows and
// columns, one (w, z) plane per task.
func (s *Shuffler) pad(ctx context.Context, g Runner, dst, src tensor.View) error {
	if g == nil {
		g, ctx = s.group(ctx)
	}
	item := src.ItemSize
	rowBytes := src.Shape[tensor.DimC] * item
	for w := 0; w < src.Shape[tensor.DimW]; w++ {
		for z := 0; z < src.Shape[tensor.DimZ]; z++ {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				for r := 0; r < dst.Shape[tensor.DimR]; r++ {
					row := dst.Data[dst.Offset(w, z, r, 0):][:dst.Strides[tensor.DimR]]
					n := 0
					if r < src.Shape[tensor.DimR] {
						n = copy(row, src.Row(w, z, r)[:rowBytes])
					}
					clear(row[n:])
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// reorder runs the vector pass over planes in parallel and the scalar
// pass for row tails alongside it. The two passes write disjoint elements.
func (s *Shuffler) reorder(ctx context.Context, g Runner, c *Context, dst, src []byte) error {
	item := c.ItemSize
	planeBytes := c.PlaneElems() * item
	planes := len(src) / planeBytes
	if len(dst) != len(src) || planes*planeBytes != len(src) {
		return fmt.Errorf("%w: %d source bytes for %d byte planes", ErrInvalidParams, len(src), planeBytes)
	}

	if g == nil {
		g, ctx = s.group(ctx)
	}
	if len(c.Scalar) > 0 {
		g.Go(func() error {
			for p := 0; p < planes; p++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				scalarPass(c, dst[p*planeBytes:(p+1)*planeBytes], src[p*planeBytes:(p+1)*planeBytes])
			}
			return nil
		})
	}
	if c.VecCols > 0 {
		workers := max(min(g.Size()-1, planes), 1)
		per := (planes + workers - 1) / workers
		for p0 := 0; p0 < planes; p0 += per {
			p1 := min(p0+per, planes)
			g.Go(func() error {
				for p := p0; p < p1; p++ {
					if err := ctx.Err(); err != nil {
						return err
					}
					vectorPass(c, dst[p*planeBytes:(p+1)*planeBytes], src[p*planeBytes:(p+1)*planeBytes])
				}
				return nil
			})
		}
	}
	return g.Wait()
}
