// Package partition splits one queue push across worker threads.
//
// Work is divided on the batch dimension into contiguous near-equal
// ranges. Each worker pushes its range through a private copy of the
// queue state advanced to the range start, with pointer publishing
// disabled. When every worker has finished the shared state is advanced
// past the whole batch and the write pointer is published once.
package partition

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tilize/internal/device"
	"github.com/23skdu/longbow-tilize/internal/geometry"
	"github.com/23skdu/longbow-tilize/internal/queue"
	"github.com/23skdu/longbow-tilize/internal/workpool"
)

type Config struct {
	// MaxThreads caps the worker count; zero leaves it to the allocator.
	MaxThreads int
	// MinTilesPerThread is the smallest per-thread quad share worth a
	// thread launch.
	MinTilesPerThread int
}

// Reason explains a single-threaded plan.
type Reason string

const (
	Split          Reason = "split"
	OneThread      Reason = "one_thread"
	TooFewTiles    Reason = "too_few_tiles"
	SerialCodec    Reason = "serial_conversion"
	NotEnoughSpace Reason = "queue_space"
	// Overwrite is an offline push that wraps onto entries it wrote
	// itself; ranges would race on the shared slots.
	Overwrite Reason = "offline_overwrite"
)

// Range is the batch interval [W0, W1).
type Range struct{ W0, W1 int }

func (r Range) Len() int { return r.W1 - r.W0 }

type Plan struct {
	Threads int
	Ranges  []Range
	Reason  Reason
}

// Threads returns the worker count for a push of batch entries when the
// allocator offers available threads.
func (c Config) Threads(available, batch int) int {
	n := min(available, batch)
	if c.MaxThreads > 0 {
		n = min(n, c.MaxThreads)
	}
	return max(n, 1)
}

// Decide plans the push of the whole batch of g. free is the number of
// slots currently writable and is ignored for random-access queues.
func (c Config) Decide(g *geometry.Grid, available, free int, offline bool) Plan {
	batch := g.Limits.W
	n := c.Threads(available, batch)
	one := func(r Reason) Plan {
		return Plan{Threads: 1, Ranges: []Range{{0, batch}}, Reason: r}
	}
	switch {
	case n == 1:
		return one(OneThread)
	case !g.Conversion.Parallel:
		return one(SerialCodec)
	case g.Tiles()/n < c.MinTilesPerThread:
		return one(TooFewTiles)
	case !g.RAM && batch > free && offline:
		return one(Overwrite)
	case !g.RAM && batch > free:
		// Workers cannot wait for slots they have not been given.
		return one(NotEnoughSpace)
	}
	return Plan{Threads: n, Ranges: Ranges(batch, n), Reason: Split}
}

// Ranges divides [0, batch) into n contiguous ranges whose lengths differ by
// at most one, longer ranges first.
func Ranges(batch, n int) []Range {
	out := make([]Range, 0, n)
	base, extra := batch/n, batch%n
	w := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		if size == 0 {
			break
		}
		out = append(out, Range{w, w + size})
		w += size
	}
	return out
}

// SinkFactory builds the sink used by worker w.
type SinkFactory func(worker int, publish bool) (queue.Sink, error)

// Job is one queue cell's push.
type Job struct {
	Transport device.Transport
	State     *queue.State
	Grid      *geometry.Grid
	Sinks     SinkFactory
	Encode    queue.EncodeFunc
	Options   queue.Options
}

// Run executes plan. Single-thread plans run on the caller's goroutine and
// publish as they go. Split plans use pool and publish once after every
// range has been written; if any worker fails nothing is published and
// the returned error joins every worker error.
func Run(ctx context.Context, pool *workpool.Pool, plan Plan, job Job) error {
	if len(plan.Ranges) == 0 {
		return nil
	}
	if plan.Threads == 1 || pool == nil {
		sink, err := job.Sinks(0, true)
		if err != nil {
			return err
		}
		r := Range{plan.Ranges[0].W0, plan.Ranges[len(plan.Ranges)-1].W1}
		return queue.PushRange(ctx, job.Transport, job.State, sink, job.Grid, r.W0, r.W1, job.Encode, job.Options)
	}

	first := plan.Ranges[0].W0
	for i, r := range plan.Ranges {
		st := job.State.Clone()
		st.AdvanceBy(r.W0 - first)
		sink, err := job.Sinks(i, false)
		if err != nil {
			// Let already queued ranges finish before reporting.
			return errors.Join(err, pool.Wait())
		}
		pool.Submit(func() error {
			if err := queue.PushRange(ctx, job.Transport, st, sink, job.Grid, r.W0, r.W1, job.Encode, job.Options); err != nil {
				return fmt.Errorf("range [%d, %d): %w", r.W0, r.W1, err)
			}
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return fmt.Errorf("queue %s: %w", job.State.Name, err)
	}

	total := plan.Ranges[len(plan.Ranges)-1].W1 - first
	job.State.AdvanceBy(total)
	if job.State.RAM {
		return job.Transport.Fence(job.State.Queue.Target)
	}
	return job.State.Publish(job.Transport)
}
