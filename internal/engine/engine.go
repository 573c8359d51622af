// Package engine pushes host tensors into device queue families.
//
// A push validates every descriptor and builds every grid before touching
// the device, optionally shuffles the tensor for a strided convolution,
// then streams each queue cell through the partitioner. Queue pointer
// state is kept between pushes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-tilize/internal/affinity"
	"github.com/23skdu/longbow-tilize/internal/codec"
	"github.com/23skdu/longbow-tilize/internal/config"
	"github.com/23skdu/longbow-tilize/internal/device"
	"github.com/23skdu/longbow-tilize/internal/geometry"
	"github.com/23skdu/longbow-tilize/internal/logger"
	"github.com/23skdu/longbow-tilize/internal/metrics"
	"github.com/23skdu/longbow-tilize/internal/partition"
	"github.com/23skdu/longbow-tilize/internal/queue"
	"github.com/23skdu/longbow-tilize/internal/scratch"
	"github.com/23skdu/longbow-tilize/internal/shuffle"
	"github.com/23skdu/longbow-tilize/internal/tensor"
	"github.com/23skdu/longbow-tilize/internal/workpool"
)

var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrShapeMismatch  = geometry.ErrShapeMismatch
)

// ShuffleOptions request a convolution shuffle before tilizing.
type ShuffleOptions struct {
	Stride int            `json:"stride"`
	Kernel shuffle.Kernel `json:"kernel"`
}

type PushOptions struct {
	// Timeout bounds the backpressure wait of the whole push. Zero waits
	// forever.
	Timeout time.Duration
	// RAMSlot is the slot random-access queues are written at.
	RAMSlot int
	Shuffle *ShuffleOptions
	// Offline writes without polling the device, for building images.
	Offline bool
	// Truncate rounds toward zero instead of to nearest.
	Truncate bool
}

type stateKey struct {
	name string
	cell int
}

type Engine struct {
	cfg   config.Config
	tr    device.Transport
	alloc affinity.Allocator

	mu       sync.Mutex
	ready    bool
	grids    *geometry.Cache
	states   map[stateKey]*queue.State
	scratch  *scratch.Pool
	shuffler *shuffle.Shuffler
	part     partition.Config
}

// New builds an engine over tr. alloc supplies worker threads and must be
// initialized through Init.
func New(cfg config.Config, tr device.Transport, alloc affinity.Allocator) *Engine {
	pool := scratch.NewPool()
	return &Engine{
		cfg:      cfg,
		tr:       tr,
		alloc:    alloc,
		grids:    geometry.NewCache(),
		states:   make(map[stateKey]*queue.State),
		scratch:  pool,
		shuffler: shuffle.New(pool, max(cfg.Runtime.MaxThreads, 1)),
		part: partition.Config{
			MaxThreads:        cfg.Runtime.MaxThreads,
			MinTilesPerThread: cfg.Runtime.MinTilesPerThread,
		},
	}
}

func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}
	if err := e.alloc.Init(); err != nil {
		return fmt.Errorf("init allocator: %w", err)
	}
	e.ready = true
	logger.Log.Info("Engine initialized", "write_combine", e.cfg.Queue.WriteCombine,
		"max_threads", e.cfg.Runtime.MaxThreads)
	return nil
}

// Shutdown releases scratch buffers and the allocator. Queue state is
// kept so a later Init resumes where the device left off.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil
	}
	e.ready = false
	e.scratch.Free()
	return e.alloc.Shutdown()
}

// Push writes v into every queue family of descs.
func (e *Engine) Push(ctx context.Context, descs []*geometry.Descriptor, v tensor.View, opt PushOptions) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil, ErrNotInitialized
	}
	start := time.Now()
	res := &Result{Session: uuid.NewString()}
	log := logger.Log.With("session", res.Session)

	if err := v.Validate(); err != nil {
		metrics.RecordConfigError("tensor")
		return nil, err
	}
	pools := newPools(e.alloc)
	defer pools.close()

	if opt.Shuffle != nil {
		dev := shuffleDevice(descs)
		pool, err := pools.get(e.part.Threads(e.alloc.Available(dev), math.MaxInt), dev)
		if err != nil {
			return nil, fmt.Errorf("start workers: %w", err)
		}
		shuffled, err := e.shuffler.ShuffleOn(ctx, pool, v, opt.Shuffle.Stride, opt.Shuffle.Kernel)
		if err != nil {
			metrics.RecordConfigError("shuffle")
			return nil, fmt.Errorf("shuffle: %w", err)
		}
		v = shuffled
		res.Shuffled = true
	}
	v = v.Compact()

	grids := make([]*geometry.Grid, len(descs))
	for i, d := range descs {
		g, built, err := e.grids.Get(d, v.Shape, v.Format)
		if err != nil {
			return nil, err
		}
		if built {
			log.Debug("Queue grid rebuilt", "queue", d.Name, "quad_size", g.QuadSize, "entries", g.Limits.W)
		}
		grids[i] = g
	}

	var deadline time.Time
	if opt.Timeout > 0 {
		deadline = start.Add(opt.Timeout)
	}
	qopt := queue.Options{Offline: opt.Offline, Wait: queue.Wait{Poll: e.cfg.Queue.PollInterval, Deadline: deadline}}
	copt := codec.Options{Truncate: opt.Truncate}

	for _, g := range grids {
		for cell := range g.Desc.Cells {
			st, err := e.state(g, cell, opt)
			if err != nil {
				return res, err
			}
			c := g.Desc.Cells[cell]
			free := st.Free()
			if !opt.Offline && !st.RAM && free < g.Limits.W {
				if err := st.Resync(e.tr); err != nil {
					return res, err
				}
				free = st.Free()
			}
			plan := e.part.Decide(g, e.alloc.Available(c.Device), free, opt.Offline)
			var pool *workpool.Pool
			if plan.Threads > 1 {
				if pool, err = pools.get(plan.Threads, c.Device); err != nil {
					return res, fmt.Errorf("start workers: %w", err)
				}
			}
			job := partition.Job{
				Transport: e.tr,
				State:     st,
				Grid:      g,
				Sinks:     e.sinks(g),
				Encode: func(dst []byte, at geometry.Coord) {
					g.EncodeQuad(dst, v, cell, at, true, copt)
				},
				Options: qopt,
			}
			err = partition.Run(ctx, pool, plan, job)
			res.Queues = append(res.Queues, QueueResult{
				Queue:     g.Desc.Name,
				Cell:      cell,
				Target:    st.Queue.Target,
				WPtr:      st.WPtr,
				Published: st.Published,
				Threads:   plan.Threads,
				Plan:      plan.Reason,
				Entries:   g.Limits.W,
			})
			if err != nil {
				log.Warn("Push failed", "queue", g.Desc.Name, "cell", cell, "error", err)
				return res, fmt.Errorf("push %s cell %d: %w", g.Desc.Name, cell, err)
			}
		}
	}

	res.Duration = time.Since(start)
	mode := "live"
	if opt.Offline {
		mode = "offline"
	}
	metrics.RecordPush(mode, res.Duration)
	log.Debug("Push complete", "queues", len(res.Queues), "duration", res.Duration)
	return res, nil
}

// poolSet holds the worker pools of one push session, one per device so
// that workers stay on the CPUs of the device they feed.
type poolSet struct {
	alloc    affinity.Allocator
	byDevice map[int]*workpool.Pool
}

func newPools(alloc affinity.Allocator) *poolSet {
	return &poolSet{alloc: alloc, byDevice: make(map[int]*workpool.Pool)}
}

// get returns the device's pool, replacing it when it has fewer than n
// workers.
func (p *poolSet) get(n, device int) (*workpool.Pool, error) {
	if pool, ok := p.byDevice[device]; ok {
		if pool.Size() >= n {
			return pool, nil
		}
		pool.Close()
		delete(p.byDevice, device)
	}
	pool, err := p.alloc.Workers(n, device)
	if err != nil {
		return nil, err
	}
	p.byDevice[device] = pool
	return pool, nil
}

func (p *poolSet) close() {
	for _, pool := range p.byDevice {
		pool.Close()
	}
}

// shuffleDevice is the device the shuffled tensor is pushed to first.
func shuffleDevice(descs []*geometry.Descriptor) int {
	for _, d := range descs {
		if len(d.Cells) > 0 {
			return d.Cells[0].Device
		}
	}
	return 0
}

// state returns the durable state of one queue cell, creating it on first
// use and adapting it to the grid's entry size.
func (e *Engine) state(g *geometry.Grid, cell int, opt PushOptions) (*queue.State, error) {
	k := stateKey{g.Desc.Name, cell}
	st, ok := e.states[k]
	c := g.Desc.Cells[cell]
	q := device.Queue{
		Target:    device.Target{Device: c.Device, Channel: c.Channel},
		Base:      c.Address,
		Slots:     g.Slots,
		EntrySize: g.EntrySize,
	}
	if !ok || st.Queue.Target != q.Target || st.Queue.Base != q.Base || st.Queue.Slots != q.Slots || st.RAM != g.RAM {
		st = queue.NewState(fmt.Sprintf("%s[%d]", g.Desc.Name, cell), q, g.RAM)
		e.states[k] = st
	} else if st.Queue.EntrySize != g.EntrySize {
		st.Resize(g.EntrySize)
	}
	if st.RAM {
		if err := st.Seek(opt.RAMSlot); err != nil {
			metrics.RecordConfigError("ram_slot")
			return nil, err
		}
	}
	return st, nil
}

// sinks returns the sink factory for g, drawing staging buffers from the
// scratch pool.
func (e *Engine) sinks(g *geometry.Grid) partition.SinkFactory {
	if !e.cfg.Queue.WriteCombine {
		return func(_ int, publish bool) (queue.Sink, error) {
			return queue.NewDirectMap(e.tr, g, publish), nil
		}
	}
	return func(worker int, publish bool) (queue.Sink, error) {
		k := scratch.Key{Use: "staging", Name: g.Desc.Name, Index: worker, Format: g.DeviceFormat, Shape: g.Shape}
		buf, fresh := e.scratch.Get(k, queue.StagingSize(g, g.Slots))
		if fresh {
			queue.PrefillStaging(g, buf)
		}
		return queue.NewStagedSpill(e.tr, g, publish, buf)
	}
}

// State returns a copy of the state of one queue cell.
func (e *Engine) State(name string, cell int) (queue.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[stateKey{name, cell}]
	if !ok {
		return queue.State{}, false
	}
	return *st, true
}

// States returns copies of every known queue state ordered by name and cell.
func (e *Engine) States() []queue.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]stateKey, 0, len(e.states))
	for k := range e.states {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].cell < keys[j].cell
	})
	out := make([]queue.State, len(keys))
	for i, k := range keys {
		out[i] = *e.states[k]
	}
	return out
}

// Reset clears the pointers of every cell of the named queue family on the
// host and the device.
func (e *Engine) Reset(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, st := range e.states {
		if k.name != name {
			continue
		}
		if err := st.Reset(e.tr); err != nil {
			return err
		}
	}
	return nil
}
