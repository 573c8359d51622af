// Package workpool runs push tasks on a fixed set of worker goroutines.
//
// A pool is started once per push session and device, and reused for
// every phase of that push: the shuffle passes and the queue ranges. Callers queue tasks with Submit and block in Wait, which
// spin-polls a completion counter until the queue drains and then returns
// every task error joined together.
package workpool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-tilize/internal/metrics"
)

// Task is one unit of queued work.
type Task func() error

// ThreadInit runs once on each worker before it takes tasks. Workers that
// pin their OS thread do it here.
type ThreadInit func(worker int) error

type Option func(*Pool)

// WithThreadInit installs fn as the per-worker setup hook.
func WithThreadInit(fn ThreadInit) Option {
	return func(p *Pool) { p.init = fn }
}

// WithQueueDepth sets the task channel buffer. The default is 4 per worker.
func WithQueueDepth(n int) Option {
	return func(p *Pool) { p.depth = n }
}

type Pool struct {
	size  int
	depth int
	init  ThreadInit

	tasks   chan Task
	pending atomic.Int64
	wg      sync.WaitGroup

	mu   sync.Mutex
	errs []error

	closeOnce sync.Once
	closed    atomic.Bool
}

// New starts n workers. n below 1 is treated as 1.
func New(n int, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{size: n, depth: 4 * n}
	for _, o := range opts {
		o(p)
	}
	p.tasks = make(chan Task, p.depth)
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker(i)
	}
	metrics.RecordWorkers(n)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	if p.init != nil {
		if err := p.init(id); err != nil {
			p.record(fmt.Errorf("worker %d init: %w", id, err))
		}
	}
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer p.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.record(fmt.Errorf("worker %d: panic: %v", id, r))
		}
	}()
	if err := task(); err != nil {
		p.record(err)
	}
}

func (p *Pool) record(err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

// Go queues fn like Submit, so a pool can stand in for an errgroup.
func (p *Pool) Go(fn func() error) { p.Submit(fn) }

// Submit queues a task. It panics when the pool is closed.
func (p *Pool) Submit(t Task) {
	if p.closed.Load() {
		panic("workpool: submit on closed pool")
	}
	p.pending.Add(1)
	p.tasks <- t
}

// Pending returns the number of queued or running tasks.
func (p *Pool) Pending() int { return int(p.pending.Load()) }

// Wait spins until every submitted task has finished, yielding between
// polls, then returns the joined task errors and clears them.
func (p *Pool) Wait() error {
	for p.pending.Load() > 0 {
		runtime.Gosched()
	}
	p.mu.Lock()
	errs := p.errs
	p.errs = nil
	p.mu.Unlock()
	if len(errs) > 0 {
		metrics.RecordWorkerErrors(len(errs))
	}
	return errors.Join(errs...)
}

// Close stops the workers after the queued tasks run.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.tasks)
		p.wg.Wait()
	})
}
