// Package scratch caches the host buffers a push needs, one per distinct
// configuration. Buffers are reused across pushes without clearing and are
// owned by whichever push is active; the pool itself is safe for
// concurrent use but the buffers are not.
package scratch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/metrics"
)

// Key identifies one buffer.
type Key struct {
	// Use names the consumer, e.g. "staging" or "shuffle_out".
	Use string
	// Name and Index tell apart buffers of the same use, such as the
	// staging buffer of each worker of a queue.
	Name   string
	Index  int
	Format format.DataFormat
	Shape  [4]int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d/%v/%v", k.Use, k.Name, k.Index, k.Format, k.Shape)
}

type Pool struct {
	mu        sync.Mutex
	bufs      map[Key][]byte
	allocated atomic.Int64
}

func NewPool() *Pool {
	return &Pool{bufs: make(map[Key][]byte)}
}

func (p *Pool) trace(delta int64) {
	metrics.RecordStagingBytes(p.allocated.Add(delta))
}

// Get returns the buffer for k with length size. fresh reports that the
// buffer was just allocated and holds zeros; otherwise it keeps whatever
// the previous user wrote.
func (p *Pool) Get(k Key, size int) (buf []byte, fresh bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.bufs[k]; ok && cap(b) >= size {
		return b[:size], false
	} else if ok {
		p.trace(-int64(cap(b)))
	}
	b := make([]byte, size)
	p.bufs[k] = b
	p.trace(int64(size))
	return b, true
}

// Bytes returns the total capacity held by the pool.
func (p *Pool) Bytes() int64 { return p.allocated.Load() }

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bufs)
}

// Free drops every buffer.
func (p *Pool) Free() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, b := range p.bufs {
		total += int64(cap(b))
	}
	p.bufs = make(map[Key][]byte)
	p.trace(-total)
}
