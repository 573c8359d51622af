package device

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// Queue header offsets, relative to the queue base address.
const (
	RdPtrOffset = 0
	WrPtrOffset = 16
	HeaderSize  = 32
)

type region struct {
	base    uint64
	data    []byte
	mmapped bool
}

func (r *region) contains(addr uint64, n int) bool {
	return addr >= r.base && addr+uint64(n) <= r.base+uint64(len(r.data))
}

type pendingSpill struct {
	addr uint64
	data []byte
}

type channel struct {
	mu      sync.Mutex
	regions []*region
	pending []pendingSpill
}

// lookup returns the bytes backing [addr, addr+n). Caller holds mu.
func (c *channel) lookup(t Target, addr uint64, n int) ([]byte, error) {
	for _, r := range c.regions {
		if r.contains(addr, n) {
			off := addr - r.base
			return r.data[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("%w: %v [%#x, %#x)", ErrUnmapped, t, addr, addr+uint64(n))
}

// Stats counts transport calls made against a Sim.
type Stats struct {
	Stores, Spills, Fences, Reads int64
	BytesStored, BytesSpilled     int64
}

// Sim is a simulated device whose queue memory lives in host arenas.
// Spilled data stays invisible until the target is fenced.
type Sim struct {
	mu    sync.Mutex
	chans map[Target]*channel

	stores, spills, fences, reads atomic.Int64
	bytesStored, bytesSpilled     atomic.Int64
}

func NewSim() *Sim {
	return &Sim{chans: make(map[Target]*channel)}
}

func (s *Sim) channel(t Target, create bool) *channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chans[t]
	if !ok && create {
		c = &channel{}
		s.chans[t] = c
	}
	return c
}

// Map backs [base, base+size) on t with zeroed memory.
func (s *Sim) Map(t Target, base uint64, size int) error {
	if size <= 0 {
		return fmt.Errorf("map %v: invalid size %d", t, size)
	}
	c := s.channel(t, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	end := base + uint64(size)
	for _, r := range c.regions {
		if base < r.base+uint64(len(r.data)) && r.base < end {
			return fmt.Errorf("map %v [%#x, %#x): overlaps region at %#x", t, base, end, r.base)
		}
	}
	data, mmapped, err := allocArena(size)
	if err != nil {
		return fmt.Errorf("map %v: %w", t, err)
	}
	c.regions = append(c.regions, &region{base: base, data: data, mmapped: mmapped})
	return nil
}

// Close releases every arena.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.chans {
		c.mu.Lock()
		for _, r := range c.regions {
			if err := freeArena(r.data, r.mmapped); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		c.regions = nil
		c.pending = nil
		c.mu.Unlock()
	}
	s.chans = make(map[Target]*channel)
	return firstErr
}

func (s *Sim) mapped(t Target) (*channel, error) {
	c := s.channel(t, false)
	if c == nil {
		return nil, fmt.Errorf("%w: no memory on %v", ErrUnmapped, t)
	}
	return c, nil
}

func (s *Sim) Store(t Target, addr uint64, data []byte) error {
	c, err := s.mapped(t)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dst, err := c.lookup(t, addr, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	s.stores.Add(1)
	s.bytesStored.Add(int64(len(data)))
	return nil
}

func (s *Sim) Spill(t Target, addr uint64, data []byte) error {
	c, err := s.mapped(t)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.lookup(t, addr, len(data)); err != nil {
		return err
	}
	c.pending = append(c.pending, pendingSpill{addr: addr, data: append([]byte(nil), data...)})
	s.spills.Add(1)
	s.bytesSpilled.Add(int64(len(data)))
	return nil
}

func (s *Sim) Fence(t Target) error {
	c, err := s.mapped(t)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		dst, err := c.lookup(t, p.addr, len(p.data))
		if err != nil {
			return err
		}
		copy(dst, p.data)
	}
	c.pending = c.pending[:0]
	s.fences.Add(1)
	return nil
}

func (s *Sim) ReadU32(t Target, addr uint64) (uint32, error) {
	c, err := s.mapped(t)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.lookup(t, addr, 4)
	if err != nil {
		return 0, err
	}
	s.reads.Add(1)
	return binary.LittleEndian.Uint32(b), nil
}

// Read returns a copy of n bytes of device memory.
func (s *Sim) Read(t Target, addr uint64, n int) ([]byte, error) {
	c, err := s.mapped(t)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.lookup(t, addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// Pending returns the number of spills on t not yet made visible.
func (s *Sim) Pending(t Target) int {
	c := s.channel(t, false)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (s *Sim) Stats() Stats {
	return Stats{
		Stores:       s.stores.Load(),
		Spills:       s.spills.Load(),
		Fences:       s.fences.Load(),
		Reads:        s.reads.Load(),
		BytesStored:  s.bytesStored.Load(),
		BytesSpilled: s.bytesSpilled.Load(),
	}
}

// Queue locates one ring buffer in device memory.
type Queue struct {
	Target    Target `json:"target"`
	Base      uint64 `json:"base"`
	Slots     int    `json:"slots"`
	EntrySize int    `json:"entry_size"`
}

// Pointers returns the device copies of the queue's read and write pointers.
func (s *Sim) Pointers(q Queue) (rd, wr uint32, err error) {
	if rd, err = s.ReadU32(q.Target, q.Base+RdPtrOffset); err != nil {
		return 0, 0, err
	}
	if wr, err = s.ReadU32(q.Target, q.Base+WrPtrOffset); err != nil {
		return 0, 0, err
	}
	return rd, wr, nil
}

// Drain plays the device consumer: it pops up to limit published entries
// (all of them when limit < 0), hands each to fn, and publishes the new read
// pointer. It returns the number of entries consumed.
func (s *Sim) Drain(q Queue, limit int, fn func(slot int, entry []byte)) (int, error) {
	c, err := s.mapped(q.Target)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	hdr, err := c.lookup(q.Target, q.Base, HeaderSize)
	if err != nil {
		return 0, err
	}
	wrap := uint32(2 * q.Slots)
	rd := binary.LittleEndian.Uint32(hdr[RdPtrOffset:])
	wr := binary.LittleEndian.Uint32(hdr[WrPtrOffset:])
	avail := int((wr + wrap - rd) % wrap)
	if limit >= 0 && avail > limit {
		avail = limit
	}
	for i := 0; i < avail; i++ {
		slot := int(rd % uint32(q.Slots))
		addr := q.Base + HeaderSize + uint64(slot*q.EntrySize)
		entry, err := c.lookup(q.Target, addr, q.EntrySize)
		if err != nil {
			return i, err
		}
		if fn != nil {
			fn(slot, entry)
		}
		rd = (rd + 1) % wrap
	}
	binary.LittleEndian.PutUint32(hdr[RdPtrOffset:], rd)
	return avail, nil
}

// SaveImage writes every mapped region to dir, one file per region, and
// returns the file paths in target then address order.
func (s *Sim) SaveImage(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s.mu.Lock()
	targets := make([]Target, 0, len(s.chans))
	for t := range s.chans {
		targets = append(targets, t)
	}
	s.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Device != targets[j].Device {
			return targets[i].Device < targets[j].Device
		}
		return targets[i].Channel < targets[j].Channel
	})

	var paths []string
	for _, t := range targets {
		c := s.channel(t, false)
		c.mu.Lock()
		regions := append([]*region(nil), c.regions...)
		sort.Slice(regions, func(i, j int) bool { return regions[i].base < regions[j].base })
		for _, r := range regions {
			p := filepath.Join(dir, fmt.Sprintf("dev%d_ch%d_%#x.bin", t.Device, t.Channel, r.base))
			if err := os.WriteFile(p, r.data, 0o644); err != nil {
				c.mu.Unlock()
				return paths, err
			}
			paths = append(paths, p)
		}
		c.mu.Unlock()
	}
	return paths, nil
}
