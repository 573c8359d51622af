package queue

import (
	"fmt"

	"github.com/23skdu/longbow-tilize/internal/device"
	"github.com/23skdu/longbow-tilize/internal/geometry"
	"github.com/23skdu/longbow-tilize/internal/metrics"
)

// Kind selects how quads reach device memory.
type Kind uint8

const (
	// DirectMap converts each quad into a scratch buffer and stores it
	// straight into the mapped queue slot.
	DirectMap Kind = iota
	// StagedSpill assembles entries in a host staging buffer and spills
	// them to the device in contiguous spans.
	StagedSpill
)

func (k Kind) String() string {
	switch k {
	case DirectMap:
		return "direct_map"
	case StagedSpill:
		return "staged_spill"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// EncodeFunc writes the quad at c into dst. dst holds a prefilled quad.
type EncodeFunc func(dst []byte, c geometry.Coord)

// Sink moves encoded quads into a queue. Implementations are DirectMap and
// StagedSpill; a sink belongs to one goroutine.
type Sink interface {
	Kind() Kind
	// Capacity is the number of entries the sink accepts between pointer
	// publishes, or 0 for no limit.
	Capacity() int
	WriteQuad(st *State, q int, c geometry.Coord, enc EncodeFunc) error
	EndEntry(st *State) error
	// PublishPointer makes all entries ended so far visible to the device.
	// With publishing disabled the data is still flushed and fenced but the
	// write pointer is left for the caller to publish.
	PublishPointer(st *State) error
}

// New builds a sink of kind k for grid g. staging is the write-combine
// buffer for StagedSpill and may be nil to allocate one sized for the
// whole queue.
func New(k Kind, tr device.Transport, g *geometry.Grid, publish bool, staging []byte) (Sink, error) {
	switch k {
	case DirectMap:
		return NewDirectMap(tr, g, publish), nil
	case StagedSpill:
		return NewStagedSpill(tr, g, publish, staging)
	}
	return nil, fmt.Errorf("unknown sink kind %v", k)
}

type directMap struct {
	tr      device.Transport
	g       *geometry.Grid
	publish bool
	scratch []byte
}

func NewDirectMap(tr device.Transport, g *geometry.Grid, publish bool) Sink {
	d := &directMap{tr: tr, g: g, publish: publish, scratch: make([]byte, g.QuadSize)}
	g.PrefillQuad(d.scratch)
	return d
}

func (d *directMap) Kind() Kind    { return DirectMap }
func (d *directMap) Capacity() int { return 0 }

func (d *directMap) WriteQuad(st *State, q int, c geometry.Coord, enc EncodeFunc) error {
	enc(d.scratch, c)
	addr := st.WriteAddr + uint64(q*d.g.QuadSize)
	if err := d.tr.Store(st.Queue.Target, addr, d.scratch); err != nil {
		return fmt.Errorf("queue %s: store quad %d: %w", st.Name, q, err)
	}
	metrics.RecordTransfer(DirectMap.String(), len(d.scratch))
	return nil
}

func (d *directMap) EndEntry(st *State) error {
	st.AdvanceLocal()
	if d.publish {
		return st.Publish(d.tr)
	}
	return nil
}

func (d *directMap) PublishPointer(st *State) error {
	if !d.publish {
		return nil
	}
	return st.Publish(d.tr)
}

// span is a run of staged entries that is contiguous in device memory.
type span struct {
	addr    uint64
	off     int
	entries int
}

type stagedSpill struct {
	tr      device.Transport
	g       *geometry.Grid
	publish bool
	buf     []byte
	cap     int

	staged int
	spans  []span
}

// StagingSize returns the staging buffer size for entries entries of g.
func StagingSize(g *geometry.Grid, entries int) int {
	return entries * g.EntrySize
}

// PrefillStaging writes quad headers and constant exponents into every quad
// of a staging buffer.
func PrefillStaging(g *geometry.Grid, buf []byte) {
	for off := 0; off+g.QuadSize <= len(buf); off += g.QuadSize {
		g.PrefillQuad(buf[off : off+g.QuadSize])
	}
}

// NewStagedSpill builds a write-combining sink. A caller-supplied buffer
// must already be prefilled with PrefillStaging.
func NewStagedSpill(tr device.Transport, g *geometry.Grid, publish bool, staging []byte) (Sink, error) {
	if staging == nil {
		staging = make([]byte, StagingSize(g, g.Slots))
		PrefillStaging(g, staging)
	}
	n := len(staging) / g.EntrySize
	if n == 0 {
		return nil, fmt.Errorf("staging buffer of %d bytes cannot hold one %d byte entry", len(staging), g.EntrySize)
	}
	return &stagedSpill{tr: tr, g: g, publish: publish, buf: staging, cap: n}, nil
}

func (s *stagedSpill) Kind() Kind    { return StagedSpill }
func (s *stagedSpill) Capacity() int { return s.cap }

func (s *stagedSpill) WriteQuad(st *State, q int, c geometry.Coord, enc EncodeFunc) error {
	if s.staged == s.cap {
		return fmt.Errorf("queue %s: staging buffer full (%d entries)", st.Name, s.cap)
	}
	off := s.staged*s.g.EntrySize + q*s.g.QuadSize
	enc(s.buf[off:off+s.g.QuadSize], c)
	return nil
}

func (s *stagedSpill) EndEntry(st *State) error {
	off := s.staged * s.g.EntrySize
	if n := len(s.spans); n > 0 {
		last := &s.spans[n-1]
		if last.addr+uint64(last.entries*s.g.EntrySize) == st.WriteAddr {
			last.entries++
			s.staged++
			st.AdvanceLocal()
			return nil
		}
	}
	s.spans = append(s.spans, span{addr: st.WriteAddr, off: off, entries: 1})
	s.staged++
	st.AdvanceLocal()
	return nil
}

func (s *stagedSpill) PublishPointer(st *State) error {
	if s.staged == 0 {
		return nil
	}
	for _, sp := range s.spans {
		n := sp.entries * s.g.EntrySize
		if err := s.tr.Spill(st.Queue.Target, sp.addr, s.buf[sp.off:sp.off+n]); err != nil {
			return fmt.Errorf("queue %s: spill %d bytes at %#x: %w", st.Name, n, sp.addr, err)
		}
		metrics.RecordTransfer(StagedSpill.String(), n)
	}
	s.staged = 0
	s.spans = s.spans[:0]
	if s.publish && !st.RAM {
		return st.Publish(s.tr)
	}
	return s.tr.Fence(st.Queue.Target)
}
