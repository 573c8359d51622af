// Package queue implements the host side of the device ring-buffer protocol.
//
// Write and read pointers count modulo 2*Slots so that a full queue
// (wptr-rptr == Slots) is distinguishable from an empty one (wptr == rptr).
// Entry addresses wrap back to the first slot whenever wptr reaches Slots
// or 2*Slots.
package queue

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/23skdu/longbow-tilize/internal/device"
	"github.com/23skdu/longbow-tilize/internal/metrics"
)

// Phase is the protocol state of a queue.
type Phase uint8

const (
	Idle Phase = iota
	WaitingForSpace
	Writing
	PointerSyncPending
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case WaitingForSpace:
		return "waiting_for_space"
	case Writing:
		return "writing"
	case PointerSyncPending:
		return "pointer_sync_pending"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// State mirrors one physical device queue. It is owned by one goroutine at
// a time; workers operate on copies.
type State struct {
	Name      string
	Queue     device.Queue
	RAM       bool
	WPtr      uint32
	RPtr      uint32
	WriteAddr uint64
	// Published is the last write pointer made visible to the device.
	Published uint32
	// Unpublished counts entries written since the last publish.
	Unpublished int
	Phase       Phase

	// rdDirty marks a read pointer moved by Discard and not yet stored.
	rdDirty bool
}

func NewState(name string, q device.Queue, ram bool) *State {
	return &State{Name: name, Queue: q, RAM: ram, WriteAddr: q.Base + device.HeaderSize}
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	c := *s
	return &c
}

func (s *State) wrap() uint32 { return 2 * uint32(s.Queue.Slots) }

func (s *State) slotAddr(slot int) uint64 {
	return s.Queue.Base + device.HeaderSize + uint64(slot*s.Queue.EntrySize)
}

// Occupancy returns the number of entries written but not yet consumed,
// according to the local pointer mirrors.
func (s *State) Occupancy() int {
	return int((s.WPtr + s.wrap() - s.RPtr) % s.wrap())
}

// Free returns the number of slots the local mirrors consider writable.
func (s *State) Free() int {
	if s.RAM {
		return s.Queue.Slots
	}
	return s.Queue.Slots - s.Occupancy()
}

// Slot returns the slot index the next entry is written to.
func (s *State) Slot() int {
	return int(s.WPtr % uint32(s.Queue.Slots))
}

// Resync refreshes the read pointer mirror from the device.
func (s *State) Resync(tr device.Transport) error {
	rd, err := tr.ReadU32(s.Queue.Target, s.Queue.Base+device.RdPtrOffset)
	if err != nil {
		return fmt.Errorf("queue %s: read rdptr: %w", s.Name, err)
	}
	if rd >= s.wrap() {
		return fmt.Errorf("queue %s: device rdptr %d outside [0, %d)", s.Name, rd, s.wrap())
	}
	s.RPtr = rd
	metrics.RecordResync()
	return nil
}

// HasSpace reports whether at least one entry can be written, re-reading
// the device read pointer when the local mirrors say the queue is full.
func (s *State) HasSpace(tr device.Transport) (bool, error) {
	if s.RAM || s.Occupancy() < s.Queue.Slots {
		return true, nil
	}
	if err := s.Resync(tr); err != nil {
		return false, err
	}
	return s.Occupancy() < s.Queue.Slots, nil
}

// Wait bounds a backpressure poll. A zero Deadline waits forever; a zero
// Poll yields the processor between checks.
type Wait struct {
	Poll     time.Duration
	Deadline time.Time
}

// WaitForSpace polls until the queue has room for one entry.
func (s *State) WaitForSpace(ctx context.Context, tr device.Transport, w Wait) error {
	ok, err := s.HasSpace(tr)
	if err != nil || ok {
		return err
	}
	start := time.Now()
	s.Phase = WaitingForSpace
	defer func() {
		s.Phase = Idle
		metrics.RecordBackpressureWait(time.Since(start))
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !w.Deadline.IsZero() && time.Now().After(w.Deadline) {
			metrics.RecordTimeout(s.Name)
			return &TimeoutError{Queue: s.Name, Target: s.Queue.Target, WPtr: s.WPtr, RPtr: s.RPtr, Waited: time.Since(start)}
		}
		if w.Poll > 0 {
			time.Sleep(w.Poll)
		} else {
			runtime.Gosched()
		}
		if ok, err := s.HasSpace(tr); err != nil || ok {
			return err
		}
	}
}

// AdvanceLocal moves the write pointer past one entry.
func (s *State) AdvanceLocal() {
	s.Unpublished++
	s.WPtr = (s.WPtr + 1) % s.wrap()
	if s.WPtr == 0 || s.WPtr == uint32(s.Queue.Slots) {
		s.WriteAddr = s.slotAddr(0)
		return
	}
	s.WriteAddr += uint64(s.Queue.EntrySize)
}

// Discard moves the read pointer mirror past n entries, standing in for a
// consumer that keeps up with every write. Offline pushes use it so that
// overwritten entries leave the ring instead of pushing occupancy past
// Slots. The new read pointer is stored with the next Publish.
func (s *State) Discard(n int) {
	if n <= 0 {
		return
	}
	s.RPtr = (s.RPtr + uint32(n)) % s.wrap()
	s.rdDirty = true
}

// AdvanceBy moves the write pointer past n entries.
func (s *State) AdvanceBy(n int) {
	for i := 0; i < n; i++ {
		s.AdvanceLocal()
	}
}

// Resize changes the entry size, keeping both pointers. The write address
// moves to the current slot at the new size.
func (s *State) Resize(entrySize int) {
	s.Queue.EntrySize = entrySize
	s.WriteAddr = s.slotAddr(s.Slot())
}

// Seek positions a random-access queue at slot.
func (s *State) Seek(slot int) error {
	if !s.RAM {
		return fmt.Errorf("queue %s: seek on a streaming queue", s.Name)
	}
	if slot < 0 || slot >= s.Queue.Slots {
		return fmt.Errorf("queue %s: slot %d outside [0, %d)", s.Name, slot, s.Queue.Slots)
	}
	s.WPtr = uint32(slot)
	s.WriteAddr = s.slotAddr(slot)
	return nil
}

// Publish makes every written entry visible to the device: the data is
// fenced first, then a discarded read pointer and the write pointer are
// stored. Random-access queues
// have no pointer to publish.
func (s *State) Publish(tr device.Transport) error {
	if s.RAM || s.Unpublished == 0 {
		return nil
	}
	s.Phase = PointerSyncPending
	if err := tr.Fence(s.Queue.Target); err != nil {
		return fmt.Errorf("queue %s: fence: %w", s.Name, err)
	}
	var b [4]byte
	if s.rdDirty {
		binary.LittleEndian.PutUint32(b[:], s.RPtr)
		if err := tr.Store(s.Queue.Target, s.Queue.Base+device.RdPtrOffset, b[:]); err != nil {
			return fmt.Errorf("queue %s: store rdptr: %w", s.Name, err)
		}
		s.rdDirty = false
	}
	binary.LittleEndian.PutUint32(b[:], s.WPtr)
	if err := tr.Store(s.Queue.Target, s.Queue.Base+device.WrPtrOffset, b[:]); err != nil {
		return fmt.Errorf("queue %s: store wrptr: %w", s.Name, err)
	}
	s.Published = s.WPtr
	s.Unpublished = 0
	s.Phase = Idle
	metrics.RecordPublish()
	return nil
}

// Reset clears both pointers on the host and the device.
func (s *State) Reset(tr device.Transport) error {
	var zero [device.HeaderSize]byte
	if err := tr.Store(s.Queue.Target, s.Queue.Base, zero[:]); err != nil {
		return fmt.Errorf("queue %s: reset header: %w", s.Name, err)
	}
	s.WPtr, s.RPtr, s.Published, s.Unpublished = 0, 0, 0, 0
	s.rdDirty = false
	s.WriteAddr = s.slotAddr(0)
	s.Phase = Idle
	return nil
}
