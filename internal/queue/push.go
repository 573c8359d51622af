package queue

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-tilize/internal/device"
	"github.com/23skdu/longbow-tilize/internal/geometry"
	"github.com/23skdu/longbow-tilize/internal/metrics"
)

// Options control one push.
type Options struct {
	// Offline assumes infinite space and never polls the device: the
	// oldest entries are overwritten once the ring is full. It is only
	// valid when building a memory image.
	Offline bool
	Wait    Wait
}

// PushRange writes batch entries [w0, w1) of g into the queue behind st.
// Entries are written in ascending order. Before each round the queue is
// polled for space; a round is as many entries as fit in the free slots and
// in the sink, and ends with a pointer publish. On error st reflects what
// was written locally and nothing past st.Published is visible.
func PushRange(ctx context.Context, tr device.Transport, st *State, sink Sink, g *geometry.Grid, w0, w1 int, enc EncodeFunc, opt Options) error {
	if w0 >= w1 {
		return nil
	}
	if st.Queue.EntrySize != g.EntrySize {
		return fmt.Errorf("queue %s: entry size %d does not match grid entry size %d", st.Name, st.Queue.EntrySize, g.EntrySize)
	}

	od := NewOdometer(g.Limits, w0, w1)
	remaining := w1 - w0
	budget, q := 0, 0
	format := g.DeviceFormat.String()

	for {
		if budget == 0 {
			n, err := reserve(ctx, tr, st, sink, remaining, opt)
			if err != nil {
				return err
			}
			budget = n
			st.Phase = Writing
		}

		if err := sink.WriteQuad(st, q, od.Pos, enc); err != nil {
			return err
		}
		q++
		more, carried := od.Advance()
		if carried < LevelZ {
			continue
		}

		if err := sink.EndEntry(st); err != nil {
			return err
		}
		metrics.RecordQuads(format, q)
		metrics.RecordEntries(st.Name, 1)
		q = 0
		remaining--
		budget--
		if budget == 0 || !more {
			if err := sink.PublishPointer(st); err != nil {
				return err
			}
			st.Phase = Idle
		}
		if !more {
			return nil
		}
	}
}

// reserve returns how many of the remaining entries the next round may
// write, waiting for at least one free slot on live streaming queues.
// Offline rounds never exceed Slots; entries they overwrite are discarded
// from the read side so occupancy stays within Slots.
func reserve(ctx context.Context, tr device.Transport, st *State, sink Sink, remaining int, opt Options) (int, error) {
	n := remaining
	if c := sink.Capacity(); c > 0 {
		n = min(n, c)
	}
	switch {
	case st.RAM:
		return n, nil
	case opt.Offline:
		n = min(n, st.Queue.Slots)
		st.Discard(n - st.Free())
		return n, nil
	}
	if err := st.WaitForSpace(ctx, tr, opt.Wait); err != nil {
		return 0, err
	}
	return min(n, st.Free()), nil
}
