package main

import (
	"context"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-tilize/internal/affinity"
	"github.com/23skdu/longbow-tilize/internal/config"
	"github.com/23skdu/longbow-tilize/internal/device"
	"github.com/23skdu/longbow-tilize/internal/engine"
	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/geometry"
	"github.com/23skdu/longbow-tilize/internal/logger"
)

// session is an engine over simulated device memory sized for one tensor
// shape.
type session struct {
	sim     *device.Sim
	eng     *engine.Engine
	regions []engine.Region
	ram     map[string]bool
}

const drainInterval = time.Millisecond

func newSession(cfg config.Config, descs []*geometry.Descriptor, shape [4]int, host format.DataFormat) (*session, error) {
	_, regions, err := engine.Layout(descs, shape, host)
	if err != nil {
		return nil, err
	}
	sim := device.NewSim()
	if err := engine.MapRegions(sim, regions); err != nil {
		sim.Close()
		return nil, err
	}
	alloc := affinity.NewCPUSet(affinity.Options{
		Pin:        cfg.Runtime.PinThreads,
		DeviceNUMA: cfg.Runtime.DeviceNUMA,
	})
	eng := engine.New(cfg, sim, alloc)
	if err := eng.Init(); err != nil {
		sim.Close()
		return nil, err
	}
	logger.Log.Debug("Session ready", "queues", len(descs), "regions", len(regions), "shape", fmt.Sprint(shape))
	ram := make(map[string]bool, len(descs))
	for _, d := range descs {
		ram[d.Name] = d.RAM
	}
	return &session{sim: sim, eng: eng, regions: regions, ram: ram}, nil
}

// drain consumes every published entry of the streaming queues and adds
// the count per region to counts.
func (s *session) drain(counts map[string]int) error {
	for _, r := range s.regions {
		if s.ram[r.Queue] {
			continue
		}
		n, err := s.sim.Drain(r.Ring, -1, nil)
		if err != nil {
			return fmt.Errorf("drain %s[%d]: %w", r.Queue, r.Cell, err)
		}
		counts[fmt.Sprintf("%s[%d]", r.Queue, r.Cell)] += n
	}
	return nil
}

// drainer plays the device consumer in the background.
type drainer struct {
	s      *session
	cancel context.CancelFunc
	done   chan error
	counts map[string]int
}

func (s *session) startDrainer(ctx context.Context) *drainer {
	ctx, cancel := context.WithCancel(ctx)
	d := &drainer{s: s, cancel: cancel, done: make(chan error, 1), counts: make(map[string]int)}
	go func() {
		t := time.NewTicker(drainInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				d.done <- nil
				return
			case <-t.C:
				if err := s.drain(d.counts); err != nil {
					d.done <- err
					return
				}
			}
		}
	}()
	return d
}

// stop ends the background consumer, drains what is left and returns the
// totals. A non-nil pushErr takes precedence over drain errors.
func (d *drainer) stop(pushErr error) (map[string]int, error) {
	d.cancel()
	err := <-d.done
	if err == nil {
		err = d.s.drain(d.counts)
	}
	if pushErr != nil {
		return d.counts, pushErr
	}
	return d.counts, err
}

func (s *session) Close() error {
	err := s.eng.Shutdown()
	if cerr := s.sim.Close(); err == nil {
		err = cerr
	}
	return err
}

func loadDescriptors(cfg config.Config, names []string) ([]*geometry.Descriptor, error) {
	all, err := engine.LoadDescriptors(cfg.Queue.Descriptors)
	if err != nil {
		return nil, err
	}
	return selectQueues(all, names)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
