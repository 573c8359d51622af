// Package affinity hands out worker pools sized and optionally pinned to
// the CPUs closest to an accelerator device.
package affinity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/23skdu/longbow-tilize/internal/logger"
	"github.com/23skdu/longbow-tilize/internal/workpool"
)

var ErrNotInitialized = errors.New("affinity allocator not initialized")

// Allocator is the service the push engine asks for worker threads.
type Allocator interface {
	Init() error
	Shutdown() error
	// Available returns how many threads a push targeting device may use.
	Available(device int) int
	// Workers starts a pool of n workers placed near device.
	Workers(n, device int) (*workpool.Pool, error)
}

type Options struct {
	// Pin locks each worker to one OS thread bound to a single CPU.
	Pin bool
	// DeviceNUMA maps a device id to its closest NUMA node. Devices not
	// listed use every CPU in the process cpuset.
	DeviceNUMA map[int]int
	// SysRoot replaces /sys when reading node cpulists.
	SysRoot string
}

// CPUSet allocates from the process affinity mask, narrowed per device to
// the CPUs of its NUMA node.
type CPUSet struct {
	opts Options

	mu      sync.RWMutex
	ready   bool
	process []int
	devices map[int][]int
}

func NewCPUSet(opts Options) *CPUSet {
	if opts.SysRoot == "" {
		opts.SysRoot = "/sys"
	}
	return &CPUSet{opts: opts}
}

func (a *CPUSet) Init() error {
	cpus, err := processCPUs()
	if err != nil {
		return fmt.Errorf("read process cpuset: %w", err)
	}
	if len(cpus) == 0 {
		return errors.New("process cpuset is empty")
	}

	devices := make(map[int][]int, len(a.opts.DeviceNUMA))
	for dev, node := range a.opts.DeviceNUMA {
		nodeCPUs, err := readNodeCPUs(a.opts.SysRoot, node)
		if err != nil {
			logger.Log.Warn("NUMA node unavailable, using process cpuset", "device", dev, "node", node, "error", err)
			continue
		}
		if both := intersect(cpus, nodeCPUs); len(both) > 0 {
			devices[dev] = both
		} else {
			logger.Log.Warn("NUMA node outside process cpuset", "device", dev, "node", node)
		}
	}

	a.mu.Lock()
	a.process, a.devices, a.ready = cpus, devices, true
	a.mu.Unlock()
	logger.Log.Info("Affinity allocator ready", "cpus", len(cpus), "devices", len(devices), "pin", a.opts.Pin)
	return nil
}

func (a *CPUSet) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = false
	a.process, a.devices = nil, nil
	return nil
}

// CPUs returns the CPUs used for device.
func (a *CPUSet) CPUs(device int) []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if c, ok := a.devices[device]; ok {
		return c
	}
	return a.process
}

func (a *CPUSet) Available(device int) int {
	return len(a.CPUs(device))
}

func (a *CPUSet) Workers(n, device int) (*workpool.Pool, error) {
	a.mu.RLock()
	ready := a.ready
	a.mu.RUnlock()
	if !ready {
		return nil, ErrNotInitialized
	}
	if !a.opts.Pin {
		return workpool.New(n), nil
	}
	cpus := a.CPUs(device)
	return workpool.New(n, workpool.WithThreadInit(func(w int) error {
		return pinThread(cpus[w%len(cpus)])
	})), nil
}

func readNodeCPUs(root string, node int) ([]int, error) {
	b, err := os.ReadFile(filepath.Join(root, "devices", "system", "node", fmt.Sprintf("node%d", node), "cpulist"))
	if err != nil {
		return nil, err
	}
	return ParseCPUList(string(b))
}

// ParseCPUList parses the kernel cpulist format, e.g. "0-3,8,10-11".
func ParseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	seen := make(map[int]struct{})
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("cpulist %q: %w", s, err)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("cpulist %q: %w", s, err)
			}
		}
		if first < 0 || last < first {
			return nil, fmt.Errorf("cpulist %q: bad range %q", s, part)
		}
		for c := first; c <= last; c++ {
			seen[c] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Ints(out)
	return out, nil
}

func intersect(a, b []int) []int {
	in := make(map[int]bool, len(b))
	for _, c := range b {
		in[c] = true
	}
	var out []int
	for _, c := range a {
		if in[c] {
			out = append(out, c)
		}
	}
	return out
}
