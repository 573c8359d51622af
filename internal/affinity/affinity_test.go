package affinity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"0", []int{0}, false},
		{"0-3", []int{0, 1, 2, 3}, false},
		{"0-1,8,10-11\n", []int{0, 1, 8, 10, 11}, false},
		{"4,2,2-3", []int{2, 3, 4}, false},
		{"", nil, false},
		{"3-1", nil, true},
		{"a-b", nil, true},
		{"1,,2", nil, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := ParseCPUList(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func fakeSys(t *testing.T, node int, list string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "devices", "system", "node", fmt.Sprintf("node%d", node))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cpulist"), []byte(list+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestCPUSetNarrowsToNode(t *testing.T) {
	cpus, err := processCPUs()
	if err != nil || len(cpus) == 0 {
		t.Skipf("no process cpuset: %v", err)
	}
	root := fakeSys(t, 1, fmt.Sprint(cpus[0]))

	a := NewCPUSet(Options{SysRoot: root, DeviceNUMA: map[int]int{0: 1, 2: 7}})
	if err := a.Init(); err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown()

	if got := a.Available(0); got != 1 {
		t.Errorf("Available(0) = %d, want 1", got)
	}
	if got := a.CPUs(0); got[0] != cpus[0] {
		t.Errorf("CPUs(0) = %v, want [%d]", got, cpus[0])
	}
	// Node 7 has no cpulist so device 2 keeps the whole process set.
	if got := a.Available(2); got != len(cpus) {
		t.Errorf("Available(2) = %d, want %d", got, len(cpus))
	}
	if got := a.Available(5); got != len(cpus) {
		t.Errorf("Available(5) = %d, want %d", got, len(cpus))
	}
}

func TestWorkersRequireInit(t *testing.T) {
	a := NewCPUSet(Options{})
	if _, err := a.Workers(2, 0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Workers before Init = %v", err)
	}
	if err := a.Init(); err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Workers(2, 0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Workers after Shutdown = %v", err)
	}
	if a.Available(0) != 0 {
		t.Error("Available after Shutdown should be 0")
	}
}

func TestPinnedWorkersRun(t *testing.T) {
	a := NewCPUSet(Options{Pin: true})
	if err := a.Init(); err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown()

	p, err := a.Workers(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if p.Size() != 2 {
		t.Errorf("pool size = %d", p.Size())
	}
	done := 0
	p.Submit(func() error { done++; return nil })
	if err := p.Wait(); err != nil {
		t.Fatalf("pinned pool: %v", err)
	}
	if done != 1 {
		t.Error("task did not run")
	}
}
