//go:build !linux

package affinity

import "runtime"

func processCPUs() ([]int, error) {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus, nil
}

// pinThread only wires the goroutine to its OS thread; CPU binding is not
// available on this platform.
func pinThread(int) error {
	runtime.LockOSThread()
	return nil
}
