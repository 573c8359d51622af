//go:build unix

package device

import "golang.org/x/sys/unix"

// allocArena maps anonymous zeroed memory, falling back to the Go heap when
// mmap is unavailable.
func allocArena(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return make([]byte, size), false, nil
	}
	return data, true, nil
}

func freeArena(data []byte, mmapped bool) error {
	if !mmapped {
		return nil
	}
	return unix.Munmap(data)
}
