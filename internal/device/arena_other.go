//go:build !unix

package device

func allocArena(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func freeArena([]byte, bool) error { return nil }
