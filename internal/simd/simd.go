// Package simd reports the native vector width used to size vectorized
// passes.
package simd

import "sync/atomic"

// Width is measured in 32-bit lanes.
var widthImpl = func() int { return 4 }

var featureName = "generic"

var override atomic.Int32

// Width returns the number of 32-bit lanes in one native vector register.
func Width() int {
	if w := override.Load(); w > 0 {
		return int(w)
	}
	return widthImpl()
}

// VectorBytes returns the size of one native vector register in bytes.
func VectorBytes() int {
	return Width() * 4
}

// Lanes returns how many elements of itemSize bytes fit in one vector,
// never less than one.
func Lanes(itemSize int) int {
	if itemSize <= 0 {
		return 1
	}
	return max(VectorBytes()/itemSize, 1)
}

// Features names the instruction set the width was derived from.
func Features() string {
	if override.Load() > 0 {
		return "override"
	}
	return featureName
}

// SetWidth forces Width to w until the returned function is called. A
// non-positive w restores detection.
func SetWidth(w int) (restore func()) {
	prev := override.Swap(int32(max(w, 0)))
	return func() { override.Store(prev) }
}
