//go:build arm64 && !noasm

package simd

import "golang.org/x/sys/cpu"

func init() {
	if cpu.ARM64.HasASIMD {
		featureName = "neon"
	}
}
