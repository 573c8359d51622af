//go:build amd64 && !noasm

package simd

import "golang.org/x/sys/cpu"

func init() {
	switch {
	case cpu.X86.HasAVX512F:
		widthImpl = func() int { return 16 }
		featureName = "avx512f"
	case cpu.X86.HasAVX2:
		widthImpl = func() int { return 8 }
		featureName = "avx2"
	case cpu.X86.HasSSE2:
		featureName = "sse2"
	}
}
