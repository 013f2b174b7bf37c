//go:build amd64 && !purego

package distance

import "github.com/klauspost/cpuid/v2"

func dotAVX2Asm(a, b []float32) float32 {
	return DotAVX2(a, b[:len(a)])
}

func sqL2AVX2Asm(a, b []float32) float32 {
	return SquaredL2AVX2(a, b[:len(a)])
}

func init() {
	// The generated kernels assume FMA next to AVX2, matching detectISA.
	if !cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) {
		return
	}
	asm := kernelSet{dot: dotAVX2Asm, sqL2: sqL2AVX2Asm}
	kernelTable[AVX2] = asm
	// No 512-bit kernel is generated yet; the 256-bit one beats unrolled Go.
	kernelTable[AVX512] = asm
}
