package distance

import (
	"os"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// ISA identifies a kernel tier. Tiers are ordered by lane width; every tier is
// implemented for every platform so a narrower tier can always stand in for a
// wider one.
type ISA uint8

const (
	// Scalar is the one-lane reference path.
	Scalar ISA = iota
	// SSE processes 4 float32 lanes (128-bit; NEON on arm64).
	SSE
	// AVX2 processes 8 float32 lanes (256-bit, FMA).
	AVX2
	// AVX512 processes 16 float32 lanes (512-bit).
	AVX512
)

// EnvSIMD forces a kernel tier no wider than the detected one.
const EnvSIMD = "ZYPHYR_SIMD"

func (i ISA) String() string {
	switch i {
	case Scalar:
		return "scalar"
	case SSE:
		if runtime.GOARCH == "arm64" {
			return "neon"
		}
		return "sse"
	case AVX2:
		return "avx2"
	case AVX512:
		return "avx512"
	default:
		return "unknown"
	}
}

// Lanes returns the number of float32 values processed per step.
func (i ISA) Lanes() int {
	switch i {
	case SSE:
		return 4
	case AVX2:
		return 8
	case AVX512:
		return 16
	default:
		return 1
	}
}

// ParseISA parses a tier name as accepted by ZYPHYR_SIMD.
func ParseISA(s string) (ISA, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scalar", "generic":
		return Scalar, true
	case "sse", "neon":
		return SSE, true
	case "avx2":
		return AVX2, true
	case "avx512":
		return AVX512, true
	default:
		return Scalar, false
	}
}

// detectISA returns the widest tier the host CPU supports.
func detectISA() ISA {
	switch runtime.GOARCH {
	case "amd64", "386":
		switch {
		case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
			return AVX512
		case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
			return AVX2
		case cpuid.CPU.Has(cpuid.SSE2):
			return SSE
		}
	case "arm64":
		if cpuid.CPU.Has(cpuid.ASIMD) {
			return SSE
		}
	}
	return Scalar
}

// selectISA applies the environment override on top of detection. The override can
// only narrow the choice.
func selectISA() (isa ISA, detected ISA, overridden bool) {
	detected = detectISA()
	isa = detected
	if v := os.Getenv(EnvSIMD); v != "" {
		if forced, ok := ParseISA(v); ok && forced <= detected {
			return forced, detected, true
		}
	}
	return isa, detected, false
}
