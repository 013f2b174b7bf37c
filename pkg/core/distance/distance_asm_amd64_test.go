//go:build amd64 && !purego

package distance

import (
	"math/rand"
	"testing"

	"github.com/klauspost/cpuid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAVX2KernelsMatchScalar(t *testing.T) {
	if !cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) {
		t.Skip("cpu lacks AVX2/FMA")
	}
	rng := rand.New(rand.NewSource(3))
	for _, dim := range []int{0, 1, 7, 8, 9, 16, 31, 128, 769} {
		a, b := randomVector(rng, dim), randomVector(rng, dim)
		relClose(t, dotScalar(a, b), DotAVX2(a, b), "dot")
		relClose(t, sqL2Scalar(a, b), SquaredL2AVX2(a, b), "l2")
	}

	// Known values across the 8-lane boundary and the scalar tail.
	a := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	b := []float32{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	assert.Equal(t, float32(220), DotAVX2(a, b))
	assert.Equal(t, float32(330), SquaredL2AVX2(a, b))
}

func TestAVX2TierUsesAssembly(t *testing.T) {
	if DetectedISA() < AVX2 {
		t.Skip("cpu lacks AVX2/FMA")
	}
	e, err := NewEngineWithISA(Euclidean, AVX2)
	require.NoError(t, err)
	got, err := e.Distance([]float32{0, 0, 0}, []float32{3, 4, 0})
	require.NoError(t, err)
	assert.InDelta(t, 5, got, 1e-6)
	assert.NotNil(t, kernelTable[AVX2].dot)
	assert.Equal(t, DotAVX2([]float32{1, 2}, []float32{3, 4}), kernelTable[AVX2].dot([]float32{1, 2}, []float32{3, 4}))
}
