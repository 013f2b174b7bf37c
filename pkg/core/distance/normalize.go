package distance

import (
	"gonum.org/v1/gonum/blas/gonum"
)

var blas gonum.Implementation

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	return blas.Snrm2(len(v), v, 1)
}

// Normalize scales v to unit length in place. A zero vector is left unchanged and
// false is returned.
func Normalize(v []float32) bool {
	n := Norm(v)
	if n == 0 {
		return false
	}
	blas.Sscal(len(v), 1/n, v, 1)
	return true
}

// NormalizedCopy returns a unit-length copy of v (or a zero copy for a zero vector).
func NormalizedCopy(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	Normalize(out)
	return out
}
