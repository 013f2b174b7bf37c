package distance

// kernelFunc reduces two equal-length slices to a single float32.
// Callers guarantee len(a) == len(b).
type kernelFunc func(a, b []float32) float32

// kernelSet is the pair of primitives every metric is built from.
type kernelSet struct {
	dot  kernelFunc
	sqL2 kernelFunc
}

// kernelTable maps each tier to its kernels. Platform files may replace entries
// at init (see distance_asm_amd64.go).
var kernelTable = [...]kernelSet{
	Scalar: {dot: dotScalar, sqL2: sqL2Scalar},
	SSE:    {dot: dot4, sqL2: sqL2x4},
	AVX2:   {dot: dot8, sqL2: sqL2x8},
	AVX512: {dot: dot16, sqL2: sqL2x16},
}

func dotScalar(a, b []float32) float32 {
	b = b[:len(a)]
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func sqL2Scalar(a, b []float32) float32 {
	b = b[:len(a)]
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// The lane kernels keep one accumulator per lane and reduce them at the end,
// mirroring the register layout of the corresponding vector instructions.

func dot4(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= n; i += 4 {
		x, y := a[i:i+4:i+4], b[i:i+4:i+4]
		s0 += x[0] * y[0]
		s1 += x[1] * y[1]
		s2 += x[2] * y[2]
		s3 += x[3] * y[3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

func sqL2x4(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= n; i += 4 {
		x, y := a[i:i+4:i+4], b[i:i+4:i+4]
		d0, d1, d2, d3 := x[0]-y[0], x[1]-y[1], x[2]-y[2], x[3]-y[3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < n; i++ {
		d := a[i] - b[i]
		s0 += d * d
	}
	return (s0 + s1) + (s2 + s3)
}

func dot8(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var acc [8]float32
	i := 0
	for ; i+8 <= n; i += 8 {
		x, y := a[i:i+8:i+8], b[i:i+8:i+8]
		acc[0] += x[0] * y[0]
		acc[1] += x[1] * y[1]
		acc[2] += x[2] * y[2]
		acc[3] += x[3] * y[3]
		acc[4] += x[4] * y[4]
		acc[5] += x[5] * y[5]
		acc[6] += x[6] * y[6]
		acc[7] += x[7] * y[7]
	}
	tail := dot4(a[i:], b[i:])
	return reduce8(&acc) + tail
}

func sqL2x8(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var acc [8]float32
	i := 0
	for ; i+8 <= n; i += 8 {
		x, y := a[i:i+8:i+8], b[i:i+8:i+8]
		for j := 0; j < 8; j++ {
			d := x[j] - y[j]
			acc[j] += d * d
		}
	}
	tail := sqL2x4(a[i:], b[i:])
	return reduce8(&acc) + tail
}

func dot16(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var lo, hi [8]float32
	i := 0
	for ; i+16 <= n; i += 16 {
		x, y := a[i:i+16:i+16], b[i:i+16:i+16]
		for j := 0; j < 8; j++ {
			lo[j] += x[j] * y[j]
			hi[j] += x[j+8] * y[j+8]
		}
	}
	tail := dot8(a[i:], b[i:])
	return (reduce8(&lo) + reduce8(&hi)) + tail
}

func sqL2x16(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var lo, hi [8]float32
	i := 0
	for ; i+16 <= n; i += 16 {
		x, y := a[i:i+16:i+16], b[i:i+16:i+16]
		for j := 0; j < 8; j++ {
			d0 := x[j] - y[j]
			d1 := x[j+8] - y[j+8]
			lo[j] += d0 * d0
			hi[j] += d1 * d1
		}
	}
	tail := sqL2x8(a[i:], b[i:])
	return (reduce8(&lo) + reduce8(&hi)) + tail
}

// reduce8 sums the lanes pairwise, the same tree a horizontal add performs.
func reduce8(acc *[8]float32) float32 {
	return ((acc[0] + acc[4]) + (acc[1] + acc[5])) + ((acc[2] + acc[6]) + (acc[3] + acc[7]))
}
