//go:build amd64

package distance

// The AVX2 assembly kernels in kernels_avx2_amd64.s are produced by the avo
// generator in ./gen. They are linked by default on amd64; build with -tags purego
// to fall back to the unrolled Go kernels.
//
//go:generate go run ./gen -out ./kernels_avx2_amd64.s -stubs ./kernels_avx2_stubs_amd64.go -pkg distance
