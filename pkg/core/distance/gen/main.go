// Command gen emits the AVX2 float32 distance kernels linked on amd64 unless the
// purego tag is set.
package main

import (
	. "github.com/mmcloughlin/avo/build"
	. "github.com/mmcloughlin/avo/operand"
	"github.com/mmcloughlin/avo/reg"
)

func main() {
	ConstraintExpr("amd64 && !purego")

	TEXT("DotAVX2", NOSPLIT, "func(a, b []float32) float32")
	Pragma("noescape")
	Doc("DotAVX2 returns the inner product of a and b. len(b) must be at least len(a).")
	kernel("dot", func(x, y, acc reg.VecVirtual) {
		VFMADD231PS(y, x, acc)
	}, func(x, y, acc reg.VecVirtual) {
		VFMADD231SS(y, x, acc)
	})

	TEXT("SquaredL2AVX2", NOSPLIT, "func(a, b []float32) float32")
	Pragma("noescape")
	Doc("SquaredL2AVX2 returns the squared Euclidean distance between a and b. len(b) must be at least len(a).")
	kernel("l2", func(x, y, acc reg.VecVirtual) {
		VSUBPS(y, x, x)
		VFMADD231PS(x, x, acc)
	}, func(x, y, acc reg.VecVirtual) {
		VSUBSS(y, x, x)
		VFMADD231SS(x, x, acc)
	})

	Generate()
}

// kernel emits an 8-lane main loop followed by a scalar tail. step receives the
// loaded lanes of a and b plus the accumulator.
func kernel(name string, step, tail func(x, y, acc reg.VecVirtual)) {
	aPtr := Load(Param("a").Base(), GP64())
	bPtr := Load(Param("b").Base(), GP64())
	n := Load(Param("a").Len(), GP64())

	acc := YMM()
	VXORPS(acc, acc, acc)

	Label(name + "_loop")
	CMPQ(n, Imm(8))
	JL(LabelRef(name + "_tail"))
	x := YMM()
	y := YMM()
	VMOVUPS(Mem{Base: aPtr}, x)
	VMOVUPS(Mem{Base: bPtr}, y)
	step(x, y, acc)
	ADDQ(Imm(32), aPtr)
	ADDQ(Imm(32), bPtr)
	SUBQ(Imm(8), n)
	JMP(LabelRef(name + "_loop"))

	Label(name + "_tail")
	sum := XMM()
	reduce(acc, sum)

	Label(name + "_tail_loop")
	CMPQ(n, Imm(0))
	JE(LabelRef(name + "_done"))
	xs := XMM()
	ys := XMM()
	VMOVSS(Mem{Base: aPtr}, xs)
	VMOVSS(Mem{Base: bPtr}, ys)
	tail(xs, ys, sum)
	ADDQ(Imm(4), aPtr)
	ADDQ(Imm(4), bPtr)
	DECQ(n)
	JMP(LabelRef(name + "_tail_loop"))

	Label(name + "_done")
	VZEROUPPER()
	Store(sum, ReturnIndex(0))
	RET()
}

// reduce folds the 8 lanes of acc into the low lane of out.
func reduce(acc reg.VecVirtual, out reg.VecVirtual) {
	hi := XMM()
	VEXTRACTF128(Imm(1), acc, hi)
	VADDPS(hi, acc.AsX(), out)
	shuf := XMM()
	VMOVHLPS(out, out, shuf)
	VADDPS(shuf, out, out)
	VMOVSHDUP(out, shuf)
	VADDSS(shuf, out, out)
}
