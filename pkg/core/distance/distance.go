// Package distance provides the numeric layer of the engine: pairwise and batched
// distance computation for Euclidean, Cosine and DotProduct metrics.
//
// The widest kernel tier the host CPU supports is selected once at package init
// (klauspost/cpuid detection, optionally narrowed with ZYPHYR_SIMD) and bound into
// every Engine, so the hot path never re-checks CPU features. Accumulation order
// differs between tiers, so results agree only within a small relative epsilon.
package distance

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/sanonone/zyphyr/pkg/core/types"
)

// Metric selects the distance function. The numeric values are the on-disk tags.
type Metric uint8

const (
	// Euclidean is the L2 distance: non-negative, 0 iff the operands are identical.
	Euclidean Metric = 0
	// Cosine is 1 - cosine similarity, computed on normalized operands.
	Cosine Metric = 1
	// DotProduct is the negated inner product; only meaningful on normalized data.
	DotProduct Metric = 2
)

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case Cosine:
		return "cosine"
	case DotProduct:
		return "dot"
	default:
		return fmt.Sprintf("metric(%d)", uint8(m))
	}
}

// Valid reports whether m is a known metric tag.
func (m Metric) Valid() bool { return m <= DotProduct }

// RequiresNormalization reports whether vectors are stored unit-length under m.
func (m Metric) RequiresNormalization() bool {
	return m == Cosine || m == DotProduct
}

// ParseMetric accepts the names used in configuration files.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "euclidean", "l2":
		return Euclidean, nil
	case "cosine":
		return Cosine, nil
	case "dot", "dotproduct", "dot_product", "ip":
		return DotProduct, nil
	default:
		return 0, types.InvalidParameterf("unknown metric %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Metric) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Metric) UnmarshalText(b []byte) error {
	v, err := ParseMetric(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

var (
	activeISA   ISA
	detectedISA ISA
	overridden  bool
)

func init() {
	activeISA, detectedISA, overridden = selectISA()
}

// ActiveISA returns the tier bound into engines created with NewEngine.
func ActiveISA() ISA { return activeISA }

// DetectedISA returns the widest tier the CPU supports, ignoring ZYPHYR_SIMD.
func DetectedISA() ISA { return detectedISA }

// IsOverridden reports whether ZYPHYR_SIMD narrowed the selection.
func IsOverridden() bool { return overridden }

// Operand is a vector together with its cached normalization flag.
type Operand struct {
	Data       []float32
	Normalized bool
}

// Engine computes distances for one metric with a fixed kernel tier.
// It is immutable and safe for concurrent use.
type Engine struct {
	metric Metric
	isa    ISA
	dot    kernelFunc
	sqL2   kernelFunc
}

// NewEngine returns an engine bound to the active kernel tier.
func NewEngine(metric Metric) (*Engine, error) {
	return NewEngineWithISA(metric, activeISA)
}

// NewEngineWithISA binds an explicit tier. Tiers wider than the detected one are
// rejected; narrower ones are always available.
func NewEngineWithISA(metric Metric, isa ISA) (*Engine, error) {
	if !metric.Valid() {
		return nil, types.InvalidParameterf("unsupported metric %d", uint8(metric))
	}
	if int(isa) >= len(kernelTable) || isa > detectedISA {
		return nil, types.InvalidParameterf("kernel tier %s not available on this cpu (detected %s)", isa, detectedISA)
	}
	ks := kernelTable[isa]
	return &Engine{metric: metric, isa: isa, dot: ks.dot, sqL2: ks.sqL2}, nil
}

// Metric returns the engine's metric.
func (e *Engine) Metric() Metric { return e.metric }

// ISA returns the bound kernel tier.
func (e *Engine) ISA() ISA { return e.isa }

// Prepared computes the distance between operands already in stored form
// (normalized when the metric requires it). No checks are performed: this is the
// graph's hot path and callers guarantee equal lengths.
func (e *Engine) Prepared(a, b []float32) float32 {
	switch e.metric {
	case Cosine:
		return clampCosine(1 - e.dot(a, b))
	case DotProduct:
		return -e.dot(a, b)
	default:
		return float32(math.Sqrt(float64(e.sqL2(a, b))))
	}
}

// Prepare returns v in stored form: v itself when the metric does not normalize,
// otherwise a normalized copy. The boolean reports whether the result is normalized.
func (e *Engine) Prepare(v []float32) ([]float32, bool) {
	if !e.metric.RequiresNormalization() {
		return v, false
	}
	return NormalizedCopy(v), true
}

// Distance computes the distance between two raw vectors. Operands are treated as
// not normalized: for Cosine a normalized defensive copy is made.
func (e *Engine) Distance(a, b []float32) (float32, error) {
	return e.Compare(Operand{Data: a}, Operand{Data: b})
}

// Compare computes the distance between two operands, normalizing a copy of any
// operand that the metric needs normalized and that is not flagged as such.
func (e *Engine) Compare(a, b Operand) (float32, error) {
	if len(a.Data) != len(b.Data) {
		return 0, &types.DimensionMismatchError{Expected: len(a.Data), Actual: len(b.Data)}
	}
	if len(a.Data) == 0 {
		return 0, types.ErrEmptyVector
	}
	if e.metric != Cosine {
		return e.Prepared(a.Data, b.Data), nil
	}

	x, releaseX := normalizedOperand(a)
	defer releaseX()
	y, releaseY := normalizedOperand(b)
	defer releaseY()
	return e.Prepared(x, y), nil
}

// DistanceMany scores query against candidates, a flattened row-major matrix of
// len(candidates)/len(query) vectors. Results are written to out (grown if needed)
// in candidate order. The dimension is checked once for the whole batch.
func (e *Engine) DistanceMany(query Operand, candidates []float32, candidatesNormalized bool, out []float32) ([]float32, error) {
	dim := len(query.Data)
	if dim == 0 {
		return out[:0], types.ErrEmptyVector
	}
	if len(candidates)%dim != 0 {
		return out[:0], &types.DimensionMismatchError{Expected: dim, Actual: len(candidates) % dim}
	}
	n := len(candidates) / dim
	if cap(out) < n {
		out = make([]float32, n)
	}
	out = out[:n]

	q := query.Data
	if e.metric == Cosine && !query.Normalized {
		var release func()
		q, release = normalizedOperand(query)
		defer release()
	}

	if e.metric == Cosine && !candidatesNormalized {
		buf := getWorkspace(dim)
		defer putWorkspace(buf)
		for i := 0; i < n; i++ {
			copy(*buf, candidates[i*dim:(i+1)*dim])
			Normalize(*buf)
			out[i] = e.Prepared(q, *buf)
		}
		return out, nil
	}

	for i := 0; i < n; i++ {
		out[i] = e.Prepared(q, candidates[i*dim:(i+1)*dim:(i+1)*dim])
	}
	return out, nil
}

// clampCosine keeps rounding error from producing distances outside [0, 2].
func clampCosine(d float32) float32 {
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}

// --- WORKSPACE POOL ---

// workspace holds scratch slices for defensive normalization so that Cosine on
// unnormalized operands does not allocate per call.
var workspace = sync.Pool{
	New: func() any {
		s := make([]float32, 1536)
		return &s
	},
}

func getWorkspace(n int) *[]float32 {
	p := workspace.Get().(*[]float32)
	if cap(*p) < n {
		*p = make([]float32, n)
	}
	*p = (*p)[:n]
	return p
}

func putWorkspace(p *[]float32) { workspace.Put(p) }

func normalizedOperand(o Operand) ([]float32, func()) {
	if o.Normalized {
		return o.Data, func() {}
	}
	buf := getWorkspace(len(o.Data))
	copy(*buf, o.Data)
	Normalize(*buf)
	return *buf, func() { putWorkspace(buf) }
}

// --- Package-level convenience ---

var (
	enginesOnce sync.Once
	engines     [3]*Engine
)

func engineFor(metric Metric) (*Engine, error) {
	enginesOnce.Do(func() {
		for m := Euclidean; m <= DotProduct; m++ {
			engines[m], _ = NewEngine(m)
		}
	})
	if !metric.Valid() {
		return nil, types.InvalidParameterf("unsupported metric %d", uint8(metric))
	}
	return engines[metric], nil
}

// Distance computes distance(metric, a, b) with the process-wide kernel selection.
func Distance(metric Metric, a, b []float32) (float32, error) {
	e, err := engineFor(metric)
	if err != nil {
		return 0, err
	}
	return e.Distance(a, b)
}

// DistanceMany computes distance_many(metric, query, candidates) where candidates is
// a flattened matrix of raw vectors.
func DistanceMany(metric Metric, query, candidates []float32) ([]float32, error) {
	e, err := engineFor(metric)
	if err != nil {
		return nil, err
	}
	return e.DistanceMany(Operand{Data: query}, candidates, false, nil)
}
