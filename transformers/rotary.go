package transformers

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyllama/weights"
)

// RotaryEmbedding (RoPE) rotates queries and keys by angles proportional to their position.
//
// It uses the "half-split" convention: the head dimension is split in two halves (not in interleaved even/odd
// pairs), and the angles for the 2 halves are the same.
type RotaryEmbedding struct {
	InvFreq *weights.Weight // float32[headDim/2]
}

func (r *RotaryEmbedding) weights() []*weights.Weight { return []*weights.Weight{r.InvFreq} }

// Forward applies the rotary embedding to the queries and keys, both shaped [batchSize, numHeads, seqLen, headDim].
func (r *RotaryEmbedding) Forward(params GraphWeights, q, k *Node) (qEmbed, kEmbed *Node) {
	seqLen := q.Shape().Dim(-2)
	sin, cos := RotaryTables(params.Get(r.InvFreq), seqLen, q.DType())
	return ApplyRotary(q, sin, cos), ApplyRotary(k, sin, cos)
}

// RotaryTables returns the sine and cosine of the angles `position * invFreq`, for positions 0 to seqLen-1.
//
// Both are shaped [seqLen, 2*invFreq.Shape().Size()] and converted to dtype: the angles of the frequencies
// are concatenated to themselves to cover the full head dimension.
func RotaryTables(invFreq *Node, seqLen int, dtype dtypes.DType) (sin, cos *Node) {
	g := invFreq.Graph()
	if invFreq.Rank() != 1 {
		exceptions.Panicf("RotaryTables: invFreq must be of rank 1, got shape %s", invFreq.Shape())
	}
	halfDim := invFreq.Shape().Dim(0)
	invFreq = ConvertDType(invFreq, dtypes.Float32)
	positions := Iota(g, shapes.Make(dtypes.Float32, seqLen, 1), 0)
	freqs := Mul(positions, Reshape(invFreq, 1, halfDim)) // [seqLen, halfDim]
	angles := Concatenate([]*Node{freqs, freqs}, 1)       // [seqLen, headDim]
	sin = ConvertDType(Sin(angles), dtype)
	cos = ConvertDType(Cos(angles), dtype)
	return
}

// ApplyRotary returns `x*cos + RotateHalf(x)*sin`, where x is shaped [..., seqLen, headDim] and sin and cos
// are shaped [seqLen, headDim].
func ApplyRotary(x, sin, cos *Node) *Node {
	sin = ExpandLeftToRank(sin, x.Rank())
	cos = ExpandLeftToRank(cos, x.Rank())
	return Add(Mul(x, cos), Mul(RotateHalf(x), sin))
}

// RotateHalf splits the last axis of x in halves [x1, x2] and returns [-x2, x1].
func RotateHalf(x *Node) *Node {
	rank := x.Rank()
	dim := x.Shape().Dim(-1)
	if dim%2 != 0 {
		exceptions.Panicf("RotateHalf: last axis must have an even dimension, got shape %s", x.Shape())
	}
	half := dim / 2
	lowerSpec := make([]SliceAxisSpec, rank)
	upperSpec := make([]SliceAxisSpec, rank)
	for axis := range rank - 1 {
		lowerSpec[axis] = AxisRange()
		upperSpec[axis] = AxisRange()
	}
	lowerSpec[rank-1] = AxisRange(0, half)
	upperSpec[rank-1] = AxisRange(half)
	x1 := Slice(x, lowerSpec...)
	x2 := Slice(x, upperSpec...)
	return Concatenate([]*Node{Neg(x2), x1}, rank-1)
}

// InverseFrequencies returns the usual RoPE inverse frequencies `1/theta^(2i/headDim)`, for i in [0, headDim/2).
// Checkpoints that don't ship an inv_freq tensor get it generated from this.
func InverseFrequencies(headDim int, theta float64) []float32 {
	invFreq := make([]float32, headDim/2)
	for ii := range invFreq {
		invFreq[ii] = float32(1.0 / math.Pow(theta, float64(2*ii)/float64(headDim)))
	}
	return invFreq
}
