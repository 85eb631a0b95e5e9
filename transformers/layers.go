package transformers

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/lazyllama/weights"
)

// RMSNorm normalizes by its root-mean-square (x = x / sqrt(mean(x^2, axis=-1) + epsilon)) and applies a
// learned scale.
type RMSNorm struct {
	Weight  *weights.Weight // [hiddenDim]
	Epsilon float64
}

func (n *RMSNorm) weights() []*weights.Weight { return []*weights.Weight{n.Weight} }

// Forward applies the normalization to x, shaped [..., hiddenDim].
func (n *RMSNorm) Forward(params GraphWeights, x *Node) *Node {
	return RMSNormalize(x, params.Get(n.Weight), n.Epsilon)
}

// RMSNormalize normalizes x over its last axis and multiplies it by scale, shaped [x.Shape().Dim(-1)].
func RMSNormalize(x, scale *Node, epsilon float64) *Node {
	variance := ReduceAndKeep(Square(x), ReduceMean, -1)
	normalizedX := Mul(x, Rsqrt(AddScalar(variance, epsilon)))
	scale = ExpandLeftToRank(scale, normalizedX.Rank()) // Expand rank of scale to match normalizedX.
	return Mul(normalizedX, scale)
}

// MLP is the gated feed-forward block.
type MLP struct {
	GateProj *weights.Weight // [hiddenDim, intermediateDim]
	DownProj *weights.Weight // [intermediateDim, hiddenDim]
	UpProj   *weights.Weight // [hiddenDim, intermediateDim]
}

// weights in load order.
func (m *MLP) weights() []*weights.Weight {
	return []*weights.Weight{m.GateProj, m.DownProj, m.UpProj}
}

// Forward applies the gated feed-forward to x, shaped [batchSize, seqLen, hiddenDim].
func (m *MLP) Forward(params GraphWeights, x *Node) *Node {
	return GatedFeedForward(x, params.Get(m.GateProj), params.Get(m.DownProj), params.Get(m.UpProj))
}

// GatedFeedForward returns `(x·up * silu(x·gate))·down`, with `silu(g) = g * sigmoid(g)`.
func GatedFeedForward(x, gateProj, downProj, upProj *Node) *Node {
	gate := Einsum("bsh,hi->bsi", x, gateProj)
	silu := Mul(gate, Sigmoid(gate))
	up := Einsum("bsh,hi->bsi", x, upProj)
	return Einsum("bsi,ih->bsh", Mul(up, silu), downProj)
}
