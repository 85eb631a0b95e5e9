package transformers

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/lazyllama/weights"
)

// Attention is the multi-head self-attention block.
//
// There is no masking and no key/value cache: every call recomputes the attention over the whole sequence.
type Attention struct {
	QProj, KProj, VProj, OProj *weights.Weight // [hiddenDim, hiddenDim]
	RotaryEmbed                *RotaryEmbedding
	NumHeads                   int
}

// weights in load order: projections q, k, v, o and then the rotary inverse frequencies.
func (a *Attention) weights() []*weights.Weight {
	return append([]*weights.Weight{a.QProj, a.KProj, a.VProj, a.OProj}, a.RotaryEmbed.weights()...)
}

// Forward applies self-attention to x, shaped [batchSize, seqLen, hiddenDim].
func (a *Attention) Forward(params GraphWeights, x *Node) *Node {
	// B = batchSize
	// S = seqLen
	// H = hiddenDim
	// N = numHeads
	// D = headDim
	dims := x.Shape().Dimensions
	if len(dims) != 3 {
		exceptions.Panicf("Attention: x must be shaped [batchSize, seqLen, hiddenDim], got %s", x.Shape())
	}
	batchSize, seqLen, hiddenDim := dims[0], dims[1], dims[2]
	if hiddenDim%a.NumHeads != 0 {
		exceptions.Panicf("Attention: hiddenDim %d not divisible by numHeads %d", hiddenDim, a.NumHeads)
	}
	headDim := hiddenDim / a.NumHeads

	// project to [B, N, S, D].
	project := func(w *weights.Weight) *Node {
		projection := Einsum("bsh,ho->bso", x, params.Get(w))
		projection = Reshape(projection, batchSize, seqLen, a.NumHeads, headDim)
		return TransposeAllDims(projection, 0, 2, 1, 3)
	}
	query := project(a.QProj)
	key := project(a.KProj)
	value := project(a.VProj)
	query, key = a.RotaryEmbed.Forward(params, query, key)

	// [B, N, S, S]
	logits := Einsum("bnqd,bnkd->bnqk", query, key)
	logits = MulScalar(logits, 1.0/math.Sqrt(float64(headDim)))
	attentionWeights := Softmax(logits, -1)

	// [B, N, S, D] -> [B, S, H]
	output := Einsum("bnqk,bnkd->bnqd", attentionWeights, value)
	output = TransposeAllDims(output, 0, 2, 1, 3)
	output = Reshape(output, batchSize, seqLen, hiddenDim)
	return Einsum("bsh,ho->bso", output, params.Get(a.OProj))
}
