package transformers

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/lazyllama/weights"
)

// DecoderLayer is one transformer block: pre-normalized self-attention and feed-forward, each with a residual
// connection.
type DecoderLayer struct {
	SelfAttn               *Attention
	MLP                    *MLP
	InputLayerNorm         *RMSNorm
	PostAttentionLayerNorm *RMSNorm
}

// weights in load order: attention, feed-forward, input norm and post-attention norm.
func (l *DecoderLayer) weights() []*weights.Weight {
	var list []*weights.Weight
	list = append(list, l.SelfAttn.weights()...)
	list = append(list, l.MLP.weights()...)
	list = append(list, l.InputLayerNorm.weights()...)
	return append(list, l.PostAttentionLayerNorm.weights()...)
}

// Forward applies the layer to x, shaped [batchSize, seqLen, hiddenDim].
func (l *DecoderLayer) Forward(params GraphWeights, x *Node) *Node {
	residual := x
	x = l.InputLayerNorm.Forward(params, x)
	x = Add(residual, l.SelfAttn.Forward(params, x))
	residual = x
	x = l.PostAttentionLayerNorm.Forward(params, x)
	return Add(residual, l.MLP.Forward(params, x))
}
