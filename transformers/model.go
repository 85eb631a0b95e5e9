package transformers

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyllama/trees"
	"github.com/gomlx/lazyllama/weights"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a LLaMA-like causal language model: token embedding, decoder layers, final normalization and the
// output projection ("head") to the vocabulary.
//
// Forward is not safe for concurrent use. Materialization of each weight is serialized, but concurrent forward
// passes on the same Model are not supported: create one Model per concurrent caller.
type Model struct {
	Config *Config
	Store  *weights.Store

	LMHead      *weights.Weight // [hiddenDim, vocabSize]
	EmbedTokens *weights.Weight // [vocabSize, hiddenDim]
	Layers      []*DecoderLayer
	Norm        *RMSNorm

	// Weights indexes all the model weights by their path in the store. Its Leaves are in load order.
	Weights *trees.Tree[*weights.Weight]

	exec        *Exec
	execBackend backends.Backend
}

// NewModel creates the model structure for the config, with all weights on the given store.
// The store is not accessed.
func NewModel(config *Config, store *weights.Store) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		Config:  config,
		Store:   store,
		Weights: trees.New[*weights.Weight](),
	}
	// Weights must be created in load order, since the tree keeps the insertion order.
	newWeight := func(dtype dtypes.DType, dims []int, path ...string) *weights.Weight {
		p := trees.Path(path)
		w := store.NewWeight(p, shapes.Make(dtype, dims...))
		m.Weights.MustSet(p, w)
		return w
	}
	dtype := config.DType
	hidden, intermediate, vocab := config.HiddenDim, config.IntermediateDim, config.VocabSize
	newRMSNorm := func(path ...string) *RMSNorm {
		return &RMSNorm{
			Weight:  newWeight(dtype, []int{hidden}, append(path, "weight")...),
			Epsilon: config.RMSNormEpsilon,
		}
	}

	m.LMHead = newWeight(dtype, []int{hidden, vocab}, "lm_head", "weight")
	m.EmbedTokens = newWeight(dtype, []int{vocab, hidden}, "model", "embed_tokens", "weight")
	m.Layers = make([]*DecoderLayer, config.NumLayers)
	for layerIdx := range config.NumLayers {
		layerPath := []string{"model", "layers", fmt.Sprintf("%d", layerIdx)}
		in := func(path ...string) []string {
			return append(append([]string{}, layerPath...), path...)
		}
		layer := &DecoderLayer{}
		layer.SelfAttn = &Attention{
			QProj:    newWeight(dtype, []int{hidden, hidden}, in("self_attn", "q_proj", "weight")...),
			KProj:    newWeight(dtype, []int{hidden, hidden}, in("self_attn", "k_proj", "weight")...),
			VProj:    newWeight(dtype, []int{hidden, hidden}, in("self_attn", "v_proj", "weight")...),
			OProj:    newWeight(dtype, []int{hidden, hidden}, in("self_attn", "o_proj", "weight")...),
			NumHeads: config.NumHeads,
		}
		layer.SelfAttn.RotaryEmbed = &RotaryEmbedding{
			InvFreq: newWeight(dtypes.Float32, []int{config.HeadDim() / 2}, in("self_attn", "rotary_emb", "inv_freq")...),
		}
		layer.MLP = &MLP{
			GateProj: newWeight(dtype, []int{hidden, intermediate}, in("mlp", "gate_proj", "weight")...),
			DownProj: newWeight(dtype, []int{intermediate, hidden}, in("mlp", "down_proj", "weight")...),
			UpProj:   newWeight(dtype, []int{hidden, intermediate}, in("mlp", "up_proj", "weight")...),
		}
		layer.InputLayerNorm = newRMSNorm(in("input_layernorm")...)
		layer.PostAttentionLayerNorm = newRMSNorm(in("post_attention_layernorm")...)
		m.Layers[layerIdx] = layer
	}
	m.Norm = newRMSNorm("model", "norm")
	return m, nil
}

// NewModelFromStore opens the store in dir and creates the model with all its weights on the store.
//
// If config is nil, it is read from the store (see ReadConfig).
//
// Every weight file is checked to exist and to have the exact size of its shape, so a bad store fails here and
// not in the middle of inference. The files are not read.
func NewModelFromStore(ctx context.Context, dir string, config *Config) (*Model, error) {
	store, err := weights.OpenStore(dir)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config, err = ReadConfig(store.Root)
		if err != nil {
			return nil, err
		}
	}
	m, err := NewModel(config, store)
	if err != nil {
		return nil, err
	}
	if err = weights.Validate(ctx, m.LoadOrder()); err != nil {
		return nil, errors.WithMessagef(err, "invalid weights store %q", store.Root)
	}
	klog.V(1).Infof("Model with %d layers in %q: %d weights, %s", config.NumLayers, store.Root,
		m.Weights.NumLeaves(), humanize.IBytes(m.TotalBytes()))
	return m, nil
}

// LoadOrder returns the weights in the priority order used to materialize them up-front:
//
//  1. Output projection ("head").
//  2. Token embedding table.
//  3. For each layer, in order: attention q, k, v, o projections and rotary inverse frequencies; feed-forward
//     gate, down and up projections; input normalization; post-attention normalization.
//  4. Final normalization.
func (m *Model) LoadOrder() []*weights.Weight {
	list := []*weights.Weight{m.LMHead, m.EmbedTokens}
	for _, layer := range m.Layers {
		list = append(list, layer.weights()...)
	}
	return append(list, m.Norm.weights()...)
}

// usageOrder returns the weights in the order they are used in the forward pass. It's also the order of the
// parameters of the forward graph.
func (m *Model) usageOrder() []*weights.Weight {
	list := []*weights.Weight{m.EmbedTokens}
	for _, layer := range m.Layers {
		list = append(list, layer.weights()...)
	}
	list = append(list, m.Norm.weights()...)
	return append(list, m.LMHead)
}

// TotalBytes is the size of all weights of the model.
func (m *Model) TotalBytes() uint64 { return weights.TotalBytes(m.LoadOrder()) }

// ResidentBytes is the size of the weights already materialized.
func (m *Model) ResidentBytes() uint64 { return weights.ResidentBytes(m.LoadOrder()) }

// TryMaterialize materializes the weights on the backend in LoadOrder, as long as they fit in maxBytes.
// It returns the unused budget. See weights.MaterializeWithBudget for details.
//
// It can be called again later with a larger budget to materialize more weights. visit may be nil.
func (m *Model) TryMaterialize(maxBytes uint64, backend backends.Backend, visit weights.Visitor) (remaining uint64, err error) {
	return weights.MaterializeWithBudget(m.LoadOrder(), maxBytes, backend, visit)
}

// Forward runs the model on the token ids (integer tensor shaped [batchSize, seqLen]) and returns the scores
// for each vocabulary entry, shaped [batchSize, seqLen, vocabSize] in the config dtype.
//
// Weights still on the store are materialized on the backend first: a store failure aborts the call with an
// error, and leaves the weight on the store.
func (m *Model) Forward(backend backends.Backend, tokens *tensors.Tensor) (logits *tensors.Tensor, err error) {
	if backend == nil {
		return nil, errors.New("Model.Forward requires a backend")
	}
	if tokens.Shape().Rank() != 2 || !tokens.DType().IsInt() {
		return nil, errors.Errorf("Model.Forward requires integer token ids shaped [batchSize, seqLen], got %s",
			tokens.Shape())
	}
	err = exceptions.TryCatch[error](func() {
		order := m.usageOrder()
		args := make([]any, 0, 1+len(order))
		args = append(args, tokens)
		for _, w := range order {
			args = append(args, w.MustMaterializeOn(backend))
		}
		if m.exec == nil || m.execBackend != backend {
			// One graph is compiled per sequence length.
			m.exec = NewExec(backend, m.buildGraph).SetMaxCache(-1)
			m.execBackend = backend
		}
		logits = m.exec.Call(args...)[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "Model.Forward")
	}
	return logits, nil
}

// buildGraph builds the forward graph: inputs are the token ids followed by the weights in usageOrder.
func (m *Model) buildGraph(inputs []*Node) *Node {
	order := m.usageOrder()
	if len(inputs) != 1+len(order) {
		exceptions.Panicf("model graph expects %d inputs (tokens and weights), got %d", 1+len(order), len(inputs))
	}
	params := make(GraphWeights, len(order))
	for ii, w := range order {
		params[w] = inputs[1+ii]
	}
	return m.ForwardGraph(params, inputs[0])
}

// ForwardGraph builds the model computation for tokens, shaped [batchSize, seqLen], returning the logits
// shaped [batchSize, seqLen, vocabSize].
func (m *Model) ForwardGraph(params GraphWeights, tokens *Node) *Node {
	if tokens.Rank() != 2 {
		exceptions.Panicf("tokens must be shaped [batchSize, seqLen], got %s", tokens.Shape())
	}
	batchSize, seqLen := tokens.Shape().Dim(0), tokens.Shape().Dim(1)
	indices := Reshape(ConvertDType(tokens, dtypes.Int32), batchSize, seqLen, 1)
	x := Gather(params.Get(m.EmbedTokens), indices) // [batchSize, seqLen, hiddenDim]
	for _, layer := range m.Layers {
		x = layer.Forward(params, x)
	}
	x = m.Norm.Forward(params, x)
	return Einsum("bsh,hv->bsv", x, params.Get(m.LMHead))
}
