package huggingface

import (
	"os"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyllama/trees"
	"github.com/gomlx/lazyllama/weights"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	_ "github.com/gomlx/gomlx/backends/xla"
)

const llama2Config = `{
  "architectures": ["LlamaForCausalLM"],
  "bos_token_id": 1,
  "eos_token_id": 2,
  "hidden_act": "silu",
  "hidden_size": 4096,
  "initializer_range": 0.02,
  "intermediate_size": 11008,
  "max_position_embeddings": 4096,
  "model_type": "llama",
  "num_attention_heads": 32,
  "num_hidden_layers": 32,
  "num_key_value_heads": 32,
  "pretraining_tp": 1,
  "rms_norm_eps": 1e-05,
  "rope_scaling": null,
  "tie_word_embeddings": false,
  "torch_dtype": "float16",
  "transformers_version": "4.31.0.dev0",
  "use_cache": true,
  "vocab_size": 32000
}`

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig([]byte(llama2Config))
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, c.DType)
	assert.Equal(t, 32000, c.VocabSize)
	assert.Equal(t, 4096, c.HiddenDim)
	assert.Equal(t, 11008, c.IntermediateDim)
	assert.Equal(t, 32, c.NumHeads)
	assert.Equal(t, 32, c.NumLayers)
	assert.InDelta(t, 1e-5, c.RMSNormEpsilon, 1e-12)
	assert.Equal(t, 10_000.0, c.RopeTheta)

	c, err = ParseConfig([]byte(`{"torch_dtype": "bfloat16", "vocab_size": 10, "hidden_size": 8,
		"intermediate_size": 12, "num_attention_heads": 2, "num_hidden_layers": 1, "rope_theta": 500000.0}`))
	require.NoError(t, err)
	assert.Equal(t, dtypes.BFloat16, c.DType)
	assert.Equal(t, 500_000.0, c.RopeTheta)
	assert.Equal(t, 1e-6, c.RMSNormEpsilon)

	_, err = ParseConfig([]byte(`{"hidden_size": 4096, "num_attention_heads": 32, "num_key_value_heads": 8}`))
	require.ErrorContains(t, err, "grouped-query")
	_, err = ParseConfig([]byte(`{"torch_dtype": "int8"}`))
	require.Error(t, err)
	_, err = ParseConfig([]byte(`{"hidden_size": 4096, "num_attention_heads": 0}`))
	require.Error(t, err)
	_, err = ParseConfig([]byte(`not json`))
	require.Error(t, err)
}

func TestConvertName(t *testing.T) {
	for name, want := range map[string]struct {
		path      string
		transpose bool
	}{
		"model.embed_tokens.weight":                      {"model/embed_tokens/weight", false},
		"model.norm.weight":                              {"model/norm/weight", false},
		"lm_head.weight":                                 {"lm_head/weight", true},
		"model.layers.0.input_layernorm.weight":          {"model/layers/0/input_layernorm/weight", false},
		"model.layers.7.post_attention_layernorm.weight": {"model/layers/7/post_attention_layernorm/weight", false},
		"model.layers.12.self_attn.q_proj.weight":        {"model/layers/12/self_attn/q_proj/weight", true},
		"model.layers.3.self_attn.o_proj.weight":         {"model/layers/3/self_attn/o_proj/weight", true},
		"model.layers.3.self_attn.rotary_emb.inv_freq":   {"model/layers/3/self_attn/rotary_emb/inv_freq", false},
		"model.layers.31.mlp.gate_proj.weight":           {"model/layers/31/mlp/gate_proj/weight", true},
		"model.layers.31.mlp.down_proj.weight":           {"model/layers/31/mlp/down_proj/weight", true},
		"model.layers.31.mlp.up_proj.weight":             {"model/layers/31/mlp/up_proj/weight", true},
	} {
		p, transpose := ConvertName(name)
		assert.Equalf(t, want.path, p.String(), "converting %q", name)
		assert.Equalf(t, want.transpose, transpose, "converting %q", name)
	}

	for _, name := range []string{
		"model.layers.x.mlp.up_proj.weight",
		"model.layers.1.mlp.up_proj.bias",
		"model.layers.1.self_attn.q_norm.weight",
		"model.layers.1.pre_feedforward_layernorm.weight",
		"model.layers.1",
		"vision_tower.weight",
	} {
		p, _ := ConvertName(name)
		assert.Emptyf(t, p, "%q should not be converted", name)
	}
}

func TestWriteTensor(t *testing.T) {
	store := &weights.Store{Root: t.TempDir()}
	p := trees.Path{"model", "norm", "weight"}
	w := store.NewWeight(p, shapes.Make(dtypes.Float32, 3))
	require.NoError(t, writeTensor(store, p, w, tensors.FromValue([]float32{1, 2, 3})))
	got, err := w.MaterializeOn(nil)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, got.Value())

	err = writeTensor(store, p, w, tensors.FromValue([]float32{1, 2}))
	require.ErrorContains(t, err, "should be shaped")
}

func TestConverterWrite(t *testing.T) {
	conv := newConverter(backends.New())
	store := &weights.Store{Root: t.TempDir()}

	// HuggingFace layout [out=3, in=2], in float32, converted to a float16 [in=2, out=3] weight.
	p := trees.Path{"model", "layers", "0", "self_attn", "q_proj", "weight"}
	w := store.NewWeight(p, shapes.Make(dtypes.Float16, 2, 3))
	require.NoError(t, conv.write(store, p, w, tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}), true))
	info, err := os.Stat(w.Locator)
	require.NoError(t, err)
	require.Equal(t, int64(w.ByteSize()), info.Size())

	got, err := w.MaterializeOn(nil)
	require.NoError(t, err)
	h := float16.Fromfloat32
	require.Equal(t, [][]float16.Float16{{h(1), h(3), h(5)}, {h(2), h(4), h(6)}}, got.Value())

	// Mismatched shapes are not written.
	p = trees.Path{"lm_head", "weight"}
	w = store.NewWeight(p, shapes.Make(dtypes.Float16, 4, 3))
	require.Error(t, conv.write(store, p, w, tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}), true))
	_, err = os.Stat(w.Locator)
	require.True(t, os.IsNotExist(err))
}
