// Package huggingface converts LLaMA checkpoints from HuggingFace into a weights store: one raw file per weight
// plus the model configuration, the format read by transformers.NewModelFromStore.
//
// With a HuggingFace token, the process is automatic: the ".safetensors" files are downloaded (and cached),
// and each tensor is transposed and converted as needed, without any Python dependency.
//
// Example:
//
//	config, err := huggingface.Convert(backend, "meta-llama/Llama-2-7b-hf", hfToken, "~/.cache/lazyllama", "~/llama2-7b")
package huggingface

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/data"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyllama/transformers"
	"github.com/gomlx/lazyllama/trees"
	"github.com/gomlx/lazyllama/weights"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// HFConfigFileName is the model configuration in a HuggingFace repository.
	HFConfigFileName = "config.json"

	// TokenizerFileName is the sentencepiece model in a HuggingFace repository. It is copied to the store.
	TokenizerFileName = "tokenizer.model"
)

// hfConfig holds the fields of the HuggingFace LlamaConfig that are used.
type hfConfig struct {
	TorchDType        string  `json:"torch_dtype"`
	VocabSize         int     `json:"vocab_size"`
	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	RMSNormEps        float64 `json:"rms_norm_eps"`
	RopeTheta         float64 `json:"rope_theta"`
}

// ParseConfig converts the contents of a HuggingFace "config.json" to a transformers.Config.
//
// Grouped-query attention (num_key_value_heads != num_attention_heads) is not supported.
func ParseConfig(contents []byte) (*transformers.Config, error) {
	var hf hfConfig
	if err := json.Unmarshal(contents, &hf); err != nil {
		return nil, errors.Wrap(err, "failed to parse HuggingFace model config")
	}
	if hf.NumKeyValueHeads != 0 && hf.NumKeyValueHeads != hf.NumAttentionHeads {
		return nil, errors.Errorf("model uses grouped-query attention (%d key/value heads for %d heads), which is not supported",
			hf.NumKeyValueHeads, hf.NumAttentionHeads)
	}
	c := &transformers.Config{
		VocabSize:       hf.VocabSize,
		HiddenDim:       hf.HiddenSize,
		IntermediateDim: hf.IntermediateSize,
		NumHeads:        hf.NumAttentionHeads,
		NumLayers:       hf.NumHiddenLayers,
		RMSNormEpsilon:  hf.RMSNormEps,
		RopeTheta:       hf.RopeTheta,
	}
	switch hf.TorchDType {
	case "float16", "":
		c.DType = dtypes.Float16
	case "bfloat16":
		c.DType = dtypes.BFloat16
	case "float32":
		c.DType = dtypes.Float32
	default:
		return nil, errors.Errorf("unsupported torch_dtype %q", hf.TorchDType)
	}
	if c.RMSNormEpsilon == 0 {
		c.RMSNormEpsilon = transformers.DefaultRMSNormEpsilon
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = transformers.DefaultRopeTheta
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Convert will download (if needed) the LLaMA model identified by hfID (it's a HuggingFace model id, e.g.:
// "meta-llama/Llama-2-7b-hf"), cache it under cacheDir, and write a weights store in outputDir.
//
// The hfAuthToken is a HuggingFace token -- read-only access -- that needs to be created once in HuggingFace site.
//
// The backend is used to transpose and convert the tensors. It returns the config of the converted model.
func Convert(backend backends.Backend, hfID, hfAuthToken, cacheDir, outputDir string) (*transformers.Config, error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	hfm, err := gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return nil, err
	}
	if err = hfm.Download(); err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path.Join(hfm.BaseDir, HFConfigFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s of %q", HFConfigFileName, hfID)
	}
	config, err := ParseConfig(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %s of %q", HFConfigFileName, hfID)
	}

	outputDir = data.ReplaceTildeInDir(outputDir)
	if err = os.MkdirAll(outputDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %q", outputDir)
	}
	store, err := weights.OpenStore(outputDir)
	if err != nil {
		return nil, err
	}
	model, err := transformers.NewModel(config, store)
	if err != nil {
		return nil, err
	}
	conv := newConverter(backend)
	written := make(map[string]bool)
	for entry, err := range hfm.EnumerateTensors() {
		if err != nil {
			return nil, err
		}
		p, transpose := ConvertName(entry.Name)
		w, found := model.Weights.Get(p)
		if len(p) == 0 || !found {
			klog.Warningf("Skipping: %s -> %s", entry.Name, entry.Tensor.Shape())
			entry.Tensor.FinalizeAll()
			continue
		}
		err = conv.write(store, p, w, entry.Tensor, transpose)
		entry.Tensor.FinalizeAll()
		if err != nil {
			return nil, errors.WithMessagef(err, "converting %q", entry.Name)
		}
		written[w.Name] = true
	}

	// Older checkpoints don't include the rotary inverse frequencies: they are generated from the config.
	invFreq := transformers.InverseFrequencies(config.HeadDim(), config.RopeTheta)
	for _, layer := range model.Layers {
		w := layer.SelfAttn.RotaryEmbed.InvFreq
		if written[w.Name] {
			continue
		}
		if err = writeTensor(store, trees.ParsePath(w.Name), w, tensors.FromValue(invFreq)); err != nil {
			return nil, err
		}
		written[w.Name] = true
	}
	for _, w := range model.LoadOrder() {
		if !written[w.Name] {
			return nil, errors.Errorf("checkpoint %q has no tensor for weight %q", hfID, w.Name)
		}
	}

	if err = copyFile(path.Join(hfm.BaseDir, TokenizerFileName), path.Join(outputDir, TokenizerFileName)); err != nil {
		return nil, err
	}
	if err = transformers.WriteConfig(outputDir, config); err != nil {
		return nil, err
	}
	if err = weights.Validate(context.Background(), model.LoadOrder()); err != nil {
		return nil, errors.WithMessagef(err, "converted store %q is invalid", outputDir)
	}
	klog.Infof("Converted %q to %q: %d weights, %s", hfID, outputDir, len(written), humanize.IBytes(model.TotalBytes()))
	return config, nil
}

// converter holds the computation used to convert the dtype and transpose checkpoint tensors.
type converter struct {
	backend backends.Backend
	execs   map[string]*Exec
}

func newConverter(backend backends.Backend) *converter {
	return &converter{backend: backend, execs: make(map[string]*Exec)}
}

func (c *converter) exec(dtype dtypes.DType, transpose bool) *Exec {
	key := fmt.Sprintf("%s/%v", dtype, transpose)
	if e, found := c.execs[key]; found {
		return e
	}
	e := NewExec(c.backend, func(x *Node) *Node {
		x = ConvertDType(x, dtype)
		if transpose {
			x = Transpose(x, 0, 1)
		}
		return x
	}).SetMaxCache(-1)
	c.execs[key] = e
	return e
}

func (c *converter) write(store *weights.Store, p trees.Path, w *weights.Weight, t *tensors.Tensor, transpose bool) error {
	dtype := w.Shape().DType
	if transpose && t.Rank() != 2 {
		return errors.Errorf("can't transpose tensor shaped %s", t.Shape())
	}
	if t.DType() == dtype && !transpose {
		return writeTensor(store, p, w, t)
	}
	var converted *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		converted = c.exec(dtype, transpose).Call(t)[0]
	})
	if err != nil {
		return err
	}
	defer converted.FinalizeAll()
	return writeTensor(store, p, w, converted)
}

// writeTensor checks that t has the weight's shape and writes its raw bytes to the store.
func writeTensor(store *weights.Store, p trees.Path, w *weights.Weight, t *tensors.Tensor) (err error) {
	if !t.Shape().Equal(w.Shape()) {
		return errors.Errorf("weight %q should be shaped %s, got %s", w.Name, w.Shape(), t.Shape())
	}
	t.ConstBytes(func(contents []byte) {
		err = store.Write(p, contents)
	})
	return
}

// ConvertName maps a HuggingFace tensor name (e.g. "model.layers.3.mlp.up_proj.weight") to the weight path in
// the store. It returns an empty path for tensors that are not used.
//
// transpose is true for the linear projections, which HuggingFace stores as [out, in], while the store keeps
// them as [in, out].
func ConvertName(name string) (p trees.Path, transpose bool) {
	switch name {
	case "model.embed_tokens.weight", "model.norm.weight":
		return trees.ParsePath(strings.ReplaceAll(name, ".", "/")), false
	case "lm_head.weight":
		return trees.Path{"lm_head", "weight"}, true
	}

	// Parse the layer number for the name prefixed as "model.layers.X.<...>"
	if !strings.HasPrefix(name, "model.layers.") {
		return nil, false
	}
	parts := strings.Split(name, ".")
	if len(parts) < 5 {
		return nil, false
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return nil, false
	}
	p = trees.Path(parts)
	switch parts[3] {
	case "input_layernorm", "post_attention_layernorm":
		if len(parts) != 5 || xslices.Last(parts) != "weight" {
			return nil, false
		}
		return p, false
	case "mlp":
		if len(parts) != 6 || xslices.Last(parts) != "weight" {
			return nil, false
		}
		switch parts[4] {
		case "gate_proj", "down_proj", "up_proj":
			return p, true
		}
	case "self_attn":
		switch {
		case len(parts) == 6 && parts[4] == "rotary_emb" && parts[5] == "inv_freq":
			return p, false
		case len(parts) == 6 && parts[5] == "weight":
			switch parts[4] {
			case "q_proj", "k_proj", "v_proj", "o_proj":
				return p, true
			}
		}
	}
	return nil, false
}

func copyFile(from, to string) error {
	contents, err := os.ReadFile(from)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", from)
	}
	if err = os.WriteFile(to, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", to)
	}
	return nil
}
