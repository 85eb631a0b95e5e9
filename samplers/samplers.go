// Package samplers uses a transformer model to generate sentences based on prompts.
package samplers

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/lazyllama/transformers"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Vocabulary converts text to token ids and back.
type Vocabulary interface {
	EncodeAsIds(text string) []int
	DecodeIds([]int) string

	// The methods below define the special ids for the model.

	BeginningOfSentenceId() int
	EndOfSentenceId() int
}

// Sampler has a transformer (LLM) model and a vocabulary (sentencepiece) configured and generates
// sentences based on prompts, always picking the most likely next token.
//
// The model has no key/value cache: each step runs the model over the whole sequence.
type Sampler struct {
	Backend backends.Backend
	Vocab   Vocabulary
	Model   *transformers.Model

	MaxGeneratedTokens int
}

// New creates a new sampler with the registered vocabulary and model.
func New(backend backends.Backend, vocab Vocabulary, model *transformers.Model, maxGeneratedTokens int) *Sampler {
	return &Sampler{
		Backend:            backend,
		Vocab:              vocab,
		Model:              model,
		MaxGeneratedTokens: maxGeneratedTokens,
	}
}

// Sample the continuation from the given prompts.
func (s *Sampler) Sample(prompts []string) ([]string, error) {
	return s.SampleMaxTokens(prompts, s.MaxGeneratedTokens)
}

// SampleMaxTokens is like Sample, but instead of using the default MaxGenerateTokens, uses the given maxTokens instead.
//
// Prompts are processed one at a time: there is no attention mask, so padding would change the results.
func (s *Sampler) SampleMaxTokens(prompts []string, maxTokens int) ([]string, error) {
	results := make([]string, 0, len(prompts))
	for promptIdx, prompt := range prompts {
		ids := append([]int{s.Vocab.BeginningOfSentenceId()}, s.Vocab.EncodeAsIds(prompt)...)
		numPromptIds := len(ids)
		for range maxTokens {
			logits, err := s.Model.Forward(s.Backend, createInputTensor(ids))
			if err != nil {
				return nil, errors.WithMessagef(err, "while sampling prompt #%d", promptIdx)
			}
			next, err := lastPositionArgMax(logits)
			logits.FinalizeAll()
			if err != nil {
				return nil, err
			}
			if next == s.Vocab.EndOfSentenceId() {
				break
			}
			ids = append(ids, next)
		}
		klog.V(1).Infof("Prompt #%d: %d tokens, generated %d", promptIdx, numPromptIds, len(ids)-numPromptIds)
		results = append(results, s.Vocab.DecodeIds(ids[numPromptIds:]))
	}
	return results, nil
}

// createInputTensor creates a tensor shaped int32[1, len(ids)] with the given ids.
func createInputTensor(ids []int) *tensors.Tensor {
	input := tensors.FromShape(shapes.Make(dtypes.Int32, 1, len(ids)))
	tensors.MutableFlatData(input, func(flat []int32) {
		for ii, id := range ids {
			flat[ii] = int32(id)
		}
	})
	return input
}

// lastPositionArgMax returns the vocabulary index with the highest score in the last position of the first
// example of logits, shaped [batchSize, seqLen, vocabSize].
func lastPositionArgMax(logits *tensors.Tensor) (int, error) {
	vocabSize := logits.Shape().Dim(-1)
	seqLen := logits.Shape().Dim(1)
	from := (seqLen - 1) * vocabSize
	switch logits.DType() {
	case dtypes.Float32:
		return argMaxOf(logits, from, vocabSize, func(v float32) float64 { return float64(v) }), nil
	case dtypes.Float64:
		return argMaxOf(logits, from, vocabSize, func(v float64) float64 { return v }), nil
	case dtypes.Float16:
		return argMaxOf(logits, from, vocabSize, func(v float16.Float16) float64 { return float64(v.Float32()) }), nil
	case dtypes.BFloat16:
		return argMaxOf(logits, from, vocabSize, func(v bfloat16.BFloat16) float64 { return float64(v.Float32()) }), nil
	}
	return 0, errors.Errorf("sampler doesn't support logits of dtype %s", logits.DType())
}

func argMaxOf[T dtypes.Supported](logits *tensors.Tensor, from, size int, toFloat func(T) float64) (best int) {
	tensors.ConstFlatData(logits, func(flat []T) {
		row := flat[from : from+size]
		bestValue := toFloat(row[0])
		for ii, v := range row[1:] {
			if value := toFloat(v); value > bestValue {
				best, bestValue = ii+1, value
			}
		}
	})
	return
}
