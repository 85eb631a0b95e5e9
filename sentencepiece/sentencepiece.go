// Package sentencepiece adapts github.com/eliben/go-sentencepiece to the samplers.Vocabulary interface,
// with the special token ids used by LLaMA tokenizers.
package sentencepiece

import (
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
)

type Processor struct {
	*esentencepiece.Processor
}

// NewFromPath loads the tokenizer model ("tokenizer.model") from vocabPath.
func NewFromPath(vocabPath string) (*Processor, error) {
	vocabPath = data.ReplaceTildeInDir(vocabPath)
	proc, err := esentencepiece.NewProcessorFromPath(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece from %q", vocabPath)
	}
	return &Processor{
		Processor: proc,
	}, nil
}

type Token = esentencepiece.Token

// EncodeAsIds returns the text encoded into a sequence of ids.
// It implements samplers.Vocabulary.
func (p *Processor) EncodeAsIds(text string) []int {
	tokens := p.Processor.Encode(text)
	return xslices.Map(tokens, func(t Token) int { return t.ID })
}

// DecodeIds returns the text from a sequence of ids.
// It implements samplers.Vocabulary.
func (p *Processor) DecodeIds(ids []int) string {
	return p.Processor.Decode(ids)
}

// UnknownId returns the corresponding token, aka "unk".
func (p *Processor) UnknownId() int {
	return 0
}

// BeginningOfSentenceId returns the corresponding token, aka "bos".
func (p *Processor) BeginningOfSentenceId() int {
	return 1
}

// EndOfSentenceId returns the corresponding token, aka "eos".
func (p *Processor) EndOfSentenceId() int {
	return 2
}
