package sentencepiece

import (
	"testing"

	"github.com/gomlx/lazyllama/samplers"
	"github.com/stretchr/testify/require"
)

var _ samplers.Vocabulary = (*Processor)(nil)

func TestSpecialIds(t *testing.T) {
	p := &Processor{}
	require.Equal(t, 0, p.UnknownId())
	require.Equal(t, 1, p.BeginningOfSentenceId())
	require.Equal(t, 2, p.EndOfSentenceId())
}

func TestNewFromPathMissing(t *testing.T) {
	_, err := NewFromPath(t.TempDir() + "/tokenizer.model")
	require.ErrorContains(t, err, "can't create sentencepiece")
}
