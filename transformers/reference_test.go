package transformers

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// Plain loops, float64 implementation of the model, to compare against.

func toFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = float64(v)
	}
	return out
}

// referenceMatMul multiplies the vector x by w, shaped [len(x), outDim].
func referenceMatMul(x, w []float64) []float64 {
	outDim := len(w) / len(x)
	out := make([]float64, outDim)
	for ii, v := range x {
		for jj := range outDim {
			out[jj] += v * w[ii*outDim+jj]
		}
	}
	return out
}

func referenceRMSNorm(x, scale []float64, epsilon float64) []float64 {
	var meanSquare float64
	for _, v := range x {
		meanSquare += v * v
	}
	meanSquare /= float64(len(x))
	inv := 1 / math.Sqrt(meanSquare+epsilon)
	out := make([]float64, len(x))
	for ii, v := range x {
		out[ii] = v * inv * scale[ii]
	}
	return out
}

func referenceRotary(x []float64, pos int, invFreq []float32) []float64 {
	half := len(x) / 2
	out := make([]float64, len(x))
	for ii := range x {
		angle := float64(pos) * float64(invFreq[ii%half])
		var rotated float64
		if ii < half {
			rotated = -x[ii+half]
		} else {
			rotated = x[ii-half]
		}
		out[ii] = x[ii]*math.Cos(angle) + rotated*math.Sin(angle)
	}
	return out
}

func referenceMLP(x, gate, down, up []float64) []float64 {
	g := referenceMatMul(x, gate)
	u := referenceMatMul(x, up)
	for ii := range g {
		u[ii] *= g[ii] / (1 + math.Exp(-g[ii]))
	}
	return referenceMatMul(u, down)
}

// referenceAttention for one example: x is indexed [position][hidden].
func referenceAttention(config *Config, values map[string][]float32, prefix string, x [][]float64) [][]float64 {
	seqLen, numHeads, headDim := len(x), config.NumHeads, config.HeadDim()
	weight := func(name string) []float64 { return toFloat64(values[prefix+name]) }
	invFreq := values[prefix+"rotary_emb/inv_freq"]
	q, k, v := make([][]float64, seqLen), make([][]float64, seqLen), make([][]float64, seqLen)
	for pos := range seqLen {
		q[pos] = referenceMatMul(x[pos], weight("q_proj/weight"))
		k[pos] = referenceMatMul(x[pos], weight("k_proj/weight"))
		v[pos] = referenceMatMul(x[pos], weight("v_proj/weight"))
		for head := range numHeads {
			from, to := head*headDim, (head+1)*headDim
			copy(q[pos][from:to], referenceRotary(q[pos][from:to], pos, invFreq))
			copy(k[pos][from:to], referenceRotary(k[pos][from:to], pos, invFreq))
		}
	}
	out := make([][]float64, seqLen)
	for qPos := range seqLen {
		attended := make([]float64, config.HiddenDim)
		for head := range numHeads {
			from := head * headDim
			logits := make([]float64, seqLen)
			maxLogit := math.Inf(-1)
			for kPos := range seqLen {
				for d := range headDim {
					logits[kPos] += q[qPos][from+d] * k[kPos][from+d]
				}
				logits[kPos] /= math.Sqrt(float64(headDim))
				maxLogit = max(maxLogit, logits[kPos])
			}
			var sum float64
			for kPos := range seqLen {
				logits[kPos] = math.Exp(logits[kPos] - maxLogit)
				sum += logits[kPos]
			}
			for kPos := range seqLen {
				for d := range headDim {
					attended[from+d] += logits[kPos] / sum * v[kPos][from+d]
				}
			}
		}
		out[qPos] = referenceMatMul(attended, weight("o_proj/weight"))
	}
	return out
}

// referenceForward returns the logits for one example, indexed [position][vocab].
func referenceForward(config *Config, values map[string][]float32, tokens []int) [][]float64 {
	hidden, eps := config.HiddenDim, config.RMSNormEpsilon
	embed := toFloat64(values["model/embed_tokens/weight"])
	x := make([][]float64, len(tokens))
	for pos, token := range tokens {
		x[pos] = append([]float64{}, embed[token*hidden:(token+1)*hidden]...)
	}
	for layerIdx := range config.NumLayers {
		prefix := fmt.Sprintf("model/layers/%d/", layerIdx)
		weight := func(name string) []float64 { return toFloat64(values[prefix+name]) }
		normalized := make([][]float64, len(x))
		for pos := range x {
			normalized[pos] = referenceRMSNorm(x[pos], weight("input_layernorm/weight"), eps)
		}
		attention := referenceAttention(config, values, prefix+"self_attn/", normalized)
		for pos := range x {
			for ii := range hidden {
				x[pos][ii] += attention[pos][ii]
			}
			mlp := referenceMLP(referenceRMSNorm(x[pos], weight("post_attention_layernorm/weight"), eps),
				weight("mlp/gate_proj/weight"), weight("mlp/down_proj/weight"), weight("mlp/up_proj/weight"))
			for ii := range hidden {
				x[pos][ii] += mlp[ii]
			}
		}
	}
	logits := make([][]float64, len(x))
	for pos := range x {
		normalized := referenceRMSNorm(x[pos], toFloat64(values["model/norm/weight"]), eps)
		logits[pos] = referenceMatMul(normalized, toFloat64(values["lm_head/weight"]))
	}
	return logits
}

func TestForwardMatchesReference(t *testing.T) {
	backend := testBackend()
	config := tinyConfig(dtypes.Float32)
	dir, values := createRandomStore(t, config, 11)
	m, err := NewModelFromStore(context.Background(), dir, config)
	require.NoError(t, err)

	tokens := [][]int32{{1, 5, 10, 0, 3}, {2, 2, 7, 9, 4}}
	logits, err := m.Forward(backend, tensors.FromValue(tokens))
	require.NoError(t, err)
	require.Equal(t, []int{2, 5, config.VocabSize}, logits.Shape().Dimensions)
	got := flatValues(logits)

	for example, exampleTokens := range tokens {
		ids := make([]int, len(exampleTokens))
		for ii, id := range exampleTokens {
			ids[ii] = int(id)
		}
		want := referenceForward(config, values, ids)
		for pos := range want {
			offset := (example*len(ids) + pos) * config.VocabSize
			requireInDeltaSlice(t, want[pos], got[offset:offset+config.VocabSize], "example %d, position %d", example, pos)
		}
	}
}

func TestForwardZeroWeights(t *testing.T) {
	backend := testBackend()
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16} {
		t.Run(dtype.String(), func(t *testing.T) {
			config := tinyConfig(dtype)
			dir := createZeroStore(t, config)
			m, err := NewModelFromStore(context.Background(), dir, nil)
			require.NoError(t, err)

			// Nothing materialized up-front: Forward materializes it all.
			logits, err := m.Forward(backend, tensors.FromValue([][]int32{{0, 3, 7, 10}}))
			require.NoError(t, err)
			require.Equal(t, []int{1, 4, config.VocabSize}, logits.Shape().Dimensions)
			require.Equal(t, dtype, logits.DType())
			require.Equal(t, m.TotalBytes(), m.ResidentBytes())

			var values []float64
			if dtype == dtypes.Float32 {
				values = flatValues(logits)
			} else {
				tensors.ConstFlatData(logits, func(flat []float16.Float16) {
					for _, v := range flat {
						values = append(values, float64(v.Float32()))
					}
				})
			}
			require.Len(t, values, 4*config.VocabSize)
			for _, v := range values {
				require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
				require.Equal(t, 0.0, v)
			}
		})
	}
}

func TestForwardAfterPartialLoad(t *testing.T) {
	backend := testBackend()
	config := tinyConfig(dtypes.Float32)
	dir, values := createRandomStore(t, config, 3)
	m, err := NewModelFromStore(context.Background(), dir, config)
	require.NoError(t, err)

	remaining, err := m.TryMaterialize(m.LMHead.ByteSize()+m.EmbedTokens.ByteSize(), backend, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), remaining)
	require.True(t, m.Layers[0].SelfAttn.QProj.IsOnStore())

	tokens := []int{4, 8, 1}
	logits, err := m.Forward(backend, tensors.FromValue([][]int32{{4, 8, 1}}))
	require.NoError(t, err)
	want := referenceForward(config, values, tokens)
	got := flatValues(logits)
	for pos := range want {
		requireInDeltaSlice(t, want[pos], got[pos*config.VocabSize:(pos+1)*config.VocabSize])
	}

	// Once materialized, the store is no longer needed.
	require.NoError(t, os.RemoveAll(dir))
	logits2, err := m.Forward(backend, tensors.FromValue([][]int32{{4, 8, 1}}))
	require.NoError(t, err)
	requireInDeltaSlice(t, got, flatValues(logits2))
}

func TestForwardErrors(t *testing.T) {
	backend := testBackend()
	config := tinyConfig(dtypes.Float32)
	dir := createZeroStore(t, config)
	m, err := NewModelFromStore(context.Background(), dir, config)
	require.NoError(t, err)

	_, err = m.Forward(backend, tensors.FromValue([]int32{1, 2}))
	require.ErrorContains(t, err, "shaped [batchSize, seqLen]")
	_, err = m.Forward(backend, tensors.FromValue([][]float32{{1, 2}}))
	require.Error(t, err)
	_, err = m.Forward(nil, tensors.FromValue([][]int32{{1, 2}}))
	require.Error(t, err)

	// A weight file removed after the model was created fails at first use.
	down := m.Layers[1].MLP.DownProj
	require.NoError(t, os.Remove(down.Locator))
	_, err = m.Forward(backend, tensors.FromValue([][]int32{{1, 2}}))
	require.ErrorContains(t, err, down.Name)
	require.True(t, down.IsOnStore())
}
