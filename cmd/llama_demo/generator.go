package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/lazyllama/download/huggingface"
	"github.com/gomlx/lazyllama/samplers"
	"github.com/gomlx/lazyllama/sentencepiece"
	"github.com/gomlx/lazyllama/transformers"
	"github.com/janpfeifer/must"
	jsoniter "github.com/json-iterator/go"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir            = flag.String("data", "~/work/llama", "Directory to cache downloaded and converted model files.")
	flagVocabFile          = flag.String("vocab", "weights/tokenizer.model", "Tokenizer file with vocabulary. Relative to --data directory.")
	flagWeights            = flag.String("weights", "weights/llama-2-7b", "Weights store directory. Relative to --data directory.")
	flagBudget             = flag.String("budget", "8GiB", "Bytes of weights to load before the first prompt, e.g. \"512MiB\" or \"0\". The rest is loaded when first used.")
	flagMaxGeneratedTokens = flag.Int("max_tokens", 64, "Maximum number of tokens to generate.")
	flagPrompt             = flag.String("prompt", "", "If set, generates the continuation of the prompt, prints it and exits, without the interactive UI.")
	flagList               = flag.Bool("list", false, "List the model weights tree and exit.")
	flagReport             = flag.Bool("report", false, "Load weights within --budget, print a JSON report of what was loaded and exit.")
	flagConvert            = flag.String("convert", "", "HuggingFace model id (e.g. \"meta-llama/Llama-2-7b-hf\") to download and convert to the --weights store.")
	flagHFToken            = flag.String("hf_token", "", "HuggingFace read-only token used with --convert. Defaults to $HF_TOKEN.")
)

var backend = sync.OnceValue(backends.New)

// dataPath returns p, relative to the --data directory if it is not absolute.
func dataPath(p string) string {
	p = data.ReplaceTildeInDir(p)
	if !path.IsAbs(p) {
		p = path.Join(data.ReplaceTildeInDir(*flagDataDir), p)
	}
	return p
}

// Budget parses --budget. Panics in case of error.
func Budget() uint64 {
	return must.M1(humanize.ParseBytes(*flagBudget))
}

// BuildTokenizer from flags --data and --vocab. Panics in case of error.
func BuildTokenizer() *sentencepiece.Processor {
	return must.M1(sentencepiece.NewFromPath(dataPath(*flagVocabFile)))
}

// BuildModel opens the store configured by --data and --weights, with all weights still on the store.
// Panics in case of error.
func BuildModel() *transformers.Model {
	return must.M1(transformers.NewModelFromStore(context.Background(), dataPath(*flagWeights), nil))
}

func BuildSampler(model *transformers.Model) *samplers.Sampler {
	return samplers.New(backend(), BuildTokenizer(), model, *flagMaxGeneratedTokens)
}

// Convert downloads the --convert model from HuggingFace and writes it to the --weights store,
// along with the tokenizer.
func Convert() {
	token := *flagHFToken
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}
	outputDir := dataPath(*flagWeights)
	config := must.M1(huggingface.Convert(backend(), *flagConvert, token, dataPath("hf_cache"), outputDir))
	fmt.Printf("Converted %q to %s: %d layers, hidden dim %d, vocabulary of %d tokens\n",
		*flagConvert, outputDir, config.NumLayers, config.HiddenDim, config.VocabSize)
	fmt.Printf("Tokenizer: %s\n", path.Join(outputDir, huggingface.TokenizerFileName))
}

type weightReport struct {
	Name         string `json:"name"`
	Shape        string `json:"shape"`
	Bytes        uint64 `json:"bytes"`
	Materialized bool   `json:"materialized"`
}

type loadReport struct {
	Budget        uint64         `json:"budget"`
	Remaining     uint64         `json:"remaining"`
	TotalBytes    uint64         `json:"total_bytes"`
	ResidentBytes uint64         `json:"resident_bytes"`
	Weights       []weightReport `json:"weights"`
}

// Report loads the model weights within the --budget and prints a JSON report, in load order.
func Report(model *transformers.Model) {
	budget := Budget()
	remaining, err := model.TryMaterialize(budget, backend(), nil)
	if err != nil {
		klog.Fatalf("Failed to load weights: %+v", err)
	}
	report := loadReport{
		Budget:        budget,
		Remaining:     remaining,
		TotalBytes:    model.TotalBytes(),
		ResidentBytes: model.ResidentBytes(),
	}
	for _, w := range model.LoadOrder() {
		report.Weights = append(report.Weights, weightReport{
			Name:         w.Name,
			Shape:        w.Shape().String(),
			Bytes:        w.ByteSize(),
			Materialized: !w.IsOnStore(),
		})
	}
	encoder := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	must.M(encoder.Encode(report))
}

// Generate loads the weights within the --budget and prints the continuation of --prompt.
func Generate(model *transformers.Model) {
	_ = must.M1(model.TryMaterialize(Budget(), backend(), nil))
	sampler := BuildSampler(model)
	outputs := must.M1(sampler.Sample([]string{*flagPrompt}))
	fmt.Printf("%s%s\n", *flagPrompt, outputs[0])
}
