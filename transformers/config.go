package transformers

import (
	"os"
	"path"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

const (
	// ConfigFileName is the name of the file in the store root directory holding the msgpack encoded Config.
	ConfigFileName = "config.msgpack"

	// DefaultRMSNormEpsilon is added to the mean of squares in RMSNorm.
	DefaultRMSNormEpsilon = 1e-6

	// DefaultRopeTheta is the base of the rotary embedding inverse frequencies.
	DefaultRopeTheta = 10_000.0
)

// Config of a LLaMA-like decoder model. It fixes the shape of every weight.
type Config struct {
	// DType of the weights (and activations). The rotary inverse frequencies are always float32.
	DType dtypes.DType `msgpack:"dtype"`

	VocabSize       int `msgpack:"vocab_size"`
	HiddenDim       int `msgpack:"hidden_dim"`
	IntermediateDim int `msgpack:"intermediate_dim"`
	NumHeads        int `msgpack:"num_heads"`
	NumLayers       int `msgpack:"num_layers"`

	RMSNormEpsilon float64 `msgpack:"rms_norm_epsilon"`

	// RopeTheta is only used to generate the inverse frequencies when converting a checkpoint, the model reads
	// them from the store.
	RopeTheta float64 `msgpack:"rope_theta"`
}

// Llama7B returns the configuration of the original LLaMA 7B model, in float16.
func Llama7B() *Config {
	return &Config{
		DType:           dtypes.Float16,
		VocabSize:       32_000,
		HiddenDim:       4096,
		IntermediateDim: 11008,
		NumHeads:        32,
		NumLayers:       32,
		RMSNormEpsilon:  DefaultRMSNormEpsilon,
		RopeTheta:       DefaultRopeTheta,
	}
}

// HeadDim is the dimension of each attention head.
func (c *Config) HeadDim() int {
	return c.HiddenDim / c.NumHeads
}

// Validate checks that the dimensions are consistent.
func (c *Config) Validate() error {
	switch c.DType {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
	default:
		return errors.Errorf("config: unsupported dtype %s", c.DType)
	}
	if c.VocabSize <= 0 || c.HiddenDim <= 0 || c.IntermediateDim <= 0 || c.NumHeads <= 0 || c.NumLayers < 0 {
		return errors.Errorf("config: invalid dimensions %+v", *c)
	}
	if c.HiddenDim%c.NumHeads != 0 {
		return errors.Errorf("config: hidden dimension %d is not divisible by the number of heads %d",
			c.HiddenDim, c.NumHeads)
	}
	if c.HeadDim()%2 != 0 {
		return errors.Errorf("config: head dimension %d must be even for the rotary embedding", c.HeadDim())
	}
	if c.RMSNormEpsilon <= 0 {
		return errors.Errorf("config: RMSNormEpsilon must be > 0, got %g", c.RMSNormEpsilon)
	}
	return nil
}

// ReadConfig reads the Config saved in the store directory, see ConfigFileName.
func ReadConfig(dir string) (*Config, error) {
	configPath := path.Join(data.ReplaceTildeInDir(dir), ConfigFileName)
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model config from %q", configPath)
	}
	c := &Config{}
	if err = msgpack.Unmarshal(contents, c); err != nil {
		return nil, errors.Wrapf(err, "failed to decode model config in %q", configPath)
	}
	if err = c.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "in %q", configPath)
	}
	return c, nil
}

// WriteConfig saves the config in the store directory, see ConfigFileName.
func WriteConfig(dir string, c *Config) error {
	contents, err := msgpack.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode model config")
	}
	configPath := path.Join(data.ReplaceTildeInDir(dir), ConfigFileName)
	if err = os.WriteFile(configPath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write model config to %q", configPath)
	}
	return nil
}
