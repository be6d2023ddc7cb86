package model

import (
	"fmt"
	"math/rand"

	"gopkg.in/yaml.v3"

	"github.com/Gugutse/levanter/internal/hf"
	"github.com/Gugutse/levanter/internal/tensor"
)

func init() {
	Register("mistral", func(node *yaml.Node) (LmConfig, error) {
		cfg := DefaultMistralConfig()
		if node != nil {
			if err := node.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("mistral config: %w", err)
			}
		}
		return cfg, cfg.Validate()
	})
}

// MistralReferenceCheckpoint is the pretrained checkpoint this architecture
// converts against by default.
const MistralReferenceCheckpoint = "mistralai/Mistral-7B-v0.1"

// MistralConfig is the Mistral decoder configuration. It extends the Llama
// configuration with different defaults, most notably sliding-window
// attention, and reuses the Llama building blocks for the model itself.
type MistralConfig struct {
	LlamaConfig `yaml:",inline"`
}

// DefaultMistralConfig returns the Mistral-7B hyperparameters.
func DefaultMistralConfig() MistralConfig {
	return MistralConfig{LlamaConfig: LlamaConfig{
		SeqLen:                         8192,
		HiddenDim:                      4096,
		IntermediateDim:                14336,
		NumLayers:                      32,
		NumHeads:                       32,
		NumKVHeads:                     8,
		ActivationFunction:             "silu",
		InitializerRange:               0.02,
		LayerNormEpsilon:               1e-6,
		SlidingWindow:                  4096,
		RopeTheta:                      defaultRopeTheta,
		GradientCheckpointing:          true,
		GradientCheckpointingBlockSize: 5,
	}}
}

// ModelType implements LmConfig.
func (c MistralConfig) ModelType() string { return "mistral" }

// BuildModel implements LmConfig.
func (c MistralConfig) BuildModel(vocab tensor.Axis, rng *rand.Rand) (LmHeadModel, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return InitLMHeadModel(vocab, c.LlamaConfig, rng)
}

// MistralConfigFromHF translates an external pretrained configuration into
// the internal form. The external max_position_embeddings is taken as the
// sequence length even though it may be much larger than what is trained
// on; that discrepancy is accepted, not corrected.
func MistralConfigFromHF(hfc hf.MistralConfig) MistralConfig {
	cfg := DefaultMistralConfig()
	cfg.SeqLen = hfc.MaxPositionEmbeddings
	cfg.HiddenDim = hfc.HiddenSize
	cfg.IntermediateDim = hfc.IntermediateSize
	cfg.NumLayers = hfc.NumHiddenLayers
	cfg.NumHeads = hfc.NumAttentionHeads
	cfg.NumKVHeads = hfc.NumKeyValueHeads
	cfg.ActivationFunction = hfc.HiddenAct
	cfg.InitializerRange = hfc.InitializerRange
	cfg.LayerNormEpsilon = hfc.RMSNormEps
	cfg.SlidingWindow = hfc.SlidingWindow
	if hfc.RopeTheta != 0 {
		cfg.RopeTheta = hfc.RopeTheta
	}
	return cfg
}

// ToHF translates the configuration back to the external form. vocabSize is
// not part of the internal record and must be supplied; overrides are
// applied on top of the translated fields.
func (c MistralConfig) ToHF(vocabSize int, overrides map[string]any) (hf.MistralConfig, error) {
	out := hf.MistralConfig{
		ModelType:             "mistral",
		Architectures:         []string{"MistralForCausalLM"},
		MaxPositionEmbeddings: c.SeqLen,
		HiddenSize:            c.HiddenDim,
		IntermediateSize:      c.IntermediateDim,
		NumHiddenLayers:       c.NumLayers,
		NumAttentionHeads:     c.NumHeads,
		NumKeyValueHeads:      c.NumKVHeads,
		HiddenAct:             c.ActivationFunction,
		InitializerRange:      c.InitializerRange,
		RMSNormEps:            c.LayerNormEpsilon,
		SlidingWindow:         c.SlidingWindow,
		VocabSize:             vocabSize,
		RopeTheta:             c.RopeTheta,
	}
	if len(overrides) == 0 {
		return out, nil
	}
	return out.WithOverrides(overrides)
}
