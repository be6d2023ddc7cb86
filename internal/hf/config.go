// Package hf implements interchange with the Hugging Face pretrained model
// ecosystem: the config.json schema and checkpoint load/save against
// safetensors files.
package hf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// MistralConfig mirrors the external config.json schema for the Mistral
// architecture (the Llama schema is the same minus sliding_window).
type MistralConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures,omitempty"`

	MaxPositionEmbeddings int `json:"max_position_embeddings"`
	HiddenSize            int `json:"hidden_size"`
	IntermediateSize      int `json:"intermediate_size"`
	NumHiddenLayers       int `json:"num_hidden_layers"`
	NumAttentionHeads     int `json:"num_attention_heads"`
	NumKeyValueHeads      int `json:"num_key_value_heads"`

	HiddenAct        string  `json:"hidden_act"`
	InitializerRange float64 `json:"initializer_range"`
	RMSNormEps       float64 `json:"rms_norm_eps"`
	SlidingWindow    int     `json:"sliding_window,omitempty"`
	VocabSize        int     `json:"vocab_size"`

	RopeTheta         float64 `json:"rope_theta,omitempty"`
	TieWordEmbeddings bool    `json:"tie_word_embeddings,omitempty"`
}

// WithOverrides returns a copy with the given config.json fields replaced.
// Overrides go through the JSON representation so they use the external
// field names.
func (c MistralConfig) WithOverrides(overrides map[string]any) (MistralConfig, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return MistralConfig{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return MistralConfig{}, err
	}
	for k, v := range overrides {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return MistralConfig{}, err
	}
	var out MistralConfig
	if err := json.Unmarshal(merged, &out); err != nil {
		return MistralConfig{}, fmt.Errorf("apply config overrides: %w", err)
	}
	return out, nil
}

// ReadConfig loads config.json from a checkpoint directory.
func ReadConfig(dir string) (MistralConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return MistralConfig{}, err
	}
	var cfg MistralConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return MistralConfig{}, fmt.Errorf("parse config.json: %w", err)
	}
	return cfg, nil
}

// WriteConfig stores config.json in a checkpoint directory.
func WriteConfig(dir string, cfg MistralConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), append(raw, '\n'), 0o644)
}
