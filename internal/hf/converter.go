package hf

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Gugutse/levanter/internal/safetensors"
	"github.com/Gugutse/levanter/internal/statedict"
	"github.com/Gugutse/levanter/internal/tensor"
)

const (
	weightsName   = "model.safetensors"
	indexName     = "model.safetensors.index.json"
	formatPyTorch = "pt"
)

// CheckpointConverter moves model state between the internal state-dict
// representation and a pretrained checkpoint directory (config.json plus one
// or more safetensors shards).
type CheckpointConverter struct {
	// ReferenceCheckpoint names the upstream repository this converter is
	// calibrated against, for provenance in exported metadata.
	ReferenceCheckpoint string
}

// weightIndex mirrors model.safetensors.index.json for sharded checkpoints.
type weightIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// LoadStateDict reads every tensor of a checkpoint directory into a state
// dict. Tensor axes are unnamed on the wire, so each loaded array carries
// positional axis names ("d0", "d1", ...); the model layer rebinds them when
// it ingests the dict.
func (c *CheckpointConverter) LoadStateDict(dir string) (statedict.StateDict, error) {
	shards, err := WeightFiles(dir)
	if err != nil {
		return nil, err
	}
	sd := statedict.StateDict{}
	for _, shard := range shards {
		f, err := safetensors.Open(shard)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", shard, err)
		}
		for _, name := range f.Names() {
			data, info, err := f.ReadTensorF32(name)
			if err != nil {
				_ = f.Close()
				return nil, err
			}
			axes := make([]tensor.Axis, len(info.Shape))
			for i, size := range info.Shape {
				axes[i] = tensor.NewAxis(fmt.Sprintf("d%d", i), size)
			}
			arr, err := tensor.FromData(data, axes...)
			if err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("tensor %s: %w", name, err)
			}
			sd[name] = arr
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	}
	return sd, nil
}

// SaveStateDict writes a single-shard checkpoint directory: config.json and
// model.safetensors. The export is tagged with a fresh id and the reference
// checkpoint for provenance.
func (c *CheckpointConverter) SaveStateDict(dir string, cfg MistralConfig, sd statedict.StateDict) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := WriteConfig(dir, cfg); err != nil {
		return err
	}
	tensors := make(map[string]safetensors.Tensor, len(sd))
	for _, key := range sd.Keys() {
		arr := sd[key]
		axes := arr.Axes()
		shape := make([]int, len(axes))
		for i, ax := range axes {
			shape[i] = ax.Size
		}
		tensors[key] = safetensors.Tensor{Shape: shape, Data: arr.Data()}
	}
	metadata := map[string]string{
		"format":    formatPyTorch,
		"export_id": uuid.NewString(),
	}
	if c.ReferenceCheckpoint != "" {
		metadata["reference"] = c.ReferenceCheckpoint
	}
	return safetensors.Save(filepath.Join(dir, weightsName), tensors, metadata)
}

// WeightFiles resolves the safetensors shards of a checkpoint directory,
// preferring the index file when present.
func WeightFiles(dir string) ([]string, error) {
	indexPath := filepath.Join(dir, indexName)
	if raw, err := os.ReadFile(indexPath); err == nil {
		var idx weightIndex
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("parse %s: %w", indexName, err)
		}
		seen := map[string]bool{}
		var shards []string
		for _, shard := range idx.WeightMap {
			if !seen[shard] {
				seen[shard] = true
				shards = append(shards, filepath.Join(dir, shard))
			}
		}
		if len(shards) == 0 {
			return nil, fmt.Errorf("%s lists no shards", indexName)
		}
		sort.Strings(shards)
		return shards, nil
	}

	single := filepath.Join(dir, weightsName)
	if _, err := os.Stat(single); err != nil {
		return nil, fmt.Errorf("no %s or %s in %s", weightsName, indexName, dir)
	}
	return []string{single}, nil
}
