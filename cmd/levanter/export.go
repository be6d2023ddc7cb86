package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/Gugutse/levanter/internal/hf"
	"github.com/Gugutse/levanter/internal/logger"
	"github.com/Gugutse/levanter/internal/model"
	"github.com/Gugutse/levanter/internal/statedict"
	"github.com/Gugutse/levanter/internal/tensor"
)

// hfExportable is satisfied by architecture configs that can produce a
// config.json counterpart.
type hfExportable interface {
	ToHF(vocabSize int, overrides map[string]any) (hf.MistralConfig, error)
}

func exportCmd() *cli.Command {
	var (
		configPath string
		modelType  string
		output     string
		vocabSize  int64
		seed       int64
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Initialize a model and export it as a pretrained checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"f"},
				Usage:       "path to a model config YAML (with a `type` field)",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "type",
				Usage:       "architecture to export with default hyperparameters",
				Destination: &modelType,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "checkpoint directory to write",
				Required:    true,
				Destination: &output,
			},
			&cli.Int64Flag{
				Name:        "vocab-size",
				Usage:       "vocabulary size",
				Value:       32000,
				Destination: &vocabSize,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "initializer seed",
				Value:       0,
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyExportConfig(c, LoadConfig(), &vocabSize, &seed)

			cfg, err := resolveModelConfig(configPath, modelType)
			if err != nil {
				return err
			}
			exportable, ok := cfg.(hfExportable)
			if !ok {
				return fmt.Errorf("architecture %q has no checkpoint form", cfg.ModelType())
			}

			log.Info("initializing model",
				"type", cfg.ModelType(), "vocab_size", vocabSize, "seed", seed)
			vocab := tensor.NewAxis(model.AxisVocab, int(vocabSize))
			m, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(seed)))
			if err != nil {
				return err
			}

			sd := statedict.StateDict{}
			if err := m.UpdateStateDict(sd, ""); err != nil {
				return err
			}
			hfc, err := exportable.ToHF(int(vocabSize), nil)
			if err != nil {
				return err
			}
			conv := &hf.CheckpointConverter{ReferenceCheckpoint: model.MistralReferenceCheckpoint}
			if err := conv.SaveStateDict(output, hfc, sd); err != nil {
				return err
			}
			log.Info("wrote checkpoint", "dir", output, "tensors", len(sd))
			return nil
		},
	}
}

// resolveModelConfig builds a configuration from a YAML file or, when no file
// is given, from an architecture name with default hyperparameters.
func resolveModelConfig(configPath, modelType string) (model.LmConfig, error) {
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		return model.ParseConfig(data)
	}
	if modelType == "" {
		return nil, fmt.Errorf("either --config or --type is required")
	}
	return model.NewConfig(modelType)
}
