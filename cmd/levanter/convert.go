package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/urfave/cli/v3"

	"github.com/Gugutse/levanter/internal/hf"
	"github.com/Gugutse/levanter/internal/logger"
	"github.com/Gugutse/levanter/internal/model"
	"github.com/Gugutse/levanter/internal/statedict"
	"github.com/Gugutse/levanter/internal/tensor"
)

func convertCmd() *cli.Command {
	var (
		input  string
		output string
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Load a pretrained checkpoint through the model layer and rewrite it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "checkpoint directory to read",
				Required:    true,
				Destination: &input,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "checkpoint directory to write (single shard)",
				Required:    true,
				Destination: &output,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			hfc, err := hf.ReadConfig(input)
			if err != nil {
				return err
			}
			cfg, err := configFromHF(hfc)
			if err != nil {
				return err
			}
			log.Info("read checkpoint config",
				"type", hfc.ModelType, "layers", hfc.NumHiddenLayers, "vocab_size", hfc.VocabSize)

			vocab := tensor.NewAxis(model.AxisVocab, hfc.VocabSize)
			fresh, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(0)))
			if err != nil {
				return err
			}

			conv := &hf.CheckpointConverter{ReferenceCheckpoint: model.MistralReferenceCheckpoint}
			sd, err := conv.LoadStateDict(input)
			if err != nil {
				return err
			}
			log.Info("loaded tensors", "count", len(sd))

			// Loading through the model validates every key and shape.
			m, err := fresh.FromStateDict(sd, "")
			if err != nil {
				return fmt.Errorf("checkpoint does not match %s config: %w", hfc.ModelType, err)
			}

			out := statedict.StateDict{}
			if err := m.UpdateStateDict(out, ""); err != nil {
				return err
			}
			if err := conv.SaveStateDict(output, hfc, out); err != nil {
				return err
			}
			log.Info("wrote checkpoint", "dir", output, "tensors", len(out))
			return nil
		},
	}
}

// configFromHF translates a config.json into the matching architecture
// configuration.
func configFromHF(hfc hf.MistralConfig) (model.LmConfig, error) {
	switch hfc.ModelType {
	case "mistral":
		return model.MistralConfigFromHF(hfc), nil
	case "llama":
		return model.LlamaConfigFromHF(hfc), nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", hfc.ModelType)
	}
}
