package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/Gugutse/levanter/internal/hf"
	"github.com/Gugutse/levanter/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		checkpoint   string
		showConfig   bool
		showTensors  bool
		showMetadata bool
		tensorLimit  int
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a pretrained checkpoint directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"c"},
				Usage:       "checkpoint directory",
				Required:    true,
				Destination: &checkpoint,
			},
			&cli.BoolFlag{Name: "config", Usage: "show config.json summary", Destination: &showConfig},
			&cli.BoolFlag{Name: "tensors", Usage: "list the tensor index", Destination: &showTensors},
			&cli.BoolFlag{Name: "metadata", Usage: "show safetensors header metadata", Destination: &showMetadata},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			if !showConfig && !showTensors && !showMetadata {
				showConfig = true
				showTensors = true
			}

			if showConfig {
				cfg, err := hf.ReadConfig(checkpoint)
				if err != nil {
					return err
				}
				printConfig(cfg)
			}
			if !showTensors && !showMetadata {
				return nil
			}

			paths, err := hf.WeightFiles(checkpoint)
			if err != nil {
				return err
			}
			for _, path := range paths {
				f, err := safetensors.Open(path)
				if err != nil {
					return err
				}
				if showMetadata {
					printMetadata(f)
				}
				if showTensors {
					printTensors(f, tensorFilter, tensorLimit)
				}
				if err := f.Close(); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printConfig(cfg hf.MistralConfig) {
	fmt.Println("== config ==")
	fmt.Printf("  model_type:              %s\n", cfg.ModelType)
	fmt.Printf("  max_position_embeddings: %d\n", cfg.MaxPositionEmbeddings)
	fmt.Printf("  hidden_size:             %d\n", cfg.HiddenSize)
	fmt.Printf("  intermediate_size:       %d\n", cfg.IntermediateSize)
	fmt.Printf("  num_hidden_layers:       %d\n", cfg.NumHiddenLayers)
	fmt.Printf("  num_attention_heads:     %d\n", cfg.NumAttentionHeads)
	fmt.Printf("  num_key_value_heads:     %d\n", cfg.NumKeyValueHeads)
	fmt.Printf("  hidden_act:              %s\n", cfg.HiddenAct)
	fmt.Printf("  vocab_size:              %d\n", cfg.VocabSize)
	if cfg.SlidingWindow > 0 {
		fmt.Printf("  sliding_window:          %d\n", cfg.SlidingWindow)
	}
	fmt.Println()
}

func printMetadata(f *safetensors.File) {
	fmt.Printf("== metadata (%s) ==\n", f.Path)
	keys := make([]string, 0, len(f.Metadata))
	for k := range f.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %s\n", k, f.Metadata[k])
	}
	fmt.Println()
}

func printTensors(f *safetensors.File, filter string, limit int) {
	fmt.Printf("== tensors (%s) ==\n", f.Path)
	shown := 0
	total := 0
	for _, name := range f.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		total++
		if limit > 0 && shown >= limit {
			continue
		}
		info, _ := f.Tensor(name)
		dims := make([]string, len(info.Shape))
		for i, d := range info.Shape {
			dims[i] = fmt.Sprintf("%d", d)
		}
		fmt.Printf("  %-60s %-5s [%s]\n", name, info.DType, strings.Join(dims, ", "))
		shown++
	}
	if total > shown {
		fmt.Printf("  ... %d more (raise --tensors-limit)\n", total-shown)
	}
	fmt.Println()
}
