package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the levanter configuration file
// (~/.config/levanter/config.yaml). Numeric fields are pointers so a zero in
// the file can be told apart from "not set".
type Config struct {
	CheckpointDir string `yaml:"checkpoint_dir"`

	// Export defaults
	VocabSize *int64 `yaml:"vocab_size"`
	Seed      *int64 `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "levanter", "config.yaml")
}

// applyExportConfig applies config file defaults to export command variables
// when the corresponding CLI flag was not explicitly set.
func applyExportConfig(c *cli.Command, cfg Config, vocabSize, seed *int64) {
	if cfg.VocabSize != nil && !c.IsSet("vocab-size") {
		*vocabSize = *cfg.VocabSize
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, checkpoint, addr *string) {
	if cfg.CheckpointDir != "" && !c.IsSet("checkpoint") {
		*checkpoint = cfg.CheckpointDir
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
