package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the spconv configuration file (~/.config/spconv/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	Checkpoint string `yaml:"checkpoint"`
	Arch       string `yaml:"arch"`

	// Training defaults
	BatchSize     *int64   `yaml:"batch_size"`
	TestBatchSize *int64   `yaml:"test_batch_size"`
	Epochs        *int64   `yaml:"epochs"`
	LR            *float64 `yaml:"lr"`
	Gamma         *float64 `yaml:"gamma"`
	Seed          *int64   `yaml:"seed"`

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
	return filepath.Join(dir, "spconv", "config.yaml")
}

// applyCommonConfig applies config file defaults to the shared flag
// variables when the corresponding CLI flag was not explicitly set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.DataDir != "" && !c.IsSet("data") {
		dataDir = cfg.DataDir
	}
	if cfg.Checkpoint != "" && !c.IsSet("checkpoint") {
		checkpointPath = cfg.Checkpoint
	}
	if cfg.Arch != "" && !c.IsSet("arch") {
		arch = cfg.Arch
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyTrainConfig applies config file defaults to train command variables.
func applyTrainConfig(c *cli.Command, cfg Config,
	batchSize, testBatchSize, epochs *int64, lr, gamma *float64, seed *int64,
) {
	applyCommonConfig(c, cfg)
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		*batchSize = *cfg.BatchSize
	}
	if cfg.TestBatchSize != nil && !c.IsSet("test-batch-size") {
		*testBatchSize = *cfg.TestBatchSize
	}
	if cfg.Epochs != nil && !c.IsSet("epochs") {
		*epochs = *cfg.Epochs
	}
	if cfg.LR != nil && !c.IsSet("lr") {
		*lr = *cfg.LR
	}
	if cfg.Gamma != nil && !c.IsSet("gamma") {
		*gamma = *cfg.Gamma
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyCommonConfig(c, cfg)
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
