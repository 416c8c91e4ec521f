package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the tokenloop configuration file
// ($XDG_CONFIG_HOME/tokenloop/config.yaml). Numeric and boolean fields are
// pointers so "not set" differs from zero.
type Config struct {
	Model string `yaml:"model"`

	ContextLen *int64 `yaml:"context_len"`
	Threads    *int64 `yaml:"threads"`
	GPULayers  *int64 `yaml:"gpu_layers"`
	UseMmap    *bool  `yaml:"use_mmap"`
	UseMlock   *bool  `yaml:"use_mlock"`
	Backend    string `yaml:"backend"`

	Temperature   *float64 `yaml:"temperature"`
	TopK          *float64 `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int64   `yaml:"repeat_last_n"`
	Seed          *int64   `yaml:"seed"`
	Steps         *int64   `yaml:"steps"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// configPathOverride is a seam for tests.
var configPathOverride string

func configPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tokenloop", "config.yaml")
}

// LoadConfig reads the config file. A missing file is a zero Config; a file
// that does not parse is an error.
func LoadConfig() (Config, error) {
	var cfg Config
	path := configPath()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyCommonConfig applies file defaults for flags shared by every command
// when the flag was not set on the command line.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendArg = cfg.Backend
	}
	if cfg.GPULayers != nil && !c.IsSet("gpu-layers") {
		gpuLayers = *cfg.GPULayers
	}
	if cfg.UseMmap != nil && !c.IsSet("mmap") {
		useMmap = *cfg.UseMmap
	}
	if cfg.UseMlock != nil && !c.IsSet("mlock") {
		useMlock = *cfg.UseMlock
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyRunConfig applies file defaults to the run command.
func applyRunConfig(c *cli.Command, cfg Config, rf *runFlags) {
	applyCommonConfig(c, cfg)
	if cfg.ContextLen != nil && !c.IsSet("context-len") {
		contextLen = *cfg.ContextLen
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.Temperature != nil && !c.IsSet("temp") {
		rf.temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		rf.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		rf.topP = *cfg.TopP
	}
	if cfg.MinP != nil && !c.IsSet("min-p") {
		rf.minP = *cfg.MinP
	}
	if cfg.RepeatPenalty != nil && !c.IsSet("repeat-penalty") {
		rf.repeatPenalty = *cfg.RepeatPenalty
	}
	if cfg.RepeatLastN != nil && !c.IsSet("repeat-last-n") {
		rf.repeatLastN = *cfg.RepeatLastN
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		rf.seed = *cfg.Seed
	}
	if cfg.Steps != nil && !c.IsSet("steps") {
		rf.steps = *cfg.Steps
	}
}
