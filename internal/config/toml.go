// Package config provides configuration helpers and TOML parsing.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// FileConfig represents the TOML configuration file.
type FileConfig struct {
	Model ModelConfig `toml:"model"`
	Train TrainConfig `toml:"train"`
	Data  DataConfig  `toml:"data"`
	SNLDS SNLDSConfig `toml:"snlds"`
	Log   LogConfig   `toml:"log"`
}

// ModelConfig maps learner model settings.
type ModelConfig struct {
	Family         *string  `toml:"family"`
	Mode           *string  `toml:"mode"`
	Base           *float64 `toml:"base"`
	Graph          *string  `toml:"graph"`
	TrainThreshold *bool    `toml:"train-threshold"`
	Seed           *uint64  `toml:"seed"`
	Debug          *bool    `toml:"debug"`
}

// TrainConfig maps trainer settings.
type TrainConfig struct {
	Epochs       *int     `toml:"epochs"`
	BatchSize    *int     `toml:"batch-size"`
	Optimizer    *string  `toml:"optimizer"`
	LearningRate *float64 `toml:"lr"`
	L2           *float64 `toml:"l2"`
	LRStep       *int     `toml:"lr-step"`
	LRGamma      *float64 `toml:"lr-gamma"`
	EarlyStop    *int     `toml:"early-stop"`
	Metric       *string  `toml:"metric"`
	Seed         *uint64  `toml:"seed"`
}

// DataConfig maps corpus and split settings.
type DataConfig struct {
	MaxStep    *int     `toml:"max-step"`
	Split      *string  `toml:"split"`
	TrainRatio *float64 `toml:"train-ratio"`
	ValidRatio *float64 `toml:"valid-ratio"`
	TestRatio  *float64 `toml:"test-ratio"`
	Folds      *int     `toml:"folds"`
	Fold       *int     `toml:"fold"`
	Seed       *uint64  `toml:"seed"`
}

// SNLDSConfig maps switching-dynamics settings.
type SNLDSConfig struct {
	HiddenDimS   *int    `toml:"hidden-dim-s"`
	HiddenDimZ   *int    `toml:"hidden-dim-z"`
	HiddenDimRNN *int    `toml:"hidden-dim-rnn"`
	NumSamples   *int    `toml:"num-samples"`
	Transition   *string `toml:"transition"`
	Objective    *string `toml:"objective"`
}

// LogConfig maps logger settings.
type LogConfig struct {
	Level  *string `toml:"level"`
	Format *string `toml:"format"`
}

// LoadConfig reads a TOML config from the given path. Missing file is not an error.
func LoadConfig(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil
		}
		return FileConfig{}, fmt.Errorf("failed to stat config: %w", err)
	}
	var cfg FileConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return FileConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return FileConfig{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return cfg, nil
}
