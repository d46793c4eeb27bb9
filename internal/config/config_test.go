package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Nil(t, cfg.Model.Family)
}

func TestLoadConfigEmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	require.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigSections(t *testing.T) {
	path := writeConfig(t, `
[model]
family = "ou"
mode = "ls"

[train]
epochs = 12
lr = 0.01

[data]
split = "fold"
folds = 4
fold = 1

[snlds]
num-samples = 8
objective = "iwae"

[log]
format = "json"
`)
	fc, err := LoadConfig(path)
	require.NoError(t, err)

	s := Defaults()
	s.Merge(fc, nil)
	assert.Equal(t, "ou", s.Family)
	assert.Equal(t, "ls", s.Mode)
	assert.Equal(t, 12, s.Epochs)
	assert.InDelta(t, 0.01, s.LearningRate, 1e-12)
	assert.Equal(t, SplitFold, s.Split)
	assert.Equal(t, 4, s.Folds)
	assert.Equal(t, 1, s.Fold)
	assert.Equal(t, 8, s.NumSamples)
	assert.Equal(t, "iwae", s.Objective)
	assert.Equal(t, "json", s.LogFormat)
	assert.Equal(t, 64, s.BatchSize, "unset keys keep defaults")
	require.NoError(t, s.Validate())
}

func TestMergeKeepsChangedFlags(t *testing.T) {
	epochs := 3
	family := "ppe"
	fc := FileConfig{Train: TrainConfig{Epochs: &epochs}, Model: ModelConfig{Family: &family}}

	s := Defaults()
	s.Epochs = 99
	s.Merge(fc, func(key string) bool { return key == "epochs" })
	assert.Equal(t, 99, s.Epochs)
	assert.Equal(t, "ppe", s.Family)
}

func TestLoadConfigUnknownKey(t *testing.T) {
	path := writeConfig(t, "[train]\nepoch = 3\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train.epoch")
}

func TestValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())

	tests := []struct {
		name  string
		edit  func(*Settings)
		field string
	}{
		{"zero epochs", func(s *Settings) { s.Epochs = 0 }, "Epochs"},
		{"optimizer", func(s *Settings) { s.Optimizer = "lbfgs" }, "Optimizer"},
		{"gamma above one", func(s *Settings) { s.LRGamma = 2 }, "LRGamma"},
		{"fold out of range", func(s *Settings) { s.Fold = 5 }, "Fold"},
		{"split", func(s *Settings) { s.Split = "random" }, "Split"},
		{"objective", func(s *Settings) { s.Objective = "kl" }, "Objective"},
		{"empty family", func(s *Settings) { s.Family = "" }, "Family"},
		{"log format", func(s *Settings) { s.LogFormat = "xml" }, "LogFormat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.edit(&s)
			err := s.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDefaultPathsFollowXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("KTSIM_DB", "")
	assert.Equal(t, filepath.Join(dir, "cfg", "ktsim", "config.toml"), DefaultConfigPath())
	assert.Equal(t, filepath.Join(dir, "data", "ktsim", "ktsim.db"), DefaultDBPath())

	t.Setenv("KTSIM_DB", filepath.Join(dir, "other.db"))
	assert.Equal(t, filepath.Join(dir, "other.db"), DefaultDBPath())
}
