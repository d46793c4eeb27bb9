package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is returned when resolved settings fail validation.
var ErrInvalid = errors.New("config: invalid settings")

// Split strategies.
const (
	SplitTime = "time"
	SplitFold = "fold"
)

// Settings is the fully resolved configuration of one command.
type Settings struct {
	Family         string  `validate:"required"`
	Mode           string  `validate:"required"`
	Base           float64 `validate:"gt=0"`
	Graph          string
	TrainThreshold bool
	ModelSeed      uint64
	Debug          bool

	Epochs       int     `validate:"gte=1"`
	BatchSize    int     `validate:"gte=1"`
	Optimizer    string  `validate:"oneof=gd sgd adagrad adadelta adam"`
	LearningRate float64 `validate:"gt=0"`
	L2           float64 `validate:"gte=0"`
	LRStep       int     `validate:"gte=0"`
	LRGamma      float64 `validate:"gt=0,lte=1"`
	EarlyStop    int     `validate:"gte=0"`
	Metric       string  `validate:"oneof=auc accuracy f1 recall precision loss_total"`
	TrainSeed    uint64

	MaxStep    int     `validate:"gte=0"`
	Split      string  `validate:"oneof=time fold"`
	TrainRatio float64 `validate:"gt=0,lte=1"`
	ValidRatio float64 `validate:"gte=0,lt=1"`
	TestRatio  float64 `validate:"gte=0,lte=1"`
	Folds      int     `validate:"gte=2"`
	Fold       int     `validate:"gte=0,ltfield=Folds"`
	SplitSeed  uint64

	HiddenDimS   int    `validate:"gte=1"`
	HiddenDimZ   int    `validate:"gte=1"`
	HiddenDimRNN int    `validate:"gte=1"`
	NumSamples   int    `validate:"gte=1"`
	Transition   string `validate:"oneof=ou nonlinear"`
	Objective    string `validate:"oneof=elbo iwae"`

	LogLevel  string `validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	LogFormat string `validate:"oneof=text json"`
}

// Defaults returns the stock settings.
func Defaults() Settings {
	return Settings{
		Family:       "hlr",
		Mode:         "simple",
		Base:         2,
		ModelSeed:    2024,
		Epochs:       200,
		BatchSize:    64,
		Optimizer:    "adam",
		LearningRate: 5e-3,
		L2:           1e-5,
		LRStep:       5000,
		LRGamma:      0.5,
		EarlyStop:    10,
		Metric:       "auc",
		TrainSeed:    2023,
		MaxStep:      50,
		Split:        SplitTime,
		TrainRatio:   0.6,
		ValidRatio:   0.2,
		TestRatio:    0.2,
		Folds:        5,
		SplitSeed:    2022,
		HiddenDimS:   3,
		HiddenDimZ:   1,
		HiddenDimRNN: 8,
		NumSamples:   1,
		Transition:   "ou",
		Objective:    "elbo",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

var validate = validator.New()

// Validate checks the settings and reports every failing field.
func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// Merge overlays every value set in fc onto s, skipping the keys for which
// keep reports true. Keys are the CLI flag names.
func (s *Settings) Merge(fc FileConfig, keep func(key string) bool) {
	if keep == nil {
		keep = func(string) bool { return false }
	}
	m := merger{keep: keep}
	setKey(m, "family", &s.Family, fc.Model.Family)
	setKey(m, "mode", &s.Mode, fc.Model.Mode)
	setKey(m, "base", &s.Base, fc.Model.Base)
	setKey(m, "graph", &s.Graph, fc.Model.Graph)
	setKey(m, "train-threshold", &s.TrainThreshold, fc.Model.TrainThreshold)
	setKey(m, "seed", &s.ModelSeed, fc.Model.Seed)
	setKey(m, "debug", &s.Debug, fc.Model.Debug)

	setKey(m, "epochs", &s.Epochs, fc.Train.Epochs)
	setKey(m, "batch-size", &s.BatchSize, fc.Train.BatchSize)
	setKey(m, "optimizer", &s.Optimizer, fc.Train.Optimizer)
	setKey(m, "lr", &s.LearningRate, fc.Train.LearningRate)
	setKey(m, "l2", &s.L2, fc.Train.L2)
	setKey(m, "lr-step", &s.LRStep, fc.Train.LRStep)
	setKey(m, "lr-gamma", &s.LRGamma, fc.Train.LRGamma)
	setKey(m, "early-stop", &s.EarlyStop, fc.Train.EarlyStop)
	setKey(m, "metric", &s.Metric, fc.Train.Metric)
	setKey(m, "train-seed", &s.TrainSeed, fc.Train.Seed)

	setKey(m, "max-step", &s.MaxStep, fc.Data.MaxStep)
	setKey(m, "split", &s.Split, fc.Data.Split)
	setKey(m, "train-ratio", &s.TrainRatio, fc.Data.TrainRatio)
	setKey(m, "valid-ratio", &s.ValidRatio, fc.Data.ValidRatio)
	setKey(m, "test-ratio", &s.TestRatio, fc.Data.TestRatio)
	setKey(m, "folds", &s.Folds, fc.Data.Folds)
	setKey(m, "fold", &s.Fold, fc.Data.Fold)
	setKey(m, "split-seed", &s.SplitSeed, fc.Data.Seed)

	setKey(m, "hidden-dim-s", &s.HiddenDimS, fc.SNLDS.HiddenDimS)
	setKey(m, "hidden-dim-z", &s.HiddenDimZ, fc.SNLDS.HiddenDimZ)
	setKey(m, "hidden-dim-rnn", &s.HiddenDimRNN, fc.SNLDS.HiddenDimRNN)
	setKey(m, "num-samples", &s.NumSamples, fc.SNLDS.NumSamples)
	setKey(m, "transition", &s.Transition, fc.SNLDS.Transition)
	setKey(m, "objective", &s.Objective, fc.SNLDS.Objective)

	setKey(m, "log-level", &s.LogLevel, fc.Log.Level)
	setKey(m, "log-format", &s.LogFormat, fc.Log.Format)
}

type merger struct {
	keep func(string) bool
}

func setKey[T any](m merger, key string, target *T, value *T) {
	if value == nil || m.keep(key) {
		return
	}
	*target = *value
}
