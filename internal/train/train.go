// Package train fits learner models by mini-batch gradient descent with
// numerical gradients, tracks validation metrics and keeps the best
// parameters.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/verte-zerg/ktsim/internal/corpus"
	"github.com/verte-zerg/ktsim/internal/learner"
	"github.com/verte-zerg/ktsim/internal/model"
	"github.com/verte-zerg/ktsim/internal/param"
	"github.com/verte-zerg/ktsim/internal/stats"
)

var (
	// ErrConfig is returned for unusable trainer settings.
	ErrConfig = errors.New("train: invalid config")
	// ErrNoData is returned when a phase has no learners to fit or score.
	ErrNoData = errors.New("train: no data")
)

// Phases.
const (
	PhaseTrain = "train"
	PhaseValid = "valid"
	PhaseTest  = "test"
)

// Config configures a training run.
// Zero values are replaced with defaults by withDefaults.
type Config struct {
	Epochs       int
	BatchSize    int
	Optimizer    string
	LearningRate float64
	L2           float64
	LRStep       int
	LRGamma      float64
	// EarlyStop is the patience in epochs without a better validation
	// metric; zero disables early stopping.
	EarlyStop int
	// Metric selects the best epoch; higher is better.
	Metric  string
	Metrics []string
	Seed    uint64
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Epochs:       200,
		BatchSize:    64,
		Optimizer:    OptAdam,
		LearningRate: 5e-3,
		L2:           1e-5,
		LRStep:       5000,
		LRGamma:      0.5,
		EarlyStop:    10,
		Metric:       "auc",
		Metrics:      stats.DefaultMetrics,
		Seed:         2023,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Epochs == 0 {
		c.Epochs = d.Epochs
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Optimizer == "" {
		c.Optimizer = d.Optimizer
	}
	if c.LearningRate == 0 {
		c.LearningRate = d.LearningRate
	}
	if c.LRGamma == 0 {
		c.LRGamma = d.LRGamma
	}
	if c.Metric == "" {
		c.Metric = d.Metric
	}
	if c.Metrics == nil {
		c.Metrics = d.Metrics
	}
	return c
}

// Recorder receives every logged scalar of a run.
type Recorder interface {
	Record(ctx context.Context, rec model.LossRecord) error
}

// Trainer fits one model.
type Trainer struct {
	model   learner.Model
	numNode int
	cfg     Config
	log     *slog.Logger
	vec     *vector
	warned  bool
}

// New creates a trainer for m over numNode skills.
func New(m learner.Model, numNode int, cfg Config, log *slog.Logger) (*Trainer, error) {
	cfg = cfg.withDefaults()
	if cfg.Epochs < 0 || cfg.BatchSize < 0 || cfg.LearningRate < 0 || cfg.L2 < 0 {
		return nil, fmt.Errorf("%w: epochs, batch size, learning rate and l2 must be non-negative", ErrConfig)
	}
	if !containsFold(cfg.Metrics, cfg.Metric) && !strings.EqualFold(cfg.Metric, learner.KeyTotal) {
		cfg.Metrics = append(append([]string(nil), cfg.Metrics...), cfg.Metric)
	}
	if numNode <= 0 {
		return nil, fmt.Errorf("%w: num node %d", ErrConfig, numNode)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Trainer{model: m, numNode: numNode, cfg: cfg, log: log, vec: newVector(m.Params())}, nil
}

// Result summarizes a fit.
type Result struct {
	Epochs     int
	BestEpoch  int
	BestMetric float64
	Stopped    bool
	Best       []*param.Tensor
}

// Fit trains on split.Train, selects the best epoch on split.Valid (or on
// the training loss when there is no validation set) and leaves the model
// holding the best parameters, also when it returns an error. Cancellation
// is checked between batches.
func (t *Trainer) Fit(ctx context.Context, split corpus.Split, rec Recorder) (Result, error) {
	if len(split.Train) == 0 {
		return Result{}, fmt.Errorf("%w: empty training set", ErrNoData)
	}
	opt, err := NewOptimizer(t.cfg.Optimizer, t.cfg.LearningRate, t.vec.size)
	if err != nil {
		return Result{}, err
	}
	sched := NewStepLR(t.cfg.LearningRate, t.cfg.LRStep, t.cfg.LRGamma)
	rng := rand.New(rand.NewPCG(t.cfg.Seed, t.cfg.Seed^0xda942042e4dd58b5))

	flat := make([]float64, t.vec.size)
	grad := make([]float64, t.vec.size)
	res := Result{BestEpoch: -1, BestMetric: math.Inf(-1)}
	t.log.Info("training", "family", t.model.Family(), "params", t.vec.size,
		"learners", len(split.Train), "epochs", t.cfg.Epochs, "optimizer", t.cfg.Optimizer)

	// fail leaves the model on the best snapshot seen so far.
	fail := func(err error) (Result, error) {
		t.restore(res)
		return res, err
	}

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		var sum float64
		var n int
		for _, b := range corpus.Batches(split.Train, t.cfg.BatchSize, rng) {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
			in := learner.InputFromBatch(b, t.numNode, rng.Uint64())
			loss := func() (float64, error) {
				l, _, err := t.loss(in)
				return l + t.vec.penalty(t.cfg.L2), err
			}
			current, err := loss()
			if err != nil {
				return fail(fmt.Errorf("epoch %d: %w", epoch, err))
			}
			if err := numericalGradient(t.vec, t.vec.active(b.UserIDs), t.cfg.L2, loss, grad); err != nil {
				return fail(fmt.Errorf("epoch %d: %w", epoch, err))
			}
			t.vec.gather(flat)
			opt.SetLR(sched.LR())
			opt.Update(flat, grad)
			t.vec.scatter(flat)
			sched.Step()
			sum += current
			n++
		}
		if n == 0 {
			return fail(fmt.Errorf("%w: every training learner has an empty history", ErrNoData))
		}
		res.Epochs = epoch + 1
		trainLoss := sum / float64(n)
		if err := record(ctx, rec, epoch, PhaseTrain, learner.Losses{learner.KeyTotal: trainLoss}); err != nil {
			return fail(err)
		}

		metric := -trainLoss
		if len(split.Valid) > 0 {
			eval, err := t.Evaluate(split.Valid)
			if err != nil {
				return fail(fmt.Errorf("epoch %d: %w", epoch, err))
			}
			if err := record(ctx, rec, epoch, PhaseValid, eval.Losses); err != nil {
				return fail(err)
			}
			metric = eval.metric(t.cfg.Metric)
		}
		t.log.Info("epoch", "epoch", epoch, "loss", trainLoss, t.cfg.Metric, metric, "lr", sched.LR())

		if metric > res.BestMetric || res.BestEpoch < 0 {
			res.BestMetric = metric
			res.BestEpoch = epoch
			res.Best = cloneAll(t.model.Params())
		}
		if t.cfg.EarlyStop > 0 && epoch-res.BestEpoch >= t.cfg.EarlyStop {
			t.log.Info("early stop", "epoch", epoch, "best_epoch", res.BestEpoch)
			res.Stopped = true
			break
		}
	}
	t.restore(res)
	return res, nil
}

// loss runs one forward pass and returns loss_total.
func (t *Trainer) loss(in learner.Input) (float64, *learner.Output, error) {
	out, err := t.model.SimulatePath(in)
	if err != nil {
		return 0, nil, err
	}
	if out.OnTheFly && !t.warned {
		t.warned = true
		t.log.Warn("stats computed from sampled outcomes; samples are held fixed by seed during gradient estimation")
	}
	losses, err := t.model.Loss(in, out, nil)
	if err != nil {
		return 0, nil, err
	}
	return losses[learner.KeyTotal], out, nil
}

// Evaluation is the scored prediction set of one phase.
type Evaluation struct {
	Losses learner.Losses
	Preds  []float64
	Labels []float64
	Skills []int
}

func (e Evaluation) metric(name string) float64 {
	for k, v := range e.Losses {
		if strings.EqualFold(k, name) {
			if k == learner.KeyTotal {
				return -v
			}
			return v
		}
	}
	return math.NaN()
}

// Evaluate scores the model on learners with a fixed seed. loss_total is
// the per-prediction weighted mean of the batch losses; metrics are
// computed over all predictions at once.
func (t *Trainer) Evaluate(learners []model.Learner) (Evaluation, error) {
	batches := corpus.Batches(learners, t.cfg.BatchSize, nil)
	if len(batches) == 0 {
		return Evaluation{}, fmt.Errorf("%w: nothing to evaluate", ErrNoData)
	}
	var eval Evaluation
	var total float64
	for k, b := range batches {
		in := learner.InputFromBatch(b, t.numNode, t.cfg.Seed+uint64(k))
		l, out, err := t.loss(in)
		if err != nil {
			return Evaluation{}, err
		}
		preds, labels, skills := learner.Flatten(in, out)
		total += l * float64(len(preds))
		eval.Preds = append(eval.Preds, preds...)
		eval.Labels = append(eval.Labels, labels...)
		eval.Skills = append(eval.Skills, skills...)
	}
	metrics, err := stats.Evaluate(eval.Preds, eval.Labels, t.cfg.Metrics)
	if err != nil {
		return Evaluation{}, err
	}
	eval.Losses = learner.Losses{}
	for k, v := range metrics {
		eval.Losses[k] = v
	}
	if len(eval.Preds) > 0 {
		eval.Losses[learner.KeyTotal] = total / float64(len(eval.Preds))
	}
	return eval, nil
}

func (t *Trainer) restore(res Result) {
	if res.Best == nil {
		return
	}
	for i, p := range t.model.Params() {
		copy(p.Data, res.Best[i].Data)
	}
}

func record(ctx context.Context, rec Recorder, epoch int, phase string, losses learner.Losses) error {
	if rec == nil {
		return nil
	}
	for k, v := range losses {
		if err := rec.Record(ctx, model.LossRecord{Epoch: epoch, Phase: phase, Key: k, Value: v}); err != nil {
			return fmt.Errorf("record %s %s: %w", phase, k, err)
		}
	}
	return nil
}

func cloneAll(params []*param.Tensor) []*param.Tensor {
	out := make([]*param.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Clone()
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
