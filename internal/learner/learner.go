// Package learner implements learner state-space models of skill mastery.
//
// Every model consumes an initial state, per-step times and active items, and
// running practice counts, then unrolls a sequential recurrence producing a
// predicted probability of a correct answer for every node at every step.
package learner

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/verte-zerg/ktsim/internal/graph"
	"github.com/verte-zerg/ktsim/internal/model"
	"github.com/verte-zerg/ktsim/internal/param"
	"github.com/verte-zerg/ktsim/internal/stats"
)

var (
	// ErrShape is returned when inputs violate the simulate contract.
	ErrShape = errors.New("learner: malformed input")
	// ErrNegativeParam is returned when a non-negative parameter is negative.
	ErrNegativeParam = errors.New("learner: negative parameter")
	// ErrNonFinite is returned by the debug guard on NaN or Inf.
	ErrNonFinite = errors.New("learner: non-finite value")
)

// KeyTotal is the loss entry minimized by the trainer.
const KeyTotal = "loss_total"

const (
	eps           = 1e-6
	secondsPerDay = 60 * 60 * 24

	minProb     = 1e-4
	maxProb     = 1 - 1e-4
	minHalfLife = 15.0 / (24 * 60) // days
	maxHalfLife = 274.0            // days
	bceFloor    = 1e-7
)

// Model is a learner state-space model.
type Model interface {
	Family() string
	Params() []*param.Tensor
	SimulatePath(in Input) (*Output, error)
	Loss(in Input, out *Output, metrics []string) (Losses, error)
}

// Losses maps loss and diagnostic names to scalars.
type Losses map[string]float64

// Config carries the construction-time hyperparameters shared by models.
type Config struct {
	Mode    string
	NumSeq  int
	NumNode int
	Base    float64
	Graph   *graph.Graph

	// Synthetic computes stats from sampled outcomes and freezes parameters.
	Synthetic bool
	// TrainThreshold makes the PPE threshold and scale trainable.
	TrainThreshold bool
	// Init overrides initial values by parameter name, see param.Tensor.Fill.
	Init map[string][]float64

	Seed  uint64
	Debug bool
}

// Input is one batch fed to SimulatePath.
type Input struct {
	X0       [][]float64 // batch x node
	Times    [][]float64 // batch x step, seconds
	Items    [][]int     // nil for single-node problems
	Features *stats.StepFeatures
	UserIDs  []int
	Labels   [][]float64
	Seed     uint64
}

// Output is the simulated trajectory of one batch.
type Output struct {
	ItemPred [][]float64
	AllPred  *model.Cube
	Aux      map[string]*model.Cube
	// Sampled holds outcomes drawn while stats are computed on the fly.
	Sampled  [][]float64
	OnTheFly bool
}

// InputFromBatch builds a model input from a corpus batch. The initial state
// is zero except the first item of each row, which takes the first label.
func InputFromBatch(b *model.Batch, numNode int, seed uint64) Input {
	bs, steps := b.Size()
	x0 := make([][]float64, bs)
	for i := range x0 {
		x0[i] = make([]float64, numNode)
	}
	var items [][]int
	if numNode > 1 {
		items = b.Skills
	}
	feats := stats.NewStepFeatures(bs, steps)
	for r := 0; r < bs; r++ {
		first := 0
		if items != nil {
			first = items[r][0]
		}
		x0[r][first] = b.Labels[r][0]
		for i := 0; i < steps; i++ {
			feats.Set(r, i, b.History[r][i], b.Success[r][i], b.Failure[r][i])
		}
	}
	return Input{
		X0:       x0,
		Times:    b.Times,
		Items:    items,
		Features: feats,
		UserIDs:  b.UserIDs,
		Labels:   b.Labels,
		Seed:     seed,
	}
}

// Flatten returns predictions, labels and skills of every predicted step,
// skipping step 0 which is the given initial state.
func Flatten(in Input, out *Output) (preds, labels []float64, skills []int) {
	for b, row := range out.ItemPred {
		for i := 1; i < len(row); i++ {
			preds = append(preds, row[i])
			labels = append(labels, in.Labels[b][i])
			skills = append(skills, itemAt(in.Items, b, i))
		}
	}
	return preds, labels, skills
}

// core holds what every model shares.
type core struct {
	family string
	cfg    Config
	mode   param.Mode
	params []*param.Tensor
	guard  guard
}

func newCore(family string, cfg Config) (*core, *rand.Rand, error) {
	mode, _, err := param.ParseMode(cfg.Mode)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", family, err)
	}
	if cfg.NumNode <= 0 || cfg.NumSeq <= 0 {
		return nil, nil, fmt.Errorf("%w: %s needs num_seq and num_node > 0, got %d and %d", ErrShape, family, cfg.NumSeq, cfg.NumNode)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	return &core{family: family, cfg: cfg, mode: mode, guard: guard{enabled: cfg.Debug}}, rng, nil
}

// Family returns the registry tag of the model.
func (c *core) Family() string {
	return c.family
}

// Params returns the parameter tensors in a stable order.
func (c *core) Params() []*param.Tensor {
	return c.params
}

// newParam allocates a parameter, applies the default initializer and any
// configured override.
func (c *core) newParam(name string, dim int, mode param.Mode, init func(*param.Tensor)) (*param.Tensor, error) {
	t := param.New(name, mode, c.cfg.NumSeq, c.cfg.NumNode, dim)
	init(t)
	if values, ok := c.cfg.Init[name]; ok {
		if err := t.Fill(values...); err != nil {
			return nil, fmt.Errorf("%s: %w", c.family, err)
		}
	}
	t.Frozen = c.cfg.Synthetic
	c.params = append(c.params, t)
	return t, nil
}

func constant(v float64) func(*param.Tensor) {
	return func(t *param.Tensor) {
		for i := range t.Data {
			t.Data[i] = v
		}
	}
}

// batch is the validated geometry of one input.
type batch struct {
	size, steps, nodes int
	users              []int
}

func (c *core) check(in Input) (batch, error) {
	if len(in.Times) == 0 || len(in.Times[0]) == 0 {
		return batch{}, fmt.Errorf("%w: empty time tensor", ErrShape)
	}
	bs, steps := len(in.Times), len(in.Times[0])
	for r, row := range in.Times {
		if len(row) != steps {
			return batch{}, fmt.Errorf("%w: time row %d has %d steps, want %d", ErrShape, r, len(row), steps)
		}
	}
	if len(in.X0) != bs {
		return batch{}, fmt.Errorf("%w: %d initial states for %d sequences", ErrShape, len(in.X0), bs)
	}
	for r, row := range in.X0 {
		if len(row) != c.cfg.NumNode {
			return batch{}, fmt.Errorf("%w: initial state %d has %d nodes, want %d", ErrShape, r, len(row), c.cfg.NumNode)
		}
	}
	if in.Items != nil {
		if len(in.Items) != bs {
			return batch{}, fmt.Errorf("%w: %d item rows for %d sequences", ErrShape, len(in.Items), bs)
		}
		for r, row := range in.Items {
			if len(row) != steps {
				return batch{}, fmt.Errorf("%w: item row %d has %d steps, want %d", ErrShape, r, len(row), steps)
			}
			for i, n := range row {
				if n < 0 || n >= c.cfg.NumNode {
					return batch{}, fmt.Errorf("%w: item %d at [%d,%d] outside [0,%d)", ErrShape, n, r, i, c.cfg.NumNode)
				}
			}
		}
	}
	users := in.UserIDs
	if users == nil {
		users = make([]int, bs)
	}
	if len(users) != bs {
		return batch{}, fmt.Errorf("%w: %d user ids for %d sequences", ErrShape, len(users), bs)
	}
	return batch{size: bs, steps: steps, nodes: c.cfg.NumNode, users: users}, nil
}

// source supplies running counts either from features or from outcomes
// recorded during the recurrence.
type source struct {
	whole *stats.Whole
	last  *stats.LastTime
	fly   *stats.OnTheFly
}

func (c *core) source(in Input, g batch) (source, error) {
	if in.Features == nil || c.cfg.Synthetic {
		last, err := stats.LastTimes(in.Times, in.Items, g.nodes)
		if err != nil {
			return source{}, fmt.Errorf("%w: %v", ErrShape, err)
		}
		first := make([]float64, g.size)
		for b := range first {
			first[b] = in.X0[b][itemAt(in.Items, b, 0)]
		}
		fly := stats.NewOnTheFly(in.Items, first, g.nodes, g.steps)
		return source{whole: fly.Whole(), last: last, fly: fly}, nil
	}
	whole, last, err := stats.Aggregate(in.Times, in.Items, in.Features, g.nodes)
	if err != nil {
		return source{}, fmt.Errorf("%w: %v", ErrShape, err)
	}
	return source{whole: whole, last: last}, nil
}

// newOutput allocates predictions and fills step 0 from the initial state
// through link.
func newOutput(in Input, g batch, link func(float64) float64, aux ...string) *Output {
	out := &Output{
		ItemPred: make([][]float64, g.size),
		AllPred:  model.NewCube(g.size, g.nodes, g.steps),
		Aux:      make(map[string]*model.Cube, len(aux)),
	}
	for _, name := range aux {
		out.Aux[name] = model.NewCube(g.size, g.nodes, g.steps)
	}
	for b := 0; b < g.size; b++ {
		out.ItemPred[b] = make([]float64, g.steps)
		for n := 0; n < g.nodes; n++ {
			out.AllPred.Set(b, n, 0, link(in.X0[b][n]))
		}
		out.ItemPred[b][0] = out.AllPred.At(b, itemAt(in.Items, b, 0), 0)
	}
	return out
}

func (o *Output) markOnTheFly(g batch) {
	o.OnTheFly = true
	o.Sampled = make([][]float64, g.size)
	for b := range o.Sampled {
		o.Sampled[b] = make([]float64, g.steps)
		o.Sampled[b][0] = o.ItemPred[b][0]
	}
}

// lossBCE computes the mean binary cross-entropy over predicted steps and
// adds the requested metrics.
func lossBCE(in Input, out *Output, metrics []string) (Losses, error) {
	if len(in.Labels) != len(out.ItemPred) {
		return nil, fmt.Errorf("%w: %d label rows for %d predictions", ErrShape, len(in.Labels), len(out.ItemPred))
	}
	for b, row := range out.ItemPred {
		if len(in.Labels[b]) != len(row) {
			return nil, fmt.Errorf("%w: label row %d has %d steps, want %d", ErrShape, b, len(in.Labels[b]), len(row))
		}
	}
	preds, labels, _ := Flatten(in, out)
	losses := Losses{KeyTotal: BCE(preds, labels)}
	evals, err := stats.Evaluate(preds, labels, metrics)
	if err != nil {
		return nil, err
	}
	for k, v := range evals {
		losses[k] = v
	}
	return losses, nil
}

// BCE returns the mean binary cross-entropy with predictions clamped away
// from 0 and 1.
func BCE(preds, labels []float64) float64 {
	if len(preds) == 0 {
		return 0
	}
	var sum float64
	for i, p := range preds {
		p = math.Max(bceFloor, math.Min(1-bceFloor, p))
		y := labels[i]
		sum -= y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	return sum / float64(len(preds))
}

func clipProb(p float64) float64 {
	return math.Max(minProb, math.Min(maxProb, p))
}

func clipHalfLife(h float64) float64 {
	return math.Max(minHalfLife, math.Min(maxHalfLife, h))
}

func relu(x float64) float64 {
	return math.Max(0, x)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func identity(x float64) float64 {
	return x
}

// elapsedDays converts a gap in seconds to days with an epsilon floor.
func elapsedDays(now, then float64) float64 {
	return (now-then)/secondsPerDay + eps
}

func itemAt(items [][]int, b, i int) int {
	if items == nil {
		return 0
	}
	return items[b][i]
}

func noiseRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+0x6a09e667f3bcc909))
}
