// Package snlds implements a switching non-linear dynamical system of
// learner mastery trained by amortized variational inference.
//
// Two continuous latents evolve per learner: a switching state s that sets
// the dynamics and a mastery state z observed through the answers. Recurrent
// inference networks sample both trajectories from the observed labels and
// the model scores them with an ELBO or IWAE bound.
package snlds

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/verte-zerg/ktsim/internal/learner"
	"github.com/verte-zerg/ktsim/internal/model"
	"github.com/verte-zerg/ktsim/internal/param"
	"github.com/verte-zerg/ktsim/internal/stats"
)

// FamilySNLDS is the registry tag of the switching dynamical system.
const FamilySNLDS = "snlds"

var (
	// ErrConfig is returned for unusable hyperparameters.
	ErrConfig = errors.New("snlds: invalid config")
	// ErrNoLabels is returned when the observed labels are missing.
	ErrNoLabels = errors.New("snlds: labels are required")
)

// Transition kinds of the mastery prior.
const (
	TransitionOU        = "ou"
	TransitionNonlinear = "nonlinear"
)

// Objectives.
const (
	ObjectiveELBO = "elbo"
	ObjectiveIWAE = "iwae"
)

// Config holds the hyperparameters of the system. The embedded learner
// config supplies node count, seed and the synthetic flag.
type Config struct {
	learner.Config

	HiddenDimS   int
	HiddenDimZ   int
	ObsDim       int
	HiddenDimRNN int
	NumSamples   int
	Transition   string
	Objective    string
	SigmaMin     float64
	SigmaScale   float64
	RawSigmaBias float64
}

// DefaultConfig returns the stock hyperparameters around base.
func DefaultConfig(base learner.Config) Config {
	return Config{
		Config:       base,
		HiddenDimS:   3,
		HiddenDimZ:   1,
		ObsDim:       1,
		HiddenDimRNN: 8,
		NumSamples:   1,
		Transition:   TransitionOU,
		Objective:    ObjectiveELBO,
		SigmaMin:     1e-5,
		SigmaScale:   0.05,
	}
}

func (c Config) validate() error {
	switch {
	case c.ObsDim != 1:
		return fmt.Errorf("%w: observations are scalar labels, got obs dim %d", ErrConfig, c.ObsDim)
	case c.HiddenDimS <= 0 || c.HiddenDimZ <= 0 || c.HiddenDimRNN <= 0:
		return fmt.Errorf("%w: hidden dims must be positive", ErrConfig)
	case c.NumSamples <= 0:
		return fmt.Errorf("%w: num samples must be positive, got %d", ErrConfig, c.NumSamples)
	case c.SigmaMin <= 0 || c.SigmaScale <= 0:
		return fmt.Errorf("%w: sigma min and scale must be positive", ErrConfig)
	case c.NumNode <= 0:
		return fmt.Errorf("%w: num node must be positive, got %d", ErrConfig, c.NumNode)
	}
	switch c.Transition {
	case TransitionOU:
		if c.HiddenDimS < 2 {
			return fmt.Errorf("%w: ou transition reads speed and level from s, hidden dim s %d < 2", ErrConfig, c.HiddenDimS)
		}
	case TransitionNonlinear:
	default:
		return fmt.Errorf("%w: unknown transition %q", ErrConfig, c.Transition)
	}
	switch c.Objective {
	case ObjectiveELBO, ObjectiveIWAE:
	default:
		return fmt.Errorf("%w: unknown objective %q", ErrConfig, c.Objective)
	}
	if c.Mode != "" {
		mode, _, err := param.ParseMode(c.Mode)
		if err != nil {
			return err
		}
		if mode != param.Shared {
			return fmt.Errorf("%w: networks are shared, mode %s is not supported", ErrConfig, mode)
		}
	}
	return nil
}

// posterior is a recurrent inference network q(x_t | y_{1:T}, x_{t-1}).
type posterior struct {
	cell  *lstm
	head  *dense
	scale *scale
	dim   int
}

// SNLDS is the switching non-linear dynamical system.
type SNLDS struct {
	cfg Config

	s0Mean, z0Mean   *param.Tensor
	s0Scale, z0Scale *scale

	sPost, zPost *posterior

	sTrans, zTrans       *mlp
	sTransStd, zTransStd *scale
	emit                 *mlp
	emitStd              *scale
	params               []*param.Tensor
}

// New builds an SNLDS with freshly initialized networks.
func New(cfg Config) (*SNLDS, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	m := &SNLDS{cfg: cfg}
	hs, hz, obs := cfg.HiddenDimS, cfg.HiddenDimZ, cfg.ObsDim

	var err error
	m.s0Mean = param.NewWeights("s0_mean", 1, hs)
	m.s0Mean.Xavier(rng, 1, hs)
	if m.s0Scale, err = xavierScale(hs, rng, cfg); err != nil {
		return nil, err
	}
	m.z0Mean = param.NewWeights("z0_mean", 1, hz)
	m.z0Mean.Xavier(rng, 1, hz)
	if m.z0Scale, err = xavierScale(hz, rng, cfg); err != nil {
		return nil, err
	}

	if m.sPost, err = newPosterior("s_post", obs, hs, rng, cfg); err != nil {
		return nil, err
	}
	if m.zPost, err = newPosterior("z_post", obs, hz, rng, cfg); err != nil {
		return nil, err
	}

	m.sTrans = newMLP("s_trans", obs, []int{4 * hs, hs}, rng)
	if m.sTransStd, err = uniformScale(hs, rng, cfg); err != nil {
		return nil, err
	}
	if cfg.Transition == TransitionNonlinear {
		m.zTrans = newMLP("z_trans", obs, []int{3 * hz, hz}, rng)
	}
	if m.zTransStd, err = uniformScale(hz, rng, cfg); err != nil {
		return nil, err
	}
	m.emit = newMLP("emit", hz, []int{4 * obs, obs}, rng)
	if m.emitStd, err = uniformScale(obs, rng, cfg); err != nil {
		return nil, err
	}

	m.params = append(m.params, m.s0Mean, m.z0Mean)
	m.params = append(m.params, m.sPost.params()...)
	m.params = append(m.params, m.zPost.params()...)
	m.params = append(m.params, m.sTrans.params()...)
	if m.zTrans != nil {
		m.params = append(m.params, m.zTrans.params()...)
	}
	m.params = append(m.params, m.emit.params()...)
	for _, t := range m.params {
		if values, ok := cfg.Init[t.Name]; ok {
			if err := t.Fill(values...); err != nil {
				return nil, fmt.Errorf("%s: %w", FamilySNLDS, err)
			}
		}
		t.Frozen = cfg.Synthetic
	}
	return m, nil
}

func newPosterior(name string, obs, dim int, rng *rand.Rand, cfg Config) (*posterior, error) {
	sc, err := uniformScale(dim, rng, cfg)
	if err != nil {
		return nil, err
	}
	return &posterior{
		cell:  newLSTM(name+".lstm", obs+dim, cfg.HiddenDimRNN, rng),
		head:  newDense(name+".head", cfg.HiddenDimRNN, dim, linear, rng),
		scale: sc,
		dim:   dim,
	}, nil
}

func (p *posterior) params() []*param.Tensor {
	return append(p.cell.params(), p.head.params()...)
}

// Family returns the registry tag.
func (m *SNLDS) Family() string { return FamilySNLDS }

// Params returns the trainable tensors in a stable order.
func (m *SNLDS) Params() []*param.Tensor { return m.params }

// Aux keys of the output.
const (
	AuxTerms = "terms"
	AuxS     = "s"
	AuxZ     = "z"
)

// Rows of the AuxTerms cube, which is laid out (sample, term, batch row).
const (
	termSequence = iota
	termInitial
	termEntropy
	termLogQ
	numTerms
)

// SimulatePath samples latent trajectories from the inference networks and
// scores them under the prior. ItemPred is the one-step-ahead prediction:
// the emission of the prior mean of z[t] given the first sample's z[t-1]
// and y[t-1], so it never sees the label it predicts. A synthetic model
// without labels samples from the prior instead, see generate.
func (m *SNLDS) SimulatePath(in learner.Input) (*learner.Output, error) {
	if m.cfg.Synthetic && in.Labels == nil {
		return m.generate(in)
	}
	bs, steps, err := m.check(in)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(in.Seed, in.Seed+0x6a09e667f3bcc909))
	tr := m.infer(in.Labels, rng)
	terms := m.score(in, tr)

	out := m.newOutput(bs, steps)
	out.Aux[AuxTerms] = terms
	y := make([]float64, 1)
	for b := 0; b < bs; b++ {
		for t := 0; t < steps; t++ {
			zMean := m.z0Mean.Row(0)
			if t > 0 {
				y[0] = in.Labels[b][t-1]
				dt := (in.Times[b][t] - in.Times[b][t-1]) / secondsPerDay
				zMean = m.zPriorMean(y, tr.z[b][t-1], m.sTrans.forward(y), dt)
			}
			m.set(out, b, t, clipProb(m.emit.forward(zMean)[0]), tr.s[b][t], tr.z[b][t])
		}
	}
	return out, nil
}

// generate draws s, z and y from the prior: s0 and z0 from the initial
// Gaussians, then s[t] from the switching transition of y[t-1], z[t] from
// the mastery transition and y[t] from Bernoulli(emit(z[t])). Each draw is
// fed back as the next step's input. The first label is the first outcome
// set in X0.
func (m *SNLDS) generate(in learner.Input) (*learner.Output, error) {
	if len(in.Times) == 0 || len(in.Times[0]) == 0 {
		return nil, fmt.Errorf("%w: empty time tensor", learner.ErrShape)
	}
	bs, steps := len(in.Times), len(in.Times[0])
	if len(in.X0) != bs {
		return nil, fmt.Errorf("%w: %d initial states for %d sequences", learner.ErrShape, len(in.X0), bs)
	}
	rng := rand.New(rand.NewPCG(in.Seed, in.Seed+0x6a09e667f3bcc909))
	out := m.newOutput(bs, steps)
	out.OnTheFly = true
	out.Sampled = make([][]float64, bs)

	y := make([]float64, 1)
	for b := 0; b < bs; b++ {
		if len(in.Times[b]) != steps {
			return nil, fmt.Errorf("%w: row %d is not %d steps long", learner.ErrShape, b, steps)
		}
		out.Sampled[b] = make([]float64, steps)
		s := m.s0Scale.sample(m.s0Mean.Row(0), normals(rng, m.cfg.HiddenDimS), nil)
		z := m.z0Scale.sample(m.z0Mean.Row(0), normals(rng, m.cfg.HiddenDimZ), nil)
		for _, v := range in.X0[b] {
			y[0] = max(y[0], v)
		}
		for t := 0; t < steps; t++ {
			if t > 0 {
				dt := (in.Times[b][t] - in.Times[b][t-1]) / secondsPerDay
				s = m.sTransStd.sample(m.sTrans.forward(y), normals(rng, m.cfg.HiddenDimS), nil)
				z = m.zTransStd.sample(m.zPriorMean(y, z, s, dt), normals(rng, m.cfg.HiddenDimZ), nil)
			}
			p := clipProb(m.emit.forward(z)[0])
			if t > 0 {
				y[0] = 0
				if rng.Float64() < p {
					y[0] = 1
				}
			}
			out.Sampled[b][t] = y[0]
			m.set(out, b, t, p, s, z)
		}
		y[0] = 0
	}
	return out, nil
}

func (m *SNLDS) newOutput(bs, steps int) *learner.Output {
	out := &learner.Output{
		ItemPred: make([][]float64, bs),
		AllPred:  model.NewCube(bs, m.cfg.NumNode, steps),
		Aux: map[string]*model.Cube{
			AuxS: model.NewCube(bs, m.cfg.HiddenDimS, steps),
			AuxZ: model.NewCube(bs, m.cfg.HiddenDimZ, steps),
		},
	}
	for b := range out.ItemPred {
		out.ItemPred[b] = make([]float64, steps)
	}
	return out
}

// set stores the prediction p of row b at step t for every node together
// with the latent states.
func (m *SNLDS) set(out *learner.Output, b, t int, p float64, s, z []float64) {
	out.ItemPred[b][t] = p
	for n := 0; n < m.cfg.NumNode; n++ {
		out.AllPred.Set(b, n, t, p)
	}
	for k, v := range s {
		out.Aux[AuxS].Set(b, k, t, v)
	}
	for k, v := range z {
		out.Aux[AuxZ].Set(b, k, t, v)
	}
}

func normals(rng *rand.Rand, n int) []float64 {
	xi := make([]float64, n)
	for k := range xi {
		xi[k] = rng.NormFloat64()
	}
	return xi
}

func (m *SNLDS) check(in learner.Input) (bs, steps int, err error) {
	if in.Labels == nil {
		return 0, 0, ErrNoLabels
	}
	if len(in.Times) == 0 || len(in.Times[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: empty time tensor", learner.ErrShape)
	}
	bs, steps = len(in.Times), len(in.Times[0])
	if len(in.Labels) != bs {
		return 0, 0, fmt.Errorf("%w: %d label rows for %d sequences", learner.ErrShape, len(in.Labels), bs)
	}
	for r := 0; r < bs; r++ {
		if len(in.Times[r]) != steps || len(in.Labels[r]) != steps {
			return 0, 0, fmt.Errorf("%w: row %d is not %d steps long", learner.ErrShape, r, steps)
		}
	}
	return bs, steps, nil
}

// Loss returns the negative bound as loss_total together with the bound
// terms and the requested metrics.
func (m *SNLDS) Loss(in learner.Input, out *learner.Output, metrics []string) (learner.Losses, error) {
	terms, ok := out.Aux[AuxTerms]
	if !ok {
		return nil, fmt.Errorf("%w: output carries no bound terms", learner.ErrShape)
	}
	obj := Evaluate(terms)
	losses := learner.Losses{
		"elbo":                obj.ELBO,
		"iwae":                obj.IWAE,
		"initial_likelihood":  obj.Initial,
		"sequence_likelihood": obj.Sequence,
		"entropy":             obj.Entropy,
	}
	if m.cfg.Objective == ObjectiveIWAE {
		losses[learner.KeyTotal] = -obj.IWAE
	} else {
		losses[learner.KeyTotal] = -obj.ELBO
	}
	preds, labels, _ := learner.Flatten(in, out)
	evals, err := stats.Evaluate(preds, labels, metrics)
	if err != nil {
		return nil, err
	}
	for k, v := range evals {
		losses[k] = v
	}
	return losses, nil
}
