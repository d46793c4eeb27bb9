package snlds

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/verte-zerg/ktsim/internal/learner"
	"github.com/verte-zerg/ktsim/internal/model"
)

const (
	eps           = 1e-6
	secondsPerDay = 60 * 60 * 24
	minProb       = 1e-4
	maxProb       = 1 - 1e-4
)

func clipProb(p float64) float64 {
	return math.Max(minProb, math.Min(maxProb, p))
}

// trajectory holds sampled latents and per-step posterior statistics for
// S*B rows. Row r belongs to sample r/B and batch row r%B.
type trajectory struct {
	s, z    [][][]float64 // row, step, dim
	logQ    [][]float64   // row, step
	entropy [][]float64   // row, step
	batch   int
	samples int
}

// infer draws NumSamples trajectories of s and z for every batch row by
// unrolling the posterior networks over the labels.
func (m *SNLDS) infer(labels [][]float64, rng *rand.Rand) *trajectory {
	bs, steps := len(labels), len(labels[0])
	rows := m.cfg.NumSamples * bs
	tr := &trajectory{
		s:       make([][][]float64, rows),
		z:       make([][][]float64, rows),
		logQ:    make([][]float64, rows),
		entropy: make([][]float64, rows),
		batch:   bs,
		samples: m.cfg.NumSamples,
	}
	for r := 0; r < rows; r++ {
		y := labels[r%bs]
		tr.logQ[r] = make([]float64, steps)
		tr.entropy[r] = make([]float64, steps)
		tr.s[r] = m.sPost.unroll(y, rng, tr.logQ[r], tr.entropy[r])
		tr.z[r] = m.zPost.unroll(y, rng, tr.logQ[r], tr.entropy[r])
	}
	return tr
}

// unroll samples one latent path. Log densities and entropies are added
// into logQ and entropy.
func (p *posterior) unroll(y []float64, rng *rand.Rand, logQ, entropy []float64) [][]float64 {
	hidden := p.cell.hidden
	h := make([]float64, hidden)
	c := make([]float64, hidden)
	prev := make([]float64, p.dim)
	x := make([]float64, 1+p.dim)
	xi := make([]float64, p.dim)
	path := make([][]float64, len(y))
	for t, obs := range y {
		x[0] = obs
		copy(x[1:], prev)
		h, c = p.cell.step(x, h, c)
		mean := p.head.forward(h, nil)
		for k := range xi {
			xi[k] = rng.NormFloat64()
		}
		path[t] = p.scale.sample(mean, xi, nil)
		logQ[t] += p.scale.logProb(path[t], mean)
		entropy[t] += p.scale.entropy
		prev = path[t]
	}
	return path
}

// score evaluates the prior and emission densities of every sampled row
// and returns the bound terms laid out (sample, term, batch row).
func (m *SNLDS) score(in learner.Input, tr *trajectory) *model.Cube {
	terms := model.NewCube(tr.samples, numTerms, tr.batch)
	y := make([]float64, 1)
	for r := range tr.s {
		b := r % tr.batch
		labels, times := in.Labels[b], in.Times[b]
		s, z := tr.s[r], tr.z[r]

		y[0] = labels[0]
		initial := m.s0Scale.logProb(s[0], m.s0Mean.Row(0)) +
			m.z0Scale.logProb(z[0], m.z0Mean.Row(0)) +
			m.emitStd.logProb(y, m.emit.forward(z[0]))

		var sequence float64
		for t := 1; t < len(labels); t++ {
			y[0] = labels[t-1]
			logA := m.sTransStd.logProb(s[t], m.sTrans.forward(y))
			zMean := m.zPriorMean(y, z[t-1], s[t], (times[t]-times[t-1])/secondsPerDay)
			y[0] = labels[t]
			logB := m.zTransStd.logProb(z[t], zMean) + m.emitStd.logProb(y, m.emit.forward(z[t]))
			sequence += logA + logB
		}

		sample := r / tr.batch
		terms.Set(sample, termSequence, b, sequence)
		terms.Set(sample, termInitial, b, initial)
		terms.Set(sample, termEntropy, b, floats.Sum(tr.entropy[r]))
		terms.Set(sample, termLogQ, b, floats.Sum(tr.logQ[r]))
	}
	return terms
}

// zPriorMean is the mean of the mastery transition into step t: the
// nonlinear network of the previous label, or the OU drift of zPrev under
// the switching state s over dt days.
func (m *SNLDS) zPriorMean(yPrev, zPrev, s []float64, dt float64) []float64 {
	if m.zTrans != nil {
		return m.zTrans.forward(yPrev)
	}
	return ouMean(zPrev, s, dt+eps)
}

// ouMean is the OU drift of z over dt days with speed relu(s[0]+eps) and
// level s[1].
func ouMean(z, s []float64, dt float64) []float64 {
	speed := math.Max(0, s[0]+eps)
	level := s[1]
	decay := math.Exp(-speed * dt)
	mean := make([]float64, len(z))
	for k, v := range z {
		mean[k] = v*decay + (1-decay)*level
	}
	return mean
}

// Bound is the variational objective of one batch.
type Bound struct {
	ELBO     float64
	IWAE     float64
	Initial  float64
	Sequence float64
	Entropy  float64
}

// Evaluate reduces a terms cube to the ELBO and IWAE bounds. Means run over
// every sampled row; IWAE takes a log-mean-exp over samples per batch row.
func Evaluate(terms *model.Cube) Bound {
	samples, bs := terms.B, terms.T
	var bound Bound
	seq := make([]float64, 0, samples*bs)
	init := make([]float64, 0, samples*bs)
	ent := make([]float64, 0, samples*bs)
	for s := 0; s < samples; s++ {
		for b := 0; b < bs; b++ {
			seq = append(seq, terms.At(s, termSequence, b))
			init = append(init, terms.At(s, termInitial, b))
			ent = append(ent, terms.At(s, termEntropy, b))
		}
	}
	bound.Sequence = stat.Mean(seq, nil)
	bound.Initial = stat.Mean(init, nil)
	bound.Entropy = stat.Mean(ent, nil)
	bound.ELBO = bound.Sequence + bound.Initial + bound.Entropy

	weights := make([]float64, samples)
	for b := 0; b < bs; b++ {
		for s := 0; s < samples; s++ {
			ll := terms.At(s, termSequence, b) + terms.At(s, termInitial, b)
			weights[s] = ll - terms.At(s, termLogQ, b)
		}
		bound.IWAE += floats.LogSumExp(weights) - math.Log(float64(samples))
	}
	bound.IWAE /= float64(bs)
	return bound
}
