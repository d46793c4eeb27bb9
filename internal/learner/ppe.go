package learner

import (
	"math"

	"github.com/verte-zerg/ktsim/internal/param"
	"github.com/verte-zerg/ktsim/internal/stats"
)

// FamilyPPE is the registry tag of the power-law practice effect model.
const FamilyPPE = "ppe"

// PPE default initial values.
const (
	defaultPPELearningRate = 0.1
	defaultPPEDecayExp     = 0.6
	defaultPPEDecayBase    = 0.04
	defaultPPEDecaySlope   = 0.08
	defaultPPEThreshold    = 0.9
	defaultPPEScale        = 0.04
)

// PPE is the predictive performance equation: memory strength grows with a
// power of the repetition count and decays as a power of a recency-weighted
// elapsed time, with a decay rate driven by the spacing of past lags.
type PPE struct {
	*core
	lr, x, b, m *param.Tensor
	tau, s      *param.Tensor
}

// NewPPE builds a PPE model.
func NewPPE(cfg Config) (*PPE, error) {
	c, _, err := newCore(FamilyPPE, cfg)
	if err != nil {
		return nil, err
	}
	m := &PPE{core: c}
	specs := []struct {
		dst  **param.Tensor
		name string
		init float64
		mode param.Mode
	}{
		{&m.lr, "lr", defaultPPELearningRate, c.mode},
		{&m.x, "x", defaultPPEDecayExp, c.mode},
		{&m.b, "b", defaultPPEDecayBase, c.mode},
		{&m.m, "m", defaultPPEDecaySlope, c.mode},
		{&m.tau, "tau", defaultPPEThreshold, param.Shared},
		{&m.s, "s", defaultPPEScale, param.Shared},
	}
	for _, sp := range specs {
		t, err := c.newParam(sp.name, 1, sp.mode, constant(sp.init))
		if err != nil {
			return nil, err
		}
		*sp.dst = t
	}
	if !cfg.TrainThreshold {
		m.tau.Frozen = true
		m.s.Frozen = true
	}
	return m, nil
}

// Strength returns the PPE memory strength
// (repeat+1)^lr * (bigT+eps)^(-decay), zero when bigT is zero.
func Strength(repeat, lr, bigT, decay float64) float64 {
	if bigT == 0 {
		return 0
	}
	return math.Pow(repeat+1, lr) * math.Pow(bigT+eps, -decay)
}

// Activation maps a strength to a probability through a logistic with
// threshold tau and scale s.
func Activation(strength, tau, s float64) float64 {
	return clipProb(1 / (1 + math.Exp((tau-strength)/(s+eps)+eps) + eps))
}

// SimulatePath unrolls strengths and probabilities of every node.
func (m *PPE) SimulatePath(in Input) (*Output, error) {
	g, err := m.check(in)
	if err != nil {
		return nil, err
	}
	views := make([]param.View, 6)
	for k, t := range []*param.Tensor{m.lr, m.x, m.b, m.m, m.tau, m.s} {
		if views[k], err = t.View(g.users, g.nodes); err != nil {
			return nil, err
		}
	}
	lrV, xV, bV, mV, tauV, sV := views[0], views[1], views[2], views[3], views[4], views[5]

	src, err := m.source(in, g)
	if err != nil {
		return nil, err
	}
	out := newOutput(in, g, identity, "decay", "strength")
	if src.fly != nil {
		out.markOnTheFly(g)
	}
	decayCube, strengthCube := out.Aux["decay"], out.Aux["strength"]
	small := make([]float64, g.steps)

	for i := 1; i < g.steps; i++ {
		for b := 0; b < g.size; b++ {
			now := in.Times[b][i]
			for n := 0; n < g.nodes; n++ {
				lr := relu(lrV.At(b, n, 0)) + eps
				x := sigmoid(xV.At(b, n, 0)) + eps
				db := relu(bV.At(b, n, 0)) + eps
				dm := relu(mV.At(b, n, 0)) + eps
				repeat := src.whole.At(b, n, i, stats.History)

				decay := db + dm*lagStatistic(src.last, b, n, i)/(repeat+eps)
				bigT := weightedElapsed(src.last, b, n, i, now, x, small)
				strength := Strength(repeat, lr, bigT, decay)
				p := Activation(strength, tauV.At(b, n, 0), sV.At(b, n, 0))
				if err := m.guard.check(i, "strength", strength); err != nil {
					return nil, err
				}
				if err := m.guard.check(i, "p", p); err != nil {
					return nil, err
				}
				decayCube.Set(b, n, i, decay)
				strengthCube.Set(b, n, i, strength)
				out.AllPred.Set(b, n, i, p)
			}
			item := itemAt(in.Items, b, i)
			out.ItemPred[b][i] = out.AllPred.At(b, item, i)
			if src.fly != nil {
				var success float64
				if out.ItemPred[b][i] >= 0.5 {
					success = 1
				}
				src.fly.Record(b, item, i, success)
				out.Sampled[b][i] = success
			}
		}
	}
	return out, nil
}

// lagStatistic sums 1/ln(lag+e) over the positive gaps between consecutive
// last-visit times before step i.
func lagStatistic(last *stats.LastTime, b, n, i int) float64 {
	var sum float64
	for j := 1; j <= i; j++ {
		raw := last.Before(b, n, j) - last.Before(b, n, j-1)
		if raw <= 0 {
			continue
		}
		lag := raw/secondsPerDay + eps
		sum += 1 / math.Log(math.Abs(lag+eps)+math.E)
	}
	return sum
}

// weightedElapsed averages the elapsed times since each past column with
// weights proportional to elapsed^x.
func weightedElapsed(last *stats.LastTime, b, n, i int, now, x float64, small []float64) float64 {
	var norm float64
	for j := 0; j <= i; j++ {
		small[j] = elapsedDays(now, last.Before(b, n, j))
		norm += math.Pow(small[j], x)
	}
	var bigT float64
	for j := 0; j <= i; j++ {
		bigT += math.Pow(small[j], x) / (norm + eps) * small[j]
	}
	return bigT
}

// Loss is the binary cross-entropy plus the mean of each PPE parameter.
func (m *PPE) Loss(in Input, out *Output, metrics []string) (Losses, error) {
	losses, err := lossBCE(in, out, metrics)
	if err != nil {
		return nil, err
	}
	addDiagnostics(losses, m.params...)
	return losses, nil
}
