package learner

import (
	"math"
	"math/rand/v2"

	"github.com/verte-zerg/ktsim/internal/param"
)

// FamilyHLR is the registry tag of half-life regression.
const FamilyHLR = "hlr"

const defaultBase = 2.0

// HLR is half-life regression: the half-life of a memory grows
// exponentially with a weighted sum of practice counts, and recall decays
// exponentially with elapsed time over half-life.
type HLR struct {
	*core
	base float64
}

// NewHLR builds a half-life regression model with theta of width 3.
func NewHLR(cfg Config) (*HLR, error) {
	c, rng, err := newCore(FamilyHLR, cfg)
	if err != nil {
		return nil, err
	}
	m := &HLR{core: c, base: cfg.Base}
	if m.base <= 0 {
		m.base = defaultBase
	}
	_, err = c.newParam("theta", 3, c.mode, func(t *param.Tensor) {
		t.Xavier(rng, t.Dims[1]*t.Dims[2], t.Dims[0]*t.Dims[2])
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// HalfLife returns the clipped half-life in days for a practice vector.
func HalfLife(base float64, theta, feats [3]float64) float64 {
	var f float64
	for k := range feats {
		f += theta[k] * feats[k]
	}
	return clipHalfLife(math.Pow(base, f))
}

// Recall returns the clipped probability of recall after dt days.
func Recall(base, dt, halfLife float64) float64 {
	return clipProb(math.Pow(base, -dt/halfLife))
}

// SimulatePath unrolls the recall probabilities of every node.
func (m *HLR) SimulatePath(in Input) (*Output, error) {
	g, err := m.check(in)
	if err != nil {
		return nil, err
	}
	theta, err := m.params[0].View(g.users, g.nodes)
	if err != nil {
		return nil, err
	}
	src, err := m.source(in, g)
	if err != nil {
		return nil, err
	}

	out := newOutput(in, g, identity, "half_life")
	halfLife := out.Aux["half_life"]
	var rng *rand.Rand
	if src.fly != nil {
		out.markOnTheFly(g)
		rng = noiseRNG(in.Seed)
	}

	for i := 1; i < g.steps; i++ {
		for b := 0; b < g.size; b++ {
			now := in.Times[b][i]
			for n := 0; n < g.nodes; n++ {
				var th, feats [3]float64
				for k := 0; k < 3; k++ {
					th[k] = theta.At(b, n, k)
					feats[k] = src.whole.At(b, n, i, k)
				}
				h := HalfLife(m.base, th, feats)
				p := Recall(m.base, elapsedDays(now, src.last.Before(b, n, i)), h)
				if err := m.guard.check(i, "half_life", h); err != nil {
					return nil, err
				}
				if err := m.guard.check(i, "p", p); err != nil {
					return nil, err
				}
				halfLife.Set(b, n, i, h)
				out.AllPred.Set(b, n, i, p)
			}
			item := itemAt(in.Items, b, i)
			out.ItemPred[b][i] = out.AllPred.At(b, item, i)
			if src.fly != nil {
				var success float64
				if rng.Float64() < out.ItemPred[b][i] {
					success = 1
				}
				src.fly.Record(b, item, i, success)
				out.Sampled[b][i] = success
			}
		}
	}
	return out, nil
}

// Loss is the binary cross-entropy plus the mean theta per feature.
func (m *HLR) Loss(in Input, out *Output, metrics []string) (Losses, error) {
	losses, err := lossBCE(in, out, metrics)
	if err != nil {
		return nil, err
	}
	addDiagnostics(losses, m.params...)
	return losses, nil
}
