package learner

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/verte-zerg/ktsim/internal/model"
	"github.com/verte-zerg/ktsim/internal/param"
	"github.com/verte-zerg/ktsim/internal/stats"
)

// FamilyOU is the registry tag of the Ornstein-Uhlenbeck model.
const FamilyOU = "ou"

// Variance floor added before taking the transition standard deviation.
const varianceFloor = 1e-6

// Mean is the expected OU state after dt days starting from x0:
//
//	x0*exp(-speed*dt) + level*(1-exp(-speed*dt))
func Mean(x0, dt, speed, level float64) float64 {
	decay := math.Exp(-speed * dt)
	return x0*decay + (1-decay)*level
}

// Variance is the OU transition variance after dt days:
//
//	vola^2 * (1-exp(-2*speed*dt)) / (2*speed)
func Variance(dt, speed, vola float64) float64 {
	return vola * vola * (1 - math.Exp(-2*speed*dt)) / (2*speed + eps)
}

// Std is the transition standard deviation with a variance floor.
func Std(dt, speed, vola float64) float64 {
	return math.Sqrt(Variance(dt, speed, vola) + varianceFloor)
}

// PathLogLikelihood returns the log density of a latent path x observed at
// times t (seconds) under the OU transition.
func PathLogLikelihood(x, t []float64, speed, level, vola float64) float64 {
	var ll float64
	for j := 1; j < len(x); j++ {
		dt := elapsedDays(t[j], t[j-1])
		dist := distuv.Normal{Mu: Mean(x[j-1], dt, speed, level), Sigma: Std(dt, speed, vola)}
		ll += dist.LogProb(x[j])
	}
	return ll
}

// OU is a mean-reverting diffusion dX = speed*(level-X)dt + vola*dB of a
// latent mastery per node, observed through a sigmoid.
type OU struct {
	*core
	speed, level, vola *param.Tensor
}

// NewOU builds an OU model. Speed and vola must be non-negative.
func NewOU(cfg Config) (*OU, error) {
	m, _, err := newOU(FamilyOU, cfg)
	return m, err
}

func newOU(family string, cfg Config) (*OU, *rand.Rand, error) {
	c, rng, err := newCore(family, cfg)
	if err != nil {
		return nil, nil, err
	}
	uniform := func(t *param.Tensor) { t.Uniform(rng, 0, 1) }
	m := &OU{core: c}
	if m.speed, err = c.newParam("speed", 1, c.mode, uniform); err != nil {
		return nil, nil, err
	}
	if m.level, err = c.newParam("level", 1, c.mode, uniform); err != nil {
		return nil, nil, err
	}
	if m.vola, err = c.newParam("vola", 1, c.mode, uniform); err != nil {
		return nil, nil, err
	}
	for _, t := range []*param.Tensor{m.speed, m.vola} {
		for _, v := range t.Data {
			if v < 0 {
				return nil, nil, fmt.Errorf("%w: %s %s = %v", ErrNegativeParam, family, t.Name, v)
			}
		}
	}
	return m, rng, nil
}

// rates are the constrained OU parameters for one batch.
type rates struct {
	speed, level, vola param.View
}

func (m *OU) rates(g batch) (rates, error) {
	var r rates
	var err error
	if r.speed, err = m.speed.View(g.users, g.nodes); err != nil {
		return r, err
	}
	if r.level, err = m.level.View(g.users, g.nodes); err != nil {
		return r, err
	}
	if r.vola, err = m.vola.View(g.users, g.nodes); err != nil {
		return r, err
	}
	return r, nil
}

func (r rates) at(b, n int) (speed, level, vola float64) {
	return relu(r.speed.At(b, n, 0)) + eps, r.level.At(b, n, 0), relu(r.vola.At(b, n, 0)) + eps
}

func observe(x float64) float64 {
	return clipProb(sigmoid(x))
}

// drawNoise draws one standard normal per (row, node, step) in a fixed order.
func drawNoise(g batch, seed uint64) *model.Cube {
	rng := noiseRNG(seed)
	noise := model.NewCube(g.size, g.nodes, g.steps)
	for b := 0; b < g.size; b++ {
		for n := 0; n < g.nodes; n++ {
			for i := 1; i < g.steps; i++ {
				noise.Set(b, n, i, rng.NormFloat64())
			}
		}
	}
	return noise
}

// SimulatePath samples a latent path per node. The drift uses the time
// since the node was last visited; the noise scale uses the gap between
// consecutive steps.
func (m *OU) SimulatePath(in Input) (*Output, error) {
	g, err := m.check(in)
	if err != nil {
		return nil, err
	}
	r, err := m.rates(g)
	if err != nil {
		return nil, err
	}
	last, err := stats.LastTimes(in.Times, in.Items, g.nodes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}

	noise := drawNoise(g, in.Seed)
	out := newOutput(in, g, observe, "x_original", "shock")
	latent, shocks := out.Aux["x_original"], out.Aux["shock"]
	for b := 0; b < g.size; b++ {
		for n := 0; n < g.nodes; n++ {
			latent.Set(b, n, 0, in.X0[b][n])
		}
	}

	for i := 1; i < g.steps; i++ {
		for b := 0; b < g.size; b++ {
			now := in.Times[b][i]
			step := elapsedDays(now, in.Times[b][i-1])
			for n := 0; n < g.nodes; n++ {
				speed, level, vola := r.at(b, n)
				shock := noise.At(b, n, i) * Std(step, speed, vola)
				x := Mean(latent.At(b, n, i-1), elapsedDays(now, last.Before(b, n, i)), speed, level) + shock
				if err := m.guard.check(i, "x", x); err != nil {
					return nil, err
				}
				latent.Set(b, n, i, x)
				shocks.Set(b, n, i, shock)
				out.AllPred.Set(b, n, i, observe(x))
			}
			out.ItemPred[b][i] = out.AllPred.At(b, itemAt(in.Items, b, i), i)
		}
	}
	return out, nil
}

// LogLikelihood returns, per row, the summed path log-likelihood of the
// latent paths in x over every node.
func (m *OU) LogLikelihood(x *model.Cube, times [][]float64, userIDs []int) ([]float64, error) {
	if x == nil || x.B != len(times) || x.N != m.cfg.NumNode {
		return nil, fmt.Errorf("%w: latent cube does not match %d rows of %d nodes", ErrShape, len(times), m.cfg.NumNode)
	}
	g := batch{size: x.B, steps: x.T, nodes: x.N, users: userIDs}
	if g.users == nil {
		g.users = make([]int, x.B)
	}
	r, err := m.rates(g)
	if err != nil {
		return nil, err
	}
	ll := make([]float64, x.B)
	path := make([]float64, x.T)
	for b := 0; b < x.B; b++ {
		if len(times[b]) != x.T {
			return nil, fmt.Errorf("%w: time row %d has %d steps, want %d", ErrShape, b, len(times[b]), x.T)
		}
		for n := 0; n < x.N; n++ {
			for i := range path {
				path[i] = x.At(b, n, i)
			}
			speed, level, vola := r.at(b, n)
			ll[b] += PathLogLikelihood(path, times[b], speed, level, vola)
		}
	}
	return ll, nil
}

// Loss is the binary cross-entropy plus the mean OU parameters.
func (m *OU) Loss(in Input, out *Output, metrics []string) (Losses, error) {
	losses, err := lossBCE(in, out, metrics)
	if err != nil {
		return nil, err
	}
	addDiagnostics(losses, m.params...)
	return losses, nil
}
