package snlds

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/ktsim/internal/learner"
	"github.com/verte-zerg/ktsim/internal/model"
)

func labeledInput(bs, steps int, seed uint64) learner.Input {
	rng := rand.New(rand.NewPCG(seed, 3))
	in := learner.Input{
		X0:     make([][]float64, bs),
		Times:  make([][]float64, bs),
		Labels: make([][]float64, bs),
		Seed:   seed,
	}
	for b := 0; b < bs; b++ {
		in.X0[b] = []float64{0}
		in.Times[b] = make([]float64, steps)
		in.Labels[b] = make([]float64, steps)
		var now float64
		for i := 0; i < steps; i++ {
			now += rng.ExpFloat64() * 86400
			in.Times[b][i] = now
			if rng.Float64() < 0.5 {
				in.Labels[b][i] = 1
			}
		}
	}
	return in
}

func newTestModel(t *testing.T, mutate func(*Config)) *SNLDS {
	t.Helper()
	cfg := DefaultConfig(learner.Config{NumSeq: 4, NumNode: 1, Seed: 11})
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func TestSimulatePathPredictions(t *testing.T) {
	for _, transition := range []string{TransitionOU, TransitionNonlinear} {
		t.Run(transition, func(t *testing.T) {
			m := newTestModel(t, func(c *Config) { c.Transition = transition })
			in := labeledInput(4, 6, 5)
			out, err := m.SimulatePath(in)
			require.NoError(t, err)
			require.Len(t, out.ItemPred, 4)
			for _, row := range out.ItemPred {
				require.Len(t, row, 6)
				for _, p := range row {
					assert.GreaterOrEqual(t, p, minProb)
					assert.LessOrEqual(t, p, maxProb)
				}
			}
			assert.Equal(t, 3, out.Aux[AuxS].N)
			assert.Equal(t, 1, out.Aux[AuxZ].N)
		})
	}
}

func TestLossFinite(t *testing.T) {
	m := newTestModel(t, nil)
	in := labeledInput(4, 5, 9)
	out, err := m.SimulatePath(in)
	require.NoError(t, err)
	losses, err := m.Loss(in, out, []string{"auc", "accuracy"})
	require.NoError(t, err)
	for _, key := range []string{learner.KeyTotal, "elbo", "iwae", "initial_likelihood", "sequence_likelihood", "entropy", "auc", "accuracy"} {
		v, ok := losses[key]
		require.True(t, ok, key)
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s = %v", key, v)
	}
	assert.InDelta(t, -losses["elbo"], losses[learner.KeyTotal], 1e-12)
	assert.InDelta(t, losses["sequence_likelihood"]+losses["initial_likelihood"]+losses["entropy"], losses["elbo"], 1e-9)
}

func TestIWAEObjective(t *testing.T) {
	m := newTestModel(t, func(c *Config) {
		c.Objective = ObjectiveIWAE
		c.NumSamples = 3
	})
	in := labeledInput(4, 5, 2)
	out, err := m.SimulatePath(in)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Aux[AuxTerms].B)
	losses, err := m.Loss(in, out, nil)
	require.NoError(t, err)
	assert.InDelta(t, -losses["iwae"], losses[learner.KeyTotal], 1e-12)
}

func TestEvaluateSingleSample(t *testing.T) {
	terms := model.NewCube(1, numTerms, 2)
	for b, v := range [][numTerms]float64{{-3, -1, 0.5, -2}, {-5, -2, 0.5, -1}} {
		for k := range v {
			terms.Set(0, k, b, v[k])
		}
	}
	bound := Evaluate(terms)
	assert.InDelta(t, -4, bound.Sequence, 1e-12)
	assert.InDelta(t, -1.5, bound.Initial, 1e-12)
	assert.InDelta(t, 0.5, bound.Entropy, 1e-12)
	assert.InDelta(t, -5, bound.ELBO, 1e-12)
	// One sample: log-mean-exp is the weight itself.
	assert.InDelta(t, ((-4+2)+(-7+1))/2.0, bound.IWAE, 1e-12)
}

func TestEvaluateLogMeanExp(t *testing.T) {
	terms := model.NewCube(2, numTerms, 1)
	terms.Set(0, termSequence, 0, math.Log(1))
	terms.Set(1, termSequence, 0, math.Log(3))
	bound := Evaluate(terms)
	assert.InDelta(t, math.Log(2), bound.IWAE, 1e-12)
}

func TestSimulatePathDeterministic(t *testing.T) {
	m := newTestModel(t, nil)
	in := labeledInput(4, 5, 21)
	a, err := m.SimulatePath(in)
	require.NoError(t, err)
	b, err := m.SimulatePath(in)
	require.NoError(t, err)
	assert.Equal(t, a.ItemPred, b.ItemPred)
	assert.Equal(t, a.Aux[AuxTerms].Data, b.Aux[AuxTerms].Data)
}

func TestSimulatePathErrors(t *testing.T) {
	m := newTestModel(t, nil)
	in := labeledInput(2, 4, 1)
	in.Labels = nil
	_, err := m.SimulatePath(in)
	require.ErrorIs(t, err, ErrNoLabels)

	in = labeledInput(2, 4, 1)
	in.Labels[1] = in.Labels[1][:2]
	_, err = m.SimulatePath(in)
	require.ErrorIs(t, err, learner.ErrShape)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"obs dim", func(c *Config) { c.ObsDim = 2 }},
		{"ou needs two switching dims", func(c *Config) { c.HiddenDimS = 1 }},
		{"transition", func(c *Config) { c.Transition = "linear" }},
		{"objective", func(c *Config) { c.Objective = "kl" }},
		{"samples", func(c *Config) { c.NumSamples = 0 }},
		{"per learner mode", func(c *Config) { c.Mode = "ls" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(learner.Config{NumSeq: 2, NumNode: 1})
			tt.mutate(&cfg)
			_, err := New(cfg)
			require.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestScaleSoftmaxRows(t *testing.T) {
	s, err := newScale(3, func(i, j int) float64 { return 0 }, 1e-5, 1, 0)
	require.NoError(t, err)
	// Zero raw values give a uniform softmax over each full row.
	for i := 0; i < 3; i++ {
		for j := 0; j <= i; j++ {
			assert.InDelta(t, 1.0/3, s.tril.At(i, j), 1e-12)
		}
	}
	assert.Zero(t, s.tril.At(0, 2))

	x := s.sample([]float64{1, 2, 3}, []float64{0, 0, 0}, nil)
	assert.Equal(t, []float64{1, 2, 3}, x)
}

func TestLSTMStepBounded(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	c := newLSTM("cell", 2, 4, rng)
	h, cell := make([]float64, 4), make([]float64, 4)
	for i := 0; i < 10; i++ {
		h, cell = c.step([]float64{1, -1}, h, cell)
	}
	for _, v := range h {
		assert.Less(t, math.Abs(v), 1.0)
	}
}

func TestParamsNamedUniquely(t *testing.T) {
	m := newTestModel(t, func(c *Config) { c.Transition = TransitionNonlinear })
	seen := map[string]bool{}
	for _, p := range m.Params() {
		assert.False(t, seen[p.Name], p.Name)
		seen[p.Name] = true
	}
	assert.True(t, seen["z_trans.0.w"])
	assert.True(t, seen["s_post.lstm.w_ih"])
}

func TestItemPredIgnoresCurrentLabel(t *testing.T) {
	for _, transition := range []string{TransitionOU, TransitionNonlinear} {
		t.Run(transition, func(t *testing.T) {
			m := newTestModel(t, func(c *Config) { c.Transition = transition })
			in := labeledInput(4, 6, 17)
			base, err := m.SimulatePath(in)
			require.NoError(t, err)

			last := len(in.Labels[0]) - 1
			in.Labels[0][last] = 1 - in.Labels[0][last]
			flipped, err := m.SimulatePath(in)
			require.NoError(t, err)
			assert.Equal(t, base.ItemPred[0], flipped.ItemPred[0], "prediction at the last step must not see its label")
			assert.NotEqual(t, base.Aux[AuxTerms].Data, flipped.Aux[AuxTerms].Data)

			assert.InDelta(t, clipProb(m.emit.forward(m.z0Mean.Row(0))[0]), base.ItemPred[1][0], 1e-12)
		})
	}
}

func TestNonlinearTransitionScore(t *testing.T) {
	m := newTestModel(t, func(c *Config) {
		c.Transition = TransitionNonlinear
		c.Init = map[string][]float64{
			"z_trans.0.w": {1, -1, 2},
			"z_trans.0.b": {0, 0.5, -1},
			"z_trans.1.w": {1, 2, 3},
			"z_trans.1.b": {0.1},
		}
	})
	// y=1: relu(1, -0.5, 1) = (1, 0, 1) -> 1 + 3 + 0.1
	// y=0: relu(0, 0.5, -1) = (0, 0.5, 0) -> 2*0.5 + 0.1
	tests := []struct {
		y    float64
		want float64
	}{
		{y: 1, want: 4.1},
		{y: 0, want: 1.1},
	}
	for _, tt := range tests {
		got := m.zPriorMean([]float64{tt.y}, []float64{100}, []float64{5, 5, 5}, 3)
		require.Len(t, got, 1)
		assert.InDelta(t, tt.want, got[0], 1e-12, "y=%v", tt.y)
	}

	// the sequence term uses the network mean, whatever the previous z is
	in := learner.Input{Times: [][]float64{{0, 2 * secondsPerDay}}, Labels: [][]float64{{1, 0}}}
	s := [][]float64{{0.1, 0.2, 0.3}, {0.3, -0.1, 0.2}}
	tr := &trajectory{
		s:       [][][]float64{s},
		z:       [][][]float64{{{0.7}, {3.9}}},
		logQ:    [][]float64{{0, 0}},
		entropy: [][]float64{{0, 0}},
		batch:   1,
		samples: 1,
	}
	sigma := m.zTransStd.tril.At(0, 0)
	gauss := -0.5*math.Log(2*math.Pi) - math.Log(sigma) - (3.9-4.1)*(3.9-4.1)/(2*sigma*sigma)
	want := m.sTransStd.logProb(s[1], m.sTrans.forward([]float64{1})) +
		gauss + m.emitStd.logProb([]float64{0}, m.emit.forward([]float64{3.9}))

	tol := 1e-9 * math.Max(1, math.Abs(want))
	terms := m.score(in, tr)
	assert.InDelta(t, want, terms.At(0, termSequence, 0), tol)
	tr.z[0][0][0] = -5
	assert.InDelta(t, want, m.score(in, tr).At(0, termSequence, 0), tol)
}

func TestOUTransitionMean(t *testing.T) {
	m := newTestModel(t, nil)
	// speed relu(0.5+eps), level 2 over 2 days
	got := m.zPriorMean([]float64{1}, []float64{0.4}, []float64{0.5, 2, 0}, 2)
	decay := math.Exp(-(0.5 + eps) * (2 + eps))
	assert.InDelta(t, 0.4*decay+(1-decay)*2, got[0], 1e-12)

	// negative speed clamps to zero: z does not move
	got = m.zPriorMean([]float64{1}, []float64{0.4}, []float64{-3, 2, 0}, 2)
	assert.InDelta(t, 0.4, got[0], 1e-12)
}

func TestGenerateFromPrior(t *testing.T) {
	for _, transition := range []string{TransitionOU, TransitionNonlinear} {
		t.Run(transition, func(t *testing.T) {
			m := newTestModel(t, func(c *Config) {
				c.Transition = transition
				c.Synthetic = true
			})
			in := labeledInput(3, 8, 4)
			in.Labels = nil
			in.X0 = [][]float64{{1}, {0}, {1}}
			out, err := m.SimulatePath(in)
			require.NoError(t, err)
			require.True(t, out.OnTheFly)
			require.Len(t, out.Sampled, 3)
			for b, row := range out.Sampled {
				require.Len(t, row, 8)
				assert.Equal(t, in.X0[b][0], row[0], "first outcome comes from X0")
				for _, v := range row {
					assert.Contains(t, []float64{0, 1}, v)
				}
				for _, p := range out.ItemPred[b] {
					assert.GreaterOrEqual(t, p, minProb)
					assert.LessOrEqual(t, p, maxProb)
				}
			}
			_, hasTerms := out.Aux[AuxTerms]
			assert.False(t, hasTerms)

			again, err := m.SimulatePath(in)
			require.NoError(t, err)
			assert.Equal(t, out.Sampled, again.Sampled)

			// the prior emission at step 0 uses the sampled z0
			z0 := []float64{out.Aux[AuxZ].At(0, 0, 0)}
			assert.InDelta(t, clipProb(m.emit.forward(z0)[0]), out.ItemPred[0][0], 1e-12)
		})
	}
}

func TestGenerateRejectsRaggedTimes(t *testing.T) {
	m := newTestModel(t, func(c *Config) { c.Synthetic = true })
	in := labeledInput(2, 4, 1)
	in.Labels = nil
	in.Times[1] = in.Times[1][:3]
	_, err := m.SimulatePath(in)
	require.ErrorIs(t, err, learner.ErrShape)
}
