package synth

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/ktsim/internal/corpus"
	"github.com/verte-zerg/ktsim/internal/learner"
	"github.com/verte-zerg/ktsim/internal/snlds"
)

func TestScheduleAscending(t *testing.T) {
	opts := Options{NumSeq: 3, NumNode: 4, Steps: 20, MeanGapDays: 2}
	times, items := Schedule(opts, rand.New(rand.NewPCG(1, 1)))
	require.Len(t, times, 3)
	for b := range times {
		assert.Zero(t, times[b][0])
		for i := 1; i < opts.Steps; i++ {
			assert.GreaterOrEqual(t, times[b][i], times[b][i-1])
			assert.Less(t, items[b][i], 4)
		}
	}
}

func TestGenerateEveryModel(t *testing.T) {
	opts := Options{NumSeq: 6, NumNode: 3, Steps: 12, MeanGapDays: 1, Seed: 4}
	cfg := learner.Config{Mode: "simple", NumSeq: opts.NumSeq, NumNode: opts.NumNode, Synthetic: true, Seed: 2}
	hlr, err := learner.NewHLR(cfg)
	require.NoError(t, err)
	ppe, err := learner.NewPPE(cfg)
	require.NoError(t, err)
	ou, err := learner.NewOU(cfg)
	require.NoError(t, err)
	sys, err := snlds.New(snlds.DefaultConfig(cfg))
	require.NoError(t, err)
	nonlinear := snlds.DefaultConfig(cfg)
	nonlinear.Transition = snlds.TransitionNonlinear
	sysNonlinear, err := snlds.New(nonlinear)
	require.NoError(t, err)

	models := []learner.Model{hlr, ppe, ou, sys, sysNonlinear}
	names := []string{"hlr", "ppe", "ou", "snlds_ou", "snlds_nonlinear"}
	for k, m := range models {
		t.Run(names[k], func(t *testing.T) {
			inters, err := Generate(m, opts)
			require.NoError(t, err)
			require.Len(t, inters, opts.NumSeq*opts.Steps)
			for _, it := range inters {
				assert.Contains(t, []int{0, 1}, it.Correct)
			}

			// the generated log feeds straight back into the corpus
			learners := corpus.Build(inters, opts.Steps)
			require.Len(t, learners, opts.NumSeq)
			assert.Equal(t, opts.Steps, learners[0].Len())

			again, err := Generate(m, opts)
			require.NoError(t, err)
			assert.Equal(t, inters, again, "same seed, same corpus")
		})
	}
}

func TestGenerateRejects(t *testing.T) {
	cfg := learner.Config{Mode: "simple", NumSeq: 1, NumNode: 1, Synthetic: true}
	m, err := learner.NewHLR(cfg)
	require.NoError(t, err)
	_, err = Generate(m, Options{NumSeq: 1, NumNode: 1, Steps: 1, MeanGapDays: 1})
	require.ErrorIs(t, err, ErrOptions)
}
