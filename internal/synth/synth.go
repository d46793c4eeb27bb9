// Package synth generates synthetic interaction logs by running a learner
// model forward with stats computed from its own sampled outcomes.
package synth

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/verte-zerg/ktsim/internal/learner"
	"github.com/verte-zerg/ktsim/internal/model"
)

// ErrOptions is returned for unusable generation settings.
var ErrOptions = errors.New("synth: invalid options")

// Options configure a synthetic corpus.
type Options struct {
	NumSeq      int
	NumNode     int
	Steps       int
	MeanGapDays float64
	Seed        uint64
}

// DefaultOptions returns a small corpus shape.
func DefaultOptions() Options {
	return Options{NumSeq: 100, NumNode: 5, Steps: 50, MeanGapDays: 1, Seed: 1}
}

func (o Options) validate() error {
	if o.NumSeq <= 0 || o.NumNode <= 0 || o.Steps < 2 {
		return fmt.Errorf("%w: need num_seq > 0, num_node > 0 and steps >= 2", ErrOptions)
	}
	if o.MeanGapDays <= 0 {
		return fmt.Errorf("%w: mean gap %v days", ErrOptions, o.MeanGapDays)
	}
	return nil
}

// Schedule draws practice times with exponential gaps and uniformly chosen
// skills. Times start at zero and are in seconds.
func Schedule(opts Options, rng *rand.Rand) (times [][]float64, items [][]int) {
	times = make([][]float64, opts.NumSeq)
	items = make([][]int, opts.NumSeq)
	for b := 0; b < opts.NumSeq; b++ {
		times[b] = make([]float64, opts.Steps)
		items[b] = make([]int, opts.Steps)
		var now float64
		for i := 0; i < opts.Steps; i++ {
			if i > 0 {
				now += rng.ExpFloat64() * opts.MeanGapDays * 86400
			}
			times[b][i] = now
			items[b][i] = rng.IntN(opts.NumNode)
		}
	}
	return times, items
}

// Generate samples a corpus from m, which must be built with the same node
// count and enough learner rows. Models that record sampled outcomes
// supply them directly; the others are sampled from their predictions.
func Generate(m learner.Model, opts Options) ([]model.Interaction, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0xbf58476d1ce4e5b9))
	times, items := Schedule(opts, rng)

	in := learner.Input{
		X0:      make([][]float64, opts.NumSeq),
		Times:   times,
		UserIDs: make([]int, opts.NumSeq),
		Seed:    rng.Uint64(),
	}
	if opts.NumNode > 1 {
		in.Items = items
	}
	first := make([]float64, opts.NumSeq)
	for b := range in.X0 {
		in.X0[b] = make([]float64, opts.NumNode)
		in.UserIDs[b] = b
		if rng.Float64() < 0.5 {
			first[b] = 1
		}
		in.X0[b][itemOf(in.Items, b, 0)] = first[b]
	}

	out, err := m.SimulatePath(in)
	if err != nil {
		return nil, fmt.Errorf("synth: simulate %s: %w", m.Family(), err)
	}

	inters := make([]model.Interaction, 0, opts.NumSeq*opts.Steps)
	for b := 0; b < opts.NumSeq; b++ {
		for i := 0; i < opts.Steps; i++ {
			var correct int
			switch {
			case i == 0:
				correct = int(first[b])
			case out.OnTheFly:
				correct = int(out.Sampled[b][i])
			case rng.Float64() < out.ItemPred[b][i]:
				correct = 1
			}
			skill := itemOf(in.Items, b, i)
			inters = append(inters, model.Interaction{
				UserID:    int64(b),
				SkillID:   skill,
				ProblemID: int64(skill),
				Correct:   correct,
				Timestamp: times[b][i],
			})
		}
	}
	return inters, nil
}

func itemOf(items [][]int, b, i int) int {
	if items == nil {
		return 0
	}
	return items[b][i]
}
