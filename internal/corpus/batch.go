package corpus

import (
	"math/rand/v2"

	"github.com/verte-zerg/ktsim/internal/model"
)

// Batches groups learners into rectangular batches of at most size rows.
// Rows are truncated to the shortest sequence in their batch; learners
// without events are skipped. A non-nil rng shuffles the order first.
func Batches(learners []model.Learner, size int, rng *rand.Rand) []*model.Batch {
	if size <= 0 {
		size = len(learners)
	}
	order := make([]int, 0, len(learners))
	for i, l := range learners {
		if l.Len() > 0 {
			order = append(order, i)
		}
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	var out []*model.Batch
	for start := 0; start < len(order); start += size {
		end := min(start+size, len(order))
		group := make([]model.Learner, 0, end-start)
		for _, i := range order[start:end] {
			group = append(group, learners[i])
		}
		out = append(out, NewBatch(group))
	}
	return out
}

// NewBatch builds one batch from learners, truncated to the shortest.
func NewBatch(learners []model.Learner) *model.Batch {
	steps := -1
	for _, l := range learners {
		if steps < 0 || l.Len() < steps {
			steps = l.Len()
		}
	}
	b := &model.Batch{
		UserIDs:  make([]int, len(learners)),
		Skills:   make([][]int, len(learners)),
		Problems: make([][]int64, len(learners)),
		Labels:   make([][]float64, len(learners)),
		Times:    make([][]float64, len(learners)),
		History:  make([][]float64, len(learners)),
		Success:  make([][]float64, len(learners)),
		Failure:  make([][]float64, len(learners)),
	}
	for r, l := range learners {
		b.UserIDs[r] = l.Index
		b.Skills[r] = make([]int, steps)
		b.Problems[r] = make([]int64, steps)
		b.Labels[r] = make([]float64, steps)
		b.Times[r] = make([]float64, steps)
		b.History[r] = make([]float64, steps)
		b.Success[r] = make([]float64, steps)
		b.Failure[r] = make([]float64, steps)
		for i, e := range l.Events[:steps] {
			b.Skills[r][i] = e.SkillID
			b.Problems[r][i] = e.ProblemID
			b.Labels[r][i] = float64(e.Correct)
			b.Times[r][i] = e.Timestamp
			b.History[r][i] = float64(e.History)
			b.Success[r][i] = float64(e.Success)
			b.Failure[r][i] = float64(e.Failure)
		}
	}
	return b
}
