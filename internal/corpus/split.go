package corpus

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/verte-zerg/ktsim/internal/model"
)

// Split holds the learner sequences of each phase.
type Split struct {
	Train []model.Learner
	Valid []model.Learner
	Test  []model.Learner
}

// TimeOptions configure a split along the time axis.
type TimeOptions struct {
	TrainRatio float64
	ValidRatio float64
	TestRatio  float64
	Seed       uint64
}

// DefaultTimeOptions returns the stock ratios.
func DefaultTimeOptions() TimeOptions {
	return TimeOptions{TrainRatio: 0.6, ValidRatio: 0.2, TestRatio: 0.2, Seed: 2022}
}

// TimeSplit trains on the first TrainRatio of every learner's sequence.
// A ValidRatio fraction of learners forms the validation set and the rest
// the test set; both keep the training prefix followed by the next
// TestRatio of their sequence, so evaluation continues the trained
// trajectories.
func TimeSplit(learners []model.Learner, opts TimeOptions) (Split, error) {
	switch {
	case opts.TrainRatio <= 0 || opts.TestRatio < 0 || opts.ValidRatio < 0:
		return Split{}, fmt.Errorf("%w: ratios must be positive", ErrSplit)
	case opts.TrainRatio+opts.TestRatio > 1:
		return Split{}, fmt.Errorf("%w: train %.2f + test %.2f exceeds 1", ErrSplit, opts.TrainRatio, opts.TestRatio)
	case opts.ValidRatio >= 1:
		return Split{}, fmt.Errorf("%w: valid ratio %.2f leaves no test learners", ErrSplit, opts.ValidRatio)
	case len(learners) == 0:
		return Split{}, fmt.Errorf("%w: no learners", ErrSplit)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5851f42d4c957f2d))
	perm := rng.Perm(len(learners))
	numValid := int(float64(len(learners)) * opts.ValidRatio)
	valid := make(map[int]bool, numValid)
	for _, i := range perm[:numValid] {
		valid[i] = true
	}

	var s Split
	for i, l := range learners {
		n := l.Len()
		trainLen := int(math.Ceil(float64(n) * opts.TrainRatio))
		wholeLen := min(n, trainLen+int(math.Ceil(float64(n)*opts.TestRatio)))
		s.Train = append(s.Train, prefix(l, trainLen))
		if valid[i] {
			s.Valid = append(s.Valid, prefix(l, wholeLen))
		} else {
			s.Test = append(s.Test, prefix(l, wholeLen))
		}
	}
	return s, nil
}

// FoldSplit holds out fold of k contiguous learner folds for testing and a
// validRatio fraction of the remaining learners for validation.
func FoldSplit(learners []model.Learner, k, fold int, validRatio float64, seed uint64) (Split, error) {
	if k < 2 || fold < 0 || fold >= k {
		return Split{}, fmt.Errorf("%w: fold %d of %d", ErrSplit, fold, k)
	}
	if len(learners) < k {
		return Split{}, fmt.Errorf("%w: %d learners for %d folds", ErrSplit, len(learners), k)
	}
	size := (len(learners) + k - 1) / k
	begin := fold * size
	end := min((fold+1)*size, len(learners))

	var s Split
	s.Test = append(s.Test, learners[begin:end]...)
	rest := append(append([]model.Learner(nil), learners[:begin]...), learners[end:]...)
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	numValid := int(float64(len(rest)) * validRatio)
	s.Valid = rest[:numValid]
	s.Train = rest[numValid:]
	return s, nil
}

func prefix(l model.Learner, n int) model.Learner {
	return model.Learner{Index: l.Index, UserID: l.UserID, Events: l.Events[:n]}
}
