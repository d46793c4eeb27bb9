package learner

import (
	"fmt"
	"math"

	"github.com/verte-zerg/ktsim/internal/param"
)

// guard checks recurrence values for NaN and Inf when enabled. A single
// non-finite value at step i corrupts every later step, so the first one is
// reported with its step and name.
type guard struct {
	enabled bool
}

func (g guard) check(step int, name string, v float64) error {
	if !g.enabled {
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s = %v at step %d", ErrNonFinite, name, v, step)
	}
	return nil
}

// addDiagnostics reports the mean of every parameter feature. Multi-feature
// tensors are suffixed with the feature index.
func addDiagnostics(losses Losses, tensors ...*param.Tensor) {
	for _, t := range tensors {
		dim := t.Dims[2]
		if dim == 1 {
			losses[t.Name] = t.Mean(0)
			continue
		}
		for f := 0; f < dim; f++ {
			losses[fmt.Sprintf("%s_%d", t.Name, f)] = t.Mean(f)
		}
	}
}
