package param

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Tensor is a named parameter block with dims (rows, nodes, dim) fixed at
// construction. Only the optimizer mutates Data, and never its length.
type Tensor struct {
	Name   string
	Mode   Mode
	Dims   [3]int
	Data   []float64
	Frozen bool
}

// New allocates a zeroed tensor shaped by mode.
func New(name string, mode Mode, numSeq, numNode, dim int) *Tensor {
	dims := mode.Shape(numSeq, numNode, dim)
	return &Tensor{
		Name: name,
		Mode: mode,
		Dims: dims,
		Data: make([]float64, dims[0]*dims[1]*dims[2]),
	}
}

// NewWeights allocates a shared rows x cols matrix, used by dense layers.
func NewWeights(name string, rows, cols int) *Tensor {
	return &Tensor{
		Name: name,
		Mode: Shared,
		Dims: [3]int{1, rows, cols},
		Data: make([]float64, rows*cols),
	}
}

// Len returns the number of scalars.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Row returns row r of a weight matrix as a slice aliasing Data.
func (t *Tensor) Row(r int) []float64 {
	cols := t.Dims[2]
	return t.Data[r*cols : (r+1)*cols]
}

// Fill sets every entry. One value broadcasts everywhere, dim values
// broadcast per feature and a full-length slice is copied.
func (t *Tensor) Fill(values ...float64) error {
	dim := t.Dims[2]
	switch len(values) {
	case 1:
		for i := range t.Data {
			t.Data[i] = values[0]
		}
	case dim:
		for i := range t.Data {
			t.Data[i] = values[i%dim]
		}
	case len(t.Data):
		copy(t.Data, values)
	default:
		return fmt.Errorf("%w: %d values for %s with dims %v", ErrShape, len(values), t.Name, t.Dims)
	}
	return nil
}

// Uniform draws entries from U[lo, hi).
func (t *Tensor) Uniform(rng *rand.Rand, lo, hi float64) {
	for i := range t.Data {
		t.Data[i] = lo + (hi-lo)*rng.Float64()
	}
}

// Xavier draws entries from the Glorot uniform distribution.
func (t *Tensor) Xavier(rng *rand.Rand, fanIn, fanOut int) {
	bound := math.Sqrt(6 / float64(fanIn+fanOut))
	t.Uniform(rng, -bound, bound)
}

// Mean returns the mean of feature f over all rows and nodes.
func (t *Tensor) Mean(f int) float64 {
	dim := t.Dims[2]
	var sum float64
	var n int
	for i := f; i < len(t.Data); i += dim {
		sum += t.Data[i]
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := *t
	c.Data = append([]float64(nil), t.Data...)
	return &c
}

// View binds the tensor to the learners of one batch. User ids must index
// existing rows when the mode keeps per-learner parameters.
func (t *Tensor) View(userIDs []int, numNode int) (View, error) {
	if !t.Mode.valid() {
		return View{}, fmt.Errorf("%w: %s has mode %v", ErrUnknownMode, t.Name, t.Mode)
	}
	if t.Mode.PerLearnerRows() {
		for b, id := range userIDs {
			if id < 0 || id >= t.Dims[0] {
				return View{}, fmt.Errorf("%w: %s user id %d at row %d outside [0,%d)", ErrShape, t.Name, id, b, t.Dims[0])
			}
		}
	}
	if (t.Mode == PerSkill || t.Mode == PerLearnerSkill) && t.Dims[1] != numNode {
		return View{}, fmt.Errorf("%w: %s has %d nodes, batch uses %d", ErrShape, t.Name, t.Dims[1], numNode)
	}
	return View{t: t, userIDs: userIDs, index: strategies[t.Mode].index}, nil
}

// View reads a tensor through a mode's indexing for one batch.
type View struct {
	t       *Tensor
	userIDs []int
	index   func(userIDs []int, b, n int) (int, int)
}

// At returns feature f of the parameter governing sequence b and node n.
func (v View) At(b, n, f int) float64 {
	row, node := v.index(v.userIDs, b, n)
	d := v.t.Dims
	return v.t.Data[(row*d[1]+node)*d[2]+f]
}
