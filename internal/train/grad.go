package train

import (
	"github.com/verte-zerg/ktsim/internal/param"
)

const gradEps = 1e-5

// vector is a flat view over the trainable entries of a model.
type vector struct {
	tensors []*param.Tensor
	offsets []int
	size    int
}

func newVector(params []*param.Tensor) *vector {
	v := &vector{}
	for _, t := range params {
		if t.Frozen {
			continue
		}
		v.tensors = append(v.tensors, t)
		v.offsets = append(v.offsets, v.size)
		v.size += t.Len()
	}
	return v
}

func (v *vector) gather(dst []float64) {
	for k, t := range v.tensors {
		copy(dst[v.offsets[k]:], t.Data)
	}
}

func (v *vector) scatter(src []float64) {
	for k, t := range v.tensors {
		copy(t.Data, src[v.offsets[k]:v.offsets[k]+t.Len()])
	}
}

// active lists the flat indices a batch of users can influence. Rows of
// per-learner tensors outside the batch never enter the forward pass.
func (v *vector) active(users []int) []int {
	inBatch := make(map[int]bool, len(users))
	for _, u := range users {
		inBatch[u] = true
	}
	var idx []int
	for k, t := range v.tensors {
		rowLen := t.Dims[1] * t.Dims[2]
		for i := range t.Data {
			if t.Mode.PerLearnerRows() && !inBatch[i/rowLen] {
				continue
			}
			idx = append(idx, v.offsets[k]+i)
		}
	}
	return idx
}

// at returns a pointer to flat entry i.
func (v *vector) at(i int) *float64 {
	for k := len(v.offsets) - 1; k >= 0; k-- {
		if i >= v.offsets[k] {
			return &v.tensors[k].Data[i-v.offsets[k]]
		}
	}
	return nil
}

// penalty returns l2·Σw² over the trainable entries.
func (v *vector) penalty(l2 float64) float64 {
	if l2 == 0 {
		return 0
	}
	var sum float64
	for _, t := range v.tensors {
		for _, w := range t.Data {
			sum += w * w
		}
	}
	return l2 * sum
}

// numericalGradient computes dL/dw by central differences over the listed
// entries, (L(w+ε) - L(w-ε)) / 2ε, restoring each entry afterwards. The L2
// term is added analytically. loss must be deterministic for fixed
// parameters.
func numericalGradient(v *vector, idx []int, l2 float64, loss func() (float64, error), grad []float64) error {
	clear(grad)
	for _, i := range idx {
		w := v.at(i)
		orig := *w
		*w = orig + gradEps
		plus, err := loss()
		if err != nil {
			*w = orig
			return err
		}
		*w = orig - gradEps
		minus, err := loss()
		*w = orig
		if err != nil {
			return err
		}
		grad[i] = (plus-minus)/(2*gradEps) + 2*l2*orig
	}
	return nil
}
