package snlds

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/verte-zerg/ktsim/internal/param"
)

func relu(x float64) float64 { return math.Max(0, x) }

func linear(x float64) float64 { return x }

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// dense is an affine layer y = act(W·x + b) with W stored out x in.
type dense struct {
	w, b    *param.Tensor
	in, out int
	act     func(float64) float64
}

func newDense(name string, in, out int, act func(float64) float64, rng *rand.Rand) *dense {
	d := &dense{
		w:   param.NewWeights(name+".w", out, in),
		b:   param.NewWeights(name+".b", 1, out),
		in:  in,
		out: out,
		act: act,
	}
	d.w.Xavier(rng, in, out)
	return d
}

func (d *dense) forward(x, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, d.out)
	}
	bias := d.b.Row(0)
	for o := 0; o < d.out; o++ {
		sum := bias[o]
		for i, w := range d.w.Row(o) {
			sum += w * x[i]
		}
		dst[o] = d.act(sum)
	}
	return dst
}

func (d *dense) params() []*param.Tensor {
	return []*param.Tensor{d.w, d.b}
}

// mlp stacks dense layers with ReLU between them and a linear output.
type mlp struct {
	layers []*dense
}

// newMLP builds a network mapping in to sizes[len(sizes)-1].
func newMLP(name string, in int, sizes []int, rng *rand.Rand) *mlp {
	m := &mlp{}
	prev := in
	for k, size := range sizes {
		act := relu
		if k == len(sizes)-1 {
			act = linear
		}
		m.layers = append(m.layers, newDense(fmt.Sprintf("%s.%d", name, k), prev, size, act, rng))
		prev = size
	}
	return m
}

func (m *mlp) forward(x []float64) []float64 {
	for _, l := range m.layers {
		x = l.forward(x, nil)
	}
	return x
}

func (m *mlp) params() []*param.Tensor {
	var out []*param.Tensor
	for _, l := range m.layers {
		out = append(out, l.params()...)
	}
	return out
}

// Gate order inside the stacked LSTM weights.
const (
	gateInput = iota
	gateForget
	gateCell
	gateOutput
	numGates
)

// lstm is a single LSTM cell. Weights are stacked per gate:
// rows [k*hidden, (k+1)*hidden) belong to gate k.
type lstm struct {
	wih, whh, bias *param.Tensor
	in, hidden     int
}

func newLSTM(name string, in, hidden int, rng *rand.Rand) *lstm {
	c := &lstm{
		wih:    param.NewWeights(name+".w_ih", numGates*hidden, in),
		whh:    param.NewWeights(name+".w_hh", numGates*hidden, hidden),
		bias:   param.NewWeights(name+".b", 1, numGates*hidden),
		in:     in,
		hidden: hidden,
	}
	bound := 1 / math.Sqrt(float64(hidden))
	for _, t := range c.params() {
		t.Uniform(rng, -bound, bound)
	}
	return c
}

// step advances the cell by one input and returns the new hidden and cell
// states.
func (c *lstm) step(x, h, cell []float64) (hNext, cellNext []float64) {
	pre := make([]float64, numGates*c.hidden)
	bias := c.bias.Row(0)
	for r := range pre {
		sum := bias[r]
		for i, w := range c.wih.Row(r) {
			sum += w * x[i]
		}
		for i, w := range c.whh.Row(r) {
			sum += w * h[i]
		}
		pre[r] = sum
	}
	hNext = make([]float64, c.hidden)
	cellNext = make([]float64, c.hidden)
	for j := 0; j < c.hidden; j++ {
		in := sigmoid(pre[gateInput*c.hidden+j])
		forget := sigmoid(pre[gateForget*c.hidden+j])
		cand := math.Tanh(pre[gateCell*c.hidden+j])
		out := sigmoid(pre[gateOutput*c.hidden+j])
		cellNext[j] = forget*cell[j] + in*cand
		hNext[j] = out * math.Tanh(cellNext[j])
	}
	return hNext, cellNext
}

func (c *lstm) params() []*param.Tensor {
	return []*param.Tensor{c.wih, c.whh, c.bias}
}
