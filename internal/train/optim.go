package train

import (
	"fmt"
	"math"
	"strings"
)

// Optimizer updates a flat parameter vector in place from its gradient.
type Optimizer interface {
	Update(params, grads []float64)
	SetLR(lr float64)
}

// Optimizer names.
const (
	OptGD       = "gd"
	OptAdagrad  = "adagrad"
	OptAdadelta = "adadelta"
	OptAdam     = "adam"
)

// NewOptimizer returns the named optimizer for n parameters.
func NewOptimizer(name string, lr float64, n int) (Optimizer, error) {
	switch strings.ToLower(name) {
	case OptGD, "sgd":
		return &GD{lr: lr}, nil
	case OptAdagrad:
		return NewAdagrad(lr, n), nil
	case OptAdadelta:
		return NewAdadelta(lr, n), nil
	case OptAdam:
		return NewAdam(lr, n), nil
	}
	return nil, fmt.Errorf("%w: unknown optimizer %q", ErrConfig, name)
}

// GD is plain gradient descent: w[i] -= lr·g[i].
type GD struct {
	lr float64
}

// Update applies one step.
func (o *GD) Update(params, grads []float64) {
	for i, g := range grads {
		params[i] -= o.lr * g
	}
}

// SetLR updates the learning rate.
func (o *GD) SetLR(lr float64) { o.lr = lr }

// Adagrad scales each step by the accumulated squared gradients:
//
//	G[i] += g[i]²
//	w[i] -= lr · g[i] / (√G[i] + ε)
type Adagrad struct {
	lr, eps float64
	sum     []float64
}

// NewAdagrad creates an Adagrad optimizer with ε=1e-10.
func NewAdagrad(lr float64, n int) *Adagrad {
	return &Adagrad{lr: lr, eps: 1e-10, sum: make([]float64, n)}
}

// Update applies one step.
func (o *Adagrad) Update(params, grads []float64) {
	for i, g := range grads {
		o.sum[i] += g * g
		params[i] -= o.lr * g / (math.Sqrt(o.sum[i]) + o.eps)
	}
}

// SetLR updates the learning rate.
func (o *Adagrad) SetLR(lr float64) { o.lr = lr }

// Adadelta adapts steps from running averages of squared gradients and
// squared updates:
//
//	E[g²] = ρ·E[g²] + (1-ρ)·g²
//	Δ     = √(E[Δ²]+ε) / √(E[g²]+ε) · g
//	E[Δ²] = ρ·E[Δ²] + (1-ρ)·Δ²
//	w    -= lr·Δ
type Adadelta struct {
	lr, rho, eps float64
	sqGrad, sqDx []float64
}

// NewAdadelta creates an Adadelta optimizer with ρ=0.9, ε=1e-6.
func NewAdadelta(lr float64, n int) *Adadelta {
	return &Adadelta{lr: lr, rho: 0.9, eps: 1e-6, sqGrad: make([]float64, n), sqDx: make([]float64, n)}
}

// Update applies one step.
func (o *Adadelta) Update(params, grads []float64) {
	for i, g := range grads {
		o.sqGrad[i] = o.rho*o.sqGrad[i] + (1-o.rho)*g*g
		dx := math.Sqrt(o.sqDx[i]+o.eps) / math.Sqrt(o.sqGrad[i]+o.eps) * g
		o.sqDx[i] = o.rho*o.sqDx[i] + (1-o.rho)*dx*dx
		params[i] -= o.lr * dx
	}
}

// SetLR updates the learning rate.
func (o *Adadelta) SetLR(lr float64) { o.lr = lr }

// Adam implements the Adam optimizer with bias correction.
//
//	m[i] = β1·m[i] + (1-β1)·g[i]
//	v[i] = β2·v[i] + (1-β2)·g[i]²
//	m̂[i] = m[i] / (1 - β1^t)
//	v̂[i] = v[i] / (1 - β2^t)
//	w[i] = w[i] - lr · m̂[i] / (√v̂[i] + ε)
//
// Entries with a zero gradient keep their moments, so parameters of
// learners absent from a batch are left alone.
type Adam struct {
	lr           float64
	beta1, beta2 float64
	eps          float64
	m, v         []float64
	step         int
}

// NewAdam creates an Adam optimizer with β1=0.9, β2=0.999, ε=1e-8.
func NewAdam(lr float64, n int) *Adam {
	return &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

// Update applies one step.
func (a *Adam) Update(params, grads []float64) {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i, g := range grads {
		if g == 0 {
			continue
		}
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		params[i] -= a.lr * (a.m[i] / c1) / (math.Sqrt(a.v[i]/c2) + a.eps)
	}
}

// SetLR updates the learning rate.
func (a *Adam) SetLR(lr float64) { a.lr = lr }

// StepLR decays the learning rate by gamma every step optimizer updates.
type StepLR struct {
	base  float64
	step  int
	gamma float64
	t     int
}

// NewStepLR creates a step schedule. A non-positive step disables decay.
func NewStepLR(base float64, step int, gamma float64) *StepLR {
	return &StepLR{base: base, step: step, gamma: gamma}
}

// LR returns the current learning rate.
func (s *StepLR) LR() float64 {
	if s.step <= 0 {
		return s.base
	}
	return s.base * math.Pow(s.gamma, float64(s.t/s.step))
}

// Step advances the schedule by one update.
func (s *StepLR) Step() float64 {
	s.t++
	return s.LR()
}
