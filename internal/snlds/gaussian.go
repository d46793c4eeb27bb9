package snlds

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// scale is the fixed lower-triangular factor L of a Gaussian whose
// covariance is L·Lᵀ. Only the mean of such a Gaussian varies.
type scale struct {
	dim     int
	tril    *mat.TriDense
	chol    mat.Cholesky
	entropy float64
}

// newScale builds L from raw values. A single dimension is clamped to
// sigmaMin; wider scales take a row-wise softmax of the lower triangle
// before the clamp. Both are multiplied by sigmaScale.
func newScale(dim int, raw func(i, j int) float64, sigmaMin, sigmaScale, bias float64) (*scale, error) {
	tril := mat.NewTriDense(dim, mat.Lower, nil)
	if dim == 1 {
		tril.SetTri(0, 0, math.Max(raw(0, 0)+bias, sigmaMin)*sigmaScale)
	} else {
		row := make([]float64, dim)
		for i := 0; i < dim; i++ {
			maxV := math.Inf(-1)
			for j := range row {
				row[j] = bias
				if j <= i {
					row[j] += raw(i, j)
				}
				maxV = math.Max(maxV, row[j])
			}
			var norm float64
			for j := range row {
				row[j] = math.Exp(row[j] - maxV)
				norm += row[j]
			}
			for j := 0; j <= i; j++ {
				tril.SetTri(i, j, math.Max(row[j]/norm, sigmaMin)*sigmaScale)
			}
		}
	}

	cov := mat.NewSymDense(dim, nil)
	cov.SymOuterK(1, tril)
	s := &scale{dim: dim, tril: tril}
	if ok := s.chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("%w: covariance of dim %d is not positive definite", ErrConfig, dim)
	}
	s.entropy = distmv.NewNormalChol(make([]float64, dim), &s.chol, nil).Entropy()
	return s, nil
}

// uniformScale draws raw values from U[0, 1).
func uniformScale(dim int, rng *rand.Rand, c Config) (*scale, error) {
	return newScale(dim, func(int, int) float64 { return rng.Float64() }, c.SigmaMin, c.SigmaScale, c.RawSigmaBias)
}

// xavierScale draws raw values from the Glorot uniform distribution.
func xavierScale(dim int, rng *rand.Rand, c Config) (*scale, error) {
	bound := math.Sqrt(6 / float64(2*dim))
	return newScale(dim, func(int, int) float64 { return bound * (2*rng.Float64() - 1) }, c.SigmaMin, c.SigmaScale, c.RawSigmaBias)
}

// sample writes mean + L·xi into dst.
func (s *scale) sample(mean, xi, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, s.dim)
	}
	for i := 0; i < s.dim; i++ {
		v := mean[i]
		for j := 0; j <= i; j++ {
			v += s.tril.At(i, j) * xi[j]
		}
		dst[i] = v
	}
	return dst
}

func (s *scale) logProb(x, mean []float64) float64 {
	return distmv.NormalLogProb(x, mean, &s.chol)
}
