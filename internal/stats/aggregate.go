// Package stats contains running practice statistics and evaluation metrics.
package stats

import (
	"errors"
	"fmt"
)

// ErrShape is returned for ragged or mismatched inputs.
var ErrShape = errors.New("stats: malformed shape")

// Triple offsets inside a stats cell.
const (
	History = iota
	Success
	Failure
	numFeatures
)

// StepFeatures holds the (history, success, failure) triple of the active
// item at every step of every sequence.
type StepFeatures struct {
	B, T int
	Data []float64
}

// NewStepFeatures allocates zeroed features for b sequences of t steps.
func NewStepFeatures(b, t int) *StepFeatures {
	return &StepFeatures{B: b, T: t, Data: make([]float64, b*t*numFeatures)}
}

// At returns feature k of sequence b at step t.
func (f *StepFeatures) At(b, t, k int) float64 {
	return f.Data[(b*f.T+t)*numFeatures+k]
}

// Set stores the triple for sequence b at step t.
func (f *StepFeatures) Set(b, t int, history, success, failure float64) {
	off := (b*f.T + t) * numFeatures
	f.Data[off+History] = history
	f.Data[off+Success] = success
	f.Data[off+Failure] = failure
}

// Whole is the (batch, node, time, 3) arena of per-node running counts.
type Whole struct {
	B, N, T int
	Data    []float64
}

func newWhole(b, n, t int) *Whole {
	return &Whole{B: b, N: n, T: t, Data: make([]float64, b*n*t*numFeatures)}
}

func (w *Whole) offset(b, n, t int) int {
	return ((b*w.N+n)*w.T + t) * numFeatures
}

// At returns feature k for node n of sequence b as of step t.
func (w *Whole) At(b, n, t, k int) float64 {
	return w.Data[w.offset(b, n, t)+k]
}

// LastTime records, per node, the time of the most recent interaction.
// It has T+1 columns: column i is the last visit strictly before step i.
type LastTime struct {
	B, N, T int
	Data    []float64
}

func newLastTime(b, n, t int) *LastTime {
	return &LastTime{B: b, N: n, T: t, Data: make([]float64, b*n*(t+1))}
}

func (l *LastTime) idx(b, n, col int) int {
	return (b*l.N+n)*(l.T+1) + col
}

// Before returns the last visit time of node n strictly before step i, or 0.
func (l *LastTime) Before(b, n, i int) float64 {
	return l.Data[l.idx(b, n, i)]
}

// Through returns the last visit time of node n up to and including step t.
func (l *LastTime) Through(b, n, t int) float64 {
	return l.Data[l.idx(b, n, t+1)]
}

// Aggregate expands per-step features of the active item into per-node
// running counts and last-visit times.
func Aggregate(times [][]float64, items [][]int, feats *StepFeatures, numNode int) (*Whole, *LastTime, error) {
	last, err := LastTimes(times, items, numNode)
	if err != nil {
		return nil, nil, err
	}
	if feats == nil {
		return nil, nil, fmt.Errorf("%w: missing step features", ErrShape)
	}
	bs, steps := last.B, last.T
	if feats.B != bs || feats.T != steps {
		return nil, nil, fmt.Errorf("%w: features are %dx%d, want %dx%d", ErrShape, feats.B, feats.T, bs, steps)
	}

	whole := newWhole(bs, numNode, steps)
	for b := 0; b < bs; b++ {
		for i := 1; i < steps; i++ {
			for n := 0; n < numNode; n++ {
				prev := whole.offset(b, n, i-1)
				copy(whole.Data[prev+numFeatures:prev+2*numFeatures], whole.Data[prev:prev+numFeatures])
			}
			cur := whole.offset(b, itemAt(items, b, i), i)
			for k := 0; k < numFeatures; k++ {
				whole.Data[cur+k] = feats.At(b, i, k)
			}
		}
	}
	return whole, last, nil
}

// LastTimes computes per-node last-visit times without any counts.
func LastTimes(times [][]float64, items [][]int, numNode int) (*LastTime, error) {
	bs, steps, err := checkShape(times, items, numNode)
	if err != nil {
		return nil, err
	}
	last := newLastTime(bs, numNode, steps)
	for b := 0; b < bs; b++ {
		last.Data[last.idx(b, itemAt(items, b, 0), 1)] = times[b][0]
		for i := 1; i < steps; i++ {
			for n := 0; n < numNode; n++ {
				last.Data[last.idx(b, n, i+1)] = last.Data[last.idx(b, n, i)]
			}
			last.Data[last.idx(b, itemAt(items, b, i), i+1)] = times[b][i]
		}
	}
	return last, nil
}

// FeaturesFromLabels derives the prior (history, success, failure) counts of
// the active item at each step from observed labels.
func FeaturesFromLabels(items [][]int, labels [][]float64, numNode int) (*StepFeatures, error) {
	bs, steps, err := checkShape(labels, items, numNode)
	if err != nil {
		return nil, err
	}
	feats := NewStepFeatures(bs, steps)
	for b := 0; b < bs; b++ {
		hist := make([]float64, numNode)
		succ := make([]float64, numNode)
		for i := 0; i < steps; i++ {
			n := itemAt(items, b, i)
			feats.Set(b, i, hist[n], succ[n], hist[n]-succ[n])
			hist[n]++
			succ[n] += labels[b][i]
		}
	}
	return feats, nil
}

// OnTheFly is a live stats buffer filled from simulated outcomes.
type OnTheFly struct {
	whole *Whole
}

// NewOnTheFly seeds the buffer with the first item's outcome of each row,
// counted once across all steps.
func NewOnTheFly(items [][]int, first []float64, numNode, steps int) *OnTheFly {
	w := newWhole(len(first), numNode, steps)
	for b, outcome := range first {
		n := itemAt(items, b, 0)
		for t := 0; t < steps; t++ {
			off := w.offset(b, n, t)
			w.Data[off+History] = 1
			w.Data[off+Success] = outcome
			w.Data[off+Failure] = 1 - outcome
		}
	}
	return &OnTheFly{whole: w}
}

// Record adds an outcome for node at step and every later step.
func (o *OnTheFly) Record(b, node, step int, success float64) {
	w := o.whole
	for t := step; t < w.T; t++ {
		off := w.offset(b, node, t)
		w.Data[off+History]++
		w.Data[off+Success] += success
		w.Data[off+Failure] += 1 - success
	}
}

// Whole exposes the live counts.
func (o *OnTheFly) Whole() *Whole {
	return o.whole
}

func checkShape(rows [][]float64, items [][]int, numNode int) (int, int, error) {
	if numNode <= 0 {
		return 0, 0, fmt.Errorf("%w: num_node must be > 0", ErrShape)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: empty time axis", ErrShape)
	}
	bs, steps := len(rows), len(rows[0])
	for b, row := range rows {
		if len(row) != steps {
			return 0, 0, fmt.Errorf("%w: row %d has %d steps, want %d", ErrShape, b, len(row), steps)
		}
	}
	if items == nil {
		return bs, steps, nil
	}
	if len(items) != bs {
		return 0, 0, fmt.Errorf("%w: %d item rows for %d sequences", ErrShape, len(items), bs)
	}
	for b, row := range items {
		if len(row) != steps {
			return 0, 0, fmt.Errorf("%w: item row %d has %d steps, want %d", ErrShape, b, len(row), steps)
		}
		for i, n := range row {
			if n < 0 || n >= numNode {
				return 0, 0, fmt.Errorf("%w: item %d at [%d,%d] outside [0,%d)", ErrShape, n, b, i, numNode)
			}
		}
	}
	return bs, steps, nil
}

// itemAt treats a nil item table as a single-node problem.
func itemAt(items [][]int, b, i int) int {
	if items == nil {
		return 0
	}
	return items[b][i]
}
