package stats

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ErrUnknownMetric is returned for metric names Evaluate does not know.
var ErrUnknownMetric = errors.New("stats: unknown metric")

// DefaultMetrics mirrors the usual evaluation list for binary correctness.
var DefaultMetrics = []string{"accuracy", "f1", "recall", "precision", "auc"}

const threshold = 0.5

type confusion struct {
	tp, fp, tn, fn float64
}

func newConfusion(preds, labels []float64) confusion {
	var c confusion
	for i, p := range preds {
		positive := labels[i] > threshold
		predicted := p > threshold
		switch {
		case positive && predicted:
			c.tp++
		case positive:
			c.fn++
		case predicted:
			c.fp++
		default:
			c.tn++
		}
	}
	return c
}

func (c confusion) accuracy() float64 {
	return ratio(c.tp+c.tn, c.tp+c.tn+c.fp+c.fn)
}

func (c confusion) precision() float64 {
	return ratio(c.tp, c.tp+c.fp)
}

func (c confusion) recall() float64 {
	return ratio(c.tp, c.tp+c.fn)
}

func (c confusion) f1() float64 {
	p, r := c.precision(), c.recall()
	return ratio(2*p*r, p+r)
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Evaluate computes the named metrics over flattened predictions and labels.
// Names are matched case-insensitively and returned lower-cased.
func Evaluate(preds, labels []float64, names []string) (map[string]float64, error) {
	if len(preds) != len(labels) {
		return nil, fmt.Errorf("%w: %d predictions for %d labels", ErrShape, len(preds), len(labels))
	}
	out := make(map[string]float64, len(names))
	if len(names) == 0 {
		return out, nil
	}
	c := newConfusion(preds, labels)
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "accuracy":
			out[name] = c.accuracy()
		case "precision":
			out[name] = c.precision()
		case "recall":
			out[name] = c.recall()
		case "f1":
			out[name] = c.f1()
		case "auc":
			out[name] = AUC(preds, labels)
		case "":
			continue
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, raw)
		}
	}
	return out, nil
}

// AUC returns the area under the ROC curve. A single-class input scores 0.5.
func AUC(preds, labels []float64) float64 {
	if len(preds) == 0 {
		return 0.5
	}
	y := make([]float64, len(preds))
	copy(y, preds)
	inds := make([]int, len(y))
	floats.Argsort(y, inds)

	classes := make([]bool, len(y))
	var pos int
	for i, j := range inds {
		classes[i] = labels[j] > threshold
		if classes[i] {
			pos++
		}
	}
	if pos == 0 || pos == len(classes) {
		return 0.5
	}
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}
