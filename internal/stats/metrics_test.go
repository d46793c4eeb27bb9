package stats

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	preds := []float64{0.9, 0.8, 0.3, 0.6, 0.2}
	labels := []float64{1, 1, 1, 0, 0}

	got, err := Evaluate(preds, labels, []string{"Accuracy", "F1", "Recall", "Precision", "AUC"})
	require.NoError(t, err)

	assert.InDelta(t, 0.6, got["accuracy"], 1e-9)
	assert.InDelta(t, 2.0/3.0, got["precision"], 1e-9)
	assert.InDelta(t, 2.0/3.0, got["recall"], 1e-9)
	assert.InDelta(t, 2.0/3.0, got["f1"], 1e-9)
	// Positive/negative pairs ranked correctly: 5 of 6.
	assert.InDelta(t, 5.0/6.0, got["auc"], 1e-9)
}

func TestEvaluateUnknownMetric(t *testing.T) {
	_, err := Evaluate([]float64{0.5}, []float64{1}, []string{"brier"})
	if !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("expected ErrUnknownMetric, got %v", err)
	}
}

func TestAUCSingleClass(t *testing.T) {
	assert.Equal(t, 0.5, AUC([]float64{0.1, 0.7}, []float64{1, 1}))
}

func TestAUCPerfectRanking(t *testing.T) {
	assert.InDelta(t, 1.0, AUC([]float64{0.1, 0.2, 0.8, 0.9}, []float64{0, 0, 1, 1}), 1e-9)
}

func TestWeakestSkills(t *testing.T) {
	skills := []int{2, 2, 0, 1, 1}
	labels := []float64{1, 0, 1, 0, 0}
	preds := []float64{0.6, 0.4, 0.9, 0.2, 0.3}

	summaries := SummarizeSkills(skills, labels, preds)
	require.Len(t, summaries, 3)
	assert.Equal(t, 0, summaries[0].Skill)
	assert.Equal(t, 2, summaries[2].Attempts)
	assert.InDelta(t, 0.5, summaries[2].Accuracy(), 1e-9)

	weak := WeakestSkills(summaries, 2)
	require.Len(t, weak, 2)
	assert.Equal(t, 1, weak[0].Skill)
	assert.Equal(t, 2, weak[1].Skill)
}

func TestMovingAverage(t *testing.T) {
	got := MovingAverage([]float64{1, 2, 3, 4}, 2)
	assert.Equal(t, []float64{1, 1.5, 2.5, 3.5}, got)
}
