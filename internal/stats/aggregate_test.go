package stats

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateAllSuccessCounts(t *testing.T) {
	const steps = 6
	times := [][]float64{make([]float64, steps)}
	items := [][]int{make([]int, steps)}
	labels := [][]float64{make([]float64, steps)}
	for i := 0; i < steps; i++ {
		times[0][i] = float64(i) * 3600
		labels[0][i] = 1
	}

	feats, err := FeaturesFromLabels(items, labels, 1)
	require.NoError(t, err)
	whole, _, err := Aggregate(times, items, feats, 1)
	require.NoError(t, err)

	for i := 0; i < steps; i++ {
		assert.Equal(t, float64(i), whole.At(0, 0, i, History), "history at %d", i)
		assert.Equal(t, float64(i), whole.At(0, 0, i, Success), "success at %d", i)
		assert.Equal(t, 0.0, whole.At(0, 0, i, Failure), "failure at %d", i)
	}
}

func TestAggregateStepFunction(t *testing.T) {
	times := [][]float64{{0, 10, 20, 30}}
	items := [][]int{{0, 1, 0, 2}}
	labels := [][]float64{{1, 0, 0, 1}}

	feats, err := FeaturesFromLabels(items, labels, 3)
	require.NoError(t, err)
	whole, last, err := Aggregate(times, items, feats, 3)
	require.NoError(t, err)

	// Node 0 changes only at step 2, where it is active again.
	assert.Equal(t, 0.0, whole.At(0, 0, 1, History))
	assert.Equal(t, 1.0, whole.At(0, 0, 2, History))
	assert.Equal(t, 1.0, whole.At(0, 0, 2, Success))
	assert.Equal(t, 1.0, whole.At(0, 0, 3, History))

	// Node 1 first seen at step 1 with no prior attempts.
	assert.Equal(t, 0.0, whole.At(0, 1, 3, History))

	// Last-visit times.
	assert.Equal(t, 0.0, last.Before(0, 0, 0))
	assert.Equal(t, 0.0, last.Before(0, 0, 1))
	assert.Equal(t, 0.0, last.Before(0, 1, 1))
	assert.Equal(t, 10.0, last.Before(0, 1, 2))
	assert.Equal(t, 20.0, last.Through(0, 0, 2))
	assert.Equal(t, 20.0, last.Through(0, 0, 3))
	assert.Equal(t, 30.0, last.Through(0, 2, 3))
	assert.Equal(t, 0.0, last.Through(0, 2, 2))
}

func TestAggregateFirstStepOnlySetsFirstNode(t *testing.T) {
	times := [][]float64{{5, 9}}
	items := [][]int{{1, 0}}
	last, err := LastTimes(times, items, 2)
	require.NoError(t, err)
	assert.Equal(t, 5.0, last.Through(0, 1, 0))
	assert.Equal(t, 0.0, last.Through(0, 0, 0))
}

func TestAggregateShapeErrors(t *testing.T) {
	tests := []struct {
		name  string
		times [][]float64
		items [][]int
		nodes int
	}{
		{name: "empty", times: nil, items: nil, nodes: 1},
		{name: "empty row", times: [][]float64{{}}, items: nil, nodes: 1},
		{name: "ragged", times: [][]float64{{0, 1}, {0}}, items: nil, nodes: 1},
		{name: "item out of range", times: [][]float64{{0, 1}}, items: [][]int{{0, 3}}, nodes: 2},
		{name: "item rows", times: [][]float64{{0, 1}}, items: [][]int{{0, 1}, {0, 1}}, nodes: 2},
		{name: "no nodes", times: [][]float64{{0, 1}}, items: nil, nodes: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Aggregate(tt.times, tt.items, NewStepFeatures(len(tt.times), 2), tt.nodes)
			if !errors.Is(err, ErrShape) {
				t.Fatalf("expected ErrShape, got %v", err)
			}
		})
	}
}

func TestOnTheFlyForwardFill(t *testing.T) {
	items := [][]int{{0, 1, 1, 0}}
	fly := NewOnTheFly(items, []float64{0}, 2, 4)

	w := fly.Whole()
	assert.Equal(t, 1.0, w.At(0, 0, 3, History))
	assert.Equal(t, 1.0, w.At(0, 0, 3, Failure))
	assert.Equal(t, 0.0, w.At(0, 1, 0, History))

	fly.Record(0, 1, 1, 1)
	fly.Record(0, 1, 2, 0)

	assert.Equal(t, 0.0, w.At(0, 1, 0, History))
	assert.Equal(t, 1.0, w.At(0, 1, 1, History))
	assert.Equal(t, 2.0, w.At(0, 1, 2, History))
	assert.Equal(t, 2.0, w.At(0, 1, 3, History))
	assert.Equal(t, 1.0, w.At(0, 1, 3, Success))
	assert.Equal(t, 1.0, w.At(0, 1, 3, Failure))
}
