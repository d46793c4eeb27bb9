package param

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		raw   string
		mode  Mode
		split Split
	}{
		{raw: "simple", mode: Shared, split: SplitTime},
		{raw: "simple_split_time", mode: Shared, split: SplitTime},
		{raw: "simple_split_learner", mode: Shared, split: SplitLearner},
		{raw: "LS_split_time", mode: PerLearner, split: SplitTime},
		{raw: "ns_split_learner", mode: PerSkill, split: SplitLearner},
		{raw: "ln_split_time", mode: PerLearnerSkill, split: SplitTime},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			mode, split, err := ParseMode(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.mode, mode)
			assert.Equal(t, tt.split, split)
		})
	}
}

func TestParseModeRejects(t *testing.T) {
	for _, raw := range []string{"", "global", "simplex", "ls_split_learner", "ln_split_learner", "ns_split_day"} {
		_, _, err := ParseMode(raw)
		if !errors.Is(err, ErrUnknownMode) {
			t.Fatalf("%q: expected ErrUnknownMode, got %v", raw, err)
		}
	}
}

func TestSharedIgnoresUserID(t *testing.T) {
	p := New("theta", Shared, 5, 4, 3)
	assert.Equal(t, [3]int{1, 1, 3}, p.Dims)
	require.NoError(t, p.Fill(0.1, 0.2, 0.3))

	v, err := p.View([]int{0, 4, 2}, 4)
	require.NoError(t, err)
	for b := 0; b < 3; b++ {
		for n := 0; n < 4; n++ {
			assert.Equal(t, 0.2, v.At(b, n, 1))
		}
	}
}

func TestPerLearnerRows(t *testing.T) {
	p := New("theta", PerLearner, 3, 7, 2)
	assert.Equal(t, [3]int{3, 1, 2}, p.Dims)
	require.NoError(t, p.Fill(0, 1, 10, 11, 20, 21))

	v, err := p.View([]int{2, 0}, 7)
	require.NoError(t, err)
	assert.Equal(t, 20.0, v.At(0, 5, 0))
	assert.Equal(t, 21.0, v.At(0, 0, 1))
	assert.Equal(t, 0.0, v.At(1, 3, 0))
}

func TestPerSkillTilesBatch(t *testing.T) {
	p := New("speed", PerSkill, 3, 2, 1)
	assert.Equal(t, [3]int{1, 2, 1}, p.Dims)
	require.NoError(t, p.Fill(1, 2))

	v, err := p.View([]int{0, 1, 2}, 2)
	require.NoError(t, err)
	for b := 0; b < 3; b++ {
		assert.Equal(t, 1.0, v.At(b, 0, 0))
		assert.Equal(t, 2.0, v.At(b, 1, 0))
	}
}

func TestPerLearnerSkill(t *testing.T) {
	p := New("level", PerLearnerSkill, 2, 2, 1)
	require.NoError(t, p.Fill(1, 2, 3, 4))
	v, err := p.View([]int{1}, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v.At(0, 0, 0))
	assert.Equal(t, 4.0, v.At(0, 1, 0))
}

func TestViewRejectsUnknownLearner(t *testing.T) {
	p := New("theta", PerLearner, 2, 1, 3)
	_, err := p.View([]int{0, 2}, 1)
	if !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	q := New("theta", PerSkill, 2, 3, 1)
	_, err = q.View([]int{0}, 4)
	if !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for node mismatch, got %v", err)
	}
}

func TestFillRejectsBadLength(t *testing.T) {
	p := New("theta", PerSkill, 1, 2, 3)
	if err := p.Fill(1, 2); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}
