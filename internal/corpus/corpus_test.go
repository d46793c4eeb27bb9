package corpus

import (
	"bytes"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/ktsim/internal/model"
)

const sample = `user_id	skill_id	correct	timestamp	problem_id
7	0	1	1000	3
7	1	0	1100	4
7	0	0	1050	3
7	0	1	1200	5
2	1	1	50
`

func TestReadAndBuild(t *testing.T) {
	inters, err := Read(strings.NewReader(sample), '\t')
	require.NoError(t, err)
	require.Len(t, inters, 5)
	assert.Equal(t, int64(1), inters[4].ProblemID, "missing problem id falls back to skill")

	learners := Build(inters, 0)
	require.Len(t, learners, 2)
	assert.Equal(t, int64(2), learners[0].UserID)
	assert.Equal(t, 0, learners[0].Index)
	assert.Equal(t, 1, learners[1].Index)

	events := learners[1].Events
	require.Len(t, events, 4)
	var times []float64
	for _, e := range events {
		times = append(times, e.Timestamp)
	}
	assert.Equal(t, []float64{0, 50, 100, 200}, times)

	// skill 0 attempts in time order: correct, wrong, correct
	assert.Equal(t, [3]int{0, 0, 0}, counts(events[0]))
	assert.Equal(t, [3]int{1, 1, 0}, counts(events[1]))
	assert.Equal(t, [3]int{0, 0, 0}, counts(events[2]), "first attempt on skill 1")
	assert.Equal(t, [3]int{2, 1, 1}, counts(events[3]))
}

func counts(e model.Interaction) [3]int {
	return [3]int{e.History, e.Success, e.Failure}
}

func TestBuildTruncates(t *testing.T) {
	inters := make([]model.Interaction, 10)
	for i := range inters {
		inters[i] = model.Interaction{UserID: 1, Timestamp: float64(i)}
	}
	learners := Build(inters, 4)
	require.Len(t, learners, 1)
	assert.Equal(t, 4, learners[0].Len())
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing column", "user_id\tskill_id\tcorrect\n1\t0\t1\n"},
		{"bad correct", "user_id\tskill_id\tcorrect\ttimestamp\n1\t0\t2\t5\n"},
		{"bad skill", "user_id\tskill_id\tcorrect\ttimestamp\n1\tx\t1\t5\n"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.data), '\t')
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestReadFileCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inters.csv")
	require.NoError(t, os.WriteFile(path, []byte("user_id,skill_id,correct,timestamp\n1,0,1,10\n"), 0o600))
	inters, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, inters, 1)
	assert.Equal(t, 10.0, inters[0].Timestamp)
}

func TestWriteReadsBack(t *testing.T) {
	inters := []model.Interaction{
		{UserID: 3, SkillID: 2, ProblemID: 9, Correct: 1, Timestamp: 86400.5},
		{UserID: 4, SkillID: 0, ProblemID: 0, Correct: 0, Timestamp: 0},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, inters, '\t'))
	got, err := Read(&buf, '\t')
	require.NoError(t, err)
	assert.Equal(t, inters, got)
}

func synthetic(n, steps int) []model.Learner {
	learners := make([]model.Learner, n)
	for i := range learners {
		learners[i] = model.Learner{Index: i, UserID: int64(i)}
		for s := 0; s < steps-i%3; s++ {
			learners[i].Events = append(learners[i].Events, model.Interaction{UserID: int64(i), Timestamp: float64(s), Correct: s % 2})
		}
	}
	return learners
}

func TestTimeSplit(t *testing.T) {
	learners := synthetic(10, 10)
	s, err := TimeSplit(learners, DefaultTimeOptions())
	require.NoError(t, err)
	assert.Len(t, s.Train, 10)
	assert.Len(t, s.Valid, 2)
	assert.Len(t, s.Test, 8)
	assert.Equal(t, 6, s.Train[0].Len())
	for _, l := range append(s.Valid, s.Test...) {
		if l.Index == 0 {
			assert.Equal(t, 8, l.Len())
		}
	}

	_, err = TimeSplit(learners, TimeOptions{TrainRatio: 0.9, TestRatio: 0.2})
	require.ErrorIs(t, err, ErrSplit)
}

func TestFoldSplit(t *testing.T) {
	learners := synthetic(10, 4)
	s, err := FoldSplit(learners, 5, 1, 0.25, 1)
	require.NoError(t, err)
	require.Len(t, s.Test, 2)
	assert.Equal(t, 2, s.Test[0].Index)
	assert.Equal(t, 3, s.Test[1].Index)
	assert.Len(t, s.Valid, 2)
	assert.Len(t, s.Train, 6)
	for _, l := range append(s.Train, s.Valid...) {
		assert.NotContains(t, []int{2, 3}, l.Index)
	}

	_, err = FoldSplit(learners, 5, 5, 0, 1)
	require.ErrorIs(t, err, ErrSplit)
}

func TestBatchesTruncateToShortest(t *testing.T) {
	learners := synthetic(5, 6)
	batches := Batches(learners, 2, nil)
	require.Len(t, batches, 3)
	bs, steps := batches[0].Size()
	assert.Equal(t, 2, bs)
	assert.Equal(t, 5, steps)
	assert.Equal(t, []int{0, 1}, batches[0].UserIDs)
	_, steps = batches[2].Size()
	assert.Equal(t, 5, steps)

	shuffled := Batches(learners, 5, rand.New(rand.NewPCG(1, 2)))
	require.Len(t, shuffled, 1)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, shuffled[0].UserIDs)
}
