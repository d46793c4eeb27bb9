// Package model defines shared data structures.
package model

import "time"

// Interaction is a single timestamped practice attempt.
type Interaction struct {
	UserID    int64
	SkillID   int
	ProblemID int64
	Correct   int
	Timestamp float64 // seconds

	// Prior attempts on the same skill by the same learner.
	History int
	Success int
	Failure int
}

// Learner owns an ordered sequence of interactions.
type Learner struct {
	Index  int // dense index used for per-learner parameters
	UserID int64
	Events []Interaction
}

// Len returns the number of interactions.
func (l Learner) Len() int {
	return len(l.Events)
}

// Batch is a rectangular view over a group of learner sequences.
type Batch struct {
	UserIDs  []int
	Skills   [][]int
	Problems [][]int64
	Labels   [][]float64
	Times    [][]float64
	History  [][]float64
	Success  [][]float64
	Failure  [][]float64
}

// Size returns the batch size and number of time steps.
func (b *Batch) Size() (int, int) {
	if b == nil || len(b.Times) == 0 {
		return 0, 0
	}
	return len(b.Times), len(b.Times[0])
}

// Cube is a dense (batch, node, time) arena of float64 values.
type Cube struct {
	B, N, T int
	Data    []float64
}

// NewCube allocates a zeroed cube.
func NewCube(b, n, t int) *Cube {
	return &Cube{B: b, N: n, T: t, Data: make([]float64, b*n*t)}
}

// At returns the value at (b, n, t).
func (c *Cube) At(b, n, t int) float64 {
	return c.Data[(b*c.N+n)*c.T+t]
}

// Set stores v at (b, n, t).
func (c *Cube) Set(b, n, t int, v float64) {
	c.Data[(b*c.N+n)*c.T+t] = v
}

// Mean returns the mean over all cells.
func (c *Cube) Mean() float64 {
	if len(c.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range c.Data {
		sum += v
	}
	return sum / float64(len(c.Data))
}

// Dataset summarizes an imported interaction corpus.
type Dataset struct {
	Name         string
	Interactions int
	Learners     int
	Skills       int
	ImportedAt   time.Time
}

// Run describes a training run.
type Run struct {
	ID         string
	Family     string
	Mode       string
	Dataset    string
	StartedAt  time.Time
	EndedAt    *time.Time
	BestEpoch  int
	BestMetric float64
	Config     string
}

// LossRecord is one named scalar logged for a run.
type LossRecord struct {
	Epoch int
	Phase string // train, valid or test
	Key   string
	Value float64
}

// Checkpoint stores a named parameter tensor snapshot.
type Checkpoint struct {
	Name string
	Dims [3]int
	Data []float64
}
