// Package param resolves parameter-sharing modes and holds model parameters.
package param

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownMode is returned for mode strings that match no sharing policy.
	ErrUnknownMode = errors.New("param: unknown mode")
	// ErrShape is returned when a tensor cannot be indexed as requested.
	ErrShape = errors.New("param: shape mismatch")
)

// Mode selects how a parameter is shared across learners and skills.
type Mode int

const (
	Shared Mode = iota
	PerLearner
	PerSkill
	PerLearnerSkill
)

// Split selects how the corpus is divided for training and evaluation.
type Split int

const (
	SplitTime Split = iota
	SplitLearner
)

// strategy carries the shape construction and indexing of one mode.
type strategy struct {
	token string
	shape func(numSeq, numNode, dim int) [3]int
	index func(userIDs []int, b, n int) (row, node int)
}

var strategies = [...]strategy{
	Shared: {
		token: "simple",
		shape: func(_, _, dim int) [3]int { return [3]int{1, 1, dim} },
		index: func(_ []int, _, _ int) (int, int) { return 0, 0 },
	},
	PerLearner: {
		token: "ls",
		shape: func(numSeq, _, dim int) [3]int { return [3]int{numSeq, 1, dim} },
		index: func(userIDs []int, b, _ int) (int, int) { return userIDs[b], 0 },
	},
	PerSkill: {
		token: "ns",
		shape: func(_, numNode, dim int) [3]int { return [3]int{1, numNode, dim} },
		index: func(_ []int, _, n int) (int, int) { return 0, n },
	},
	PerLearnerSkill: {
		token: "ln",
		shape: func(numSeq, numNode, dim int) [3]int { return [3]int{numSeq, numNode, dim} },
		index: func(userIDs []int, b, n int) (int, int) { return userIDs[b], n },
	},
}

func (m Mode) valid() bool {
	return m >= Shared && m <= PerLearnerSkill
}

// String returns the mode token.
func (m Mode) String() string {
	if !m.valid() {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return strategies[m].token
}

// PerLearnerRows reports whether the mode keeps one row per learner.
func (m Mode) PerLearnerRows() bool {
	return m == PerLearner || m == PerLearnerSkill
}

// Shape returns the parameter dims (rows, nodes, dim) for this mode.
func (m Mode) Shape(numSeq, numNode, dim int) [3]int {
	return strategies[m].shape(numSeq, numNode, dim)
}

func (s Split) String() string {
	if s == SplitLearner {
		return "split_learner"
	}
	return "split_time"
}

// ParseMode parses strings such as "simple", "ls_split_time" or
// "ns_split_learner". Per-learner modes cannot be combined with a learner
// split because held-out learners would have no parameters.
func ParseMode(raw string) (Mode, Split, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	token, suffix, _ := strings.Cut(s, "_")

	mode := Mode(-1)
	for m, st := range strategies {
		if st.token == token {
			mode = Mode(m)
			break
		}
	}
	if mode < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}

	split := SplitTime
	switch suffix {
	case "", "split_time":
	case "split_learner":
		split = SplitLearner
	default:
		return 0, 0, fmt.Errorf("%w: %q has unknown split %q", ErrUnknownMode, raw, suffix)
	}
	if split == SplitLearner && mode.PerLearnerRows() {
		return 0, 0, fmt.Errorf("%w: %q keeps per-learner parameters with a learner split", ErrUnknownMode, raw)
	}
	return mode, split, nil
}
