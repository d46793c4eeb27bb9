// Package corpus reads interaction logs and turns them into per-learner
// sequences, train/validation/test splits and rectangular batches.
package corpus

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/verte-zerg/ktsim/internal/model"
)

var (
	// ErrFormat is returned for malformed interaction files.
	ErrFormat = errors.New("corpus: malformed interactions")
	// ErrSplit is returned for unusable split settings.
	ErrSplit = errors.New("corpus: invalid split")
)

// DefaultMaxStep caps each learner sequence.
const DefaultMaxStep = 50

var requiredColumns = []string{"user_id", "skill_id", "correct", "timestamp"}

// ReadFile reads interactions from a tab- or comma-separated file. The
// delimiter follows the extension: .csv uses commas, anything else tabs.
func ReadFile(path string) ([]model.Interaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	comma := '\t'
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		comma = ','
	}
	return Read(f, comma)
}

// Read parses interactions with a header row naming at least user_id,
// skill_id, correct and timestamp. A missing problem_id defaults to the
// skill id.
func Read(r io.Reader, comma rune) ([]model.Interaction, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrFormat, name)
		}
	}
	var out []model.Interaction
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		field := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		it, err := parseRecord(field)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		out = append(out, it)
	}
	return out, nil
}

// Write emits interactions with a header row in the layout Read accepts.
func Write(w io.Writer, inters []model.Interaction, comma rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	if err := cw.Write([]string{"user_id", "skill_id", "problem_id", "correct", "timestamp"}); err != nil {
		return err
	}
	for _, it := range inters {
		rec := []string{
			strconv.FormatInt(it.UserID, 10),
			strconv.Itoa(it.SkillID),
			strconv.FormatInt(it.ProblemID, 10),
			strconv.Itoa(it.Correct),
			strconv.FormatFloat(it.Timestamp, 'f', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func parseRecord(field func(string) string) (model.Interaction, error) {
	var it model.Interaction
	var err error
	if it.UserID, err = strconv.ParseInt(field("user_id"), 10, 64); err != nil {
		return it, fmt.Errorf("user_id: %w", err)
	}
	if it.SkillID, err = strconv.Atoi(field("skill_id")); err != nil || it.SkillID < 0 {
		return it, fmt.Errorf("skill_id %q is not a non-negative integer", field("skill_id"))
	}
	correct, err := strconv.ParseFloat(field("correct"), 64)
	if err != nil {
		return it, fmt.Errorf("correct: %w", err)
	}
	switch correct {
	case 0, 1:
		it.Correct = int(correct)
	default:
		return it, fmt.Errorf("correct must be 0 or 1, got %v", correct)
	}
	if it.Timestamp, err = strconv.ParseFloat(field("timestamp"), 64); err != nil {
		return it, fmt.Errorf("timestamp: %w", err)
	}
	it.ProblemID = int64(it.SkillID)
	if raw := field("problem_id"); raw != "" {
		if it.ProblemID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return it, fmt.Errorf("problem_id: %w", err)
		}
	}
	return it, nil
}

// Build groups interactions by learner, orders each sequence by time,
// keeps at most maxStep events, shifts timestamps to start at zero and
// fills the prior counts. Learners are indexed densely by ascending user id.
func Build(inters []model.Interaction, maxStep int) []model.Learner {
	if maxStep <= 0 {
		maxStep = DefaultMaxStep
	}
	byUser := make(map[int64][]model.Interaction)
	for _, it := range inters {
		byUser[it.UserID] = append(byUser[it.UserID], it)
	}
	users := make([]int64, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	learners := make([]model.Learner, 0, len(users))
	for idx, u := range users {
		events := byUser[u]
		sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
		if len(events) > maxStep {
			events = events[:maxStep]
		}
		start := events[0].Timestamp
		type tally struct{ history, success int }
		seen := make(map[int]tally)
		for i := range events {
			c := seen[events[i].SkillID]
			events[i].Timestamp -= start
			events[i].History = c.history
			events[i].Success = c.success
			events[i].Failure = c.history - c.success
			c.history++
			c.success += events[i].Correct
			seen[events[i].SkillID] = c
		}
		learners = append(learners, model.Learner{Index: idx, UserID: u, Events: events})
	}
	return learners
}

// Summary describes a built corpus.
type Summary struct {
	Learners     int
	Interactions int
	NumNode      int
	NumProblem   int64
}

// Summarize counts learners, interactions and the id ranges.
func Summarize(learners []model.Learner) Summary {
	s := Summary{Learners: len(learners)}
	for _, l := range learners {
		s.Interactions += l.Len()
		for _, e := range l.Events {
			if e.SkillID+1 > s.NumNode {
				s.NumNode = e.SkillID + 1
			}
			if e.ProblemID+1 > s.NumProblem {
				s.NumProblem = e.ProblemID + 1
			}
		}
	}
	return s
}
