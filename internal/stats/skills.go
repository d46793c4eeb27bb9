package stats

import "sort"

// SkillSummary aggregates observed and predicted performance for one skill.
type SkillSummary struct {
	Skill     int
	Attempts  int
	Correct   int
	Predicted float64 // mean predicted probability
}

// Accuracy returns the observed success rate; an unseen skill counts as 1.
func (s SkillSummary) Accuracy() float64 {
	if s.Attempts == 0 {
		return 1
	}
	return float64(s.Correct) / float64(s.Attempts)
}

// SummarizeSkills groups flattened evaluation rows by skill, ordered by id.
func SummarizeSkills(skills []int, labels, preds []float64) []SkillSummary {
	bySkill := map[int]*SkillSummary{}
	for i, sk := range skills {
		s, ok := bySkill[sk]
		if !ok {
			s = &SkillSummary{Skill: sk}
			bySkill[sk] = s
		}
		s.Attempts++
		if labels[i] > threshold {
			s.Correct++
		}
		s.Predicted += preds[i]
	}
	out := make([]SkillSummary, 0, len(bySkill))
	for _, s := range bySkill {
		s.Predicted /= float64(s.Attempts)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Skill < out[j].Skill })
	return out
}

// WeakestSkills returns up to top skills with the lowest predicted mastery.
func WeakestSkills(summaries []SkillSummary, top int) []SkillSummary {
	candidates := make([]SkillSummary, len(summaries))
	copy(candidates, summaries)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Predicted == candidates[j].Predicted {
			return candidates[i].Skill < candidates[j].Skill
		}
		return candidates[i].Predicted < candidates[j].Predicted
	})
	if top <= 0 || top > len(candidates) {
		top = len(candidates)
	}
	return candidates[:top]
}

// MovingAverage smooths a loss or metric history with a trailing window.
func MovingAverage(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	if window <= 1 {
		copy(out, values)
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		n := i + 1
		if i >= window {
			sum -= values[i-window]
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}
