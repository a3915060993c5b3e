// Package stats computes rollups over correction results: score
// summaries, per-skill mastery and error-type frequencies. All functions
// are pure; empty inputs yield zero values, never a division by zero.
package stats

import "sort"

// Summary describes a set of correction percentages.
type Summary struct {
	Count    int     `json:"count"`
	Average  float64 `json:"average"`
	PassRate float64 `json:"pass_rate"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// Summarize computes count, arithmetic mean, pass rate against the given
// threshold, and min/max over correction percentages.
func Summarize(percentages []float64, passingScore float64) Summary {
	if len(percentages) == 0 {
		return Summary{}
	}

	var sum float64
	passed := 0
	min, max := percentages[0], percentages[0]
	for _, p := range percentages {
		sum += p
		if p >= passingScore {
			passed++
		}
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}

	n := float64(len(percentages))
	return Summary{
		Count:    len(percentages),
		Average:  sum / n,
		PassRate: float64(passed) / n * 100,
		Min:      min,
		Max:      max,
	}
}

// SkillOutcome is one graded question's contribution to one skill.
type SkillOutcome struct {
	Skill   string
	Correct bool
}

// Mastery is the per-skill success rate.
type Mastery struct {
	Skill   string  `json:"skill"`
	Correct int     `json:"correct"`
	Total   int     `json:"total"`
	Mastery float64 `json:"mastery"`
}

// SkillMastery groups outcomes by skill and returns mastery percentages
// sorted ascending, worst skill first, so consumers can surface weak
// areas. Ties keep the order skills were first seen in.
func SkillMastery(outcomes []SkillOutcome) []Mastery {
	byName := make(map[string]*Mastery)
	var order []string
	for _, o := range outcomes {
		m, ok := byName[o.Skill]
		if !ok {
			m = &Mastery{Skill: o.Skill}
			byName[o.Skill] = m
			order = append(order, o.Skill)
		}
		m.Total++
		if o.Correct {
			m.Correct++
		}
	}

	result := make([]Mastery, 0, len(order))
	for _, name := range order {
		m := byName[name]
		m.Mastery = float64(m.Correct) / float64(m.Total) * 100
		result = append(result, *m)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Mastery < result[j].Mastery
	})
	return result
}

// ErrorFrequency is the occurrence count of one error tag.
type ErrorFrequency struct {
	ErrorType string `json:"error_type"`
	Count     int    `json:"count"`
}

// ErrorFrequencies counts error tags and returns them sorted descending
// by count; ties keep first-seen order.
func ErrorFrequencies(tags []string) []ErrorFrequency {
	counts := make(map[string]int)
	var order []string
	for _, tag := range tags {
		if _, ok := counts[tag]; !ok {
			order = append(order, tag)
		}
		counts[tag]++
	}

	result := make([]ErrorFrequency, 0, len(order))
	for _, tag := range order {
		result = append(result, ErrorFrequency{ErrorType: tag, Count: counts[tag]})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Count > result[j].Count
	})
	return result
}

// ClassSummary extends Summary with cohort counts.
type ClassSummary struct {
	ClassName     string  `json:"class_name"`
	TotalStudents int     `json:"total_students"`
	ExamsTaken    int     `json:"total_exams_taken"`
	Average       float64 `json:"average_score"`
	PassRate      float64 `json:"pass_rate"`
}

// SummarizeClass rolls up a class cohort: student head count plus the
// score summary of every correction its students received.
func SummarizeClass(className string, studentCount int, percentages []float64, passingScore float64) ClassSummary {
	s := Summarize(percentages, passingScore)
	return ClassSummary{
		ClassName:     className,
		TotalStudents: studentCount,
		ExamsTaken:    s.Count,
		Average:       s.Average,
		PassRate:      s.PassRate,
	}
}
