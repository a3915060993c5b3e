package store

import (
	"github.com/mlebrun/mathgrader/internal/stats"
)

// latestCorrectionFilter restricts a corrections join to each
// submission's most recent correction, so re-graded submissions count
// once. Tie on corrected_at falls to the higher id.
const latestCorrectionFilter = `c.id = (
	SELECT c2.id FROM corrections c2
	WHERE c2.submission_id = c.submission_id
	ORDER BY c2.corrected_at DESC, c2.id DESC LIMIT 1
)`

func (s *Store) percentages(where string, args ...any) ([]float64, error) {
	rows, err := s.db.Query(
		`SELECT c.percentage FROM corrections c
		 JOIN submissions sub ON sub.id = c.submission_id
		 WHERE `+where+` AND `+latestCorrectionFilter+`
		 ORDER BY sub.submitted_at, sub.id`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var percentages []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		percentages = append(percentages, p)
	}
	return percentages, rows.Err()
}

// ExamPercentages returns the latest correction percentage of every
// corrected submission for an exam.
func (s *Store) ExamPercentages(examID string) ([]float64, error) {
	return s.percentages(`sub.exam_id = ?`, examID)
}

// StudentPercentages returns a student's latest percentage per
// submission, across all exams.
func (s *Store) StudentPercentages(studentID string) ([]float64, error) {
	return s.percentages(`sub.student_id = ?`, studentID)
}

// ClassPercentages returns latest percentages for every submission by a
// student of the given class, plus the class head count.
func (s *Store) ClassPercentages(className string) ([]float64, int, error) {
	percentages, err := s.percentages(
		`sub.student_id IN (SELECT id FROM students WHERE class_name = ?)`, className,
	)
	if err != nil {
		return nil, 0, err
	}
	var count int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM students WHERE class_name = ?`, className).Scan(&count)
	if err != nil {
		return nil, 0, err
	}
	return percentages, count, nil
}

// AllPercentages returns the latest percentage of every corrected
// submission in the store.
func (s *Store) AllPercentages() ([]float64, error) {
	return s.percentages(`1 = 1`)
}

func (s *Store) skillOutcomes(where string, args ...any) ([]stats.SkillOutcome, error) {
	rows, err := s.db.Query(
		`SELECT qs.skill_name, qc.is_correct
		 FROM question_corrections qc
		 JOIN corrections c ON c.id = qc.correction_id
		 JOIN submissions sub ON sub.id = c.submission_id
		 JOIN question_skills qs ON qs.question_id = qc.question_id
		 WHERE `+where+` AND `+latestCorrectionFilter+`
		 ORDER BY sub.submitted_at, sub.id, qc.position, qs.position`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var outcomes []stats.SkillOutcome
	for rows.Next() {
		var o stats.SkillOutcome
		if err := rows.Scan(&o.Skill, &o.Correct); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// ExamSkillOutcomes returns per-question skill outcomes over the latest
// corrections of an exam, ready for mastery rollup.
func (s *Store) ExamSkillOutcomes(examID string) ([]stats.SkillOutcome, error) {
	return s.skillOutcomes(`sub.exam_id = ?`, examID)
}

// StudentSkillOutcomes returns a student's skill outcomes across all
// their latest corrections.
func (s *Store) StudentSkillOutcomes(studentID string) ([]stats.SkillOutcome, error) {
	return s.skillOutcomes(`sub.student_id = ?`, studentID)
}

func (s *Store) errorTags(where string, args ...any) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT qe.error_name
		 FROM qc_errors qe
		 JOIN question_corrections qc ON qc.id = qe.qc_id
		 JOIN corrections c ON c.id = qc.correction_id
		 JOIN submissions sub ON sub.id = c.submission_id
		 WHERE `+where+` AND `+latestCorrectionFilter+`
		 ORDER BY sub.submitted_at, sub.id, qc.position, qe.error_name`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ExamErrorTags returns every error tag occurrence in the latest
// corrections of an exam, one entry per occurrence.
func (s *Store) ExamErrorTags(examID string) ([]string, error) {
	return s.errorTags(`sub.exam_id = ?`, examID)
}

// StudentErrorTags returns a student's error tag occurrences across all
// their latest corrections.
func (s *Store) StudentErrorTags(studentID string) ([]string, error) {
	return s.errorTags(`sub.student_id = ?`, studentID)
}
