package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mlebrun/mathgrader/internal/model"
)

// SaveCorrection persists a correction, its per-question results and the
// error-tag edges in one transaction. Unknown error tags are created on
// first use. Corrections are append-only: re-grading a submission adds a
// new row and keeps the history.
func (s *Store) SaveCorrection(c *model.Correction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO corrections (id, submission_id, total_score, max_score, percentage, passed, overall_feedback, corrected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SubmissionID, c.TotalScore, c.MaxScore, c.Percentage, c.Passed, c.OverallFeedback, c.CorrectedAt,
	)
	if err != nil {
		return err
	}

	for i, qc := range c.Questions {
		_, err := tx.Exec(
			`INSERT INTO question_corrections (id, correction_id, question_id, position, score, max_score, is_correct, feedback, student_answer, correct_answer, step_by_step)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			qc.ID, c.ID, qc.QuestionID, i, qc.Score, qc.MaxScore, qc.IsCorrect, qc.Feedback, qc.StudentAnswer, qc.CorrectAnswer, qc.StepByStep,
		)
		if err != nil {
			return err
		}
		for _, tag := range qc.ErrorTypes {
			label := model.ErrorTypes[tag]
			_, err := tx.Exec(
				`INSERT INTO error_types (name, label) VALUES (?, ?)
				 ON CONFLICT(name) DO NOTHING`,
				tag, label,
			)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`INSERT INTO qc_errors (qc_id, error_name) VALUES (?, ?)`, qc.ID, tag)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// LatestCorrection returns the most recent correction for a submission,
// with its per-question results and summaries rebuilt from the graph.
// Returns ErrNotFound when the submission has never been corrected.
func (s *Store) LatestCorrection(submissionID string) (*model.Correction, error) {
	var c model.Correction
	err := s.db.QueryRow(
		`SELECT id, submission_id, total_score, max_score, percentage, passed, overall_feedback, corrected_at
		 FROM corrections WHERE submission_id = ?
		 ORDER BY corrected_at DESC, id DESC LIMIT 1`, submissionID,
	).Scan(&c.ID, &c.SubmissionID, &c.TotalScore, &c.MaxScore, &c.Percentage, &c.Passed, &c.OverallFeedback, &c.CorrectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("correction for submission %s: %w", submissionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadCorrectionDetails(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCorrections returns the full correction history for a submission,
// newest first.
func (s *Store) ListCorrections(submissionID string) ([]model.Correction, error) {
	rows, err := s.db.Query(
		`SELECT id, submission_id, total_score, max_score, percentage, passed, overall_feedback, corrected_at
		 FROM corrections WHERE submission_id = ?
		 ORDER BY corrected_at DESC, id DESC`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var corrections []model.Correction
	for rows.Next() {
		var c model.Correction
		if err := rows.Scan(&c.ID, &c.SubmissionID, &c.TotalScore, &c.MaxScore, &c.Percentage, &c.Passed, &c.OverallFeedback, &c.CorrectedAt); err != nil {
			return nil, err
		}
		corrections = append(corrections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range corrections {
		if err := s.loadCorrectionDetails(&corrections[i]); err != nil {
			return nil, err
		}
	}
	return corrections, nil
}

func (s *Store) loadCorrectionDetails(c *model.Correction) error {
	rows, err := s.db.Query(
		`SELECT id, question_id, score, max_score, is_correct, feedback, student_answer, correct_answer, step_by_step
		 FROM question_corrections WHERE correction_id = ? ORDER BY position`, c.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	var qcs []model.QuestionCorrection
	for rows.Next() {
		var qc model.QuestionCorrection
		if err := rows.Scan(&qc.ID, &qc.QuestionID, &qc.Score, &qc.MaxScore, &qc.IsCorrect, &qc.Feedback, &qc.StudentAnswer, &qc.CorrectAnswer, &qc.StepByStep); err != nil {
			return err
		}
		qcs = append(qcs, qc)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	c.ErrorsSummary = make(map[string]int)
	c.SkillsSummary = make(map[string]model.SkillTally)
	for i := range qcs {
		tags, err := s.questionCorrectionErrors(qcs[i].ID)
		if err != nil {
			return err
		}
		qcs[i].ErrorTypes = tags
		for _, tag := range tags {
			c.ErrorsSummary[tag]++
		}

		skills, err := s.questionSkills(qcs[i].QuestionID)
		if err != nil {
			return err
		}
		for _, skill := range skills {
			t := c.SkillsSummary[skill]
			t.Total++
			if qcs[i].IsCorrect {
				t.Correct++
			}
			c.SkillsSummary[skill] = t
		}
	}
	c.Questions = qcs
	return nil
}

func (s *Store) questionCorrectionErrors(qcID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT error_name FROM qc_errors WHERE qc_id = ? ORDER BY error_name`, qcID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// SeedErrorTypes loads a tag-to-label vocabulary. Existing tags keep
// their labels; tags later invented by the scorer coexist with the
// seeded ones.
func (s *Store) SeedErrorTypes(types map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for name, label := range types {
		_, err := tx.Exec(
			`INSERT INTO error_types (name, label) VALUES (?, ?)
			 ON CONFLICT(name) DO NOTHING`,
			name, label,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListErrorTypes returns every known error tag with its label.
func (s *Store) ListErrorTypes() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT name, label FROM error_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	types := make(map[string]string)
	for rows.Next() {
		var name, label string
		if err := rows.Scan(&name, &label); err != nil {
			return nil, err
		}
		types[name] = label
	}
	return types, rows.Err()
}
