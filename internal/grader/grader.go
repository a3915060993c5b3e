// Package grader orchestrates exam correction: per-question scoring
// through the equivalence cascade and the AI scorer, submission-level
// accumulation, and batch runs over many submissions.
package grader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mlebrun/mathgrader/internal/i18n"
	"github.com/mlebrun/mathgrader/internal/llm"
	"github.com/mlebrun/mathgrader/internal/mathexpr"
	"github.com/mlebrun/mathgrader/internal/model"
)

// ErrUnknownQuestion marks an answer referencing a question that does not
// belong to the submission's exam. Such answers are rejected at input
// validation, never silently scored as zero.
var ErrUnknownQuestion = errors.New("answer references unknown question")

// ErrPersist marks a persistence failure after scoring succeeded, so a
// caller can retry the write without re-invoking the costly AI scorer.
var ErrPersist = errors.New("persist correction")

// Scorer is the AI scoring contract the grader consumes.
type Scorer interface {
	Score(ctx context.Context, q model.Question, studentAnswer string, showSteps bool) (*llm.Verdict, error)
	GenerateFeedback(ctx context.Context, percentage float64, passed bool, errorsByType map[string]int, skills map[string]model.SkillTally) (string, error)
}

// Store is the slice of the result store the grader needs to run a full
// correction pipeline.
type Store interface {
	GetSubmission(id string) (model.Submission, error)
	GetExamQuestions(examID string) ([]model.Question, error)
	GetAnswers(submissionID string) ([]model.Answer, error)
	UpdateSubmissionStatus(id string, status model.SubmissionStatus) error
	SaveCorrection(c *model.Correction) error
}

// Grader corrects submissions. The configuration is immutable and passed
// in at construction; there is no ambient global state.
type Grader struct {
	scorer Scorer
	store  Store
	cfg    model.GradingConfig
}

// New creates a Grader.
func New(scorer Scorer, store Store, cfg model.GradingConfig) *Grader {
	return &Grader{scorer: scorer, store: store, cfg: cfg}
}

// CorrectQuestion grades a single question. answer may be nil; a nil or
// empty answer yields the fixed missing-answer record without touching
// the cascade or the scorer.
func (g *Grader) CorrectQuestion(ctx context.Context, q model.Question, answer *model.Answer) (model.QuestionCorrection, error) {
	qc := model.QuestionCorrection{
		ID:            uuid.NewString(),
		QuestionID:    q.ID,
		MaxScore:      q.MaxPoints,
		CorrectAnswer: q.CorrectAnswer,
		ErrorTypes:    []string{},
	}

	if answer == nil || mathexpr.Normalize(answer.Text) == "" {
		qc.Score = 0
		qc.IsCorrect = false
		qc.Feedback = i18n.T(g.cfg.Language, "feedback.no_answer")
		qc.ErrorTypes = []string{model.ErrorIncompleteAnswer}
		return qc, nil
	}
	qc.StudentAnswer = answer.Text

	// Deterministic correctness never needs AI confirmation.
	if mathexpr.Equivalent(answer.Text, q.CorrectAnswer) {
		qc.Score = q.MaxPoints
		qc.IsCorrect = true
		qc.Feedback = i18n.T(g.cfg.Language, "feedback.correct")
		return qc, nil
	}

	verdict, err := g.scorer.Score(ctx, q, answer.Text, g.cfg.ShowStepByStep)
	if err != nil {
		return model.QuestionCorrection{}, fmt.Errorf("score question %s: %w", q.ID, err)
	}

	score := verdict.PartialScore
	if score < 0 {
		score = 0
	}
	if score >= q.MaxPoints {
		// A full score implies correctness; the reverse is the scorer's
		// prerogative.
		score = q.MaxPoints
		qc.IsCorrect = true
	} else {
		qc.IsCorrect = verdict.IsCorrect
	}
	qc.Score = score
	qc.Feedback = verdict.Feedback
	if verdict.ErrorTypes != nil {
		qc.ErrorTypes = verdict.ErrorTypes
	}
	if g.cfg.ShowStepByStep {
		qc.StepByStep = verdict.StepByStep
	}
	return qc, nil
}

// CorrectSubmission grades every question of the exam in declared order
// and builds the submission's Correction. Any question-level scoring
// failure fails the whole submission; no partial Correction is returned.
func (g *Grader) CorrectSubmission(ctx context.Context, sub model.Submission, questions []model.Question, answers []model.Answer) (*model.Correction, error) {
	known := make(map[string]bool, len(questions))
	for _, q := range questions {
		known[q.ID] = true
	}
	byQuestion := make(map[string]*model.Answer, len(answers))
	for i := range answers {
		a := &answers[i]
		if !known[a.QuestionID] {
			return nil, fmt.Errorf("%w: answer %s -> question %s", ErrUnknownQuestion, a.ID, a.QuestionID)
		}
		byQuestion[a.QuestionID] = a
	}

	var (
		earned, total float64
		corrections   []model.QuestionCorrection
		errorsByType  = make(map[string]int)
		skills        = make(map[string]model.SkillTally)
	)

	for _, q := range questions {
		qc, err := g.CorrectQuestion(ctx, q, byQuestion[q.ID])
		if err != nil {
			return nil, fmt.Errorf("submission %s: %w", sub.ID, err)
		}
		corrections = append(corrections, qc)
		total += q.MaxPoints
		earned += qc.Score

		for _, tag := range qc.ErrorTypes {
			errorsByType[tag]++
		}
		// Every declared skill gets a tally, not just one.
		for _, skill := range q.Skills {
			t := skills[skill]
			t.Total++
			if qc.IsCorrect {
				t.Correct++
			}
			skills[skill] = t
		}
	}

	percentage := 0.0
	if total > 0 {
		percentage = round2(earned / total * 100)
	}
	passed := percentage >= g.cfg.PassingScore

	feedback, err := g.scorer.GenerateFeedback(ctx, percentage, passed, errorsByType, skills)
	if err != nil {
		// Feedback generation never blocks the numeric result.
		slog.Warn("feedback generation failed, using fallback", "submission_id", sub.ID, "error", err)
		feedback = g.fallbackFeedback(percentage)
	}

	return &model.Correction{
		ID:              uuid.NewString(),
		SubmissionID:    sub.ID,
		TotalScore:      earned,
		MaxScore:        total,
		Percentage:      percentage,
		Passed:          passed,
		OverallFeedback: feedback,
		CorrectedAt:     time.Now().UTC(),
		Questions:       corrections,
		ErrorsSummary:   errorsByType,
		SkillsSummary:   skills,
	}, nil
}

// Run executes the full correction pipeline for one submission: status
// transition to processing, scoring, atomic persistence, and the final
// status. On failure the submission lands in error with its answers
// retained so correction can be retried without re-upload.
func (g *Grader) Run(ctx context.Context, submissionID string) error {
	sub, err := g.store.GetSubmission(submissionID)
	if err != nil {
		return fmt.Errorf("get submission %s: %w", submissionID, err)
	}

	if err := g.store.UpdateSubmissionStatus(sub.ID, model.StatusProcessing); err != nil {
		return fmt.Errorf("start correction %s: %w", sub.ID, err)
	}

	questions, err := g.store.GetExamQuestions(sub.ExamID)
	if err != nil {
		g.markError(sub.ID)
		return fmt.Errorf("load questions for exam %s: %w", sub.ExamID, err)
	}
	answers, err := g.store.GetAnswers(sub.ID)
	if err != nil {
		g.markError(sub.ID)
		return fmt.Errorf("load answers for submission %s: %w", sub.ID, err)
	}

	correction, err := g.CorrectSubmission(ctx, sub, questions, answers)
	if err != nil {
		g.markError(sub.ID)
		return err
	}

	if err := g.store.SaveCorrection(correction); err != nil {
		g.markError(sub.ID)
		return fmt.Errorf("%w: submission %s: %v", ErrPersist, sub.ID, err)
	}

	if err := g.store.UpdateSubmissionStatus(sub.ID, model.StatusCorrected); err != nil {
		return fmt.Errorf("finish correction %s: %w", sub.ID, err)
	}

	slog.Info("submission corrected",
		"submission_id", sub.ID,
		"percentage", correction.Percentage,
		"passed", correction.Passed,
	)
	return nil
}

func (g *Grader) markError(submissionID string) {
	if err := g.store.UpdateSubmissionStatus(submissionID, model.StatusError); err != nil {
		slog.Error("failed to mark submission as errored", "submission_id", submissionID, "error", err)
	}
}

// fallbackFeedback returns the fixed message for the percentage band.
func (g *Grader) fallbackFeedback(percentage float64) string {
	switch {
	case percentage >= 80:
		return i18n.T(g.cfg.Language, "feedback.band.excellent")
	case percentage >= 60:
		return i18n.T(g.cfg.Language, "feedback.band.good")
	case percentage >= g.cfg.PassingScore:
		return i18n.T(g.cfg.Language, "feedback.band.passed")
	default:
		return i18n.T(g.cfg.Language, "feedback.band.failed")
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
