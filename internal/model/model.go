package model

import (
	"time"
)

// QuestionType classifies a math question.
type QuestionType string

const (
	TypeCalculation QuestionType = "calculation"
	TypeWordProblem QuestionType = "word_problem"
	TypeFraction    QuestionType = "fraction"
	TypeDecimal     QuestionType = "decimal"
	TypePercentage  QuestionType = "percentage"
	TypeGeometry    QuestionType = "geometry"
	TypeEquation    QuestionType = "equation"
	TypeComparison  QuestionType = "comparison"
)

// SubmissionStatus represents the status of an exam submission.
type SubmissionStatus string

const (
	StatusPending    SubmissionStatus = "pending"
	StatusProcessing SubmissionStatus = "processing"
	StatusCorrected  SubmissionStatus = "corrected"
	StatusError      SubmissionStatus = "error"
)

// ErrorIncompleteAnswer tags a question with no (or an empty) student answer.
const ErrorIncompleteAnswer = "incomplete_answer"

// ErrorTypes maps error tag names to their human labels. Tags are created
// on first use and never deleted; this map seeds the well-known
// sixth-grade vocabulary.
var ErrorTypes = map[string]string{
	"calculation_error":   "Calculation Error",
	"conceptual_error":    "Conceptual Misunderstanding",
	"procedural_error":    "Wrong Procedure",
	"careless_mistake":    "Careless Mistake",
	ErrorIncompleteAnswer: "Incomplete Answer",
	"unit_error":          "Unit Error",
	"sign_error":          "Sign Error",
	"decimal_error":       "Decimal Point Error",
	"fraction_error":      "Fraction Error",
	"order_of_operations": "Order of Operations Error",
}

// Student represents an enrolled student.
type Student struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	StudentNumber string    `json:"student_number"`
	ClassName     string    `json:"class_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// Exam represents one exam paper.
type Exam struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Subject         string    `json:"subject"`
	GradeLevel      int       `json:"grade_level"`
	DurationMinutes int       `json:"duration_minutes"`
	CreatedAt       time.Time `json:"created_at"`
}

// Question represents a single exam question with its canonical answer.
// Skills lists the skill tags the question tests, in declared order.
type Question struct {
	ID            string       `json:"id"`
	ExamID        string       `json:"exam_id"`
	Number        int          `json:"number"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	CorrectAnswer string       `json:"correct_answer"`
	MaxPoints     float64      `json:"max_points"`
	Skills        []string     `json:"skills"`
	Topic         string       `json:"topic"`
}

// Submission represents a student's submitted exam paper.
type Submission struct {
	ID          string           `json:"id"`
	ExamID      string           `json:"exam_id"`
	StudentID   string           `json:"student_id"`
	Status      SubmissionStatus `json:"status"`
	RawText     string           `json:"raw_text,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

// Answer is a student's raw answer to one question.
type Answer struct {
	ID         string `json:"id"`
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
}

// QuestionCorrection is the graded result for one question.
type QuestionCorrection struct {
	ID            string   `json:"id"`
	QuestionID    string   `json:"question_id"`
	Score         float64  `json:"score"`
	MaxScore      float64  `json:"max_score"`
	IsCorrect     bool     `json:"is_correct"`
	Feedback      string   `json:"feedback"`
	ErrorTypes    []string `json:"error_types"`
	StudentAnswer string   `json:"student_answer"`
	CorrectAnswer string   `json:"correct_answer"`
	StepByStep    *string  `json:"step_by_step,omitempty"`
}

// Correction is the graded result for a whole submission.
// Re-correction creates a new Correction; prior ones are kept as history.
type Correction struct {
	ID              string                `json:"id"`
	SubmissionID    string                `json:"submission_id"`
	TotalScore      float64               `json:"total_score"`
	MaxScore        float64               `json:"max_score"`
	Percentage      float64               `json:"percentage"`
	Passed          bool                  `json:"passed"`
	OverallFeedback string                `json:"overall_feedback"`
	CorrectedAt     time.Time             `json:"corrected_at"`
	Questions       []QuestionCorrection  `json:"questions"`
	ErrorsSummary   map[string]int        `json:"errors_summary"`
	SkillsSummary   map[string]SkillTally `json:"skills_summary"`
}

// SkillTally counts correct answers out of total for one skill.
type SkillTally struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// GradingConfig holds the externally supplied grading parameters. It is
// read once per correction run and passed explicitly; there is no ambient
// global configuration.
type GradingConfig struct {
	PassingScore   float64 // percentage threshold for the pass flag
	StrictGrading  bool    // reduces partial credit via the strict prompt variant
	ShowStepByStep bool    // ask the scorer for a step-by-step solution
	Language       string  // locale for student-facing fallback feedback
}

// BatchItemError describes one failed submission in a batch run.
type BatchItemError struct {
	SubmissionID string `json:"submission_id"`
	Err          string `json:"error"`
}

// BatchResult reports per-submission outcomes of a batch correction.
// One submission's failure never aborts the others.
type BatchResult struct {
	Succeeded []string         `json:"succeeded"`
	Failed    []BatchItemError `json:"failed"`
}

// AllowedTransitions is the submission state machine: pending moves to
// processing when correction starts, processing resolves to corrected or
// error, corrected may re-enter processing for a re-grade, and error can
// only be reset back to pending explicitly.
var AllowedTransitions = map[SubmissionStatus][]SubmissionStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCorrected, StatusError},
	StatusCorrected:  {StatusProcessing},
	StatusError:      {StatusPending},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to SubmissionStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
