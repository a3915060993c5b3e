package grader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/mlebrun/mathgrader/internal/i18n"
	"github.com/mlebrun/mathgrader/internal/llm"
	"github.com/mlebrun/mathgrader/internal/model"
)

func TestMain(m *testing.M) {
	if err := i18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeScorer returns canned verdicts and records call counts.
type fakeScorer struct {
	mu          sync.Mutex
	verdict     *llm.Verdict
	scoreErr    error
	feedback    string
	feedbackErr error
	scoreCalls  int
}

func (f *fakeScorer) Score(_ context.Context, q model.Question, _ string, _ bool) (*llm.Verdict, error) {
	f.mu.Lock()
	f.scoreCalls++
	f.mu.Unlock()
	if f.scoreErr != nil {
		return nil, f.scoreErr
	}
	return f.verdict, nil
}

func (f *fakeScorer) GenerateFeedback(_ context.Context, _ float64, _ bool, _ map[string]int, _ map[string]model.SkillTally) (string, error) {
	if f.feedbackErr != nil {
		return "", f.feedbackErr
	}
	return f.feedback, nil
}

func (f *fakeScorer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scoreCalls
}

func defaultConfig() model.GradingConfig {
	return model.GradingConfig{
		PassingScore:   50,
		ShowStepByStep: true,
		Language:       "en",
	}
}

func question(id string, max float64, answer string, skills ...string) model.Question {
	return model.Question{
		ID:            id,
		Text:          "Q " + id,
		Type:          model.TypeCalculation,
		CorrectAnswer: answer,
		MaxPoints:     max,
		Skills:        skills,
	}
}

func TestCorrectQuestionMissingAnswer(t *testing.T) {
	scorer := &fakeScorer{}
	g := New(scorer, nil, defaultConfig())
	q := question("q1", 3, "42")

	for _, answer := range []*model.Answer{
		nil,
		{ID: "a1", QuestionID: "q1", Text: ""},
		{ID: "a2", QuestionID: "q1", Text: "   "},
	} {
		qc, err := g.CorrectQuestion(context.Background(), q, answer)
		if err != nil {
			t.Fatalf("CorrectQuestion: %v", err)
		}
		if qc.Score != 0 || qc.IsCorrect {
			t.Errorf("missing answer must score zero: %+v", qc)
		}
		if len(qc.ErrorTypes) != 1 || qc.ErrorTypes[0] != model.ErrorIncompleteAnswer {
			t.Errorf("expected incomplete_answer tag, got %v", qc.ErrorTypes)
		}
		if qc.Feedback != "No answer provided" {
			t.Errorf("unexpected feedback: %q", qc.Feedback)
		}
	}
	if scorer.calls() != 0 {
		t.Errorf("missing answers must not reach the scorer, got %d calls", scorer.calls())
	}
}

func TestCorrectQuestionDeterministicMatch(t *testing.T) {
	scorer := &fakeScorer{}
	g := New(scorer, nil, defaultConfig())

	// "5/4" vs "1.25": raw strings differ, numeric equivalence after
	// normalization.
	q := question("q1", 2, "5/4")
	qc, err := g.CorrectQuestion(context.Background(), q, &model.Answer{ID: "a1", QuestionID: "q1", Text: "1.25"})
	if err != nil {
		t.Fatalf("CorrectQuestion: %v", err)
	}
	if !qc.IsCorrect || qc.Score != 2 {
		t.Errorf("expected full credit, got %+v", qc)
	}
	if len(qc.ErrorTypes) != 0 {
		t.Errorf("expected no error tags, got %v", qc.ErrorTypes)
	}
	if scorer.calls() != 0 {
		t.Error("deterministic matches must not invoke the scorer")
	}
}

func TestCorrectQuestionUnitNormalization(t *testing.T) {
	g := New(&fakeScorer{}, nil, defaultConfig())
	q := question("q1", 1, "26 cm")
	qc, err := g.CorrectQuestion(context.Background(), q, &model.Answer{ID: "a1", QuestionID: "q1", Text: "26cm"})
	if err != nil {
		t.Fatalf("CorrectQuestion: %v", err)
	}
	if !qc.IsCorrect {
		t.Errorf("unit-stripped forms should be equivalent: %+v", qc)
	}
}

func TestCorrectQuestionAIVerdict(t *testing.T) {
	steps := "step by step"
	scorer := &fakeScorer{verdict: &llm.Verdict{
		IsCorrect:    false,
		PartialScore: 1,
		ErrorTypes:   []string{"calculation_error"},
		Feedback:     "Check your arithmetic.",
		StepByStep:   &steps,
	}}
	g := New(scorer, nil, defaultConfig())
	q := question("q1", 2, "42")

	qc, err := g.CorrectQuestion(context.Background(), q, &model.Answer{ID: "a1", QuestionID: "q1", Text: "40"})
	if err != nil {
		t.Fatalf("CorrectQuestion: %v", err)
	}
	if qc.Score != 1 || qc.IsCorrect {
		t.Errorf("unexpected mapping: %+v", qc)
	}
	if qc.Feedback != "Check your arithmetic." {
		t.Errorf("unexpected feedback: %q", qc.Feedback)
	}
	if len(qc.ErrorTypes) != 1 || qc.ErrorTypes[0] != "calculation_error" {
		t.Errorf("unexpected error tags: %v", qc.ErrorTypes)
	}
	if qc.StepByStep == nil || *qc.StepByStep != steps {
		t.Error("expected step_by_step to be mapped")
	}
	if scorer.calls() != 1 {
		t.Errorf("expected one scorer call, got %d", scorer.calls())
	}
}

func TestCorrectQuestionClampsScore(t *testing.T) {
	tests := []struct {
		name        string
		partial     float64
		wantScore   float64
		wantCorrect bool
	}{
		{"above max forces correct", 5, 2, true},
		{"negative clamps to zero", -1, 0, false},
		{"exactly max forces correct", 2, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scorer := &fakeScorer{verdict: &llm.Verdict{
				IsCorrect:    false,
				PartialScore: tt.partial,
				ErrorTypes:   []string{},
				Feedback:     "x",
			}}
			g := New(scorer, nil, defaultConfig())
			qc, err := g.CorrectQuestion(context.Background(), question("q1", 2, "42"), &model.Answer{ID: "a1", QuestionID: "q1", Text: "41"})
			if err != nil {
				t.Fatalf("CorrectQuestion: %v", err)
			}
			if qc.Score != tt.wantScore || qc.IsCorrect != tt.wantCorrect {
				t.Errorf("got score=%v correct=%v, want score=%v correct=%v", qc.Score, qc.IsCorrect, tt.wantScore, tt.wantCorrect)
			}
		})
	}
}

func TestCorrectQuestionAIFailurePropagates(t *testing.T) {
	scorer := &fakeScorer{scoreErr: fmt.Errorf("%w: timeout", llm.ErrAIService)}
	g := New(scorer, nil, defaultConfig())
	_, err := g.CorrectQuestion(context.Background(), question("q1", 2, "42"), &model.Answer{ID: "a1", QuestionID: "q1", Text: "41"})
	if !errors.Is(err, llm.ErrAIService) {
		t.Fatalf("expected ErrAIService, got %v", err)
	}
}

func TestCorrectSubmission(t *testing.T) {
	scorer := &fakeScorer{
		verdict: &llm.Verdict{
			IsCorrect:    false,
			PartialScore: 1,
			ErrorTypes:   []string{"sign_error"},
			Feedback:     "watch the sign",
		},
		feedback: "Overall: nice effort.",
	}
	g := New(scorer, nil, defaultConfig())

	questions := []model.Question{
		question("q1", 2, "4", "addition"),
		question("q2", 2, "10", "multiplication", "reasoning"),
		question("q3", 3, "7", "addition"),
	}
	answers := []model.Answer{
		{ID: "a1", QuestionID: "q1", Text: "2+2"}, // deterministic full credit
		{ID: "a2", QuestionID: "q2", Text: "-10"}, // AI path, 1 of 2
		// q3 unanswered
	}
	sub := model.Submission{ID: "sub1", ExamID: "exam1"}

	c, err := g.CorrectSubmission(context.Background(), sub, questions, answers)
	if err != nil {
		t.Fatalf("CorrectSubmission: %v", err)
	}

	if c.TotalScore != 3 || c.MaxScore != 7 {
		t.Errorf("totals = %v/%v, want 3/7", c.TotalScore, c.MaxScore)
	}
	if c.Percentage != 42.86 {
		t.Errorf("percentage = %v, want 42.86", c.Percentage)
	}
	if c.Passed {
		t.Error("42.86 should not pass at threshold 50")
	}
	if len(c.Questions) != 3 {
		t.Fatalf("expected 3 question corrections, got %d", len(c.Questions))
	}
	// Declared question order is preserved.
	if c.Questions[0].QuestionID != "q1" || c.Questions[2].QuestionID != "q3" {
		t.Errorf("question order not preserved: %+v", c.Questions)
	}
	if c.ErrorsSummary["sign_error"] != 1 || c.ErrorsSummary[model.ErrorIncompleteAnswer] != 1 {
		t.Errorf("unexpected errors summary: %v", c.ErrorsSummary)
	}
	// addition: q1 correct + q3 missing = 1/2; both skills of q2 tally.
	if got := c.SkillsSummary["addition"]; got.Correct != 1 || got.Total != 2 {
		t.Errorf("addition tally = %+v, want 1/2", got)
	}
	if got := c.SkillsSummary["multiplication"]; got.Correct != 0 || got.Total != 1 {
		t.Errorf("multiplication tally = %+v, want 0/1", got)
	}
	if got := c.SkillsSummary["reasoning"]; got.Total != 1 {
		t.Errorf("reasoning tally = %+v, want total 1", got)
	}
	if c.OverallFeedback != "Overall: nice effort." {
		t.Errorf("unexpected feedback: %q", c.OverallFeedback)
	}
}

func TestCorrectSubmissionUnknownQuestion(t *testing.T) {
	g := New(&fakeScorer{}, nil, defaultConfig())
	questions := []model.Question{question("q1", 2, "4")}
	answers := []model.Answer{{ID: "a1", QuestionID: "other-exam-q", Text: "4"}}

	_, err := g.CorrectSubmission(context.Background(), model.Submission{ID: "sub1"}, questions, answers)
	if !errors.Is(err, ErrUnknownQuestion) {
		t.Fatalf("expected ErrUnknownQuestion, got %v", err)
	}
}

func TestCorrectSubmissionEmptyExam(t *testing.T) {
	scorer := &fakeScorer{feedback: "n/a"}
	g := New(scorer, nil, defaultConfig())
	c, err := g.CorrectSubmission(context.Background(), model.Submission{ID: "sub1"}, nil, nil)
	if err != nil {
		t.Fatalf("CorrectSubmission: %v", err)
	}
	if c.Percentage != 0 || c.MaxScore != 0 {
		t.Errorf("empty exam must yield zero percentage, got %+v", c)
	}
}

func TestCorrectSubmissionFeedbackFallback(t *testing.T) {
	scorer := &fakeScorer{feedbackErr: fmt.Errorf("%w: down", llm.ErrAIService)}
	g := New(scorer, nil, defaultConfig())
	questions := []model.Question{question("q1", 1, "4")}
	answers := []model.Answer{{ID: "a1", QuestionID: "q1", Text: "4"}}

	c, err := g.CorrectSubmission(context.Background(), model.Submission{ID: "sub1"}, questions, answers)
	if err != nil {
		t.Fatalf("feedback failure must not fail the correction: %v", err)
	}
	if !strings.Contains(c.OverallFeedback, "Excellent work") {
		t.Errorf("expected 100%% band fallback, got %q", c.OverallFeedback)
	}
}

func TestCorrectSubmissionScoringFailureAborts(t *testing.T) {
	scorer := &fakeScorer{scoreErr: fmt.Errorf("%w: timeout", llm.ErrAIService)}
	g := New(scorer, nil, defaultConfig())
	questions := []model.Question{
		question("q1", 2, "4"),
		question("q2", 2, "9"),
	}
	answers := []model.Answer{
		{ID: "a1", QuestionID: "q1", Text: "4"},
		{ID: "a2", QuestionID: "q2", Text: "8"}, // wrong, triggers failing scorer
	}

	c, err := g.CorrectSubmission(context.Background(), model.Submission{ID: "sub1"}, questions, answers)
	if !errors.Is(err, llm.ErrAIService) {
		t.Fatalf("expected ErrAIService, got %v", err)
	}
	if c != nil {
		t.Error("no partial Correction may be returned on failure")
	}
}

func TestFallbackFeedbackBands(t *testing.T) {
	g := New(&fakeScorer{}, nil, defaultConfig())
	tests := []struct {
		percentage float64
		contains   string
	}{
		{95, "Excellent"},
		{70, "Good job"},
		{55, "You passed"},
		{20, "Keep practicing"},
	}
	for _, tt := range tests {
		got := g.fallbackFeedback(tt.percentage)
		if !strings.Contains(got, tt.contains) {
			t.Errorf("fallbackFeedback(%v) = %q, want substring %q", tt.percentage, got, tt.contains)
		}
	}
}
