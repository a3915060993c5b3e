package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/mlebrun/mathgrader/internal/grader"
	"github.com/mlebrun/mathgrader/internal/i18n"
	"github.com/mlebrun/mathgrader/internal/llm"
	"github.com/mlebrun/mathgrader/internal/model"
	"github.com/mlebrun/mathgrader/internal/stats"
	"github.com/mlebrun/mathgrader/internal/store"
)

func TestMain(m *testing.M) {
	if err := i18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type stubScorer struct {
	verdict  *llm.Verdict
	scoreErr error
}

func (s *stubScorer) Score(ctx context.Context, q model.Question, answer string, showSteps bool) (*llm.Verdict, error) {
	if s.scoreErr != nil {
		return nil, s.scoreErr
	}
	if s.verdict != nil {
		return s.verdict, nil
	}
	return &llm.Verdict{IsCorrect: false, PartialScore: 0, ErrorTypes: []string{"calculation_error"}, Feedback: "incorrect"}, nil
}

func (s *stubScorer) GenerateFeedback(ctx context.Context, percentage float64, passed bool, errorsByType map[string]int, skills map[string]model.SkillTally) (string, error) {
	return "overall feedback", nil
}

func newTestServer(t *testing.T, scorer grader.Scorer) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := model.GradingConfig{PassingScore: 50, Language: "en"}
	g := grader.New(scorer, st, cfg)
	h := New(st, g, cfg)

	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func createExam(t *testing.T, baseURL string) examResponse {
	t.Helper()
	var exam examResponse
	resp := doJSON(t, http.MethodPost, baseURL+"/api/exams", createExamRequest{
		Title:      "Fractions quiz",
		GradeLevel: 6,
		Questions: []createQuestionRequest{
			{Number: 1, Text: "Compute 1/2 + 3/4", Type: model.TypeFraction, CorrectAnswer: "5/4", MaxPoints: 2, Skills: []string{"fraction_addition"}},
			{Number: 2, Text: "What is 10% of 50?", Type: model.TypePercentage, CorrectAnswer: "5", MaxPoints: 3, Skills: []string{"percentages"}},
		},
	}, &exam)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create exam status = %d", resp.StatusCode)
	}
	return exam
}

func createStudent(t *testing.T, baseURL, name, class string) model.Student {
	t.Helper()
	var student model.Student
	resp := doJSON(t, http.MethodPost, baseURL+"/api/students", createStudentRequest{
		Name: name, ClassName: class,
	}, &student)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create student status = %d", resp.StatusCode)
	}
	return student
}

func createSubmission(t *testing.T, baseURL string, exam examResponse, studentID string, answers map[int]string) model.Submission {
	t.Helper()
	req := createSubmissionRequest{ExamID: exam.ID, StudentID: studentID}
	for i, q := range exam.Questions {
		if text, ok := answers[i]; ok {
			req.Answers = append(req.Answers, createAnswerRequest{QuestionID: q.ID, Text: text})
		}
	}
	var sub model.Submission
	resp := doJSON(t, http.MethodPost, baseURL+"/api/submissions", req, &sub)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create submission status = %d", resp.StatusCode)
	}
	return sub
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubScorer{})
	var body map[string]string
	resp := doJSON(t, http.MethodGet, srv.URL+"/health", nil, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestExamLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, &stubScorer{})
	exam := createExam(t, srv.URL)

	var got examResponse
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/exams/"+exam.ID, nil, &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get exam status = %d", resp.StatusCode)
	}
	if got.Title != "Fractions quiz" || len(got.Questions) != 2 {
		t.Errorf("unexpected exam: %+v", got)
	}
	if got.Questions[0].Skills[0] != "fraction_addition" {
		t.Errorf("skills not returned: %+v", got.Questions[0])
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/exams/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing exam status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateExamValidation(t *testing.T) {
	srv, _ := newTestServer(t, &stubScorer{})
	tests := []struct {
		name string
		req  createExamRequest
	}{
		{"no title", createExamRequest{Questions: []createQuestionRequest{{Text: "q", CorrectAnswer: "1", MaxPoints: 1}}}},
		{"no questions", createExamRequest{Title: "t"}},
		{"zero points", createExamRequest{Title: "t", Questions: []createQuestionRequest{{Text: "q", CorrectAnswer: "1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/exams", tt.req, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestCreateSubmissionRejectsUnknownQuestion(t *testing.T) {
	srv, _ := newTestServer(t, &stubScorer{})
	exam := createExam(t, srv.URL)
	student := createStudent(t, srv.URL, "Ada", "6A")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/submissions", createSubmissionRequest{
		ExamID:    exam.ID,
		StudentID: student.ID,
		Answers:   []createAnswerRequest{{QuestionID: "not-a-question", Text: "42"}},
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCorrectFlow(t *testing.T) {
	srv, _ := newTestServer(t, &stubScorer{})
	exam := createExam(t, srv.URL)
	student := createStudent(t, srv.URL, "Ada", "6A")
	// Both answers match deterministically; the stub scorer is never
	// consulted.
	sub := createSubmission(t, srv.URL, exam, student.ID, map[int]string{0: "1.25", 1: "5"})

	var correction model.Correction
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/submissions/"+sub.ID+"/correct", nil, &correction)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("correct status = %d", resp.StatusCode)
	}
	if correction.Percentage != 100 || !correction.Passed {
		t.Errorf("unexpected correction: %+v", correction)
	}
	if len(correction.Questions) != 2 {
		t.Errorf("expected 2 question corrections, got %d", len(correction.Questions))
	}

	var got model.Submission
	doJSON(t, http.MethodGet, srv.URL+"/api/submissions/"+sub.ID, nil, &got)
	if got.Status != model.StatusCorrected {
		t.Errorf("submission status = %s, want corrected", got.Status)
	}

	var latest model.Correction
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/submissions/"+sub.ID+"/correction", nil, &latest)
	if resp.StatusCode != http.StatusOK || latest.ID != correction.ID {
		t.Errorf("latest correction mismatch: %d %+v", resp.StatusCode, latest)
	}
}

func TestCorrectionNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &stubScorer{})
	exam := createExam(t, srv.URL)
	student := createStudent(t, srv.URL, "Ada", "6A")
	sub := createSubmission(t, srv.URL, exam, student.ID, map[int]string{0: "1.25"})

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/submissions/"+sub.ID+"/correction", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCorrectAIFailure(t *testing.T) {
	srv, _ := newTestServer(t, &stubScorer{scoreErr: fmt.Errorf("%w: down", llm.ErrAIService)})
	exam := createExam(t, srv.URL)
	student := createStudent(t, srv.URL, "Ada", "6A")
	// A wrong answer forces the AI path, which fails.
	sub := createSubmission(t, srv.URL, exam, student.ID, map[int]string{0: "7"})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/submissions/"+sub.ID+"/correct", nil, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}

	var got model.Submission
	doJSON(t, http.MethodGet, srv.URL+"/api/submissions/"+sub.ID, nil, &got)
	if got.Status != model.StatusError {
		t.Errorf("submission status = %s, want error", got.Status)
	}
}

func TestCorrectBatchPartialFailure(t *testing.T) {
	srv, _ := newTestServer(t, &stubScorer{scoreErr: fmt.Errorf("%w: down", llm.ErrAIService)})
	exam := createExam(t, srv.URL)
	student := createStudent(t, srv.URL, "Ada", "6A")
	good := createSubmission(t, srv.URL, exam, student.ID, map[int]string{0: "1.25", 1: "5"})
	bad := createSubmission(t, srv.URL, exam, student.ID, map[int]string{0: "7", 1: "5"})

	var result model.BatchResult
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/submissions/correct-batch", correctBatchRequest{
		SubmissionIDs: []string{good.ID, bad.ID},
	}, &result)
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", resp.StatusCode)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != good.ID {
		t.Errorf("unexpected successes: %v", result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0].SubmissionID != bad.ID {
		t.Errorf("unexpected failures: %+v", result.Failed)
	}
}

func TestStatsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &stubScorer{
		verdict: &llm.Verdict{IsCorrect: false, PartialScore: 1, ErrorTypes: []string{"decimal_error"}, Feedback: "check the decimal point"},
	})
	exam := createExam(t, srv.URL)
	ada := createStudent(t, srv.URL, "Ada", "6A")
	ben := createStudent(t, srv.URL, "Ben", "6A")

	// Ada: all correct (100%). Ben: q1 correct, q2 partial (3/5 = 60%).
	adaSub := createSubmission(t, srv.URL, exam, ada.ID, map[int]string{0: "1.25", 1: "5"})
	benSub := createSubmission(t, srv.URL, exam, ben.ID, map[int]string{0: "5/4", 1: "6"})
	for _, id := range []string{adaSub.ID, benSub.ID} {
		if resp := doJSON(t, http.MethodPost, srv.URL+"/api/submissions/"+id+"/correct", nil, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("correct %s status = %d", id, resp.StatusCode)
		}
	}

	var summary stats.Summary
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/stats/exams/"+exam.ID, nil, &summary)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("exam stats status = %d", resp.StatusCode)
	}
	if summary.Count != 2 || summary.Average != 80 || summary.Min != 60 || summary.Max != 100 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.PassRate != 100 {
		t.Errorf("pass rate = %v, want 100", summary.PassRate)
	}

	var mastery []stats.Mastery
	doJSON(t, http.MethodGet, srv.URL+"/api/stats/exams/"+exam.ID+"/skills", nil, &mastery)
	if len(mastery) != 2 {
		t.Fatalf("expected 2 skills, got %+v", mastery)
	}
	// Weakest skill first: percentages was missed by Ben.
	if mastery[0].Skill != "percentages" || mastery[0].Mastery != 50 {
		t.Errorf("unexpected weakest skill: %+v", mastery[0])
	}

	var frequencies []stats.ErrorFrequency
	doJSON(t, http.MethodGet, srv.URL+"/api/stats/exams/"+exam.ID+"/errors", nil, &frequencies)
	if len(frequencies) != 1 || frequencies[0].ErrorType != "decimal_error" || frequencies[0].Count != 1 {
		t.Errorf("unexpected error frequencies: %+v", frequencies)
	}

	var studentStats studentStatsResponse
	doJSON(t, http.MethodGet, srv.URL+"/api/stats/students/"+ben.ID, nil, &studentStats)
	if studentStats.Summary.Count != 1 || studentStats.Summary.Average != 60 {
		t.Errorf("unexpected student summary: %+v", studentStats.Summary)
	}

	var classSummary stats.ClassSummary
	doJSON(t, http.MethodGet, srv.URL+"/api/stats/classes/6A", nil, &classSummary)
	if classSummary.TotalStudents != 2 || classSummary.ExamsTaken != 2 || classSummary.Average != 80 {
		t.Errorf("unexpected class summary: %+v", classSummary)
	}
}
