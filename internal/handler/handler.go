// Package handler exposes the grading engine over a JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mlebrun/mathgrader/internal/grader"
	"github.com/mlebrun/mathgrader/internal/llm"
	"github.com/mlebrun/mathgrader/internal/model"
	"github.com/mlebrun/mathgrader/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	grader *grader.Grader
	config model.GradingConfig
}

// New creates a new Handler.
func New(s *store.Store, g *grader.Grader, cfg model.GradingConfig) *Handler {
	return &Handler{store: s, grader: g, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/exams", h.handleCreateExam)
		r.Get("/exams", h.handleListExams)
		r.Get("/exams/{examID}", h.handleGetExam)
		r.Get("/exams/{examID}/submissions", h.handleListSubmissions)

		r.Post("/students", h.handleCreateStudent)
		r.Get("/students", h.handleListStudents)
		r.Get("/students/{studentID}", h.handleGetStudent)

		r.Post("/submissions", h.handleCreateSubmission)
		r.Get("/submissions/{submissionID}", h.handleGetSubmission)
		r.Post("/submissions/{submissionID}/correct", h.handleCorrect)
		r.Post("/submissions/correct-batch", h.handleCorrectBatch)
		r.Get("/submissions/{submissionID}/correction", h.handleLatestCorrection)
		r.Get("/submissions/{submissionID}/corrections", h.handleCorrectionHistory)

		r.Get("/error-types", h.handleListErrorTypes)

		h.statsRoutes(r)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps known failure classes to status codes: missing
// entities to 404, state-machine conflicts to 409, bad input to 400 and
// AI scorer outages to 502.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, grader.ErrUnknownQuestion):
		status = http.StatusBadRequest
	case errors.Is(err, llm.ErrAIService):
		status = http.StatusBadGateway
	}
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

func respondBadRequest(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createExamRequest struct {
	Title           string                  `json:"title"`
	Subject         string                  `json:"subject"`
	GradeLevel      int                     `json:"grade_level"`
	DurationMinutes int                     `json:"duration_minutes"`
	Questions       []createQuestionRequest `json:"questions"`
}

type createQuestionRequest struct {
	Number        int                `json:"number"`
	Text          string             `json:"text"`
	Type          model.QuestionType `json:"type"`
	CorrectAnswer string             `json:"correct_answer"`
	MaxPoints     float64            `json:"max_points"`
	Skills        []string           `json:"skills"`
	Topic         string             `json:"topic"`
}

type examResponse struct {
	model.Exam
	Questions []model.Question `json:"questions"`
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req createExamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	if req.Title == "" {
		respondBadRequest(w, "title is required")
		return
	}
	if len(req.Questions) == 0 {
		respondBadRequest(w, "an exam needs at least one question")
		return
	}
	for _, q := range req.Questions {
		if q.MaxPoints <= 0 {
			respondBadRequest(w, "max_points must be positive")
			return
		}
	}

	exam := model.Exam{
		ID:              uuid.NewString(),
		Title:           req.Title,
		Subject:         req.Subject,
		GradeLevel:      req.GradeLevel,
		DurationMinutes: req.DurationMinutes,
		CreatedAt:       time.Now().UTC(),
	}
	if exam.Subject == "" {
		exam.Subject = "math"
	}

	questions := make([]model.Question, 0, len(req.Questions))
	for i, q := range req.Questions {
		number := q.Number
		if number == 0 {
			number = i + 1
		}
		questions = append(questions, model.Question{
			ID:            uuid.NewString(),
			ExamID:        exam.ID,
			Number:        number,
			Text:          q.Text,
			Type:          q.Type,
			CorrectAnswer: q.CorrectAnswer,
			MaxPoints:     q.MaxPoints,
			Skills:        q.Skills,
			Topic:         q.Topic,
		})
	}

	if err := h.store.CreateExam(exam, questions); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, examResponse{Exam: exam, Questions: questions})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams()
	if err != nil {
		respondError(w, err)
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	respondJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	exam, err := h.store.GetExam(examID)
	if err != nil {
		respondError(w, err)
		return
	}
	questions, err := h.store.GetExamQuestions(examID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, examResponse{Exam: exam, Questions: questions})
}

func (h *Handler) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if _, err := h.store.GetExam(examID); err != nil {
		respondError(w, err)
		return
	}
	subs, err := h.store.ListSubmissions(examID)
	if err != nil {
		respondError(w, err)
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	respondJSON(w, http.StatusOK, subs)
}

type createStudentRequest struct {
	Name          string `json:"name"`
	StudentNumber string `json:"student_number"`
	ClassName     string `json:"class_name"`
}

func (h *Handler) handleCreateStudent(w http.ResponseWriter, r *http.Request) {
	var req createStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		respondBadRequest(w, "name is required")
		return
	}

	student := model.Student{
		ID:            uuid.NewString(),
		Name:          req.Name,
		StudentNumber: req.StudentNumber,
		ClassName:     req.ClassName,
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.store.CreateStudent(student); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, student)
}

func (h *Handler) handleListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.store.ListStudents(r.URL.Query().Get("class"))
	if err != nil {
		respondError(w, err)
		return
	}
	if students == nil {
		students = []model.Student{}
	}
	respondJSON(w, http.StatusOK, students)
}

func (h *Handler) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	student, err := h.store.GetStudent(chi.URLParam(r, "studentID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, student)
}

type createSubmissionRequest struct {
	ExamID    string                `json:"exam_id"`
	StudentID string                `json:"student_id"`
	RawText   string                `json:"raw_text"`
	Answers   []createAnswerRequest `json:"answers"`
}

type createAnswerRequest struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
}

func (h *Handler) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}

	if _, err := h.store.GetExam(req.ExamID); err != nil {
		respondError(w, err)
		return
	}
	if _, err := h.store.GetStudent(req.StudentID); err != nil {
		respondError(w, err)
		return
	}

	// Answers naming questions outside the exam are rejected up front,
	// not silently scored as zero later.
	questions, err := h.store.GetExamQuestions(req.ExamID)
	if err != nil {
		respondError(w, err)
		return
	}
	known := make(map[string]bool, len(questions))
	for _, q := range questions {
		known[q.ID] = true
	}

	sub := model.Submission{
		ID:          uuid.NewString(),
		ExamID:      req.ExamID,
		StudentID:   req.StudentID,
		Status:      model.StatusPending,
		RawText:     req.RawText,
		SubmittedAt: time.Now().UTC(),
	}
	answers := make([]model.Answer, 0, len(req.Answers))
	for _, a := range req.Answers {
		if !known[a.QuestionID] {
			respondBadRequest(w, "answer references unknown question "+a.QuestionID)
			return
		}
		answers = append(answers, model.Answer{
			ID:         uuid.NewString(),
			QuestionID: a.QuestionID,
			Text:       a.Text,
		})
	}

	if err := h.store.CreateSubmission(sub, answers); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubmission(chi.URLParam(r, "submissionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleCorrect(w http.ResponseWriter, r *http.Request) {
	submissionID := chi.URLParam(r, "submissionID")
	if err := h.grader.Run(r.Context(), submissionID); err != nil {
		respondError(w, err)
		return
	}
	correction, err := h.store.LatestCorrection(submissionID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, correction)
}

type correctBatchRequest struct {
	SubmissionIDs []string `json:"submission_ids"`
	Concurrency   int64    `json:"concurrency"`
}

func (h *Handler) handleCorrectBatch(w http.ResponseWriter, r *http.Request) {
	var req correctBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	if len(req.SubmissionIDs) == 0 {
		respondBadRequest(w, "submission_ids is required")
		return
	}
	if req.Concurrency <= 0 {
		req.Concurrency = 4
	}

	result := h.grader.CorrectBatch(r.Context(), req.SubmissionIDs, req.Concurrency)
	if result.Succeeded == nil {
		result.Succeeded = []string{}
	}
	if result.Failed == nil {
		result.Failed = []model.BatchItemError{}
	}
	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, result)
}

func (h *Handler) handleLatestCorrection(w http.ResponseWriter, r *http.Request) {
	correction, err := h.store.LatestCorrection(chi.URLParam(r, "submissionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, correction)
}

func (h *Handler) handleCorrectionHistory(w http.ResponseWriter, r *http.Request) {
	corrections, err := h.store.ListCorrections(chi.URLParam(r, "submissionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	if corrections == nil {
		corrections = []model.Correction{}
	}
	respondJSON(w, http.StatusOK, corrections)
}

func (h *Handler) handleListErrorTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.store.ListErrorTypes()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, types)
}
