package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mlebrun/mathgrader/internal/stats"
)

func (h *Handler) statsRoutes(r chi.Router) {
	r.Route("/stats", func(r chi.Router) {
		r.Get("/overall", h.handleOverallStats)
		r.Get("/exams/{examID}", h.handleExamStats)
		r.Get("/exams/{examID}/skills", h.handleExamSkills)
		r.Get("/exams/{examID}/errors", h.handleExamErrors)
		r.Get("/students/{studentID}", h.handleStudentStats)
		r.Get("/classes/{className}", h.handleClassStats)
	})
}

func (h *Handler) handleOverallStats(w http.ResponseWriter, r *http.Request) {
	percentages, err := h.store.AllPercentages()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats.Summarize(percentages, h.config.PassingScore))
}

func (h *Handler) handleExamStats(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if _, err := h.store.GetExam(examID); err != nil {
		respondError(w, err)
		return
	}
	percentages, err := h.store.ExamPercentages(examID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats.Summarize(percentages, h.config.PassingScore))
}

func (h *Handler) handleExamSkills(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if _, err := h.store.GetExam(examID); err != nil {
		respondError(w, err)
		return
	}
	outcomes, err := h.store.ExamSkillOutcomes(examID)
	if err != nil {
		respondError(w, err)
		return
	}
	mastery := stats.SkillMastery(outcomes)
	if mastery == nil {
		mastery = []stats.Mastery{}
	}
	respondJSON(w, http.StatusOK, mastery)
}

func (h *Handler) handleExamErrors(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if _, err := h.store.GetExam(examID); err != nil {
		respondError(w, err)
		return
	}
	tags, err := h.store.ExamErrorTags(examID)
	if err != nil {
		respondError(w, err)
		return
	}
	frequencies := stats.ErrorFrequencies(tags)
	if frequencies == nil {
		frequencies = []stats.ErrorFrequency{}
	}
	respondJSON(w, http.StatusOK, frequencies)
}

type studentStatsResponse struct {
	Summary stats.Summary          `json:"summary"`
	Skills  []stats.Mastery        `json:"skills"`
	Errors  []stats.ErrorFrequency `json:"errors"`
}

func (h *Handler) handleStudentStats(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	if _, err := h.store.GetStudent(studentID); err != nil {
		respondError(w, err)
		return
	}
	percentages, err := h.store.StudentPercentages(studentID)
	if err != nil {
		respondError(w, err)
		return
	}
	outcomes, err := h.store.StudentSkillOutcomes(studentID)
	if err != nil {
		respondError(w, err)
		return
	}
	tags, err := h.store.StudentErrorTags(studentID)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := studentStatsResponse{
		Summary: stats.Summarize(percentages, h.config.PassingScore),
		Skills:  stats.SkillMastery(outcomes),
		Errors:  stats.ErrorFrequencies(tags),
	}
	if resp.Skills == nil {
		resp.Skills = []stats.Mastery{}
	}
	if resp.Errors == nil {
		resp.Errors = []stats.ErrorFrequency{}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleClassStats(w http.ResponseWriter, r *http.Request) {
	className := chi.URLParam(r, "className")
	percentages, studentCount, err := h.store.ClassPercentages(className)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats.SummarizeClass(className, studentCount, percentages, h.config.PassingScore))
}
