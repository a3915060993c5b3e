package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mlebrun/mathgrader/internal/grader"
	"github.com/mlebrun/mathgrader/internal/handler"
	appI18n "github.com/mlebrun/mathgrader/internal/i18n"
	"github.com/mlebrun/mathgrader/internal/llm"
	"github.com/mlebrun/mathgrader/internal/llm/prompts"
	"github.com/mlebrun/mathgrader/internal/model"
	"github.com/mlebrun/mathgrader/internal/stats"
	"github.com/mlebrun/mathgrader/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mathgrader",
		Short: "AI-assisted math exam grading engine",
	}

	serve := serveCmd()
	root.AddCommand(serve, seedCmd(), correctCmd(), statsCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `mathgrader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "mathgrader.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Bool("reasoning", false, "Model emits reasoning tokens; use the longer timeout")
	f.Duration("score-timeout", 60*time.Second, "Timeout per scoring call")
	f.Duration("reasoning-timeout", 180*time.Second, "Timeout per scoring call for reasoning models")
}

func addGradingFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64("passing-score", 50, "Pass threshold as a percentage")
	f.Bool("strict", false, "Strict grading: reduced partial credit")
	f.Bool("show-steps", true, "Include step-by-step solutions in feedback")
	f.StringP("lang", "l", "en", "Feedback language (en, fr)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the grading HTTP server",
		RunE:  runServe,
	}
	cmd.Flags().StringP("addr", "a", ":8080", "HTTP listen address")
	cmd.Flags().String("seed-file", "", "Exam seed JSON to load on startup (optional)")
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	addGradingFlags(cmd)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the error taxonomy and an exam seed file",
		RunE:  runSeed,
	}
	cmd.Flags().StringP("file", "f", "", "Exam seed JSON path (required)")
	addCommonFlags(cmd)
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func correctCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correct",
		Short: "Correct submissions from the command line",
		RunE:  runCorrect,
	}
	f := cmd.Flags()
	f.StringSliceP("submission", "s", nil, "Submission IDs to correct (repeatable)")
	f.String("exam", "", "Correct every pending submission of this exam")
	f.Int64("concurrency", 4, "Parallel submissions in a batch")
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	addGradingFlags(cmd)
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print grading statistics as JSON",
		RunE:  runStats,
	}
	f := cmd.Flags()
	f.String("exam", "", "Exam ID to summarize")
	f.String("student", "", "Student ID to summarize")
	f.String("class", "", "Class name to summarize")
	f.Float64("passing-score", 50, "Pass threshold as a percentage")
	addCommonFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("MATHGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mathgrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/mathgrader")
	v.AddConfigPath("/etc/mathgrader")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func gradingConfig(v *viper.Viper) model.GradingConfig {
	return model.GradingConfig{
		PassingScore:   v.GetFloat64("passing-score"),
		StrictGrading:  v.GetBool("strict"),
		ShowStepByStep: v.GetBool("show-steps"),
		Language:       v.GetString("lang"),
	}
}

func newScorer(ctx context.Context, v *viper.Viper, cfg model.GradingConfig) (*llm.Client, error) {
	client := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		llm.Options{
			Variant:          prompts.ForConfig(cfg.StrictGrading),
			ScoreTimeout:     v.GetDuration("score-timeout"),
			ReasoningTimeout: v.GetDuration("reasoning-timeout"),
			Reasoning:        v.GetBool("reasoning"),
		},
	)
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	return client, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.SeedErrorTypes(model.ErrorTypes); err != nil {
		return fmt.Errorf("seed error taxonomy: %w", err)
	}
	if path := v.GetString("seed-file"); path != "" {
		if err := loadSeedFile(db, path); err != nil {
			return fmt.Errorf("load seed file: %w", err)
		}
	}

	cfg := gradingConfig(v)
	if err := appI18n.Init(cfg.Language); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	scorer, err := newScorer(cmd.Context(), v, cfg)
	if err != nil {
		return err
	}

	g := grader.New(scorer, db, cfg)
	h := handler.New(db, g, cfg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", cfg.Language,
		"passing_score", cfg.PassingScore,
		"strict", cfg.StrictGrading,
	)
	return http.ListenAndServe(addr, r)
}

func runSeed(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.SeedErrorTypes(model.ErrorTypes); err != nil {
		return fmt.Errorf("seed error taxonomy: %w", err)
	}
	return loadSeedFile(db, v.GetString("file"))
}

// seedFile is the on-disk shape of an exam seed: one exam with its
// questions, plus optional students.
type seedFile struct {
	Exam struct {
		Title           string `json:"title"`
		Subject         string `json:"subject"`
		GradeLevel      int    `json:"grade_level"`
		DurationMinutes int    `json:"duration_minutes"`
	} `json:"exam"`
	Questions []struct {
		Number        int                `json:"number"`
		Text          string             `json:"text"`
		Type          model.QuestionType `json:"type"`
		CorrectAnswer string             `json:"correct_answer"`
		MaxPoints     float64            `json:"max_points"`
		Skills        []string           `json:"skills"`
		Topic         string             `json:"topic"`
	} `json:"questions"`
	Students []struct {
		Name          string `json:"name"`
		StudentNumber string `json:"student_number"`
		ClassName     string `json:"class_name"`
	} `json:"students"`
}

func loadSeedFile(db *store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	hash := sha256sum(data)
	applied, err := db.SeedApplied(hash)
	if err != nil {
		return fmt.Errorf("check seed status: %w", err)
	}
	if applied {
		slog.Info("seed file unchanged, skipping", "path", path)
		return nil
	}

	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if seed.Exam.Title == "" || len(seed.Questions) == 0 {
		return fmt.Errorf("seed %s: an exam title and at least one question are required", path)
	}

	exam := model.Exam{
		ID:              uuid.NewString(),
		Title:           seed.Exam.Title,
		Subject:         seed.Exam.Subject,
		GradeLevel:      seed.Exam.GradeLevel,
		DurationMinutes: seed.Exam.DurationMinutes,
		CreatedAt:       time.Now().UTC(),
	}
	if exam.Subject == "" {
		exam.Subject = "math"
	}
	questions := make([]model.Question, 0, len(seed.Questions))
	for i, q := range seed.Questions {
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
	if err := db.CreateExam(exam, questions); err != nil {
		return fmt.Errorf("seed exam: %w", err)
	}

	for _, st := range seed.Students {
		err := db.CreateStudent(model.Student{
			ID:            uuid.NewString(),
			Name:          st.Name,
			StudentNumber: st.StudentNumber,
			ClassName:     st.ClassName,
			CreatedAt:     time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("seed student %s: %w", st.Name, err)
		}
	}

	if err := db.MarkSeedApplied(hash); err != nil {
		return fmt.Errorf("record seed: %w", err)
	}
	slog.Info("seeded exam", "path", path, "exam_id", exam.ID, "questions", len(questions), "students", len(seed.Students))
	return nil
}

func runCorrect(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ids := v.GetStringSlice("submission")
	if examID := v.GetString("exam"); examID != "" {
		subs, err := db.ListSubmissions(examID)
		if err != nil {
			return fmt.Errorf("list submissions: %w", err)
		}
		for _, sub := range subs {
			if sub.Status == model.StatusPending {
				ids = append(ids, sub.ID)
			}
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("nothing to correct: pass --submission or --exam with pending submissions")
	}

	cfg := gradingConfig(v)
	if err := appI18n.Init(cfg.Language); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	scorer, err := newScorer(cmd.Context(), v, cfg)
	if err != nil {
		return err
	}

	g := grader.New(scorer, db, cfg)
	result := g.CorrectBatch(cmd.Context(), ids, v.GetInt64("concurrency"))

	if err := printJSON(result); err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d of %d submissions failed", len(result.Failed), len(ids))
	}
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	passing := v.GetFloat64("passing-score")

	switch {
	case v.GetString("exam") != "":
		examID := v.GetString("exam")
		percentages, err := db.ExamPercentages(examID)
		if err != nil {
			return err
		}
		outcomes, err := db.ExamSkillOutcomes(examID)
		if err != nil {
			return err
		}
		tags, err := db.ExamErrorTags(examID)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"summary": stats.Summarize(percentages, passing),
			"skills":  stats.SkillMastery(outcomes),
			"errors":  stats.ErrorFrequencies(tags),
		})
	case v.GetString("student") != "":
		studentID := v.GetString("student")
		percentages, err := db.StudentPercentages(studentID)
		if err != nil {
			return err
		}
		outcomes, err := db.StudentSkillOutcomes(studentID)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"summary": stats.Summarize(percentages, passing),
			"skills":  stats.SkillMastery(outcomes),
		})
	case v.GetString("class") != "":
		className := v.GetString("class")
		percentages, count, err := db.ClassPercentages(className)
		if err != nil {
			return err
		}
		return printJSON(stats.SummarizeClass(className, count, percentages, passing))
	default:
		percentages, err := db.AllPercentages()
		if err != nil {
			return err
		}
		return printJSON(stats.Summarize(percentages, passing))
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
