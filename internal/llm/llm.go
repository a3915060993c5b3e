// Package llm adapts an OpenAI-compatible endpoint into the scoring
// contract the grader consumes. It performs no retries; retry policy
// belongs to the caller.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mlebrun/mathgrader/internal/llm/prompts"
	"github.com/mlebrun/mathgrader/internal/model"
)

// ErrAIService marks any scoring failure: transport errors, timeouts, and
// malformed responses. Callers must treat it as "scoring failed", never as
// a zero or full score.
var ErrAIService = errors.New("AI scoring service failed")

// Verdict is the structured scoring result for one question.
type Verdict struct {
	IsCorrect    bool     `json:"is_correct"`
	PartialScore float64  `json:"partial_score"`
	ErrorTypes   []string `json:"error_types"`
	Feedback     string   `json:"feedback"`
	StepByStep   *string  `json:"step_by_step"`
}

// Options configures the client beyond credentials.
type Options struct {
	Variant          prompts.Variant
	ScoreTimeout     time.Duration
	ReasoningTimeout time.Duration // used instead of ScoreTimeout when Reasoning is set
	Reasoning        bool
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.Variant
	timeout time.Duration
}

// New creates a scoring client. baseURL may be empty for the default
// OpenAI endpoint.
func New(baseURL, apiKey, modelName string, opts Options) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	variant := opts.Variant
	if !prompts.IsValidVariant(string(variant)) {
		variant = prompts.VariantStandard
	}
	timeout := opts.ScoreTimeout
	if opts.Reasoning && opts.ReasoningTimeout > 0 {
		timeout = opts.ReasoningTimeout
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: variant,
		timeout: timeout,
	}
}

// Ping verifies the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}

// Score asks the model to grade one answer and returns its validated
// verdict. Every failure mode wraps ErrAIService.
func (c *Client) Score(ctx context.Context, q model.Question, studentAnswer string, showSteps bool) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompts.BuildScoringSystemPrompt(c.variant)},
			{Role: openai.ChatMessageRoleUser, Content: prompts.BuildScoringUserPrompt(q, studentAnswer, showSteps)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scoring API call: %v", ErrAIService, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: scorer returned no choices", ErrAIService)
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("scorer response", "question_id", q.ID, "raw", raw)

	verdict, err := ParseVerdict([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", ErrAIService, err, raw)
	}
	return verdict, nil
}

// GenerateFeedback asks the model for an overall exam feedback message.
// Callers degrade to a fixed banded message on error.
func (c *Client) GenerateFeedback(ctx context.Context, percentage float64, passed bool, errorsByType map[string]int, skills map[string]model.SkillTally) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompts.BuildFeedbackSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: prompts.BuildFeedbackUserPrompt(percentage, passed, errorsByType, skills)},
		},
		Temperature: 0.7,
		MaxTokens:   200,
	})
	if err != nil {
		return "", fmt.Errorf("%w: feedback API call: %v", ErrAIService, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: feedback returned no choices", ErrAIService)
	}
	return resp.Choices[0].Message.Content, nil
}

// verdictWire mirrors Verdict with pointer fields so missing keys are
// distinguishable from zero values.
type verdictWire struct {
	IsCorrect    *bool     `json:"is_correct"`
	PartialScore *float64  `json:"partial_score"`
	ErrorTypes   *[]string `json:"error_types"`
	Feedback     *string   `json:"feedback"`
	StepByStep   *string   `json:"step_by_step"`
}

// ParseVerdict validates a raw scorer response. A non-JSON body or a
// missing required field is a hard failure, not a default-filled verdict.
func ParseVerdict(raw []byte) (*Verdict, error) {
	var w verdictWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}
	switch {
	case w.IsCorrect == nil:
		return nil, errors.New("verdict missing required field is_correct")
	case w.PartialScore == nil:
		return nil, errors.New("verdict missing required field partial_score")
	case w.ErrorTypes == nil:
		return nil, errors.New("verdict missing required field error_types")
	case w.Feedback == nil:
		return nil, errors.New("verdict missing required field feedback")
	}
	return &Verdict{
		IsCorrect:    *w.IsCorrect,
		PartialScore: *w.PartialScore,
		ErrorTypes:   *w.ErrorTypes,
		Feedback:     *w.Feedback,
		StepByStep:   w.StepByStep,
	}, nil
}
