// Package prompts builds the chat prompts for the AI scorer. The three
// variants adjust how generous partial credit is; the standard variant is
// the default and the strict one backs the partial-credit strictness flag.
package prompts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mlebrun/mathgrader/internal/model"
)

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// Variant represents a scoring prompt variant.
type Variant string

const (
	// VariantStrict reduces partial credit; selected by the strictness flag.
	VariantStrict Variant = "strict"
	// VariantStandard is the default scoring variant.
	VariantStandard Variant = "standard"
	// VariantLenient is generous with partial credit.
	VariantLenient Variant = "lenient"
)

var validVariants = map[Variant]bool{
	VariantStrict:   true,
	VariantStandard: true,
	VariantLenient:  true,
}

// IsValidVariant checks if a variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[Variant(v)]
}

// ForConfig maps the partial-credit strictness flag to a variant.
func ForConfig(strict bool) Variant {
	if strict {
		return VariantStrict
	}
	return VariantStandard
}

// BuildScoringSystemPrompt builds the system prompt for scoring one
// question answer.
func BuildScoringSystemPrompt(variant Variant) string {
	var sb strings.Builder
	sb.WriteString("You are an expert primary school math teacher correcting 6th grade (CM2) exams.\n")
	sb.WriteString("Your task is to evaluate student answers fairly but accurately.\n\n")
	sb.WriteString("Guidelines:\n")
	sb.WriteString("1. Check if the mathematical logic is correct\n")
	sb.WriteString("2. Identify specific error types if the answer is wrong\n")
	switch variant {
	case VariantStrict:
		sb.WriteString("3. Award partial credit only when the method is fully correct and just the final arithmetic slipped\n")
	case VariantLenient:
		sb.WriteString("3. Award partial credit generously whenever the student shows any relevant understanding\n")
	default:
		sb.WriteString("3. Give partial credit when appropriate (showing understanding but making calculation errors)\n")
	}
	sb.WriteString("4. Provide encouraging but educational feedback\n")
	sb.WriteString("5. For word problems, check if the student understood the problem correctly\n\n")

	sb.WriteString("Error types to identify:\n")
	names := make([]string, 0, len(model.ErrorTypes))
	for name := range model.ErrorTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteString("- " + name + ": " + model.ErrorTypes[name] + "\n")
	}
	sb.WriteString("\nRespond ONLY with a JSON object.\n")
	return sb.String()
}

// BuildScoringUserPrompt builds the user prompt with the question, both
// answers and the expected response shape.
func BuildScoringUserPrompt(q model.Question, studentAnswer string, showSteps bool) string {
	stepField := "null"
	if showSteps {
		stepField = `"Step-by-step solution explanation"`
	}

	var sb strings.Builder
	sb.WriteString("Correct this 6th grade math question:\n\n")
	sb.WriteString("Question: " + q.Text + "\n")
	sb.WriteString("Question Type: " + string(q.Type) + "\n")
	sb.WriteString(fmt.Sprintf("Maximum Points: %g\n\n", q.MaxPoints))
	sb.WriteString("Correct Answer: " + q.CorrectAnswer + "\n")
	sb.WriteString("Student's Answer: " + SanitizeAnswer(studentAnswer) + "\n\n")
	sb.WriteString("Provide your evaluation in this JSON format:\n")
	sb.WriteString(fmt.Sprintf(`{
    "is_correct": true/false,
    "partial_score": number (0 to %g),
    "error_types": ["error_type1", "error_type2"],
    "feedback": "Encouraging feedback for the student",
    "step_by_step": %s
}`, q.MaxPoints, stepField))
	sb.WriteString("\n")
	return sb.String()
}

// BuildFeedbackSystemPrompt builds the system prompt for the overall exam
// feedback message.
func BuildFeedbackSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are a kind and encouraging primary school math teacher.\n")
	sb.WriteString("Generate brief, positive feedback for a 6th grade student based on their exam results.\n")
	sb.WriteString("Focus on:\n")
	sb.WriteString("1. Celebrating what they did well\n")
	sb.WriteString("2. Identifying areas for improvement\n")
	sb.WriteString("3. Giving specific advice for practice\n")
	sb.WriteString("Keep it under 150 words and appropriate for an 11-12 year old.\n")
	return sb.String()
}

// BuildFeedbackUserPrompt summarizes one correction for the feedback call.
func BuildFeedbackUserPrompt(percentage float64, passed bool, errorsByType map[string]int, skills map[string]model.SkillTally) string {
	passedStr := "No"
	if passed {
		passedStr = "Yes"
	}
	errJSON, _ := json.MarshalIndent(errorsByType, "", "  ")
	skillJSON, _ := json.MarshalIndent(skills, "", "  ")

	var sb strings.Builder
	sb.WriteString("Generate feedback for this exam result:\n\n")
	sb.WriteString(fmt.Sprintf("Score: %.1f%%\n", percentage))
	sb.WriteString("Passed: " + passedStr + "\n\n")
	sb.WriteString("Error types found:\n")
	sb.Write(errJSON)
	sb.WriteString("\n\nSkills assessed:\n")
	sb.Write(skillJSON)
	sb.WriteString("\n\nProvide encouraging but helpful feedback.\n")
	return sb.String()
}

// SanitizeAnswer strips prompt-injection markup from student text and
// truncates pathological lengths.
func SanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > 10000 {
		runes := []rune(answer)
		answer = string(runes[:10000]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
