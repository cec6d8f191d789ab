package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/crucible/internal/engine"
	"github.com/kalambet/crucible/internal/prompt"
)

// Issue codes produced by the built-in rules.
const (
	CodeEmptyOutput       = "EMPTY_OUTPUT"
	CodeNoCode            = "NO_CODE"
	CodeUnterminatedFence = "UNTERMINATED_FENCE"
	CodeSnakeMismatch     = "SNAKE_MISMATCH"
	CodeMissingCanvas     = "MISSING_CANVAS"
)

// Issue is one validation finding.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of validating generated output.
type Result struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

// PromptIssues converts the issues into the prompt builder's form.
func (r Result) PromptIssues() []prompt.Issue {
	out := make([]prompt.Issue, len(r.Issues))
	for i, is := range r.Issues {
		out[i] = prompt.Issue{Code: is.Code, Message: is.Message}
	}
	return out
}

// Input is what a validator checks: the user's request, the declared
// runtime and the generated answer.
type Input struct {
	Message string
	Runtime string
	Output  string
}

// Validator checks one generated answer.
type Validator interface {
	Validate(ctx context.Context, in Input) (Result, error)
}

// Rules applies the deterministic rule set.
type Rules struct{}

// Validate never fails.
func (Rules) Validate(_ context.Context, in Input) (Result, error) {
	return Check(in), nil
}

// Check runs the rule set over in.
func Check(in Input) Result {
	var issues []Issue
	out := strings.TrimSpace(in.Output)
	lowerOut := strings.ToLower(out)

	if out == "" {
		return Result{Valid: false, Issues: []Issue{{CodeEmptyOutput, "the answer is empty"}}}
	}
	fences := strings.Count(out, "```")
	if fences == 0 {
		issues = append(issues, Issue{CodeNoCode, "the answer contains no fenced code block"})
	} else if fences%2 != 0 {
		issues = append(issues, Issue{CodeUnterminatedFence, "a code block is not closed"})
	}

	lowerMsg := strings.ToLower(in.Message)
	if strings.Contains(lowerMsg, "snake") {
		hasCanvas := strings.Contains(lowerOut, "canvas")
		hasInput := strings.Contains(lowerOut, "keydown") || strings.Contains(lowerOut, "arrow")
		if !hasCanvas || !hasInput {
			issues = append(issues, Issue{CodeSnakeMismatch, "a snake game needs a canvas and arrow-key input handling"})
		}
	}
	if strings.Contains(strings.ToLower(in.Runtime), "canvas") && !strings.Contains(lowerOut, "canvas") {
		issues = append(issues, Issue{CodeMissingCanvas, "the runtime is a canvas but the code never uses one"})
	}

	return Result{Valid: len(issues) == 0, Issues: issues}
}

// Reviewer runs the deterministic rules and, when they pass, asks a model
// for a second opinion.
type Reviewer struct {
	provider engine.Provider
	builder  *prompt.Builder
	model    string
	logger   *slog.Logger
}

// NewReviewer creates a Reviewer.
func NewReviewer(p engine.Provider, b *prompt.Builder, model string, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{provider: p, builder: b, model: model, logger: logger}
}

// Validate returns the rule result when it already fails. An unparseable
// model reply is treated as a pass; provider errors are returned.
func (r *Reviewer) Validate(ctx context.Context, in Input) (Result, error) {
	res := Check(in)
	if !res.Valid {
		return res, nil
	}
	raw, err := r.provider.Generate(ctx, engine.Request{
		Prompt:      r.builder.BuildValidation(in.Message, in.Output),
		Model:       r.model,
		MaxTokens:   256,
		Temperature: engine.Float(0.1),
	})
	if err != nil {
		return Result{}, fmt.Errorf("reviewing output: %w", err)
	}
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		r.logger.Warn("review reply was not JSON, accepting output")
		return res, nil
	}
	var review Result
	if err := json.Unmarshal([]byte(raw[start:end+1]), &review); err != nil {
		r.logger.Warn("review reply did not decode, accepting output", "error", err)
		return res, nil
	}
	if !review.Valid && len(review.Issues) == 0 {
		review.Issues = []Issue{{Code: "REVIEW_FAILED", Message: "the reviewer rejected the answer"}}
	}
	return review, nil
}
