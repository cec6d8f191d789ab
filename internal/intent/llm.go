package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/crucible/internal/engine"
	"github.com/kalambet/crucible/internal/prompt"
)

const classificationTimeout = 3 * time.Second

// LLMClassifier asks a fast model for a structured classification and falls
// back to keyword rules when the model is slow, unavailable or returns
// something unusable.
type LLMClassifier struct {
	provider engine.Provider
	builder  *prompt.Builder
	model    string
	fallback Classifier
	logger   *slog.Logger
}

// NewLLMClassifier creates an LLMClassifier. A nil fallback selects the rule
// classifier.
func NewLLMClassifier(p engine.Provider, b *prompt.Builder, model string, fallback Classifier, logger *slog.Logger) *LLMClassifier {
	if fallback == nil {
		fallback = NewRuleClassifier()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{provider: p, builder: b, model: model, fallback: fallback, logger: logger}
}

type llmResult struct {
	Intent        string   `json:"intent"`
	Confidence    float64  `json:"confidence"`
	RequiresTools bool     `json:"requires_tools"`
	RequiresPlan  bool     `json:"requires_plan"`
	Keywords      []string `json:"keywords"`
}

// Classify returns the model's classification, or the fallback's on any
// model failure. Only cancellation of ctx itself is returned as an error.
func (c *LLMClassifier) Classify(ctx context.Context, message string) (Result, error) {
	if strings.TrimSpace(message) == "" {
		return c.fallback.Classify(ctx, message)
	}

	callCtx, cancel := context.WithTimeout(ctx, classificationTimeout)
	defer cancel()

	msgs := BuildPrompt(message, nil)
	raw, err := c.provider.Generate(callCtx, engine.Request{
		Prompt:      c.builder.Build(msgs[1:], prompt.Options{SystemOverride: msgs[0].Content}),
		Model:       c.model,
		MaxTokens:   200,
		Temperature: engine.Float(0.1),
		Format:      schema(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		c.logger.Warn("intent classification failed, using rules", "error", err)
		return c.fallback.Classify(ctx, message)
	}

	var lr llmResult
	if err := json.Unmarshal([]byte(extractJSON(raw)), &lr); err != nil {
		c.logger.Warn("failed to unmarshal intent from LLM response", "error", err, "response", raw)
		return c.fallback.Classify(ctx, message)
	}
	t, ok := parseType(lr.Intent)
	if !ok {
		c.logger.Warn("LLM returned unknown intent, using rules", "intent", lr.Intent)
		return c.fallback.Classify(ctx, message)
	}

	conf := lr.Confidence
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	return Result{
		Intent:        t,
		Category:      CategoryOf(t),
		Confidence:    conf,
		RequiresTools: lr.RequiresTools || t == ToolUse,
		RequiresPlan:  lr.RequiresPlan,
		Keywords:      lr.Keywords,
	}, nil
}

var _ Classifier = (*LLMClassifier)(nil)

func parseType(s string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case CodeWrite, CodeEdit, CodeExplain, ToolUse, Question, Chat:
		return t, true
	}
	return "", false
}

// extractJSON returns the span from the first '{' to the last '}', or s
// unchanged when there is none.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func schema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"intent":         {Type: "string", Description: "One of: code_write, code_edit, code_explain, tool_use, question, chat"},
			"confidence":     {Type: "number", Description: "Confidence between 0 and 1"},
			"requires_tools": {Type: "boolean", Description: "Whether files or commands must be touched"},
			"requires_plan":  {Type: "boolean", Description: "Whether the deliverable spans several files"},
			"keywords":       {Type: "array", Description: "Words that drove the decision"},
		},
		Required: []string{"intent", "confidence", "requires_tools", "requires_plan"},
	}
}
