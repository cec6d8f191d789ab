package intent

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Type is the classified purpose of a message.
type Type string

const (
	CodeWrite   Type = "code_write"
	CodeEdit    Type = "code_edit"
	CodeExplain Type = "code_explain"
	ToolUse     Type = "tool_use"
	Question    Type = "question"
	Chat        Type = "chat"
)

// Category groups intent types for routing.
type Category string

const (
	CategoryCode         Category = "code"
	CategoryTool         Category = "tool"
	CategoryConversation Category = "conversation"
)

// PlanningThreshold is the confidence at or above which planning-mode
// prompts are enabled for intents that ask for a plan.
const PlanningThreshold = 0.7

// Result is the outcome of classifying one message.
type Result struct {
	Intent        Type     `json:"intent"`
	Category      Category `json:"category"`
	Confidence    float64  `json:"confidence"`
	RequiresTools bool     `json:"requires_tools"`
	RequiresPlan  bool     `json:"requires_plan"`
	Keywords      []string `json:"keywords,omitempty"`
}

// IsCode reports whether the intent drives the code-generation flow.
func (r Result) IsCode() bool {
	switch r.Intent {
	case CodeWrite, CodeEdit, CodeExplain:
		return true
	}
	return false
}

// Classifier assigns an intent to a message.
type Classifier interface {
	Classify(ctx context.Context, message string) (Result, error)
}

// CategoryOf returns the category an intent type belongs to.
func CategoryOf(t Type) Category {
	switch t {
	case CodeWrite, CodeEdit, CodeExplain:
		return CategoryCode
	case ToolUse:
		return CategoryTool
	default:
		return CategoryConversation
	}
}

type rule struct {
	intent   Type
	keywords []string
	weight   float64
}

var rules = []rule{
	{CodeWrite, []string{"write", "create", "build", "make", "generate", "implement", "scaffold", "code for", "program"}, 1.0},
	{CodeEdit, []string{"fix", "refactor", "change", "modify", "update", "rename", "debug", "optimize", "edit"}, 1.0},
	{CodeExplain, []string{"explain", "what does", "how does", "walk me through", "understand"}, 1.0},
	{ToolUse, []string{"file", "folder", "directory", "run", "execute", "install", "list", "read", "save", "open", "delete"}, 0.8},
	{Question, []string{"what", "why", "how", "when", "which", "who", "?"}, 0.6},
}

// codeNouns are terms that make a write/edit verb refer to code.
var codeNouns = []string{
	"code", "function", "script", "app", "application", "game", "website", "page",
	"api", "server", "class", "component", "program", "cli", "bot", "html", "css",
	"javascript", "python", "golang", "typescript", "react", "bug", "test",
}

// planWords suggest a multi-part deliverable that benefits from a plan.
var planWords = []string{"app", "application", "game", "website", "project", "system", "full", "complete", "multiple files", "step by step"}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// RuleClassifier is a deterministic keyword-scoring classifier.
type RuleClassifier struct{}

// NewRuleClassifier returns a RuleClassifier.
func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

// Classify never fails; ctx is accepted for interface compatibility.
func (*RuleClassifier) Classify(_ context.Context, message string) (Result, error) {
	return classifyRules(message), nil
}

func classifyRules(message string) Result {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return Result{Intent: Chat, Category: CategoryConversation, Confidence: 1}
	}
	words := wordRe.FindAllString(lower, -1)
	padded := " " + strings.Join(words, " ") + " "

	hasCodeNoun := containsAny(lower, padded, codeNouns)
	scores := make(map[Type]float64, len(rules))
	var matched []string
	for _, r := range rules {
		for _, kw := range r.keywords {
			if matchKeyword(lower, padded, kw) {
				scores[r.intent] += r.weight
				matched = append(matched, kw)
			}
		}
	}

	// Write and edit verbs only count as code work when aimed at something
	// that is code.
	if !hasCodeNoun {
		scores[ToolUse] += (scores[CodeWrite] + scores[CodeEdit]) * 0.5
		delete(scores, CodeWrite)
		delete(scores, CodeEdit)
	}
	if hasCodeNoun && scores[CodeExplain] > 0 {
		scores[CodeExplain] += 0.5
	}

	best, bestScore, total := Chat, 0.0, 0.0
	for _, r := range rules {
		s := scores[r.intent]
		total += s
		if s > bestScore {
			best, bestScore = r.intent, s
		}
	}

	res := Result{Intent: best, Category: CategoryOf(best), Keywords: dedupe(matched)}
	if bestScore == 0 {
		res.Confidence = 0.5
	} else {
		// Share of the winning score, lifted by how much evidence there was.
		share := bestScore / total
		evidence := bestScore / (bestScore + 1)
		res.Confidence = round2(0.5*share + 0.5*evidence + 0.25)
		if res.Confidence > 1 {
			res.Confidence = 1
		}
	}
	res.RequiresTools = best == ToolUse
	res.RequiresPlan = best == CodeWrite && containsAny(lower, padded, planWords)
	return res
}

func matchKeyword(lower, padded, kw string) bool {
	if strings.Contains(kw, " ") || kw == "?" {
		return strings.Contains(lower, kw)
	}
	return strings.Contains(padded, " "+kw+" ") || strings.Contains(padded, " "+kw+"s ")
}

func containsAny(lower, padded string, kws []string) bool {
	for _, kw := range kws {
		if matchKeyword(lower, padded, kw) {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
