package requirements

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/engine"
	"github.com/kalambet/crucible/internal/prompt"
)

// Extraction parameters: low temperature and a small budget keep the pass
// cheap and close to deterministic.
const (
	Temperature = 0.1
	MaxTokens   = 512
)

// Platform values produced by the heuristic.
const (
	PlatformBrowser = "browser"
	PlatformNode    = "node"
	PlatformMobile  = "mobile"
	PlatformDesktop = "desktop"
	PlatformServer  = "server"
	PlatformUnknown = "unknown"
)

// Requirements is the structured form of a code request.
type Requirements struct {
	Task        string   `json:"task"`
	Language    string   `json:"language"`
	Platform    string   `json:"platform"`
	Runtime     string   `json:"runtime"`
	Inputs      []string `json:"inputs"`
	Outputs     []string `json:"outputs"`
	Constraints []string `json:"constraints"`
	Missing     []string `json:"missing"`
}

// Brief converts the requirements into the prompt builder's form.
func (r Requirements) Brief() prompt.Brief {
	return prompt.Brief{
		Task:        r.Task,
		Language:    r.Language,
		Platform:    r.Platform,
		Runtime:     r.Runtime,
		Inputs:      r.Inputs,
		Outputs:     r.Outputs,
		Constraints: r.Constraints,
	}
}

// Extractor runs the requirements pass over a raw user message.
type Extractor struct {
	provider engine.Provider
	builder  *prompt.Builder
	model    string
	logger   *slog.Logger
}

// NewExtractor creates an Extractor. model may be empty to use the
// provider's default.
func NewExtractor(p engine.Provider, b *prompt.Builder, model string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{provider: p, builder: b, model: model, logger: logger}
}

const systemPrompt = `You extract requirements from a request for code. Reply with ONLY a JSON object with these fields:
{"task": string, "language": string, "platform": string, "runtime": string, "inputs": [string], "outputs": [string], "constraints": [string], "missing": [string]}
platform is one of browser, node, mobile, desktop, server or unknown.
runtime names the concrete environment, for example "html5 canvas", "node 20" or "python 3".
missing lists the fields you cannot infer and that the user must answer before any code can be written. Leave it empty when a sensible default exists.`

// Extract asks the model for structured requirements. A reply that is not
// usable JSON falls back to Heuristic. Provider failures and cancellation
// are returned.
func (e *Extractor) Extract(ctx context.Context, message string) (Requirements, error) {
	p := e.builder.Build(
		[]conversation.Message{{Role: conversation.RoleUser, Content: message}},
		prompt.Options{SystemOverride: systemPrompt},
	)
	raw, err := e.provider.Generate(ctx, engine.Request{
		Prompt:      p,
		Model:       e.model,
		MaxTokens:   MaxTokens,
		Temperature: engine.Float(Temperature),
	})
	if err != nil {
		return Requirements{}, fmt.Errorf("extracting requirements: %w", err)
	}

	req, ok := Parse(raw)
	if !ok {
		e.logger.Warn("requirements reply was not JSON, using heuristic", "response", truncate(raw, 200))
		return Heuristic(message), nil
	}
	if req.Task == "" {
		req.Task = strings.TrimSpace(message)
	}
	if req.Platform == "" {
		req.Platform = guessPlatform(strings.ToLower(message))
	}
	return req, nil
}

// Parse reads the JSON object between the first '{' and the last '}' of
// raw. It reports false when there is none or it does not decode.
func Parse(raw string) (Requirements, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return Requirements{}, false
	}
	body := raw[start : end+1]
	if !gjson.Valid(body) {
		return Requirements{}, false
	}
	var r Requirements
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		// Models sometimes emit a bare string where a list belongs.
		r = lenient(gjson.Parse(body))
	}
	r.Platform = strings.ToLower(strings.TrimSpace(r.Platform))
	r.Missing = compact(r.Missing)
	return r, true
}

func lenient(doc gjson.Result) Requirements {
	list := func(key string) []string {
		v := doc.Get(key)
		if v.IsArray() {
			var out []string
			for _, item := range v.Array() {
				out = append(out, item.String())
			}
			return out
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return []string{s}
		}
		return nil
	}
	return Requirements{
		Task:        doc.Get("task").String(),
		Language:    doc.Get("language").String(),
		Platform:    doc.Get("platform").String(),
		Runtime:     doc.Get("runtime").String(),
		Inputs:      list("inputs"),
		Outputs:     list("outputs"),
		Constraints: list("constraints"),
		Missing:     list("missing"),
	}
}

var languageHints = []struct {
	lang     string
	keywords []string
}{
	{"typescript", []string{"typescript", " ts "}},
	{"javascript", []string{"javascript", " js ", "node", "react", "canvas", "html", "browser"}},
	{"python", []string{"python", "django", "flask"}},
	{"go", []string{"golang", " go "}},
	{"rust", []string{"rust"}},
	{"java", []string{" java "}},
	{"swift", []string{"swift", "ios"}},
	{"kotlin", []string{"kotlin", "android"}},
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// Heuristic derives requirements from keywords in the message alone. It
// never reports missing fields.
func Heuristic(message string) Requirements {
	lower := strings.ToLower(message)
	padded := " " + nonWord.ReplaceAllString(lower, " ") + " "

	r := Requirements{
		Task:     strings.TrimSpace(message),
		Platform: guessPlatform(lower),
	}
	for _, h := range languageHints {
		for _, kw := range h.keywords {
			if strings.Contains(padded, kw) {
				r.Language = h.lang
				break
			}
		}
		if r.Language != "" {
			break
		}
	}
	if strings.Contains(lower, "canvas") || (r.Platform == PlatformBrowser && strings.Contains(lower, "game")) {
		r.Runtime = "html5 canvas"
	}
	return r
}

func guessPlatform(lower string) string {
	switch {
	case containsAny(lower, "canvas", "html", "browser"):
		return PlatformBrowser
	case containsAny(lower, "node", "npm", "express"):
		return PlatformNode
	case containsAny(lower, "ios", "android", "mobile"):
		return PlatformMobile
	case containsAny(lower, "desktop", "windows", "mac"):
		return PlatformDesktop
	case containsAny(lower, "server", "api"):
		return PlatformServer
	default:
		return PlatformUnknown
	}
}

// ClarificationQuestion renders the reply sent instead of code when fields
// are missing.
func ClarificationQuestion(r Requirements) string {
	var sb strings.Builder
	sb.WriteString("Before I start, I need a bit more detail:\n")
	for _, field := range r.Missing {
		sb.WriteString("- ")
		sb.WriteString(questionFor(field))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func questionFor(field string) string {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "platform":
		return "Where should this run (browser, node, mobile, desktop or server)?"
	case "language":
		return "Which programming language should I use?"
	case "runtime":
		return "Which runtime or framework should it target?"
	case "inputs":
		return "What inputs should it accept?"
	case "outputs":
		return "What should it produce?"
	case "constraints":
		return "Are there constraints I should respect (libraries, size, performance)?"
	case "task":
		return "What exactly should the program do?"
	default:
		return fmt.Sprintf("Could you specify the %s?", field)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
