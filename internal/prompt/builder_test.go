package prompt

import (
	"strings"
	"testing"

	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/tools"
)

type stubDescriber map[string]string

func (s stubDescriber) Describe(names []string) string {
	var lines []string
	for _, n := range names {
		if d, ok := s[n]; ok {
			lines = append(lines, "- "+n+": "+d)
		}
	}
	return strings.Join(lines, "\n")
}

func newBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := New(stubDescriber{"write_file": "writes a file", "read_file": "reads a file"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestBuild_BasicShape(t *testing.T) {
	b := newBuilder(t)
	out := b.Build([]conversation.Message{
		{Role: conversation.RoleUser, Content: "hello"},
	}, Options{})

	if !strings.HasPrefix(out, "<|im_start|>system\n"+DefaultBasePrompt) {
		t.Errorf("prompt does not start with system block:\n%s", out)
	}
	if !strings.Contains(out, "<|im_start|>user\nhello<|im_end|>\n") {
		t.Errorf("missing user block:\n%s", out)
	}
	if !strings.HasSuffix(out, "<|im_start|>assistant\n") {
		t.Errorf("prompt does not end with open assistant block:\n%s", out)
	}
	if strings.Count(out, "<|im_start|>system") != 1 {
		t.Errorf("expected exactly one system block:\n%s", out)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	b := newBuilder(t)
	msgs := []conversation.Message{
		{Role: conversation.RoleUser, Content: "do it"},
		{Role: conversation.RoleAssistant, Content: "ok", ToolCalls: []tools.Call{{ID: "1", Name: "write_file", Arguments: map[string]any{"path": "a", "content": "b"}}}},
	}
	opts := Options{IncludeTools: true, ToolNames: []string{"write_file"}, TaskLock: "stay on task"}
	if b.Build(msgs, opts) != b.Build(msgs, opts) {
		t.Error("Build is not deterministic")
	}
}

func TestBuild_OverrideReplacesGenerated(t *testing.T) {
	b := newBuilder(t)
	out := b.Build(nil, Options{SystemOverride: "custom system", IncludeTools: true, ToolNames: []string{"write_file"}})
	if !strings.Contains(out, "<|im_start|>system\ncustom system<|im_end|>") {
		t.Errorf("override not rendered:\n%s", out)
	}
	if strings.Contains(out, DefaultBasePrompt) || strings.Contains(out, "[Tools]") {
		t.Errorf("generated prompt leaked into override:\n%s", out)
	}
}

func TestBuild_DeveloperAndTaskLockOrder(t *testing.T) {
	b := newBuilder(t)
	out := b.Build([]conversation.Message{
		{Role: conversation.RoleAssistant, Content: "earlier"},
		{Role: conversation.RoleUser, Content: "build a todo app"},
		{Role: conversation.RoleUser, Content: "second"},
	}, Options{DeveloperPrompt: "dev notes", TaskLock: "TASK: todo app only"})

	dev := strings.Index(out, "<|im_start|>developer\ndev notes")
	lock := strings.Index(out, "TASK: todo app only")
	user := strings.Index(out, "<|im_start|>user\nbuild a todo app")
	earlier := strings.Index(out, "earlier")
	if dev < 0 || lock < 0 || user < 0 {
		t.Fatalf("missing blocks:\n%s", out)
	}
	if !(dev < earlier && earlier < lock && lock < user) {
		t.Errorf("wrong order: dev=%d earlier=%d lock=%d user=%d\n%s", dev, earlier, lock, user, out)
	}
	if strings.Count(out, "TASK: todo app only") != 1 {
		t.Errorf("task lock rendered more than once")
	}
}

func TestBuild_ToolRoundTrip(t *testing.T) {
	b := newBuilder(t)
	call := tools.Call{ID: "call-1", Name: "read_file", Arguments: map[string]any{"path": "x.txt"}}
	out := b.Build([]conversation.Message{
		{Role: conversation.RoleUser, Content: "read x"},
		{Role: conversation.RoleAssistant, Content: "Reading.", ToolCalls: []tools.Call{call}},
		{Role: conversation.RoleTool, Content: "file body", ToolCallID: "call-1"},
	}, Options{IncludeTools: true, ToolNames: []string{"read_file"}})

	asst := strings.Index(out, "<|im_start|>assistant\nReading.\n```tool_call")
	res := strings.Index(out, "<|im_start|>user\n[Tool Result] file body<|im_end|>")
	if asst < 0 || res < 0 {
		t.Fatalf("tool round trip not rendered:\n%s", out)
	}
	if asst > res {
		t.Error("tool result rendered before triggering assistant message")
	}
	if strings.Contains(out, "<|im_start|>tool") {
		t.Error("tool role leaked into prompt")
	}
	if parsed := tools.Parse(out[asst:res]); parsed == nil || parsed.Name != "read_file" {
		t.Errorf("rendered tool block does not parse back: %+v", parsed)
	}
}

func TestBuild_ToolSections(t *testing.T) {
	b := newBuilder(t)

	full := b.Build(nil, Options{IncludeTools: true, ToolNames: []string{"write_file"}})
	if !strings.Contains(full, "- write_file: writes a file") {
		t.Errorf("tool descriptions missing:\n%s", full)
	}

	strict := b.Build(nil, Options{
		IncludeTools:             true,
		ToolNames:                []string{"write_file"},
		SuppressToolDescriptions: true,
		RequireToolCall:          true,
	})
	if strings.Contains(strict, "writes a file") {
		t.Errorf("tool descriptions not suppressed:\n%s", strict)
	}
	if !strings.Contains(strict, "Available tools: write_file") || !strings.Contains(strict, "You MUST call a tool") {
		t.Errorf("strict tool instructions missing:\n%s", strict)
	}

	none := b.Build(nil, Options{})
	if strings.Contains(none, "[Tools]") {
		t.Errorf("tools section rendered without tools:\n%s", none)
	}
}

func TestBuild_ModesAndContext(t *testing.T) {
	b := newBuilder(t)
	out := b.Build([]conversation.Message{
		{Role: conversation.RoleSystem, Content: "remember: user prefers Go"},
	}, Options{Planning: true, Code: true, ProjectContext: "repo: demo", AdditionalContext: "extra"})
	for _, want := range []string{"[Planning Mode]", "[Code Mode]", "[Project Context]\nrepo: demo", "[Additional Context]\nextra", "remember: user prefers Go"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "[Fix Mode]") {
		t.Error("fix mode rendered when not requested")
	}
}

func TestSingleShotRenderers(t *testing.T) {
	b := newBuilder(t)

	plan := b.BuildPlanning("make a blog", Options{})
	if !strings.Contains(plan, "numbered list") || !strings.Contains(plan, "<|im_start|>user\nmake a blog") {
		t.Errorf("planning prompt:\n%s", plan)
	}

	tool := b.BuildTool("save notes", []string{"write_file"})
	if !strings.Contains(tool, "You MUST call a tool") {
		t.Errorf("tool prompt:\n%s", tool)
	}

	val := b.BuildValidation("task text", "output text")
	if !strings.Contains(val, "[Task]\ntask text") || !strings.Contains(val, "[Output]\noutput text") {
		t.Errorf("validation prompt:\n%s", val)
	}
}

func TestDeveloperPrompts(t *testing.T) {
	b := newBuilder(t)
	brief := Brief{Task: "snake game", Language: "javascript", Platform: "browser", Runtime: "canvas", Constraints: []string{"arrow keys"}}

	dev := b.CodeDeveloper(brief)
	for _, want := range []string{"snake game", "Language: javascript", "Runtime: canvas", "- arrow keys"} {
		if !strings.Contains(dev, want) {
			t.Errorf("developer prompt missing %q:\n%s", want, dev)
		}
	}

	fix := b.FixDeveloper(brief, []Issue{{Code: "SNAKE_MISMATCH", Message: "no canvas"}}, "old code")
	for _, want := range []string{"snake game", "- SNAKE_MISMATCH: no canvas", "old code"} {
		if !strings.Contains(fix, want) {
			t.Errorf("fix prompt missing %q:\n%s", want, fix)
		}
	}
}
