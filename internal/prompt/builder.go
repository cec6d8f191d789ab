package prompt

import (
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/tools"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Chat markup delimiters.
const (
	blockStart = "<|im_start|>"
	blockEnd   = "<|im_end|>"
)

// RoleDeveloper tags the developer-prompt block.
const RoleDeveloper = "developer"

// ToolResultPrefix marks tool output rendered into a user block.
const ToolResultPrefix = "[Tool Result] "

// DefaultBasePrompt opens every generated system prompt.
const DefaultBasePrompt = "You are a senior software engineer working inside a chat. Answer directly and precisely. When asked for code, produce complete, working code."

// Describer renders tool descriptions for a set of tool names.
type Describer interface {
	Describe(names []string) string
}

// Options selects what Build renders around the conversation history.
type Options struct {
	// SystemOverride replaces the generated system prompt entirely.
	SystemOverride string
	// DeveloperPrompt, when set, is rendered as a developer block after the
	// system block.
	DeveloperPrompt string
	// TaskLock is pinned immediately before the first user turn.
	TaskLock string

	IncludeTools             bool
	ToolNames                []string
	SuppressToolDescriptions bool
	RequireToolCall          bool

	ProjectContext    string
	AdditionalContext string

	Planning bool
	Code     bool
	Fix      bool
}

// Brief is the structured description of a code task rendered into a
// developer prompt.
type Brief struct {
	Task        string
	Language    string
	Platform    string
	Runtime     string
	Inputs      []string
	Outputs     []string
	Constraints []string
}

// Issue is one validation finding rendered into a fix prompt.
type Issue struct {
	Code    string
	Message string
}

// Builder renders chat-markup prompts. It is safe for concurrent use; all
// output is a pure function of the inputs and the parsed templates.
type Builder struct {
	tmpl      *template.Template
	describer Describer
	base      string
	logger    *slog.Logger
}

// New parses the embedded templates. describer may be nil when no tools are
// ever offered.
func New(describer Describer, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t, err := template.New("prompt").Funcs(sprig.TxtFuncMap()).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing prompt templates: %w", err)
	}
	return &Builder{tmpl: t, describer: describer, base: DefaultBasePrompt, logger: logger}, nil
}

type systemData struct {
	Base              string
	Planning          bool
	Code              bool
	Fix               bool
	ToolsEnabled      bool
	ToolList          string
	ToolNames         []string
	RequireToolCall   bool
	ProjectContext    string
	AdditionalContext string
	History           []string
}

// Build renders the full prompt for msgs: the system block, the optional
// developer block, the history with the task lock before the first user
// turn, and an open assistant block.
func (b *Builder) Build(msgs []conversation.Message, opts Options) string {
	var sb strings.Builder

	var history []string
	for _, m := range msgs {
		if m.Role == conversation.RoleSystem {
			history = append(history, m.Content)
		}
	}
	writeBlock(&sb, string(conversation.RoleSystem), b.systemPrompt(opts, history))

	if strings.TrimSpace(opts.DeveloperPrompt) != "" {
		writeBlock(&sb, RoleDeveloper, opts.DeveloperPrompt)
	}

	locked := strings.TrimSpace(opts.TaskLock) == ""
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleTool:
			writeBlock(&sb, string(conversation.RoleUser), ToolResultPrefix+m.Content)
		case conversation.RoleAssistant:
			writeBlock(&sb, string(conversation.RoleAssistant), assistantContent(m))
		default:
			if !locked {
				writeBlock(&sb, string(conversation.RoleSystem), opts.TaskLock)
				locked = true
			}
			writeBlock(&sb, string(m.Role), m.Content)
		}
	}
	if !locked {
		writeBlock(&sb, string(conversation.RoleSystem), opts.TaskLock)
	}

	sb.WriteString(blockStart + string(conversation.RoleAssistant) + "\n")
	return sb.String()
}

// BuildPlanning renders a single-shot planning prompt for task.
func (b *Builder) BuildPlanning(task string, opts Options) string {
	var sb strings.Builder
	writeBlock(&sb, string(conversation.RoleSystem), b.render("planning", systemData{ProjectContext: opts.ProjectContext}))
	writeBlock(&sb, string(conversation.RoleUser), task)
	sb.WriteString(blockStart + string(conversation.RoleAssistant) + "\n")
	return sb.String()
}

// BuildTool renders a single-shot prompt that requires the model to answer
// task with a call to one of toolNames.
func (b *Builder) BuildTool(task string, toolNames []string) string {
	return b.Build([]conversation.Message{{Role: conversation.RoleUser, Content: task}}, Options{
		IncludeTools:    true,
		ToolNames:       toolNames,
		RequireToolCall: true,
	})
}

// BuildValidation renders a single-shot prompt asking the model to review
// output against task.
func (b *Builder) BuildValidation(task, output string) string {
	var sb strings.Builder
	writeBlock(&sb, string(conversation.RoleSystem), b.render("validation", nil))
	writeBlock(&sb, string(conversation.RoleUser), b.render("validation_user", struct{ Task, Output string }{task, output}))
	sb.WriteString(blockStart + string(conversation.RoleAssistant) + "\n")
	return sb.String()
}

// CodeDeveloper renders the developer prompt for a code-generation turn.
func (b *Builder) CodeDeveloper(brief Brief) string {
	return b.render("code_developer", brief)
}

// FixDeveloper renders the developer prompt for the single fix attempt
// after failed validation.
func (b *Builder) FixDeveloper(brief Brief, issues []Issue, previous string) string {
	return b.render("fix_developer", struct {
		Requirements Brief
		Issues       []Issue
		Previous     string
	}{brief, issues, previous})
}

func (b *Builder) systemPrompt(opts Options, history []string) string {
	if opts.SystemOverride != "" {
		return opts.SystemOverride
	}
	data := systemData{
		Base:              b.base,
		Planning:          opts.Planning,
		Code:              opts.Code,
		Fix:               opts.Fix,
		ToolsEnabled:      opts.IncludeTools,
		ToolNames:         opts.ToolNames,
		RequireToolCall:   opts.RequireToolCall,
		ProjectContext:    opts.ProjectContext,
		AdditionalContext: opts.AdditionalContext,
		History:           history,
	}
	if opts.IncludeTools && !opts.SuppressToolDescriptions && b.describer != nil {
		data.ToolList = b.describer.Describe(opts.ToolNames)
	}
	return b.render("system", data)
}

func (b *Builder) render(name string, data any) string {
	var sb strings.Builder
	if err := b.tmpl.ExecuteTemplate(&sb, name, data); err != nil {
		b.logger.Error("rendering prompt template", "template", name, "error", err)
		return ""
	}
	return sb.String()
}

func assistantContent(m conversation.Message) string {
	if len(m.ToolCalls) == 0 || tools.ContainsMarker(m.Content) {
		return m.Content
	}
	var sb strings.Builder
	sb.WriteString(m.Content)
	for _, c := range m.ToolCalls {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(tools.Block(c))
	}
	return sb.String()
}

func writeBlock(sb *strings.Builder, role, content string) {
	sb.WriteString(blockStart)
	sb.WriteString(role)
	sb.WriteString("\n")
	sb.WriteString(content)
	sb.WriteString(blockEnd)
	sb.WriteString("\n")
}
