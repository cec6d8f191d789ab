package pipeline

import (
	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/tools"
)

// Params are the sampling parameters of a run.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Context is the state a run carries between flows. It is a value: every
// With method returns a new Context and never alters the receiver, so a
// Context handed to another goroutine cannot change underneath it.
type Context struct {
	conversationID string
	pipeline       Definition
	messages       []conversation.Message
	response       string
	variables      map[string]any
	toolResults    []tools.Result
	systemPrompt   string
	params         Params
}

// NewContext starts a context for one run of def on a conversation.
func NewContext(conversationID string, def Definition) Context {
	cfg := def.Config.WithDefaults()
	return Context{
		conversationID: conversationID,
		pipeline:       def.Clone(),
		systemPrompt:   def.Config.SystemPrompt,
		params: Params{
			Model:       def.Config.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: *cfg.Temperature,
		},
	}
}

func (c Context) ConversationID() string { return c.conversationID }
func (c Context) Pipeline() Definition   { return c.pipeline.Clone() }
func (c Context) Response() string       { return c.response }
func (c Context) SystemPrompt() string   { return c.systemPrompt }
func (c Context) Params() Params         { return c.params }

// Messages returns a copy of the accumulated messages.
func (c Context) Messages() []conversation.Message {
	return append([]conversation.Message(nil), c.messages...)
}

// ToolResults returns a copy of the accumulated tool results.
func (c Context) ToolResults() []tools.Result {
	return append([]tools.Result(nil), c.toolResults...)
}

// Variable returns the named variable.
func (c Context) Variable(name string) (any, bool) {
	v, ok := c.variables[name]
	return v, ok
}

// Variables returns a copy of all variables.
func (c Context) Variables() map[string]any {
	return cloneMap(c.variables)
}

// WithMessages replaces the accumulated messages.
func (c Context) WithMessages(msgs []conversation.Message) Context {
	c.messages = append([]conversation.Message(nil), msgs...)
	return c
}

// WithMessage appends one message.
func (c Context) WithMessage(m conversation.Message) Context {
	c.messages = append(c.Messages(), m)
	return c
}

// WithResponse replaces the response text.
func (c Context) WithResponse(text string) Context {
	c.response = text
	return c
}

// AppendResponse adds text to the response.
func (c Context) AppendResponse(text string) Context {
	c.response += text
	return c
}

// WithVariable sets one named variable.
func (c Context) WithVariable(name string, v any) Context {
	vars := cloneMap(c.variables)
	if vars == nil {
		vars = make(map[string]any, 1)
	}
	vars[name] = v
	c.variables = vars
	return c
}

// WithToolResult appends a tool result.
func (c Context) WithToolResult(r tools.Result) Context {
	c.toolResults = append(c.ToolResults(), r)
	return c
}

// WithSystemPrompt replaces the system prompt override.
func (c Context) WithSystemPrompt(s string) Context {
	c.systemPrompt = s
	return c
}

// WithParams replaces the sampling parameters.
func (c Context) WithParams(p Params) Context {
	c.params = p
	return c
}

// WithPipeline replaces the pipeline reference.
func (c Context) WithPipeline(d Definition) Context {
	c.pipeline = d.Clone()
	return c
}
