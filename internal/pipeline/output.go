package pipeline

import (
	"github.com/kalambet/crucible/internal/metrics"
	"github.com/kalambet/crucible/internal/tools"
)

// Kind names an output variant on the wire.
type Kind string

const (
	KindToken      Kind = "token"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindStatus     Kind = "status"
	KindError      Kind = "error"
	KindComplete   Kind = "complete"
)

// Metadata keys shared with transports.
const (
	MetaToolName      = "toolName"
	MetaToolArguments = "toolArguments"
	MetaToolSuccess   = "toolSuccess"
	MetaToolCallID    = "toolCallId"
	MetaDurationMs    = "durationMs"
	MetaMarker        = "marker"
	MetaStage         = "stage"
	MetaCode          = "code"
	MetaWarning       = "warning"
	MetaMetrics       = "metrics"
)

// Output is one event of a run. The set of variants is closed: Token,
// ToolCallEvent, ToolResultEvent, Progress, Error and Complete.
type Output interface {
	Kind() Kind
	Metadata() map[string]any
	output()
}

// Token is a fragment of visible response text. Marker tokens are the
// short inline notes about tool outcomes; they are shown but are not part
// of the response.
type Token struct {
	Text   string
	Marker bool
}

// ToolCallEvent announces a tool call about to run.
type ToolCallEvent struct {
	Call tools.Call
}

// ToolResultEvent reports the outcome of the preceding ToolCallEvent.
type ToolResultEvent struct {
	Call   tools.Call
	Result tools.Result
}

// Progress reports movement between stages.
type Progress struct {
	Stage   string
	Message string
}

// Error reports a recoverable problem. Warnings do not end the run.
type Error struct {
	Code    string
	Message string
	Warning bool
}

// Complete is the last event of a successful run.
type Complete struct {
	Content string
	Metrics *metrics.Snapshot
}

func (Token) Kind() Kind           { return KindToken }
func (ToolCallEvent) Kind() Kind   { return KindToolCall }
func (ToolResultEvent) Kind() Kind { return KindToolResult }
func (Progress) Kind() Kind        { return KindStatus }
func (Error) Kind() Kind           { return KindError }
func (Complete) Kind() Kind        { return KindComplete }

func (Token) output()           {}
func (ToolCallEvent) output()   {}
func (ToolResultEvent) output() {}
func (Progress) output()        {}
func (Error) output()           {}
func (Complete) output()        {}

func (t Token) Metadata() map[string]any {
	if !t.Marker {
		return nil
	}
	return map[string]any{MetaMarker: true}
}

func (e ToolCallEvent) Metadata() map[string]any {
	return map[string]any{
		MetaToolName:      e.Call.Name,
		MetaToolArguments: argsOrEmpty(e.Call.Arguments),
		MetaToolCallID:    e.Call.ID,
	}
}

func (e ToolResultEvent) Metadata() map[string]any {
	return map[string]any{
		MetaToolName:      e.Result.ToolName,
		MetaToolArguments: argsOrEmpty(e.Call.Arguments),
		MetaToolSuccess:   e.Result.Success,
		MetaToolCallID:    e.Result.ToolCallID,
		MetaDurationMs:    e.Result.Duration.Milliseconds(),
	}
}

func (p Progress) Metadata() map[string]any {
	return map[string]any{MetaStage: p.Stage}
}

func (e Error) Metadata() map[string]any {
	return map[string]any{MetaCode: e.Code, MetaWarning: e.Warning}
}

func (c Complete) Metadata() map[string]any {
	if c.Metrics == nil {
		return nil
	}
	return map[string]any{MetaMetrics: *c.Metrics}
}

// WireEvent is the transport shape of an Output.
type WireEvent struct {
	Type     Kind           `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Encode converts o to its transport shape.
func Encode(o Output) WireEvent {
	ev := WireEvent{Type: o.Kind(), Metadata: o.Metadata()}
	switch v := o.(type) {
	case Token:
		ev.Content = v.Text
	case ToolCallEvent:
		ev.Content = tools.Block(v.Call)
	case ToolResultEvent:
		ev.Content = v.Result.Text()
	case Progress:
		ev.Content = v.Message
	case Error:
		ev.Content = v.Message
	case Complete:
		ev.Content = v.Content
	}
	return ev
}

func argsOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
