package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/crucible/internal/artifact"
	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/engine"
	"github.com/kalambet/crucible/internal/prompt"
	"github.com/kalambet/crucible/internal/requirements"
	"github.com/kalambet/crucible/internal/tools"
	"github.com/kalambet/crucible/internal/validation"
)

// placeholderMinLength is the content size below which a write_file call
// is treated as a stub.
const placeholderMinLength = 200

const strictToolLock = "Answer by calling a tool. Write the complete, working content of every file. Never write placeholders such as TODO or \"code goes here\"."

func taskLock(task string) string {
	task = strings.TrimSpace(task)
	return "Stay on this exact task: " + task + "\nDo not build a different program and do not change the subject."
}

// codeFlow extracts requirements, generates once without tools and, when
// validation fails, regenerates exactly once with the issues in the prompt.
// The regenerated answer is final whether or not it validates.
func (e *Executor) codeFlow(ctx context.Context, rs *runState) error {
	rs.timer.StartStage("requirements")
	if err := rs.emit(Progress{Stage: "requirements", Message: "Analyzing requirements"}); err != nil {
		return err
	}
	req, err := e.extractor.Extract(ctx, rs.message)
	if err != nil {
		return err
	}
	rs.pc = rs.pc.WithVariable(VarRequirements, req)

	if len(req.Missing) > 0 {
		q := requirements.ClarificationQuestion(req)
		rs.buf.Add(conversation.Message{Role: conversation.RoleAssistant, Content: q})
		rs.pc = rs.pc.WithResponse(q)
		return nil
	}

	brief := req.Brief()
	lock := taskLock(req.Task)
	params := rs.params()

	var plan string
	if rs.planning {
		rs.timer.StartStage("planning")
		if err := rs.emit(Progress{Stage: "planning", Message: "Planning"}); err != nil {
			return err
		}
		plan, err = e.provider.Generate(ctx, engine.Request{
			Prompt:      e.builder.BuildPlanning(req.Task, prompt.Options{ProjectContext: e.projectContext}),
			Model:       params.Model,
			MaxTokens:   params.MaxTokens,
			Temperature: engine.Float(params.Temperature),
			Stop:        []string{stopSequence},
		})
		if err != nil {
			return fmt.Errorf("planning: %w", err)
		}
		rs.pc = rs.pc.WithVariable("plan", plan)
	}

	dev := e.builder.CodeDeveloper(brief)
	if rs.cfg.DeveloperPrompt != "" {
		dev = rs.cfg.DeveloperPrompt + "\n\n" + dev
	}
	rs.timer.StartStage("generate")
	if err := rs.emit(Progress{Stage: "generate", Message: "Writing code"}); err != nil {
		return err
	}
	turn, err := e.handler.Handle(ctx, rs.buf, TurnOptions{
		Mode: ModeNoTools,
		Prompt: prompt.Options{
			SystemOverride:    rs.pc.SystemPrompt(),
			DeveloperPrompt:   dev,
			TaskLock:          lock,
			ProjectContext:    e.projectContext,
			AdditionalContext: plan,
			Planning:          rs.planning,
			Code:              true,
		},
		Params:             params,
		MaxContextTokens:   rs.cfg.MaxContextTokens,
		ForceLastUser:      true,
		InjectConversation: false,
	}, rs.emit, rs.timer)
	if err != nil {
		return err
	}
	rs.pc = rs.pc.WithResponse(turn.Text)

	rs.timer.StartStage("validate")
	v := e.validator
	if rs.cfg.EnableValidation {
		v = e.reviewer
	}
	vr, err := v.Validate(ctx, validation.Input{Message: rs.message, Runtime: req.Runtime, Output: turn.Text})
	if err != nil {
		return fmt.Errorf("validating output: %w", err)
	}
	rs.pc = rs.pc.WithVariable(VarValidation, vr)
	if vr.Valid {
		return nil
	}

	rs.timer.StartStage("fix")
	if err := rs.emit(Progress{Stage: "fix", Message: "Validation failed (" + issueCodes(vr) + "), regenerating once"}); err != nil {
		return err
	}
	fixed, err := e.provider.Generate(ctx, engine.Request{
		Prompt: e.builder.Build([]conversation.Message{{Role: conversation.RoleUser, Content: rs.message}}, prompt.Options{
			SystemOverride:  rs.pc.SystemPrompt(),
			DeveloperPrompt: e.builder.FixDeveloper(brief, vr.PromptIssues(), turn.Text),
			TaskLock:        lock,
			ProjectContext:  e.projectContext,
			Code:            true,
			Fix:             true,
		}),
		Model:       params.Model,
		MaxTokens:   params.MaxTokens,
		Temperature: engine.Float(params.Temperature),
		Stop:        []string{stopSequence},
	})
	if err != nil {
		return fmt.Errorf("fix retry: %w", err)
	}
	replaceLastAssistant(rs.buf, fixed)
	rs.pc = rs.pc.WithResponse(fixed)
	return nil
}

// toolFlow runs a structured tool turn, retries once with stricter
// instructions when the model skipped the tools or wrote a stub file, and
// falls back to executing artifact actions or writing fenced code blocks
// when the model described files instead of calling tools.
func (e *Executor) toolFlow(ctx context.Context, rs *runState) error {
	names := e.toolNames(rs.cfg)
	opts := TurnOptions{
		Mode: ModeStructured,
		Prompt: prompt.Options{
			SystemOverride:  rs.pc.SystemPrompt(),
			DeveloperPrompt: rs.cfg.DeveloperPrompt,
			IncludeTools:    true,
			ToolNames:       names,
			ProjectContext:  e.projectContext,
			Planning:        rs.planning,
		},
		Params:             rs.params(),
		MaxToolIterations:  rs.cfg.MaxToolIterations,
		MaxContextTokens:   rs.cfg.MaxContextTokens,
		InjectConversation: rs.cfg.Injects(),
		History:            rs.history,
	}

	rs.timer.StartStage("generate")
	turn, err := e.handler.Handle(ctx, rs.buf, opts, rs.emit, rs.timer)
	if err != nil {
		return err
	}
	text := turn.Text
	raws := []string{turn.Raw}
	results := turn.Results

	if reason := retryReason(turn); reason != "" {
		rs.timer.StartStage("retry")
		if err := rs.emit(Progress{Stage: "retry", Message: reason + ", retrying once"}); err != nil {
			return err
		}
		strict := opts
		strict.Prompt.RequireToolCall = true
		strict.Prompt.SuppressToolDescriptions = true
		strict.Prompt.TaskLock = strictToolLock
		strict.ForceLastUser = true
		strict.InjectConversation = false
		strict.History = nil

		retry, err := e.handler.Handle(ctx, rs.buf, strict, rs.emit, rs.timer)
		if err != nil {
			return err
		}
		text = joinText(text, retry.Text)
		raws = append(raws, retry.Raw)
		results = append(results, retry.Results...)
	}

	for _, r := range results {
		rs.pc = rs.pc.WithToolResult(r)
	}
	if len(results) == 0 {
		calls := describedCalls(raws)
		if len(calls) > 0 {
			rs.timer.StartStage("artifacts")
		}
		for _, c := range calls {
			c.ID = uuid.NewString()
			r, err := runTool(ctx, e.router, c, rs.emit, rs.timer)
			if err != nil {
				return err
			}
			rs.buf.Add(conversation.Message{Role: conversation.RoleTool, Content: r.Text(), ToolCallID: r.ToolCallID})
			rs.pc = rs.pc.WithToolResult(r)
		}
	}

	rs.pc = rs.pc.WithResponse(text)
	return nil
}

// plainFlow runs one turn without tools on the injected history.
func (e *Executor) plainFlow(ctx context.Context, rs *runState) error {
	rs.timer.StartStage("generate")
	turn, err := e.handler.Handle(ctx, rs.buf, TurnOptions{
		Mode: ModeNoTools,
		Prompt: prompt.Options{
			SystemOverride:  rs.pc.SystemPrompt(),
			DeveloperPrompt: rs.cfg.DeveloperPrompt,
			ProjectContext:  e.projectContext,
		},
		Params:             rs.params(),
		MaxContextTokens:   rs.cfg.MaxContextTokens,
		InjectConversation: rs.cfg.Injects(),
		History:            rs.history,
	}, rs.emit, rs.timer)
	if err != nil {
		return err
	}
	rs.pc = rs.pc.WithResponse(turn.Text)
	return nil
}

// describedCalls turns the latest answer that describes files, as artifact
// actions or else as fenced code blocks, into tool calls.
func describedCalls(raws []string) []tools.Call {
	for i := len(raws) - 1; i >= 0; i-- {
		var calls []tools.Call
		if artifact.HasMarker(raws[i]) {
			for _, a := range artifact.Parse(raws[i]) {
				calls = append(calls, a.Call())
			}
		} else {
			for _, f := range artifact.ExtractFiles(raws[i]) {
				calls = append(calls, tools.Call{Name: "write_file", Arguments: map[string]any{"path": f.Name, "content": f.Content}})
			}
		}
		if len(calls) > 0 {
			return calls
		}
	}
	return nil
}

// retryReason reports why a tool turn deserves the one strict retry, or ""
// when it does not.
func retryReason(t TurnResult) string {
	if len(t.Calls) == 0 && !tools.ContainsMarker(t.Raw) && !artifact.HasMarker(t.Raw) {
		return "no tool call in the answer"
	}
	for _, c := range t.Calls {
		if c.Name == "write_file" && IsPlaceholder(c.StringArg("content")) {
			return "write_file content looks like a placeholder"
		}
	}
	return ""
}

// IsPlaceholder reports whether file content is a stub rather than a real
// implementation.
func IsPlaceholder(content string) bool {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)
	switch {
	case trimmed == "", trimmed == "//":
		return true
	case strings.Contains(lower, "code goes here"), strings.Contains(lower, "todo"):
		return true
	}
	return len(trimmed) < placeholderMinLength
}

// replaceLastAssistant swaps the answer of the current turn, the assistant
// message after the latest user message, for content.
func replaceLastAssistant(buf *conversation.Buffer, content string) {
	msgs := buf.Messages()
	for i := len(msgs) - 1; i >= 0 && msgs[i].Role != conversation.RoleUser; i-- {
		if msgs[i].Role == conversation.RoleAssistant {
			buf.Replace(i, conversation.Message{Role: conversation.RoleAssistant, Content: content})
			return
		}
	}
	buf.Add(conversation.Message{Role: conversation.RoleAssistant, Content: content})
}

func issueCodes(r validation.Result) string {
	out := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		out[i] = is.Code
	}
	return strings.Join(out, ", ")
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}
