package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/prompt"
)

func TestHandle_NoTools(t *testing.T) {
	p := &scriptProvider{streams: [][]string{{"Hel", "lo"}}}
	r, _ := newTestRouter(t)
	h := NewHandler(p, r, newTestBuilder(t, r), nil)
	buf := newBufferWithUser("hi")
	var c collector

	res, err := h.Handle(context.Background(), buf, TurnOptions{Mode: ModeNoTools}, c.emit, nil)
	require.NoError(t, err)

	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, []Kind{KindToken, KindToken}, kinds(c.events))
	msgs := buf.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
}

func TestHandle_NoToolsIgnoresBlocks(t *testing.T) {
	block := toolBlock("run_command", `{"command":"ls"}`)
	p := &scriptProvider{streams: [][]string{{block}}}
	r, _ := newTestRouter(t)
	h := NewHandler(p, r, newTestBuilder(t, r), nil)
	var c collector

	res, err := h.Handle(context.Background(), newBufferWithUser("hi"), TurnOptions{Mode: ModeNoTools}, c.emit, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Calls)
	assert.Equal(t, block, res.Text)
	assert.Equal(t, 1, p.streamCalls())
}

func TestHandle_StructuredRunsToolsInline(t *testing.T) {
	p := &scriptProvider{streams: [][]string{
		{"Checking.\n", toolBlock("run_command", `{"command":"ls"}`), "\n"},
		{"All good."},
	}}
	r, _ := newTestRouter(t)
	h := NewHandler(p, r, newTestBuilder(t, r), nil)
	buf := newBufferWithUser("list the files")
	var c collector

	res, err := h.Handle(context.Background(), buf, TurnOptions{Mode: ModeStructured}, c.emit, nil)
	require.NoError(t, err)

	assert.Equal(t, []Kind{KindToken, KindToolCall, KindToolResult, KindToken, KindToken, KindToken}, kinds(c.events))
	assert.Equal(t, "Checking.\n\nAll good.", res.Text)
	assert.Equal(t, "Checking.\n\nAll good.", tokenText(c.events, false))
	assert.Equal(t, "\n✓ run_command\n", tokenText(c.events, true))
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "ran: ls", res.Results[0].Output)
	assert.Equal(t, res.Calls[0].ID, res.Results[0].ToolCallID)

	assert.Contains(t, p.prompt(1), prompt.ToolResultPrefix+"ran: ls")

	msgs := buf.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, conversation.RoleTool, msgs[2].Role)
	assert.Equal(t, res.Calls[0].ID, msgs[2].ToolCallID)
	assert.Equal(t, "All good.", msgs[3].Content)
}

func TestHandle_StructuredMalformedBlockThenValid(t *testing.T) {
	bad := "```tool_call\n{\"name\": }\n```"
	p := &scriptProvider{streams: [][]string{
		{"A\n", bad, "\nNow properly:\n", toolBlock("run_command", `{"command":"ls"}`)},
		{"Done."},
	}}
	r, _ := newTestRouter(t)
	h := NewHandler(p, r, newTestBuilder(t, r), nil)
	var c collector

	res, err := h.Handle(context.Background(), newBufferWithUser("list the files"), TurnOptions{Mode: ModeStructured}, c.emit, nil)
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "ran: ls", res.Results[0].Output)

	first := -1
	for i, e := range c.events {
		if e.Kind() == KindToolCall {
			first = i
			break
		}
	}
	require.Positive(t, first, "tool call was not emitted")
	assert.Equal(t, "A\n"+bad+"\nNow properly:\n", tokenText(c.events[:first], false))
	assert.Contains(t, res.Text, "Done.")
}

func TestHandle_IterationLimit(t *testing.T) {
	// The script repeats, so the model calls a tool forever.
	p := &scriptProvider{streams: [][]string{{toolBlock("run_command", `{"command":"ls"}`)}}}
	r, _ := newTestRouter(t)
	h := NewHandler(p, r, newTestBuilder(t, r), nil)
	var c collector

	res, err := h.Handle(context.Background(), newBufferWithUser("loop"), TurnOptions{Mode: ModeStructured, MaxToolIterations: 1}, c.emit, nil)
	require.NoError(t, err)

	assert.True(t, res.LimitReached)
	assert.Len(t, res.Results, 1)
	assert.Equal(t, 2, p.streamCalls())

	last := c.events[len(c.events)-1]
	warn, ok := last.(Error)
	require.True(t, ok, "last event is %T", last)
	assert.Equal(t, CodeIterationLimit, warn.Code)
	assert.True(t, warn.Warning)
}

func TestHandle_WholeMessage(t *testing.T) {
	p := &scriptProvider{streams: [][]string{
		{"```tool_", "call\n{\"name\":\"run_command\",\"arguments\":{\"command\":\"pwd\"}}\n```"},
		{"ok"},
	}}
	r, _ := newTestRouter(t)
	h := NewHandler(p, r, newTestBuilder(t, r), nil)
	var c collector

	res, err := h.Handle(context.Background(), newBufferWithUser("where am i"), TurnOptions{Mode: ModeWholeMessage}, c.emit, nil)
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.Equal(t, "ran: pwd", res.Results[0].Output)
	assert.Contains(t, kinds(c.events), KindToolCall)
	assert.Equal(t, 2, p.streamCalls())
}

func TestHandle_NoRouter(t *testing.T) {
	p := &scriptProvider{streams: [][]string{{toolBlock("run_command", `{"command":"ls"}`)}, {"sorry"}}}
	h := NewHandler(p, nil, newTestBuilder(t, nil), nil)
	var c collector

	res, err := h.Handle(context.Background(), newBufferWithUser("ls"), TurnOptions{Mode: ModeStructured}, c.emit, nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Success)
	assert.Equal(t, "\n✗ run_command: no tools are available\n", tokenText(c.events, true))
}

func TestHandle_ForceLastUser(t *testing.T) {
	p := &scriptProvider{streams: [][]string{{"ok"}}}
	h := NewHandler(p, nil, newTestBuilder(t, nil), nil)
	buf := conversation.NewBuffer("conv-1", 0)
	buf.Add(conversation.Message{Role: conversation.RoleUser, Content: "first question"})
	buf.Add(conversation.Message{Role: conversation.RoleAssistant, Content: "first answer"})
	buf.Add(conversation.Message{Role: conversation.RoleUser, Content: "second question"})
	var c collector

	_, err := h.Handle(context.Background(), buf, TurnOptions{
		Mode:               ModeNoTools,
		ForceLastUser:      true,
		InjectConversation: true,
	}, c.emit, nil)
	require.NoError(t, err)

	sent := p.prompt(0)
	assert.Contains(t, sent, "second question")
	assert.NotContains(t, sent, "first question")
	assert.NotContains(t, sent, "first answer")
}

func TestHandle_InjectsHistory(t *testing.T) {
	p := &scriptProvider{streams: [][]string{{"ok"}}}
	h := NewHandler(p, nil, newTestBuilder(t, nil), nil)
	buf := conversation.NewBuffer("conv-1", 0)
	buf.Add(conversation.Message{Role: conversation.RoleUser, Content: "earlier"})
	buf.Add(conversation.Message{Role: conversation.RoleAssistant, Content: "earlier answer"})
	buf.Add(conversation.Message{Role: conversation.RoleUser, Content: "now"})
	var c collector

	_, err := h.Handle(context.Background(), buf, TurnOptions{
		Mode:               ModeNoTools,
		InjectConversation: true,
		History:            []conversation.Message{{Role: conversation.RoleUser, Content: "from the client"}},
	}, c.emit, nil)
	require.NoError(t, err)

	sent := p.prompt(0)
	assert.Contains(t, sent, "from the client")
	assert.Contains(t, sent, "earlier answer")
	assert.Contains(t, sent, "now")
}

func TestMergeHistory(t *testing.T) {
	injected := []conversation.Message{
		{Role: conversation.RoleUser, Content: "a"},
		{Role: conversation.RoleAssistant, Content: "b"},
	}
	buffered := []conversation.Message{
		{Role: conversation.RoleUser, Content: "a"},
		{Role: conversation.RoleAssistant, Content: "b"},
		{Role: conversation.RoleUser, Content: "c"},
	}
	got := mergeHistory(injected, buffered)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[2].Content)

	assert.Equal(t, buffered, mergeHistory(nil, buffered))
}

func TestHandle_Cancelled(t *testing.T) {
	p := &scriptProvider{streams: [][]string{{"partial", "never"}}, hold: true}
	h := NewHandler(p, nil, newTestBuilder(t, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c collector
	emit := func(o Output) error {
		_ = c.emit(o)
		cancel()
		return nil
	}
	res, err := h.Handle(ctx, newBufferWithUser("hi"), TurnOptions{Mode: ModeNoTools}, emit, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "partial", res.Text)
	assert.Equal(t, "partial", tokenText(c.events, false))
}

func TestHandle_ProviderErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("start", func(t *testing.T) {
		p := &scriptProvider{startErr: boom}
		h := NewHandler(p, nil, newTestBuilder(t, nil), nil)
		var c collector
		_, err := h.Handle(context.Background(), newBufferWithUser("hi"), TurnOptions{}, c.emit, nil)
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "starting completion stream")
		assert.Empty(t, c.events)
	})

	t.Run("mid-stream", func(t *testing.T) {
		p := &scriptProvider{streams: [][]string{{"a"}}, chunkErr: boom}
		h := NewHandler(p, nil, newTestBuilder(t, nil), nil)
		var c collector
		res, err := h.Handle(context.Background(), newBufferWithUser("hi"), TurnOptions{}, c.emit, nil)
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "streaming completion")
		assert.Equal(t, "a", res.Text)
	})
}

func TestHandle_EmitErrorAborts(t *testing.T) {
	stop := errors.New("client gone")
	p := &scriptProvider{streams: [][]string{{"a", "b", "c"}}}
	h := NewHandler(p, nil, newTestBuilder(t, nil), nil)

	_, err := h.Handle(context.Background(), newBufferWithUser("hi"), TurnOptions{}, func(Output) error { return stop }, nil)
	require.ErrorIs(t, err, stop)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "no_tools", ModeNoTools.String())
	assert.Equal(t, "whole_message", ModeWholeMessage.String())
	assert.Equal(t, "structured", ModeStructured.String())
	assert.Equal(t, "mode(7)", Mode(7).String())
}
