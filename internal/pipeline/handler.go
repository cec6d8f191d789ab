package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/engine"
	"github.com/kalambet/crucible/internal/metrics"
	"github.com/kalambet/crucible/internal/prompt"
	"github.com/kalambet/crucible/internal/tools"
)

// Mode selects how a turn treats tool calls.
type Mode int

const (
	// ModeNoTools streams once and never looks for tool calls.
	ModeNoTools Mode = iota
	// ModeWholeMessage streams a full answer, then parses it for a call.
	ModeWholeMessage
	// ModeStructured catches tool blocks while streaming and runs them
	// inline.
	ModeStructured
)

func (m Mode) String() string {
	switch m {
	case ModeNoTools:
		return "no_tools"
	case ModeWholeMessage:
		return "whole_message"
	case ModeStructured:
		return "structured"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// CodeIterationLimit is the warning code sent when a turn stops at its tool
// iteration ceiling.
const CodeIterationLimit = "ITERATION_LIMIT"

// stopSequence ends a completion at the close of the assistant block.
const stopSequence = "<|im_end|>"

// Emitter delivers an event to the caller. A non-nil error aborts the turn.
type Emitter func(Output) error

// TurnOptions configure one Handle call.
type TurnOptions struct {
	Mode   Mode
	Prompt prompt.Options
	Params Params

	// MaxToolIterations bounds tool executions in the turn.
	MaxToolIterations int
	// MaxContextTokens budgets injected history; zero is unbounded.
	MaxContextTokens int

	// ForceLastUser sends only the latest user message.
	ForceLastUser bool
	// InjectConversation sends buffered history. When false only system
	// messages and the latest user message are sent.
	InjectConversation bool
	// History is caller-supplied history merged ahead of the buffer.
	History []conversation.Message
}

// TurnResult summarises a finished turn.
type TurnResult struct {
	// Text is the visible answer without tool blocks or markers.
	Text string
	// Raw is everything the model produced, across iterations.
	Raw          string
	Calls        []tools.Call
	Results      []tools.Result
	Iterations   int
	LimitReached bool
}

// Handler runs single turns against a provider, executing tool calls
// through the router.
type Handler struct {
	provider engine.Provider
	router   *tools.Router
	builder  *prompt.Builder
	logger   *slog.Logger
}

// NewHandler creates a Handler. router may be nil when tools are never
// enabled.
func NewHandler(p engine.Provider, router *tools.Router, builder *prompt.Builder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{provider: p, router: router, builder: builder, logger: logger}
}

// iteration collects one model call.
type iteration struct {
	raw     strings.Builder
	visible strings.Builder
	calls   []tools.Call
	results []tools.Result
	limit   bool
}

// turn is the state of one Handle call.
type turn struct {
	buf      *conversation.Buffer
	opts     TurnOptions
	emit     Emitter
	timer    *metrics.Timer
	executed int
	// added are the messages appended during this turn, in order.
	added []conversation.Message
}

// Handle runs one turn on buf, whose latest user message is the request.
// The turn loops while the model calls tools, up to MaxToolIterations tool
// executions. Cancellation returns ctx.Err(); provider failures are
// returned wrapped. Text already emitted stands in both cases.
func (h *Handler) Handle(ctx context.Context, buf *conversation.Buffer, opts TurnOptions, emit Emitter, timer *metrics.Timer) (TurnResult, error) {
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = DefaultMaxToolIterations
	}
	if opts.Mode == ModeNoTools {
		opts.Prompt.IncludeTools = false
	}
	if timer == nil {
		timer = metrics.NewTimer("", "", buf.ID())
	}
	t := &turn{buf: buf, opts: opts, emit: emit, timer: timer}

	var res TurnResult
	var text, raw strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p := h.builder.Build(h.history(t), opts.Prompt)
		res.Iterations++

		it, err := h.iterate(ctx, t, p)
		text.WriteString(it.visible.String())
		raw.WriteString(it.raw.String())
		res.Text, res.Raw = text.String(), raw.String()
		res.Calls = append(res.Calls, it.calls...)
		res.Results = append(res.Results, it.results...)
		if err != nil {
			return res, err
		}

		t.append(conversation.Message{Role: conversation.RoleAssistant, Content: it.raw.String(), ToolCalls: it.calls})
		for _, r := range it.results {
			t.append(conversation.Message{Role: conversation.RoleTool, Content: r.Text(), ToolCallID: r.ToolCallID})
		}

		if it.limit {
			res.LimitReached = true
			h.logger.Warn("tool iteration limit reached", "conversation", buf.ID(), "limit", opts.MaxToolIterations)
			return res, nil
		}
		if opts.Mode == ModeNoTools || len(it.calls) == 0 {
			return res, nil
		}
		h.logger.Debug("continuing after tool calls", "conversation", buf.ID(), "calls", len(it.calls), "iteration", res.Iterations)
	}
}

func (t *turn) append(m conversation.Message) {
	if m.Role == conversation.RoleAssistant && m.Content == "" && len(m.ToolCalls) == 0 {
		return
	}
	t.buf.Add(m)
	t.added = append(t.added, m)
}

// history assembles the messages for the next prompt of t.
func (h *Handler) history(t *turn) []conversation.Message {
	if t.opts.InjectConversation && !t.opts.ForceLastUser {
		merged := mergeHistory(t.opts.History, t.buf.Messages())
		return conversation.Window(merged, t.opts.MaxContextTokens)
	}

	var out []conversation.Message
	if !t.opts.ForceLastUser {
		for _, m := range t.buf.Messages() {
			if m.Role == conversation.RoleSystem {
				out = append(out, m)
			}
		}
	}
	if last, ok := t.buf.LastUser(); ok {
		out = append(out, last)
	}
	return append(out, t.added...)
}

// mergeHistory puts injected ahead of buffered, dropping buffered messages
// whose content exactly equals an injected one. Two different turns with
// identical text therefore collapse into one.
func mergeHistory(injected, buffered []conversation.Message) []conversation.Message {
	if len(injected) == 0 {
		return buffered
	}
	seen := make(map[string]bool, len(injected))
	out := make([]conversation.Message, 0, len(injected)+len(buffered))
	for _, m := range injected {
		seen[m.Content] = true
		out = append(out, m)
	}
	for _, m := range buffered {
		if !seen[m.Content] {
			out = append(out, m)
		}
	}
	return out
}

// iterate runs one model call and whatever tool calls it produces.
func (h *Handler) iterate(ctx context.Context, t *turn, p string) (*iteration, error) {
	it := &iteration{}
	streamCtx, cancel := context.WithCancel(ctx)
	ch, err := h.provider.Stream(streamCtx, engine.Request{
		Prompt:      p,
		Model:       t.opts.Params.Model,
		MaxTokens:   t.opts.Params.MaxTokens,
		Temperature: engine.Float(t.opts.Params.Temperature),
		Stop:        []string{stopSequence},
	})
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return it, ctx.Err()
		}
		return it, fmt.Errorf("starting completion stream: %w", err)
	}
	defer func() {
		cancel()
		for range ch {
		}
	}()

	var sc fenceScanner
	structured := t.opts.Mode == ModeStructured

read:
	for {
		select {
		case <-ctx.Done():
			return it, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				break read
			}
			if chunk.Err != nil {
				if ctx.Err() != nil {
					return it, ctx.Err()
				}
				return it, fmt.Errorf("streaming completion: %w", chunk.Err)
			}
			if chunk.Text == "" {
				continue
			}
			it.raw.WriteString(chunk.Text)
			t.timer.RecordTokens(1)

			if !structured {
				if err := h.forward(t, it, chunk.Text); err != nil {
					return it, err
				}
				continue
			}
			for _, seg := range sc.feed(chunk.Text) {
				if seg.call == nil {
					if err := h.forward(t, it, seg.text); err != nil {
						return it, err
					}
					continue
				}
				if err := h.call(ctx, t, it, *seg.call); err != nil {
					return it, err
				}
				if it.limit {
					return it, nil
				}
			}
		}
	}

	if structured {
		if rest := sc.flush(); rest != "" {
			if err := h.forward(t, it, rest); err != nil {
				return it, err
			}
		}
	}
	if t.opts.Mode == ModeNoTools || len(it.calls) > 0 {
		return it, nil
	}
	// Whole-message mode, or a block the scanner could not see because
	// its fences were split oddly.
	if c := tools.Parse(it.raw.String()); c != nil {
		if err := h.call(ctx, t, it, *c); err != nil {
			return it, err
		}
	}
	return it, nil
}

func (h *Handler) forward(t *turn, it *iteration, text string) error {
	it.visible.WriteString(text)
	return t.emit(Token{Text: text})
}

// call executes c unless the turn is at its ceiling, in which case it
// emits the limit warning and marks the iteration.
func (h *Handler) call(ctx context.Context, t *turn, it *iteration, c tools.Call) error {
	if t.executed >= t.opts.MaxToolIterations {
		it.limit = true
		return t.emit(Error{
			Code:    CodeIterationLimit,
			Message: fmt.Sprintf("stopped after %d tool calls", t.opts.MaxToolIterations),
			Warning: true,
		})
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	t.executed++
	r, err := runTool(ctx, h.router, c, t.emit, t.timer)
	it.calls = append(it.calls, c)
	it.results = append(it.results, r)
	return err
}

// runTool emits the call, executes it, and emits its result followed by an
// inline marker token.
func runTool(ctx context.Context, router *tools.Router, c tools.Call, emit Emitter, timer *metrics.Timer) (tools.Result, error) {
	if err := emit(ToolCallEvent{Call: c}); err != nil {
		return tools.Result{ToolCallID: c.ID, ToolName: c.Name}, err
	}
	var r tools.Result
	if router == nil {
		r = tools.Result{ToolCallID: c.ID, ToolName: c.Name, Error: "no tools are available"}
	} else {
		r = router.Execute(ctx, c)
	}
	timer.AddToolTime(r.Duration)
	if err := ctx.Err(); err != nil {
		return r, err
	}
	if err := emit(ToolResultEvent{Call: c, Result: r}); err != nil {
		return r, err
	}
	return r, emit(Token{Text: markerText(r), Marker: true})
}

func markerText(r tools.Result) string {
	if r.Success {
		return "\n✓ " + r.ToolName + "\n"
	}
	return "\n✗ " + r.ToolName + ": " + r.Error + "\n"
}
