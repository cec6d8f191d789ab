package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Call is a request to run a named tool, parsed from model output.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// StringArg returns the named argument as a string, or "" when absent.
func (c Call) StringArg(name string) string {
	v, ok := c.Arguments[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Result is the outcome of a single tool execution. Failures are data:
// Success is false and Error holds the reason.
type Result struct {
	ToolCallID string        `json:"tool_call_id"`
	ToolName   string        `json:"tool_name"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Text returns the content handed back to the model for this result.
func (r Result) Text() string {
	if r.Success {
		return r.Output
	}
	return "Error: " + r.Error
}

// Tool is a capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Router parses tool blocks out of model text and dispatches them to
// registered tools.
type Router struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithTimeout bounds each tool execution. Zero means no bound beyond the
// caller's context.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a Router with the given tools registered.
func NewRouter(tools []Tool, opts ...Option) *Router {
	r := &Router{
		tools:  make(map[string]Tool, len(tools)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *Router) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

// Names returns the registered tool names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a tool with the given name is registered.
func (r *Router) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.tools[name]
	r.mu.RUnlock()
	return ok
}

// Describe renders one line per tool for inclusion in a system prompt.
// When names is empty, all registered tools are described. Unknown names
// are skipped.
func (r *Router) Describe(names []string) string {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
	}
	return strings.TrimRight(b.String(), "\n")
}

// Parse extracts the first complete tool block from text. It returns nil
// when no well-formed block is present, including for partial blocks.
func (r *Router) Parse(text string) *Call {
	return Parse(text)
}

// Execute runs the call. It never returns an error: unknown tools, tool
// errors, panics and timeouts are all reported through Result.
func (r *Router) Execute(ctx context.Context, call Call) (res Result) {
	start := time.Now()
	res = Result{ToolCallID: call.ID, ToolName: call.Name}
	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Output = ""
			res.Error = fmt.Sprintf("tool panicked: %v", p)
			r.logger.Error("tool panicked", "tool", call.Name, "panic", p)
		}
		res.Duration = time.Since(start)
	}()

	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		res.Error = fmt.Sprintf("unknown tool %q", call.Name)
		return res
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	out, err := t.Execute(ctx, args)
	if err != nil {
		res.Error = err.Error()
		r.logger.Debug("tool failed", "tool", call.Name, "error", err)
		return res
	}
	res.Success = true
	res.Output = out
	return res
}
