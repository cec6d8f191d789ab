package engine

import "context"

// Request is a single completion request. Prompt already carries the chat
// markup; engines send it raw.
type Request struct {
	Prompt string
	// Model overrides the engine's default model when non-empty.
	Model     string
	MaxTokens int
	// Temperature nil leaves the model default in place.
	Temperature *float64
	Stop        []string
	// Format requests structured JSON output where the backend supports it.
	Format *Schema
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 { return &v }

// Chunk is one streamed fragment. A chunk with a non-nil Err is the last
// value on its channel.
type Chunk struct {
	Text string
	Err  error
}

// Provider produces completions. Stream returns a finite, non-restartable
// sequence of fragments; the channel is closed when generation ends. The
// caller must either drain the channel or cancel ctx.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	Generate(ctx context.Context, req Request) (string, error)
}

// Engine is a Provider backed by a concrete inference service that can
// report and prepare its models.
type Engine interface {
	Provider

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel makes a model available. The optional callback receives
	// progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Schema is a JSON-schema object the reply must conform to. Only flat
// objects are supported.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// PullProgress is one progress update of PullModel. Total is zero while
// the backend has not reported a size.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
