package engine

import (
	"context"

	"github.com/kalambet/crucible/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
	model  string
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at
// baseURL, using model when a request names none.
func NewOllamaEngine(baseURL, model string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL), model: model}
}

func (e *OllamaEngine) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	gr := e.request(req)
	return startStream(ctx, func(ctx context.Context, emit func(string) error) error {
		return e.client.GenerateStream(ctx, gr, emit)
	})
}

func (e *OllamaEngine) Generate(ctx context.Context, req Request) (string, error) {
	return e.client.Generate(ctx, e.request(req))
}

func (e *OllamaEngine) request(req Request) ollama.GenerateRequest {
	model := req.Model
	if model == "" {
		model = e.model
	}
	gr := ollama.GenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Options: ollama.Options{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
			Stop:        req.Stop,
		},
	}
	if req.Format != nil {
		gr.Format = &ollama.Schema{
			Type:     req.Format.Type,
			Required: req.Format.Required,
		}
		if req.Format.Properties != nil {
			gr.Format.Properties = make(map[string]ollama.SchemaProperty, len(req.Format.Properties))
			for k, v := range req.Format.Properties {
				gr.Format.Properties[k] = ollama.SchemaProperty{Type: v.Type, Description: v.Description}
			}
		}
	}
	return gr
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
