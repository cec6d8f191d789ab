package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/crucible/internal/proxy"
)

// OpenRouterEngine adapts the OpenRouter completions client to the Engine
// interface. Models are hosted remotely, so PullModel only checks
// availability.
type OpenRouterEngine struct {
	client *proxy.Client
	model  string
}

// NewOpenRouterEngine creates an engine using client, defaulting requests
// to model.
func NewOpenRouterEngine(client *proxy.Client, model string) *OpenRouterEngine {
	return &OpenRouterEngine{client: client, model: model}
}

func (e *OpenRouterEngine) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	cr := e.request(req)
	return startStream(ctx, func(ctx context.Context, emit func(string) error) error {
		return e.client.Stream(ctx, cr, emit)
	})
}

func (e *OpenRouterEngine) Generate(ctx context.Context, req Request) (string, error) {
	return e.client.Complete(ctx, e.request(req))
}

func (e *OpenRouterEngine) request(req Request) proxy.CompletionRequest {
	model := req.Model
	if model == "" {
		model = e.model
	}
	return proxy.CompletionRequest{
		Model:       model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
}

func (e *OpenRouterEngine) IsRunning(ctx context.Context) bool {
	_, err := e.client.ListModels(ctx)
	return err == nil
}

func (e *OpenRouterEngine) ListModels(ctx context.Context) ([]string, error) {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenRouterEngine) HasModel(ctx context.Context, name string) bool {
	names, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (e *OpenRouterEngine) PullModel(ctx context.Context, name string, _ func(PullProgress)) error {
	if !e.HasModel(ctx, name) {
		return fmt.Errorf("model %s is not offered by OpenRouter", name)
	}
	return nil
}
