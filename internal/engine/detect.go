package engine

import (
	"errors"
	"fmt"

	"github.com/kalambet/crucible/internal/proxy"
)

// Backend names accepted by Detect.
const (
	BackendOllama     = "ollama"
	BackendOpenRouter = "openrouter"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend          string
	Model            string
	OllamaBaseURL    string
	OpenRouterAPIKey string
}

// Detect returns the Engine for the configured backend. An empty backend
// selects Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", BackendOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL, cfg.Model), nil
	case BackendOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("openrouter backend requires an API key")
		}
		return NewOpenRouterEngine(proxy.NewClient(cfg.OpenRouterAPIKey), cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}
