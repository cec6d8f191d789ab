package config

import (
	"fmt"
	"strings"
	"time"
)

// Backend names for llm.backend.
const (
	BackendOllama     = "ollama"
	BackendOpenRouter = "openrouter"
)

// ConfigBackend is the platform store of non-secret keys: UserDefaults on
// macOS, a JSON file elsewhere.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// secretService is the keychain service holding crucible's secrets.
const secretService = "crucible"

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	LLM        LLMConfig
	Ollama     OllamaConfig
	Proxy      ProxyConfig
	Pipeline   PipelineConfig
	Intent     IntentConfig
	Tools      ToolsConfig
	Resilience ResilienceConfig
	RateLimit  RateLimitConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

// LLMConfig selects the completion backend and its generation defaults.
type LLMConfig struct {
	Backend     string
	Model       string
	MaxTokens   int
	Temperature float64
}

type OllamaConfig struct {
	BaseURL string
	// FastModel serves intent classification and requirements extraction.
	FastModel string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
}

type PipelineConfig struct {
	// DefinitionsDir holds YAML pipeline definitions; empty disables the
	// catalog.
	DefinitionsDir    string
	MaxConversations  int
	MaxMessages       int
	MaxToolIterations int
}

type IntentConfig struct {
	LLMEnabled bool
}

type ToolsConfig struct {
	// WorkspaceDir roots the file tools and run_command. Empty disables tools.
	WorkspaceDir    string
	AllowedCommands []string
	Timeout         time.Duration
}

type ResilienceConfig struct {
	Timeout        time.Duration
	ErrorThreshold int
	OpenWait       time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server:  ServerConfig{Port: 4100},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: dataDir},
		LLM: LLMConfig{
			Backend:     BackendOllama,
			Model:       "qwen2.5-coder:7b",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Ollama: OllamaConfig{
			BaseURL:   "http://localhost:11434",
			FastModel: "phi3.5",
		},
		Proxy: ProxyConfig{
			DefaultModel: "anthropic/claude-sonnet-4",
		},
		Pipeline: PipelineConfig{
			MaxConversations:  1000,
			MaxMessages:       200,
			MaxToolIterations: 10,
		},
		Tools: ToolsConfig{
			AllowedCommands: []string{"ls", "cat", "go", "git", "node", "npm", "python3"},
			Timeout:         30 * time.Second,
		},
		Resilience: ResilienceConfig{
			Timeout:        2 * time.Minute,
			ErrorThreshold: 50,
			OpenWait:       10 * time.Second,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.crucible.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/crucible/config.json
// and secrets are read from $XDG_DATA_HOME/crucible/secrets.json.
//
// Environment variables (CRUCIBLE_*) override backend values on all
// platforms. The OpenRouter API key is required only when llm.backend is
// openrouter.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform keychain for API key if still empty.
	if cfg.Proxy.OpenRouterAPIKey == "" && kc != nil {
		if key, err := kc.Get(secretService, "openrouter_api_key"); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LLM.Backend {
	case BackendOllama:
	case BackendOpenRouter:
		if c.Proxy.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key for llm.backend=openrouter. "+
				"Set it via environment variable CRUCIBLE_OPENROUTER_API_KEY%s", apiKeyHint())
		}
	default:
		return fmt.Errorf("invalid llm.backend %q: want %s or %s", c.LLM.Backend, BackendOllama, BackendOpenRouter)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}

// Model returns the model the configured backend should use by default.
func (c Config) Model() string {
	if c.LLM.Backend == BackendOpenRouter && c.LLM.Model == defaults().LLM.Model {
		return c.Proxy.DefaultModel
	}
	return c.LLM.Model
}
