package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	// kList is a comma-separated list of strings.
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CRUCIBLE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "CRUCIBLE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CRUCIBLE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.backend", typ: kString, env: "CRUCIBLE_LLM_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.LLM.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Backend },
	},
	{
		key: "llm.model", typ: kString, env: "CRUCIBLE_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "CRUCIBLE_LLM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "CRUCIBLE_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CRUCIBLE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "CRUCIBLE_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "CRUCIBLE_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.default_model", typ: kString, env: "CRUCIBLE_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "pipeline.definitions_dir", typ: kString, env: "CRUCIBLE_PIPELINE_DEFINITIONS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.DefinitionsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.DefinitionsDir },
	},
	{
		key: "pipeline.max_conversations", typ: kInt, env: "CRUCIBLE_PIPELINE_MAX_CONVERSATIONS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxConversations = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxConversations },
	},
	{
		key: "pipeline.max_messages", typ: kInt, env: "CRUCIBLE_PIPELINE_MAX_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxMessages },
	},
	{
		key: "pipeline.max_tool_iterations", typ: kInt, env: "CRUCIBLE_PIPELINE_MAX_TOOL_ITERATIONS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxToolIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxToolIterations },
	},
	{
		key: "intent.llm_enabled", typ: kBool, env: "CRUCIBLE_INTENT_LLM_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Intent.LLMEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Intent.LLMEnabled },
	},
	{
		key: "tools.workspace_dir", typ: kString, env: "CRUCIBLE_TOOLS_WORKSPACE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Tools.WorkspaceDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Tools.WorkspaceDir },
	},
	{
		key: "tools.allowed_commands", typ: kList, env: "CRUCIBLE_TOOLS_ALLOWED_COMMANDS",
		apply:   func(cfg *Config, v any) { cfg.Tools.AllowedCommands = v.([]string) },
		extract: func(cfg Config) any { return cfg.Tools.AllowedCommands },
	},
	{
		key: "tools.timeout", typ: kDuration, env: "CRUCIBLE_TOOLS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Tools.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Tools.Timeout },
	},
	{
		key: "resilience.timeout", typ: kDuration, env: "CRUCIBLE_RESILIENCE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Resilience.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Resilience.Timeout },
	},
	{
		key: "resilience.error_threshold", typ: kInt, env: "CRUCIBLE_RESILIENCE_ERROR_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Resilience.ErrorThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Resilience.ErrorThreshold },
	},
	{
		key: "resilience.open_wait", typ: kDuration, env: "CRUCIBLE_RESILIENCE_OPEN_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Resilience.OpenWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Resilience.OpenWait },
	},
	{
		key: "ratelimit.requests_per_minute", typ: kInt, env: "CRUCIBLE_RATELIMIT_REQUESTS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.RequestsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.RequestsPerMinute },
	},
}

// parseValue converts raw to the Go value of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	default:
		return nil, fmt.Errorf("unknown key type %d", typ)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// formatValue renders v the way parseValue reads it back.
func formatValue(v any) string {
	switch x := v.(type) {
	case []string:
		return strings.Join(x, ",")
	case time.Duration:
		return x.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
