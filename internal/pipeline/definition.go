package pipeline

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a pipeline definition.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// ModeChatParody selects the forced tool-chat flow for every message.
const ModeChatParody = "chat-parody"

// Defaults applied to zero-valued config fields.
const (
	DefaultMaxToolIterations = 10
	DefaultMaxContextTokens  = 8192
	DefaultMaxTokens         = 2048
	DefaultTemperature       = 0.7
	DefaultPipelineID        = "default"
)

var (
	// ErrNotFound is returned when no pipeline has the requested id.
	ErrNotFound = errors.New("pipeline not found")
	// ErrNotActive is returned when an operation needs an Active pipeline.
	ErrNotActive = errors.New("pipeline is not active")
)

// Step is one declared step of a pipeline.
type Step struct {
	ID        string         `json:"id" yaml:"id" validate:"required"`
	Type      string         `json:"type" yaml:"type" validate:"required,oneof=intent requirements generate validate tools artifacts respond"`
	Order     int            `json:"order" yaml:"order" validate:"gte=0"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Config holds the per-pipeline triggers, limits and prompt overrides.
type Config struct {
	TriggerKeywords   []string `json:"trigger_keywords,omitempty" yaml:"trigger_keywords,omitempty"`
	TriggerPatterns   []string `json:"trigger_patterns,omitempty" yaml:"trigger_patterns,omitempty"`
	EnabledTools      []string `json:"enabled_tools,omitempty" yaml:"enabled_tools,omitempty"`
	MaxContextTokens  int      `json:"max_context_tokens,omitempty" yaml:"max_context_tokens,omitempty" validate:"gte=0"`
	MaxToolIterations int      `json:"max_tool_iterations,omitempty" yaml:"max_tool_iterations,omitempty" validate:"gte=0,lte=100"`
	MaxTokens         int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" validate:"gte=0"`
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	EnablePlanning    bool     `json:"enable_planning,omitempty" yaml:"enable_planning,omitempty"`
	EnableValidation  bool     `json:"enable_validation,omitempty" yaml:"enable_validation,omitempty"`
	Mode              string   `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=chat-parody"`
	SystemPrompt      string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	DeveloperPrompt   string   `json:"developer_prompt,omitempty" yaml:"developer_prompt,omitempty"`
	Model             string   `json:"model,omitempty" yaml:"model,omitempty"`
	// InjectConversation nil means true.
	InjectConversation *bool `json:"inject_conversation,omitempty" yaml:"inject_conversation,omitempty"`
}

// Injects reports whether buffered history is sent with each prompt.
func (c Config) Injects() bool {
	return c.InjectConversation == nil || *c.InjectConversation
}

// Inherit returns c with zero limits taken from base.
func (c Config) Inherit(base Config) Config {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = base.MaxToolIterations
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = base.MaxContextTokens
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = base.MaxTokens
	}
	if c.Temperature == nil {
		c.Temperature = base.Temperature
	}
	return c
}

// WithDefaults returns c with zero limits replaced by the defaults.
func (c Config) WithDefaults() Config {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = DefaultMaxToolIterations
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = DefaultMaxContextTokens
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	return c
}

// Definition is a named, versioned pipeline configuration.
type Definition struct {
	ID          string    `json:"id" yaml:"id" validate:"required,max=64,pipeline_id"`
	Name        string    `json:"name" yaml:"name" validate:"required"`
	Version     string    `json:"version" yaml:"version"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Status      Status    `json:"status" yaml:"status" validate:"required,oneof=draft active archived"`
	Primary     bool      `json:"primary" yaml:"primary"`
	Steps       []Step    `json:"steps,omitempty" yaml:"steps,omitempty" validate:"dive"`
	Config      Config    `json:"config" yaml:"config"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Active reports whether the definition can be selected.
func (d Definition) Active() bool { return d.Status == StatusActive }

// DefaultDefinition is selected when no Active pipeline exists.
func DefaultDefinition() Definition {
	return Definition{
		ID:          DefaultPipelineID,
		Name:        "Default",
		Version:     "1",
		Description: "Built-in chat pipeline",
		Status:      StatusActive,
		Config:      Config{}.WithDefaults(),
	}
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	d.Steps = append([]Step(nil), d.Steps...)
	for i := range d.Steps {
		d.Steps[i].DependsOn = append([]string(nil), d.Steps[i].DependsOn...)
		d.Steps[i].Config = cloneMap(d.Steps[i].Config)
	}
	d.Config.TriggerKeywords = append([]string(nil), d.Config.TriggerKeywords...)
	d.Config.TriggerPatterns = append([]string(nil), d.Config.TriggerPatterns...)
	d.Config.EnabledTools = append([]string(nil), d.Config.EnabledTools...)
	if d.Config.InjectConversation != nil {
		v := *d.Config.InjectConversation
		d.Config.InjectConversation = &v
	}
	return d
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
