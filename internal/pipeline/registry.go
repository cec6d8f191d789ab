package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Registry selects the pipeline for a message. It reads the store on every
// call, so activation and primary changes apply to the next selection.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
	invalid  map[string]bool
}

// NewRegistry creates a Registry over store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		logger:   logger,
		patterns: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]bool),
	}
}

// Store returns the underlying store.
func (r *Registry) Store() Store { return r.store }

// Get returns the definition with id.
func (r *Registry) Get(ctx context.Context, id string) (Definition, error) {
	if id == DefaultPipelineID {
		d, err := r.store.GetPipeline(ctx, id)
		if err == nil {
			return d, nil
		}
		return DefaultDefinition(), nil
	}
	return r.store.GetPipeline(ctx, id)
}

// Active returns the Active definitions, primary first, then in definition
// order.
func (r *Registry) Active(ctx context.Context) ([]Definition, error) {
	all, err := r.store.ListPipelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pipelines: %w", err)
	}
	var active []Definition
	for _, d := range all {
		if d.Active() {
			active = append(active, d)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Primary && !active[j].Primary })
	return active, nil
}

// ForMessage returns the first Active pipeline whose keywords or patterns
// match message. Without a match it falls back to the primary pipeline, then
// to the first Active pipeline by name, then to DefaultDefinition. Only
// store failures are returned as errors.
func (r *Registry) ForMessage(ctx context.Context, message string) (Definition, error) {
	active, err := r.Active(ctx)
	if err != nil {
		return Definition{}, err
	}

	lower := strings.ToLower(message)
	for _, d := range active {
		if r.matches(d, message, lower) {
			return d, nil
		}
	}

	if len(active) == 0 {
		return DefaultDefinition(), nil
	}
	if active[0].Primary {
		return active[0], nil
	}
	byName := append([]Definition(nil), active...)
	sort.SliceStable(byName, func(i, j int) bool { return byName[i].Name < byName[j].Name })
	return byName[0], nil
}

func (r *Registry) matches(d Definition, message, lower string) bool {
	for _, kw := range d.Config.TriggerKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	for _, p := range d.Config.TriggerPatterns {
		re := r.compile(d.ID, p)
		if re != nil && re.MatchString(message) {
			return true
		}
	}
	return false
}

// compile returns the cached case-insensitive form of pattern, or nil when
// it does not compile. Each bad pattern is logged once.
func (r *Registry) compile(pipelineID, pattern string) *regexp.Regexp {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.patterns[pattern]; ok {
		return re
	}
	if r.invalid[pattern] {
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		r.invalid[pattern] = true
		r.logger.Warn("skipping malformed trigger pattern", "pipeline", pipelineID, "pattern", pattern, "error", err)
		return nil
	}
	r.patterns[pattern] = re
	return re
}
