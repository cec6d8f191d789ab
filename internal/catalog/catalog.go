// Package catalog loads pipeline definitions from a directory of YAML files
// into a pipeline store and keeps the store in step with the directory.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/crucible/internal/pipeline"
)

var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// NewValidator returns a validator that knows the pipeline_id rule used on
// pipeline.Definition.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pipeline_id", func(fl validator.FieldLevel) bool {
		return idPattern.MatchString(fl.Field().String())
	})
	return v
}

// Result reports one Sync.
type Result struct {
	// Loaded are the ids saved from files, in file order.
	Loaded []string
	// Archived are the ids whose file disappeared.
	Archived []string
	// Invalid maps file names to the reason they were skipped.
	Invalid map[string]error
}

// Loader syncs definition files from a directory into a store.
type Loader struct {
	fs       afero.Fs
	dir      string
	store    pipeline.AdminStore
	validate *validator.Validate
	logger   *slog.Logger

	mu sync.Mutex
	// owned maps pipeline ids loaded from files to their file name.
	owned map[string]string
}

// Option configures a Loader.
type Option func(*Loader)

// WithFs reads definitions from fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(l *Loader) { l.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader for dir.
func NewLoader(dir string, store pipeline.AdminStore, opts ...Option) *Loader {
	l := &Loader{
		fs:       afero.NewOsFs(),
		dir:      dir,
		store:    store,
		validate: NewValidator(),
		logger:   slog.Default(),
		owned:    make(map[string]string),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Dir returns the watched directory.
func (l *Loader) Dir() string { return l.dir }

// Sync reads every *.yaml and *.yml file in the directory, saves the valid
// definitions and archives definitions whose file was removed. Invalid files
// are skipped and reported; only directory and store failures are errors.
func (l *Loader) Sync(ctx context.Context) (Result, error) {
	res := Result{Invalid: make(map[string]error)}
	files, err := l.files()
	if err != nil {
		return res, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]string, len(files))
	for _, name := range files {
		d, err := l.parse(name)
		if err != nil {
			res.Invalid[name] = err
			l.logger.Warn("skipping pipeline definition", "file", name, "error", err)
			continue
		}
		if prev, dup := seen[d.ID]; dup {
			res.Invalid[name] = fmt.Errorf("pipeline id %q already defined in %s", d.ID, prev)
			l.logger.Warn("skipping duplicate pipeline definition", "file", name, "pipeline", d.ID, "first", prev)
			continue
		}
		if err := l.store.SavePipeline(ctx, d); err != nil {
			return res, fmt.Errorf("saving pipeline %s from %s: %w", d.ID, name, err)
		}
		seen[d.ID] = name
		res.Loaded = append(res.Loaded, d.ID)
	}

	for id := range l.owned {
		if _, ok := seen[id]; ok {
			continue
		}
		err := l.store.SetStatus(ctx, id, pipeline.StatusArchived)
		if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
			return res, fmt.Errorf("archiving pipeline %s: %w", id, err)
		}
		res.Archived = append(res.Archived, id)
	}
	sort.Strings(res.Archived)
	l.owned = seen

	l.logger.Debug("pipeline catalog synced", "dir", l.dir, "loaded", len(res.Loaded), "archived", len(res.Archived), "invalid", len(res.Invalid))
	return res, nil
}

func (l *Loader) files() ([]string, error) {
	entries, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		return nil, fmt.Errorf("reading definitions directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && isDefinitionFile(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *Loader) parse(name string) (pipeline.Definition, error) {
	f, err := l.fs.Open(filepath.Join(l.dir, name))
	if err != nil {
		return pipeline.Definition{}, err
	}
	defer f.Close()
	return Decode(f, l.validate)
}

// Decode reads one YAML definition from r and validates it. Unknown fields
// are rejected. A missing version defaults to "1" and a missing status to
// active.
func Decode(r io.Reader, v *validator.Validate) (pipeline.Definition, error) {
	var d pipeline.Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return pipeline.Definition{}, errors.New("empty definition")
		}
		return pipeline.Definition{}, fmt.Errorf("decoding YAML: %w", err)
	}
	if d.Version == "" {
		d.Version = "1"
	}
	if d.Status == "" {
		d.Status = pipeline.StatusActive
	}
	if v == nil {
		v = NewValidator()
	}
	if err := v.Struct(d); err != nil {
		return pipeline.Definition{}, fmt.Errorf("invalid definition: %w", err)
	}
	return d, nil
}

func isDefinitionFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	return ext == ".yaml" || ext == ".yml"
}
