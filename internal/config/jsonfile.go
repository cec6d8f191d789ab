package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// jsonFile is a JSON document on fs. A missing file reads as empty.
type jsonFile struct {
	fs   afero.Fs
	path string
}

func (f jsonFile) read(v any) error {
	data, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// write replaces the file with v, readable by the owner only.
func (f jsonFile) write(v any) error {
	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(f.path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(f.fs, f.path, data, 0o600)
}

// fileBackend stores config as a flat JSON object.
type fileBackend struct {
	file jsonFile
	data map[string]any
}

// newFileBackend loads path. An unreadable file is reported on stderr and
// treated as empty so defaults still apply.
func newFileBackend(fsys afero.Fs, path string) *fileBackend {
	b := &fileBackend{file: jsonFile{fs: fsys, path: path}, data: make(map[string]any)}
	if err := b.file.read(&b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		b.data = make(map[string]any)
	}
	return b
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not an integer in range", val, key)
		}
		return int(val), true, nil
	case int:
		return val, true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	b.data[key] = val
	return b.file.write(b.data)
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return b.file.write(b.data)
}

func (b *fileBackend) Delete(key string) error {
	delete(b.data, key)
	return b.file.write(b.data)
}

// fileSecrets is a SecretStore kept in a JSON file of service → account →
// value.
type fileSecrets struct {
	file jsonFile
}

func (s fileSecrets) load() (map[string]map[string]string, error) {
	secrets := make(map[string]map[string]string)
	if err := s.file.read(&secrets); err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	return secrets, nil
}

func (s fileSecrets) Get(service, account string) (string, error) {
	secrets, err := s.load()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("secret %s/%s not found", service, account)
	}
	return strings.TrimSpace(val), nil
}

func (s fileSecrets) Set(service, account, value string) error {
	secrets, err := s.load()
	if err != nil {
		// A corrupt file is replaced rather than blocking token setup.
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return s.file.write(secrets)
}
