//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.crucible.app"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "crucible")
	}
	return "crucible-data"
}

func apiKeyHint() string {
	return " or macOS Keychain (service: crucible, account: openrouter_api_key)"
}

// defaultsBackend stores config in UserDefaults through the defaults tool.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return defaultsBackend{domain: defaultsDomain}
}

func (b defaultsBackend) run(args ...string) ([]byte, error) {
	return exec.Command("defaults", append([]string{args[0], b.domain}, args[1:]...)...).CombinedOutput()
}

// GetString reports ok=false when the key is unset; defaults exits 1
// for that.
func (b defaultsBackend) GetString(key string) (string, bool, error) {
	out, err := b.run("read", key)
	val := strings.TrimSpace(string(out))
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("reading default %s: %w: %s", key, err, val)
	}
	return val, true, nil
}

func (b defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b defaultsBackend) SetString(key, val string) error {
	_, err := b.run("write", key, "-string", val)
	return err
}

func (b defaultsBackend) SetInt(key string, val int) error {
	_, err := b.run("write", key, "-int", strconv.Itoa(val))
	return err
}

func (b defaultsBackend) Delete(key string) error {
	_, err := b.run("delete", key)
	return err
}
