//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// xdgDir resolves an XDG base directory, falling back to fallback under the
// home directory.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "crucible")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "crucible", "config.json")
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func apiKeyHint() string {
	return fmt.Sprintf(" or the secrets file %s (service: crucible, account: openrouter_api_key)", secretsFilePath())
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(afero.NewOsFs(), configFilePath())
}

func newPlatformSecrets() SecretStore {
	return fileSecrets{file: jsonFile{fs: afero.NewOsFs(), path: secretsFilePath()}}
}
