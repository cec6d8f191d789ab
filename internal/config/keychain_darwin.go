//go:build darwin

package config

import (
	"os/exec"
	"strings"
)

// keychainStore keeps secrets as generic passwords in the login keychain.
type keychainStore struct{}

func newPlatformSecrets() SecretStore {
	return keychainStore{}
}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Set overwrites any existing item (-U).
func (keychainStore) Set(service, account, value string) error {
	return exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).Run()
}
