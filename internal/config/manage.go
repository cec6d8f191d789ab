package config

import (
	"fmt"
	"sort"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// publicSpecs returns the non-secret keys sorted by name.
func publicSpecs() []keySpec {
	out := make([]keySpec, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// ShowAll returns the non-secret keys of cfg with their current values,
// sorted by key.
func ShowAll(cfg Config) []KeyInfo {
	pub := publicSpecs()
	out := make([]KeyInfo, len(pub))
	for i, s := range pub {
		out[i] = KeyInfo{Key: s.key, EnvVar: s.env, Value: formatValue(s.extract(cfg))}
	}
	return out
}

// ValidKeys returns the names of the keys SetKey accepts, sorted.
func ValidKeys() []string {
	pub := publicSpecs()
	keys := make([]string, len(pub))
	for i, s := range pub {
		keys[i] = s.key
	}
	return keys
}

// SetKey validates value and writes it to the platform backend.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

func setKeyWith(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	switch {
	case !ok:
		return fmt.Errorf("unknown config key: %q", key)
	case s.secret:
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}

	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, formatValue(v))
}
