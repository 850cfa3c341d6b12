package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Formats lists the file formats Render can produce.
var Formats = []string{"yaml", "toml"}

// DefaultSettings returns the default settings as a nested map keyed by
// section.
func DefaultSettings() map[string]any {
	out := make(map[string]any)
	for key, value := range defaults {
		parts := strings.Split(key, ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return out
}

// Render encodes the default settings in the given format.
func Render(format string) ([]byte, error) {
	settings := DefaultSettings()
	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
	case "toml":
		if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want one of %s)", format, strings.Join(Formats, ", "))
	}
	return buf.Bytes(), nil
}

// WriteDefault writes a default config file. An existing file is only
// replaced when force is set.
func WriteDefault(path, format string, force bool) error {
	data, err := Render(format)
	if err != nil {
		return err
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
