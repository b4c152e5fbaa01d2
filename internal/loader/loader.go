// Package loader reads and writes the worker configuration file and
// resolves the final configuration from file, environment and flags.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/balena-io/leviathan-worker/internal/config"
)

// LoadFromFile loads a configuration from a YAML file.
// The result is not normalized or validated.
func LoadFromFile(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return LoadFromYAML(data)
}

// LoadFromYAML loads a configuration from YAML bytes. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadFromYAML(data []byte) (*config.Config, error) {
	var cfg config.Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	return &cfg, nil
}

// SaveToFile writes cfg to a YAML file.
func SaveToFile(cfg *config.Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}

// Load resolves the effective configuration: the file at path (if not
// empty), then the environment from lookupEnv, then flags set on fs.
// The result is normalized and validated.
func Load(path string, lookupEnv func(string) (string, bool), fs *pflag.FlagSet) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if lookupEnv != nil {
		if err := cfg.ApplyEnv(lookupEnv); err != nil {
			return nil, fmt.Errorf("invalid environment: %w", err)
		}
	}
	if fs != nil {
		if err := cfg.ApplyFlags(fs); err != nil {
			return nil, fmt.Errorf("invalid flags: %w", err)
		}
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}
