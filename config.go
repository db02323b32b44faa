package imagegate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RegistryConfig is the on-disk model registry.
type RegistryConfig struct {
	GuestModel string        `yaml:"guest_model"`
	Models     []ModelConfig `yaml:"models"`
}

// ModelConfig describes one logical model.
type ModelConfig struct {
	ID             string   `yaml:"id"`
	Provider       string   `yaml:"provider"`
	BackendVersion string   `yaml:"backend_version"`
	MinimumTier    string   `yaml:"minimum_tier"`
	Capabilities   []string `yaml:"capabilities"`
}

// LoadRegistryConfig reads and parses a YAML registry file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadRegistryConfig(path string) (RegistryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RegistryConfig{}, fmt.Errorf("imagegate: read registry: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg RegistryConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return RegistryConfig{}, fmt.Errorf("imagegate: parse registry: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return RegistryConfig{}, err
	}

	return cfg, nil
}

// LoadRegistry reads a registry file and builds the immutable Registry.
func LoadRegistry(path string) (*Registry, error) {
	cfg, err := LoadRegistryConfig(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(cfg)
}

// Validate checks the config for required fields and consistency.
func (c RegistryConfig) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("imagegate: registry: at least one model is required")
	}

	ids := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("imagegate: registry: models[%d]: id is required", i)
		}
		if ids[m.ID] {
			return fmt.Errorf("imagegate: registry: duplicate model id %q", m.ID)
		}
		ids[m.ID] = true

		if m.BackendVersion == "" {
			return fmt.Errorf("imagegate: registry: models[%d] (%s): backend_version is required", i, m.ID)
		}
		if m.MinimumTier != "" && !Tier(m.MinimumTier).Valid() {
			return fmt.Errorf("imagegate: registry: models[%d] (%s): invalid minimum_tier %q", i, m.ID, m.MinimumTier)
		}
	}

	if c.GuestModel != "" && !ids[c.GuestModel] {
		return fmt.Errorf("imagegate: registry: guest_model %q is not defined", c.GuestModel)
	}

	return nil
}
