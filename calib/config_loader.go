package calib

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file and validates it
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the required fields of every set
func (c *Config) Validate() error {
	if len(c.Sets) == 0 {
		return fmt.Errorf("at least one set must be defined")
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("tolerance must not be negative")
	}

	seen := make(map[string]bool, len(c.Sets))
	for i, sc := range c.Sets {
		if sc.ID == "" {
			return fmt.Errorf("sets[%d].id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("sets[%d].id %q is duplicated", i, sc.ID)
		}
		seen[sc.ID] = true

		if _, err := sc.Params(); err != nil {
			return fmt.Errorf("sets[%d].mode for %s: %w", i, sc.ID, err)
		}
		if (sc.Source == "") != (sc.Target == "") {
			return fmt.Errorf("sets[%d] for %s: source and target must be given together", i, sc.ID)
		}
		if sc.HasOverride() {
			if _, err := sc.OverrideTransform(); err != nil {
				return fmt.Errorf("sets[%d]: %w", i, err)
			}
			continue
		}
		if !sc.HasStaticData() && sc.Topic == "" {
			return fmt.Errorf("sets[%d] for %s needs a file, source/target, url, topic or override", i, sc.ID)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
