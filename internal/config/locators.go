package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LocatorOverrides maps locator names to replacement XPath expressions.
type LocatorOverrides struct {
	Locators map[string]string `yaml:"locators"`
}

// LoadLocators reads and validates a locator override YAML file.
func LoadLocators(path string) (*LocatorOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("locators config: %w", err)
	}
	var cfg LocatorOverrides
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("locators config: %w", err)
	}
	for name, xp := range cfg.Locators {
		if strings.TrimSpace(xp) == "" {
			return nil, fmt.Errorf("locators config: %s has an empty xpath", name)
		}
	}
	return &cfg, nil
}
