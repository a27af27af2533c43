package relay

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FeedConfig selects tab traffic to relay under a feed name.
type FeedConfig struct {
	Name          string   `yaml:"name"`
	URLPattern    string   `yaml:"url_pattern"`
	ResourceTypes []string `yaml:"resource_types,omitempty"`
	IncludeBody   bool     `yaml:"include_body,omitempty"`
}

// RelayConfig is the top-level YAML configuration.
type RelayConfig struct {
	Feeds []FeedConfig `yaml:"feeds"`
}

// DefaultConfig relays the sign-in endpoints.
func DefaultConfig() *RelayConfig {
	return &RelayConfig{Feeds: []FeedConfig{
		{Name: "bulk_signin", URLPattern: "/tbmall/onekeySignin1", IncludeBody: true},
		{Name: "board_signin", URLPattern: "/sign/add", ResourceTypes: []string{"xhr", "fetch"}, IncludeBody: true},
	}}
}

// LoadConfig reads and validates a relay YAML config file.
func LoadConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	for i, f := range cfg.Feeds {
		if f.Name == "" {
			return nil, fmt.Errorf("relay config: feed[%d] missing name", i)
		}
		if f.URLPattern == "" {
			return nil, fmt.Errorf("relay config: feed[%d] (%s) missing url_pattern", i, f.Name)
		}
		for j, rt := range f.ResourceTypes {
			cfg.Feeds[i].ResourceTypes[j] = strings.ToLower(rt)
		}
	}
	return &cfg, nil
}

func (f FeedConfig) matches(url, resourceType string) bool {
	if !strings.Contains(url, f.URLPattern) {
		return false
	}
	if len(f.ResourceTypes) == 0 {
		return true
	}
	rt := strings.ToLower(resourceType)
	for _, want := range f.ResourceTypes {
		if want == rt {
			return true
		}
	}
	return false
}
