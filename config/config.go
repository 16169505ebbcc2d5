// Package config defines configuration for the fabric components. Each
// component has its own config struct with defaults and merge semantics;
// Load reads the combined YAML file used by fabricd.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a duration from either a string or an integer
// nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level fabricd configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	State     StateConfig     `yaml:"state"`
	Queue     QueueConfig     `yaml:"queue"`
	Registry  RegistryConfig  `yaml:"registry"`
	Security  SecurityConfig  `yaml:"security"`
	Store     StoreConfig     `yaml:"store"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Transport: DefaultTransportConfig(),
		State:     DefaultStateConfig(),
		Queue:     DefaultQueueConfig(),
		Registry:  DefaultRegistryConfig(),
		Security:  DefaultSecurityConfig(),
		Store:     DefaultStoreConfig(),
		Tracing:   DefaultTracingConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Merge(&loaded)
	return cfg, nil
}

func (c *Config) Merge(source *Config) {
	c.Transport.Merge(&source.Transport)
	c.State.Merge(&source.State)
	c.Queue.Merge(&source.Queue)
	c.Registry.Merge(&source.Registry)
	c.Security.Merge(&source.Security)
	c.Store.Merge(&source.Store)
	c.Tracing.Merge(&source.Tracing)
	c.Metrics.Merge(&source.Metrics)
}
