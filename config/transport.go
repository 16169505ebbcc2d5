package config

import "time"

// TransportConfig defines configuration for the local transport.
type TransportConfig struct {
	// Transport identity, used in logs and events.
	Name string `yaml:"name"`

	// Inbox channel capacity per registered agent.
	InboxBufferSize int `yaml:"inbox_buffer_size"`

	// DefaultTimeout bounds SendWithReply when the caller supplies none.
	DefaultTimeout Duration `yaml:"default_timeout"`

	// DedupCacheSize is the number of recently resolved request IDs kept to
	// detect duplicate replies.
	DedupCacheSize int `yaml:"dedup_cache_size"`

	// Observer names the observability.Observer to resolve at construction.
	Observer string `yaml:"observer"`
}

// DefaultTransportConfig returns a TransportConfig with sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Name:            "default",
		InboxBufferSize: 100,
		DefaultTimeout:  Duration(30 * time.Second),
		DedupCacheSize:  1024,
		Observer:        "slog",
	}
}

func (c *TransportConfig) Merge(source *TransportConfig) {
	if source.Name != "" {
		c.Name = source.Name
	}

	if source.InboxBufferSize > 0 {
		c.InboxBufferSize = source.InboxBufferSize
	}

	if source.DefaultTimeout > 0 {
		c.DefaultTimeout = source.DefaultTimeout
	}

	if source.DedupCacheSize > 0 {
		c.DedupCacheSize = source.DedupCacheSize
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}
}
