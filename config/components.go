package config

import "time"

// RetryConfig parameterizes the shared retry policy used by state updates
// and orchestrator stage submission.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      float64  `yaml:"jitter"`
}

// DefaultRetryConfig returns the retry policy defaults: 5 attempts with
// exponential backoff from 10ms capped at 1s, 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   Duration(10 * time.Millisecond),
		MaxDelay:    Duration(time.Second),
		Jitter:      0.2,
	}
}

func (c *RetryConfig) Merge(source *RetryConfig) {
	if source.MaxAttempts > 0 {
		c.MaxAttempts = source.MaxAttempts
	}

	if source.BaseDelay > 0 {
		c.BaseDelay = source.BaseDelay
	}

	if source.MaxDelay > 0 {
		c.MaxDelay = source.MaxDelay
	}

	if source.Jitter > 0 {
		c.Jitter = source.Jitter
	}
}

// StateConfig defines configuration for the shared state store.
type StateConfig struct {
	// Retry bounds the optimistic-concurrency retry loop in UpdateAtomically.
	Retry RetryConfig `yaml:"retry"`

	// SweepInterval controls how often TTL'd entries are purged.
	SweepInterval Duration `yaml:"sweep_interval"`

	Observer string `yaml:"observer"`
}

// DefaultStateConfig returns a StateConfig with sensible defaults.
func DefaultStateConfig() StateConfig {
	return StateConfig{
		Retry:         DefaultRetryConfig(),
		SweepInterval: Duration(30 * time.Second),
		Observer:      "slog",
	}
}

func (c *StateConfig) Merge(source *StateConfig) {
	c.Retry.Merge(&source.Retry)

	if source.SweepInterval > 0 {
		c.SweepInterval = source.SweepInterval
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}
}

// QueueConfig defines configuration for the task queue.
type QueueConfig struct {
	// DefaultMaxRetries applies to tasks enqueued without an explicit budget.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// WaitPollInterval bounds how often WaitForCompletion re-checks terminal
	// status when notifications are missed (at-least-once transport).
	WaitPollInterval Duration `yaml:"wait_poll_interval"`

	Observer string `yaml:"observer"`
}

// DefaultQueueConfig returns a QueueConfig with sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		DefaultMaxRetries: 3,
		WaitPollInterval:  Duration(250 * time.Millisecond),
		Observer:          "slog",
	}
}

func (c *QueueConfig) Merge(source *QueueConfig) {
	if source.DefaultMaxRetries > 0 {
		c.DefaultMaxRetries = source.DefaultMaxRetries
	}

	if source.WaitPollInterval > 0 {
		c.WaitPollInterval = source.WaitPollInterval
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}
}

// RegistryConfig defines configuration for the agent registry.
type RegistryConfig struct {
	// LeaseWindow is how long an agent stays live without a heartbeat.
	LeaseWindow Duration `yaml:"lease_window"`

	// SweepInterval controls how often expired leases are collected.
	SweepInterval Duration `yaml:"sweep_interval"`

	Observer string `yaml:"observer"`
}

// DefaultRegistryConfig returns a RegistryConfig with sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		LeaseWindow:   Duration(30 * time.Second),
		SweepInterval: Duration(5 * time.Second),
		Observer:      "slog",
	}
}

func (c *RegistryConfig) Merge(source *RegistryConfig) {
	if source.LeaseWindow > 0 {
		c.LeaseWindow = source.LeaseWindow
	}

	if source.SweepInterval > 0 {
		c.SweepInterval = source.SweepInterval
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}
}

// SecurityConfig defines configuration for the transport security
// decorators: authentication and per-sender rate limiting.
type SecurityConfig struct {
	// AuthEnabled requires a verified token header on every message.
	AuthEnabled bool `yaml:"auth_enabled"`

	// Secret keys the HMAC token provider. Ignored when auth is disabled.
	Secret string `yaml:"secret"`

	// TokenTTL bounds issued token lifetimes.
	TokenTTL Duration `yaml:"token_ttl"`

	// RequestsPerSecond and Burst parameterize the per-(sender, recipient,
	// operation) rate limiter. Zero disables rate limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// LimiterTTL evicts idle limiter entries.
	LimiterTTL Duration `yaml:"limiter_ttl"`
}

// DefaultSecurityConfig returns a SecurityConfig with auth disabled and a
// permissive rate limit.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		AuthEnabled:       false,
		TokenTTL:          Duration(time.Hour),
		RequestsPerSecond: 100,
		Burst:             200,
		LimiterTTL:        Duration(15 * time.Minute),
	}
}

func (c *SecurityConfig) Merge(source *SecurityConfig) {
	if source.AuthEnabled {
		c.AuthEnabled = true
	}

	if source.Secret != "" {
		c.Secret = source.Secret
	}

	if source.TokenTTL > 0 {
		c.TokenTTL = source.TokenTTL
	}

	if source.RequestsPerSecond > 0 {
		c.RequestsPerSecond = source.RequestsPerSecond
	}

	if source.Burst > 0 {
		c.Burst = source.Burst
	}

	if source.LimiterTTL > 0 {
		c.LimiterTTL = source.LimiterTTL
	}
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Ignored for the memory driver.
	Path string `yaml:"path"`
}

// DefaultStoreConfig returns the memory driver.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Driver: "memory",
	}
}

func (c *StoreConfig) Merge(source *StoreConfig) {
	if source.Driver != "" {
		c.Driver = source.Driver
	}

	if source.Path != "" {
		c.Path = source.Path
	}
}

// TracingConfig configures the OpenTelemetry tracer provider installed by
// fabricd.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// DefaultTracingConfig returns tracing disabled.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:     false,
		SampleRate:  1.0,
		ServiceName: "fabricd",
	}
}

func (c *TracingConfig) Merge(source *TracingConfig) {
	if source.Enabled {
		c.Enabled = true
	}

	if source.OTLPEndpoint != "" {
		c.OTLPEndpoint = source.OTLPEndpoint
	}

	if source.SampleRate > 0 {
		c.SampleRate = source.SampleRate
	}

	if source.ServiceName != "" {
		c.ServiceName = source.ServiceName
	}
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultMetricsConfig returns metrics served on :9100 when enabled.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Addr:    ":9100",
	}
}

func (c *MetricsConfig) Merge(source *MetricsConfig) {
	if source.Enabled {
		c.Enabled = true
	}

	if source.Addr != "" {
		c.Addr = source.Addr
	}
}
