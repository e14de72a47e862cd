// Package config holds the runtime configuration for the zapdesk engine.
// Config is loaded from a JSON5 file and overlaid with environment
// variables; secrets (the Postgres DSN, executor tokens) come from env only
// and are never written to the config file.
package config

import "time"

// Config is the root configuration for the zapdesk engine.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Debounce  DebounceConfig  `json:"debounce,omitempty"`
	Lanes     LanesConfig     `json:"lanes,omitempty"`
	Routing   RoutingConfig   `json:"routing,omitempty"`
	Directory DirectoryConfig `json:"directory,omitempty"`
	Executor  ExecutorConfig  `json:"executor,omitempty"`
	Responder ResponderConfig `json:"responder,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig configures the inbound webhook listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// RateLimitRPS caps inbound webhook deliveries per sender per second.
	RateLimitRPS   float64 `json:"rate_limit_rps,omitempty"`
	RateLimitBurst int     `json:"rate_limit_burst,omitempty"`
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN is never read from the config file — env ZAPDESK_POSTGRES_DSN only.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (sqlite, default) or "managed" (postgres)
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManaged reports whether the engine runs against Postgres.
func (c *Config) IsManaged() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// DebounceConfig tunes inbound message coalescing.
type DebounceConfig struct {
	// QuietPeriodSeconds is how long a conversation must stay silent before
	// its buffer flushes as one turn. Tenants may override per row.
	QuietPeriodSeconds int `json:"quiet_period_seconds,omitempty"`
	// MaxMessages flushes immediately once this many messages are buffered.
	MaxMessages int `json:"max_messages,omitempty"`
	// MaxAgeSeconds flushes once the oldest buffered message is this old,
	// so a steady drip of messages cannot defer a flush forever.
	MaxAgeSeconds int `json:"max_age_seconds,omitempty"`
	// DedupWindow is how many recent external message ids are remembered
	// per conversation for webhook-replay suppression.
	DedupWindow int `json:"dedup_window,omitempty"`
}

// QuietPeriod returns the quiet period as a duration.
func (d DebounceConfig) QuietPeriod() time.Duration {
	return time.Duration(d.QuietPeriodSeconds) * time.Second
}

// MaxAge returns the buffer age cap as a duration.
func (d DebounceConfig) MaxAge() time.Duration {
	return time.Duration(d.MaxAgeSeconds) * time.Second
}

// LanesConfig sizes the per-conversation serialization lanes.
type LanesConfig struct {
	Shards     int `json:"shards,omitempty"`      // number of sequential lanes
	QueueDepth int `json:"queue_depth,omitempty"` // buffered turns per lane
}

// RoutingConfig tunes the intent router.
type RoutingConfig struct {
	// CloseOnExternal marks the source conversation "transferred" after a
	// completed external hand-off instead of keeping both alive.
	CloseOnExternal bool `json:"close_on_external,omitempty"`
	// MaxHops bounds link-graph descent per turn, on top of the visited-set
	// cycle guard.
	MaxHops int `json:"max_hops,omitempty"`
}

// DirectoryConfig tunes the agent directory cache.
type DirectoryConfig struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"` // snapshot refresh interval
}

// TTL returns the snapshot TTL as a duration.
func (d DirectoryConfig) TTL() time.Duration {
	return time.Duration(d.TTLSeconds) * time.Second
}

// ExecutorConfig points at the external agent-execution collaborator.
// Token comes from env ZAPDESK_EXECUTOR_TOKEN only.
type ExecutorConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Token          string `json:"-"`
}

// Timeout returns the invocation timeout as a duration.
func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// ResponderConfig points at the reply delivery endpoint (the channel owner,
// e.g. a Chatwoot-compatible API). Token from env ZAPDESK_RESPONDER_TOKEN.
type ResponderConfig struct {
	URL   string `json:"url,omitempty"`
	Token string `json:"-"`
}

// RetentionConfig drives the conversation retention sweeper.
type RetentionConfig struct {
	// Schedule is a cron expression; empty disables the sweeper.
	Schedule string `json:"schedule,omitempty"`
	// InactiveAfterDays marks conversations idle this long as inactive.
	InactiveAfterDays int `json:"inactive_after_days,omitempty"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Exporter string `json:"exporter,omitempty"` // "otlp-grpc" (default) or "otlp-http"
	Endpoint string `json:"endpoint,omitempty"` // collector endpoint, e.g. "localhost:4317"
}
