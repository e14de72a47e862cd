package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults. The 3-second quiet
// period matches how long end users typically pause between burst messages
// on WhatsApp.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           18590,
			RateLimitRPS:   5,
			RateLimitBurst: 20,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.zapdesk/zapdesk.db",
		},
		Debounce: DebounceConfig{
			QuietPeriodSeconds: 3,
			MaxMessages:        10,
			MaxAgeSeconds:      30,
			DedupWindow:        128,
		},
		Lanes: LanesConfig{
			Shards:     32,
			QueueDepth: 64,
		},
		Routing: RoutingConfig{
			CloseOnExternal: false,
			MaxHops:         8,
		},
		Directory: DirectoryConfig{
			TTLSeconds: 60,
		},
		Executor: ExecutorConfig{
			TimeoutSeconds: 120,
		},
		Retention: RetentionConfig{
			Schedule:          "0 * * * *",
			InactiveAfterDays: 30,
		},
		Telemetry: TelemetryConfig{
			Exporter: "otlp-grpc",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("ZAPDESK_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("ZAPDESK_DB_MODE", &c.Database.Mode)
	envStr("ZAPDESK_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("ZAPDESK_EXECUTOR_URL", &c.Executor.URL)
	envStr("ZAPDESK_EXECUTOR_TOKEN", &c.Executor.Token)
	envStr("ZAPDESK_RESPONDER_URL", &c.Responder.URL)
	envStr("ZAPDESK_RESPONDER_TOKEN", &c.Responder.Token)
	envStr("ZAPDESK_HOST", &c.Server.Host)
	envInt("ZAPDESK_PORT", &c.Server.Port)
	envInt("ZAPDESK_QUIET_PERIOD_SECONDS", &c.Debounce.QuietPeriodSeconds)
	envStr("ZAPDESK_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	// Managed mode follows the DSN unless explicitly set.
	if c.Database.PostgresDSN != "" && c.Database.Mode == "standalone" && os.Getenv("ZAPDESK_DB_MODE") == "" {
		c.Database.Mode = "managed"
	}
}
