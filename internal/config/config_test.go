package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 18590 {
		t.Errorf("port = %d, want default 18590", cfg.Server.Port)
	}
	if cfg.Debounce.QuietPeriod() != 3*time.Second {
		t.Errorf("quiet period = %v, want 3s", cfg.Debounce.QuietPeriod())
	}
	if cfg.Database.Mode != "standalone" {
		t.Errorf("db mode = %q, want standalone", cfg.Database.Mode)
	}
	if cfg.Routing.CloseOnExternal {
		t.Error("close_on_external must default to false")
	}
	if cfg.Retention.Schedule != "0 * * * *" {
		t.Errorf("retention schedule = %q", cfg.Retention.Schedule)
	}
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// inline comments are allowed
		server: { host: "127.0.0.1", port: 9000 },
		debounce: { quiet_period_seconds: 5 },
		routing: { close_on_external: true, max_hops: 4 },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Debounce.QuietPeriodSeconds != 5 {
		t.Errorf("quiet period = %d, want 5", cfg.Debounce.QuietPeriodSeconds)
	}
	if !cfg.Routing.CloseOnExternal || cfg.Routing.MaxHops != 4 {
		t.Errorf("routing = %+v", cfg.Routing)
	}
	// Untouched sections keep defaults.
	if cfg.Lanes.Shards != 32 {
		t.Errorf("lanes shards = %d, want default 32", cfg.Lanes.Shards)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{ server: { port: 9000 } }`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ZAPDESK_PORT", "9100")
	t.Setenv("ZAPDESK_QUIET_PERIOD_SECONDS", "7")
	t.Setenv("ZAPDESK_EXECUTOR_TOKEN", "secret-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, env should win over file", cfg.Server.Port)
	}
	if cfg.Debounce.QuietPeriodSeconds != 7 {
		t.Errorf("quiet period = %d, want 7", cfg.Debounce.QuietPeriodSeconds)
	}
	if cfg.Executor.Token != "secret-token" {
		t.Error("executor token should come from env")
	}
}

func TestManagedModeFollowsDSN(t *testing.T) {
	t.Setenv("ZAPDESK_POSTGRES_DSN", "postgres://localhost/zapdesk")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IsManaged() {
		t.Fatal("setting the DSN should switch to managed mode")
	}

	t.Setenv("ZAPDESK_DB_MODE", "standalone")
	cfg, err = Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IsManaged() {
		t.Fatal("explicit ZAPDESK_DB_MODE must win over the DSN heuristic")
	}
}
