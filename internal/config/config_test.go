package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
workspace: /srv/sanduku
server:
  port: 9000
  api_keys: [k1, k2]
runtime:
  image: custom:dev
  memory_mb: 512
lifecycle:
  start_timeout_s: 45
reaper:
  enabled: true
  idle_timeout_m: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace != "/srv/sanduku" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.Server.Port != 9000 || len(cfg.Server.APIKeys) != 2 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Runtime.Image != "custom:dev" || cfg.Runtime.MemoryMB != 512 {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if got := cfg.Lifecycle.StartTimeout(); got != 45*time.Second {
		t.Errorf("start timeout = %v, want 45s", got)
	}
	if got := cfg.Reaper.IdleTimeout(); got != 10*time.Minute {
		t.Errorf("idle timeout = %v, want 10m", got)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"server": {"port": 8080}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %q, want 0.0.0.0:8080", cfg.Server.Addr())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SANDUKU_WORKSPACE", "/env/ws")
	t.Setenv("SANDUKU_API_KEY", "env-key")
	t.Setenv("SANDUKU_DB_DSN", "postgres://env")

	path := writeConfig(t, "config.yaml", `workspace: /file/ws`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Workspace != "/env/ws" {
		t.Errorf("workspace = %q, env must win", cfg.Workspace)
	}
	if len(cfg.Server.APIKeys) != 1 || cfg.Server.APIKeys[0] != "env-key" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
	if cfg.Storage.StorageDriver() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://env" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(*Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, true},
		{"postgres without dsn", func(c *Config) {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}, true},
		{"unknown driver", func(c *Config) {
			c.Storage = &StorageConfig{Driver: "oracle"}
		}, true},
		{"tracing without endpoint", func(c *Config) {
			c.Observability = &ObservabilityConfig{Tracing: &TracingConfig{Enabled: true}}
		}, true},
		{"bad sample rate", func(c *Config) {
			c.Observability = &ObservabilityConfig{Tracing: &TracingConfig{Enabled: true, Endpoint: "x:4317", SampleRate: 2}}
		}, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDefaultYAMLParses(t *testing.T) {
	path := writeConfig(t, "config.yaml", DefaultYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Runtime.Image != "sanduku-runtime:latest" {
		t.Errorf("image = %q", cfg.Runtime.Image)
	}
	if !cfg.Reaper.Enabled {
		t.Error("default reaper should be enabled")
	}
}

func TestDurationDefaults(t *testing.T) {
	var l LifecycleConfig
	if l.StartTimeout() != 120*time.Second || l.StopTimeout() != 60*time.Second {
		t.Error("lifecycle defaults wrong")
	}
	var e ExecConfig
	if e.Timeout() != 30*time.Second {
		t.Error("exec default wrong")
	}
	var r RuntimeConfig
	if r.StopGrace() != 5*time.Second {
		t.Error("stop grace default wrong")
	}
}
