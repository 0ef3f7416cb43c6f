package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ASKBEN_PORT", "9090")
	t.Setenv("ASKBEN_LOG_LEVEL", "debug")
	t.Setenv("ASKBEN_LLM_BASE_URL", "http://llm.internal:8000/v1")
	t.Setenv("ASKBEN_EVAL_WORKERS", "7")
	t.Setenv("ASKBEN_EVAL_RUN_TIMEOUT", "5m")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.LLM.BaseURL != "http://llm.internal:8000/v1" {
		t.Errorf("LLM.BaseURL = %s", cfg.LLM.BaseURL)
	}
	if cfg.Eval.Workers != 7 {
		t.Errorf("Eval.Workers = %d, want 7", cfg.Eval.Workers)
	}
	if cfg.Eval.RunTimeout != 5*time.Minute {
		t.Errorf("Eval.RunTimeout = %v, want 5m", cfg.Eval.RunTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 8888
log:
  level: warn
  format: json
index:
  type: qdrant
  vector_size: 768
qdrant:
  url: "http://custom:6333"
retrieval:
  default_threshold: 0.45
eval:
  example_timeout: 45s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %s, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("Server.Port = %d, want 8888", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want warn", cfg.Log.Level)
	}
	if cfg.Index.Type != "qdrant" || cfg.Index.VectorSize != 768 {
		t.Errorf("Index = %+v", cfg.Index)
	}
	if cfg.Qdrant.URL != "http://custom:6333" {
		t.Errorf("Qdrant.URL = %s, want http://custom:6333", cfg.Qdrant.URL)
	}
	if cfg.Retrieval.DefaultThreshold != 0.45 {
		t.Errorf("Retrieval.DefaultThreshold = %v, want 0.45", cfg.Retrieval.DefaultThreshold)
	}
	if cfg.Eval.ExampleTimeout != 45*time.Second {
		t.Errorf("Eval.ExampleTimeout = %v, want 45s", cfg.Eval.ExampleTimeout)
	}
	// Untouched sections keep defaults.
	if cfg.Reasoning.ClaimFanout != 4 {
		t.Errorf("Reasoning.ClaimFanout = %d, want default 4", cfg.Reasoning.ClaimFanout)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 7000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ASKBEN_PORT", "7001")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("Server.Port = %d, want 7001", cfg.Server.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with missing file should fail")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid port",
			modify: func(c *Config) {
				c.Server.Port = 0
			},
			wantErr: true,
		},
		{
			name: "postgres archive without dsn",
			modify: func(c *Config) {
				c.Archive.Type = "postgres"
			},
			wantErr: true,
		},
		{
			name: "pgvector index reuses archive dsn",
			modify: func(c *Config) {
				c.Archive.Type = "postgres"
				c.Archive.DSN = "postgres://localhost/askben"
				c.Index.Type = "pgvector"
			},
			wantErr: false,
		},
		{
			name: "invalid index type",
			modify: func(c *Config) {
				c.Index.Type = "faiss"
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid cache type",
			modify: func(c *Config) {
				c.Cache.Type = "invalid"
			},
			wantErr: true,
		},
		{
			name: "kafka bus without brokers",
			modify: func(c *Config) {
				c.Bus.Type = "kafka"
			},
			wantErr: true,
		},
		{
			name: "threshold out of range",
			modify: func(c *Config) {
				c.Retrieval.DefaultThreshold = 1.5
			},
			wantErr: true,
		},
		{
			name: "zero workers",
			modify: func(c *Config) {
				c.Eval.Workers = 0
			},
			wantErr: true,
		},
		{
			name: "zero fanout",
			modify: func(c *Config) {
				c.Reasoning.ClaimFanout = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidation_AggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "port") || !strings.Contains(msg, "log format") {
		t.Errorf("error should list every problem, got: %s", msg)
	}
}

func TestAddress(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "localhost", Port: 8080}}

	if addr := cfg.Address(); addr != "localhost:8080" {
		t.Errorf("Address() = %s, want localhost:8080", addr)
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{}

	cfg.Log.Level = "debug"
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true for debug level")
	}

	cfg.Log.Level = "info"
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true, want false for info level")
	}
}

func TestSettings(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Host: "127.0.0.1", Port: 9000},
		Archive: ArchiveConfig{Type: "postgres", DSN: "postgres://askben:pw@db:5432/askben"},
		LLM:     LLMConfig{APIKey: "sk-test", Model: "gpt-4o-mini"},
	}

	s := cfg.Settings()
	if s["server.address"] != "127.0.0.1:9000" {
		t.Errorf("server.address = %q", s["server.address"])
	}
	if s["archive.dsn"] != cfg.Archive.DSN || s["llm.api_key"] != "sk-test" {
		t.Errorf("settings should carry raw values: %v", s)
	}
	if s["llm.model"] != "gpt-4o-mini" {
		t.Errorf("llm.model = %q", s["llm.model"])
	}
}

func TestCORSOrigins(t *testing.T) {
	cfg := &Config{Security: SecurityConfig{CORSOrigins: "http://a.test, http://b.test,,"}}

	got := cfg.CORSOrigins()
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Errorf("CORSOrigins() = %v", got)
	}
}
