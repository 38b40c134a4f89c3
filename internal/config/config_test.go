package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: ${FOREMAN_TEST_KEY}\n"), 0600)
	t.Setenv("FOREMAN_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: "+dir+"\nchat:\n  tool_timeout: 5s\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Chat.ModelTimeout != 120*time.Second {
		t.Errorf("model_timeout = %v, want 120s", cfg.Chat.ModelTimeout)
	}
	if cfg.Chat.ToolTimeout != 5*time.Second {
		t.Errorf("tool_timeout = %v, want 5s", cfg.Chat.ToolTimeout)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if want := filepath.Join(dir, "foreman.db"); cfg.Database.Path != want {
		t.Errorf("database path = %q, want %q", cfg.Database.Path, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default ok", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Listen.Port = 70000 }, "listen.port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"durable workflows in memory", func(c *Config) { c.Chat.WorkflowStore = "sqlite" }, "file-backed"},
		{"empty token user", func(c *Config) { c.Auth.Tokens = map[string]string{"tok": ""} }, "auth.tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestModelConfigured(t *testing.T) {
	cfg := Default()
	if cfg.ModelConfigured() {
		t.Fatal("default config should have no model credentials")
	}
	cfg.AzureOpenAI = AzureOpenAIConfig{Endpoint: "https://x", APIKey: "k", Deployment: "gpt"}
	if !cfg.ModelConfigured() {
		t.Fatal("azure settings should count as configured")
	}
}

func TestNewLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "trace", "text")
	if err != nil {
		t.Fatal(err)
	}
	logger.Log(t.Context(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output = %q, want TRACE level", buf.String())
	}

	if _, err := NewLogger(&buf, "info", "yaml"); err == nil {
		t.Error("unknown format should error")
	}
}
