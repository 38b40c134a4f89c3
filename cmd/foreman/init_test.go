package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/foreman/examples"
	"github.com/nugget/foreman/internal/config"
)

// clearUmask makes permission assertions deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data directory missing: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if !strings.Contains(buf.String(), "foreman serve") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRunInit_KeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "listen:\n  port: 9999\n" {
		t.Errorf("existing config overwritten: %q", got)
	}
	if !strings.Contains(buf.String(), "left unchanged") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, examples.ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if cfg.Chat.WorkflowStore != "sqlite" || cfg.Models.Pricing["claude-sonnet-4-20250514"].OutputPerMillion != 15 {
		t.Errorf("unexpected example config: %+v", cfg)
	}
}

func TestRun_Init(t *testing.T) {
	dir := t.TempDir()
	if err := run(context.Background(), io.Discard, io.Discard, []string{"init", dir}); err != nil {
		t.Fatalf("run(init) error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("config.yaml missing: %v", err)
	}
}
