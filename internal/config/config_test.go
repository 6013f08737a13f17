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

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Server.ListenAddr(); got != ":8080" {
		t.Errorf("ListenAddr() = %q", got)
	}
	if got := cfg.Model.ModelName(); got != "gemini-3-flash-preview" {
		t.Errorf("ModelName() = %q", got)
	}
	if got := cfg.Sandbox.SandboxType(); got != "docker" {
		t.Errorf("SandboxType() = %q", got)
	}
	if got := cfg.Sandbox.Timeout(); got != 30*time.Second {
		t.Errorf("Timeout() = %v", got)
	}
	if got := cfg.Pipeline.Attempts(); got != 3 {
		t.Errorf("Attempts() = %d", got)
	}
	if got := cfg.Scratch.JanitorTTL(); got != time.Hour {
		t.Errorf("JanitorTTL() = %v", got)
	}
	if cfg.RateLimit != nil || cfg.Observability != nil || cfg.Storage != nil {
		t.Error("optional sections should default to nil")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "umba.yaml", `
server:
  addr: ":9090"
sandbox:
  type: process
  max_execution_seconds: 60
  interpreter: python3
pipeline:
  max_attempts: 5
storage:
  driver: sqlite
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr() != ":9090" {
		t.Errorf("addr = %q", cfg.Server.ListenAddr())
	}
	if cfg.Sandbox.SandboxType() != "process" {
		t.Errorf("sandbox type = %q", cfg.Sandbox.SandboxType())
	}
	if cfg.Sandbox.Timeout() != time.Minute {
		t.Errorf("timeout = %v", cfg.Sandbox.Timeout())
	}
	if cfg.Pipeline.Attempts() != 5 {
		t.Errorf("attempts = %d", cfg.Pipeline.Attempts())
	}
	if cfg.Storage.StorageDriver() != "sqlite" {
		t.Errorf("storage driver = %q", cfg.Storage.StorageDriver())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "umba.json", `{
  "model": {"name": "gemini-custom"},
  "scratch": {"root": "/var/tmp/jobs", "janitor_ttl_s": 120}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.ModelName() != "gemini-custom" {
		t.Errorf("model = %q", cfg.Model.ModelName())
	}
	if cfg.Scratch.ScratchRoot() != "/var/tmp/jobs" {
		t.Errorf("scratch root = %q", cfg.Scratch.ScratchRoot())
	}
	if cfg.Scratch.JanitorTTL() != 2*time.Minute {
		t.Errorf("janitor ttl = %v", cfg.Scratch.JanitorTTL())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_MODEL", "gemini-env")
	t.Setenv("DOCKER_RUNNER_IMAGE", "runner:env")
	t.Setenv("TEMP_DIR", "/tmp/env_jobs")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example; https://b.example")

	path := writeConfig(t, "umba.yaml", `
model:
  name: from-file
sandbox:
  image: from-file
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.Name != "gemini-env" {
		t.Errorf("env should win over file, got %q", cfg.Model.Name)
	}
	if cfg.Sandbox.Image != "runner:env" {
		t.Errorf("image = %q", cfg.Sandbox.Image)
	}
	if cfg.Scratch.Root != "/tmp/env_jobs" {
		t.Errorf("scratch root = %q", cfg.Scratch.Root)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("origins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad sandbox type", `{"sandbox": {"type": "chroot"}}`},
		{"negative timeout", `{"sandbox": {"max_execution_seconds": -1}}`},
		{"bad storage driver", `{"storage": {"driver": "mysql"}}`},
		{"postgres without dsn", `{"storage": {"driver": "postgres"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "umba.json", tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
