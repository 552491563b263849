package main

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
server:
  addr: ":9090"
database:
  path: /tmp/radar.db
llm:
  api_key: from-file
  model: deepseek-chat
scheduler:
  workers: 3
  job_timeout: 10m
email:
  host: smtp.example.com
  port: 587
  from: radar@example.com
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t))
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Database.Path != "/tmp/radar.db" {
		t.Fatalf("unexpected server/database: %+v %+v", cfg.Server, cfg.Database)
	}
	if cfg.LLM.APIKey != "from-file" || cfg.Scheduler.Workers != 3 || cfg.Scheduler.JobTimeout != "10m" {
		t.Fatalf("unexpected sections: %+v %+v", cfg.LLM, cfg.Scheduler)
	}
	if cfg.Server.ShutdownTimeout != "10s" {
		t.Fatalf("expected default shutdown timeout, got %q", cfg.Server.ShutdownTimeout)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MATCHRADAR_LLM__API_KEY", "from-env")
	t.Setenv("MATCHRADAR_SCHEDULER__WORKERS", "5")
	t.Setenv("MATCHRADAR_SPEECH__BASE_URL", "http://speech.local")

	cfg, err := loadConfig(writeConfig(t))
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Fatalf("env did not override api key: %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "deepseek-chat" {
		t.Fatalf("file value lost: %q", cfg.LLM.Model)
	}
	if cfg.Scheduler.Workers != 5 {
		t.Fatalf("expected workers=5, got %d", cfg.Scheduler.Workers)
	}
	if !cfg.Speech.Enabled() {
		t.Fatalf("speech should be enabled from env")
	}
	if cfg.Email.Port != 587 {
		t.Fatalf("unrelated section changed: %+v", cfg.Email)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := loadConfig(missing); err == nil {
		t.Fatal("expected error for explicit missing file")
	}

	t.Setenv("CONFIG_FILE", "")
	t.Chdir(t.TempDir())
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("implicit config.yaml should be optional: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Database.Path != "match-radar.db" {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Server, cfg.Database)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}
