package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_DefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != dir {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, dir)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.Mailbox.HistoryMaxEntries != 1000 {
		t.Fatalf("history max = %d, want 1000", cfg.Mailbox.HistoryMaxEntries)
	}
	if cfg.Scheduler.IntervalMillis != 500 {
		t.Fatalf("interval = %d, want 500", cfg.Scheduler.IntervalMillis)
	}
}

func TestLoadFrom_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	data := `
log_level: debug
mailbox:
  history_max_entries: 50
  subscriber_buffer: 8
scheduler:
  interval_millis: 100
  recurring:
    - name: nightly-cleanup
      agent_id: janitor
      description: sweep stale workspaces
      priority: LOW
      cron: "0 3 * * *"
telemetry:
  enabled: true
  exporter: stdout
`
	if err := os.WriteFile(ConfigPath(dir), []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Mailbox.HistoryMaxEntries != 50 || cfg.Mailbox.SubscriberBuffer != 8 {
		t.Fatalf("mailbox = %+v", cfg.Mailbox)
	}
	if cfg.Scheduler.IntervalMillis != 100 {
		t.Fatalf("interval = %d", cfg.Scheduler.IntervalMillis)
	}
	if len(cfg.Scheduler.Recurring) != 1 {
		t.Fatalf("recurring = %+v", cfg.Scheduler.Recurring)
	}
	rec := cfg.Scheduler.Recurring[0]
	if rec.Name != "nightly-cleanup" || rec.AgentID != "janitor" || rec.Cron != "0 3 * * *" {
		t.Fatalf("recurring spec = %+v", rec)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Exporter != "stdout" {
		t.Fatalf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadFrom_BadYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(ConfigPath(dir), []byte("log_level: [unterminated"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("bad yaml accepted")
	}
}

func TestLoadFrom_EnvOverridesLogLevel(t *testing.T) {
	t.Setenv("AGENTPOST_LOG_LEVEL", "warn")
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadFrom_EnvOverridesConfiguredLogLevel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(ConfigPath(dir), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("AGENTPOST_LOG_LEVEL", "error")
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("log level = %q, want error", cfg.LogLevel)
	}
}

func TestHomeDir_EnvOverride(t *testing.T) {
	t.Setenv("AGENTPOST_HOME", "/tmp/elsewhere")
	if got := HomeDir(); got != "/tmp/elsewhere" {
		t.Fatalf("home = %q", got)
	}
}

func TestLoadFrom_CreatesHomeDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "home")
	if _, err := LoadFrom(dir); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
}

func TestFingerprint_TracksChanges(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs produced different fingerprints")
	}
	b.LogLevel = "debug"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changed config kept the same fingerprint")
	}
}
