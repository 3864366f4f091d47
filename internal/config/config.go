// Package config loads the daemon configuration from the runtime home
// directory and watches it for changes.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentpost/internal/otel"
	"github.com/basket/agentpost/internal/scheduler"
)

// MailboxConfig tunes the message side of the daemon.
type MailboxConfig struct {
	// HistoryMaxEntries bounds the delivered-message log. 0 uses the
	// default of 1000.
	HistoryMaxEntries int `yaml:"history_max_entries"`

	// SubscriberBuffer is the per-subscription channel depth. 0 uses
	// the default of 100.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// SchedulerConfig tunes the task scheduler.
type SchedulerConfig struct {
	// IntervalMillis is the scheduling pass interval. 0 uses 500ms.
	IntervalMillis int `yaml:"interval_millis"`

	// Recurring lists cron-fired task templates.
	Recurring []scheduler.RecurringSpec `yaml:"recurring"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry otel.Config     `yaml:"telemetry"`
}

// SchedulerInterval returns the configured pass interval as a duration.
func (c Config) SchedulerInterval() time.Duration {
	if c.Scheduler.IntervalMillis <= 0 {
		return 0
	}
	return time.Duration(c.Scheduler.IntervalMillis) * time.Millisecond
}

// Fingerprint returns a stable hash of the active config, logged at
// startup and after each reload so operators can tell which settings
// are live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|hist=%d|buf=%d|interval=%d|recurring=%d|otel=%v",
		c.LogLevel, c.Mailbox.HistoryMaxEntries, c.Mailbox.SubscriberBuffer,
		c.Scheduler.IntervalMillis, len(c.Scheduler.Recurring), c.Telemetry.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Mailbox: MailboxConfig{
			HistoryMaxEntries: 1000,
			SubscriberBuffer:  100,
		},
		Scheduler: SchedulerConfig{
			IntervalMillis: 500,
		},
	}
}

// HomeDir resolves the runtime directory: $AGENTPOST_HOME when set,
// otherwise ~/.agentpost.
func HomeDir() string {
	if override := os.Getenv("AGENTPOST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentpost")
}

// Load reads config.yaml from the home directory, creating the
// directory if needed. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create home dir: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
		cfg.HomeDir = homeDir
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}

	// The env override applies whether or not config.yaml exists.
	if v := os.Getenv("AGENTPOST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}
