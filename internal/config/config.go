// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Event log backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// GoogleConfig holds Workspace credentials and endpoints.
type GoogleConfig struct {
	ServiceAccountFile string `yaml:"service_account_file"`
	// AdminSubject is the admin user impersonated for Directory API calls.
	AdminSubject string `yaml:"admin_subject"`
	Domain       string `yaml:"domain"`
	PubSubTopic  string `yaml:"pubsub_topic"`
	// PushToken must appear as ?token= on the push subscription endpoint.
	PushToken      string   `yaml:"push_token"`
	WatchLabelIDs  []string `yaml:"watch_label_ids"`
	ChatWebhookURL string   `yaml:"chat_webhook_url"`
}

// GroupsConfig overrides group discovery.
type GroupsConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// SyncConfig controls history sync and watch renewal.
type SyncConfig struct {
	Schedule            string        `yaml:"schedule"`
	RenewBuffer         time.Duration `yaml:"renew_buffer"`
	RecoveryWindow      time.Duration `yaml:"recovery_window"`
	BackfillConcurrency int           `yaml:"backfill_concurrency"`
}

// EventsConfig selects the event log backend.
type EventsConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Config holds all configuration for the ticketing service.
type Config struct {
	// Environment-only settings.
	ConfigPath       string        `env:"CONFIG_PATH" envDefault:"/app/config/config.yaml"`
	Port             int           `env:"PORT" envDefault:"8080"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	RedisURL         string        `env:"REDIS_URL"`
	JWTSecret        string        `env:"JWT_SECRET"`
	ReminderInterval time.Duration `env:"TRIAGE_REMINDER_INTERVAL" envDefault:"30m"`
	ReminderMinAge   time.Duration `env:"TRIAGE_REMINDER_MIN_AGE" envDefault:"2h"`
	DedupTTL         time.Duration `env:"DEDUP_TTL"`

	Google             GoogleConfig
	Groups             GroupsConfig
	Sync               SyncConfig
	Events             EventsConfig
	NotificationsQueue string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Google   GoogleConfig `yaml:"google"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Notifications string `yaml:"notifications"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Groups GroupsConfig `yaml:"groups"`
	Sync   SyncConfig   `yaml:"sync"`
	Events EventsConfig `yaml:"events"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", cfg.ConfigPath, err)
	}
	if err := cfg.apply(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// apply merges the YAML document into cfg. Environment values win over
// the file for settings both can carry.
func (c *Config) apply(data []byte) error {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}

	c.Google = raw.Google
	c.Groups = raw.Groups
	c.Sync = raw.Sync
	c.Events = raw.Events
	c.DatabaseURL = firstNonEmpty(c.DatabaseURL, raw.Database.URL)
	c.RedisURL = firstNonEmpty(c.RedisURL, raw.Redis.URL, "redis://localhost:6379/0")
	c.NotificationsQueue = firstNonEmpty(raw.Redis.Queues.Notifications, "assignments")

	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "@every 5m"
	}
	if c.Sync.RenewBuffer <= 0 {
		c.Sync.RenewBuffer = 24 * time.Hour
	}
	if c.Sync.RecoveryWindow <= 0 {
		c.Sync.RecoveryWindow = 7 * 24 * time.Hour
	}
	if c.Sync.BackfillConcurrency <= 0 {
		c.Sync.BackfillConcurrency = 2
	}
	c.Events.Backend = strings.ToLower(firstNonEmpty(c.Events.Backend, BackendPostgres))

	for i, g := range c.Groups.Include {
		c.Groups.Include[i] = strings.ToLower(strings.TrimSpace(g))
	}
	for i, g := range c.Groups.Exclude {
		c.Groups.Exclude[i] = strings.ToLower(strings.TrimSpace(g))
	}
	return nil
}

// Validate checks settings every binary depends on.
func (c *Config) Validate() error {
	switch c.Events.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("events backend %q requires DATABASE_URL or database.url", c.Events.Backend)
		}
	case BackendSQLite:
		if c.Events.SQLitePath == "" {
			return fmt.Errorf("events backend %q requires events.sqlite_path", c.Events.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown events backend %q (want postgres, sqlite or memory)", c.Events.Backend)
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Google.Domain == "" && len(c.Groups.Include) == 0 {
		return fmt.Errorf("google.domain is required unless groups.include lists the mailboxes")
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(firstNonEmpty(s, "info"))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
