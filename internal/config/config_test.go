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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("CHAT_WEBHOOK", "https://chat.googleapis.com/v1/spaces/AAA/messages?key=k")
	t.Setenv("CONFIG_PATH", writeConfig(t, `
google:
  service_account_file: /secrets/sa.json
  admin_subject: admin@example.com
  domain: example.com
  pubsub_topic: projects/p/topics/gmail
  push_token: s3cret
  chat_webhook_url: ${CHAT_WEBHOOK}
database:
  url: postgres://tickets@db/tickets
redis:
  url: redis://cache:6379/1
  queues:
    notifications: assignment-events
groups:
  exclude: [" NoReply@Example.com "]
sync:
  schedule: "0 */10 * * * *"
  renew_buffer: 12h
events:
  backend: Postgres
`))
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("TRIAGE_REMINDER_INTERVAL", "15m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Port)
	}
	if cfg.Google.ChatWebhookURL != "https://chat.googleapis.com/v1/spaces/AAA/messages?key=k" {
		t.Errorf("chat webhook not expanded: %q", cfg.Google.ChatWebhookURL)
	}
	if cfg.DatabaseURL != "postgres://tickets@db/tickets" {
		t.Errorf("database url = %q", cfg.DatabaseURL)
	}
	if cfg.RedisURL != "redis://cache:6379/1" || cfg.NotificationsQueue != "assignment-events" {
		t.Errorf("redis = %q queue = %q", cfg.RedisURL, cfg.NotificationsQueue)
	}
	if len(cfg.Groups.Exclude) != 1 || cfg.Groups.Exclude[0] != "noreply@example.com" {
		t.Errorf("exclude = %v, want normalised address", cfg.Groups.Exclude)
	}
	if cfg.Sync.Schedule != "0 */10 * * * *" || cfg.Sync.RenewBuffer != 12*time.Hour {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Sync.RecoveryWindow != 7*24*time.Hour || cfg.Sync.BackfillConcurrency != 2 {
		t.Errorf("sync defaults not applied: %+v", cfg.Sync)
	}
	if cfg.Events.Backend != BackendPostgres {
		t.Errorf("backend = %q", cfg.Events.Backend)
	}
	if cfg.ReminderInterval != 15*time.Minute || cfg.ReminderMinAge != 2*time.Hour {
		t.Errorf("reminder = %v / %v", cfg.ReminderInterval, cfg.ReminderMinAge)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, `
google:
  domain: example.com
database:
  url: postgres://from-file/db
`))
	t.Setenv("DATABASE_URL", "postgres://from-env/db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseURL != "postgres://from-env/db" {
		t.Errorf("database url = %q, want env value", cfg.DatabaseURL)
	}
	if cfg.Sync.Schedule != "@every 5m" {
		t.Errorf("default schedule = %q", cfg.Sync.Schedule)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{
			name: "postgres without url",
			yaml: "google:\n  domain: example.com\n",
		},
		{
			name: "sqlite without path",
			yaml: "google:\n  domain: example.com\nevents:\n  backend: sqlite\n",
		},
		{
			name: "unknown backend",
			yaml: "google:\n  domain: example.com\nevents:\n  backend: mongo\n",
		},
		{
			name: "no domain and no groups",
			yaml: "events:\n  backend: memory\n",
		},
		{
			name: "bad log level",
			yaml: "google:\n  domain: example.com\nevents:\n  backend: memory\n",
			env:  map[string]string{"LOG_LEVEL": "loud"},
		},
		{
			name: "bad yaml",
			yaml: "google: [",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			t.Setenv("CONFIG_PATH", writeConfig(t, tt.yaml))
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoad_ExplicitGroupsWithoutDomain(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, `
groups:
  include: [Soporte@Example.com]
events:
  backend: sqlite
  sqlite_path: /tmp/events.db
`))
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Groups.Include[0] != "soporte@example.com" {
		t.Errorf("include = %v", cfg.Groups.Include)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("level = %v, want DEBUG", cfg.SlogLevel())
	}
}
