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

// Ticketing service
//
// Entry point for the Go ticketing service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis and builds the import pipeline
//  3. Discovers group mailboxes in the Workspace domain
//  4. Serves the Pub/Sub push endpoint and the audit API
//  5. Keeps a Gmail watch per group mailbox and runs the scheduled history sync
//  6. Posts manual-triage reminders to Google Chat
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bcem/ticketing/internal/api"
	"github.com/bcem/ticketing/internal/app"
	"github.com/bcem/ticketing/internal/chat"
	"github.com/bcem/ticketing/internal/config"
	"github.com/bcem/ticketing/internal/history"
	"github.com/bcem/ticketing/internal/watch"
	"github.com/bcem/ticketing/internal/webhook"
)

func main() {
	// Structured JSON logging
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	slog.Info("starting ticketing service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	slog.Info("configuration loaded",
		"domain", cfg.Google.Domain,
		"events_backend", cfg.Events.Backend,
		"sync_schedule", cfg.Sync.Schedule,
		"renew_buffer", cfg.Sync.RenewBuffer,
	)

	if cfg.Google.PubSubTopic == "" {
		slog.Error("google.pubsub_topic is required; Gmail watches publish to it")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connections, stores and pipeline ---
	svc, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise services", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	// --- Group Discovery ---
	// A failed discovery is not fatal: the groups already stored keep working.
	if res, err := svc.SyncGroups(ctx); err != nil {
		slog.Error("group discovery failed, using stored groups", "error", err)
	} else {
		slog.Info("group discovery complete",
			"upserted", res.Upserted,
			"deactivated", res.Deactivated,
		)
	}

	// --- History Syncer ---
	syncer, err := history.NewSyncer(history.SyncerConfig{
		Gmail:          svc.Gmail,
		Cursors:        svc.Watches,
		Pipeline:       svc.Pipeline,
		Runs:           svc.Events,
		Schedule:       cfg.Sync.Schedule,
		RecoveryWindow: cfg.Sync.RecoveryWindow,
	})
	if err != nil {
		slog.Error("failed to create history syncer", "error", err)
		os.Exit(1)
	}

	// --- Watch Lifecycle Manager ---
	mgr := watch.NewManager(watch.ManagerConfig{
		Store:       svc.Watches,
		Gmail:       svc.Gmail,
		Groups:      svc.Routing,
		Topic:       cfg.Google.PubSubTopic,
		LabelIDs:    cfg.Google.WatchLabelIDs,
		RenewBuffer: cfg.Sync.RenewBuffer,
	})

	// Wire gap detection: a re-created watch triggers a history sync
	mgr.OnGapDetected = func(ctx context.Context, mailbox string) {
		if err := syncer.SyncMailbox(ctx, mailbox); err != nil {
			slog.Error("gap history sync failed",
				"mailbox", mailbox,
				"error", err,
			)
		}
	}

	// --- HTTP: push endpoint, audit API and health check ---
	mux := http.NewServeMux()

	push := webhook.NewHandler(syncer, svc.Watches, cfg.Google.PushToken)
	push.Register(mux)

	if cfg.JWTSecret != "" {
		api.NewServer(api.Config{
			Events:   svc.Events,
			Recorder: svc.Events,
			Tickets:  svc.Tickets,
			Auth:     api.NewAuthenticator(cfg.JWTSecret),
		}).Register(mux)
	} else {
		slog.Warn("JWT_SECRET not set, audit API disabled")
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := svc.Publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if err := svc.Pool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	// --- Phase 1: Start HTTP server BEFORE creating watches ---
	// Pushes can arrive as soon as a watch exists.
	ready, err := webhook.Serve(ctx, cfg.Port, mux)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("http server ready, proceeding to register watches")

	// --- Phase 2: Watches for every active group ---
	if err := mgr.Start(ctx); err != nil {
		slog.Error("failed to start watch manager", "error", err)
		os.Exit(1)
	}

	// --- Phase 3: Scheduled history sync ---
	if err := syncer.Start(ctx); err != nil {
		slog.Error("failed to start history sync", "error", err)
		os.Exit(1)
	}

	// --- Triage reminders ---
	reminder := chat.NewReminder(svc.Chat, svc.Tickets, cfg.ReminderInterval, cfg.ReminderMinAge)
	go reminder.Run(ctx)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop all background goroutines

	mgr.Stop()
	syncer.Stop()
	push.Wait()

	slog.Info("ticketing service stopped")
}
