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

// Package app builds the service graph shared by the server and the
// operator CLI: database and Redis connections, stores, the Gmail client
// and the import pipeline.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/ticketing/internal/assignment"
	"github.com/bcem/ticketing/internal/chat"
	"github.com/bcem/ticketing/internal/config"
	"github.com/bcem/ticketing/internal/dedup"
	"github.com/bcem/ticketing/internal/discovery"
	"github.com/bcem/ticketing/internal/events"
	"github.com/bcem/ticketing/internal/gmail"
	"github.com/bcem/ticketing/internal/importer"
	"github.com/bcem/ticketing/internal/models"
	"github.com/bcem/ticketing/internal/queue"
	"github.com/bcem/ticketing/internal/routing"
	"github.com/bcem/ticketing/internal/rules"
	"github.com/bcem/ticketing/internal/tickets"
	"github.com/bcem/ticketing/internal/watch"
)

// App holds the connected services.
type App struct {
	Config *config.Config

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Events    *events.Store
	Routing   *routing.Store
	Tickets   *tickets.Store
	Watches   *watch.Store
	Publisher *queue.Publisher
	Dedup     *dedup.Filter
	Chat      *chat.Client

	Accounts *gmail.ServiceAccount
	Gmail    *gmail.Client
	Resolver *assignment.Resolver
	Pipeline *importer.Pipeline

	closers []func()
}

// Open connects to PostgreSQL and Redis and builds every service.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create Postgres pool: %w", err)
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	a.Redis = redis.NewClient(opt)
	a.closers = append(a.closers, func() { a.Redis.Close() })

	a.Publisher = queue.NewPublisher(a.Redis, cfg.NotificationsQueue)
	if err := a.Publisher.Ping(ctx); err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	slog.Info("connected to Redis")
	a.Dedup = dedup.NewFilter(a.Redis, cfg.DedupTTL)

	store, closeLog, err := OpenEventStore(ctx, cfg, pool)
	if err != nil {
		return err
	}
	a.Events = store
	a.closers = append(a.closers, closeLog)

	if a.Routing, err = routing.NewStore(ctx, pool); err != nil {
		return fmt.Errorf("initialise routing store: %w", err)
	}
	if a.Tickets, err = tickets.NewStore(ctx, pool); err != nil {
		return fmt.Errorf("initialise ticket store: %w", err)
	}
	if a.Watches, err = watch.NewStore(ctx, pool); err != nil {
		return fmt.Errorf("initialise watch store: %w", err)
	}

	if cfg.Google.ServiceAccountFile == "" {
		return fmt.Errorf("google.service_account_file is required")
	}
	a.Accounts, err = gmail.LoadServiceAccount(cfg.Google.ServiceAccountFile,
		gmail.ScopeGmailReadonly,
		gmail.ScopeDirectoryGroupRead,
	)
	if err != nil {
		return err
	}
	a.Gmail = gmail.NewClient(gmail.ClientConfig{
		HTTPClient: a.Accounts.HTTPClient,
	})
	a.Chat = chat.NewClient(nil, cfg.Google.ChatWebhookURL)

	a.Resolver = assignment.NewResolver(assignment.ResolverConfig{
		Strategies: assignment.DefaultStrategies(assignment.Sources{
			Rules:      a.Routing,
			Portfolios: a.Routing,
			Groups:     a.Routing,
			Matcher:    rules.NewMatcher(slog.Default()),
			OnInvalidPattern: func(ctx context.Context, rule models.AssignmentRule, err error) {
				if _, rerr := a.Events.PatternInvalid(ctx, rule, err); rerr != nil {
					slog.Error("failed to record invalid pattern", "rule_id", rule.ID, "error", rerr)
				}
			},
		}),
		Events:  a.Events,
		Tickets: a.Tickets,
	})

	a.Pipeline = importer.NewPipeline(importer.PipelineConfig{
		Gmail:    a.Gmail,
		Seen:     a.Dedup,
		Messages: a.Tickets,
		Groups:   a.Routing,
		Events:   a.Events,
		Resolver: a.Resolver,
		Notifier: a.Publisher,
		Alerter:  a.Chat,
	})
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OpenEventStore opens the configured event log. pool may be nil unless the
// backend is postgres. The returned func closes the log.
func OpenEventStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*events.Store, func(), error) {
	var (
		eventLog events.Log
		closeLog = func() {}
	)
	switch cfg.Events.Backend {
	case config.BackendPostgres:
		if pool == nil {
			return nil, nil, fmt.Errorf("postgres event log needs a database connection")
		}
		pg, err := events.NewPostgresLog(ctx, pool)
		if err != nil {
			return nil, nil, fmt.Errorf("initialise event log: %w", err)
		}
		eventLog = pg
	case config.BackendSQLite:
		lite, err := events.OpenSQLiteLog(ctx, cfg.Events.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open event log: %w", err)
		}
		eventLog = lite
		closeLog = func() { lite.Close() }
	case config.BackendMemory:
		slog.Warn("using in-memory event log; events are lost on exit")
		eventLog = events.NewMemoryLog()
	default:
		return nil, nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}

	slog.Info("event log ready", "backend", cfg.Events.Backend)
	return events.NewStore(events.StoreConfig{Log: eventLog}), closeLog, nil
}

// DirectoryClient returns an HTTP client acting as the configured admin.
func (a *App) DirectoryClient(ctx context.Context) *http.Client {
	return a.Accounts.HTTPClient(ctx, a.Config.Google.AdminSubject)
}

// SyncGroups discovers the domain's group mailboxes and upserts them.
func (a *App) SyncGroups(ctx context.Context) (discovery.SyncResult, error) {
	cfg := a.Config
	disc := discovery.NewDiscovery(discovery.DefaultBaseURL)
	groups, err := disc.DiscoverGroups(ctx, a.DirectoryClient(ctx), cfg.Google.Domain, cfg.Groups.Include, cfg.Groups.Exclude)
	if err != nil {
		return discovery.SyncResult{}, fmt.Errorf("discover groups: %w", err)
	}
	return discovery.Sync(ctx, a.Routing, groups)
}

// NewBackfillRunner returns a backfill runner over the app's pipeline.
func (a *App) NewBackfillRunner() *importer.Runner {
	return importer.NewRunner(importer.RunnerConfig{
		Gmail:       a.Gmail,
		Pipeline:    a.Pipeline,
		Runs:        a.Events,
		Concurrency: a.Config.Sync.BackfillConcurrency,
	})
}
