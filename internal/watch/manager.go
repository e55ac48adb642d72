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

package watch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bcem/ticketing/internal/gmail"
	"github.com/bcem/ticketing/internal/models"
)

// Gmail watches expire after seven days and must be renewed before then.
const watchLifetime = 7 * 24 * time.Hour

// Watcher starts and stops Gmail push notifications.
type Watcher interface {
	Watch(ctx context.Context, mailbox, topic string, labelIDs []string) (*gmail.WatchResponse, error)
	StopWatch(ctx context.Context, mailbox string) error
}

// StateStore persists watch records.
type StateStore interface {
	Get(ctx context.Context, mailbox string) (*Record, error)
	Upsert(ctx context.Context, r Record) error
	ListActive(ctx context.Context) ([]Record, error)
	MarkStatus(ctx context.Context, mailbox, status string) error
}

// GroupLister lists the group mailboxes that should be watched.
type GroupLister interface {
	ListActiveGroups(ctx context.Context) ([]models.GmailGroup, error)
}

// LifecycleManager keeps one Gmail watch per active group mailbox. It runs a
// background loop that renews expiring watches, creates watches for new
// groups and stops watches for groups that were deactivated.
type LifecycleManager struct {
	store       StateStore
	gmail       Watcher
	groups      GroupLister
	topic       string
	labelIDs    []string
	renewBuffer time.Duration
	now         func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnGapDetected is called when a watch had lapsed and was re-created, so
	// a history sync should run for the mailbox. Wired by main.go.
	OnGapDetected func(ctx context.Context, mailbox string)
}

// ManagerConfig holds the configuration for the lifecycle manager.
type ManagerConfig struct {
	Store       StateStore
	Gmail       Watcher
	Groups      GroupLister
	Topic       string
	LabelIDs    []string
	RenewBuffer time.Duration
}

// NewManager creates a new watch lifecycle manager.
func NewManager(cfg ManagerConfig) *LifecycleManager {
	m := &LifecycleManager{
		store:       cfg.Store,
		gmail:       cfg.Gmail,
		groups:      cfg.Groups,
		topic:       cfg.Topic,
		labelIDs:    cfg.LabelIDs,
		renewBuffer: cfg.RenewBuffer,
		now:         time.Now,
	}
	if m.renewBuffer <= 0 {
		m.renewBuffer = 24 * time.Hour
	}
	return m
}

// Start reconciles watches once and then runs the renewal loop in the
// background.
func (m *LifecycleManager) Start(ctx context.Context) error {
	if err := m.Reconcile(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.renewalLoop(loopCtx)

	slog.Info("watch lifecycle manager started",
		"renewal_interval", m.interval(),
		"topic", m.topic,
	)
	return nil
}

// Stop gracefully shuts down the renewal loop.
func (m *LifecycleManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("watch lifecycle manager stopped")
}

func (m *LifecycleManager) interval() time.Duration {
	interval := m.renewBuffer / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

func (m *LifecycleManager) renewalLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				slog.Error("watch reconcile failed", "error", err)
			}
		}
	}
}

// Reconcile ensures every active group has a live watch and stops watches
// for mailboxes that are no longer active groups. Per-mailbox failures are
// logged and do not stop the pass.
func (m *LifecycleManager) Reconcile(ctx context.Context) error {
	groups, err := m.groups.ListActiveGroups(ctx)
	if err != nil {
		return fmt.Errorf("list active groups: %w", err)
	}

	wanted := make(map[string]bool, len(groups))
	for _, g := range groups {
		mailbox := strings.ToLower(g.Email)
		wanted[mailbox] = true
		if err := m.ensureWatch(ctx, mailbox); err != nil {
			slog.Error("failed to ensure watch",
				"mailbox", mailbox,
				"error", err,
			)
		}
	}

	active, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active watches: %w", err)
	}
	for _, rec := range active {
		if wanted[rec.Mailbox] {
			continue
		}
		if err := m.stopWatch(ctx, rec.Mailbox); err != nil {
			slog.Error("failed to stop watch",
				"mailbox", rec.Mailbox,
				"error", err,
			)
		}
	}
	return nil
}

// ensureWatch creates a watch for a mailbox that has none, renews one that
// is about to expire and re-creates one that lapsed.
func (m *LifecycleManager) ensureWatch(ctx context.Context, mailbox string) error {
	existing, err := m.store.Get(ctx, mailbox)
	if err != nil {
		return fmt.Errorf("check existing watch: %w", err)
	}

	now := m.now()
	switch {
	case existing == nil:
		slog.Info("creating watch", "mailbox", mailbox)
		return m.watch(ctx, mailbox, false)

	case existing.Status != StatusActive || !existing.ExpiresAt.After(now):
		slog.Warn("watch lapsed, re-creating",
			"mailbox", mailbox,
			"status", existing.Status,
			"expired_at", existing.ExpiresAt,
		)
		return m.watch(ctx, mailbox, existing.HistoryID != "")

	case existing.ExpiresAt.Sub(now) < m.renewBuffer:
		slog.Info("renewing near-expiry watch",
			"mailbox", mailbox,
			"expires_in", existing.ExpiresAt.Sub(now).Round(time.Minute),
		)
		return m.watch(ctx, mailbox, false)

	default:
		slog.Debug("watch already active",
			"mailbox", mailbox,
			"expires_at", existing.ExpiresAt,
		)
		return nil
	}
}

// watch calls users.watch and persists the result. When gap is set, the
// mailbox may have missed notifications and OnGapDetected is fired.
func (m *LifecycleManager) watch(ctx context.Context, mailbox string, gap bool) error {
	resp, err := m.gmail.Watch(ctx, mailbox, m.topic, m.labelIDs)
	if err != nil {
		return fmt.Errorf("watch mailbox: %w", err)
	}

	expiry := resp.Expiration
	if expiry.IsZero() {
		expiry = m.now().UTC().Add(watchLifetime)
	}

	if err := m.store.Upsert(ctx, Record{
		Mailbox:   mailbox,
		HistoryID: resp.HistoryID,
		ExpiresAt: expiry,
		Status:    StatusActive,
	}); err != nil {
		return fmt.Errorf("persist watch: %w", err)
	}

	slog.Info("watch active",
		"mailbox", mailbox,
		"history_id", resp.HistoryID,
		"expires_at", expiry,
	)

	if gap && m.OnGapDetected != nil {
		go m.OnGapDetected(context.WithoutCancel(ctx), mailbox)
	}
	return nil
}

func (m *LifecycleManager) stopWatch(ctx context.Context, mailbox string) error {
	slog.Info("stopping watch for inactive group", "mailbox", mailbox)
	if err := m.gmail.StopWatch(ctx, mailbox); err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	return m.store.MarkStatus(ctx, mailbox, StatusStopped)
}
