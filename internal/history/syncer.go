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

// Package history keeps imported mailboxes current using the Gmail history
// API (users.history.list). It processes messages added since the last known
// history id, both when a push notification arrives and on a cron schedule
// as a safety net.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bcem/ticketing/internal/gmail"
	"github.com/bcem/ticketing/internal/importer"
	"github.com/bcem/ticketing/internal/watch"
)

// API is the part of the Gmail client the syncer uses.
type API interface {
	History(ctx context.Context, mailbox, startHistoryID, pageToken string) (*gmail.HistoryPage, error)
	GetProfile(ctx context.Context, mailbox string) (*gmail.Profile, error)
	ListMessages(ctx context.Context, mailbox string, opts gmail.ListOptions) (*gmail.MessageList, error)
}

// CursorStore persists the per-mailbox history id. Implemented by watch.Store.
type CursorStore interface {
	Get(ctx context.Context, mailbox string) (*watch.Record, error)
	ListActive(ctx context.Context) ([]watch.Record, error)
	SaveHistoryID(ctx context.Context, mailbox, historyID string) error
	ResetHistoryID(ctx context.Context, mailbox, historyID string) error
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Syncer provides incremental synchronisation via the history API.
type Syncer struct {
	gmail    API
	cursors  CursorStore
	pipeline *importer.Pipeline
	runs     importer.RunRecorder

	// recoveryWindow bounds the list query used when a history id expired
	// and the mailbox has never been synced.
	recoveryWindow time.Duration
	now            func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	schedule string
	cron     *cron.Cron
}

// SyncerConfig holds the configuration for the history syncer.
type SyncerConfig struct {
	Gmail          API
	Cursors        CursorStore
	Pipeline       *importer.Pipeline
	Runs           importer.RunRecorder
	Schedule       string
	RecoveryWindow time.Duration
}

// NewSyncer creates a history syncer. The schedule is validated here so a
// bad expression fails at startup.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	s := &Syncer{
		gmail:          cfg.Gmail,
		cursors:        cfg.Cursors,
		pipeline:       cfg.Pipeline,
		runs:           cfg.Runs,
		recoveryWindow: cfg.RecoveryWindow,
		now:            time.Now,
		locks:          make(map[string]*sync.Mutex),
		schedule:       cfg.Schedule,
	}
	if s.recoveryWindow <= 0 {
		s.recoveryWindow = 7 * 24 * time.Hour
	}
	if s.schedule != "" {
		if _, err := cronParser.Parse(s.schedule); err != nil {
			return nil, fmt.Errorf("invalid sync schedule %q: %w", s.schedule, err)
		}
	}
	return s, nil
}

// mailboxLock serialises syncs of one mailbox; push notifications and the
// cron pass may race.
func (s *Syncer) mailboxLock(mailbox string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[mailbox]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[mailbox] = mu
	}
	return mu
}

// SyncMailbox imports messages added to mailbox since its stored history id.
//
// If the mailbox has no history id yet, only the current id is collected:
// history before the watch existed is the backfill's job. If the stored id
// has expired, recent messages are listed instead and the cursor is reset.
func (s *Syncer) SyncMailbox(ctx context.Context, mailbox string) error {
	mu := s.mailboxLock(mailbox)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.cursors.Get(ctx, mailbox)
	if err != nil {
		return fmt.Errorf("load history cursor: %w", err)
	}
	if rec == nil {
		slog.Warn("no watch record for mailbox, skipping history sync", "mailbox", mailbox)
		return nil
	}
	if rec.HistoryID == "" {
		return s.initialSync(ctx, mailbox)
	}

	run, ctx, err := importer.StartRun(ctx, s.runs, mailbox, map[string]any{
		"kind":             "history",
		"start_history_id": rec.HistoryID,
	})
	if err != nil {
		return err
	}

	err = s.incrementalSync(ctx, run, mailbox, rec.HistoryID)
	if errors.Is(err, gmail.ErrHistoryExpired) {
		slog.Warn("history id expired, recovering with a list query",
			"mailbox", mailbox,
			"history_id", rec.HistoryID,
		)
		err = s.recover(ctx, run, mailbox, rec)
	}

	if ferr := run.Finish(ctx, err); ferr != nil {
		slog.Error("failed to record history sync result", "run_id", run.ID, "error", ferr)
	}
	if err != nil {
		return fmt.Errorf("history sync %s: %w", mailbox, err)
	}

	stats := run.Stats()
	slog.Info("history sync complete",
		"mailbox", mailbox,
		"run_id", run.ID,
		"assigned", stats.Assigned,
		"deferred", stats.Deferred,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
	)
	return nil
}

// initialSync records the mailbox's current history id without processing
// any messages.
func (s *Syncer) initialSync(ctx context.Context, mailbox string) error {
	profile, err := s.gmail.GetProfile(ctx, mailbox)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}
	if err := s.cursors.ResetHistoryID(ctx, mailbox, profile.HistoryID); err != nil {
		return fmt.Errorf("persist history id: %w", err)
	}
	slog.Info("history cursor initialised", "mailbox", mailbox, "history_id", profile.HistoryID)
	return nil
}

// incrementalSync pages through history since startID and processes every
// added message. The cursor only advances once all pages were read.
func (s *Syncer) incrementalSync(ctx context.Context, run *importer.Run, mailbox, startID string) error {
	pageToken := ""
	latest := ""
	for {
		page, err := s.gmail.History(ctx, mailbox, startID, pageToken)
		if err != nil {
			if !errors.Is(err, gmail.ErrHistoryExpired) {
				run.APIError(ctx, "history.list", err, map[string]any{"mailbox": mailbox})
			}
			return err
		}
		if page.HistoryID != "" {
			latest = page.HistoryID
		}

		s.process(ctx, run, mailbox, page.AddedMessageIDs())

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if latest == "" {
		return nil
	}
	if err := s.cursors.SaveHistoryID(ctx, mailbox, latest); err != nil {
		return fmt.Errorf("persist history id: %w", err)
	}
	return nil
}

// recover lists messages received since the last sync, processes them and
// resets the cursor to the mailbox's current history id.
func (s *Syncer) recover(ctx context.Context, run *importer.Run, mailbox string, rec *watch.Record) error {
	// Capture the new cursor first so nothing that arrives during the
	// listing is skipped by the next incremental sync.
	profile, err := s.gmail.GetProfile(ctx, mailbox)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}

	since := s.now().Add(-s.recoveryWindow)
	if rec.LastSync != nil && rec.LastSync.After(since) {
		since = rec.LastSync.Add(-time.Hour)
	}
	query := fmt.Sprintf("after:%d", since.Unix())

	pageToken := ""
	for {
		page, err := s.gmail.ListMessages(ctx, mailbox, gmail.ListOptions{
			Query:      query,
			PageToken:  pageToken,
			MaxResults: 100,
		})
		if err != nil {
			run.APIError(ctx, "messages.list", err, map[string]any{"mailbox": mailbox})
			return fmt.Errorf("list messages: %w", err)
		}

		ids := make([]string, 0, len(page.Messages))
		for _, m := range page.Messages {
			ids = append(ids, m.ID)
		}
		s.process(ctx, run, mailbox, ids)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := s.cursors.ResetHistoryID(ctx, mailbox, profile.HistoryID); err != nil {
		return fmt.Errorf("persist history id: %w", err)
	}
	return nil
}

func (s *Syncer) process(ctx context.Context, run *importer.Run, mailbox string, ids []string) {
	for _, id := range ids {
		outcome, err := s.pipeline.Process(ctx, mailbox, id)
		run.Tally(outcome, err)
		if err != nil {
			run.APIError(ctx, "messages.get", err, map[string]any{"mailbox": mailbox, "message_id": id})
			slog.Error("history sync: message failed",
				"mailbox", mailbox,
				"message_id", id,
				"error", err,
			)
		}
	}
}

// SyncAll runs SyncMailbox for every actively watched mailbox.
func (s *Syncer) SyncAll(ctx context.Context) {
	records, err := s.cursors.ListActive(ctx)
	if err != nil {
		slog.Error("failed to list watched mailboxes", "error", err)
		return
	}
	for _, rec := range records {
		if err := s.SyncMailbox(ctx, rec.Mailbox); err != nil {
			slog.Error("periodic history sync failed",
				"mailbox", rec.Mailbox,
				"error", err,
			)
		}
	}
}

// Start schedules SyncAll on the configured cron expression. It is a no-op
// without a schedule.
func (s *Syncer) Start(ctx context.Context) error {
	if s.schedule == "" {
		slog.Info("periodic history sync disabled")
		return nil
	}

	s.cron = cron.New(cron.WithParser(cronParser))
	if _, err := s.cron.AddFunc(s.schedule, func() {
		slog.Debug("cron firing history sync")
		s.SyncAll(ctx)
	}); err != nil {
		return fmt.Errorf("schedule history sync: %w", err)
	}
	s.cron.Start()

	slog.Info("periodic history sync started", "schedule", s.schedule)
	return nil
}

// Stop stops the cron ticker and waits for a running sync to finish.
func (s *Syncer) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
