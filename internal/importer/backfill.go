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

package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/ticketing/internal/events"
	"github.com/bcem/ticketing/internal/gmail"
)

// Lister pages through message references.
type Lister interface {
	ListMessages(ctx context.Context, mailbox string, opts gmail.ListOptions) (*gmail.MessageList, error)
}

// BackfillRequest defines the scope of a historical import run.
type BackfillRequest struct {
	Mailboxes []string
	Since     time.Time
	// Until is optional; zero means now.
	Until time.Time
	// Query is an extra Gmail search expression, e.g. "-in:chats".
	Query string
}

// query builds the Gmail search expression for the request.
func (r BackfillRequest) query() string {
	parts := []string{fmt.Sprintf("after:%d", r.Since.Unix())}
	if !r.Until.IsZero() {
		parts = append(parts, fmt.Sprintf("before:%d", r.Until.Unix()))
	}
	if r.Query != "" {
		parts = append(parts, r.Query)
	}
	return strings.Join(parts, " ")
}

// BackfillResult summarises a completed backfill run.
type BackfillResult struct {
	RunID     string
	Mailboxes []MailboxResult
	Total     events.ImportStats
	Elapsed   time.Duration
}

// MailboxResult tracks per-mailbox backfill progress.
type MailboxResult struct {
	Mailbox string
	Pages   int
	Err     error
}

// Runner performs historical backfills.
type Runner struct {
	gmail       Lister
	pipeline    *Pipeline
	runs        RunRecorder
	pageDelay   time.Duration
	pageSize    int
	concurrency int
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Gmail    Lister
	Pipeline *Pipeline
	Runs     RunRecorder
	// PageDelay is the pause between list pages of one mailbox.
	PageDelay time.Duration
	PageSize  int
	// Concurrency bounds how many mailboxes are backfilled at once.
	Concurrency int
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		gmail:       cfg.Gmail,
		pipeline:    cfg.Pipeline,
		runs:        cfg.Runs,
		pageDelay:   cfg.PageDelay,
		pageSize:    cfg.PageSize,
		concurrency: cfg.Concurrency,
	}
	if r.pageDelay == 0 {
		r.pageDelay = 500 * time.Millisecond
	}
	if r.pageSize <= 0 {
		r.pageSize = 100
	}
	if r.concurrency <= 0 {
		r.concurrency = 2
	}
	return r
}

// Run backfills every requested mailbox. A failing mailbox is reported in
// its MailboxResult and does not stop the others; only cancellation fails
// the run as a whole.
func (r *Runner) Run(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	start := time.Now()
	query := req.query()

	run, ctx, err := StartRun(ctx, r.runs, strings.Join(req.Mailboxes, ","), map[string]any{
		"kind":  "backfill",
		"query": query,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("starting historical backfill",
		"run_id", run.ID,
		"mailboxes", len(req.Mailboxes),
		"query", query,
	)

	result := &BackfillResult{
		RunID:     run.ID,
		Mailboxes: make([]MailboxResult, len(req.Mailboxes)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, mailbox := range req.Mailboxes {
		g.Go(func() error {
			mr := r.backfillMailbox(gctx, run, mailbox, query)
			result.Mailboxes[i] = mr
			if mr.Err != nil {
				slog.Error("backfill failed for mailbox",
					"run_id", run.ID,
					"mailbox", mailbox,
					"error", mr.Err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Total = run.Stats()
	result.Elapsed = time.Since(start)

	if err := ctx.Err(); err != nil {
		if ferr := run.Finish(ctx, err); ferr != nil {
			slog.Error("failed to record backfill failure", "run_id", run.ID, "error", ferr)
		}
		return result, fmt.Errorf("backfill %s: %w", run.ID, err)
	}
	if err := run.Finish(ctx, nil); err != nil {
		return result, err
	}

	slog.Info("historical backfill complete",
		"run_id", run.ID,
		"assigned", result.Total.Assigned,
		"deferred", result.Total.Deferred,
		"skipped", result.Total.Skipped,
		"errors", result.Total.Errors,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// backfillMailbox lists and processes historical messages for one mailbox.
func (r *Runner) backfillMailbox(ctx context.Context, run *Run, mailbox, query string) MailboxResult {
	mr := MailboxResult{Mailbox: mailbox}

	slog.Info("backfilling group mailbox",
		"run_id", run.ID,
		"mailbox", mailbox,
	)

	pageToken := ""
	for {
		if mr.Pages > 0 {
			select {
			case <-ctx.Done():
				mr.Err = ctx.Err()
				return mr
			case <-time.After(r.pageDelay):
			}
		}

		page, err := r.gmail.ListMessages(ctx, mailbox, gmail.ListOptions{
			Query:      query,
			PageToken:  pageToken,
			MaxResults: r.pageSize,
		})
		if err != nil {
			run.APIError(ctx, "messages.list", err, map[string]any{"mailbox": mailbox})
			mr.Err = fmt.Errorf("list page %d: %w", mr.Pages, err)
			return mr
		}
		mr.Pages++

		slog.Debug("backfill page fetched",
			"mailbox", mailbox,
			"page", mr.Pages,
			"messages", len(page.Messages),
		)

		for _, ref := range page.Messages {
			outcome, err := r.pipeline.Process(ctx, mailbox, ref.ID)
			run.Tally(outcome, err)
			if err != nil {
				run.APIError(ctx, "messages.get", err, map[string]any{"mailbox": mailbox, "message_id": ref.ID})
				slog.Warn("backfill: message failed",
					"mailbox", mailbox,
					"message_id", ref.ID,
					"error", err,
				)
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	slog.Info("mailbox backfill complete",
		"run_id", run.ID,
		"mailbox", mailbox,
		"pages", mr.Pages,
	)
	return mr
}
