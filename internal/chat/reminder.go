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

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bcem/ticketing/internal/models"
)

// PendingLister returns messages still waiting for an owner, oldest first.
type PendingLister interface {
	ListPending(ctx context.Context, limit int) ([]models.Email, error)
}

// Reminder periodically posts a digest of messages that have waited longer
// than minAge for manual assignment.
type Reminder struct {
	client   *Client
	pending  PendingLister
	interval time.Duration
	minAge   time.Duration
	limit    int
	now      func() time.Time
}

// NewReminder creates a reminder that checks the backlog at the given interval.
func NewReminder(client *Client, pending PendingLister, interval, minAge time.Duration) *Reminder {
	return &Reminder{
		client:   client,
		pending:  pending,
		interval: interval,
		minAge:   minAge,
		limit:    50,
		now:      time.Now,
	}
}

// Run starts the reminder loop. It blocks until the context is cancelled.
func (r *Reminder) Run(ctx context.Context) {
	if !r.client.Enabled() || r.interval <= 0 {
		slog.Info("triage reminder disabled")
		return
	}

	slog.Info("triage reminder starting",
		"interval", r.interval,
		"min_age", r.minAge,
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("triage reminder stopping")
			return
		case <-ticker.C:
			if err := r.remind(ctx); err != nil {
				slog.Error("triage reminder failed", "error", err)
			}
		}
	}
}

// remind posts one digest if any message is overdue.
func (r *Reminder) remind(ctx context.Context) error {
	emails, err := r.pending.ListPending(ctx, r.limit)
	if err != nil {
		return fmt.Errorf("list pending messages: %w", err)
	}

	cutoff := r.now().Add(-r.minAge)
	var overdue []models.Email
	for _, e := range emails {
		if e.ReceivedAt.Before(cutoff) {
			overdue = append(overdue, e)
		}
	}
	if len(overdue) == 0 {
		slog.Debug("no overdue messages")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%d message(s) waiting for assignment*\n", len(overdue))
	for _, e := range overdue {
		fmt.Fprintf(&b, "- #%d %s (%s, waiting %s)\n",
			e.ID, e.Subject, e.Mailbox, r.now().Sub(e.ReceivedAt).Truncate(time.Minute))
	}

	slog.Info("posting triage reminder", "overdue", len(overdue))
	return r.client.Post(ctx, "triage-reminder", strings.TrimRight(b.String(), "\n"))
}
