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

// Package watch provides a Postgres-backed store for Gmail push watch state
// and a lifecycle manager that creates, renews and stops per-mailbox watches.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Watch statuses.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusStopped = "stopped"
)

// Record represents the watch and sync cursor of one group mailbox.
type Record struct {
	ID               int64
	Mailbox          string
	HistoryID        string
	ExpiresAt        time.Time
	LastNotification *time.Time
	LastSync         *time.Time
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store provides CRUD operations for watch records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a watch store backed by the given Postgres pool.
// It ensures the gmail_watches table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure watch schema: %w", err)
	}
	slog.Info("watch store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS gmail_watches (
			id                BIGSERIAL PRIMARY KEY,
			mailbox           TEXT NOT NULL UNIQUE,
			history_id        TEXT NOT NULL DEFAULT '',
			expires_at        TIMESTAMPTZ NOT NULL,
			last_notification TIMESTAMPTZ,
			last_sync         TIMESTAMPTZ,
			status            TEXT NOT NULL DEFAULT 'active',
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_watches_expires ON gmail_watches(expires_at);
		CREATE INDEX IF NOT EXISTS idx_watches_status ON gmail_watches(status);
	`)
	return err
}

const recordColumns = `id, mailbox, history_id, expires_at, last_notification,
	last_sync, status, created_at, updated_at`

// Upsert inserts or updates a watch keyed on mailbox. An existing history id
// is kept: it is the sync cursor and only SaveHistoryID moves it.
func (s *Store) Upsert(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gmail_watches (mailbox, history_id, expires_at, status)
		VALUES (lower($1), $2, $3, $4)
		ON CONFLICT (mailbox) DO UPDATE SET
			history_id = CASE WHEN gmail_watches.history_id = '' THEN EXCLUDED.history_id
			                  ELSE gmail_watches.history_id END,
			expires_at = EXCLUDED.expires_at,
			status     = EXCLUDED.status,
			updated_at = NOW()
	`, r.Mailbox, r.HistoryID, r.ExpiresAt, r.Status)
	return err
}

// Get retrieves the watch for a mailbox, or nil if there is none.
func (s *Store) Get(ctx context.Context, mailbox string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM gmail_watches
		WHERE mailbox = lower($1)
	`, mailbox)
	return scanRecord(row)
}

// ListActive returns every active watch.
func (s *Store) ListActive(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+`
		FROM gmail_watches
		WHERE status = 'active'
		ORDER BY mailbox
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// SaveHistoryID advances the sync cursor for a mailbox. History ids only
// grow, so an older id is ignored.
func (s *Store) SaveHistoryID(ctx context.Context, mailbox, historyID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gmail_watches
		SET history_id = $1, last_sync = NOW(), updated_at = NOW()
		WHERE mailbox = lower($2)
		  AND (history_id = '' OR history_id::NUMERIC < $1::NUMERIC)
	`, historyID, mailbox)
	return err
}

// ResetHistoryID replaces the sync cursor unconditionally. Used when the
// stored id has fallen out of Gmail's history window.
func (s *Store) ResetHistoryID(ctx context.Context, mailbox, historyID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gmail_watches
		SET history_id = $1, last_sync = NOW(), updated_at = NOW()
		WHERE mailbox = lower($2)
	`, historyID, mailbox)
	return err
}

// MarkStatus sets the status of a watch (active, expired, stopped).
func (s *Store) MarkStatus(ctx context.Context, mailbox, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gmail_watches
		SET status = $1, updated_at = NOW()
		WHERE mailbox = lower($2)
	`, status, mailbox)
	return err
}

// TouchNotification updates last_notification to NOW().
func (s *Store) TouchNotification(ctx context.Context, mailbox string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gmail_watches
		SET last_notification = NOW(), updated_at = NOW()
		WHERE mailbox = lower($1)
	`, mailbox)
	return err
}

// scanRecord scans a single row into a Record.
func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(
		&r.ID, &r.Mailbox, &r.HistoryID, &r.ExpiresAt, &r.LastNotification,
		&r.LastSync, &r.Status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// collectRecords scans multiple rows into a slice of Records.
func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
