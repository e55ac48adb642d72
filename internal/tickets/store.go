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

// Package tickets persists imported messages and the assignment fields the
// resolver writes onto them.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/ticketing/internal/models"
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("message not found")

// Store provides persistence for imported messages in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a message store backed by the given Postgres pool.
// It ensures the emails table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure emails schema: %w", err)
	}
	slog.Info("ticket store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS emails (
			id               BIGSERIAL PRIMARY KEY,
			gmail_message_id TEXT NOT NULL,
			thread_id        TEXT DEFAULT '',
			mailbox          TEXT NOT NULL,
			subject          TEXT DEFAULT '',
			body             TEXT DEFAULT '',
			from_address     TEXT DEFAULT '',
			from_name        TEXT DEFAULT '',
			gmail_group_id   BIGINT,
			status           TEXT NOT NULL DEFAULT 'pending',
			case_code        TEXT DEFAULT '',
			assigned_to      BIGINT,
			assigned_by      BIGINT,
			assigned_at      TIMESTAMPTZ,
			assignment_notes TEXT DEFAULT '',
			received_at      TIMESTAMPTZ NOT NULL,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(mailbox, gmail_message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_emails_status ON emails(status);
		CREATE INDEX IF NOT EXISTS idx_emails_assigned_to ON emails(assigned_to);
		CREATE INDEX IF NOT EXISTS idx_emails_case_code ON emails(case_code);
	`)
	return err
}

// Save inserts a new message and sets e.ID. If the message was already
// stored, e.ID is set to the existing row and created is false.
func (s *Store) Save(ctx context.Context, e *models.Email) (created bool, err error) {
	status := e.Status
	if status == "" {
		status = models.StatusPending
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO emails
			(gmail_message_id, thread_id, mailbox, subject, body, from_address, from_name,
			 gmail_group_id, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (mailbox, gmail_message_id) DO NOTHING
		RETURNING id
	`, e.GmailMessageID, e.ThreadID, e.Mailbox, e.Subject, e.Body, e.From.Address, e.From.Name,
		e.GmailGroupID, string(status), e.ReceivedAt).Scan(&e.ID)
	if err == nil {
		e.Status = status
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("insert email: %w", err)
	}

	existing, err := s.GetByGmailID(ctx, e.Mailbox, e.GmailMessageID)
	if err != nil {
		return false, err
	}
	*e = *existing
	return false, nil
}

const emailColumns = `
	id, gmail_message_id, thread_id, mailbox, subject, body, from_address, from_name,
	gmail_group_id, status, case_code, assigned_to, assigned_by, assigned_at,
	assignment_notes, received_at`

// Get retrieves a message by id.
func (s *Store) Get(ctx context.Context, id int64) (*models.Email, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = $1`, id)
	return scanEmail(row)
}

// GetByGmailID retrieves a message by mailbox and Gmail message id.
func (s *Store) GetByGmailID(ctx context.Context, mailbox, gmailMessageID string) (*models.Email, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+emailColumns+`
		FROM emails
		WHERE mailbox = $1 AND gmail_message_id = $2
	`, mailbox, gmailMessageID)
	return scanEmail(row)
}

// ListPending returns unassigned messages, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]models.Email, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+emailColumns+`
		FROM emails
		WHERE status = 'pending'
		ORDER BY received_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ApplyAssignment writes the assignment fields and moves the message to assigned.
func (s *Store) ApplyAssignment(ctx context.Context, id int64, a models.Assignment) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails
		SET assigned_to = $1, assigned_by = $2, assigned_at = $3, assignment_notes = $4,
		    status = 'assigned', updated_at = NOW()
		WHERE id = $5
	`, int64(a.AssignedTo), userIDParam(a.AssignedBy), a.AssignedAt, a.Notes, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkCase records the case code a message refers to.
func (s *Store) LinkCase(ctx context.Context, id int64, caseCode string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails SET case_code = $1, updated_at = NOW() WHERE id = $2
	`, caseCode, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus moves a message to status and returns the previous status.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status models.CaseStatus) (models.CaseStatus, error) {
	if !status.Valid() {
		return "", fmt.Errorf("invalid status %q", status)
	}
	var prev string
	err := s.pool.QueryRow(ctx, `
		UPDATE emails e
		SET status = $1, updated_at = NOW()
		FROM (SELECT id, status FROM emails WHERE id = $2 FOR UPDATE) old
		WHERE e.id = old.id
		RETURNING old.status
	`, string(status), id).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return models.CaseStatus(prev), nil
}

func scanEmail(row pgx.Row) (*models.Email, error) {
	var e models.Email
	var threadID, subject, body, fromAddr, fromName, caseCode, notes *string
	var status string
	var assignedTo, assignedBy *int64
	var assignedAt *time.Time
	err := row.Scan(
		&e.ID, &e.GmailMessageID, &threadID, &e.Mailbox, &subject, &body, &fromAddr, &fromName,
		&e.GmailGroupID, &status, &caseCode, &assignedTo, &assignedBy, &assignedAt,
		&notes, &e.ReceivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ThreadID = deref(threadID)
	e.Subject = deref(subject)
	e.Body = deref(body)
	e.From = models.EmailAddress{Address: deref(fromAddr), Name: deref(fromName)}
	e.Status = models.CaseStatus(status)
	e.CaseCode = deref(caseCode)
	e.AssignmentNotes = deref(notes)
	e.AssignedAt = assignedAt
	if assignedTo != nil {
		e.AssignedTo = models.UserIDPtr(models.UserID(*assignedTo))
	}
	if assignedBy != nil {
		e.AssignedBy = models.UserIDPtr(models.UserID(*assignedBy))
	}
	return &e, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func userIDParam(id *models.UserID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}
