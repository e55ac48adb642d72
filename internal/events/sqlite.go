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

package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bcem/ticketing/internal/models"
)

// SQLiteLog stores events in an embedded SQLite database. It is the backend
// for single-node deployments and the operator CLI. Timestamps are stored as
// Unix microseconds.
type SQLiteLog struct {
	db *sql.DB
	// mu serialises appends; SQLite has a single writer anyway.
	mu sync.Mutex
}

// OpenSQLiteLog opens (or creates) the database at path. Use ":memory:" for
// a throwaway log.
func OpenSQLiteLog(ctx context.Context, path string) (*SQLiteLog, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: an in-memory database exists per connection, and
	// writes are serialised regardless.
	db.SetMaxOpenConns(1)

	l := &SQLiteLog{db: db}
	if err := l.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure event schema: %w", err)
	}
	slog.Info("event log initialised", "backend", "sqlite", "path", path)
	return l, nil
}

// Close closes the underlying database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func (l *SQLiteLog) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_types (
			event_type       TEXT PRIMARY KEY,
			description      TEXT NOT NULL DEFAULT '',
			category         TEXT NOT NULL DEFAULT '',
			default_severity TEXT NOT NULL DEFAULT 'info',
			created_at       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type     TEXT NOT NULL REFERENCES event_types(event_type),
			aggregate_type TEXT NOT NULL,
			aggregate_id   TEXT NOT NULL DEFAULT '',
			aggregate_seq  INTEGER NOT NULL,
			event_data     TEXT NOT NULL DEFAULT '{}',
			event_version  INTEGER NOT NULL DEFAULT 1,
			triggered_by   INTEGER,
			triggered_at   INTEGER NOT NULL,
			severity       TEXT NOT NULL DEFAULT 'info',
			process_name   TEXT NOT NULL DEFAULT '',
			ip_address     TEXT NOT NULL DEFAULT '',
			user_agent     TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			causation_id   TEXT NOT NULL DEFAULT '',
			UNIQUE (aggregate_type, aggregate_id, aggregate_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_type, aggregate_id, triggered_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate_type ON events(aggregate_type, aggregate_id, event_type)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append implements Log.
func (l *SQLiteLog) Append(ctx context.Context, ev Event) (Event, error) {
	payload, err := encodeData(ev.Data)
	if err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var lastSeq int64
	var lastAt sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(aggregate_seq), 0), MAX(triggered_at)
		FROM events
		WHERE aggregate_type = ? AND aggregate_id = ?
	`, ev.AggregateType, ev.AggregateID).Scan(&lastSeq, &lastAt); err != nil {
		return Event{}, fmt.Errorf("read aggregate head: %w", err)
	}

	var last time.Time
	if lastAt.Valid {
		last = time.UnixMicro(lastAt.Int64).UTC()
	}
	ev.Seq = lastSeq + 1
	ev.TriggeredAt = nextTimestamp(ev.TriggeredAt, last)

	var triggeredBy sql.NullInt64
	if ev.TriggeredBy != nil {
		triggeredBy = sql.NullInt64{Int64: int64(*ev.TriggeredBy), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events
			(event_type, aggregate_type, aggregate_id, aggregate_seq, event_data, event_version,
			 triggered_by, triggered_at, severity, process_name, ip_address, user_agent,
			 correlation_id, causation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(ev.Type), ev.AggregateType, ev.AggregateID, ev.Seq, string(payload), ev.Version,
		triggeredBy, ev.TriggeredAt.UnixMicro(), string(ev.Severity), ev.ProcessName,
		ev.IPAddress, ev.UserAgent, ev.CorrelationID, ev.CausationID)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return Event{}, fmt.Errorf("read event id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("commit: %w", err)
	}

	data, err := decodeData(payload)
	if err != nil {
		return Event{}, err
	}
	ev.Data = data
	return ev, nil
}

const sqliteEventColumns = `
	id, aggregate_seq, event_type, aggregate_type, aggregate_id, event_data, event_version,
	triggered_by, triggered_at, severity, process_name, ip_address, user_agent,
	correlation_id, causation_id`

// List implements Log.
func (l *SQLiteLog) List(ctx context.Context, aggregateType, aggregateID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+sqliteEventColumns+`
		FROM events
		WHERE aggregate_type = ? AND aggregate_id = ?
		ORDER BY triggered_at, aggregate_seq
	`, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Latest implements Log.
func (l *SQLiteLog) Latest(ctx context.Context, aggregateType, aggregateID string, t Type) (*Event, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+sqliteEventColumns+`
		FROM events
		WHERE aggregate_type = ? AND aggregate_id = ? AND event_type = ?
		ORDER BY triggered_at DESC, aggregate_seq DESC
		LIMIT 1
	`, aggregateType, aggregateID, string(t))

	ev, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// RegisterType implements Log.
func (l *SQLiteLog) RegisterType(ctx context.Context, et EventType) (bool, error) {
	createdAt := et.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO event_types (event_type, description, category, default_severity, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_type) DO NOTHING
	`, string(et.Type), et.Description, et.Category, string(et.DefaultSeverity), createdAt.UnixMicro())
	if err != nil {
		return false, fmt.Errorf("register event type %s: %w", et.Type, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListTypes implements Log.
func (l *SQLiteLog) ListTypes(ctx context.Context) ([]EventType, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, description, category, default_severity, created_at
		FROM event_types
		ORDER BY event_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventType
	for rows.Next() {
		var et EventType
		var typ, severity string
		var createdAt int64
		if err := rows.Scan(&typ, &et.Description, &et.Category, &severity, &createdAt); err != nil {
			return nil, err
		}
		et.Type = Type(typ)
		et.DefaultSeverity = Severity(severity)
		et.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, et)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row rowScanner) (Event, error) {
	var ev Event
	var typ, severity, payload string
	var triggeredBy sql.NullInt64
	var triggeredAt int64
	if err := row.Scan(
		&ev.ID, &ev.Seq, &typ, &ev.AggregateType, &ev.AggregateID, &payload, &ev.Version,
		&triggeredBy, &triggeredAt, &severity, &ev.ProcessName, &ev.IPAddress, &ev.UserAgent,
		&ev.CorrelationID, &ev.CausationID,
	); err != nil {
		return Event{}, err
	}
	data, err := decodeData([]byte(payload))
	if err != nil {
		return Event{}, err
	}
	ev.Type = Type(typ)
	ev.Severity = Severity(severity)
	ev.Data = data
	ev.TriggeredAt = time.UnixMicro(triggeredAt).UTC()
	if triggeredBy.Valid {
		by := models.UserID(triggeredBy.Int64)
		ev.TriggeredBy = &by
	}
	return ev, nil
}
