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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/ticketing/internal/models"
)

// PostgresLog stores events in Postgres. Appends to one aggregate are
// serialised with a transaction-scoped advisory lock on the aggregate key.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog creates a Postgres-backed log and ensures its tables exist.
func NewPostgresLog(ctx context.Context, pool *pgxpool.Pool) (*PostgresLog, error) {
	l := &PostgresLog{pool: pool}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure event schema: %w", err)
	}
	slog.Info("event log initialised", "backend", "postgres")
	return l, nil
}

func (l *PostgresLog) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS event_types (
			event_type       TEXT PRIMARY KEY,
			description      TEXT NOT NULL DEFAULT '',
			category         TEXT NOT NULL DEFAULT '',
			default_severity TEXT NOT NULL DEFAULT 'info',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS events (
			id             BIGSERIAL PRIMARY KEY,
			event_type     TEXT NOT NULL REFERENCES event_types(event_type),
			aggregate_type TEXT NOT NULL,
			aggregate_id   TEXT NOT NULL DEFAULT '',
			aggregate_seq  BIGINT NOT NULL,
			event_data     JSONB NOT NULL DEFAULT '{}',
			event_version  INT NOT NULL DEFAULT 1,
			triggered_by   BIGINT,
			triggered_at   TIMESTAMPTZ NOT NULL,
			severity       TEXT NOT NULL DEFAULT 'info',
			process_name   TEXT NOT NULL DEFAULT '',
			ip_address     TEXT NOT NULL DEFAULT '',
			user_agent     TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			causation_id   TEXT NOT NULL DEFAULT '',
			UNIQUE (aggregate_type, aggregate_id, aggregate_seq)
		);
		CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_type, aggregate_id, triggered_at);
		CREATE INDEX IF NOT EXISTS idx_events_aggregate_type ON events(aggregate_type, aggregate_id, event_type);
		CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
	`)
	return err
}

// Append implements Log.
func (l *PostgresLog) Append(ctx context.Context, ev Event) (Event, error) {
	payload, err := encodeData(ev.Data)
	if err != nil {
		return Event{}, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	key := streamKey(ev.AggregateType, ev.AggregateID)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return Event{}, fmt.Errorf("lock aggregate: %w", err)
	}

	var lastSeq int64
	var lastAt *time.Time
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(aggregate_seq), 0), MAX(triggered_at)
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2
	`, ev.AggregateType, ev.AggregateID).Scan(&lastSeq, &lastAt); err != nil {
		return Event{}, fmt.Errorf("read aggregate head: %w", err)
	}

	var last time.Time
	if lastAt != nil {
		last = *lastAt
	}
	ev.Seq = lastSeq + 1
	ev.TriggeredAt = nextTimestamp(ev.TriggeredAt, last)

	if err := tx.QueryRow(ctx, `
		INSERT INTO events
			(event_type, aggregate_type, aggregate_id, aggregate_seq, event_data, event_version,
			 triggered_by, triggered_at, severity, process_name, ip_address, user_agent,
			 correlation_id, causation_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, string(ev.Type), ev.AggregateType, ev.AggregateID, ev.Seq, string(payload), ev.Version,
		userIDParam(ev.TriggeredBy), ev.TriggeredAt, string(ev.Severity), ev.ProcessName,
		ev.IPAddress, ev.UserAgent, ev.CorrelationID, ev.CausationID,
	).Scan(&ev.ID); err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("commit: %w", err)
	}

	data, err := decodeData(payload)
	if err != nil {
		return Event{}, err
	}
	ev.Data = data
	return ev, nil
}

const eventColumns = `
	id, aggregate_seq, event_type, aggregate_type, aggregate_id, event_data, event_version,
	triggered_by, triggered_at, severity, process_name, ip_address, user_agent,
	correlation_id, causation_id`

// List implements Log.
func (l *PostgresLog) List(ctx context.Context, aggregateType, aggregateID string) ([]Event, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY triggered_at, aggregate_seq
	`, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Latest implements Log.
func (l *PostgresLog) Latest(ctx context.Context, aggregateType, aggregateID string, t Type) (*Event, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND event_type = $3
		ORDER BY triggered_at DESC, aggregate_seq DESC
		LIMIT 1
	`, aggregateType, aggregateID, string(t))

	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// RegisterType implements Log.
func (l *PostgresLog) RegisterType(ctx context.Context, et EventType) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO event_types (event_type, description, category, default_severity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_type) DO NOTHING
	`, string(et.Type), et.Description, et.Category, string(et.DefaultSeverity))
	if err != nil {
		return false, fmt.Errorf("register event type %s: %w", et.Type, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListTypes implements Log.
func (l *PostgresLog) ListTypes(ctx context.Context) ([]EventType, error) {
	rows, err := l.pool.Query(ctx, `
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
		if err := rows.Scan(&typ, &et.Description, &et.Category, &severity, &et.CreatedAt); err != nil {
			return nil, err
		}
		et.Type = Type(typ)
		et.DefaultSeverity = Severity(severity)
		out = append(out, et)
	}
	return out, rows.Err()
}

// scanEvent scans a single row into an Event.
func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	var typ, severity string
	var payload []byte
	var triggeredBy *int64
	if err := row.Scan(
		&ev.ID, &ev.Seq, &typ, &ev.AggregateType, &ev.AggregateID, &payload, &ev.Version,
		&triggeredBy, &ev.TriggeredAt, &severity, &ev.ProcessName, &ev.IPAddress, &ev.UserAgent,
		&ev.CorrelationID, &ev.CausationID,
	); err != nil {
		return Event{}, err
	}
	data, err := decodeData(payload)
	if err != nil {
		return Event{}, err
	}
	ev.Type = Type(typ)
	ev.Severity = Severity(severity)
	ev.Data = data
	ev.TriggeredAt = ev.TriggeredAt.UTC()
	if triggeredBy != nil {
		by := models.UserID(*triggeredBy)
		ev.TriggeredBy = &by
	}
	return ev, nil
}

func userIDParam(id *models.UserID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}
