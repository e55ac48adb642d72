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

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/ticketing/internal/models"
)

// Store is the Postgres-backed RuleSource, PortfolioSource and GroupSource.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a routing store backed by the given Postgres pool.
// It ensures the routing tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure routing schema: %w", err)
	}
	slog.Info("routing store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS assignment_rules (
			id         BIGSERIAL PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			rule_type  TEXT NOT NULL,
			pattern    TEXT NOT NULL,
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			priority   INT NOT NULL DEFAULT 100,
			config     JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rules_type ON assignment_rules(rule_type, active, priority);

		CREATE TABLE IF NOT EXISTS portfolios (
			id                BIGSERIAL PRIMARY KEY,
			name              TEXT NOT NULL UNIQUE,
			campaign_patterns TEXT[] NOT NULL DEFAULT '{}',
			assigned_user_id  BIGINT,
			active            BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS gmail_groups (
			id               BIGSERIAL PRIMARY KEY,
			email            TEXT NOT NULL UNIQUE,
			name             TEXT DEFAULT '',
			assigned_user_id BIGINT,
			active           BOOLEAN NOT NULL DEFAULT TRUE,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// ListActiveRules implements RuleSource.
func (s *Store) ListActiveRules(ctx context.Context, ruleType models.RuleType) ([]models.AssignmentRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, rule_type, pattern, active, priority, config
		FROM assignment_rules
		WHERE rule_type = $1 AND active
		ORDER BY priority, id
	`, string(ruleType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AssignmentRule
	for rows.Next() {
		var r models.AssignmentRule
		var typ string
		if err := rows.Scan(&r.ID, &r.Name, &typ, &r.Pattern, &r.Active, &r.Priority, &r.Config); err != nil {
			return nil, err
		}
		r.Type = models.RuleType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRule inserts or updates a rule keyed on its name and returns its id.
func (s *Store) UpsertRule(ctx context.Context, r models.AssignmentRule) (int64, error) {
	cfg := r.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO assignment_rules (name, rule_type, pattern, active, priority, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			rule_type  = EXCLUDED.rule_type,
			pattern    = EXCLUDED.pattern,
			active     = EXCLUDED.active,
			priority   = EXCLUDED.priority,
			config     = EXCLUDED.config,
			updated_at = NOW()
		RETURNING id
	`, r.Name, string(r.Type), r.Pattern, r.Active, r.Priority, cfg).Scan(&id)
	return id, err
}

// ListActivePortfolios implements PortfolioSource.
func (s *Store) ListActivePortfolios(ctx context.Context) ([]models.Portfolio, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, campaign_patterns, assigned_user_id, active
		FROM portfolios
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Portfolio
	for rows.Next() {
		var p models.Portfolio
		var assignee *int64
		if err := rows.Scan(&p.ID, &p.Name, &p.CampaignPatterns, &assignee, &p.Active); err != nil {
			return nil, err
		}
		p.AssignedUserID = userID(assignee)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPortfolio inserts or updates a portfolio keyed on its name.
func (s *Store) UpsertPortfolio(ctx context.Context, p models.Portfolio) (int64, error) {
	patterns := p.CampaignPatterns
	if patterns == nil {
		patterns = []string{}
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO portfolios (name, campaign_patterns, assigned_user_id, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			campaign_patterns = EXCLUDED.campaign_patterns,
			assigned_user_id  = EXCLUDED.assigned_user_id,
			active            = EXCLUDED.active,
			updated_at        = NOW()
		RETURNING id
	`, p.Name, patterns, int64Param(p.AssignedUserID), p.Active).Scan(&id)
	return id, err
}

// GetGroup implements GroupSource.
func (s *Store) GetGroup(ctx context.Context, id int64) (*models.GmailGroup, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, assigned_user_id, active
		FROM gmail_groups
		WHERE id = $1
	`, id)
	return scanGroup(row)
}

// GetGroupByEmail looks up a group by its address.
func (s *Store) GetGroupByEmail(ctx context.Context, email string) (*models.GmailGroup, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, assigned_user_id, active
		FROM gmail_groups
		WHERE lower(email) = lower($1)
	`, email)
	return scanGroup(row)
}

// ListActiveGroups returns every active group mailbox.
func (s *Store) ListActiveGroups(ctx context.Context) ([]models.GmailGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, name, assigned_user_id, active
		FROM gmail_groups
		WHERE active
		ORDER BY email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GmailGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// UpsertGroup inserts or updates a group keyed on its address. A nil
// AssignedUserID keeps the existing default assignee, so directory syncs
// never clear what an administrator configured.
func (s *Store) UpsertGroup(ctx context.Context, g models.GmailGroup) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO gmail_groups (email, name, assigned_user_id, active)
		VALUES (lower($1), $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET
			name             = EXCLUDED.name,
			assigned_user_id = COALESCE(EXCLUDED.assigned_user_id, gmail_groups.assigned_user_id),
			active           = EXCLUDED.active,
			updated_at       = NOW()
		RETURNING id
	`, g.Email, g.Name, int64Param(g.AssignedUserID), g.Active).Scan(&id)
	return id, err
}

// DeactivateMissing marks every group whose address is not in keep inactive
// and returns how many were changed.
func (s *Store) DeactivateMissing(ctx context.Context, keep []string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE gmail_groups
		SET active = FALSE, updated_at = NOW()
		WHERE active AND NOT (email = ANY($1))
	`, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanGroup(row pgx.Row) (*models.GmailGroup, error) {
	var g models.GmailGroup
	var name *string
	var assignee *int64
	err := row.Scan(&g.ID, &g.Email, &name, &assignee, &g.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if name != nil {
		g.Name = *name
	}
	g.AssignedUserID = userID(assignee)
	return &g, nil
}

func userID(v *int64) *models.UserID {
	if v == nil {
		return nil
	}
	id := models.UserID(*v)
	return &id
}

func int64Param(id *models.UserID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}
