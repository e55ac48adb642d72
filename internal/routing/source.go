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

// Package routing holds the administered data the assignment strategies read:
// assignment rules, portfolios and group mailboxes.
package routing

import (
	"context"
	"errors"

	"github.com/bcem/ticketing/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RuleSource lists active rules of one type, ascending by priority.
type RuleSource interface {
	ListActiveRules(ctx context.Context, ruleType models.RuleType) ([]models.AssignmentRule, error)
}

// PortfolioSource lists active portfolios in storage order.
type PortfolioSource interface {
	ListActivePortfolios(ctx context.Context) ([]models.Portfolio, error)
}

// GroupSource looks up a group mailbox by id. It returns ErrNotFound for an
// unknown id.
type GroupSource interface {
	GetGroup(ctx context.Context, id int64) (*models.GmailGroup, error)
}
