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

package assignment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bcem/ticketing/internal/events"
	"github.com/bcem/ticketing/internal/models"
	"github.com/bcem/ticketing/internal/requestctx"
)

const processName = events.ProcessAssignment

// Recorder is the part of the event store the resolver writes to.
type Recorder interface {
	MessageAssigned(ctx context.Context, o events.AssignmentOutcome) (events.Event, error)
	AssignmentDeferred(ctx context.Context, o events.AssignmentOutcome) (events.Event, error)
	CaseLinked(ctx context.Context, messageID, caseCode, causationID string) (events.Event, error)
	RecordError(ctx context.Context, process string, cause error, details map[string]any, aggregateType, aggregateID string) (events.Event, error)
}

// Applier persists resolver outcomes onto a stored message.
type Applier interface {
	ApplyAssignment(ctx context.Context, emailID int64, a models.Assignment) error
	LinkCase(ctx context.Context, emailID int64, caseCode string) error
}

// Decision is the single outcome of resolving one message.
type Decision struct {
	AssignedUserID *models.UserID `json:"assigned_user_id,omitempty"`
	Reason         string         `json:"reason"`
	Strategy       string         `json:"strategy"`
	Code           string         `json:"code,omitempty"`
}

// Assigned reports whether the decision produced an owner.
func (d Decision) Assigned() bool {
	return d.AssignedUserID != nil
}

// ResolverConfig holds the dependencies of a Resolver.
type ResolverConfig struct {
	Strategies []Strategy
	Events     Recorder
	// Tickets may be nil, in which case only the in-memory message is updated.
	Tickets  Applier
	Identity requestctx.Identity
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Resolver runs the strategy chain for one message at a time.
type Resolver struct {
	strategies []Strategy
	events     Recorder
	tickets    Applier
	identity   requestctx.Identity
	clock      func() time.Time
	logger     *slog.Logger
}

// NewResolver creates a resolver. Strategies are ordered by priority once,
// here; a SupervisorFallback is appended when none was supplied.
func NewResolver(cfg ResolverConfig) *Resolver {
	strategies := append([]Strategy(nil), cfg.Strategies...)
	hasFallback := false
	for _, s := range strategies {
		if s.Kind() == KindSupervisorFallback {
			hasFallback = true
		}
	}
	if !hasFallback {
		strategies = append(strategies, SupervisorFallback{})
	}
	sort.SliceStable(strategies, func(i, j int) bool {
		return strategies[i].Priority() < strategies[j].Priority()
	})

	r := &Resolver{
		strategies: strategies,
		events:     cfg.Events,
		tickets:    cfg.Tickets,
		identity:   cfg.Identity,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	if r.identity == nil {
		r.identity = requestctx.ContextIdentity{}
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Strategies returns the chain in evaluation order.
func (r *Resolver) Strategies() []Strategy {
	return append([]Strategy(nil), r.strategies...)
}

// ResolveAndAssign picks the owner of email, records the decision and, when
// someone was chosen, applies the assignment. Strategy faults are recorded and
// skipped; only event store and persistence failures are returned.
func (r *Resolver) ResolveAndAssign(ctx context.Context, email *models.Email) (Decision, error) {
	messageID := email.AggregateID()

	decision, kind, err := r.resolve(ctx, email)
	if err != nil {
		return Decision{}, err
	}

	causation := requestctx.CausationIDFromContext(ctx)
	if kind == KindCaseCode && decision.Code != "" {
		if _, err := r.events.CaseLinked(ctx, messageID, decision.Code, causation); err != nil {
			return Decision{}, err
		}
		if r.tickets != nil {
			if err := r.tickets.LinkCase(ctx, email.ID, decision.Code); err != nil {
				return Decision{}, fmt.Errorf("link message %s to case %s: %w", messageID, decision.Code, err)
			}
		}
		email.CaseCode = decision.Code
	}

	outcome := events.AssignmentOutcome{
		MessageID:   messageID,
		AssignedTo:  decision.AssignedUserID,
		AssignedBy:  r.identity.Actor(ctx),
		Strategy:    decision.Strategy,
		Reason:      decision.Reason,
		Code:        decision.Code,
		CausationID: causation,
	}

	if !decision.Assigned() {
		if _, err := r.events.AssignmentDeferred(ctx, outcome); err != nil {
			return Decision{}, err
		}
		r.logger.Info("message left for manual assignment",
			"message_id", messageID,
			"strategy", decision.Strategy,
			"reason", decision.Reason,
		)
		return decision, nil
	}

	if _, err := r.events.MessageAssigned(ctx, outcome); err != nil {
		return Decision{}, err
	}

	a := models.Assignment{
		AssignedTo: *decision.AssignedUserID,
		AssignedBy: outcome.AssignedBy,
		AssignedAt: r.clock().UTC(),
		Notes:      decision.Reason,
	}
	if r.tickets != nil {
		if err := r.tickets.ApplyAssignment(ctx, email.ID, a); err != nil {
			return Decision{}, fmt.Errorf("apply assignment to message %s: %w", messageID, err)
		}
	}
	email.Apply(a)

	r.logger.Info("message assigned",
		"message_id", messageID,
		"assigned_to", a.AssignedTo,
		"strategy", decision.Strategy,
	)
	return decision, nil
}

// resolve walks the chain and stops at the first strategy that handles the
// message.
func (r *Resolver) resolve(ctx context.Context, email *models.Email) (Decision, Kind, error) {
	for _, s := range r.strategies {
		ok, err := s.CanHandle(ctx, email)
		if err != nil {
			if rerr := r.strategyFault(ctx, s, "can_handle", email, err); rerr != nil {
				return Decision{}, 0, rerr
			}
			continue
		}
		if !ok {
			continue
		}

		out, err := s.Assign(ctx, email)
		if err != nil {
			if rerr := r.strategyFault(ctx, s, "assign", email, err); rerr != nil {
				return Decision{}, 0, rerr
			}
			continue
		}
		return Decision{
			AssignedUserID: out.UserID,
			Reason:         out.Reason,
			Strategy:       Name(s),
			Code:           out.Code,
		}, s.Kind(), nil
	}

	// Only reachable if the fallback itself faulted.
	return Decision{
		Reason:   ManualAssignmentReason,
		Strategy: KindSupervisorFallback.String(),
	}, KindSupervisorFallback, nil
}

func (r *Resolver) strategyFault(ctx context.Context, s Strategy, step string, email *models.Email, cause error) error {
	r.logger.Error("assignment strategy failed",
		"strategy", Name(s),
		"step", step,
		"message_id", email.AggregateID(),
		"error", cause,
	)
	_, err := r.events.RecordError(ctx, processName, cause, map[string]any{
		"strategy": Name(s),
		"step":     step,
	}, events.AggregateMessage, email.AggregateID())
	return err
}
