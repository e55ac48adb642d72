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

// Package importer turns Gmail messages into tickets. The Pipeline handles
// one message end to end; the Runner drives it over a date range for
// historical backfills.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bcem/ticketing/internal/assignment"
	"github.com/bcem/ticketing/internal/events"
	"github.com/bcem/ticketing/internal/gmail"
	"github.com/bcem/ticketing/internal/models"
	"github.com/bcem/ticketing/internal/queue"
	"github.com/bcem/ticketing/internal/requestctx"
	"github.com/bcem/ticketing/internal/routing"
)

// Fetcher loads a full Gmail message. A nil message means it was deleted.
type Fetcher interface {
	GetMessage(ctx context.Context, mailbox, id string) (*gmail.Message, error)
}

// SeenFilter remembers which messages were already picked up.
type SeenFilter interface {
	IsNew(ctx context.Context, mailbox, messageID string) (bool, error)
	Forget(ctx context.Context, mailbox, messageID string) error
}

// MessageStore persists imported messages. Save reports false when the
// message was already stored.
type MessageStore interface {
	Save(ctx context.Context, e *models.Email) (bool, error)
}

// GroupLookup finds the group alias a message was delivered through.
type GroupLookup interface {
	GetGroupByEmail(ctx context.Context, email string) (*models.GmailGroup, error)
}

// Recorder is the part of the event store the pipeline writes to.
type Recorder interface {
	MessageReceived(ctx context.Context, email *models.Email) (events.Event, error)
	LatestEvent(ctx context.Context, aggregateType, aggregateID string, eventType events.Type) (*events.Event, error)
	RecordError(ctx context.Context, process string, cause error, details map[string]any, aggregateType, aggregateID string) (events.Event, error)
}

// Resolver assigns an owner to a stored message.
type Resolver interface {
	ResolveAndAssign(ctx context.Context, email *models.Email) (assignment.Decision, error)
}

// Notifier tells workers about a resolved message.
type Notifier interface {
	Publish(ctx context.Context, n queue.Notification) error
}

// TriageAlerter announces messages nobody was assigned to.
type TriageAlerter interface {
	NotifyTriage(ctx context.Context, email *models.Email, reason string) error
}

// Outcome is what happened to one message.
type Outcome int

const (
	// OutcomeSkipped covers duplicates and deleted messages.
	OutcomeSkipped Outcome = iota
	OutcomeAssigned
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAssigned:
		return "assigned"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "skipped"
	}
}

// PipelineConfig holds the dependencies of a Pipeline. Notifier and Alerter
// are optional.
type PipelineConfig struct {
	Gmail    Fetcher
	Seen     SeenFilter
	Messages MessageStore
	Groups   GroupLookup
	Events   Recorder
	Resolver Resolver
	Notifier Notifier
	Alerter  TriageAlerter
}

// Pipeline imports and assigns single messages.
type Pipeline struct {
	gmail    Fetcher
	seen     SeenFilter
	messages MessageStore
	groups   GroupLookup
	events   Recorder
	resolver Resolver
	notifier Notifier
	alerter  TriageAlerter
}

// NewPipeline creates an import pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		gmail:    cfg.Gmail,
		seen:     cfg.Seen,
		messages: cfg.Messages,
		groups:   cfg.Groups,
		events:   cfg.Events,
		resolver: cfg.Resolver,
		notifier: cfg.Notifier,
		alerter:  cfg.Alerter,
	}
}

// Process imports one message from mailbox: dedup, fetch, persist, record
// message.received, resolve and assign, then notify. The correlation id on
// ctx (the import run) is carried into every event.
//
// A failed attempt releases the dedup key so a later sync retries it. A
// retry of a message that is already stored resumes where the earlier
// attempt stopped and skips it only once a decision has been recorded.
func (p *Pipeline) Process(ctx context.Context, mailbox, messageID string) (outcome Outcome, err error) {
	if p.seen != nil {
		isNew, err := p.seen.IsNew(ctx, mailbox, messageID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "mailbox", mailbox, "message_id", messageID, "error", err)
		} else if !isNew {
			slog.Debug("skipping duplicate message", "mailbox", mailbox, "message_id", messageID)
			return OutcomeSkipped, nil
		}
	}

	defer func() {
		if err != nil && p.seen != nil {
			if ferr := p.seen.Forget(context.WithoutCancel(ctx), mailbox, messageID); ferr != nil {
				slog.Warn("failed to release dedup key", "message_id", messageID, "error", ferr)
			}
		}
	}()

	msg, err := p.gmail.GetMessage(ctx, mailbox, messageID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("fetch message %s: %w", messageID, err)
	}
	if msg == nil {
		return OutcomeSkipped, nil
	}

	email := msg.Email(mailbox)
	if err := p.attachGroup(ctx, email, msg); err != nil {
		return OutcomeSkipped, err
	}

	created, err := p.messages.Save(ctx, email)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("save message %s: %w", messageID, err)
	}

	var received *events.Event
	if !created {
		var done bool
		received, done, err = p.resumeState(ctx, email)
		if err != nil {
			return OutcomeSkipped, err
		}
		if done {
			slog.Debug("message already stored", "mailbox", mailbox, "message_id", messageID, "email_id", email.ID)
			return OutcomeSkipped, nil
		}
		slog.Info("resuming unassigned message", "mailbox", mailbox, "message_id", messageID, "email_id", email.ID)
	}

	if received == nil {
		ev, err := p.events.MessageReceived(ctx, email)
		if err != nil {
			return OutcomeSkipped, fmt.Errorf("record message received: %w", err)
		}
		received = &ev
	}

	decision, err := p.resolver.ResolveAndAssign(requestctx.WithCausationID(ctx, strconv.FormatInt(received.ID, 10)), email)
	if err != nil {
		p.recordFailure(ctx, email, err)
		return OutcomeSkipped, fmt.Errorf("assign message %d: %w", email.ID, err)
	}

	p.notify(ctx, email, decision)

	if decision.Assigned() {
		return OutcomeAssigned, nil
	}
	return OutcomeDeferred, nil
}

// resumeState inspects a message stored by an earlier attempt. done is true
// when that attempt got as far as an assignment decision, or when the message
// has left pending by other means. Otherwise received is its message.received
// event, nil if that was never recorded.
func (p *Pipeline) resumeState(ctx context.Context, email *models.Email) (received *events.Event, done bool, err error) {
	if email.Status != "" && email.Status != models.StatusPending {
		return nil, true, nil
	}
	id := email.AggregateID()
	for _, t := range []events.Type{events.TypeMessageAssigned, events.TypeMessageAssignmentDeferred} {
		ev, err := p.events.LatestEvent(ctx, events.AggregateMessage, id, t)
		if err != nil {
			return nil, false, fmt.Errorf("look up %s for message %s: %w", t, id, err)
		}
		if ev != nil {
			return nil, true, nil
		}
	}
	received, err = p.events.LatestEvent(ctx, events.AggregateMessage, id, events.TypeMessageReceived)
	if err != nil {
		return nil, false, fmt.Errorf("look up %s for message %s: %w", events.TypeMessageReceived, id, err)
	}
	return received, false, nil
}

// attachGroup sets the group the message arrived through: the first
// recipient that is a known group, else the mailbox itself.
func (p *Pipeline) attachGroup(ctx context.Context, email *models.Email, msg *gmail.Message) error {
	if p.groups == nil {
		return nil
	}
	candidates := append(msg.Recipients(), strings.ToLower(email.Mailbox))
	for _, addr := range candidates {
		g, err := p.groups.GetGroupByEmail(ctx, addr)
		if errors.Is(err, routing.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("look up group %s: %w", addr, err)
		}
		id := g.ID
		email.GmailGroupID = &id
		return nil
	}
	return nil
}

func (p *Pipeline) recordFailure(ctx context.Context, email *models.Email, cause error) {
	if _, err := p.events.RecordError(ctx, events.ProcessImport, cause, map[string]any{
		"mailbox":          email.Mailbox,
		"gmail_message_id": email.GmailMessageID,
	}, events.AggregateMessage, email.AggregateID()); err != nil {
		slog.Error("failed to record import error", "email_id", email.ID, "error", err)
	}
}

// notify publishes the outcome to workers and, for deferred messages, alerts
// the triage channel. Failures are logged: the assignment already stands.
func (p *Pipeline) notify(ctx context.Context, email *models.Email, d assignment.Decision) {
	if p.notifier != nil {
		n := queue.Notification{
			EmailID:        email.ID,
			GmailMessageID: email.GmailMessageID,
			Mailbox:        email.Mailbox,
			Subject:        email.Subject,
			From:           email.From.Address,
			AssignedTo:     d.AssignedUserID,
			Strategy:       d.Strategy,
			Reason:         d.Reason,
			Code:           d.Code,
			CorrelationID:  requestctx.CorrelationIDFromContext(ctx),
		}
		if err := p.notifier.Publish(ctx, n); err != nil {
			slog.Error("publish notification failed", "email_id", email.ID, "error", err)
		}
	}

	if !d.Assigned() && p.alerter != nil {
		if err := p.alerter.NotifyTriage(ctx, email, d.Reason); err != nil {
			slog.Error("triage alert failed", "email_id", email.ID, "error", err)
		}
	}
}
