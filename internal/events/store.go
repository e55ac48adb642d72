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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bcem/ticketing/internal/requestctx"
)

// Store records domain events and answers history and state queries.
type Store struct {
	log      Log
	clock    func() time.Time
	identity requestctx.Identity
	logger   *slog.Logger

	// registered caches catalog rows known to exist, so the log is only asked
	// once per type per process.
	registered sync.Map
}

// StoreConfig holds the dependencies of a Store.
type StoreConfig struct {
	Log      Log
	Clock    func() time.Time
	Identity requestctx.Identity
	Logger   *slog.Logger
}

// NewStore creates an event store. Clock, Identity and Logger default to
// time.Now, requestctx.ContextIdentity and slog.Default().
func NewStore(cfg StoreConfig) *Store {
	s := &Store{
		log:      cfg.Log,
		clock:    cfg.Clock,
		identity: cfg.Identity,
		logger:   cfg.Logger,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.identity == nil {
		s.identity = requestctx.ContextIdentity{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Record appends a new event. Unknown event types are registered in the
// catalog on first use. A failure to persist is always returned: losing an
// audit event is not acceptable.
func (s *Store) Record(
	ctx context.Context,
	eventType Type,
	aggregateType string,
	aggregateID string,
	data map[string]any,
	meta Metadata,
) (Event, error) {
	if strings.TrimSpace(string(eventType)) == "" {
		return Event{}, fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(aggregateType) == "" {
		return Event{}, fmt.Errorf("%w: aggregate type is required", ErrInvalidEvent)
	}

	catalog, err := s.ensureType(ctx, eventType)
	if err != nil {
		return Event{}, err
	}

	severity := meta.Severity
	if severity == "" {
		severity = catalog.DefaultSeverity
	}
	triggeredBy := meta.TriggeredBy
	if triggeredBy == nil {
		triggeredBy = s.identity.Actor(ctx)
	}
	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = requestctx.CorrelationIDFromContext(ctx)
	}
	causationID := meta.CausationID
	if causationID == "" {
		causationID = requestctx.CausationIDFromContext(ctx)
	}
	info := s.identity.Request(ctx)

	ev, err := s.log.Append(ctx, Event{
		Type:          eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          data,
		Version:       CurrentVersion,
		TriggeredBy:   triggeredBy,
		TriggeredAt:   s.clock().UTC(),
		Severity:      severity,
		ProcessName:   meta.ProcessName,
		IPAddress:     info.IP,
		UserAgent:     info.UserAgent,
		CorrelationID: correlationID,
		CausationID:   causationID,
	})
	if err != nil {
		return Event{}, fmt.Errorf("append %s event for %s %s: %w", eventType, aggregateType, aggregateID, err)
	}

	s.logger.Debug("event recorded",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"aggregate_type", ev.AggregateType,
		"aggregate_id", ev.AggregateID,
		"seq", ev.Seq,
	)
	return ev, nil
}

// ensureType registers eventType in the catalog the first time it is seen.
func (s *Store) ensureType(ctx context.Context, eventType Type) (EventType, error) {
	if v, ok := s.registered.Load(eventType); ok {
		return v.(EventType), nil
	}

	et := Describe(eventType)
	created, err := s.log.RegisterType(ctx, et)
	if err != nil {
		return EventType{}, fmt.Errorf("register event type: %w", err)
	}
	if created && !Known(eventType) {
		s.logger.Info("registered new event type", "event_type", eventType)
	}
	s.registered.Store(eventType, et)
	return et, nil
}

// EventsFor returns all events of an aggregate, oldest first.
func (s *Store) EventsFor(ctx context.Context, aggregateType, aggregateID string) ([]Event, error) {
	evs, err := s.log.List(ctx, aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s %s: %w", aggregateType, aggregateID, err)
	}
	return evs, nil
}

// LatestEvent returns the newest event of the given type for an aggregate, or
// nil if there is none.
func (s *Store) LatestEvent(ctx context.Context, aggregateType, aggregateID string, eventType Type) (*Event, error) {
	ev, err := s.log.Latest(ctx, aggregateType, aggregateID, eventType)
	if err != nil {
		return nil, fmt.Errorf("latest %s event for %s %s: %w", eventType, aggregateType, aggregateID, err)
	}
	return ev, nil
}

// CurrentState replays an aggregate's events from empty state.
func (s *Store) CurrentState(ctx context.Context, aggregateType, aggregateID string) (State, error) {
	evs, err := s.EventsFor(ctx, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	return Replay(evs), nil
}

// Catalog returns every registered event type.
func (s *Store) Catalog(ctx context.Context) ([]EventType, error) {
	return s.log.ListTypes(ctx)
}
