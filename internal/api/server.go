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

// Package api exposes the audit trail over HTTP: the event history of an
// aggregate, its projected state and the event type catalog. It also lets
// agents move a message through its case statuses, which is recorded as
// events like every other change.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bcem/ticketing/internal/events"
	"github.com/bcem/ticketing/internal/models"
	"github.com/bcem/ticketing/internal/tickets"
)

// EventReader answers history and state queries.
type EventReader interface {
	EventsFor(ctx context.Context, aggregateType, aggregateID string) ([]events.Event, error)
	LatestEvent(ctx context.Context, aggregateType, aggregateID string, eventType events.Type) (*events.Event, error)
	CurrentState(ctx context.Context, aggregateType, aggregateID string) (events.State, error)
	Catalog(ctx context.Context) ([]events.EventType, error)
}

// StatusRecorder records case status changes.
type StatusRecorder interface {
	MessageStatusChanged(ctx context.Context, messageID string, from, to models.CaseStatus) (events.Event, error)
	MessageProcessed(ctx context.Context, messageID string) (events.Event, error)
}

// TicketStore reads messages and persists status changes. UpdateStatus
// returns the previous status.
type TicketStore interface {
	Get(ctx context.Context, id int64) (*models.Email, error)
	UpdateStatus(ctx context.Context, id int64, status models.CaseStatus) (models.CaseStatus, error)
}

// Config holds the dependencies of a Server.
type Config struct {
	Events   EventReader
	Recorder StatusRecorder
	Tickets  TicketStore
	Auth     *Authenticator
}

// Server serves the read API and the status endpoint.
type Server struct {
	events   EventReader
	recorder StatusRecorder
	tickets  TicketStore
	auth     *Authenticator
}

// NewServer creates an API server.
func NewServer(cfg Config) *Server {
	return &Server{
		events:   cfg.Events,
		recorder: cfg.Recorder,
		tickets:  cfg.Tickets,
		auth:     cfg.Auth,
	}
}

// Register mounts the API under /api/ on mux, behind authentication.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("/api/", s.auth.Middleware(s.routes()))
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/events/{type}/{id}", s.handleEvents)
	mux.HandleFunc("GET /api/events/{type}/{id}/state", s.handleState)
	mux.HandleFunc("GET /api/events/{type}/{id}/latest", s.handleLatest)
	mux.HandleFunc("GET /api/event-types", s.handleEventTypes)
	mux.HandleFunc("GET /api/messages/{id}", s.handleMessage)
	mux.HandleFunc("PATCH /api/messages/{id}/status", s.handleStatus)
	return mux
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.events.EventsFor(r.Context(), r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		s.internalError(w, "list events", err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	aggType, aggID := r.PathValue("type"), r.PathValue("id")
	state, err := s.events.CurrentState(r.Context(), aggType, aggID)
	if err != nil {
		s.internalError(w, "project state", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"aggregate_type": aggType,
		"aggregate_id":   aggID,
		"state":          state,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		writeError(w, http.StatusBadRequest, "type query parameter is required")
		return
	}
	ev, err := s.events.LatestEvent(r.Context(), r.PathValue("type"), r.PathValue("id"), events.Type(eventType))
	if err != nil {
		s.internalError(w, "latest event", err)
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "no such event")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEventTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.events.Catalog(r.Context())
	if err != nil {
		s.internalError(w, "list event types", err)
		return
	}
	if types == nil {
		types = []events.EventType{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_types": types})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	email, err := s.tickets.Get(r.Context(), id)
	if errors.Is(err, tickets.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		s.internalError(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

type statusRequest struct {
	Status models.CaseStatus `json:"status"`
}

// handleStatus moves a message to a new case status. Resolving or closing a
// message also records that processing finished. Events are written before
// the row, so a failed request leaves the row untouched and can be retried.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	ctx := r.Context()
	email, err := s.tickets.Get(ctx, id)
	if errors.Is(err, tickets.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		s.internalError(w, "get message", err)
		return
	}

	prev := email.Status
	messageID := strconv.FormatInt(id, 10)
	resp := map[string]any{
		"message_id": messageID,
		"from":       prev,
		"to":         req.Status,
		"changed":    prev != req.Status,
	}
	if prev == req.Status {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if err := s.recordStatusChange(ctx, messageID, prev, req.Status); err != nil {
		s.internalError(w, "record status change", err)
		return
	}

	if _, err := s.tickets.UpdateStatus(ctx, id, req.Status); err != nil {
		if errors.Is(err, tickets.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		s.internalError(w, "update status", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// recordStatusChange records message.status_changed, and message.processed
// when the message reaches resolved or closed. Events already written by an
// earlier attempt whose row update failed are not written again.
func (s *Server) recordStatusChange(ctx context.Context, messageID string, from, to models.CaseStatus) error {
	last, err := s.events.LatestEvent(ctx, events.AggregateMessage, messageID, events.TypeMessageStatusChanged)
	if err != nil {
		return err
	}
	pending := last != nil &&
		last.Data["from"] == string(from) &&
		last.Data["to"] == string(to)
	if !pending {
		ev, err := s.recorder.MessageStatusChanged(ctx, messageID, from, to)
		if err != nil {
			return err
		}
		last = &ev
	}

	if !finished(to) || finished(from) {
		return nil
	}
	if pending {
		processed, err := s.events.LatestEvent(ctx, events.AggregateMessage, messageID, events.TypeMessageProcessed)
		if err != nil {
			return err
		}
		if processed != nil && processed.Seq > last.Seq {
			return nil
		}
	}
	_, err = s.recorder.MessageProcessed(ctx, messageID)
	return err
}

func messageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return 0, false
	}
	return id, true
}

func finished(s models.CaseStatus) bool {
	return s == models.StatusResolved || s == models.StatusClosed
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	slog.Error("API request failed", "operation", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write API response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
