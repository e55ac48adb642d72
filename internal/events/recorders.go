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
	"time"

	"github.com/bcem/ticketing/internal/models"
)

// Process names stamped on events.
const (
	ProcessImport     = "email_import"
	ProcessAssignment = "email_assignment"
	ProcessCase       = "case_management"
)

// AssignmentOutcome describes a resolver decision for recording.
type AssignmentOutcome struct {
	MessageID   string
	AssignedTo  *models.UserID
	AssignedBy  *models.UserID
	Strategy    string
	Reason      string
	Code        string
	CausationID string
}

func (o AssignmentOutcome) data() map[string]any {
	data := map[string]any{
		"strategy": o.Strategy,
		"reason":   o.Reason,
	}
	if o.AssignedTo != nil {
		data["assigned_to"] = int64(*o.AssignedTo)
	}
	if o.AssignedBy != nil {
		data["assigned_by"] = int64(*o.AssignedBy)
	}
	if o.Code != "" {
		data["code"] = o.Code
	}
	return data
}

// ImportStats summarises an import run.
type ImportStats struct {
	Fetched  int `json:"fetched"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
	Assigned int `json:"assigned"`
	Deferred int `json:"deferred"`
}

// MessageReceived records that a message was imported.
func (s *Store) MessageReceived(ctx context.Context, email *models.Email) (Event, error) {
	data := map[string]any{
		"gmail_message_id": email.GmailMessageID,
		"thread_id":        email.ThreadID,
		"mailbox":          email.Mailbox,
		"subject":          email.Subject,
		"from":             email.From.Address,
		"received_at":      email.ReceivedAt.UTC().Format(time.RFC3339),
	}
	if email.GmailGroupID != nil {
		data["gmail_group_id"] = *email.GmailGroupID
	}
	return s.Record(ctx, TypeMessageReceived, AggregateMessage, email.AggregateID(), data, Metadata{
		ProcessName: ProcessImport,
	})
}

// MessageAssigned records that a message got an owner. o.AssignedTo is required.
func (s *Store) MessageAssigned(ctx context.Context, o AssignmentOutcome) (Event, error) {
	if o.AssignedTo == nil {
		return Event{}, fmt.Errorf("%w: message.assigned requires an assignee", ErrInvalidEvent)
	}
	return s.Record(ctx, TypeMessageAssigned, AggregateMessage, o.MessageID, o.data(), Metadata{
		ProcessName: ProcessAssignment,
		CausationID: o.CausationID,
	})
}

// AssignmentDeferred records that no strategy produced an owner.
func (s *Store) AssignmentDeferred(ctx context.Context, o AssignmentOutcome) (Event, error) {
	return s.Record(ctx, TypeMessageAssignmentDeferred, AggregateMessage, o.MessageID, o.data(), Metadata{
		ProcessName: ProcessAssignment,
		CausationID: o.CausationID,
	})
}

// CaseLinked records that a message references an existing case code.
func (s *Store) CaseLinked(ctx context.Context, messageID, caseCode, causationID string) (Event, error) {
	return s.Record(ctx, TypeMessageCaseLinked, AggregateMessage, messageID, map[string]any{
		"case_code": caseCode,
	}, Metadata{
		ProcessName: ProcessAssignment,
		CausationID: causationID,
	})
}

// MessageStatusChanged records a case status transition.
func (s *Store) MessageStatusChanged(ctx context.Context, messageID string, from, to models.CaseStatus) (Event, error) {
	if !to.Valid() {
		return Event{}, fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, to)
	}
	return s.Record(ctx, TypeMessageStatusChanged, AggregateMessage, messageID, map[string]any{
		"from": string(from),
		"to":   string(to),
	}, Metadata{ProcessName: ProcessCase})
}

// MessageProcessed records that an agent finished with a message.
func (s *Store) MessageProcessed(ctx context.Context, messageID string) (Event, error) {
	return s.Record(ctx, TypeMessageProcessed, AggregateMessage, messageID, map[string]any{}, Metadata{
		ProcessName: ProcessCase,
	})
}

// CaseCreated records that a case was opened from a message.
func (s *Store) CaseCreated(ctx context.Context, caseID, messageID, caseCode string) (Event, error) {
	return s.Record(ctx, TypeCaseCreated, AggregateCase, caseID, map[string]any{
		"case_code":  caseCode,
		"message_id": messageID,
	}, Metadata{ProcessName: ProcessCase})
}

// ImportStarted records the start of an import run.
func (s *Store) ImportStarted(ctx context.Context, runID, mailbox string, params map[string]any) (Event, error) {
	data := map[string]any{"mailbox": mailbox}
	for k, v := range params {
		data[k] = v
	}
	return s.Record(ctx, TypeImportStarted, AggregateImport, runID, data, Metadata{
		ProcessName:   ProcessImport,
		CorrelationID: runID,
	})
}

// ImportCompleted records the successful end of an import run.
func (s *Store) ImportCompleted(ctx context.Context, runID string, stats ImportStats) (Event, error) {
	return s.Record(ctx, TypeImportCompleted, AggregateImport, runID, map[string]any{
		"fetched":  stats.Fetched,
		"skipped":  stats.Skipped,
		"errors":   stats.Errors,
		"assigned": stats.Assigned,
		"deferred": stats.Deferred,
	}, Metadata{
		ProcessName:   ProcessImport,
		CorrelationID: runID,
	})
}

// ImportFailed records that an import run aborted.
func (s *Store) ImportFailed(ctx context.Context, runID string, cause error) (Event, error) {
	return s.Record(ctx, TypeImportFailed, AggregateImport, runID, map[string]any{
		"error": errorString(cause),
	}, Metadata{
		ProcessName:   ProcessImport,
		Severity:      SeverityError,
		CorrelationID: runID,
	})
}

// APIError records a failed call to an external API.
func (s *Store) APIError(ctx context.Context, service, operation string, cause error, details map[string]any) (Event, error) {
	return s.Record(ctx, TypeAPIError, AggregateAPI, service, map[string]any{
		"operation": operation,
		"error":     errorString(cause),
		"context":   details,
	}, Metadata{
		ProcessName: service,
		Severity:    SeverityError,
	})
}

// RecordError records an internal failure. aggregateType defaults to system.
func (s *Store) RecordError(
	ctx context.Context,
	process string,
	cause error,
	details map[string]any,
	aggregateType string,
	aggregateID string,
) (Event, error) {
	if aggregateType == "" {
		aggregateType = AggregateSystem
	}
	return s.Record(ctx, TypeSystemError, aggregateType, aggregateID, map[string]any{
		"process":    process,
		"error":      errorString(cause),
		"error_type": fmt.Sprintf("%T", cause),
		"context":    details,
	}, Metadata{
		ProcessName: process,
		Severity:    SeverityError,
	})
}

// PatternInvalid records that an assignment rule's pattern does not compile.
func (s *Store) PatternInvalid(ctx context.Context, rule models.AssignmentRule, cause error) (Event, error) {
	return s.Record(ctx, TypeRulePatternInvalid, "rule", fmt.Sprint(rule.ID), map[string]any{
		"rule":    rule.Name,
		"type":    string(rule.Type),
		"pattern": rule.Pattern,
		"error":   errorString(cause),
	}, Metadata{
		ProcessName: ProcessAssignment,
		Severity:    SeverityWarning,
	})
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
