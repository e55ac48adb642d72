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

// Package events is the append-only audit trail of the ticketing system.
//
// Every state change is recorded as an immutable Event against an aggregate
// (a message, a case, an import run, the system itself). Current state is
// never stored: it is recomputed by replaying an aggregate's events through
// Apply, which is pure and deterministic.
package events

import (
	"strings"
	"time"

	"github.com/bcem/ticketing/internal/models"
)

// Type identifies the kind of an event.
type Type string

// Message lifecycle events.
const (
	TypeMessageReceived           Type = "message.received"
	TypeMessageAssigned           Type = "message.assigned"
	TypeMessageAssignmentDeferred Type = "message.assignment_deferred"
	TypeMessageCaseLinked         Type = "message.case_linked"
	TypeMessageStatusChanged      Type = "message.status_changed"
	TypeMessageProcessed          Type = "message.processed"
)

// Case events.
const (
	TypeCaseCreated Type = "case.created"
)

// Import run events.
const (
	TypeImportStarted   Type = "import.started"
	TypeImportCompleted Type = "import.completed"
	TypeImportFailed    Type = "import.failed"
)

// Operational events.
const (
	TypeAPIError           Type = "api.error"
	TypeSystemError        Type = "system.error"
	TypeRulePatternInvalid Type = "rule.pattern_invalid"
)

// Aggregate types.
const (
	AggregateMessage = "message"
	AggregateCase    = "case"
	AggregateImport  = "import"
	AggregateAPI     = "api"
	AggregateSystem  = "system"
)

// Domain returns the prefix before the first dot ("message", "import", ...).
func (t Type) Domain() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t[:i])
	}
	return string(t)
}

// Severity grades an event for operators.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// CurrentVersion is the schema version stamped on newly recorded events.
const CurrentVersion = 1

// Event is an immutable fact about an aggregate.
type Event struct {
	// ID is assigned by the log and is globally monotonic.
	ID int64 `json:"id"`
	// Seq is the position of the event within its aggregate, starting at 1.
	Seq           int64          `json:"seq"`
	Type          Type           `json:"event_type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	Data          map[string]any `json:"event_data"`
	Version       int            `json:"event_version"`
	TriggeredBy   *models.UserID `json:"triggered_by,omitempty"`
	// TriggeredAt strictly increases within an aggregate.
	TriggeredAt   time.Time `json:"triggered_at"`
	Severity      Severity  `json:"severity"`
	ProcessName   string    `json:"process_name,omitempty"`
	IPAddress     string    `json:"ip_address,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
}

// Metadata is the caller-supplied context of a Record call. Zero fields are
// filled from the store's identity provider and the catalog.
type Metadata struct {
	ProcessName   string
	Severity      Severity
	TriggeredBy   *models.UserID
	CorrelationID string
	CausationID   string
}

// EventType is a catalog row, registered the first time a type is recorded.
type EventType struct {
	Type            Type      `json:"event_type"`
	Description     string    `json:"description"`
	Category        string    `json:"category"`
	DefaultSeverity Severity  `json:"default_severity"`
	CreatedAt       time.Time `json:"created_at"`
}

var knownTypes = map[Type]EventType{
	TypeMessageReceived:           {Description: "Message imported from a group mailbox", DefaultSeverity: SeverityInfo},
	TypeMessageAssigned:           {Description: "Message assigned to an agent", DefaultSeverity: SeverityInfo},
	TypeMessageAssignmentDeferred: {Description: "No automatic owner; message left for manual triage", DefaultSeverity: SeverityWarning},
	TypeMessageCaseLinked:         {Description: "Message linked to an existing case code", DefaultSeverity: SeverityInfo},
	TypeMessageStatusChanged:      {Description: "Message case status changed", DefaultSeverity: SeverityInfo},
	TypeMessageProcessed:          {Description: "Message processing finished", DefaultSeverity: SeverityInfo},
	TypeCaseCreated:               {Description: "Case opened from a message", DefaultSeverity: SeverityInfo},
	TypeImportStarted:             {Description: "Mailbox import run started", DefaultSeverity: SeverityInfo},
	TypeImportCompleted:           {Description: "Mailbox import run completed", DefaultSeverity: SeverityInfo},
	TypeImportFailed:              {Description: "Mailbox import run failed", DefaultSeverity: SeverityError},
	TypeAPIError:                  {Description: "External API call failed", DefaultSeverity: SeverityError},
	TypeSystemError:               {Description: "Internal processing error", DefaultSeverity: SeverityError},
	TypeRulePatternInvalid:        {Description: "Assignment rule pattern does not compile", DefaultSeverity: SeverityWarning},
}

// Describe returns the catalog entry for t. Unknown types get an empty
// description and info severity.
func Describe(t Type) EventType {
	et, ok := knownTypes[t]
	if !ok {
		et = EventType{DefaultSeverity: SeverityInfo}
	}
	et.Type = t
	et.Category = t.Domain()
	return et
}

// Known reports whether t is in the closed set the projection understands.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}
