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

// Package models defines the data structures shared across the ticketing service.
package models

import (
	"strconv"
	"time"
)

// UserID identifies an agent or supervisor.
type UserID int64

// String renders the id in decimal.
func (u UserID) String() string {
	return strconv.FormatInt(int64(u), 10)
}

// UserIDPtr returns a pointer to id. Convenient for optional assignee fields.
func UserIDPtr(id UserID) *UserID {
	return &id
}

// CaseStatus is the lifecycle state of an imported message.
type CaseStatus string

const (
	StatusPending    CaseStatus = "pending"
	StatusAssigned   CaseStatus = "assigned"
	StatusInProgress CaseStatus = "in_progress"
	StatusResolved   CaseStatus = "resolved"
	StatusClosed     CaseStatus = "closed"
)

// Valid reports whether s is one of the recognised case statuses.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Email is one inbound message imported from a group mailbox.
//
// The import pipeline creates it; the assignment resolver is the only writer
// of the assignment fields.
type Email struct {
	ID             int64        `json:"id"`
	GmailMessageID string       `json:"gmail_message_id"`
	ThreadID       string       `json:"thread_id,omitempty"`
	Mailbox        string       `json:"mailbox"`
	Subject        string       `json:"subject"`
	Body           string       `json:"body"`
	From           EmailAddress `json:"from"`
	GmailGroupID   *int64       `json:"gmail_group_id,omitempty"`
	Status         CaseStatus   `json:"status"`
	CaseCode       string       `json:"case_code,omitempty"`

	AssignedTo      *UserID    `json:"assigned_to,omitempty"`
	AssignedBy      *UserID    `json:"assigned_by,omitempty"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	AssignmentNotes string     `json:"assignment_notes,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// Text is the subject and body joined, which is what assignment rules run against.
func (e *Email) Text() string {
	if e.Body == "" {
		return e.Subject
	}
	return e.Subject + "\n" + e.Body
}

// AggregateID is the identifier used for the message in the event log.
func (e *Email) AggregateID() string {
	return strconv.FormatInt(e.ID, 10)
}

// Assignment is the set of fields written to a message when it gets an owner.
type Assignment struct {
	AssignedTo UserID
	AssignedBy *UserID
	AssignedAt time.Time
	Notes      string
}

// Apply copies the assignment onto the message and moves it to assigned.
func (e *Email) Apply(a Assignment) {
	to := a.AssignedTo
	at := a.AssignedAt
	e.AssignedTo = &to
	e.AssignedBy = a.AssignedBy
	e.AssignedAt = &at
	e.AssignmentNotes = a.Notes
	e.Status = StatusAssigned
}
