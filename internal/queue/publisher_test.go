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

package queue

import (
	"encoding/json"
	"testing"

	"github.com/bcem/ticketing/internal/models"
)

func TestBuildMessageEnvelope(t *testing.T) {
	assignee := models.UserID(42)
	raw, err := buildMessage(TaskNotifyAssignment, "task-1", "ticketing:notifications", Notification{
		EmailID:       7,
		Subject:       "REF-TECH01",
		AssignedTo:    &assignee,
		Strategy:      "mass_campaign",
		CorrelationID: "run-3",
	})
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}

	var msg celeryMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if msg.Headers["task"] != TaskNotifyAssignment || msg.Headers["id"] != "task-1" {
		t.Errorf("headers = %v", msg.Headers)
	}
	if msg.Properties["correlation_id"] != "run-3" {
		t.Errorf("correlation_id = %v, want run-3", msg.Properties["correlation_id"])
	}
	if msg.Properties["routing_key"] != "ticketing:notifications" {
		t.Errorf("routing_key = %v", msg.Properties["routing_key"])
	}

	var task celeryTask
	if err := json.Unmarshal([]byte(msg.Body), &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if len(task.Args) != 1 {
		t.Fatalf("args = %v", task.Args)
	}

	var n Notification
	if err := json.Unmarshal([]byte(task.Args[0].(string)), &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if n.EmailID != 7 || n.AssignedTo == nil || *n.AssignedTo != 42 {
		t.Errorf("notification = %+v", n)
	}
}

func TestBuildMessageDefaultsCorrelationToTaskID(t *testing.T) {
	raw, err := buildMessage(TaskNotifyTriage, "task-2", "q", Notification{EmailID: 1})
	if err != nil {
		t.Fatal(err)
	}
	var msg celeryMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Properties["correlation_id"] != "task-2" {
		t.Errorf("correlation_id = %v, want task-2", msg.Properties["correlation_id"])
	}
}
