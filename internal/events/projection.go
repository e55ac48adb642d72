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
	"encoding/json"
	"maps"
	"strconv"
	"time"

	"github.com/bcem/ticketing/internal/models"
)

// State is the projected view of an aggregate.
type State map[string]any

// Additional statuses that exist only in projections.
const (
	StatusProcessed = "processed"
	StatusOpen      = "open"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Replay folds events, in order, over an empty state.
func Replay(evs []Event) State {
	state := State{}
	for _, ev := range evs {
		state = Apply(state, ev)
	}
	return state
}

// Apply returns the state after ev. The input state is not modified.
// Unknown event types leave the state unchanged.
func Apply(state State, ev Event) State {
	next := make(State, len(state)+4)
	maps.Copy(next, state)
	d := ev.Data

	switch ev.Type {
	case TypeMessageReceived:
		next["status"] = string(models.StatusPending)
		copyKeys(next, d, "subject", "from", "gmail_message_id", "received_at")
		if v, ok := intValue(d["gmail_group_id"]); ok {
			next["gmail_group_id"] = v
		}

	case TypeMessageAssigned:
		next["status"] = string(models.StatusAssigned)
		if id, ok := userIDValue(d["assigned_to"]); ok {
			next["assigned_to"] = id
		}
		if id, ok := userIDValue(d["assigned_by"]); ok {
			next["assigned_by"] = id
		}
		next["assigned_at"] = ev.TriggeredAt
		next["assignment_strategy"] = d["strategy"]
		next["assignment_reason"] = d["reason"]
		next["needs_manual_assignment"] = false

	case TypeMessageAssignmentDeferred:
		next["needs_manual_assignment"] = true
		next["assignment_strategy"] = d["strategy"]
		next["assignment_reason"] = d["reason"]

	case TypeMessageCaseLinked:
		copyKeys(next, d, "case_code")

	case TypeMessageStatusChanged:
		if to, ok := d["to"].(string); ok && to != "" {
			next["status"] = to
		}

	case TypeMessageProcessed:
		next["status"] = StatusProcessed
		next["processed_at"] = ev.TriggeredAt

	case TypeCaseCreated:
		next["status"] = StatusOpen
		copyKeys(next, d, "case_code")
		next["opened_from"] = d["message_id"]

	case TypeImportStarted:
		next["status"] = StatusRunning
		copyKeys(next, d, "mailbox")
		next["started_at"] = ev.TriggeredAt

	case TypeImportCompleted:
		next["status"] = StatusCompleted
		for _, k := range []string{"fetched", "skipped", "errors", "assigned", "deferred"} {
			if v, ok := intValue(d[k]); ok {
				next[k] = v
			}
		}
		next["completed_at"] = ev.TriggeredAt

	case TypeImportFailed:
		next["status"] = StatusFailed
		copyKeys(next, d, "error")

	case TypeAPIError, TypeSystemError:
		next["last_error"] = d["error"]
		count, _ := intValue(next["error_count"])
		next["error_count"] = count + 1

	case TypeRulePatternInvalid:
		next["pattern_error"] = d["error"]

	default:
		return state
	}
	return next
}

func copyKeys(dst State, src map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := src[k]; ok {
			dst[k] = v
		}
	}
}

func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func userIDValue(v any) (models.UserID, bool) {
	switch id := v.(type) {
	case models.UserID:
		return id, true
	case *models.UserID:
		if id == nil {
			return 0, false
		}
		return *id, true
	}
	i, ok := intValue(v)
	return models.UserID(i), ok
}

// StringValue returns the string at key, or "".
func (s State) StringValue(key string) string {
	v, _ := s[key].(string)
	return v
}

// IntValue returns the integer at key.
func (s State) IntValue(key string) (int64, bool) {
	return intValue(s[key])
}

// TimeValue returns the timestamp at key. Values decoded from JSON are RFC 3339
// strings.
func (s State) TimeValue(key string) (time.Time, bool) {
	switch t := s[key].(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
