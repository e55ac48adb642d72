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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent is returned for events missing a type or aggregate type.
var ErrInvalidEvent = errors.New("invalid event")

// Log is the durable, append-only storage behind a Store.
//
// Append assigns ID and Seq and must serialise appends to the same aggregate
// so that TriggeredAt strictly increases within it. Implementations never
// update or delete an appended event.
type Log interface {
	Append(ctx context.Context, ev Event) (Event, error)
	// List returns an aggregate's events ascending by TriggeredAt.
	List(ctx context.Context, aggregateType, aggregateID string) ([]Event, error)
	// Latest returns the newest event of type t for the aggregate, or nil.
	Latest(ctx context.Context, aggregateType, aggregateID string, t Type) (*Event, error)
	// RegisterType inserts a catalog row unless one exists; created reports
	// whether this call inserted it.
	RegisterType(ctx context.Context, et EventType) (created bool, err error)
	ListTypes(ctx context.Context) ([]EventType, error)
}

// nextTimestamp returns candidate truncated to microseconds, bumped past last
// when the clock has not advanced.
func nextTimestamp(candidate, last time.Time) time.Time {
	ts := candidate.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !ts.After(last) {
		ts = last.UTC().Add(time.Microsecond)
	}
	return ts
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return b, nil
}

// decodeData keeps numbers as json.Number so ids survive the round trip.
func decodeData(raw []byte) (map[string]any, error) {
	data := map[string]any{}
	if len(raw) == 0 {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	return data, nil
}
