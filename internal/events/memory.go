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
	"sort"
	"sync"
	"time"
)

// storedEvent keeps event data as encoded JSON so that nothing a caller does
// with a returned map can alter the log.
type storedEvent struct {
	ev      Event
	payload []byte
}

// MemoryLog is an in-process Log, used by tests and by the CLI's dry runs.
type MemoryLog struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	streams map[string][]storedEvent
	types   map[Type]EventType
	nextID  int64
	now     func() time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		locks:   make(map[string]*sync.Mutex),
		streams: make(map[string][]storedEvent),
		types:   make(map[Type]EventType),
		now:     time.Now,
	}
}

func streamKey(aggregateType, aggregateID string) string {
	return aggregateType + ":" + aggregateID
}

// getLock returns the per-aggregate mutex, creating one if it doesn't exist.
func (m *MemoryLog) getLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[key] = lock
	return lock
}

// Append implements Log.
func (m *MemoryLog) Append(ctx context.Context, ev Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	payload, err := encodeData(ev.Data)
	if err != nil {
		return Event{}, err
	}

	key := streamKey(ev.AggregateType, ev.AggregateID)
	lock := m.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[key]
	var last time.Time
	if n := len(stream); n > 0 {
		last = stream[n-1].ev.TriggeredAt
	}

	m.nextID++
	ev.ID = m.nextID
	ev.Seq = int64(len(stream)) + 1
	ev.TriggeredAt = nextTimestamp(ev.TriggeredAt, last)
	ev.Data = nil
	if ev.TriggeredBy != nil {
		by := *ev.TriggeredBy
		ev.TriggeredBy = &by
	}

	m.streams[key] = append(stream, storedEvent{ev: ev, payload: payload})

	out, err := materialize(storedEvent{ev: ev, payload: payload})
	if err != nil {
		return Event{}, err
	}
	return out, nil
}

// List implements Log.
func (m *MemoryLog) List(_ context.Context, aggregateType, aggregateID string) ([]Event, error) {
	m.mu.Lock()
	stream := append([]storedEvent(nil), m.streams[streamKey(aggregateType, aggregateID)]...)
	m.mu.Unlock()

	out := make([]Event, 0, len(stream))
	for _, se := range stream {
		ev, err := materialize(se)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Latest implements Log.
func (m *MemoryLog) Latest(_ context.Context, aggregateType, aggregateID string, t Type) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[streamKey(aggregateType, aggregateID)]
	for i := len(stream) - 1; i >= 0; i-- {
		if stream[i].ev.Type == t {
			ev, err := materialize(stream[i])
			if err != nil {
				return nil, err
			}
			return &ev, nil
		}
	}
	return nil, nil
}

// RegisterType implements Log.
func (m *MemoryLog) RegisterType(_ context.Context, et EventType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.types[et.Type]; ok {
		return false, nil
	}
	if et.CreatedAt.IsZero() {
		et.CreatedAt = m.now().UTC()
	}
	m.types[et.Type] = et
	return true, nil
}

// ListTypes implements Log.
func (m *MemoryLog) ListTypes(_ context.Context) ([]EventType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EventType, 0, len(m.types))
	for _, et := range m.types {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func materialize(se storedEvent) (Event, error) {
	data, err := decodeData(se.payload)
	if err != nil {
		return Event{}, err
	}
	ev := se.ev
	ev.Data = data
	if ev.TriggeredBy != nil {
		by := *ev.TriggeredBy
		ev.TriggeredBy = &by
	}
	return ev, nil
}
