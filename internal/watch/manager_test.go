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

package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bcem/ticketing/internal/gmail"
	"github.com/bcem/ticketing/internal/models"
)

type mockStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newMockStore(records ...Record) *mockStore {
	s := &mockStore{records: make(map[string]*Record)}
	for i := range records {
		r := records[i]
		s.records[r.Mailbox] = &r
	}
	return s
}

func (s *mockStore) Get(_ context.Context, mailbox string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[mailbox]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *mockStore) Upsert(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[r.Mailbox]; ok && prev.HistoryID != "" {
		r.HistoryID = prev.HistoryID
	}
	s.records[r.Mailbox] = &r
	return nil
}

func (s *mockStore) ListActive(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.Status == StatusActive {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *mockStore) MarkStatus(_ context.Context, mailbox, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[mailbox]; ok {
		r.Status = status
	}
	return nil
}

type mockWatcher struct {
	mu      sync.Mutex
	watched []string
	stopped []string
	fail    map[string]bool
	expiry  time.Time
}

func (w *mockWatcher) Watch(_ context.Context, mailbox, _ string, _ []string) (*gmail.WatchResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail[mailbox] {
		return nil, errors.New("gmail unavailable")
	}
	w.watched = append(w.watched, mailbox)
	return &gmail.WatchResponse{HistoryID: "900", Expiration: w.expiry}, nil
}

func (w *mockWatcher) StopWatch(_ context.Context, mailbox string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = append(w.stopped, mailbox)
	return nil
}

type mockGroups []models.GmailGroup

func (g mockGroups) ListActiveGroups(context.Context) ([]models.GmailGroup, error) {
	return g, nil
}

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestManager(store *mockStore, watcher *mockWatcher, groups mockGroups) *LifecycleManager {
	m := NewManager(ManagerConfig{
		Store:       store,
		Gmail:       watcher,
		Groups:      groups,
		Topic:       "projects/p/topics/gmail",
		RenewBuffer: 24 * time.Hour,
	})
	m.now = func() time.Time { return testNow }
	return m
}

// TestReconcile_CreatesMissingWatch verifies a new group gets a watch and
// its history id becomes the initial cursor.
func TestReconcile_CreatesMissingWatch(t *testing.T) {
	store := newMockStore()
	watcher := &mockWatcher{expiry: testNow.Add(watchLifetime)}
	m := newTestManager(store, watcher, mockGroups{{Email: "Soporte@example.com", Active: true}})

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := store.Get(context.Background(), "soporte@example.com")
	if rec == nil {
		t.Fatal("expected watch record for soporte@example.com")
	}
	if rec.HistoryID != "900" || rec.Status != StatusActive || !rec.ExpiresAt.Equal(testNow.Add(watchLifetime)) {
		t.Errorf("unexpected record %+v", rec)
	}
}

// TestReconcile_RenewsNearExpiry verifies only watches inside the renew
// buffer are renewed, and renewal keeps the stored cursor.
func TestReconcile_RenewsNearExpiry(t *testing.T) {
	store := newMockStore(
		Record{Mailbox: "a@example.com", HistoryID: "100", ExpiresAt: testNow.Add(2 * time.Hour), Status: StatusActive},
		Record{Mailbox: "b@example.com", HistoryID: "200", ExpiresAt: testNow.Add(5 * 24 * time.Hour), Status: StatusActive},
	)
	watcher := &mockWatcher{expiry: testNow.Add(watchLifetime)}
	m := newTestManager(store, watcher, mockGroups{{Email: "a@example.com"}, {Email: "b@example.com"}})

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(watcher.watched) != 1 || watcher.watched[0] != "a@example.com" {
		t.Fatalf("expected only a@example.com renewed, got %v", watcher.watched)
	}
	rec, _ := store.Get(context.Background(), "a@example.com")
	if rec.HistoryID != "100" {
		t.Errorf("renewal should keep cursor 100, got %s", rec.HistoryID)
	}
	if !rec.ExpiresAt.Equal(testNow.Add(watchLifetime)) {
		t.Errorf("expiry not extended: %v", rec.ExpiresAt)
	}
}

// TestReconcile_LapsedWatchTriggersGapSync verifies a lapsed watch is
// re-created and the gap callback fires.
func TestReconcile_LapsedWatchTriggersGapSync(t *testing.T) {
	store := newMockStore(
		Record{Mailbox: "a@example.com", HistoryID: "100", ExpiresAt: testNow.Add(-time.Hour), Status: StatusActive},
	)
	watcher := &mockWatcher{}
	m := newTestManager(store, watcher, mockGroups{{Email: "a@example.com"}})

	gap := make(chan string, 1)
	m.OnGapDetected = func(_ context.Context, mailbox string) { gap <- mailbox }

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case mailbox := <-gap:
		if mailbox != "a@example.com" {
			t.Errorf("gap mailbox = %s", mailbox)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnGapDetected to be called")
	}

	rec, _ := store.Get(context.Background(), "a@example.com")
	if !rec.ExpiresAt.Equal(testNow.Add(watchLifetime)) {
		t.Errorf("zero expiration should default to the watch lifetime, got %v", rec.ExpiresAt)
	}
}

// TestReconcile_StopsInactiveGroups verifies watches for deactivated groups
// are stopped.
func TestReconcile_StopsInactiveGroups(t *testing.T) {
	store := newMockStore(
		Record{Mailbox: "old@example.com", ExpiresAt: testNow.Add(6 * 24 * time.Hour), Status: StatusActive},
	)
	watcher := &mockWatcher{}
	m := newTestManager(store, watcher, nil)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(watcher.stopped) != 1 || watcher.stopped[0] != "old@example.com" {
		t.Fatalf("expected old@example.com stopped, got %v", watcher.stopped)
	}
	rec, _ := store.Get(context.Background(), "old@example.com")
	if rec.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", rec.Status)
	}
}

// TestReconcile_ContinuesAfterFailure verifies one failing mailbox does not
// block the others.
func TestReconcile_ContinuesAfterFailure(t *testing.T) {
	store := newMockStore()
	watcher := &mockWatcher{fail: map[string]bool{"a@example.com": true}}
	m := newTestManager(store, watcher, mockGroups{{Email: "a@example.com"}, {Email: "b@example.com"}})

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec, _ := store.Get(context.Background(), "b@example.com"); rec == nil {
		t.Error("expected b@example.com to be watched")
	}
	if rec, _ := store.Get(context.Background(), "a@example.com"); rec != nil {
		t.Error("failed watch should not be persisted")
	}
}

// TestManagerConfig_Wiring verifies manager defaults.
func TestManagerConfig_Wiring(t *testing.T) {
	mgr := NewManager(ManagerConfig{Topic: "projects/p/topics/t"})

	if mgr.renewBuffer != 24*time.Hour {
		t.Errorf("renewBuffer = %v, want 24h", mgr.renewBuffer)
	}
	if mgr.interval() != 12*time.Hour {
		t.Errorf("interval = %v, want 12h", mgr.interval())
	}

	mgr = NewManager(ManagerConfig{RenewBuffer: 30 * time.Second})
	if mgr.interval() != time.Minute {
		t.Errorf("interval should be at least a minute, got %v", mgr.interval())
	}
}
