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

package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type mockSyncer struct {
	mu     sync.Mutex
	synced []string
	err    error
}

func (m *mockSyncer) SyncMailbox(_ context.Context, mailbox string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = append(m.synced, mailbox)
	return m.err
}

type mockTracker struct {
	mu      sync.Mutex
	touched []string
}

func (m *mockTracker) TouchNotification(_ context.Context, mailbox string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, mailbox)
	return nil
}

func pushBody(t *testing.T, notification string) string {
	t.Helper()
	var req PushRequest
	req.Message.Data = base64.StdEncoding.EncodeToString([]byte(notification))
	req.Message.MessageID = "123"
	req.Subscription = "projects/p/subscriptions/gmail-push"
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal push body: %v", err)
	}
	return string(b)
}

// TestServePush_TriggersSync verifies a valid push acknowledges with 202 and
// syncs the mailbox.
func TestServePush_TriggersSync(t *testing.T) {
	syncer := &mockSyncer{}
	tracker := &mockTracker{}
	h := NewHandler(syncer, tracker, "secret")

	body := pushBody(t, `{"emailAddress": "Soporte@Example.com", "historyId": 9876543210}`)
	req := httptest.NewRequest(http.MethodPost, "/pubsub/push?token=secret", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServePush(rec, req)
	h.Wait()

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if len(syncer.synced) != 1 || syncer.synced[0] != "soporte@example.com" {
		t.Errorf("synced = %v, want [soporte@example.com]", syncer.synced)
	}
	if len(tracker.touched) != 1 {
		t.Errorf("expected notification to be tracked, got %v", tracker.touched)
	}
}

// TestServePush_InvalidToken verifies spoofed requests are rejected.
func TestServePush_InvalidToken(t *testing.T) {
	syncer := &mockSyncer{}
	h := NewHandler(syncer, nil, "secret")

	body := pushBody(t, `{"emailAddress": "a@example.com", "historyId": 1}`)
	for _, target := range []string{"/pubsub/push", "/pubsub/push?token=wrong"} {
		rec := httptest.NewRecorder()
		h.ServePush(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403", target, rec.Code)
		}
	}
	h.Wait()
	if len(syncer.synced) != 0 {
		t.Errorf("rejected requests should not sync, got %v", syncer.synced)
	}
}

// TestServePush_Malformed verifies malformed payloads are acknowledged and dropped.
func TestServePush_Malformed(t *testing.T) {
	syncer := &mockSyncer{}
	h := NewHandler(syncer, nil, "")

	bodies := []string{
		"not json",
		`{"message": {}}`,
		`{"message": {"data": "!!!not-base64"}}`,
		pushBody(t, `{"historyId": 5}`),
	}
	for _, body := range bodies {
		rec := httptest.NewRecorder()
		h.ServePush(rec, httptest.NewRequest(http.MethodPost, "/pubsub/push", strings.NewReader(body)))
		if rec.Code != http.StatusAccepted {
			t.Errorf("body %q: status = %d, want 202", body, rec.Code)
		}
	}
	h.Wait()
	if len(syncer.synced) != 0 {
		t.Errorf("malformed requests should not sync, got %v", syncer.synced)
	}
}

// TestServePush_NonPostReturnsOK verifies non-POST requests are ignored.
func TestServePush_NonPostReturnsOK(t *testing.T) {
	h := NewHandler(&mockSyncer{}, nil, "")
	rec := httptest.NewRecorder()
	h.ServePush(rec, httptest.NewRequest(http.MethodGet, "/pubsub/push", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// TestServePush_SyncErrorStillAcknowledged verifies sync failures never
// cause redelivery.
func TestServePush_SyncErrorStillAcknowledged(t *testing.T) {
	h := NewHandler(&mockSyncer{err: errors.New("gmail down")}, nil, "")
	rec := httptest.NewRecorder()
	body := pushBody(t, `{"emailAddress": "a@example.com", "historyId": 1}`)
	h.ServePush(rec, httptest.NewRequest(http.MethodPost, "/pubsub/push", strings.NewReader(body)))
	h.Wait()
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestParsePush_HistoryID(t *testing.T) {
	n, err := parsePush([]byte(pushBody(t, `{"emailAddress": "a@example.com", "historyId": 18446744073709551615}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.HistoryID.String() != "18446744073709551615" {
		t.Errorf("history id = %s, precision lost", n.HistoryID)
	}
}

func TestRegister_Health(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(&mockSyncer{}, nil, "").Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}
