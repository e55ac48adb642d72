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

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bcem/ticketing/internal/models"
)

type captured struct {
	query url.Values
	text  string
	calls int
}

func newChatServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.calls++
		c.query = r.URL.Query()
		var m message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("decode body: %v", err)
		}
		c.text = m.Text
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, c
}

// TestNotifyTriage verifies the alert text and thread key.
func TestNotifyTriage(t *testing.T) {
	server, got := newChatServer(t, http.StatusOK)
	client := NewClient(server.Client(), server.URL+"/v1/spaces/AAA/messages?key=k&token=t")

	email := &models.Email{
		ID:      7,
		Mailbox: "soporte@example.com",
		Subject: "Consulta",
		From:    models.EmailAddress{Address: "juan@example.com", Name: "Juan"},
	}
	if err := client.NotifyTriage(context.Background(), email, "no automatic rule applied"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.query.Get("threadKey") != "soporte@example.com" {
		t.Errorf("threadKey = %q", got.query.Get("threadKey"))
	}
	if got.query.Get("key") != "k" {
		t.Error("existing webhook query parameters should be preserved")
	}
	for _, want := range []string{"message 7", "Juan <juan@example.com>", "Subject: Consulta", "Reason: no automatic rule applied"} {
		if !strings.Contains(got.text, want) {
			t.Errorf("text %q missing %q", got.text, want)
		}
	}
}

// TestPost_Disabled verifies an empty webhook makes Post a no-op.
func TestPost_Disabled(t *testing.T) {
	client := NewClient(nil, "")
	if client.Enabled() {
		t.Fatal("client without webhook should be disabled")
	}
	if err := client.Post(context.Background(), "", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestPost_HTTPError verifies non-200 responses are reported.
func TestPost_HTTPError(t *testing.T) {
	server, _ := newChatServer(t, http.StatusBadRequest)
	client := NewClient(server.Client(), server.URL)
	if err := client.Post(context.Background(), "", "hello"); err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}

type mockPending struct {
	emails []models.Email
	err    error
}

func (m *mockPending) ListPending(context.Context, int) ([]models.Email, error) {
	return m.emails, m.err
}

// TestRemind verifies only messages older than minAge are included.
func TestRemind(t *testing.T) {
	server, got := newChatServer(t, http.StatusOK)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	pending := &mockPending{emails: []models.Email{
		{ID: 1, Subject: "old", Mailbox: "a@example.com", ReceivedAt: now.Add(-3 * time.Hour)},
		{ID: 2, Subject: "fresh", Mailbox: "a@example.com", ReceivedAt: now.Add(-5 * time.Minute)},
	}}
	r := NewReminder(NewClient(server.Client(), server.URL), pending, time.Minute, time.Hour)
	r.now = func() time.Time { return now }

	if err := r.remind(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got.text, "#1 old") || strings.Contains(got.text, "fresh") {
		t.Errorf("unexpected digest %q", got.text)
	}
	if !strings.Contains(got.text, "waiting 3h0m0s") {
		t.Errorf("digest should include wait time, got %q", got.text)
	}
}

// TestRemind_NothingOverdue verifies no post is made when the backlog is fresh.
func TestRemind_NothingOverdue(t *testing.T) {
	server, got := newChatServer(t, http.StatusOK)
	now := time.Now()
	pending := &mockPending{emails: []models.Email{{ID: 2, ReceivedAt: now}}}

	r := NewReminder(NewClient(server.Client(), server.URL), pending, time.Minute, time.Hour)
	if err := r.remind(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.calls != 0 {
		t.Errorf("expected no post, got %d", got.calls)
	}
}

func TestRemind_ListError(t *testing.T) {
	r := NewReminder(NewClient(nil, "http://unused"), &mockPending{err: errors.New("db down")}, time.Minute, time.Hour)
	if err := r.remind(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
