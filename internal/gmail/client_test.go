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

package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func newTestClient(server *httptest.Server) *Client {
	return NewClient(ClientConfig{
		HTTPClient: func(context.Context, string) *http.Client { return server.Client() },
		BaseURL:    server.URL,
		Retry:      fastRetry(),
	})
}

// TestGetMessage verifies the request path and parsing of a full message.
func TestGetMessage(t *testing.T) {
	body := base64.RawURLEncoding.EncodeToString([]byte("Hola, necesito ayuda con CASE-2024-001"))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gmail/v1/users/soporte@example.com/messages/m1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("format") != "full" {
			t.Errorf("format = %s, want full", r.URL.Query().Get("format"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":           "m1",
			"threadId":     "t1",
			"internalDate": "1767225600000",
			"payload": map[string]any{
				"mimeType": "multipart/alternative",
				"headers": []map[string]string{
					{"name": "Subject", "value": "=?UTF-8?Q?Consulta_AFP?="},
					{"name": "From", "value": "Juan Perez <Juan@Example.com>"},
					{"name": "To", "value": "soporte@example.com, otro@example.com"},
				},
				"parts": []map[string]any{
					{"mimeType": "text/html", "body": map[string]any{"data": "PGI-aGk8L2I-"}},
					{"mimeType": "text/plain", "body": map[string]any{"data": body}},
				},
			},
		})
	}))
	defer server.Close()

	msg, err := newTestClient(server).GetMessage(context.Background(), "soporte@example.com", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	email := msg.Email("soporte@example.com")
	if email.Subject != "Consulta AFP" {
		t.Errorf("subject = %q", email.Subject)
	}
	if email.From.Address != "juan@example.com" || email.From.Name != "Juan Perez" {
		t.Errorf("from = %+v", email.From)
	}
	if !strings.Contains(email.Body, "CASE-2024-001") {
		t.Errorf("body = %q", email.Body)
	}
	if want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC); !email.ReceivedAt.Equal(want) {
		t.Errorf("received = %v, want %v", email.ReceivedAt, want)
	}
	if got := msg.Recipients(); len(got) != 2 || got[0] != "soporte@example.com" {
		t.Errorf("recipients = %v", got)
	}
}

// TestGetMessage_NotFound verifies that a deleted message yields nil, nil.
func TestGetMessage_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	msg, err := newTestClient(server).GetMessage(context.Background(), "a@example.com", "gone")
	if err != nil || msg != nil {
		t.Fatalf("got %v, %v; want nil, nil", msg, err)
	}
}

// TestHistory_Expired verifies 404 maps to ErrHistoryExpired.
func TestHistory_Expired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(server).History(context.Background(), "a@example.com", "100", "")
	if !errors.Is(err, ErrHistoryExpired) {
		t.Fatalf("err = %v, want ErrHistoryExpired", err)
	}
}

// TestHistory_AddedMessages verifies paging fields and de-duplication.
func TestHistory_AddedMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startHistoryId") != "100" {
			t.Errorf("startHistoryId = %s", r.URL.Query().Get("startHistoryId"))
		}
		w.Write([]byte(`{
			"history": [
				{"id": "101", "messagesAdded": [{"message": {"id": "a"}}, {"message": {"id": "b"}}]},
				{"id": "102", "messagesAdded": [{"message": {"id": "a"}}]}
			],
			"historyId": "105",
			"nextPageToken": "p2"
		}`))
	}))
	defer server.Close()

	page, err := newTestClient(server).History(context.Background(), "a@example.com", "100", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := page.AddedMessageIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ids = %v, want [a b]", ids)
	}
	if page.HistoryID != "105" || page.NextPageToken != "p2" {
		t.Errorf("page = %+v", page)
	}
}

// TestRetry_ServerErrors verifies that 503s are retried and 403s are not.
func TestRetry_ServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"emailAddress": "a@example.com", "historyId": "77"}`))
	}))
	defer server.Close()

	p, err := newTestClient(server).GetProfile(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.HistoryID != "77" || calls.Load() != 3 {
		t.Errorf("history = %s after %d calls", p.HistoryID, calls.Load())
	}

	calls.Store(0)
	forbidden := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer forbidden.Close()

	_, err = newTestClient(forbidden).GetProfile(context.Background(), "a@example.com")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("err = %v, want APIError 403", err)
	}
	if calls.Load() != 1 {
		t.Errorf("403 retried %d times", calls.Load())
	}
}

// TestWatch verifies the request body and expiration parsing.
func TestWatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/watch") {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["topicName"] != "projects/p/topics/gmail" {
			t.Errorf("topicName = %v", body["topicName"])
		}
		w.Write([]byte(`{"historyId": "500", "expiration": "1767830400000"}`))
	}))
	defer server.Close()

	resp, err := newTestClient(server).Watch(context.Background(), "a@example.com", "projects/p/topics/gmail", []string{"INBOX"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.HistoryID != "500" {
		t.Errorf("history = %s", resp.HistoryID)
	}
	if want := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC); !resp.Expiration.Equal(want) {
		t.Errorf("expiration = %v, want %v", resp.Expiration, want)
	}
}

// TestListMessages verifies query parameters.
func TestListMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "newer_than:7d" || q.Get("pageToken") != "tok" || q.Get("maxResults") != "50" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"messages": [{"id": "x", "threadId": "y"}]}`))
	}))
	defer server.Close()

	page, err := newTestClient(server).ListMessages(context.Background(), "a@example.com", ListOptions{
		Query: "newer_than:7d", PageToken: "tok", MaxResults: 50,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Messages) != 1 || page.NextPageToken != "" {
		t.Errorf("page = %+v", page)
	}
}

func TestParseServiceAccount(t *testing.T) {
	if _, err := ParseServiceAccount([]byte(`{"type": "authorized_user"}`)); err == nil {
		t.Error("expected error for non service account credentials")
	}
	sa, err := ParseServiceAccount([]byte(`{"type": "service_account", "client_email": "svc@p.iam.gserviceaccount.com", "private_key": "k"}`), ScopeGmailReadonly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := sa.Config("soporte@example.com")
	if cfg.Subject != "soporte@example.com" || cfg.TokenURL != defaultTokenURL || cfg.Scopes[0] != ScopeGmailReadonly {
		t.Errorf("config = %+v", cfg)
	}
}
