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

// Package webhook handles Gmail push notifications delivered by Cloud
// Pub/Sub. When a watched mailbox changes, Pub/Sub POSTs a message naming
// the mailbox and its new history id; the handler acknowledges it at once
// and runs a history sync for that mailbox in the background.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
)

// PushRequest is the envelope Pub/Sub push subscriptions send.
type PushRequest struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Notification is the Gmail payload carried in PushRequest.Message.Data.
type Notification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// MailboxSyncer runs a history sync for one mailbox.
type MailboxSyncer interface {
	SyncMailbox(ctx context.Context, mailbox string) error
}

// NotificationTracker records when a mailbox last received a push.
type NotificationTracker interface {
	TouchNotification(ctx context.Context, mailbox string) error
}

// Handler processes Pub/Sub push requests.
type Handler struct {
	syncer  MailboxSyncer
	tracker NotificationTracker
	token   string

	wg sync.WaitGroup
}

// NewHandler creates a push handler. When token is non-empty, requests must
// carry it as the "token" query parameter of the push endpoint URL.
func NewHandler(syncer MailboxSyncer, tracker NotificationTracker, token string) *Handler {
	return &Handler{
		syncer:  syncer,
		tracker: tracker,
		token:   token,
	}
}

// ServePush handles push requests.
//
// Pub/Sub redelivers anything that is not acknowledged with a 2xx, so
// malformed payloads are acknowledged and dropped rather than rejected.
// Only an authentication failure returns an error status.
func (h *Handler) ServePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.token != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			slog.Warn("push request with invalid token, possible spoofed notification",
				"remote_addr", r.RemoteAddr,
			)
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Error("failed to read push body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	n, err := parsePush(body)
	if err != nil {
		slog.Info("dropping malformed push request", "error", err, "body_len", len(body))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Respond immediately; Pub/Sub expects a fast acknowledgement.
	w.WriteHeader(http.StatusAccepted)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(context.Background(), n)
	}()
}

// Wait blocks until background syncs started by ServePush have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) process(ctx context.Context, n Notification) {
	mailbox := n.EmailAddress

	slog.Info("processing push notification",
		"mailbox", mailbox,
		"history_id", n.HistoryID.String(),
	)

	if h.tracker != nil {
		if err := h.tracker.TouchNotification(ctx, mailbox); err != nil {
			slog.Warn("failed to record notification time", "mailbox", mailbox, "error", err)
		}
	}

	if err := h.syncer.SyncMailbox(ctx, mailbox); err != nil {
		slog.Error("push-triggered history sync failed",
			"mailbox", mailbox,
			"error", err,
		)
	}
}

// parsePush decodes the Pub/Sub envelope and the Gmail notification inside.
func parsePush(body []byte) (Notification, error) {
	var req PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return Notification{}, fmt.Errorf("decode envelope: %w", err)
	}
	if req.Message.Data == "" {
		return Notification{}, fmt.Errorf("empty message data")
	}

	data, err := base64.StdEncoding.DecodeString(req.Message.Data)
	if err != nil {
		return Notification{}, fmt.Errorf("decode message data: %w", err)
	}

	var n Notification
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.EmailAddress == "" {
		return Notification{}, fmt.Errorf("notification without emailAddress")
	}
	n.EmailAddress = strings.ToLower(n.EmailAddress)
	return n, nil
}

// Register mounts the push endpoint and a health check on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/pubsub/push", h.ServePush)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler: handler,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind http port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ready, nil
}
