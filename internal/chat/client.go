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

// Package chat posts alerts to a Google Chat space through an incoming
// webhook. Messages that need manual triage are announced here.
//
// API docs: https://developers.google.com/workspace/chat/quickstart/webhooks
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bcem/ticketing/internal/models"
)

// Client posts text messages to one Chat webhook.
type Client struct {
	httpClient *http.Client
	webhookURL string
}

// NewClient creates a Chat webhook client. An empty webhookURL yields a
// client whose Post is a no-op, so alerts can be switched off in config.
func NewClient(httpClient *http.Client, webhookURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		webhookURL: webhookURL,
	}
}

// Enabled reports whether a webhook is configured.
func (c *Client) Enabled() bool {
	return c.webhookURL != ""
}

type message struct {
	Text string `json:"text"`
}

// Post sends text to the space. Messages with the same threadKey are grouped
// into one thread.
func (c *Client) Post(ctx context.Context, threadKey, text string) error {
	if !c.Enabled() {
		return nil
	}

	u, err := url.Parse(c.webhookURL)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	if threadKey != "" {
		q := u.Query()
		q.Set("threadKey", threadKey)
		q.Set("messageReplyOption", "REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD")
		u.RawQuery = q.Encode()
	}

	body, err := json.Marshal(message{Text: text})
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post chat message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post chat message failed (HTTP %d): %s", resp.StatusCode, string(b))
	}
	return nil
}

// NotifyTriage announces a message that no strategy assigned.
func (c *Client) NotifyTriage(ctx context.Context, email *models.Email, reason string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "*Manual assignment needed* (message %d)\n", email.ID)
	fmt.Fprintf(&b, "Mailbox: %s\n", email.Mailbox)
	fmt.Fprintf(&b, "From: %s\n", formatAddress(email.From))
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	if email.CaseCode != "" {
		fmt.Fprintf(&b, "Case: %s\n", email.CaseCode)
	}
	fmt.Fprintf(&b, "Reason: %s", reason)

	if err := c.Post(ctx, email.Mailbox, b.String()); err != nil {
		return err
	}
	slog.Debug("triage alert posted", "message_id", email.ID, "mailbox", email.Mailbox)
	return nil
}

func formatAddress(a models.EmailAddress) string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}
