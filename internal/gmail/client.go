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

// Package gmail is a small client for the parts of the Gmail API the importer
// needs: listing and fetching messages, mailbox history and push watches.
package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultBaseURL is the Google APIs root.
const DefaultBaseURL = "https://gmail.googleapis.com"

// ErrHistoryExpired is returned by History when the start history id is too
// old; the caller must fall back to a full list.
var ErrHistoryExpired = errors.New("gmail history id expired")

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Operation  string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gmail %s returned HTTP %d", e.Operation, e.StatusCode)
}

// HTTPClientFunc returns an authorised client acting as mailbox.
type HTTPClientFunc func(ctx context.Context, mailbox string) *http.Client

// ClientConfig holds the configuration for a Client.
type ClientConfig struct {
	HTTPClient HTTPClientFunc
	BaseURL    string
	Retry      *RetryPolicy
}

// Client calls the Gmail API on behalf of group mailboxes.
type Client struct {
	httpClient HTTPClientFunc
	baseURL    string
	retry      *RetryPolicy
}

// NewClient creates a Gmail API client.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		httpClient: cfg.HTTPClient,
		baseURL:    cfg.BaseURL,
		retry:      cfg.Retry,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.retry == nil {
		c.retry = DefaultRetryPolicy()
	}
	if c.httpClient == nil {
		c.httpClient = func(context.Context, string) *http.Client { return http.DefaultClient }
	}
	return c
}

// MessageRef identifies a message in a list or history response.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// MessageList is one page of users.messages.list.
type MessageList struct {
	Messages      []MessageRef `json:"messages"`
	NextPageToken string       `json:"nextPageToken"`
}

// ListOptions filters users.messages.list.
type ListOptions struct {
	Query      string
	LabelIDs   []string
	PageToken  string
	MaxResults int
}

// ListMessages returns one page of message references for mailbox.
func (c *Client) ListMessages(ctx context.Context, mailbox string, opts ListOptions) (*MessageList, error) {
	params := url.Values{}
	if opts.Query != "" {
		params.Set("q", opts.Query)
	}
	for _, l := range opts.LabelIDs {
		params.Add("labelIds", l)
	}
	if opts.PageToken != "" {
		params.Set("pageToken", opts.PageToken)
	}
	if opts.MaxResults > 0 {
		params.Set("maxResults", strconv.Itoa(opts.MaxResults))
	}

	var page MessageList
	if err := c.do(ctx, mailbox, "messages.list", http.MethodGet, c.userURL(mailbox, "/messages", params), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetMessage fetches a message in full format. It returns nil, nil when the
// message no longer exists.
func (c *Client) GetMessage(ctx context.Context, mailbox, id string) (*Message, error) {
	params := url.Values{}
	params.Set("format", "full")

	var msg Message
	err := c.do(ctx, mailbox, "messages.get", http.MethodGet, c.userURL(mailbox, "/messages/"+url.PathEscape(id), params), nil, &msg)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		slog.Warn("message not found (may have been deleted)",
			"mailbox", mailbox,
			"message_id", id,
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// HistoryPage is one page of users.history.list, reduced to added messages.
type HistoryPage struct {
	History []struct {
		ID            string `json:"id"`
		MessagesAdded []struct {
			Message MessageRef `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	HistoryID     string `json:"historyId"`
	NextPageToken string `json:"nextPageToken"`
}

// AddedMessageIDs returns the ids of messages added in this page, in order
// and without duplicates.
func (p *HistoryPage) AddedMessageIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, h := range p.History {
		for _, a := range h.MessagesAdded {
			if a.Message.ID == "" || seen[a.Message.ID] {
				continue
			}
			seen[a.Message.ID] = true
			ids = append(ids, a.Message.ID)
		}
	}
	return ids
}

// History lists changes since startHistoryID. A 404 means the id is outside
// the retention window and yields ErrHistoryExpired.
func (c *Client) History(ctx context.Context, mailbox, startHistoryID, pageToken string) (*HistoryPage, error) {
	params := url.Values{}
	params.Set("startHistoryId", startHistoryID)
	params.Set("historyTypes", "messageAdded")
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var page HistoryPage
	err := c.do(ctx, mailbox, "history.list", http.MethodGet, c.userURL(mailbox, "/history", params), nil, &page)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, ErrHistoryExpired
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// Profile is the users.getProfile response.
type Profile struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int    `json:"messagesTotal"`
	HistoryID     string `json:"historyId"`
}

// GetProfile returns the mailbox profile, including its current history id.
func (c *Client) GetProfile(ctx context.Context, mailbox string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, mailbox, "getProfile", http.MethodGet, c.userURL(mailbox, "/profile", nil), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// WatchResponse is the result of users.watch.
type WatchResponse struct {
	HistoryID  string
	Expiration time.Time
}

// Watch starts (or renews) Pub/Sub push notifications for mailbox.
func (c *Client) Watch(ctx context.Context, mailbox, topic string, labelIDs []string) (*WatchResponse, error) {
	body := map[string]any{
		"topicName":         topic,
		"labelFilterAction": "include",
	}
	if len(labelIDs) > 0 {
		body["labelIds"] = labelIDs
	}

	var raw struct {
		HistoryID  string `json:"historyId"`
		Expiration string `json:"expiration"`
	}
	if err := c.do(ctx, mailbox, "watch", http.MethodPost, c.userURL(mailbox, "/watch", nil), body, &raw); err != nil {
		return nil, err
	}
	ms, err := strconv.ParseInt(raw.Expiration, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse watch expiration %q: %w", raw.Expiration, err)
	}
	return &WatchResponse{
		HistoryID:  raw.HistoryID,
		Expiration: time.UnixMilli(ms).UTC(),
	}, nil
}

// StopWatch stops push notifications for mailbox.
func (c *Client) StopWatch(ctx context.Context, mailbox string) error {
	return c.do(ctx, mailbox, "stop", http.MethodPost, c.userURL(mailbox, "/stop", nil), nil, nil)
}

func (c *Client) userURL(mailbox, path string, params url.Values) string {
	u := fmt.Sprintf("%s/gmail/v1/users/%s%s", c.baseURL, url.PathEscape(mailbox), path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// do sends a JSON request with retries and decodes the response into out.
func (c *Client) do(ctx context.Context, mailbox, op, method, endpoint string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
	}

	httpClient := c.httpClient(ctx, mailbox)
	return c.retry.Execute(ctx, func() error {
		return doJSON(ctx, httpClient, op, method, endpoint, payload, out)
	})
}

func doJSON(ctx context.Context, httpClient *http.Client, op, method, endpoint string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Operation: op, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
