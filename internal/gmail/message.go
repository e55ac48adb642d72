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
	"encoding/base64"
	"mime"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/ticketing/internal/models"
)

// Message is a users.messages.get response in full format.
type Message struct {
	ID           string      `json:"id"`
	ThreadID     string      `json:"threadId"`
	HistoryID    string      `json:"historyId"`
	LabelIDs     []string    `json:"labelIds"`
	Snippet      string      `json:"snippet"`
	InternalDate string      `json:"internalDate"`
	Payload      MessagePart `json:"payload"`
}

// MessagePart is one node of the MIME tree.
type MessagePart struct {
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Size int    `json:"size"`
		Data string `json:"data"`
	} `json:"body"`
	Parts []MessagePart `json:"parts"`
}

// Header returns the first header named name, case-insensitively.
func (m *Message) Header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// headers returns every value of header name.
func (m *Message) headers(name string) []string {
	var out []string
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Recipients returns the lower-cased addresses the message was delivered to,
// which is how the importer finds the group alias it came through.
func (m *Message) Recipients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range []string{"Delivered-To", "X-Original-To", "To", "Cc"} {
		for _, v := range m.headers(name) {
			addrs, err := mail.ParseAddressList(v)
			if err != nil {
				continue
			}
			for _, a := range addrs {
				addr := strings.ToLower(a.Address)
				if !seen[addr] {
					seen[addr] = true
					out = append(out, addr)
				}
			}
		}
	}
	return out
}

// PlainText returns the first text/plain body in the MIME tree, or the
// snippet if there is none.
func (m *Message) PlainText() string {
	if text, ok := findPlain(m.Payload); ok {
		return text
	}
	return m.Snippet
}

func findPlain(p MessagePart) (string, bool) {
	if strings.HasPrefix(strings.ToLower(p.MimeType), "text/plain") && p.Filename == "" && p.Body.Data != "" {
		if text, err := decodeBody(p.Body.Data); err == nil {
			return text, true
		}
	}
	for _, child := range p.Parts {
		if text, ok := findPlain(child); ok {
			return text, true
		}
	}
	return "", false
}

// decodeBody decodes Gmail's URL-safe base64, with or without padding.
func decodeBody(data string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReceivedAt is the message's internal date, falling back to the Date header.
func (m *Message) ReceivedAt() time.Time {
	if ms, err := strconv.ParseInt(m.InternalDate, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	if t, err := mail.ParseDate(m.Header("Date")); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// Email converts the message into the domain model for mailbox.
func (m *Message) Email(mailbox string) *models.Email {
	from := models.EmailAddress{Address: m.Header("From")}
	if addr, err := mail.ParseAddress(m.Header("From")); err == nil {
		from = models.EmailAddress{Address: strings.ToLower(addr.Address), Name: addr.Name}
	}
	received := m.ReceivedAt()
	if received.IsZero() {
		received = time.Now().UTC()
	}
	return &models.Email{
		GmailMessageID: m.ID,
		ThreadID:       m.ThreadID,
		Mailbox:        mailbox,
		Subject:        decodeHeader(m.Header("Subject")),
		Body:           strings.TrimSpace(m.PlainText()),
		From:           from,
		Status:         models.StatusPending,
		ReceivedAt:     received,
	}
}

var wordDecoder = new(mime.WordDecoder)

// decodeHeader decodes RFC 2047 encoded words, returning v unchanged when it
// is malformed.
func decodeHeader(v string) string {
	out, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}
