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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
)

// Scopes requested for mailbox access.
const (
	ScopeGmailReadonly      = "https://www.googleapis.com/auth/gmail.readonly"
	ScopeDirectoryGroupRead = "https://www.googleapis.com/auth/admin.directory.group.readonly"
)

const defaultTokenURL = "https://oauth2.googleapis.com/token"

// serviceAccountKey is the subset of a Google service account JSON key we use.
type serviceAccountKey struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// ServiceAccount issues HTTP clients that act as a Workspace user through
// domain-wide delegation. Clients are cached per subject.
type ServiceAccount struct {
	key    serviceAccountKey
	scopes []string

	mu      sync.Mutex
	clients map[string]*http.Client
}

// LoadServiceAccount reads a service account key file.
func LoadServiceAccount(path string, scopes ...string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	return ParseServiceAccount(data, scopes...)
}

// ParseServiceAccount parses a service account JSON key.
func ParseServiceAccount(data []byte, scopes ...string) (*ServiceAccount, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if key.Type != "" && key.Type != "service_account" {
		return nil, fmt.Errorf("unsupported credentials type %q", key.Type)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("service account key is missing client_email or private_key")
	}
	if key.TokenURI == "" {
		key.TokenURI = defaultTokenURL
	}
	return &ServiceAccount{
		key:     key,
		scopes:  scopes,
		clients: make(map[string]*http.Client),
	}, nil
}

// Email returns the service account's client email.
func (sa *ServiceAccount) Email() string {
	return sa.key.ClientEmail
}

// Config returns the JWT flow configuration impersonating subject.
func (sa *ServiceAccount) Config(subject string) *jwt.Config {
	return &jwt.Config{
		Email:        sa.key.ClientEmail,
		PrivateKey:   []byte(sa.key.PrivateKey),
		PrivateKeyID: sa.key.PrivateKeyID,
		Scopes:       sa.scopes,
		TokenURL:     sa.key.TokenURI,
		Subject:      subject,
	}
}

// HTTPClient returns an authorised client acting as subject. The token source
// refreshes tokens automatically; ctx only scopes the token requests.
func (sa *ServiceAccount) HTTPClient(ctx context.Context, subject string) *http.Client {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	if c, ok := sa.clients[subject]; ok {
		return c
	}
	c := oauth2.NewClient(ctx, sa.Config(subject).TokenSource(ctx))
	sa.clients[subject] = c
	return c
}
