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

// Package discovery provides hybrid group mailbox discovery: it lists the
// Google Groups of a Workspace domain through the Directory API and applies
// config-driven overrides.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bcem/ticketing/internal/models"
)

// DefaultBaseURL is the Admin SDK root.
const DefaultBaseURL = "https://admin.googleapis.com"

// GroupInfo represents a discovered group mailbox.
type GroupInfo struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Discovery discovers group mailboxes for a domain using the Directory API,
// with config-driven include/exclude overrides.
type Discovery struct {
	baseURL string
}

// NewDiscovery creates a group discovery instance.
func NewDiscovery(baseURL string) *Discovery {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Discovery{baseURL: strings.TrimRight(baseURL, "/")}
}

// directoryGroupsResponse represents the paged Directory API groups response.
type directoryGroupsResponse struct {
	Groups        []GroupInfo `json:"groups"`
	NextPageToken string      `json:"nextPageToken"`
}

// DiscoverGroups returns the list of group mailboxes to import from.
//
// Hybrid strategy:
//   - If includeGroups is non-empty, returns only those groups (no API call).
//   - Otherwise, auto-discovers every group in the domain.
//   - In both cases, excludeGroups are removed from the final set.
//
// Addresses are returned lower-cased.
func (d *Discovery) DiscoverGroups(
	ctx context.Context,
	httpClient *http.Client,
	domain string,
	includeGroups []string,
	excludeGroups []string,
) ([]GroupInfo, error) {
	excludeSet := make(map[string]bool, len(excludeGroups))
	for _, g := range excludeGroups {
		excludeSet[strings.ToLower(g)] = true
	}

	var groups []GroupInfo

	if len(includeGroups) > 0 {
		slog.Info("using explicit group list",
			"domain", domain,
			"count", len(includeGroups),
		)
		for _, email := range includeGroups {
			email = strings.ToLower(email)
			if excludeSet[email] {
				continue
			}
			groups = append(groups, GroupInfo{Email: email, Name: email})
		}
		return groups, nil
	}

	slog.Info("auto-discovering group mailboxes", "domain", domain)

	pageToken := ""
	for {
		params := url.Values{}
		params.Set("domain", domain)
		params.Set("maxResults", "200")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		page, err := d.fetchPage(ctx, httpClient, params)
		if err != nil {
			return nil, err
		}

		for _, g := range page.Groups {
			if g.Email == "" {
				continue
			}
			g.Email = strings.ToLower(g.Email)
			if excludeSet[g.Email] {
				slog.Debug("excluding group", "email", g.Email, "domain", domain)
				continue
			}
			groups = append(groups, g)
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	slog.Info("group discovery complete",
		"domain", domain,
		"discovered", len(groups),
	)

	return groups, nil
}

func (d *Discovery) fetchPage(ctx context.Context, httpClient *http.Client, params url.Values) (*directoryGroupsResponse, error) {
	endpoint := fmt.Sprintf("%s/admin/directory/v1/groups?%s", d.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build groups request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch groups: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory groups returned HTTP %d", resp.StatusCode)
	}

	var page directoryGroupsResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode groups response: %w", err)
	}
	return &page, nil
}

// GroupWriter persists discovered groups.
type GroupWriter interface {
	UpsertGroup(ctx context.Context, g models.GmailGroup) (int64, error)
	DeactivateMissing(ctx context.Context, keep []string) (int64, error)
}

// SyncResult summarises one directory sync.
type SyncResult struct {
	Upserted    int
	Deactivated int64
}

// Sync upserts every discovered group as active and deactivates groups that
// are no longer present. Default assignees are never touched here. An empty
// discovery result deactivates nothing.
func Sync(ctx context.Context, w GroupWriter, groups []GroupInfo) (SyncResult, error) {
	var res SyncResult
	if len(groups) == 0 {
		slog.Warn("group discovery returned no groups, skipping sync")
		return res, nil
	}
	keep := make([]string, 0, len(groups))
	for _, g := range groups {
		name := g.Name
		if name == "" {
			name = g.Email
		}
		if _, err := w.UpsertGroup(ctx, models.GmailGroup{
			Email:  g.Email,
			Name:   name,
			Active: true,
		}); err != nil {
			return res, fmt.Errorf("upsert group %s: %w", g.Email, err)
		}
		keep = append(keep, g.Email)
		res.Upserted++
	}

	n, err := w.DeactivateMissing(ctx, keep)
	if err != nil {
		return res, fmt.Errorf("deactivate missing groups: %w", err)
	}
	res.Deactivated = n

	slog.Info("group sync complete",
		"upserted", res.Upserted,
		"deactivated", res.Deactivated,
	)
	return res, nil
}
