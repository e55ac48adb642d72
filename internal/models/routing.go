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

package models

import (
	"path"
	"strings"
	"unicode"
)

// RuleType is the strategy category an assignment rule belongs to.
type RuleType string

const (
	RuleMassCampaign RuleType = "mass_campaign"
	RuleCaseCode     RuleType = "case_code"
	RuleRUTPattern   RuleType = "rut_pattern"
)

// Valid reports whether t is in the closed set of recognised rule types.
func (t RuleType) Valid() bool {
	switch t {
	case RuleMassCampaign, RuleCaseCode, RuleRUTPattern:
		return true
	}
	return false
}

// AssignmentRule is a named, typed, prioritised text pattern.
// Lower Priority is evaluated first within its type.
type AssignmentRule struct {
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	Type     RuleType       `json:"type"`
	Pattern  string         `json:"pattern"`
	Active   bool           `json:"active"`
	Priority int            `json:"priority"`
	Config   map[string]any `json:"config,omitempty"`
}

// Portfolio is a book of business owned by a default assignee.
type Portfolio struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	CampaignPatterns []string `json:"campaign_patterns"`
	AssignedUserID   *UserID  `json:"assigned_user_id,omitempty"`
	Active           bool     `json:"active"`
}

// MatchesCampaignCode reports whether any of the portfolio's campaign patterns
// claims code. Patterns are globs ('*' and '?'); both sides are upper-cased and
// stripped of separators first, so "TECH-*" claims "TECH01".
func (p *Portfolio) MatchesCampaignCode(code string) bool {
	normCode := normalizeCode(code)
	if normCode == "" {
		return false
	}
	for _, pattern := range p.CampaignPatterns {
		normPattern := normalizeCode(pattern)
		if normPattern == "" {
			continue
		}
		if ok, err := path.Match(normPattern, normCode); err == nil && ok {
			return true
		}
	}
	return false
}

func normalizeCode(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r == '*' || r == '?' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// GmailGroup is a group mailbox alias imported into the system.
type GmailGroup struct {
	ID             int64   `json:"id"`
	Email          string  `json:"email"`
	Name           string  `json:"name"`
	AssignedUserID *UserID `json:"assigned_user_id,omitempty"`
	Active         bool    `json:"active"`
}
