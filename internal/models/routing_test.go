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
	"testing"
	"time"
)

func TestPortfolio_MatchesCampaignCode(t *testing.T) {
	p := Portfolio{CampaignPatterns: []string{"TECH-*", "REF-TECH*"}}

	tests := []struct {
		code string
		want bool
	}{
		{"TECH01", true},
		{"tech01", true},
		{"TECH-99", true},
		{"REFTECH7", true},
		{"AFP2024", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := p.MatchesCampaignCode(tt.code); got != tt.want {
				t.Errorf("MatchesCampaignCode(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestPortfolio_SingleCharWildcard(t *testing.T) {
	p := Portfolio{CampaignPatterns: []string{"AFP?"}}

	if !p.MatchesCampaignCode("AFP1") {
		t.Error("AFP? should claim AFP1")
	}
	if p.MatchesCampaignCode("AFP12") {
		t.Error("AFP? should not claim AFP12")
	}
}

func TestPortfolio_EmptyPatternsNeverMatch(t *testing.T) {
	p := Portfolio{CampaignPatterns: []string{"", "--"}}
	if p.MatchesCampaignCode("TECH01") {
		t.Error("empty patterns should not claim any code")
	}
}

func TestRuleType_Valid(t *testing.T) {
	for _, rt := range []RuleType{RuleMassCampaign, RuleCaseCode, RuleRUTPattern} {
		if !rt.Valid() {
			t.Errorf("%q should be valid", rt)
		}
	}
	if RuleType("keyword").Valid() {
		t.Error("unknown rule type should be invalid")
	}
}

func TestEmail_TextAndApply(t *testing.T) {
	e := &Email{ID: 7, Subject: "RE: Consulta", Body: "cuerpo", Status: StatusPending}

	if got := e.Text(); got != "RE: Consulta\ncuerpo" {
		t.Errorf("Text() = %q", got)
	}
	if got := e.AggregateID(); got != "7" {
		t.Errorf("AggregateID() = %q, want 7", got)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.Apply(Assignment{AssignedTo: 42, AssignedAt: at, Notes: "auto"})

	if e.Status != StatusAssigned {
		t.Errorf("status = %q, want assigned", e.Status)
	}
	if e.AssignedTo == nil || *e.AssignedTo != 42 {
		t.Errorf("assigned_to = %v, want 42", e.AssignedTo)
	}
	if e.AssignedBy != nil {
		t.Errorf("assigned_by = %v, want nil for system assignment", e.AssignedBy)
	}
	if !e.AssignedAt.Equal(at) {
		t.Errorf("assigned_at = %v, want %v", e.AssignedAt, at)
	}
}
