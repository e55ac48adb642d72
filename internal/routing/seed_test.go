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

package routing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bcem/ticketing/internal/models"
)

const sampleSeed = `
rules:
  - name: campaign-ref
    type: mass_campaign
    pattern: '/(?:REF|CAMP|ENV)-([A-Z0-9]{4,8})/i'
    priority: 10
  - name: campaign-old
    type: mass_campaign
    pattern: 'OLD-(\d+)'
    priority: 5
    active: false
  - name: case
    type: case_code
    pattern: 'CASE-(\d{4}-\d{3})'
portfolios:
  - name: Tecnologia
    campaign_patterns: ["TECH-*", "REF-TECH*"]
    assigned_user_id: 42
groups:
  - email: soporte@example.com
    name: Soporte
`

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(sampleSeed))
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if len(seed.Rules) != 3 {
		t.Fatalf("rules = %d, want 3", len(seed.Rules))
	}
	if !seed.Rules[0].Active || seed.Rules[1].Active {
		t.Errorf("active flags = %v/%v, want true/false", seed.Rules[0].Active, seed.Rules[1].Active)
	}
	if p := seed.Portfolios[0]; p.AssignedUserID == nil || *p.AssignedUserID != 42 {
		t.Errorf("portfolio assignee = %v, want 42", p.AssignedUserID)
	}
	if g := seed.Groups[0]; !g.Active || g.AssignedUserID != nil {
		t.Errorf("group = %+v", g)
	}
}

func TestParseSeedReportsAllProblems(t *testing.T) {
	doc := `
rules:
  - name: broken
    type: mass_campaign
    pattern: '([A-Z'
  - name: broken
    type: zodiac
    pattern: 'ok'
`
	_, err := ParseSeed([]byte(doc))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"broken", "duplicate name", `unknown type "zodiac"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadSeedMissingFile(t *testing.T) {
	if _, err := LoadSeed(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadSeedFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	if err := os.WriteFile(path, []byte(sampleSeed), 0o600); err != nil {
		t.Fatal(err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(seed.Portfolios) != 1 {
		t.Errorf("portfolios = %d, want 1", len(seed.Portfolios))
	}
}

func TestStaticSource(t *testing.T) {
	seed, err := ParseSeed([]byte(sampleSeed))
	if err != nil {
		t.Fatal(err)
	}
	src := NewStatic(seed)
	ctx := context.Background()

	campaign, err := src.ListActiveRules(ctx, models.RuleMassCampaign)
	if err != nil {
		t.Fatal(err)
	}
	if len(campaign) != 1 || campaign[0].Name != "campaign-ref" {
		t.Errorf("active campaign rules = %+v", campaign)
	}

	portfolios, _ := src.ListActivePortfolios(ctx)
	if len(portfolios) != 1 || !portfolios[0].MatchesCampaignCode("TECH01") {
		t.Errorf("portfolios = %+v", portfolios)
	}

	g, err := src.GetGroup(ctx, 1)
	if err != nil || g.Email != "soporte@example.com" {
		t.Errorf("GetGroup(1) = %+v, %v", g, err)
	}
	if _, err := src.GetGroup(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetGroup(99) err = %v, want ErrNotFound", err)
	}
}
