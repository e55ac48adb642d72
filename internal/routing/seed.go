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
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bcem/ticketing/internal/models"
	"github.com/bcem/ticketing/internal/rules"
)

// Seed is a routing document as administrators write it:
//
//	rules:
//	  - name: campaign-ref
//	    type: mass_campaign
//	    pattern: '/(?:REF|CAMP|ENV)-([A-Z0-9]{4,8})/i'
//	    priority: 10
//	portfolios:
//	  - name: Tecnologia
//	    campaign_patterns: ["TECH-*", "REF-TECH*"]
//	    assigned_user_id: 42
//
// Records are active unless they say "active: false".
type Seed struct {
	Rules      []models.AssignmentRule
	Portfolios []models.Portfolio
	Groups     []models.GmailGroup
}

type seedDocument struct {
	Rules []struct {
		Name     string          `yaml:"name"`
		Type     models.RuleType `yaml:"type"`
		Pattern  string          `yaml:"pattern"`
		Priority int             `yaml:"priority"`
		Active   *bool           `yaml:"active"`
		Config   map[string]any  `yaml:"config"`
	} `yaml:"rules"`
	Portfolios []struct {
		Name             string         `yaml:"name"`
		CampaignPatterns []string       `yaml:"campaign_patterns"`
		AssignedUserID   *models.UserID `yaml:"assigned_user_id"`
		Active           *bool          `yaml:"active"`
	} `yaml:"portfolios"`
	Groups []struct {
		Email          string         `yaml:"email"`
		Name           string         `yaml:"name"`
		AssignedUserID *models.UserID `yaml:"assigned_user_id"`
		Active         *bool          `yaml:"active"`
	} `yaml:"groups"`
}

func activeOrDefault(v *bool) bool {
	return v == nil || *v
}

// LoadSeed reads and validates a routing document.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a routing document.
func ParseSeed(data []byte) (*Seed, error) {
	var doc seedDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	seed := &Seed{}
	for _, r := range doc.Rules {
		seed.Rules = append(seed.Rules, models.AssignmentRule{
			Name:     r.Name,
			Type:     r.Type,
			Pattern:  r.Pattern,
			Priority: r.Priority,
			Active:   activeOrDefault(r.Active),
			Config:   r.Config,
		})
	}
	for _, p := range doc.Portfolios {
		seed.Portfolios = append(seed.Portfolios, models.Portfolio{
			Name:             p.Name,
			CampaignPatterns: p.CampaignPatterns,
			AssignedUserID:   p.AssignedUserID,
			Active:           activeOrDefault(p.Active),
		})
	}
	for _, g := range doc.Groups {
		seed.Groups = append(seed.Groups, models.GmailGroup{
			Email:          g.Email,
			Name:           g.Name,
			AssignedUserID: g.AssignedUserID,
			Active:         activeOrDefault(g.Active),
		})
	}

	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return seed, nil
}

// Validate checks that every rule has a known type and a compilable pattern
// and that names are unique. All problems are reported together.
func (s *Seed) Validate() error {
	var errs []error
	names := make(map[string]bool)
	for i, r := range s.Rules {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			errs = append(errs, fmt.Errorf("rule %s: name is required", label))
		}
		if names[r.Name] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate name", label))
		}
		names[r.Name] = true
		if !r.Type.Valid() {
			errs = append(errs, fmt.Errorf("rule %s: unknown type %q", label, r.Type))
		}
		if _, err := rules.Compile(r.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", label, err))
		}
	}
	portfolios := make(map[string]bool)
	for i, p := range s.Portfolios {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("portfolio #%d: name is required", i+1))
			continue
		}
		if portfolios[p.Name] {
			errs = append(errs, fmt.Errorf("portfolio %s: duplicate name", p.Name))
		}
		portfolios[p.Name] = true
	}
	for i, g := range s.Groups {
		if !strings.Contains(g.Email, "@") {
			errs = append(errs, fmt.Errorf("group #%d: invalid email %q", i+1, g.Email))
		}
	}
	return errors.Join(errs...)
}

// Static serves a Seed from memory. IDs are assigned in document order.
// It is used for dry runs of rule sets before they are loaded.
type Static struct {
	rules      []models.AssignmentRule
	portfolios []models.Portfolio
	groups     map[int64]models.GmailGroup
}

// NewStatic builds an in-memory source from seed.
func NewStatic(seed *Seed) *Static {
	st := &Static{groups: make(map[int64]models.GmailGroup)}
	for i, r := range seed.Rules {
		if r.ID == 0 {
			r.ID = int64(i + 1)
		}
		st.rules = append(st.rules, r)
	}
	for i, p := range seed.Portfolios {
		if p.ID == 0 {
			p.ID = int64(i + 1)
		}
		st.portfolios = append(st.portfolios, p)
	}
	for i, g := range seed.Groups {
		if g.ID == 0 {
			g.ID = int64(i + 1)
		}
		st.groups[g.ID] = g
	}
	return st
}

// ListActiveRules implements RuleSource.
func (s *Static) ListActiveRules(_ context.Context, ruleType models.RuleType) ([]models.AssignmentRule, error) {
	var out []models.AssignmentRule
	for _, r := range s.rules {
		if r.Active && r.Type == ruleType {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// ListActivePortfolios implements PortfolioSource.
func (s *Static) ListActivePortfolios(context.Context) ([]models.Portfolio, error) {
	var out []models.Portfolio
	for _, p := range s.portfolios {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetGroup implements GroupSource.
func (s *Static) GetGroup(_ context.Context, id int64) (*models.GmailGroup, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

// GetGroupByEmail looks up a group by its address, case-insensitively.
func (s *Static) GetGroupByEmail(_ context.Context, email string) (*models.GmailGroup, error) {
	for _, g := range s.groups {
		if strings.EqualFold(g.Email, email) {
			return &g, nil
		}
	}
	return nil, ErrNotFound
}

// ListActiveGroups returns every active group, ordered by address.
func (s *Static) ListActiveGroups(context.Context) ([]models.GmailGroup, error) {
	var out []models.GmailGroup
	for _, g := range s.groups {
		if g.Active {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}
