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

package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bcem/ticketing/internal/models"
	"github.com/bcem/ticketing/internal/routing"
	"github.com/bcem/ticketing/internal/rules"
)

// InvalidPatternFunc is told about a rule whose pattern does not compile.
type InvalidPatternFunc func(ctx context.Context, rule models.AssignmentRule, err error)

// Sources holds what the built-in strategies read.
type Sources struct {
	Rules      routing.RuleSource
	Portfolios routing.PortfolioSource
	Groups     routing.GroupSource
	Matcher    *rules.Matcher
	// OnInvalidPattern is called once per rule id and pattern.
	OnInvalidPattern InvalidPatternFunc
	Logger           *slog.Logger
}

// DefaultStrategies returns the four built-in strategies.
func DefaultStrategies(src Sources) []Strategy {
	scan := newRuleScanner(src)
	return []Strategy{
		&MassCampaign{scan: scan, portfolios: src.Portfolios},
		&CaseCode{scan: scan},
		&GmailGroup{groups: src.Groups},
		SupervisorFallback{},
	}
}

// ruleScanner finds the first active rule of a type that matches a message.
type ruleScanner struct {
	rules     routing.RuleSource
	matcher   *rules.Matcher
	onInvalid InvalidPatternFunc
	logger    *slog.Logger

	reported sync.Map // "id:pattern" -> struct{}
	// claimed holds the hit a true CanHandle found, until Assign takes it.
	claimed sync.Map // hitKey -> *ruleHit
}

func newRuleScanner(src Sources) *ruleScanner {
	logger := src.Logger
	if logger == nil {
		logger = slog.Default()
	}
	matcher := src.Matcher
	if matcher == nil {
		matcher = rules.NewMatcher(logger)
	}
	return &ruleScanner{
		rules:     src.Rules,
		matcher:   matcher,
		onInvalid: src.OnInvalidPattern,
		logger:    logger,
	}
}

type ruleHit struct {
	rule  models.AssignmentRule
	match rules.Match
}

type hitKey struct {
	ruleType models.RuleType
	email    *models.Email
}

// claim reports whether a rule of ruleType matches email and keeps the hit
// for the Assign call that follows.
func (s *ruleScanner) claim(ctx context.Context, ruleType models.RuleType, email *models.Email) (bool, error) {
	hit, err := s.first(ctx, ruleType, email)
	if err != nil || hit == nil {
		return false, err
	}
	s.claimed.Store(hitKey{ruleType, email}, hit)
	return true, nil
}

// take returns the hit kept by claim, scanning again only if there is none.
func (s *ruleScanner) take(ctx context.Context, ruleType models.RuleType, email *models.Email) (*ruleHit, error) {
	if v, ok := s.claimed.LoadAndDelete(hitKey{ruleType, email}); ok {
		return v.(*ruleHit), nil
	}
	return s.first(ctx, ruleType, email)
}

func (s *ruleScanner) first(ctx context.Context, ruleType models.RuleType, email *models.Email) (*ruleHit, error) {
	list, err := s.rules.ListActiveRules(ctx, ruleType)
	if err != nil {
		return nil, fmt.Errorf("list %s rules: %w", ruleType, err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })

	text := email.Text()
	for _, rule := range list {
		if err := s.matcher.Valid(rule); err != nil {
			s.reportInvalid(ctx, rule, err)
			continue
		}
		if m, ok := s.matcher.Match(rule, text); ok {
			return &ruleHit{rule: rule, match: m}, nil
		}
	}
	return nil, nil
}

func (s *ruleScanner) reportInvalid(ctx context.Context, rule models.AssignmentRule, err error) {
	key := fmt.Sprintf("%d:%s", rule.ID, rule.Pattern)
	if _, seen := s.reported.LoadOrStore(key, struct{}{}); seen {
		return
	}
	s.logger.Warn("assignment rule pattern does not compile",
		"rule", rule.Name,
		"rule_id", rule.ID,
		"error", err,
	)
	if s.onInvalid != nil {
		s.onInvalid(ctx, rule, err)
	}
}

// MassCampaign routes campaign replies to the owner of the portfolio that
// claims the campaign code.
type MassCampaign struct {
	scan       *ruleScanner
	portfolios routing.PortfolioSource
}

func (*MassCampaign) Kind() Kind    { return KindMassCampaign }
func (*MassCampaign) Priority() int { return PriorityMassCampaign }

// CanHandle reports whether any active mass_campaign rule matches.
func (s *MassCampaign) CanHandle(ctx context.Context, email *models.Email) (bool, error) {
	return s.scan.claim(ctx, models.RuleMassCampaign, email)
}

// Assign returns the assignee of the first portfolio claiming the code, using
// the rule CanHandle matched.
func (s *MassCampaign) Assign(ctx context.Context, email *models.Email) (Outcome, error) {
	hit, err := s.scan.take(ctx, models.RuleMassCampaign, email)
	if err != nil {
		return Outcome{}, err
	}
	if hit == nil {
		return Outcome{Reason: "no mass campaign rule matched"}, nil
	}

	code := hit.match.Code()
	if code == "" {
		return Outcome{
			Reason: fmt.Sprintf("mass campaign rule %q matched without a campaign code", hit.rule.Name),
		}, nil
	}

	portfolios, err := s.portfolios.ListActivePortfolios(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("list portfolios: %w", err)
	}
	for i := range portfolios {
		p := &portfolios[i]
		if !p.MatchesCampaignCode(code) {
			continue
		}
		if p.AssignedUserID == nil {
			return Outcome{
				Code:   code,
				Reason: fmt.Sprintf("campaign %s belongs to portfolio %s, which has no assignee", code, p.Name),
			}, nil
		}
		return Outcome{
			UserID: p.AssignedUserID,
			Code:   code,
			Reason: fmt.Sprintf("campaign %s matched portfolio %s (rule %s)", code, p.Name, hit.rule.Name),
		}, nil
	}
	return Outcome{
		Code:   code,
		Reason: fmt.Sprintf("campaign %s matched rule %s but no portfolio claims it", code, hit.rule.Name),
	}, nil
}

// CaseCode links replies about an existing case. It never changes ownership.
type CaseCode struct {
	scan *ruleScanner
}

func (*CaseCode) Kind() Kind    { return KindCaseCode }
func (*CaseCode) Priority() int { return PriorityCaseCode }

// CanHandle reports whether any active case_code rule matches.
func (s *CaseCode) CanHandle(ctx context.Context, email *models.Email) (bool, error) {
	return s.scan.claim(ctx, models.RuleCaseCode, email)
}

// Assign extracts the case code. The outcome never carries a user.
func (s *CaseCode) Assign(ctx context.Context, email *models.Email) (Outcome, error) {
	hit, err := s.scan.take(ctx, models.RuleCaseCode, email)
	if err != nil {
		return Outcome{}, err
	}
	if hit == nil {
		return Outcome{Reason: "no case code rule matched"}, nil
	}
	code := hit.match.Code()
	if code == "" {
		code = hit.match.Captures[0]
	}
	return Outcome{
		Code:   code,
		Reason: fmt.Sprintf("references existing case %s; ownership unchanged", code),
	}, nil
}

// GmailGroup assigns messages to the default owner of the group mailbox they
// arrived through.
type GmailGroup struct {
	groups routing.GroupSource
}

func (*GmailGroup) Kind() Kind    { return KindGmailGroup }
func (*GmailGroup) Priority() int { return PriorityGmailGroup }

// CanHandle reports whether the message's group is active and has a default
// assignee. Groups without one fall through to the next strategy.
func (s *GmailGroup) CanHandle(ctx context.Context, email *models.Email) (bool, error) {
	g, err := s.group(ctx, email)
	if err != nil || g == nil {
		return false, err
	}
	return g.Active && g.AssignedUserID != nil, nil
}

// Assign returns the group's default assignee.
func (s *GmailGroup) Assign(ctx context.Context, email *models.Email) (Outcome, error) {
	g, err := s.group(ctx, email)
	if err != nil {
		return Outcome{}, err
	}
	if g == nil || g.AssignedUserID == nil {
		return Outcome{Reason: "group mailbox has no default assignee"}, nil
	}
	return Outcome{
		UserID: g.AssignedUserID,
		Reason: fmt.Sprintf("default assignee of group %s", g.Email),
	}, nil
}

func (s *GmailGroup) group(ctx context.Context, email *models.Email) (*models.GmailGroup, error) {
	if email.GmailGroupID == nil {
		return nil, nil
	}
	g, err := s.groups.GetGroup(ctx, *email.GmailGroupID)
	if errors.Is(err, routing.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group %d: %w", *email.GmailGroupID, err)
	}
	return g, nil
}

// SupervisorFallback terminates every chain. It never assigns: the message is
// left pending for manual triage.
type SupervisorFallback struct{}

// ManualAssignmentReason is the reason recorded when nothing else handled a message.
const ManualAssignmentReason = "no automatic rule applied; manual assignment required"

func (SupervisorFallback) Kind() Kind    { return KindSupervisorFallback }
func (SupervisorFallback) Priority() int { return PrioritySupervisorFallback }

func (SupervisorFallback) CanHandle(context.Context, *models.Email) (bool, error) {
	return true, nil
}

func (SupervisorFallback) Assign(context.Context, *models.Email) (Outcome, error) {
	return Outcome{Reason: ManualAssignmentReason}, nil
}
