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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/ticketing/internal/events"
	"github.com/bcem/ticketing/internal/models"
	"github.com/bcem/ticketing/internal/routing"
)

var now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func uid(v int64) *models.UserID {
	id := models.UserID(v)
	return &id
}

func gid(v int64) *int64 { return &v }

func campaignRule() models.AssignmentRule {
	return models.AssignmentRule{
		ID: 1, Name: "campaign-ref", Type: models.RuleMassCampaign, Active: true, Priority: 10,
		Pattern: `/(?:REF|CAMP|ENV)-([A-Z0-9]{4,8})/i`,
	}
}

func caseRule() models.AssignmentRule {
	return models.AssignmentRule{
		ID: 2, Name: "case", Type: models.RuleCaseCode, Active: true, Priority: 10,
		Pattern: `CASE-(\d{4}-\d{3})`,
	}
}

func techPortfolio() models.Portfolio {
	return models.Portfolio{
		ID: 1, Name: "Tecnologia", Active: true,
		CampaignPatterns: []string{"TECH-*", "REF-TECH*"},
		AssignedUserID:   uid(42),
	}
}

type fixture struct {
	store    *events.Store
	resolver *Resolver
	tickets  *fakeTickets
}

func newFixture(t *testing.T, seed *routing.Seed) *fixture {
	t.Helper()
	return newFixtureWith(t, routing.NewStatic(seed), nil)
}

func newFixtureWith(t *testing.T, src *routing.Static, override func(*Sources)) *fixture {
	t.Helper()
	store := events.NewStore(events.StoreConfig{
		Log:   events.NewMemoryLog(),
		Clock: func() time.Time { return now },
	})
	sources := Sources{Rules: src, Portfolios: src, Groups: src}
	if override != nil {
		override(&sources)
	}
	tickets := &fakeTickets{}
	return &fixture{
		store:   store,
		tickets: tickets,
		resolver: NewResolver(ResolverConfig{
			Strategies: DefaultStrategies(sources),
			Events:     store,
			Tickets:    tickets,
			Clock:      func() time.Time { return now },
		}),
	}
}

type fakeTickets struct {
	applied map[int64]models.Assignment
	linked  map[int64]string
	err     error
}

func (f *fakeTickets) LinkCase(_ context.Context, id int64, code string) error {
	if f.linked == nil {
		f.linked = make(map[int64]string)
	}
	f.linked[id] = code
	return nil
}

func (f *fakeTickets) ApplyAssignment(_ context.Context, id int64, a models.Assignment) error {
	if f.err != nil {
		return f.err
	}
	if f.applied == nil {
		f.applied = make(map[int64]models.Assignment)
	}
	f.applied[id] = a
	return nil
}

func (f *fixture) eventTypes(t *testing.T, email *models.Email) []events.Type {
	t.Helper()
	evs, err := f.store.EventsFor(context.Background(), events.AggregateMessage, email.AggregateID())
	require.NoError(t, err)
	var out []events.Type
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestCampaignScenario(t *testing.T) {
	f := newFixture(t, &routing.Seed{
		Rules:      []models.AssignmentRule{campaignRule()},
		Portfolios: []models.Portfolio{techPortfolio()},
	})
	email := &models.Email{ID: 10, Subject: "RE: Consulta AFP - [REF-TECH01]", Status: models.StatusPending}

	d, err := f.resolver.ResolveAndAssign(context.Background(), email)
	require.NoError(t, err)

	require.NotNil(t, d.AssignedUserID)
	assert.Equal(t, models.UserID(42), *d.AssignedUserID)
	assert.Equal(t, "mass_campaign", d.Strategy)
	assert.Equal(t, "TECH01", d.Code)
	assert.Contains(t, d.Reason, "TECH01")
	assert.Contains(t, d.Reason, "Tecnologia")

	assert.Equal(t, models.StatusAssigned, email.Status)
	require.NotNil(t, email.AssignedTo)
	assert.Equal(t, models.UserID(42), *email.AssignedTo)
	assert.Equal(t, models.UserID(42), f.tickets.applied[10].AssignedTo)
	assert.Equal(t, []events.Type{events.TypeMessageAssigned}, f.eventTypes(t, email))
}

func TestCaseCodeMatchesWithoutAssigning(t *testing.T) {
	f := newFixture(t, &routing.Seed{
		Rules: []models.AssignmentRule{caseRule()},
		Groups: []models.GmailGroup{
			{ID: 3, Email: "soporte@example.com", Active: true, AssignedUserID: uid(7)},
		},
	})
	email := &models.Email{ID: 11, Subject: "Seguimiento CASE-2024-001", GmailGroupID: gid(3), Status: models.StatusPending}

	d, err := f.resolver.ResolveAndAssign(context.Background(), email)
	require.NoError(t, err)

	assert.Nil(t, d.AssignedUserID, "case code must not override ownership")
	assert.Equal(t, "case_code", d.Strategy)
	assert.Equal(t, "2024-001", d.Code)
	assert.Equal(t, models.StatusPending, email.Status)
	assert.Empty(t, f.tickets.applied)
	assert.Equal(t, "2024-001", f.tickets.linked[11])
	assert.Equal(t, "2024-001", email.CaseCode)
	assert.Equal(t, []events.Type{events.TypeMessageCaseLinked, events.TypeMessageAssignmentDeferred}, f.eventTypes(t, email))
}

func TestGmailGroupAssignsDefaultOwner(t *testing.T) {
	f := newFixture(t, &routing.Seed{
		Groups: []models.GmailGroup{
			{ID: 3, Email: "ventas@example.com", Active: true, AssignedUserID: uid(7)},
		},
	})
	email := &models.Email{ID: 12, Subject: "Hola", GmailGroupID: gid(3)}

	d, err := f.resolver.ResolveAndAssign(context.Background(), email)
	require.NoError(t, err)
	require.NotNil(t, d.AssignedUserID)
	assert.Equal(t, models.UserID(7), *d.AssignedUserID)
	assert.Equal(t, "gmail_group", d.Strategy)
}

func TestGroupWithoutAssigneeFallsThrough(t *testing.T) {
	f := newFixture(t, &routing.Seed{
		Groups: []models.GmailGroup{{ID: 3, Email: "general@example.com", Active: true}},
	})
	email := &models.Email{ID: 13, Subject: "Consulta", GmailGroupID: gid(3)}

	d, err := f.resolver.ResolveAndAssign(context.Background(), email)
	require.NoError(t, err)
	assert.Nil(t, d.AssignedUserID)
	assert.Equal(t, "supervisor_fallback", d.Strategy)
	assert.Equal(t, ManualAssignmentReason, d.Reason)

	state, err := f.store.CurrentState(context.Background(), events.AggregateMessage, "13")
	require.NoError(t, err)
	assert.Equal(t, true, state["needs_manual_assignment"])
}

func TestNothingMatchesRequiresManualAssignment(t *testing.T) {
	f := newFixture(t, &routing.Seed{
		Rules:      []models.AssignmentRule{campaignRule(), caseRule()},
		Portfolios: []models.Portfolio{techPortfolio()},
	})
	email := &models.Email{ID: 14, Subject: "Hello there", Body: "nothing to see"}

	d, err := f.resolver.ResolveAndAssign(context.Background(), email)
	require.NoError(t, err)
	assert.Nil(t, d.AssignedUserID)
	assert.Contains(t, d.Reason, "manual assignment")
}

func TestMassCampaignBeatsGmailGroup(t *testing.T) {
	f := newFixture(t, &routing.Seed{
		Rules:      []models.AssignmentRule{campaignRule()},
		Portfolios: []models.Portfolio{techPortfolio()},
		Groups:     []models.GmailGroup{{ID: 3, Email: "ventas@example.com", Active: true, AssignedUserID: uid(7)}},
	})
	email := &models.Email{ID: 15, Subject: "[REF-TECH01] respuesta", GmailGroupID: gid(3)}

	d, err := f.resolver.ResolveAndAssign(context.Background(), email)
	require.NoError(t, err)
	require.NotNil(t, d.AssignedUserID)
	assert.Equal(t, models.UserID(42), *d.AssignedUserID)
	assert.Equal(t, "mass_campaign", d.Strategy)
}

// vanishingRules serves its rules to the first listing only.
type vanishingRules struct {
	rules []models.AssignmentRule
	calls int
}

func (v *vanishingRules) ListActiveRules(_ context.Context, ruleType models.RuleType) ([]models.AssignmentRule, error) {
	v.calls++
	if v.calls > 1 {
		return nil, nil
	}
	var out []models.AssignmentRule
	for _, r := range v.rules {
		if r.Type == ruleType {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestAssignUsesRuleMatchedByCanHandle(t *testing.T) {
	src := routing.NewStatic(&routing.Seed{Portfolios: []models.Portfolio{techPortfolio()}})
	rules := &vanishingRules{rules: []models.AssignmentRule{campaignRule()}}
	f := newFixtureWith(t, src, func(s *Sources) { s.Rules = rules })
	email := &models.Email{ID: 11, Subject: "RE: [CAMP-TECH07]", Status: models.StatusPending}

	d, err := f.resolver.ResolveAndAssign(context.Background(), email)
	require.NoError(t, err)

	assert.Equal(t, 1, rules.calls)
	assert.Equal(t, "mass_campaign", d.Strategy)
	assert.Equal(t, "TECH07", d.Code)
	require.NotNil(t, d.AssignedUserID)
	assert.Equal(t, models.UserID(42), *d.AssignedUserID)
}

func TestUnclaimedCampaignStopsChain(t *testing.T) {
	f := newFixture(t, &routing.Seed{
		Rules:  []models.AssignmentRule{campaignRule()},
		Groups: []models.GmailGroup{{ID: 3, Email: "ventas@example.com", Active: true, AssignedUserID: uid(7)}},
	})
	email := &models.Email{ID: 16, Subject: "CAMP-ZZZ999", GmailGroupID: gid(3)}

	d, err := f.resolver.ResolveAndAssign(context.Background(), email)
	require.NoError(t, err)
	assert.Nil(t, d.AssignedUserID)
	assert.Equal(t, "mass_campaign", d.Strategy)
	assert.Equal(t, "ZZZ999", d.Code)
	assert.Contains(t, d.Reason, "no portfolio")
}

func TestFirstPortfolioWins(t *testing.T) {
	second := models.Portfolio{ID: 2, Name: "Otra", Active: true, CampaignPatterns: []string{"TECH*"}, AssignedUserID: uid(99)}
	f := newFixture(t, &routing.Seed{
		Rules:      []models.AssignmentRule{campaignRule()},
		Portfolios: []models.Portfolio{techPortfolio(), second},
	})
	d, err := f.resolver.ResolveAndAssign(context.Background(), &models.Email{ID: 17, Subject: "REF-TECH01"})
	require.NoError(t, err)
	require.NotNil(t, d.AssignedUserID)
	assert.Equal(t, models.UserID(42), *d.AssignedUserID)
}

func TestInvalidPatternIsSkipped(t *testing.T) {
	broken := models.AssignmentRule{ID: 9, Name: "broken", Type: models.RuleMassCampaign, Active: true, Priority: 1, Pattern: `([A-Z`}
	src := routing.NewStatic(&routing.Seed{
		Rules:      []models.AssignmentRule{broken, campaignRule()},
		Portfolios: []models.Portfolio{techPortfolio()},
	})

	var reported []string
	f := newFixtureWith(t, src, func(s *Sources) {
		s.OnInvalidPattern = func(_ context.Context, rule models.AssignmentRule, _ error) {
			reported = append(reported, rule.Name)
		}
	})

	for i := 0; i < 2; i++ {
		d, err := f.resolver.ResolveAndAssign(context.Background(), &models.Email{ID: int64(20 + i), Subject: "REF-TECH01"})
		require.NoError(t, err)
		require.NotNil(t, d.AssignedUserID)
		assert.Equal(t, models.UserID(42), *d.AssignedUserID)
	}
	assert.Equal(t, []string{"broken"}, reported, "reported once per rule")
}

type failingGroups struct{}

func (failingGroups) GetGroup(context.Context, int64) (*models.GmailGroup, error) {
	return nil, errors.New("connection reset")
}

func TestStrategyFaultIsRecordedAndSkipped(t *testing.T) {
	src := routing.NewStatic(&routing.Seed{})
	f := newFixtureWith(t, src, func(s *Sources) { s.Groups = failingGroups{} })
	email := &models.Email{ID: 30, Subject: "Hola", GmailGroupID: gid(3)}

	d, err := f.resolver.ResolveAndAssign(context.Background(), email)
	require.NoError(t, err)
	assert.Equal(t, "supervisor_fallback", d.Strategy)
	assert.Equal(t, []events.Type{events.TypeSystemError, events.TypeMessageAssignmentDeferred}, f.eventTypes(t, email))

	ev, err := f.store.LatestEvent(context.Background(), events.AggregateMessage, "30", events.TypeSystemError)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, events.SeverityError, ev.Severity)
	assert.Contains(t, ev.Data["error"], "connection reset")
}

type failingRecorder struct {
	Recorder
}

func (failingRecorder) AssignmentDeferred(context.Context, events.AssignmentOutcome) (events.Event, error) {
	return events.Event{}, errors.New("event log unavailable")
}

func TestEventStoreFailurePropagates(t *testing.T) {
	r := NewResolver(ResolverConfig{Events: failingRecorder{}})
	_, err := r.ResolveAndAssign(context.Background(), &models.Email{ID: 31})
	assert.ErrorContains(t, err, "event log unavailable")
}

func TestApplyFailurePropagates(t *testing.T) {
	f := newFixture(t, &routing.Seed{
		Groups: []models.GmailGroup{{ID: 3, Email: "ventas@example.com", Active: true, AssignedUserID: uid(7)}},
	})
	f.tickets.err = errors.New("row locked")

	email := &models.Email{ID: 32, GmailGroupID: gid(3), Status: models.StatusPending}
	_, err := f.resolver.ResolveAndAssign(context.Background(), email)
	assert.ErrorContains(t, err, "row locked")
	assert.Equal(t, models.StatusPending, email.Status)
}

type stubStrategy struct {
	kind     Kind
	priority int
	handle   bool
	out      Outcome
	calls    *[]string
}

func (s stubStrategy) Kind() Kind    { return s.kind }
func (s stubStrategy) Priority() int { return s.priority }
func (s stubStrategy) CanHandle(context.Context, *models.Email) (bool, error) {
	*s.calls = append(*s.calls, s.kind.String())
	return s.handle, nil
}
func (s stubStrategy) Assign(context.Context, *models.Email) (Outcome, error) {
	return s.out, nil
}

func TestChainOrderAndFallbackAppended(t *testing.T) {
	var calls []string
	store := events.NewStore(events.StoreConfig{Log: events.NewMemoryLog()})
	r := NewResolver(ResolverConfig{
		Events: store,
		Strategies: []Strategy{
			stubStrategy{kind: KindGmailGroup, priority: PriorityGmailGroup, calls: &calls},
			stubStrategy{kind: KindMassCampaign, priority: PriorityMassCampaign, calls: &calls},
		},
	})

	order := r.Strategies()
	require.Len(t, order, 3)
	assert.Equal(t, KindSupervisorFallback, order[2].Kind())

	d, err := r.ResolveAndAssign(context.Background(), &models.Email{ID: 40})
	require.NoError(t, err)
	assert.Equal(t, []string{"mass_campaign", "gmail_group"}, calls)
	assert.Equal(t, "supervisor_fallback", d.Strategy)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "mass_campaign", KindMassCampaign.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
