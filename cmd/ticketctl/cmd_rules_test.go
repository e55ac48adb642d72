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

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/ticketing/internal/events"
	"github.com/bcem/ticketing/internal/models"
	"github.com/bcem/ticketing/internal/routing"
)

const testSeed = `
rules:
  - name: campaign-ref
    type: mass_campaign
    pattern: '/(?:REF|CAMP)-([A-Z0-9]{4,8})/i'
    priority: 10
portfolios:
  - name: Tecnologia
    campaign_patterns: ["TECH-*"]
    assigned_user_id: 42
groups:
  - email: soporte@example.com
    name: Soporte
    assigned_user_id: 7
`

func TestDryRun(t *testing.T) {
	seed, err := routing.ParseSeed([]byte(testSeed))
	require.NoError(t, err)

	tests := []struct {
		name     string
		email    models.Email
		strategy string
		assignee *models.UserID
		event    events.Type
	}{
		{
			name:     "campaign reply goes to portfolio owner",
			email:    models.Email{Mailbox: "soporte@example.com", Subject: "Re: oferta REF-TECH01"},
			strategy: "mass_campaign",
			assignee: models.UserIDPtr(42),
			event:    events.TypeMessageAssigned,
		},
		{
			name:     "plain message goes to group owner",
			email:    models.Email{Mailbox: "Soporte@Example.com", Subject: "Consulta"},
			strategy: "gmail_group",
			assignee: models.UserIDPtr(7),
			event:    events.TypeMessageAssigned,
		},
		{
			name:     "unknown mailbox falls back to manual triage",
			email:    models.Email{Mailbox: "otro@example.com", Subject: "Consulta"},
			strategy: "supervisor_fallback",
			event:    events.TypeMessageAssignmentDeferred,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			email := tt.email
			d, evs, err := dryRun(context.Background(), seed, &email)
			require.NoError(t, err)

			assert.Equal(t, tt.strategy, d.Strategy)
			assert.Equal(t, tt.assignee, d.AssignedUserID)
			require.NotEmpty(t, evs)
			assert.Equal(t, tt.event, evs[len(evs)-1].Type)
		})
	}
}

func TestPrintDecision(t *testing.T) {
	seed, err := routing.ParseSeed([]byte(testSeed))
	require.NoError(t, err)

	email := &models.Email{Subject: "Re: CAMP-TECH99"}
	d, evs, err := dryRun(context.Background(), seed, email)
	require.NoError(t, err)

	var buf bytes.Buffer
	printDecision(&buf, d, evs)
	out := buf.String()
	assert.Contains(t, out, "strategy: mass_campaign")
	assert.Contains(t, out, "assignee: 42")
	assert.Contains(t, out, "code:     TECH99")
	assert.True(t, strings.HasSuffix(out, "  message.assigned\n"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, splitList(" A@example.com, ,b@example.com"))
	assert.Nil(t, splitList(""))
}
