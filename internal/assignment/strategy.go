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

// Package assignment decides who owns an inbound message.
//
// A fixed set of strategies is consulted in priority order. The first one
// whose CanHandle reports true owns the outcome, whether or not it produces an
// assignee; SupervisorFallback always handles, so every message gets exactly
// one decision.
package assignment

import (
	"context"
	"fmt"

	"github.com/bcem/ticketing/internal/models"
)

// Kind is the closed set of strategy variants.
type Kind int

const (
	KindMassCampaign Kind = iota + 1
	KindCaseCode
	KindGmailGroup
	KindSupervisorFallback
)

// String returns the name recorded in assignment events.
func (k Kind) String() string {
	switch k {
	case KindMassCampaign:
		return "mass_campaign"
	case KindCaseCode:
		return "case_code"
	case KindGmailGroup:
		return "gmail_group"
	case KindSupervisorFallback:
		return "supervisor_fallback"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Default priorities; lower runs first.
const (
	PriorityMassCampaign       = 1
	PriorityCaseCode           = 2
	PriorityGmailGroup         = 3
	PrioritySupervisorFallback = 999
)

// Outcome is what a strategy produced for a message it handled.
type Outcome struct {
	// UserID is nil when the strategy owns the outcome but assigns nobody.
	UserID *models.UserID
	Reason string
	// Code is the campaign or case code the strategy extracted, if any.
	Code string
}

// Strategy is one link of the assignment chain.
type Strategy interface {
	Kind() Kind
	Priority() int
	CanHandle(ctx context.Context, email *models.Email) (bool, error)
	Assign(ctx context.Context, email *models.Email) (Outcome, error)
}

// Name returns the recorded name of s.
func Name(s Strategy) string {
	return s.Kind().String()
}
