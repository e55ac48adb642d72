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
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bcem/ticketing/internal/assignment"
	"github.com/bcem/ticketing/internal/events"
	"github.com/bcem/ticketing/internal/models"
	"github.com/bcem/ticketing/internal/routing"
)

var rulesTestFlags struct {
	mailbox string
	subject string
	body    string
	from    string
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesCheckCmd, rulesLoadCmd, rulesTestCmd)

	f := rulesTestCmd.Flags()
	f.StringVar(&rulesTestFlags.mailbox, "mailbox", "", "group address the message arrived through")
	f.StringVar(&rulesTestFlags.subject, "subject", "", "message subject")
	f.StringVar(&rulesTestFlags.body, "body", "", "message body")
	f.StringVar(&rulesTestFlags.from, "from", "customer@example.net", "sender address")
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage assignment rules, portfolios and group owners",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a routing file without loading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := routing.LoadSeed(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("OK: %d rules, %d portfolios, %d groups\n", len(seed.Rules), len(seed.Portfolios), len(seed.Groups))
		return nil
	},
}

var rulesLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Validate a routing file and upsert it into the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := routing.LoadSeed(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		store, err := routing.NewStore(ctx, pool)
		if err != nil {
			return err
		}

		var errs []error
		for _, r := range seed.Rules {
			if _, err := store.UpsertRule(ctx, r); err != nil {
				errs = append(errs, fmt.Errorf("rule %s: %w", r.Name, err))
			}
		}
		for _, p := range seed.Portfolios {
			if _, err := store.UpsertPortfolio(ctx, p); err != nil {
				errs = append(errs, fmt.Errorf("portfolio %s: %w", p.Name, err))
			}
		}
		for _, g := range seed.Groups {
			if _, err := store.UpsertGroup(ctx, g); err != nil {
				errs = append(errs, fmt.Errorf("group %s: %w", g.Email, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}

		fmt.Printf("Loaded %d rules, %d portfolios, %d groups.\n", len(seed.Rules), len(seed.Portfolios), len(seed.Groups))
		return nil
	},
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <file>",
	Short: "Show which strategy would handle a message under a routing file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := routing.LoadSeed(args[0])
		if err != nil {
			return err
		}
		email := &models.Email{
			Mailbox: rulesTestFlags.mailbox,
			Subject: rulesTestFlags.subject,
			Body:    rulesTestFlags.body,
			From:    models.EmailAddress{Address: rulesTestFlags.from},
			Status:  models.StatusPending,
		}
		d, evs, err := dryRun(context.Background(), seed, email)
		if err != nil {
			return err
		}
		printDecision(os.Stdout, d, evs)
		return nil
	},
}

// dryRun resolves email against an in-memory copy of seed. Nothing is
// persisted; the events the resolver would record are returned.
func dryRun(ctx context.Context, seed *routing.Seed, email *models.Email) (assignment.Decision, []events.Event, error) {
	static := routing.NewStatic(seed)
	if email.Mailbox != "" {
		g, err := static.GetGroupByEmail(ctx, email.Mailbox)
		if err == nil {
			email.GmailGroupID = &g.ID
		} else if !errors.Is(err, routing.ErrNotFound) {
			return assignment.Decision{}, nil, err
		}
	}

	store := events.NewStore(events.StoreConfig{Log: events.NewMemoryLog()})
	resolver := assignment.NewResolver(assignment.ResolverConfig{
		Strategies: assignment.DefaultStrategies(assignment.Sources{
			Rules:      static,
			Portfolios: static,
			Groups:     static,
		}),
		Events: store,
	})

	d, err := resolver.ResolveAndAssign(ctx, email)
	if err != nil {
		return assignment.Decision{}, nil, err
	}
	evs, err := store.EventsFor(ctx, events.AggregateMessage, email.AggregateID())
	if err != nil {
		return assignment.Decision{}, nil, err
	}
	return d, evs, nil
}

func printDecision(w io.Writer, d assignment.Decision, evs []events.Event) {
	fmt.Fprintf(w, "strategy: %s\n", d.Strategy)
	if d.Assigned() {
		fmt.Fprintf(w, "assignee: %s\n", d.AssignedUserID)
	} else {
		fmt.Fprintln(w, "assignee: (manual triage)")
	}
	if d.Code != "" {
		fmt.Fprintf(w, "code:     %s\n", d.Code)
	}
	fmt.Fprintf(w, "reason:   %s\n", d.Reason)
	fmt.Fprintln(w, "events:")
	for _, ev := range evs {
		fmt.Fprintf(w, "  %s\n", ev.Type)
	}
}
