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
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcem/ticketing/internal/app"
	"github.com/bcem/ticketing/internal/importer"
)

var backfillFlags struct {
	mailboxes string
	since     time.Duration
	until     string
	query     string
}

func init() {
	rootCmd.AddCommand(backfillCmd)
	f := backfillCmd.Flags()
	f.StringVar(&backfillFlags.mailboxes, "mailboxes", "", "comma-separated group addresses (default: every active group)")
	f.DurationVar(&backfillFlags.since, "since", 7*24*time.Hour, "lookback duration, e.g. 168h for 1 week")
	f.StringVar(&backfillFlags.until, "until", "", "optional end date (YYYY-MM-DD)")
	f.StringVar(&backfillFlags.query, "query", "", "extra Gmail search expression")
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Import and assign historical messages from group mailboxes",
	Args:  cobra.NoArgs,
	RunE:  runBackfill,
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	req := importer.BackfillRequest{
		Mailboxes: splitList(backfillFlags.mailboxes),
		Since:     time.Now().Add(-backfillFlags.since),
		Query:     backfillFlags.query,
	}
	if backfillFlags.until != "" {
		until, err := time.Parse(time.DateOnly, backfillFlags.until)
		if err != nil {
			return fmt.Errorf("invalid --until %q: %w", backfillFlags.until, err)
		}
		req.Until = until
	}

	if len(req.Mailboxes) == 0 {
		groups, err := svc.Routing.ListActiveGroups(ctx)
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		for _, g := range groups {
			req.Mailboxes = append(req.Mailboxes, g.Email)
		}
	}
	if len(req.Mailboxes) == 0 {
		return fmt.Errorf("no mailboxes to backfill; run 'ticketctl groups sync' first")
	}

	result, err := svc.NewBackfillRunner().Run(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s finished in %s\n\n", result.RunID, result.Elapsed.Round(time.Second))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MAILBOX\tPAGES\tERROR")
	for _, mr := range result.Mailboxes {
		errText := "-"
		if mr.Err != nil {
			errText = mr.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", mr.Mailbox, mr.Pages, errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	t := result.Total
	fmt.Printf("\nfetched=%d assigned=%d deferred=%d skipped=%d errors=%d\n",
		t.Fetched, t.Assigned, t.Deferred, t.Skipped, t.Errors)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
