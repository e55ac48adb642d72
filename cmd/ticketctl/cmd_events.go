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
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/bcem/ticketing/internal/app"
	"github.com/bcem/ticketing/internal/config"
	"github.com/bcem/ticketing/internal/events"
)

var eventsJSON bool

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsShowCmd, eventsStateCmd, eventsTypesCmd)
	eventsShowCmd.Flags().BoolVar(&eventsJSON, "json", false, "print events as JSON")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the event log",
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <aggregate-type> <aggregate-id>",
	Short: "Show the event history of an aggregate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventStore(func(ctx context.Context, store *events.Store) error {
			evs, err := store.EventsFor(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if eventsJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(evs)
			}
			if len(evs) == 0 {
				fmt.Println("No events found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tSEVERITY\tBY\tCORRELATION")
			for _, ev := range evs {
				by := "system"
				if ev.TriggeredBy != nil {
					by = ev.TriggeredBy.String()
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					ev.Seq,
					ev.TriggeredAt.Format("2006-01-02 15:04:05.000000"),
					ev.Type,
					ev.Severity,
					by,
					ev.CorrelationID,
				)
			}
			return w.Flush()
		})
	},
}

var eventsStateCmd = &cobra.Command{
	Use:   "state <aggregate-type> <aggregate-id>",
	Short: "Show the current state of an aggregate, replayed from its events",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventStore(func(ctx context.Context, store *events.Store) error {
			state, err := store.CurrentState(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if len(state) == 0 {
				fmt.Println("No events found.")
				return nil
			}

			keys := make([]string, 0, len(state))
			for k := range state {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%v\n", k, state[k])
			}
			return w.Flush()
		})
	},
}

var eventsTypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List registered event types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventStore(func(ctx context.Context, store *events.Store) error {
			types, err := store.Catalog(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tCATEGORY\tSEVERITY\tDESCRIPTION")
			for _, et := range types {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", et.Type, et.Category, et.DefaultSeverity, et.Description)
			}
			return w.Flush()
		})
	},
}

// withEventStore opens the configured event log. Postgres is only
// connected when it backs the log.
func withEventStore(fn func(ctx context.Context, store *events.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var pool *pgxpool.Pool
	if cfg.Events.Backend == config.BackendPostgres {
		if pool, err = openPool(ctx, cfg); err != nil {
			return err
		}
		defer pool.Close()
	}

	store, closeLog, err := app.OpenEventStore(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer closeLog()
	return fn(ctx, store)
}
