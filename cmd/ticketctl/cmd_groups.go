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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bcem/ticketing/internal/app"
	"github.com/bcem/ticketing/internal/routing"
)

func init() {
	rootCmd.AddCommand(groupsCmd)
	groupsCmd.AddCommand(groupsSyncCmd, groupsListCmd)
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage group mailboxes",
}

var groupsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Discover group mailboxes in the domain and store them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		svc, err := app.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.SyncGroups(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Upserted %d groups, deactivated %d.\n", res.Upserted, res.Deactivated)
		return nil
	},
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active group mailboxes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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
		groups, err := store.ListActiveGroups(ctx)
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		if len(groups) == 0 {
			fmt.Println("No active groups.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEMAIL\tNAME\tASSIGNEE")
		for _, g := range groups {
			assignee := "-"
			if g.AssignedUserID != nil {
				assignee = g.AssignedUserID.String()
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", g.ID, g.Email, g.Name, assignee)
		}
		return w.Flush()
	},
}
