// Copyright 2025 Tom Barlow
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
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/durable/pkg/store"
)

// withStore opens the database (running the idempotent schema
// migrations) and runs one command inside a read-only transaction.
func withStore(dbPath string, fn func(tx *store.Tx) error) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database %s: %w", dbPath, err)
	}
	st, err := store.Open(store.Config{Path: dbPath})
	if err != nil {
		return err
	}
	defer st.Close()
	return st.View(context.Background(), fn)
}

func newTab() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func newPoolsCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "List pools with their configuration and load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*dbPath, func(tx *store.Tx) error {
				rows, err := tx.Query(`SELECT g.pool, g.max_parallelism,
						COALESCE(s.in_progress, '[]'),
						(SELECT COUNT(*) FROM pending_start p WHERE p.pool = g.pool),
						COALESCE(r.kind, 'idle')
					FROM pool_globals g
					LEFT JOIN pool_state s ON s.pool = g.pool
					LEFT JOIN pool_run_status r ON r.pool = g.pool
					ORDER BY g.pool`)
				if err != nil {
					return err
				}
				defer rows.Close()

				w := newTab()
				fmt.Fprintln(w, "POOL\tMAX\tIN PROGRESS\tQUEUED\tLOOP")
				for rows.Next() {
					var (
						pool, inProgress, loop string
						max, queued            int
					)
					if err := rows.Scan(&pool, &max, &inProgress, &queued, &loop); err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", pool, max, inProgress, queued, loop)
				}
				w.Flush()
				return rows.Err()
			})
		},
	}
}

func newWorkCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "work <work-id>",
		Short: "Show one work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*dbPath, func(tx *store.Tx) error {
				var (
					pool, name, fnType string
					attempts           int
					createdAt          int64
				)
				err := tx.QueryRow(`SELECT pool, fn_name, fn_type, attempts, created_at_ms
					FROM work_items WHERE id = ?`, args[0]).
					Scan(&pool, &name, &fnType, &attempts, &createdAt)
				if err == sql.ErrNoRows {
					fmt.Println("finished (or never existed)")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Printf("pool:      %s\n", pool)
				fmt.Printf("function:  %s (%s)\n", name, fnType)
				fmt.Printf("attempts:  %d\n", attempts)
				fmt.Printf("created:   %s\n", time.UnixMilli(createdAt).Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newWorkflowsCmd(dbPath *string) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*dbPath, func(tx *store.Tx) error {
				query := `SELECT id, name, COALESCE(run_result, ''), created_at_ms FROM workflows`
				qargs := []any{}
				if name != "" {
					query += ` WHERE name = ?`
					qargs = append(qargs, name)
				}
				query += ` ORDER BY created_at_ms DESC LIMIT 100`

				rows, err := tx.Query(query, qargs...)
				if err != nil {
					return err
				}
				defer rows.Close()

				w := newTab()
				fmt.Fprintln(w, "ID\tWORKFLOW\tRESULT\tCREATED")
				for rows.Next() {
					var (
						id, wfName, result string
						createdAt          int64
					)
					if err := rows.Scan(&id, &wfName, &result, &createdAt); err != nil {
						return err
					}
					if result == "" {
						result = "running"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, wfName, result,
						time.UnixMilli(createdAt).Format(time.RFC3339))
				}
				w.Flush()
				return rows.Err()
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Filter by workflow name")
	return cmd
}

func newStepsCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "steps <workflow-id>",
		Short: "Show a workflow's journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*dbPath, func(tx *store.Tx) error {
				rows, err := tx.Query(`SELECT step_number, entry FROM journal_entries
					WHERE workflow_id = ? ORDER BY step_number`, args[0])
				if err != nil {
					return err
				}
				defer rows.Close()

				w := newTab()
				fmt.Fprintln(w, "STEP\tENTRY")
				for rows.Next() {
					var (
						n     int
						entry string
					)
					if err := rows.Scan(&n, &entry); err != nil {
						return err
					}
					fmt.Fprintf(w, "%d\t%s\n", n, entry)
				}
				w.Flush()
				return rows.Err()
			})
		},
	}
}

func newCronsCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "crons",
		Short: "List cron schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*dbPath, func(tx *store.Tx) error {
				rows, err := tx.Query(`SELECT id, COALESCE(name, ''), kind,
						COALESCE(cronspec, ''), COALESCE(interval_ms, 0), scheduled_time_ms
					FROM cron_jobs ORDER BY id`)
				if err != nil {
					return err
				}
				defer rows.Close()

				w := newTab()
				fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tNEXT FIRE")
				for rows.Next() {
					var (
						id, name, kind, spec string
						intervalMs, nextMs   int64
					)
					if err := rows.Scan(&id, &name, &kind, &spec, &intervalMs, &nextMs); err != nil {
						return err
					}
					schedule := spec
					if kind == "interval" {
						schedule = fmt.Sprintf("every %s", time.Duration(intervalMs)*time.Millisecond)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, name, schedule,
						time.UnixMilli(nextMs).Format(time.RFC3339))
				}
				w.Flush()
				return rows.Err()
			})
		},
	}
}

func newJobsCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "Summarize scheduler entries by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*dbPath, func(tx *store.Tx) error {
				rows, err := tx.Query(`SELECT state, COUNT(*) FROM scheduler_jobs GROUP BY state ORDER BY state`)
				if err != nil {
					return err
				}
				defer rows.Close()

				w := newTab()
				fmt.Fprintln(w, "STATE\tCOUNT")
				for rows.Next() {
					var (
						state string
						count int
					)
					if err := rows.Scan(&state, &count); err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%d\n", state, count)
				}
				w.Flush()
				return rows.Err()
			})
		},
	}
}
