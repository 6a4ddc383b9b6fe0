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

package store

import (
	"context"
	"fmt"
)

// migrate runs database migrations. The store owns the schema for every
// component so that a single file can hold a scheduler, any number of
// pools, workflows, retrier runs, and crons.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		// Deferred-function scheduler entries.
		`CREATE TABLE IF NOT EXISTS scheduler_jobs (
			id TEXT PRIMARY KEY,
			handle TEXT NOT NULL,
			fn_type TEXT NOT NULL,
			args TEXT NOT NULL,
			run_at_ms INTEGER NOT NULL,
			state TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduler_jobs_due
			ON scheduler_jobs(state, run_at_ms)`,

		// Workpool per-pool configuration (Globals).
		`CREATE TABLE IF NOT EXISTS pool_globals (
			pool TEXT PRIMARY KEY,
			max_parallelism INTEGER NOT NULL,
			log_level TEXT NOT NULL,
			default_retry TEXT,
			retry_actions_by_default INTEGER NOT NULL DEFAULT 0
		)`,

		// Workpool run status singleton: idle | scheduled | running.
		`CREATE TABLE IF NOT EXISTS pool_run_status (
			pool TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			segment INTEGER,
			scheduled_id TEXT,
			saturated INTEGER NOT NULL DEFAULT 0,
			generation INTEGER NOT NULL DEFAULT 0
		)`,

		// Workpool internal state singleton.
		`CREATE TABLE IF NOT EXISTS pool_state (
			pool TEXT PRIMARY KEY,
			generation INTEGER NOT NULL DEFAULT 0,
			in_progress TEXT NOT NULL DEFAULT '[]'
		)`,

		// Work items, one per enqueued job; deleted when finalized.
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			pool TEXT NOT NULL,
			handle TEXT NOT NULL,
			fn_name TEXT NOT NULL,
			fn_type TEXT NOT NULL,
			args TEXT NOT NULL,
			run_at_ms INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			retry TEXT,
			on_complete_handle TEXT,
			on_complete_context TEXT,
			job_id TEXT,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_pool_created
			ON work_items(pool, created_at_ms DESC)`,

		// Pending queues, consumed in (segment, rowid) order.
		`CREATE TABLE IF NOT EXISTS pending_start (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pool TEXT NOT NULL,
			work_id TEXT NOT NULL,
			segment INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_start_segment
			ON pending_start(pool, segment, id)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_start_work
			ON pending_start(pool, work_id)`,

		`CREATE TABLE IF NOT EXISTS pending_completion (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pool TEXT NOT NULL,
			work_id TEXT NOT NULL,
			segment INTEGER NOT NULL,
			result TEXT NOT NULL,
			retry_at_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_completion_segment
			ON pending_completion(pool, segment, id)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_completion_work
			ON pending_completion(pool, work_id)`,

		`CREATE TABLE IF NOT EXISTS pending_cancellation (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pool TEXT NOT NULL,
			work_id TEXT NOT NULL,
			segment INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_cancellation_segment
			ON pending_cancellation(pool, segment, id)`,

		// Failed onComplete callbacks, kept for inspection, never retried.
		`CREATE TABLE IF NOT EXISTS on_complete_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pool TEXT NOT NULL,
			work_id TEXT NOT NULL,
			result TEXT NOT NULL,
			error TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,

		// Workflows.
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			handle TEXT NOT NULL,
			args TEXT NOT NULL,
			on_complete_handle TEXT,
			on_complete_context TEXT,
			generation INTEGER NOT NULL DEFAULT 0,
			run_result TEXT,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_name
			ON workflows(name, created_at_ms DESC)`,

		// Journal entries, one per step, dense per workflow.
		`CREATE TABLE IF NOT EXISTS journal_entries (
			workflow_id TEXT NOT NULL,
			step_number INTEGER NOT NULL,
			entry TEXT NOT NULL,
			PRIMARY KEY (workflow_id, step_number)
		)`,

		// Rendezvous events.
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_lookup
			ON workflow_events(workflow_id, state, name)`,

		// Action-retrier runs.
		`CREATE TABLE IF NOT EXISTS retrier_runs (
			id TEXT PRIMARY KEY,
			handle TEXT NOT NULL,
			fn_name TEXT NOT NULL,
			args TEXT NOT NULL,
			retry TEXT NOT NULL,
			state TEXT NOT NULL,
			job_id TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at_ms INTEGER,
			result TEXT,
			completed_at_ms INTEGER,
			heartbeat_job_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_retrier_runs_state
			ON retrier_runs(state, completed_at_ms)`,

		// Cron schedules.
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE,
			kind TEXT NOT NULL,
			cronspec TEXT,
			tz TEXT,
			interval_ms INTEGER,
			handle TEXT NOT NULL,
			args TEXT NOT NULL,
			scheduled_time_ms INTEGER NOT NULL,
			scheduler_job_id TEXT,
			reschedule_token TEXT,
			exec_job_id TEXT
		)`,
	}

	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}
