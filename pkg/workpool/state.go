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

package workpool

import (
	"database/sql"
	"encoding/json"
	"slices"
	"time"

	"github.com/tombee/durable/internal/segment"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/store"
)

// runStatusKind is the scheduling state of a pool's main loop.
type runStatusKind string

const (
	statusIdle      runStatusKind = "idle"
	statusScheduled runStatusKind = "scheduled"
	statusRunning   runStatusKind = "running"
)

// runStatus is the per-pool singleton that drives kick semantics:
// exactly one main loop is running or scheduled at any time.
type runStatus struct {
	Kind        runStatusKind
	Segment     segment.Segment
	ScheduledID string
	Saturated   bool
	Generation  int64
}

// internalState is the per-pool singleton advanced by each loop tick.
type internalState struct {
	Generation int64
	InProgress []string
}

func (st *internalState) removeInProgress(workID string) {
	st.InProgress = slices.DeleteFunc(st.InProgress, func(id string) bool {
		return id == workID
	})
}

// workItem is the persisted form of an enqueued invocation.
type workItem struct {
	ID         string
	Handle     fn.Handle
	Name       string
	Type       fn.Type
	Args       json.RawMessage
	RunAt      time.Time
	Attempts   int
	Retry      *RetryPolicy
	OnComplete *OnComplete
	JobID      string
	CreatedAt  time.Time
}

func (p *Pool) loadRunStatus(tx *store.Tx) (*runStatus, error) {
	row := tx.QueryRow(`SELECT kind, segment, scheduled_id, saturated, generation
		FROM pool_run_status WHERE pool = ?`, p.name)

	var (
		kind        string
		seg         sql.NullInt64
		scheduledID sql.NullString
		saturated   int
		generation  int64
	)
	if err := row.Scan(&kind, &seg, &scheduledID, &saturated, &generation); err != nil {
		if err == sql.ErrNoRows {
			return &runStatus{Kind: statusIdle}, nil
		}
		return nil, err
	}
	return &runStatus{
		Kind:        runStatusKind(kind),
		Segment:     segment.Segment(seg.Int64),
		ScheduledID: scheduledID.String,
		Saturated:   saturated != 0,
		Generation:  generation,
	}, nil
}

func (p *Pool) saveRunStatus(tx *store.Tx, rs *runStatus) error {
	saturated := 0
	if rs.Saturated {
		saturated = 1
	}
	_, err := tx.Exec(`INSERT INTO pool_run_status (pool, kind, segment, scheduled_id, saturated, generation)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pool) DO UPDATE SET
			kind = excluded.kind,
			segment = excluded.segment,
			scheduled_id = excluded.scheduled_id,
			saturated = excluded.saturated,
			generation = excluded.generation`,
		p.name, string(rs.Kind), int64(rs.Segment), nullableStr(rs.ScheduledID), saturated, rs.Generation)
	return err
}

func (p *Pool) loadState(tx *store.Tx) (*internalState, error) {
	row := tx.QueryRow(`SELECT generation, in_progress FROM pool_state WHERE pool = ?`, p.name)

	var (
		generation int64
		inProgress string
	)
	if err := row.Scan(&generation, &inProgress); err != nil {
		if err == sql.ErrNoRows {
			return &internalState{}, nil
		}
		return nil, err
	}
	st := &internalState{Generation: generation}
	if err := json.Unmarshal([]byte(inProgress), &st.InProgress); err != nil {
		return nil, errors.Wrap(err, "decoding in-progress ids")
	}
	return st, nil
}

func (p *Pool) saveState(tx *store.Tx, st *internalState) error {
	if st.InProgress == nil {
		st.InProgress = []string{}
	}
	encoded, err := json.Marshal(st.InProgress)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO pool_state (pool, generation, in_progress)
		VALUES (?, ?, ?)
		ON CONFLICT(pool) DO UPDATE SET
			generation = excluded.generation,
			in_progress = excluded.in_progress`,
		p.name, st.Generation, string(encoded))
	return err
}

func (p *Pool) loadGlobals(tx *store.Tx) (*Config, error) {
	row := tx.QueryRow(`SELECT max_parallelism, log_level, default_retry, retry_actions_by_default
		FROM pool_globals WHERE pool = ?`, p.name)

	var (
		maxParallelism int
		logLevel       string
		defaultRetry   sql.NullString
		retryActions   int
	)
	if err := row.Scan(&maxParallelism, &logLevel, &defaultRetry, &retryActions); err != nil {
		if err == sql.ErrNoRows {
			cfg := defaultConfig()
			return &cfg, nil
		}
		return nil, err
	}

	cfg := Config{
		MaxParallelism:        maxParallelism,
		LogLevel:              logLevel,
		DefaultRetryBehavior:  DefaultRetryBehavior,
		RetryActionsByDefault: retryActions != 0,
	}
	if defaultRetry.Valid {
		if err := json.Unmarshal([]byte(defaultRetry.String), &cfg.DefaultRetryBehavior); err != nil {
			return nil, errors.Wrap(err, "decoding default retry behavior")
		}
	}
	return &cfg, nil
}

func (p *Pool) saveGlobals(tx *store.Tx, cfg *Config) error {
	encoded, err := json.Marshal(cfg.DefaultRetryBehavior)
	if err != nil {
		return err
	}
	retryActions := 0
	if cfg.RetryActionsByDefault {
		retryActions = 1
	}
	_, err = tx.Exec(`INSERT INTO pool_globals (pool, max_parallelism, log_level, default_retry, retry_actions_by_default)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pool) DO UPDATE SET
			max_parallelism = excluded.max_parallelism,
			log_level = excluded.log_level,
			default_retry = excluded.default_retry,
			retry_actions_by_default = excluded.retry_actions_by_default`,
		p.name, cfg.MaxParallelism, cfg.LogLevel, string(encoded), retryActions)
	return err
}

func (p *Pool) loadItem(tx *store.Tx, workID string) (*workItem, error) {
	row := tx.QueryRow(`SELECT id, handle, fn_name, fn_type, args, run_at_ms, attempts,
			retry, on_complete_handle, on_complete_context, job_id, created_at_ms
		FROM work_items WHERE id = ? AND pool = ?`, workID, p.name)

	var (
		item              workItem
		handle, typ, args string
		runAtMs           int64
		retry             sql.NullString
		ocHandle          sql.NullString
		ocContext         sql.NullString
		jobID             sql.NullString
		createdAtMs       int64
	)
	err := row.Scan(&item.ID, &handle, &item.Name, &typ, &args, &runAtMs, &item.Attempts,
		&retry, &ocHandle, &ocContext, &jobID, &createdAtMs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "work item", ID: workID}
		}
		return nil, err
	}

	item.Handle = fn.Handle(handle)
	item.Type = fn.Type(typ)
	item.Args = json.RawMessage(args)
	item.RunAt = time.UnixMilli(runAtMs)
	item.JobID = jobID.String
	item.CreatedAt = time.UnixMilli(createdAtMs)
	if retry.Valid {
		item.Retry = &RetryPolicy{}
		if err := json.Unmarshal([]byte(retry.String), item.Retry); err != nil {
			return nil, errors.Wrap(err, "decoding retry policy")
		}
	}
	if ocHandle.Valid {
		item.OnComplete = &OnComplete{Handle: fn.Handle(ocHandle.String)}
		if ocContext.Valid {
			item.OnComplete.Context = json.RawMessage(ocContext.String)
		}
	}
	return &item, nil
}

// effectiveRetry resolves the retry behavior for an item given the pool
// configuration. Nil means the item never retries.
func effectiveRetry(item *workItem, cfg *Config) *RetryBehavior {
	if item.Type != fn.TypeAction {
		return nil
	}
	policy := item.Retry
	if policy == nil {
		if cfg.RetryActionsByDefault {
			b := cfg.DefaultRetryBehavior
			return &b
		}
		return nil
	}
	switch policy.Kind {
	case "none":
		return nil
	case "custom":
		if policy.Behavior != nil {
			b := *policy.Behavior
			return &b
		}
		fallthrough
	default:
		b := cfg.DefaultRetryBehavior
		return &b
	}
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
