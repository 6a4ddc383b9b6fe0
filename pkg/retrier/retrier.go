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

// Package retrier runs a single action with retries and a liveness
// heartbeat.
//
// It is a degenerate single-job workpool: one run, one in-flight
// scheduler entry, the same backoff policy. What it adds is the
// heartbeat — a periodic mutation that inspects the host-scheduler entry
// for the in-flight action and recovers runs whose entry was lost or
// finished without ever reporting back.
package retrier

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/scheduler"
	"github.com/tombee/durable/pkg/store"
	"github.com/tombee/durable/pkg/workpool"
)

// heartbeatInterval is the base period between liveness checks; each
// heartbeat is jittered to avoid synchronized herds.
const heartbeatInterval = 10 * time.Second

// completedRetention is how long finished runs are kept before Cleanup
// deletes them.
const completedRetention = 7 * 24 * time.Hour

// RunState is a run's lifecycle state.
type RunState string

const (
	// RunInProgress means an attempt is dispatched or between retries.
	RunInProgress RunState = "inProgress"
	// RunCompleted means the run has a terminal result.
	RunCompleted RunState = "completed"
)

// Run is a persisted retrier run.
type Run struct {
	ID          string
	Name        string
	State       RunState
	Attempts    int
	Result      *fn.RunResult
	StartedAt   time.Time
	CompletedAt time.Time
}

// Options configures a Retrier.
type Options struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Registry  *fn.Registry

	// Name namespaces the retrier's internal handles. Default "retrier".
	Name string

	// Default is the retry behavior applied when Run gets none.
	Default workpool.RetryBehavior

	Logger *slog.Logger
	Clock  func() time.Time
}

// Retrier dispatches one action at a time with retries and heartbeats.
type Retrier struct {
	store  *store.Store
	sched  *scheduler.Scheduler
	reg    *fn.Registry
	logger *slog.Logger
	clock  func() time.Time

	defaults        workpool.RetryBehavior
	executeHandle   fn.Handle
	heartbeatHandle fn.Handle
}

// New creates a retrier and registers its internal handles.
func New(opts Options) (*Retrier, error) {
	if opts.Store == nil || opts.Scheduler == nil || opts.Registry == nil {
		return nil, &errors.ValidationError{Field: "options", Message: "store, scheduler, and registry are required"}
	}
	name := opts.Name
	if name == "" {
		name = "retrier"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	defaults := opts.Default
	if defaults == (workpool.RetryBehavior{}) {
		defaults = workpool.DefaultRetryBehavior
	}

	r := &Retrier{
		store:    opts.Store,
		sched:    opts.Scheduler,
		reg:      opts.Registry,
		logger:   logger,
		clock:    clock,
		defaults: defaults,
	}
	prefix := "durable/" + name
	r.executeHandle = r.reg.RegisterAction(prefix+"/execute", r.execute)
	r.heartbeatHandle = r.reg.RegisterMutation(prefix+"/heartbeat", r.heartbeat)
	return r, nil
}

type runRef struct {
	RunID string `json:"runId"`
}

// Run starts an action with retries and returns the run id.
func (r *Retrier) Run(ctx context.Context, handle fn.Handle, args any, retry *workpool.RetryBehavior) (string, error) {
	reg, err := r.reg.Resolve(handle)
	if err != nil {
		return "", err
	}
	if reg.Type != fn.TypeAction {
		return "", &errors.ValidationError{Field: "handle", Message: "retrier only runs actions"}
	}

	raw, err := fn.MarshalArgs(args)
	if err != nil {
		return "", &errors.ValidationError{Field: "args", Message: err.Error()}
	}

	behavior := r.defaults
	if retry != nil {
		behavior = *retry
	}
	encodedRetry, err := json.Marshal(behavior)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	err = r.store.Mutate(ctx, "retrier/run", func(tx *store.Tx) error {
		now := r.clock()
		ref, err := json.Marshal(runRef{RunID: id})
		if err != nil {
			return err
		}
		jobID, err := r.sched.RunAt(tx, now, r.executeHandle, ref)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO retrier_runs
			(id, handle, fn_name, args, retry, state, job_id, attempts, started_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			id, string(handle), string(handle), string(raw), string(encodedRetry),
			string(RunInProgress), jobID, now.UnixMilli()); err != nil {
			return err
		}
		return r.scheduleHeartbeat(tx, id)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// execute is the dispatch wrapper: it runs the underlying action and
// records the attempt's outcome, retrying per policy.
func (r *Retrier) execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var ref runRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, errors.Wrap(err, "decoding run ref")
	}

	var (
		handle fn.Handle
		args   json.RawMessage
	)
	err := r.store.View(ctx, func(tx *store.Tx) error {
		run, err := r.loadRaw(tx, ref.RunID)
		if err != nil {
			return err
		}
		handle = run.handle
		args = run.args
		return nil
	})
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}

	var result fn.RunResult
	reg, err := r.reg.Resolve(handle)
	if err != nil {
		result = fn.Failed(err.Error())
	} else {
		ret, runErr := reg.Action(ctx, args)
		switch {
		case runErr == nil:
			result = fn.Success(ret)
		case ctx.Err() != nil:
			result = fn.Canceled()
		default:
			result = fn.Failed(runErr.Error())
		}
	}

	return nil, r.store.Mutate(context.WithoutCancel(ctx), "retrier/complete", func(tx *store.Tx) error {
		return r.recordAttempt(tx, ref.RunID, result)
	})
}

// recordAttempt finalizes or retries after an attempt's result is
// known. Also used by the heartbeat when it detects a dead entry.
func (r *Retrier) recordAttempt(tx *store.Tx, runID string, result fn.RunResult) error {
	run, err := r.loadRaw(tx, runID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if run.state != RunInProgress {
		return nil
	}

	if result.Kind == fn.ResultFailed && run.attempts+1 < run.retry.MaxAttempts {
		backoff := run.retry.Backoff(run.attempts)
		ref, err := json.Marshal(runRef{RunID: runID})
		if err != nil {
			return err
		}
		jobID, err := r.sched.RunAt(tx, r.clock().Add(backoff), r.executeHandle, ref)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE retrier_runs SET attempts = attempts + 1, job_id = ? WHERE id = ?`,
			jobID, runID)
		if err == nil {
			r.logger.Info("retrying action",
				"run_id", runID,
				"attempts", run.attempts+1,
				"backoff_ms", backoff.Milliseconds())
		}
		return err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE retrier_runs SET state = ?, result = ?, completed_at_ms = ? WHERE id = ?`,
		string(RunCompleted), string(encoded), r.clock().UnixMilli(), runID)
	if err != nil {
		return err
	}
	r.logger.Debug("run completed", "run_id", runID, "result", string(result.Kind))
	return nil
}

// scheduleHeartbeat arms the next liveness check, jittered so a crowd
// of runs does not probe in lockstep.
func (r *Retrier) scheduleHeartbeat(tx *store.Tx, runID string) error {
	ref, err := json.Marshal(runRef{RunID: runID})
	if err != nil {
		return err
	}
	jitter := time.Duration(rand.Int63n(int64(heartbeatInterval) / 2))
	at := r.clock().Add(heartbeatInterval/2 + jitter)
	jobID, err := r.sched.RunAt(tx, at, r.heartbeatHandle, ref)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE retrier_runs SET heartbeat_job_id = ? WHERE id = ?`, jobID, runID)
	return err
}

// heartbeat inspects the host-scheduler entry for the in-flight attempt.
// A lost or dead entry that never reported back is treated as a
// transient failure and retried; a canceled one finalizes the run.
func (r *Retrier) heartbeat(ctx context.Context, tx *store.Tx, raw json.RawMessage) (json.RawMessage, error) {
	var ref runRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, errors.Wrap(err, "decoding heartbeat ref")
	}

	run, err := r.loadRaw(tx, ref.RunID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	if run.state != RunInProgress {
		return nil, nil
	}

	job, err := r.sched.Lookup(tx, run.jobID)
	if err != nil {
		var notFound *errors.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// Entry vanished: infrastructure lost the dispatch.
		if rerr := r.recordAttempt(tx, ref.RunID, fn.Failed("scheduler entry lost")); rerr != nil {
			return nil, rerr
		}
	} else {
		switch job.State {
		case scheduler.StateFailed:
			// The wrapper died before it could record the failure.
			if rerr := r.recordAttempt(tx, ref.RunID, fn.Failed(job.Error)); rerr != nil {
				return nil, rerr
			}
		case scheduler.StateCanceled:
			if rerr := r.recordAttempt(tx, ref.RunID, fn.Canceled()); rerr != nil {
				return nil, rerr
			}
		}
	}

	// Re-arm while the run is still live.
	run, err = r.loadRaw(tx, ref.RunID)
	if err == nil && run.state == RunInProgress {
		return nil, r.scheduleHeartbeat(tx, ref.RunID)
	}
	return nil, nil
}

// Cancel cancels an in-progress run.
func (r *Retrier) Cancel(ctx context.Context, runID string) error {
	return r.store.Mutate(ctx, "retrier/cancel", func(tx *store.Tx) error {
		run, err := r.loadRaw(tx, runID)
		if err != nil {
			return err
		}
		if run.state != RunInProgress {
			return nil
		}
		if run.jobID != "" {
			if err := r.sched.Cancel(tx, run.jobID); err != nil {
				return err
			}
		}
		return r.recordAttempt(tx, runID, fn.Canceled())
	})
}

// Status returns the run's current state.
func (r *Retrier) Status(ctx context.Context, runID string) (*Run, error) {
	var run *Run
	err := r.store.View(ctx, func(tx *store.Tx) error {
		raw, err := r.loadRaw(tx, runID)
		if err != nil {
			return err
		}
		run = raw.public()
		return nil
	})
	return run, err
}

// Cleanup deletes completed runs older than the retention window and
// returns how many were removed.
func (r *Retrier) Cleanup(ctx context.Context) (int, error) {
	var removed int
	err := r.store.Mutate(ctx, "retrier/cleanup", func(tx *store.Tx) error {
		cutoff := r.clock().Add(-completedRetention).UnixMilli()
		res, err := tx.Exec(`DELETE FROM retrier_runs WHERE state = ? AND completed_at_ms <= ?`,
			string(RunCompleted), cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

// rawRun is the persisted row.
type rawRun struct {
	id          string
	handle      fn.Handle
	args        json.RawMessage
	retry       workpool.RetryBehavior
	state       RunState
	jobID       string
	attempts    int
	startedAt   int64
	result      *fn.RunResult
	completedAt int64
}

func (rr *rawRun) public() *Run {
	run := &Run{
		ID:        rr.id,
		Name:      string(rr.handle),
		State:     rr.state,
		Attempts:  rr.attempts,
		Result:    rr.result,
		StartedAt: time.UnixMilli(rr.startedAt),
	}
	if rr.completedAt != 0 {
		run.CompletedAt = time.UnixMilli(rr.completedAt)
	}
	return run
}

func (r *Retrier) loadRaw(tx *store.Tx, runID string) (*rawRun, error) {
	row := tx.QueryRow(`SELECT id, handle, args, retry, state, job_id, attempts,
			started_at_ms, result, completed_at_ms
		FROM retrier_runs WHERE id = ?`, runID)

	var (
		run         rawRun
		handle      string
		args, retry string
		state       string
		jobID       sql.NullString
		startedAt   sql.NullInt64
		result      sql.NullString
		completedAt sql.NullInt64
	)
	err := row.Scan(&run.id, &handle, &args, &retry, &state, &jobID, &run.attempts,
		&startedAt, &result, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, err
	}
	run.handle = fn.Handle(handle)
	run.args = json.RawMessage(args)
	run.state = RunState(state)
	run.jobID = jobID.String
	run.startedAt = startedAt.Int64
	run.completedAt = completedAt.Int64
	if err := json.Unmarshal([]byte(retry), &run.retry); err != nil {
		return nil, errors.Wrap(err, "decoding retry behavior")
	}
	if result.Valid {
		run.result = &fn.RunResult{}
		if err := json.Unmarshal([]byte(result.String), run.result); err != nil {
			return nil, errors.Wrap(err, "decoding run result")
		}
	}
	return &run, nil
}
