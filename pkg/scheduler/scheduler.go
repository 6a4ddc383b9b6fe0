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

// Package scheduler provides the deferred-function scheduler: run a
// registered function at a wall-clock time, with entries that are
// inspectable and cancelable from inside mutations.
//
// Entries move pending → inProgress → success | failed, or are canceled.
// Scheduling is transactional: RunAt inserts the entry inside the
// caller's transaction, so an entry exists if and only if the mutation
// that scheduled it committed.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/metrics"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/store"
)

// State is the lifecycle state of a scheduler entry.
type State string

const (
	// StatePending means the entry is waiting for its run time.
	StatePending State = "pending"
	// StateInProgress means the entry has been claimed and is executing.
	StateInProgress State = "inProgress"
	// StateSuccess means the function returned normally.
	StateSuccess State = "success"
	// StateFailed means the function returned an error.
	StateFailed State = "failed"
	// StateCanceled means the entry was canceled before it finished.
	StateCanceled State = "canceled"
)

// Terminal reports whether the state is a final one.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCanceled
}

// Job is a scheduler entry.
type Job struct {
	ID     string
	Handle fn.Handle
	Type   fn.Type
	Args   json.RawMessage
	RunAt  time.Time
	State  State
	Result json.RawMessage
	Error  string
}

// Options configures a Scheduler.
type Options struct {
	// Logger receives dispatch logging. Defaults to a discarding logger.
	Logger *slog.Logger

	// Workers bounds how many actions execute concurrently. Mutations
	// and queries are serialized by the store regardless. Default: 16.
	Workers int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Scheduler executes deferred functions at their scheduled times.
type Scheduler struct {
	store  *store.Store
	reg    *fn.Registry
	logger *slog.Logger
	clock  func() time.Time
	tracer trace.Tracer

	sem     chan struct{}
	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
	limiter *rate.Limiter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a scheduler over the given store and registry. Call Start
// to begin dispatching.
func New(st *store.Store, reg *fn.Registry, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 16
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		store:  st,
		reg:    reg,
		logger: logger,
		clock:  clock,
		tracer: otel.Tracer("durable/scheduler"),
		sem:    make(chan struct{}, workers),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		// A persistently failing claim loop must not spin hot.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		cancels: make(map[string]context.CancelFunc),
	}
}

// RunAt schedules handle(args) to run at the given time, inserting the
// entry inside the caller's transaction. The run loop wakes once the
// transaction commits.
func (s *Scheduler) RunAt(tx *store.Tx, at time.Time, handle fn.Handle, args json.RawMessage) (string, error) {
	reg, err := s.reg.Resolve(handle)
	if err != nil {
		return "", err
	}

	canonical, err := fn.Canonical(args)
	if err != nil {
		return "", &errors.ValidationError{Field: "args", Message: err.Error()}
	}

	id := uuid.NewString()
	now := s.clock().UnixMilli()
	_, err = tx.Exec(`INSERT INTO scheduler_jobs
		(id, handle, fn_type, args, run_at_ms, state, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(handle), string(reg.Type), string(canonical), at.UnixMilli(), string(StatePending), now, now)
	if err != nil {
		return "", errors.Wrap(err, "inserting scheduler entry")
	}

	tx.AfterCommit(s.Wake)
	return id, nil
}

// Cancel cancels a scheduler entry inside the caller's transaction.
// Pending entries are marked canceled and never run. In-progress entries
// are marked canceled and their context is canceled once the transaction
// commits; the function may still finish, but its result is dropped.
// Canceling a terminal entry is a no-op.
func (s *Scheduler) Cancel(tx *store.Tx, id string) error {
	job, err := s.Lookup(tx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	now := s.clock().UnixMilli()
	if _, err := tx.Exec(`UPDATE scheduler_jobs SET state = ?, updated_at_ms = ? WHERE id = ?`,
		string(StateCanceled), now, id); err != nil {
		return errors.Wrap(err, "canceling scheduler entry")
	}

	if job.State == StateInProgress {
		tx.AfterCommit(func() {
			s.mu.Lock()
			cancel := s.cancels[id]
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		})
	}
	return nil
}

// Lookup returns the scheduler entry with the given id.
func (s *Scheduler) Lookup(tx *store.Tx, id string) (*Job, error) {
	row := tx.QueryRow(`SELECT id, handle, fn_type, args, run_at_ms, state, result, error
		FROM scheduler_jobs WHERE id = ?`, id)
	return scanJob(row, id)
}

func scanJob(row *sql.Row, id string) (*Job, error) {
	var (
		job          Job
		handle, typ  string
		args         string
		runAtMs      int64
		state        string
		result, errS sql.NullString
	)
	if err := row.Scan(&job.ID, &handle, &typ, &args, &runAtMs, &state, &result, &errS); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "scheduler entry", ID: id}
		}
		return nil, err
	}
	job.Handle = fn.Handle(handle)
	job.Type = fn.Type(typ)
	job.Args = json.RawMessage(args)
	job.RunAt = time.UnixMilli(runAtMs)
	job.State = State(state)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errS.Valid {
		job.Error = errS.String
	}
	return &job, nil
}

// Wake nudges the run loop to re-check for due work. Safe to call from
// anywhere; coalesces.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the run loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop shuts the run loop down and waits for in-flight executions, up to
// the context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stopCh)
	<-s.doneCh

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	for {
		due, next, err := s.claimDue()
		if err != nil {
			s.logger.Error("claiming due scheduler entries", "error", err)
			// Back off before the next pass.
			_ = s.limiter.Wait(context.Background())
		}

		for _, job := range due {
			s.wg.Add(1)
			go s.execute(job)
		}

		var timerC <-chan time.Time
		if !next.IsZero() {
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			timerC = timer.C
			select {
			case <-s.stopCh:
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
			case <-timerC:
			}
			continue
		}

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		}
	}
}

// claimDue transitions due pending entries to inProgress and returns
// them, along with the run time of the earliest entry still pending.
func (s *Scheduler) claimDue() ([]*Job, time.Time, error) {
	var (
		claimed []*Job
		next    time.Time
	)
	now := s.clock()
	err := s.store.Mutate(context.Background(), "scheduler/claim", func(tx *store.Tx) error {
		claimed = claimed[:0]
		next = time.Time{}

		rows, err := tx.Query(`SELECT id, handle, fn_type, args, run_at_ms
			FROM scheduler_jobs
			WHERE state = ? AND run_at_ms <= ?
			ORDER BY run_at_ms, id LIMIT 64`,
			string(StatePending), now.UnixMilli())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				job         Job
				handle, typ string
				args        string
				runAtMs     int64
			)
			if err := rows.Scan(&job.ID, &handle, &typ, &args, &runAtMs); err != nil {
				return err
			}
			job.Handle = fn.Handle(handle)
			job.Type = fn.Type(typ)
			job.Args = json.RawMessage(args)
			job.RunAt = time.UnixMilli(runAtMs)
			job.State = StateInProgress
			claimed = append(claimed, &job)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, job := range claimed {
			if _, err := tx.Exec(`UPDATE scheduler_jobs SET state = ?, updated_at_ms = ? WHERE id = ?`,
				string(StateInProgress), now.UnixMilli(), job.ID); err != nil {
				return err
			}
		}

		var nextMs sql.NullInt64
		if err := tx.QueryRow(`SELECT MIN(run_at_ms) FROM scheduler_jobs WHERE state = ?`,
			string(StatePending)).Scan(&nextMs); err != nil {
			return err
		}
		if nextMs.Valid {
			next = time.UnixMilli(nextMs.Int64)
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return claimed, next, nil
}

// execute runs a claimed entry and records its terminal state. The
// terminal write is conditional on the entry still being inProgress, so
// a concurrent Cancel wins and the late result is dropped.
func (s *Scheduler) execute(job *Job) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, job.ID)
		s.mu.Unlock()
	}()

	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch",
		trace.WithAttributes(
			attribute.String("durable.handle", string(job.Handle)),
			attribute.String("durable.fn_type", string(job.Type)),
		))
	defer span.End()

	start := s.clock()
	result, runErr := s.invoke(ctx, job)

	state := StateSuccess
	errMsg := ""
	if runErr != nil {
		state = StateFailed
		errMsg = runErr.Error()
	}

	err := s.store.Mutate(context.Background(), "scheduler/complete", func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE scheduler_jobs
			SET state = ?, result = ?, error = ?, updated_at_ms = ?
			WHERE id = ? AND state = ?`,
			string(state), nullable(result), nullableStr(errMsg), s.clock().UnixMilli(),
			job.ID, string(StateInProgress))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			s.logger.Debug("dropping result for canceled entry", log.JobIDKey, job.ID)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("recording scheduler result", log.JobIDKey, job.ID, "error", err)
	}
	metrics.RecordDispatch(string(state))

	level := slog.LevelDebug
	if runErr != nil {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "scheduler entry finished",
		log.JobIDKey, job.ID,
		"handle", string(job.Handle),
		"state", string(state),
		log.DurationKey, s.clock().Sub(start).Milliseconds())
}

func (s *Scheduler) invoke(ctx context.Context, job *Job) (json.RawMessage, error) {
	reg, err := s.reg.Resolve(job.Handle)
	if err != nil {
		return nil, err
	}

	switch reg.Type {
	case fn.TypeQuery:
		var result json.RawMessage
		err := s.store.View(ctx, func(tx *store.Tx) error {
			var qerr error
			result, qerr = reg.Query(ctx, tx, job.Args)
			return qerr
		})
		return result, err
	case fn.TypeMutation:
		var result json.RawMessage
		err := s.store.Mutate(ctx, "fn/"+string(job.Handle), func(tx *store.Tx) error {
			var merr error
			result, merr = reg.Mutation(ctx, tx, job.Args)
			return merr
		})
		return result, err
	case fn.TypeAction:
		// Actions may block on I/O; bound their concurrency.
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-s.sem }()
		return reg.Action(ctx, job.Args)
	default:
		return nil, &errors.ValidationError{Field: "fn_type", Message: "unknown function type " + string(reg.Type)}
	}
}

func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
