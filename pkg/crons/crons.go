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

// Package crons provides persistent interval and cron schedules.
//
// Each registered cron owns exactly one pending scheduler entry: its
// rescheduler. The rescheduler runs atomically — it verifies it is still
// the entry the cron row points at (a replaced schedule makes the old
// entry a no-op), dispatches the user function unless the previous
// dispatch is still running, computes the next fire time from the row's
// own scheduled time so drift does not accumulate, and writes the fresh
// entry in the same transaction.
package crons

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/scheduler"
	"github.com/tombee/durable/pkg/store"
)

// minInterval is the smallest allowed interval schedule.
const minInterval = time.Second

// Schedule is either an interval or a cron expression.
type Schedule struct {
	// Interval fires every fixed duration. Minimum one second.
	Interval time.Duration

	// Cronspec is a 5-field cron expression; mutually exclusive with
	// Interval.
	Cronspec string

	// TZ is the IANA timezone cron expressions evaluate in.
	// Default UTC.
	TZ string
}

// Interval returns an interval schedule.
func Interval(d time.Duration) Schedule {
	return Schedule{Interval: d}
}

// Cron returns a cron schedule in the given timezone (UTC when tz is
// empty).
func Cron(spec, tz string) Schedule {
	return Schedule{Cronspec: spec, TZ: tz}
}

// Cronjob is a registered schedule.
type Cronjob struct {
	ID            string
	Name          string
	Schedule      Schedule
	ScheduledTime time.Time
}

// Options configures a Crons instance.
type Options struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Registry  *fn.Registry

	// Name namespaces the rescheduler handle. Default "crons".
	Name string

	Logger *slog.Logger
	Clock  func() time.Time
}

// Crons manages persistent schedules.
type Crons struct {
	store  *store.Store
	sched  *scheduler.Scheduler
	reg    *fn.Registry
	logger *slog.Logger
	clock  func() time.Time

	rescheduleHandle fn.Handle
}

// New creates a crons instance and registers its rescheduler handle.
func New(opts Options) (*Crons, error) {
	if opts.Store == nil || opts.Scheduler == nil || opts.Registry == nil {
		return nil, &errors.ValidationError{Field: "options", Message: "store, scheduler, and registry are required"}
	}
	name := opts.Name
	if name == "" {
		name = "crons"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &Crons{
		store:  opts.Store,
		sched:  opts.Scheduler,
		reg:    opts.Registry,
		logger: logger,
		clock:  clock,
	}
	c.rescheduleHandle = c.reg.RegisterMutation("durable/"+name+"/reschedule", c.reschedule)
	return c, nil
}

// Register adds a schedule dispatching handle(args) and returns the
// cron id. Name, if non-empty, must be unique and can address the cron
// in Delete and Get.
func (c *Crons) Register(ctx context.Context, name string, schedule Schedule, handle fn.Handle, args any) (string, error) {
	if _, err := c.reg.Resolve(handle); err != nil {
		return "", err
	}
	if err := validateSchedule(schedule); err != nil {
		return "", err
	}
	raw, err := fn.MarshalArgs(args)
	if err != nil {
		return "", &errors.ValidationError{Field: "args", Message: err.Error()}
	}

	id := uuid.NewString()
	err = c.store.Mutate(ctx, "crons/register", func(tx *store.Tx) error {
		now := c.clock()
		next, err := nextFire(schedule, now, now)
		if err != nil {
			return err
		}

		var kind string
		var intervalMs any
		var cronspec, tz any
		if schedule.Interval > 0 {
			kind = "interval"
			intervalMs = schedule.Interval.Milliseconds()
		} else {
			kind = "cron"
			cronspec = schedule.Cronspec
			if schedule.TZ != "" {
				tz = schedule.TZ
			}
		}

		var nameVal any
		if name != "" {
			nameVal = name
		}
		if _, err := tx.Exec(`INSERT INTO cron_jobs
			(id, name, kind, cronspec, tz, interval_ms, handle, args, scheduled_time_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, nameVal, kind, cronspec, tz, intervalMs, string(handle), string(raw),
			next.UnixMilli()); err != nil {
			return errors.Wrap(err, "inserting cron")
		}
		return c.armRescheduler(tx, id, next)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

type rescheduleArgs struct {
	CronID string `json:"cronId"`
	JobID  string `json:"jobId"`
}

// armRescheduler writes the next rescheduler entry and points the cron
// row at it.
func (c *Crons) armRescheduler(tx *store.Tx, cronID string, at time.Time) error {
	jobID := uuid.NewString()
	args, err := json.Marshal(rescheduleArgs{CronID: cronID, JobID: jobID})
	if err != nil {
		return err
	}
	// The entry id is chosen by the scheduler; the token in the args is
	// ours, persisted so a queued rescheduler can prove it still owns
	// the cron.
	schedID, err := c.sched.RunAt(tx, at, c.rescheduleHandle, args)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE cron_jobs SET scheduler_job_id = ?, reschedule_token = ?, scheduled_time_ms = ? WHERE id = ?`,
		schedID, jobID, at.UnixMilli(), cronID)
	return err
}

// reschedule is one atomic tick of a cron: verify ownership, dispatch,
// compute the next fire time, re-arm.
func (c *Crons) reschedule(ctx context.Context, tx *store.Tx, raw json.RawMessage) (json.RawMessage, error) {
	var args rescheduleArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "decoding reschedule args")
	}

	cron, err := c.loadCron(tx, args.CronID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}

	// Someone replaced or deleted our entry while we were queued; a
	// newer rescheduler owns this cron now.
	if cron.rescheduleToken != args.JobID {
		c.logger.Debug("stale cron rescheduler", "cron_id", args.CronID)
		return nil, nil
	}

	// Skip the dispatch if the previous execution is still in flight.
	dispatch := true
	if cron.execJobID != "" {
		job, err := c.sched.Lookup(tx, cron.execJobID)
		if err == nil && !job.State.Terminal() {
			dispatch = false
			c.logger.Warn("skipping cron dispatch; previous execution still running",
				"cron_id", cron.id)
		}
	}

	execJobID := cron.execJobID
	if dispatch {
		execJobID, err = c.sched.RunAt(tx, c.clock(), cron.handle, cron.args)
		if err != nil {
			return nil, err
		}
	}

	now := c.clock()
	next, err := nextFire(cron.schedule, cron.scheduledTime, now)
	if err != nil {
		return nil, err
	}

	if err := c.armReschedulerWithExec(tx, cron.id, next, execJobID); err != nil {
		return nil, err
	}

	c.logger.Debug("cron tick",
		"cron_id", cron.id,
		"dispatched", dispatch,
		"next", next.Format(time.RFC3339))
	return nil, nil
}

func (c *Crons) armReschedulerWithExec(tx *store.Tx, cronID string, at time.Time, execJobID string) error {
	jobID := uuid.NewString()
	args, err := json.Marshal(rescheduleArgs{CronID: cronID, JobID: jobID})
	if err != nil {
		return err
	}
	schedID, err := c.sched.RunAt(tx, at, c.rescheduleHandle, args)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE cron_jobs SET scheduler_job_id = ?, reschedule_token = ?, exec_job_id = ?, scheduled_time_ms = ? WHERE id = ?`,
		schedID, jobID, nullableStr(execJobID), at.UnixMilli(), cronID)
	return err
}

// Delete removes a cron by id or name, canceling its pending
// rescheduler and any executing dispatch.
func (c *Crons) Delete(ctx context.Context, idOrName string) error {
	return c.store.Mutate(ctx, "crons/delete", func(tx *store.Tx) error {
		cron, err := c.loadCronByIDOrName(tx, idOrName)
		if err != nil {
			return err
		}
		if cron.schedulerJobID != "" {
			if err := c.sched.Cancel(tx, cron.schedulerJobID); err != nil {
				return err
			}
		}
		if cron.execJobID != "" {
			if err := c.sched.Cancel(tx, cron.execJobID); err != nil {
				return err
			}
		}
		_, err = tx.Exec(`DELETE FROM cron_jobs WHERE id = ?`, cron.id)
		return err
	})
}

// Get returns a cron by id or name.
func (c *Crons) Get(ctx context.Context, idOrName string) (*Cronjob, error) {
	var job *Cronjob
	err := c.store.View(ctx, func(tx *store.Tx) error {
		cron, err := c.loadCronByIDOrName(tx, idOrName)
		if err != nil {
			return err
		}
		job = cron.public()
		return nil
	})
	return job, err
}

// List returns all registered crons.
func (c *Crons) List(ctx context.Context) ([]*Cronjob, error) {
	var jobs []*Cronjob
	err := c.store.View(ctx, func(tx *store.Tx) error {
		rows, err := tx.Query(`SELECT id FROM cron_jobs ORDER BY id`)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			cron, err := c.loadCron(tx, id)
			if err != nil {
				return err
			}
			jobs = append(jobs, cron.public())
		}
		return nil
	})
	return jobs, err
}

func validateSchedule(s Schedule) error {
	if s.Interval > 0 && s.Cronspec != "" {
		return &errors.ValidationError{Field: "schedule", Message: "interval and cronspec are mutually exclusive"}
	}
	if s.Interval > 0 {
		if s.Interval < minInterval {
			return &errors.ValidationError{
				Field:      "interval",
				Message:    "must be at least one second",
				Suggestion: "use a cron expression for coarser schedules",
			}
		}
		return nil
	}
	if s.Cronspec == "" {
		return &errors.ValidationError{Field: "schedule", Message: "either interval or cronspec is required"}
	}
	if _, err := ParseExpression(s.Cronspec); err != nil {
		return &errors.ValidationError{Field: "cronspec", Message: err.Error()}
	}
	if s.TZ != "" {
		if _, err := time.LoadLocation(s.TZ); err != nil {
			return &errors.ValidationError{Field: "tz", Message: err.Error()}
		}
	}
	return nil
}

// nextFire computes the fire time after base that is also in the
// future relative to now. Interval schedules stride from base so a
// delayed tick does not shift the cadence.
func nextFire(s Schedule, base, now time.Time) (time.Time, error) {
	if s.Interval > 0 {
		next := base.Add(s.Interval)
		for !next.After(now) {
			next = next.Add(s.Interval)
		}
		return next, nil
	}

	loc := time.UTC
	if s.TZ != "" {
		var err error
		loc, err = time.LoadLocation(s.TZ)
		if err != nil {
			return time.Time{}, err
		}
	}
	expr, err := ParseExpression(s.Cronspec)
	if err != nil {
		return time.Time{}, err
	}
	from := base
	if now.After(from) {
		from = now
	}
	next := expr.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, &errors.ValidationError{Field: "cronspec", Message: "expression never fires"}
	}
	return next, nil
}

// rawCron is the persisted row.
type rawCron struct {
	id              string
	name            string
	schedule        Schedule
	handle          fn.Handle
	args            json.RawMessage
	scheduledTime   time.Time
	schedulerJobID  string
	execJobID       string
	rescheduleToken string
}

func (rc *rawCron) public() *Cronjob {
	return &Cronjob{
		ID:            rc.id,
		Name:          rc.name,
		Schedule:      rc.schedule,
		ScheduledTime: rc.scheduledTime,
	}
}

func (c *Crons) loadCron(tx *store.Tx, id string) (*rawCron, error) {
	row := tx.QueryRow(`SELECT id, name, kind, cronspec, tz, interval_ms, handle, args,
			scheduled_time_ms, scheduler_job_id, reschedule_token, exec_job_id
		FROM cron_jobs WHERE id = ?`, id)
	return c.scanCron(row, id)
}

func (c *Crons) loadCronByIDOrName(tx *store.Tx, idOrName string) (*rawCron, error) {
	cron, err := c.loadCron(tx, idOrName)
	if err == nil {
		return cron, nil
	}
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	row := tx.QueryRow(`SELECT id, name, kind, cronspec, tz, interval_ms, handle, args,
			scheduled_time_ms, scheduler_job_id, reschedule_token, exec_job_id
		FROM cron_jobs WHERE name = ?`, idOrName)
	return c.scanCron(row, idOrName)
}

func (c *Crons) scanCron(row *sql.Row, id string) (*rawCron, error) {
	var (
		cron                    rawCron
		name                    sql.NullString
		kind                    string
		cronspec, tz            sql.NullString
		intervalMs              sql.NullInt64
		handle, args            string
		scheduledTimeMs         int64
		schedulerJobID, execJob sql.NullString
		token                   sql.NullString
	)
	err := row.Scan(&cron.id, &name, &kind, &cronspec, &tz, &intervalMs, &handle, &args,
		&scheduledTimeMs, &schedulerJobID, &token, &execJob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "cron", ID: id}
		}
		return nil, err
	}
	cron.name = name.String
	if kind == "interval" {
		cron.schedule = Schedule{Interval: time.Duration(intervalMs.Int64) * time.Millisecond}
	} else {
		cron.schedule = Schedule{Cronspec: cronspec.String, TZ: tz.String}
	}
	cron.handle = fn.Handle(handle)
	cron.args = json.RawMessage(args)
	cron.scheduledTime = time.UnixMilli(scheduledTimeMs)
	cron.schedulerJobID = schedulerJobID.String
	cron.rescheduleToken = token.String
	cron.execJobID = execJob.String
	return &cron, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
