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
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/metrics"
	"github.com/tombee/durable/internal/segment"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/store"
)

type mainArgs struct {
	Generation int64           `json:"generation"`
	Segment    segment.Segment `json:"segment"`
}

// mainLoop is one tick of the pool's single-writer loop. It drains the
// three pending queues up to its segment, dispatches admitted starts,
// and reschedules itself. Ticks with a stale generation abort silently:
// a newer tick owns the pool.
func (p *Pool) mainLoop(ctx context.Context, tx *store.Tx, raw json.RawMessage) (json.RawMessage, error) {
	started := time.Now()

	var args mainArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "decoding main loop args")
	}

	st, err := p.loadState(tx)
	if err != nil {
		return nil, err
	}
	if st.Generation != args.Generation {
		p.logger.Debug("stale main loop tick",
			log.GenerationKey, args.Generation,
			"current_generation", st.Generation)
		return nil, nil
	}

	cfg, err := p.loadGlobals(tx)
	if err != nil {
		return nil, err
	}

	budget := maxItemsPerTick
	hitCap := false

	if err := p.drainCancellations(ctx, tx, args.Segment, &budget, &hitCap); err != nil {
		return nil, err
	}
	if err := p.drainCompletions(ctx, tx, st, args.Segment, &budget, &hitCap); err != nil {
		return nil, err
	}
	if err := p.drainStarts(tx, st, cfg, args.Segment, &budget, &hitCap); err != nil {
		return nil, err
	}
	if err := p.reschedule(tx, st, args.Segment, hitCap); err != nil {
		return nil, err
	}

	metrics.RecordInProgress(p.name, len(st.InProgress))
	metrics.ObserveTick(p.name, time.Since(started).Seconds())
	return nil, nil
}

// drainCancellations handles pending cancellations up to seg: cancel the
// host-scheduler entry if it has not finished, drop any queued start,
// and synthesize a canceled completion for this same tick to finalize.
func (p *Pool) drainCancellations(ctx context.Context, tx *store.Tx, seg segment.Segment, budget *int, hitCap *bool) error {
	rows, err := tx.Query(`SELECT id, work_id FROM pending_cancellation
		WHERE pool = ? AND segment <= ? ORDER BY segment, id LIMIT ?`,
		p.name, int64(seg), *budget+1)
	if err != nil {
		return err
	}
	type row struct {
		id     int64
		workID string
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.workID); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(pending) > *budget {
		*hitCap = true
		pending = pending[:*budget]
	}
	*budget -= len(pending)

	canceled, err := json.Marshal(fn.Canceled())
	if err != nil {
		return err
	}

	for _, r := range pending {
		if _, err := tx.Exec(`DELETE FROM pending_cancellation WHERE id = ?`, r.id); err != nil {
			return err
		}

		item, err := p.loadItem(tx, r.workID)
		if err != nil {
			var notFound *errors.NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return err
		}

		if item.JobID != "" {
			job, err := p.sched.Lookup(tx, item.JobID)
			if err == nil && !job.State.Terminal() {
				if err := p.sched.Cancel(tx, item.JobID); err != nil {
					return errors.Wrapf(err, "canceling scheduler entry for %s", r.workID)
				}
			}
		}

		if _, err := tx.Exec(`DELETE FROM pending_start WHERE pool = ? AND work_id = ?`,
			p.name, r.workID); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO pending_completion (pool, work_id, segment, result)
			VALUES (?, ?, ?, ?)`,
			p.name, r.workID, int64(seg), string(canceled)); err != nil {
			return err
		}
	}
	return nil
}

// drainCompletions handles pending completions up to seg. Failed
// attempts carrying a retry time requeue as pending starts with a bumped
// attempt count; everything else finalizes.
func (p *Pool) drainCompletions(ctx context.Context, tx *store.Tx, st *internalState, seg segment.Segment, budget *int, hitCap *bool) error {
	rows, err := tx.Query(`SELECT id, work_id, result, retry_at_ms FROM pending_completion
		WHERE pool = ? AND segment <= ? ORDER BY segment, id LIMIT ?`,
		p.name, int64(seg), *budget+1)
	if err != nil {
		return err
	}
	type row struct {
		id      int64
		workID  string
		result  string
		retryAt sql.NullInt64
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.workID, &r.result, &r.retryAt); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(pending) > *budget {
		*hitCap = true
		pending = pending[:*budget]
	}
	*budget -= len(pending)

	for _, r := range pending {
		if _, err := tx.Exec(`DELETE FROM pending_completion WHERE id = ?`, r.id); err != nil {
			return err
		}

		item, err := p.loadItem(tx, r.workID)
		if err != nil {
			var notFound *errors.NotFoundError
			if errors.As(err, &notFound) {
				// Finalized by an earlier cancellation; late result dropped.
				continue
			}
			return err
		}

		var result fn.RunResult
		if err := json.Unmarshal([]byte(r.result), &result); err != nil {
			return errors.Wrapf(err, "decoding completion for %s", r.workID)
		}

		if result.Kind == fn.ResultFailed && r.retryAt.Valid {
			retrySeg := segment.ToSegment(time.UnixMilli(r.retryAt.Int64))
			if _, err := tx.Exec(`INSERT INTO pending_start (pool, work_id, segment) VALUES (?, ?, ?)`,
				p.name, r.workID, int64(retrySeg)); err != nil {
				return err
			}
			if _, err := tx.Exec(`UPDATE work_items SET attempts = attempts + 1, job_id = NULL WHERE id = ?`,
				r.workID); err != nil {
				return err
			}
			st.removeInProgress(r.workID)
			metrics.RecordRetry(p.name)
			p.logger.Info("retrying failed action",
				log.WorkIDKey, r.workID,
				"fn_name", item.Name,
				"attempts", item.Attempts+1,
				log.SegmentKey, int64(retrySeg))
			continue
		}

		if err := p.finalize(ctx, tx, item, result); err != nil {
			return err
		}
		st.removeInProgress(r.workID)
		metrics.RecordCompletion(p.name, string(result.Kind))
	}
	return nil
}

// finalize invokes the item's onComplete exactly once and deletes the
// item. onComplete runs under a savepoint: its failure is captured in a
// side table and logged, never retried, and never poisons the tick.
func (p *Pool) finalize(ctx context.Context, tx *store.Tx, item *workItem, result fn.RunResult) error {
	if item.OnComplete != nil {
		if err := p.runOnComplete(ctx, tx, item, result); err != nil {
			resultJSON, merr := json.Marshal(result)
			if merr != nil {
				resultJSON = []byte("null")
			}
			if _, ierr := tx.Exec(`INSERT INTO on_complete_failures (pool, work_id, result, error, created_at_ms)
				VALUES (?, ?, ?, ?, ?)`,
				p.name, item.ID, string(resultJSON), err.Error(), p.clock().UnixMilli()); ierr != nil {
				return ierr
			}
			p.logger.Error("onComplete failed",
				log.WorkIDKey, item.ID,
				"fn_name", item.Name,
				"error", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM work_items WHERE id = ?`, item.ID); err != nil {
		return err
	}
	p.logger.Debug("finalized work",
		log.WorkIDKey, item.ID,
		"fn_name", item.Name,
		"result", string(result.Kind))
	return nil
}

func (p *Pool) runOnComplete(ctx context.Context, tx *store.Tx, item *workItem, result fn.RunResult) error {
	reg, err := p.reg.Resolve(item.OnComplete.Handle)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(CompletionArgs{
		WorkID:   item.ID,
		Context:  item.OnComplete.Context,
		Result:   result,
		Attempts: item.Attempts,
	})
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`SAVEPOINT on_complete`); err != nil {
		return err
	}
	if _, err := reg.Mutation(ctx, tx, payload); err != nil {
		if _, rerr := tx.Exec(`ROLLBACK TO on_complete`); rerr != nil {
			return rerr
		}
		if _, rerr := tx.Exec(`RELEASE on_complete`); rerr != nil {
			return rerr
		}
		return err
	}
	_, err = tx.Exec(`RELEASE on_complete`)
	return err
}

// drainStarts admits pending starts up to seg, subject to the pool's
// remaining capacity, and dispatches them through the host scheduler in
// ascending (segment, insertion) order.
func (p *Pool) drainStarts(tx *store.Tx, st *internalState, cfg *Config, seg segment.Segment, budget *int, hitCap *bool) error {
	capacity := cfg.MaxParallelism - len(st.InProgress)
	if capacity < 0 {
		capacity = 0
	}
	limit := capacity
	if *budget < limit {
		limit = *budget
	}
	if limit == 0 {
		return nil
	}

	rows, err := tx.Query(`SELECT id, work_id FROM pending_start
		WHERE pool = ? AND segment <= ? ORDER BY segment, id LIMIT ?`,
		p.name, int64(seg), limit+1)
	if err != nil {
		return err
	}
	type row struct {
		id     int64
		workID string
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.workID); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(pending) > limit {
		if limit == *budget {
			*hitCap = true
		}
		pending = pending[:limit]
	}
	*budget -= len(pending)

	for _, r := range pending {
		if _, err := tx.Exec(`DELETE FROM pending_start WHERE id = ?`, r.id); err != nil {
			return err
		}

		item, err := p.loadItem(tx, r.workID)
		if err != nil {
			var notFound *errors.NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return err
		}

		dispatchArgs, err := json.Marshal(runArgs{WorkID: item.ID})
		if err != nil {
			return err
		}
		jobID, err := p.sched.RunAt(tx, segment.FromSegment(seg), p.runHandles[item.Type], dispatchArgs)
		if err != nil {
			return errors.Wrapf(err, "dispatching %s", item.ID)
		}
		if _, err := tx.Exec(`UPDATE work_items SET job_id = ? WHERE id = ?`, jobID, item.ID); err != nil {
			return err
		}
		st.InProgress = append(st.InProgress, item.ID)

		p.logger.Debug("dispatched work",
			log.WorkIDKey, item.ID,
			"fn_name", item.Name,
			log.JobIDKey, jobID,
			"attempts", item.Attempts)
	}
	return nil
}

// reschedule decides the pool's next wakeup and advances the generation
// so any still-pending older tick becomes a no-op.
func (p *Pool) reschedule(tx *store.Tx, st *internalState, seg segment.Segment, hitCap bool) error {
	st.Generation++

	minPending, havePending, err := p.minPendingSegment(tx)
	if err != nil {
		return err
	}

	now := p.clock()
	rs := &runStatus{Generation: st.Generation}

	switch {
	case hitCap:
		// More due work than one transaction should touch: go again
		// immediately.
		target := segment.Current(now)
		id, err := p.dispatchMainAt(tx, target, st.Generation)
		if err != nil {
			return err
		}
		rs.Kind = statusScheduled
		rs.Segment = target
		rs.ScheduledID = id
		rs.Saturated = true

	case !havePending:
		rs.Kind = statusIdle

	case minPending <= seg:
		// Due starts remain but capacity is exhausted. Every completion
		// kicks the loop, so no timer entry is needed; recording the
		// saturated state also makes enqueue kicks no-ops.
		rs.Kind = statusScheduled
		rs.Segment = minPending
		rs.Saturated = true

	default:
		id, err := p.dispatchMainAt(tx, minPending, st.Generation)
		if err != nil {
			return err
		}
		rs.Kind = statusScheduled
		rs.Segment = minPending
		rs.ScheduledID = id
	}

	if err := p.saveState(tx, st); err != nil {
		return err
	}
	return p.saveRunStatus(tx, rs)
}

func (p *Pool) dispatchMainAt(tx *store.Tx, seg segment.Segment, generation int64) (string, error) {
	args, err := json.Marshal(mainArgs{Generation: generation, Segment: seg})
	if err != nil {
		return "", err
	}
	return p.sched.RunAt(tx, segment.FromSegment(seg), p.mainHandle, args)
}

// minPendingSegment returns the earliest segment across the three
// pending queues.
func (p *Pool) minPendingSegment(tx *store.Tx) (segment.Segment, bool, error) {
	var overall sql.NullInt64
	for _, table := range []string{"pending_start", "pending_completion", "pending_cancellation"} {
		var min sql.NullInt64
		if err := tx.QueryRow(`SELECT MIN(segment) FROM `+table+` WHERE pool = ?`, p.name).Scan(&min); err != nil {
			return 0, false, err
		}
		if min.Valid && (!overall.Valid || min.Int64 < overall.Int64) {
			overall = min
		}
	}
	if !overall.Valid {
		return 0, false, nil
	}
	return segment.Segment(overall.Int64), true, nil
}
