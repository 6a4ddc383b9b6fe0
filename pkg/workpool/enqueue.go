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
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/segment"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/store"
)

// kickSource identifies who is asking for a main-loop tick; saturated
// pools ignore enqueue kicks because new work cannot start anyway.
type kickSource string

const (
	kickSourceEnqueue    kickSource = "enqueue"
	kickSourceCompletion kickSource = "completion"
	kickSourceCancel     kickSource = "cancel"
	kickSourceConfig     kickSource = "config"
)

// kick ensures a main-loop tick is scheduled soon and returns the
// segment at which the loop will observe work added in this transaction.
func (p *Pool) kick(tx *store.Tx, source kickSource) (segment.Segment, error) {
	now := p.clock()
	cur := segment.Current(now)

	rs, err := p.loadRunStatus(tx)
	if err != nil {
		return 0, err
	}

	switch rs.Kind {
	case statusRunning:
		// A tick is in flight; it bumps the generation and reschedules.
		// If its scheduler entry died without rewriting the run status,
		// the tick crashed: take the pool back.
		if rs.ScheduledID != "" {
			job, err := p.sched.Lookup(tx, rs.ScheduledID)
			if err == nil && job.State.Terminal() {
				p.logger.Warn("main loop tick died; re-dispatching",
					log.JobIDKey, rs.ScheduledID,
					log.GenerationKey, rs.Generation)
				return cur, p.dispatchMain(tx, cur, rs.Generation)
			}
		}
		return cur, nil

	case statusScheduled:
		if rs.Saturated && source == kickSourceEnqueue {
			return rs.Segment, nil
		}
		if rs.ScheduledID != "" && rs.Segment <= segment.ToSegment(now.Add(time.Second)) {
			// Already due soon; pulling it earlier buys nothing.
			return rs.Segment, nil
		}
		if rs.ScheduledID != "" {
			if err := p.sched.Cancel(tx, rs.ScheduledID); err != nil {
				return 0, errors.Wrap(err, "canceling scheduled main loop")
			}
		}
		return cur, p.dispatchMain(tx, cur, rs.Generation)

	case statusIdle:
		return cur, p.dispatchMain(tx, cur, rs.Generation)

	default:
		return 0, &errors.StateError{Resource: "run status", ID: p.name, State: string(rs.Kind), Operation: "kick"}
	}
}

// dispatchMain schedules a main-loop tick at the given segment and marks
// the pool running.
func (p *Pool) dispatchMain(tx *store.Tx, seg segment.Segment, generation int64) error {
	args, err := json.Marshal(mainArgs{Generation: generation, Segment: seg})
	if err != nil {
		return err
	}
	id, err := p.sched.RunAt(tx, segment.FromSegment(seg), p.mainHandle, args)
	if err != nil {
		return errors.Wrap(err, "dispatching main loop")
	}
	return p.saveRunStatus(tx, &runStatus{Kind: statusRunning, ScheduledID: id, Generation: generation})
}

// Enqueue durably adds one item to the pool and returns its work id.
func (p *Pool) Enqueue(ctx context.Context, item Item) (string, error) {
	var id string
	err := p.store.Mutate(ctx, "pool/enqueue", func(tx *store.Tx) error {
		var err error
		id, err = p.EnqueueTx(tx, item)
		return err
	})
	return id, err
}

// EnqueueBatch enqueues several items in one transaction. Either all of
// them are queued or none are.
func (p *Pool) EnqueueBatch(ctx context.Context, items []Item) ([]string, error) {
	ids := make([]string, 0, len(items))
	err := p.store.Mutate(ctx, "pool/enqueueBatch", func(tx *store.Tx) error {
		ids = ids[:0]
		for _, item := range items {
			id, err := p.EnqueueTx(tx, item)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// EnqueueTx enqueues one item inside an existing transaction.
func (p *Pool) EnqueueTx(tx *store.Tx, item Item) (string, error) {
	reg, err := p.reg.Resolve(item.Handle)
	if err != nil {
		return "", err
	}
	if !reg.Type.Valid() {
		return "", &errors.ValidationError{Field: "handle", Message: "unknown function type"}
	}
	if item.OnComplete != nil {
		ocReg, err := p.reg.Resolve(item.OnComplete.Handle)
		if err != nil {
			return "", errors.Wrap(err, "resolving onComplete")
		}
		if ocReg.Type != fn.TypeMutation {
			return "", &errors.ValidationError{Field: "onComplete", Message: "onComplete must be a mutation"}
		}
	}

	args, err := fn.Canonical(item.Args)
	if err != nil {
		return "", &errors.ValidationError{Field: "args", Message: err.Error()}
	}

	now := p.clock()
	runAt := item.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	runAt = segment.Clamp(runAt, now)

	kickSeg, err := p.kick(tx, kickSourceEnqueue)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	name := item.Name
	if name == "" {
		name = string(item.Handle)
	}

	var retry any
	if item.Retry != nil {
		encoded, err := json.Marshal(item.Retry)
		if err != nil {
			return "", err
		}
		retry = string(encoded)
	}

	var ocHandle, ocContext any
	if item.OnComplete != nil {
		ocHandle = string(item.OnComplete.Handle)
		ocContext = nullableRaw(item.OnComplete.Context)
	}

	_, err = tx.Exec(`INSERT INTO work_items
		(id, pool, handle, fn_name, fn_type, args, run_at_ms, attempts,
			retry, on_complete_handle, on_complete_context, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, p.name, string(item.Handle), name, string(reg.Type), string(args),
		runAt.UnixMilli(), retry, ocHandle, ocContext, now.UnixMilli())
	if err != nil {
		return "", errors.Wrap(err, "inserting work item")
	}

	startSeg := segment.Max(segment.ToSegment(runAt), kickSeg)
	if _, err := tx.Exec(`INSERT INTO pending_start (pool, work_id, segment) VALUES (?, ?, ?)`,
		p.name, id, int64(startSeg)); err != nil {
		return "", errors.Wrap(err, "inserting pending start")
	}

	p.logger.Debug("enqueued work",
		log.WorkIDKey, id,
		"fn_name", name,
		log.SegmentKey, int64(startSeg))
	return id, nil
}
