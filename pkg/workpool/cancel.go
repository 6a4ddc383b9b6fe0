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

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/segment"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/store"
)

// cancelAllPageSize is how many items one cancelAll transaction pages
// through before scheduling its own continuation.
const cancelAllPageSize = 64

// Cancel requests cancellation of a work item. Cancellation is
// cooperative: a queued item finalizes as canceled before dispatch; a
// running action is marked and may still finish, but its result is
// dropped and canceled is recorded. Canceling an already-finished item
// is a no-op.
func (p *Pool) Cancel(ctx context.Context, workID string) error {
	return p.store.Mutate(ctx, "pool/cancel", func(tx *store.Tx) error {
		return p.CancelTx(tx, workID)
	})
}

// CancelTx requests cancellation inside an existing transaction.
func (p *Pool) CancelTx(tx *store.Tx, workID string) error {
	if _, err := p.loadItem(tx, workID); err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	seg, err := p.kick(tx, kickSourceCancel)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`INSERT INTO pending_cancellation (pool, work_id, segment) VALUES (?, ?, ?)`,
		p.name, workID, int64(seg)); err != nil {
		return errors.Wrap(err, "inserting pending cancellation")
	}

	p.logger.Debug("cancellation requested", log.WorkIDKey, workID)
	return nil
}

// CancelAllOptions tunes CancelAll.
type CancelAllOptions struct {
	// Before limits cancellation to items created at or before this
	// time. Zero means everything enqueued so far.
	Before time.Time

	// Limit bounds how many items each page cancels.
	// Defaults to 64.
	Limit int
}

type cancelAllArgs struct {
	BeforeMs int64 `json:"beforeMs"`
	Limit    int   `json:"limit"`
}

// CancelAll cancels every item in the pool, paging in descending
// creation order. If a page fills, a continuation is scheduled through
// the host scheduler rather than growing the transaction.
func (p *Pool) CancelAll(ctx context.Context, opts CancelAllOptions) error {
	before := opts.Before
	if before.IsZero() {
		before = p.clock()
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = cancelAllPageSize
	}
	args, err := json.Marshal(cancelAllArgs{BeforeMs: before.UnixMilli(), Limit: limit})
	if err != nil {
		return err
	}
	return p.store.Mutate(ctx, "pool/cancelAll", func(tx *store.Tx) error {
		_, err := p.cancelAllPage(ctx, tx, args)
		return err
	})
}

// cancelAllPage cancels one page of items and reschedules itself if the
// page was full.
func (p *Pool) cancelAllPage(ctx context.Context, tx *store.Tx, raw json.RawMessage) (json.RawMessage, error) {
	var args cancelAllArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "decoding cancelAll args")
	}

	rows, err := tx.Query(`SELECT id FROM work_items
		WHERE pool = ? AND created_at_ms <= ?
		ORDER BY created_at_ms DESC, id LIMIT ?`,
		p.name, args.BeforeMs, args.Limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	seg, err := p.kick(tx, kickSourceCancel)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.Exec(`INSERT INTO pending_cancellation (pool, work_id, segment) VALUES (?, ?, ?)`,
			p.name, id, int64(seg)); err != nil {
			return nil, err
		}
	}

	if len(ids) == args.Limit {
		// Full page: there may be more. Continue in a fresh transaction.
		if _, err := p.sched.RunAt(tx, segment.FromSegment(segment.Current(p.clock())), p.cancelAllHandle, raw); err != nil {
			return nil, errors.Wrap(err, "scheduling cancelAll continuation")
		}
	}

	p.logger.Info("canceled page of work items", "count", len(ids))
	return nil, nil
}
