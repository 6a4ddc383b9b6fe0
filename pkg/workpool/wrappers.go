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

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/segment"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/store"
)

// runArgs is the payload of the pool's dispatch wrappers.
type runArgs struct {
	WorkID string `json:"workId"`
}

// runTransactional executes a query or mutation work item and writes its
// completion in the same transaction. The inner function runs under a
// savepoint so its failure becomes a failed completion instead of
// aborting the wrapper.
func (p *Pool) runTransactional(ctx context.Context, tx *store.Tx, raw json.RawMessage) (json.RawMessage, error) {
	var args runArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "decoding run args")
	}

	item, err := p.loadItem(tx, args.WorkID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			// Canceled and finalized before we ran.
			return nil, nil
		}
		return nil, err
	}

	result := p.invokeInTx(ctx, tx, item)
	return nil, p.writeCompletion(tx, item, result)
}

func (p *Pool) invokeInTx(ctx context.Context, tx *store.Tx, item *workItem) fn.RunResult {
	reg, err := p.reg.Resolve(item.Handle)
	if err != nil {
		return fn.Failed(err.Error())
	}

	if _, err := tx.Exec(`SAVEPOINT work_item`); err != nil {
		return fn.Failed(err.Error())
	}

	var ret json.RawMessage
	switch reg.Type {
	case fn.TypeQuery:
		ret, err = reg.Query(ctx, tx, item.Args)
	case fn.TypeMutation:
		ret, err = reg.Mutation(ctx, tx, item.Args)
	default:
		err = &errors.ValidationError{Field: "fn_type", Message: "not a transactional function: " + string(reg.Type)}
	}

	if err != nil {
		if _, rerr := tx.Exec(`ROLLBACK TO work_item`); rerr != nil {
			return fn.Failed(rerr.Error())
		}
		if _, rerr := tx.Exec(`RELEASE work_item`); rerr != nil {
			return fn.Failed(rerr.Error())
		}
		return fn.Failed(err.Error())
	}
	if _, rerr := tx.Exec(`RELEASE work_item`); rerr != nil {
		return fn.Failed(rerr.Error())
	}
	return fn.Success(ret)
}

// runAction executes an action work item outside any transaction, then
// records its completion in a follow-up mutation.
func (p *Pool) runAction(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args runArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "decoding run args")
	}

	var item *workItem
	err := p.store.View(ctx, func(tx *store.Tx) error {
		var lerr error
		item, lerr = p.loadItem(tx, args.WorkID)
		return lerr
	})
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}

	var result fn.RunResult
	reg, err := p.reg.Resolve(item.Handle)
	if err != nil {
		result = fn.Failed(err.Error())
	} else {
		ret, runErr := reg.Action(ctx, item.Args)
		switch {
		case runErr == nil:
			result = fn.Success(ret)
		case ctx.Err() != nil:
			// The scheduler entry was canceled out from under us; the
			// loop has already synthesized a canceled completion.
			result = fn.Canceled()
		default:
			result = fn.Failed(runErr.Error())
		}
	}

	// The completion write runs on a background context: even if our
	// caller is gone, a finished attempt must be recorded.
	err = p.store.Mutate(context.WithoutCancel(ctx), "pool/completeAction", func(tx *store.Tx) error {
		if _, err := p.loadItem(tx, args.WorkID); err != nil {
			var notFound *errors.NotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}
		return p.writeCompletion(tx, item, result)
	})
	return nil, err
}

// writeCompletion appends the attempt's result to the pending-completion
// queue, carrying the next backoff time when the failure is retryable,
// and kicks the main loop.
func (p *Pool) writeCompletion(tx *store.Tx, item *workItem, result fn.RunResult) error {
	now := p.clock()

	var retryAt any
	if result.Kind == fn.ResultFailed {
		cfg, err := p.loadGlobals(tx)
		if err != nil {
			return err
		}
		if b := effectiveRetry(item, cfg); b != nil && item.Attempts+1 < b.MaxAttempts {
			retryAt = now.Add(b.Backoff(item.Attempts)).UnixMilli()
		}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`INSERT INTO pending_completion (pool, work_id, segment, result, retry_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		p.name, item.ID, int64(segment.Current(now)), string(encoded), retryAt); err != nil {
		return errors.Wrap(err, "inserting pending completion")
	}

	if _, err := p.kick(tx, kickSourceCompletion); err != nil {
		return err
	}

	p.logger.Debug("completion recorded",
		log.WorkIDKey, item.ID,
		"result", string(result.Kind),
		"retry", retryAt != nil)
	return nil
}
