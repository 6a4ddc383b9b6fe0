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

package workflow

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/metrics"
	"github.com/tombee/durable/internal/segment"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/store"
	"github.com/tombee/durable/pkg/workpool"
)

type tickArgs struct {
	WorkflowID string `json:"workflowId"`
	Generation int64  `json:"generation"`
}

// tick is one replay of a workflow handler. It re-executes the handler
// from the top against the journal; fresh steps are persisted and
// dispatched in one batch when the handler blocks, and the workflow
// finalizes when the handler returns.
func (m *Manager) tick(ctx context.Context, tx *store.Tx, raw json.RawMessage) (json.RawMessage, error) {
	var args tickArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "decoding tick args")
	}

	wf, err := m.loadWorkflow(tx, args.WorkflowID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	if wf.RunResult != nil {
		return nil, nil
	}
	if wf.Generation != args.Generation {
		m.logger.Debug("stale workflow tick",
			log.WorkflowIDKey, wf.ID,
			log.GenerationKey, args.Generation)
		return nil, nil
	}

	journal, err := m.loadJournal(tx, wf.ID)
	if err != nil {
		return nil, err
	}

	// Short-circuit: if any step is still in flight, replaying now
	// would only block on it again. The completion re-enters us.
	for _, entry := range journal {
		if entry.InProgress {
			metrics.RecordWorkflowTick("shortCircuit")
			return nil, nil
		}
	}

	def, err := m.definition(wf.Name)
	if err != nil {
		return nil, m.finalize(ctx, tx, wf, fn.Failed("workflow definition not registered: "+wf.Name))
	}

	exec := m.newExecutor(wf, journal)
	outcome := exec.drive(def.handler, wf.Args)

	if !outcome.done {
		if err := m.startSteps(ctx, tx, wf, exec.fresh); err != nil {
			var sizeErr *errors.JournalSizeError
			if errors.As(err, &sizeErr) {
				metrics.RecordWorkflowTick("failed")
				return nil, m.finalize(ctx, tx, wf, fn.Failed(err.Error()))
			}
			return nil, err
		}
		metrics.RecordWorkflowTick("blocked")
		return nil, nil
	}

	if outcome.err != nil {
		metrics.RecordWorkflowTick("failed")
		return nil, m.finalize(ctx, tx, wf, fn.Failed(outcome.err.Error()))
	}

	ret := outcome.ret
	if ret == nil {
		ret = json.RawMessage("null")
	}
	if err := validateAgainst(def.returns, ret); err != nil {
		metrics.RecordWorkflowTick("failed")
		return nil, m.finalize(ctx, tx, wf, fn.Failed("workflow return value rejected by schema: "+err.Error()))
	}

	metrics.RecordWorkflowTick("completed")
	return nil, m.finalize(ctx, tx, wf, fn.Success(ret))
}

// startSteps persists this tick's fresh journal entries and dispatches
// them: function steps through the embedded pool, nested workflows as
// child runs, event waits against the event table.
func (m *Manager) startSteps(ctx context.Context, tx *store.Tx, wf *Workflow, fresh []newStep) error {
	if len(fresh) == 0 {
		return nil
	}

	size, err := m.journalSize(tx, wf.ID)
	if err != nil {
		return err
	}

	resolvedNow := false
	for _, s := range fresh {
		switch s.entry.Kind {
		case stepFunction:
			stepCtx, err := json.Marshal(stepContext{
				WorkflowID: wf.ID,
				StepNumber: s.entry.StepNumber,
				Generation: wf.Generation,
			})
			if err != nil {
				return err
			}
			workID, err := m.pool.EnqueueTx(tx, workpool.Item{
				Handle: s.entry.Handle,
				Name:   s.entry.Name,
				Args:   s.entry.Args,
				Retry:  s.req.retry,
				OnComplete: &workpool.OnComplete{
					Handle:  m.stepOnCompleteHandle,
					Context: stepCtx,
				},
			})
			if err != nil {
				return errors.Wrapf(err, "dispatching step %d", s.entry.StepNumber)
			}
			s.entry.WorkID = workID

		case stepWorkflow:
			stepCtx, err := json.Marshal(stepContext{
				WorkflowID: wf.ID,
				StepNumber: s.entry.StepNumber,
				Generation: wf.Generation,
			})
			if err != nil {
				return err
			}
			childID, err := m.createTx(ctx, tx, createParams{
				Name:       s.entry.Name,
				Args:       s.entry.Args,
				OnComplete: m.nestedOnComplete,
				Context:    stepCtx,
				StartAsync: true,
			})
			if err != nil {
				// An unknown child definition fails just this step.
				failed := fn.Failed(err.Error())
				s.entry.RunResult = &failed
				s.entry.InProgress = false
				s.entry.CompletedAt = m.clock().UnixMilli()
				resolvedNow = true
			} else {
				s.entry.ChildWorkflowID = childID
			}

		case stepEvent:
			result, err := m.resolveAwait(tx, wf, s.entry, s.req.event)
			if err != nil {
				return err
			}
			if result != nil {
				s.entry.RunResult = result
				s.entry.InProgress = false
				s.entry.CompletedAt = m.clock().UnixMilli()
				resolvedNow = true
			}
		}

		encoded, err := json.Marshal(s.entry)
		if err != nil {
			return err
		}
		size += len(encoded)
		if size > maxJournalBytes {
			return &errors.JournalSizeError{
				WorkflowID: wf.ID,
				Step:       s.entry.Name,
				Size:       size,
				Limit:      maxJournalBytes,
			}
		}
		if err := m.insertEntry(tx, wf.ID, s.entry); err != nil {
			return err
		}
	}

	if resolvedNow {
		// A step already has its result; replay again without waiting
		// for a completion.
		return m.enqueueTick(tx, wf)
	}
	return nil
}

// enqueueTick schedules the next replay at the next segment.
func (m *Manager) enqueueTick(tx *store.Tx, wf *Workflow) error {
	args, err := json.Marshal(tickArgs{WorkflowID: wf.ID, Generation: wf.Generation})
	if err != nil {
		return err
	}
	_, err = m.sched.RunAt(tx, segment.FromSegment(segment.Next(m.clock())), m.tickHandle, args)
	return errors.Wrap(err, "scheduling workflow tick")
}

// finalize records the workflow's terminal result, cancels anything
// still in flight, and invokes onComplete exactly once.
func (m *Manager) finalize(ctx context.Context, tx *store.Tx, wf *Workflow, result fn.RunResult) error {
	if wf.RunResult != nil {
		return nil
	}
	if err := m.saveResult(tx, wf, result); err != nil {
		return err
	}

	journal, err := m.loadJournal(tx, wf.ID)
	if err != nil {
		return err
	}
	for _, entry := range journal {
		if !entry.InProgress {
			continue
		}
		if err := m.cancelStep(ctx, tx, entry); err != nil {
			return err
		}
		canceled := fn.Canceled()
		entry.RunResult = &canceled
		entry.InProgress = false
		entry.CompletedAt = m.clock().UnixMilli()
		if err := m.updateEntry(tx, wf.ID, entry); err != nil {
			return err
		}
	}

	if wf.onCompleteHandle != "" {
		if err := m.runOnComplete(ctx, tx, wf, result); err != nil {
			resultJSON, merr := json.Marshal(result)
			if merr != nil {
				resultJSON = []byte("null")
			}
			if _, ierr := tx.Exec(`INSERT INTO on_complete_failures (pool, work_id, result, error, created_at_ms)
				VALUES (?, ?, ?, ?, ?)`,
				m.name, wf.ID, string(resultJSON), err.Error(), m.clock().UnixMilli()); ierr != nil {
				return ierr
			}
			m.logger.Error("workflow onComplete failed",
				log.WorkflowIDKey, wf.ID,
				"error", err)
		}
	}

	m.logger.Info("workflow finalized",
		log.WorkflowIDKey, wf.ID,
		"workflow", wf.Name,
		"result", string(result.Kind))
	return nil
}

func (m *Manager) cancelStep(ctx context.Context, tx *store.Tx, entry *journalEntry) error {
	switch entry.Kind {
	case stepFunction:
		if entry.WorkID != "" {
			return m.pool.CancelTx(tx, entry.WorkID)
		}
	case stepWorkflow:
		if entry.ChildWorkflowID != "" {
			return m.cancelTx(ctx, tx, entry.ChildWorkflowID)
		}
	}
	return nil
}

func (m *Manager) runOnComplete(ctx context.Context, tx *store.Tx, wf *Workflow, result fn.RunResult) error {
	reg, err := m.reg.Resolve(wf.onCompleteHandle)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(CompletionArgs{
		WorkflowID: wf.ID,
		Context:    wf.onCompleteContext,
		Result:     result,
	})
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`SAVEPOINT wf_on_complete`); err != nil {
		return err
	}
	if _, err := reg.Mutation(ctx, tx, payload); err != nil {
		if _, rerr := tx.Exec(`ROLLBACK TO wf_on_complete`); rerr != nil {
			return rerr
		}
		if _, rerr := tx.Exec(`RELEASE wf_on_complete`); rerr != nil {
			return rerr
		}
		return err
	}
	_, err = tx.Exec(`RELEASE wf_on_complete`)
	return err
}

// stepOnComplete is the embedded pool's callback for function steps: it
// writes the result into the journal entry and re-enqueues the handler.
func (m *Manager) stepOnComplete(ctx context.Context, tx *store.Tx, raw json.RawMessage) (json.RawMessage, error) {
	var ca workpool.CompletionArgs
	if err := json.Unmarshal(raw, &ca); err != nil {
		return nil, errors.Wrap(err, "decoding step completion")
	}
	var sc stepContext
	if err := json.Unmarshal(ca.Context, &sc); err != nil {
		return nil, errors.Wrap(err, "decoding step context")
	}
	return nil, m.resolveStep(tx, sc, ca.Result)
}

// nestedWorkflowOnComplete is a child workflow's callback: it writes the
// child's result into the parent's step and re-ticks the parent.
func (m *Manager) nestedWorkflowOnComplete(ctx context.Context, tx *store.Tx, raw json.RawMessage) (json.RawMessage, error) {
	var ca CompletionArgs
	if err := json.Unmarshal(raw, &ca); err != nil {
		return nil, errors.Wrap(err, "decoding nested workflow completion")
	}
	var sc stepContext
	if err := json.Unmarshal(ca.Context, &sc); err != nil {
		return nil, errors.Wrap(err, "decoding step context")
	}
	return nil, m.resolveStep(tx, sc, ca.Result)
}

func (m *Manager) resolveStep(tx *store.Tx, sc stepContext, result fn.RunResult) error {
	wf, err := m.loadWorkflow(tx, sc.WorkflowID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if wf.RunResult != nil {
		return nil
	}
	if wf.Generation != sc.Generation {
		// The workflow was canceled and restarted ownership; this
		// result belongs to a previous generation.
		return nil
	}

	entry, err := m.loadEntryAt(tx, wf.ID, sc.StepNumber)
	if err != nil {
		return err
	}
	if entry == nil || !entry.InProgress {
		return nil
	}

	entry.RunResult = &result
	entry.InProgress = false
	entry.CompletedAt = m.clock().UnixMilli()
	if err := m.updateEntry(tx, wf.ID, entry); err != nil {
		return err
	}

	m.logger.Debug("step completed",
		log.WorkflowIDKey, wf.ID,
		log.StepKey, sc.StepNumber,
		"result", string(result.Kind))
	return m.enqueueTick(tx, wf)
}

func (m *Manager) loadEntryAt(tx *store.Tx, workflowID string, stepNumber int) (*journalEntry, error) {
	var encoded string
	err := tx.QueryRow(`SELECT entry FROM journal_entries WHERE workflow_id = ? AND step_number = ?`,
		workflowID, stepNumber).Scan(&encoded)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	entry := &journalEntry{}
	if err := json.Unmarshal([]byte(encoded), entry); err != nil {
		return nil, errors.Wrap(err, "decoding journal entry")
	}
	return entry, nil
}
