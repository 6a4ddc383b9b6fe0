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
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/store"
	"github.com/tombee/durable/pkg/workpool"
)

// CreateOptions starts a workflow run.
type CreateOptions struct {
	// Name selects the registered workflow definition.
	Name string

	// Args is the workflow's argument payload, validated against the
	// definition's args schema if one was registered.
	Args any

	// OnComplete, if set, names a mutation invoked exactly once with
	// the workflow's terminal result.
	OnComplete fn.Handle

	// Context is passed through to OnComplete verbatim.
	Context json.RawMessage

	// StartAsync enqueues the first replay through the embedded pool
	// instead of running it inline. Inline starts surface registration
	// and validation errors synchronously.
	StartAsync bool
}

type createParams struct {
	Name       string
	Args       json.RawMessage
	OnComplete fn.Handle
	Context    json.RawMessage
	StartAsync bool
}

// Create starts a workflow and returns its id.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (string, error) {
	args, err := fn.MarshalArgs(opts.Args)
	if err != nil {
		return "", &errors.ValidationError{Field: "args", Message: err.Error()}
	}
	var id string
	err = m.store.Mutate(ctx, "workflow/create", func(tx *store.Tx) error {
		var cerr error
		id, cerr = m.createTx(ctx, tx, createParams{
			Name:       opts.Name,
			Args:       args,
			OnComplete: opts.OnComplete,
			Context:    opts.Context,
			StartAsync: opts.StartAsync,
		})
		return cerr
	})
	return id, err
}

func (m *Manager) createTx(ctx context.Context, tx *store.Tx, params createParams) (string, error) {
	def, err := m.definition(params.Name)
	if err != nil {
		return "", err
	}
	if err := validateAgainst(def.args, params.Args); err != nil {
		return "", &errors.ValidationError{Field: "args", Message: err.Error()}
	}
	if params.OnComplete != "" {
		reg, err := m.reg.Resolve(params.OnComplete)
		if err != nil {
			return "", errors.Wrap(err, "resolving onComplete")
		}
		if reg.Type != fn.TypeMutation {
			return "", &errors.ValidationError{Field: "onComplete", Message: "onComplete must be a mutation"}
		}
	}

	id := uuid.NewString()
	now := m.clock().UnixMilli()
	_, err = tx.Exec(`INSERT INTO workflows
		(id, name, handle, args, on_complete_handle, on_complete_context,
			generation, run_result, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		id, params.Name, params.Name, string(params.Args),
		nullableHandle(params.OnComplete), nullableRaw(params.Context), now, now)
	if err != nil {
		return "", errors.Wrap(err, "inserting workflow")
	}

	m.logger.Info("workflow created",
		log.WorkflowIDKey, id,
		"workflow", params.Name)

	tick, err := json.Marshal(tickArgs{WorkflowID: id, Generation: 0})
	if err != nil {
		return "", err
	}
	if params.StartAsync {
		_, err := m.pool.EnqueueTx(tx, workpool.Item{
			Handle: m.tickHandle,
			Name:   params.Name + "/start",
			Args:   tick,
		})
		return id, err
	}

	// Inline start: the first replay runs in this transaction.
	_, err = m.tick(ctx, tx, tick)
	return id, err
}

// Cancel cancels a workflow: its generation is bumped so in-flight
// continuations become no-ops, every in-progress step (and nested
// workflow, recursively) is canceled, and onComplete fires with a
// canceled result.
func (m *Manager) Cancel(ctx context.Context, workflowID string) error {
	return m.store.Mutate(ctx, "workflow/cancel", func(tx *store.Tx) error {
		return m.cancelTx(ctx, tx, workflowID)
	})
}

func (m *Manager) cancelTx(ctx context.Context, tx *store.Tx, workflowID string) error {
	wf, err := m.loadWorkflow(tx, workflowID)
	if err != nil {
		return err
	}
	if wf.RunResult != nil {
		return nil
	}

	wf.Generation++
	if _, err := tx.Exec(`UPDATE workflows SET generation = ?, updated_at_ms = ? WHERE id = ?`,
		wf.Generation, m.clock().UnixMilli(), wf.ID); err != nil {
		return err
	}

	return m.finalize(ctx, tx, wf, fn.Canceled())
}

// Cleanup deletes a finished workflow, its journal, and its events.
// Returns whether anything was deleted. Cleaning up a workflow that is
// still running is an error.
func (m *Manager) Cleanup(ctx context.Context, workflowID string) (bool, error) {
	var deleted bool
	err := m.store.Mutate(ctx, "workflow/cleanup", func(tx *store.Tx) error {
		deleted = false
		wf, err := m.loadWorkflow(tx, workflowID)
		if err != nil {
			var notFound *errors.NotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}
		if wf.RunResult == nil {
			return &errors.StateError{Resource: "workflow", ID: workflowID, State: "running", Operation: "clean up"}
		}
		for _, stmt := range []string{
			`DELETE FROM journal_entries WHERE workflow_id = ?`,
			`DELETE FROM workflow_events WHERE workflow_id = ?`,
			`DELETE FROM workflows WHERE id = ?`,
		} {
			if _, err := tx.Exec(stmt, workflowID); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// Step is a public view of one journal entry.
type Step struct {
	StepNumber  int             `json:"stepNumber"`
	Kind        string          `json:"kind"`
	Name        string          `json:"name"`
	InProgress  bool            `json:"inProgress"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt,omitzero"`
	RunResult   *fn.RunResult   `json:"runResult,omitempty"`
	Args        json.RawMessage `json:"args"`
}

func publicStep(entry *journalEntry) Step {
	step := Step{
		StepNumber: entry.StepNumber,
		Kind:       string(entry.Kind),
		Name:       entry.Name,
		InProgress: entry.InProgress,
		StartedAt:  time.UnixMilli(entry.StartedAt),
		RunResult:  entry.RunResult,
		Args:       entry.Args,
	}
	if entry.CompletedAt != 0 {
		step.CompletedAt = time.UnixMilli(entry.CompletedAt)
	}
	return step
}

// WorkflowStatus is the result of GetStatus: the workflow row plus every
// step still in flight.
type WorkflowStatus struct {
	Workflow   *Workflow
	InProgress []Step
}

// GetStatus reports a workflow and its in-progress steps.
func (m *Manager) GetStatus(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	var status *WorkflowStatus
	err := m.store.View(ctx, func(tx *store.Tx) error {
		wf, err := m.loadWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		journal, err := m.loadJournal(tx, workflowID)
		if err != nil {
			return err
		}
		status = &WorkflowStatus{Workflow: wf}
		for _, entry := range journal {
			if entry.InProgress {
				status.InProgress = append(status.InProgress, publicStep(entry))
			}
		}
		return nil
	})
	return status, err
}

// ListOptions paginates read APIs.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return 50
	}
	return o.Limit
}

// List returns workflows in descending creation order.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Workflow, error) {
	return m.list(ctx, "", opts)
}

// ListByName returns workflows for one definition in descending
// creation order.
func (m *Manager) ListByName(ctx context.Context, name string, opts ListOptions) ([]*Workflow, error) {
	return m.list(ctx, name, opts)
}

func (m *Manager) list(ctx context.Context, name string, opts ListOptions) ([]*Workflow, error) {
	var workflows []*Workflow
	err := m.store.View(ctx, func(tx *store.Tx) error {
		query := `SELECT id FROM workflows`
		args := []any{}
		if name != "" {
			query += ` WHERE name = ?`
			args = append(args, name)
		}
		query += ` ORDER BY created_at_ms DESC, id LIMIT ? OFFSET ?`
		args = append(args, opts.limit(), opts.Offset)

		rows, err := tx.Query(query, args...)
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
			wf, err := m.loadWorkflow(tx, id)
			if err != nil {
				return err
			}
			workflows = append(workflows, wf)
		}
		return nil
	})
	return workflows, err
}

// ListSteps returns a workflow's journal as public steps, in step
// order.
func (m *Manager) ListSteps(ctx context.Context, workflowID string, opts ListOptions) ([]Step, error) {
	var steps []Step
	err := m.store.View(ctx, func(tx *store.Tx) error {
		journal, err := m.loadJournal(tx, workflowID)
		if err != nil {
			return err
		}
		for _, entry := range journal {
			if entry.StepNumber < opts.Offset {
				continue
			}
			steps = append(steps, publicStep(entry))
			if len(steps) == opts.limit() {
				break
			}
		}
		return nil
	})
	return steps, err
}

func nullableHandle(h fn.Handle) any {
	if h == "" {
		return nil
	}
	return string(h)
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
