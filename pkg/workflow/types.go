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
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/store"
)

// maxJournalBytes caps the serialized size of one workflow's journal.
const maxJournalBytes = 8 << 20

// Workflow is a persisted workflow run.
type Workflow struct {
	ID         string
	Name       string
	Args       json.RawMessage
	Generation int64
	RunResult  *fn.RunResult
	CreatedAt  time.Time
	UpdatedAt  time.Time

	onCompleteHandle  fn.Handle
	onCompleteContext json.RawMessage
}

// CompletionArgs is the payload delivered to a workflow's onComplete
// mutation.
type CompletionArgs struct {
	WorkflowID string          `json:"workflowId"`
	Context    json.RawMessage `json:"context,omitempty"`
	Result     fn.RunResult    `json:"result"`
}

// stepKind classifies a journal entry.
type stepKind string

const (
	stepFunction stepKind = "function"
	stepWorkflow stepKind = "workflow"
	stepEvent    stepKind = "event"
)

// journalEntry is one recorded step. Entries are immutable once their
// RunResult is set.
type journalEntry struct {
	StepNumber  int             `json:"stepNumber"`
	Kind        stepKind        `json:"kind"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args"`
	ArgsSize    int             `json:"argsSize"`
	InProgress  bool            `json:"inProgress"`
	StartedAt   int64           `json:"startedAt"`
	CompletedAt int64           `json:"completedAt,omitempty"`
	RunResult   *fn.RunResult   `json:"runResult,omitempty"`

	// Function steps.
	Handle fn.Handle `json:"handle,omitempty"`
	FnType fn.Type   `json:"fnType,omitempty"`
	WorkID string    `json:"workId,omitempty"`

	// Nested workflow steps.
	ChildWorkflowID string `json:"childWorkflowId,omitempty"`

	// Event steps.
	EventID        string          `json:"eventId,omitempty"`
	EventValidator json.RawMessage `json:"eventValidator,omitempty"`
}

func (m *Manager) loadWorkflow(tx *store.Tx, id string) (*Workflow, error) {
	row := tx.QueryRow(`SELECT id, name, args, on_complete_handle, on_complete_context,
			generation, run_result, created_at_ms, updated_at_ms
		FROM workflows WHERE id = ?`, id)

	var (
		wf                   Workflow
		args                 string
		ocHandle, ocContext  sql.NullString
		runResult            sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&wf.ID, &wf.Name, &args, &ocHandle, &ocContext,
		&wf.Generation, &runResult, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
		}
		return nil, err
	}

	wf.Args = json.RawMessage(args)
	wf.CreatedAt = time.UnixMilli(createdAt)
	wf.UpdatedAt = time.UnixMilli(updatedAt)
	if ocHandle.Valid {
		wf.onCompleteHandle = fn.Handle(ocHandle.String)
	}
	if ocContext.Valid {
		wf.onCompleteContext = json.RawMessage(ocContext.String)
	}
	if runResult.Valid {
		wf.RunResult = &fn.RunResult{}
		if err := json.Unmarshal([]byte(runResult.String), wf.RunResult); err != nil {
			return nil, errors.Wrap(err, "decoding workflow result")
		}
	}
	return &wf, nil
}

func (m *Manager) loadJournal(tx *store.Tx, workflowID string) ([]*journalEntry, error) {
	rows, err := tx.Query(`SELECT entry FROM journal_entries
		WHERE workflow_id = ? ORDER BY step_number`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*journalEntry
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, err
		}
		entry := &journalEntry{}
		if err := json.Unmarshal([]byte(encoded), entry); err != nil {
			return nil, errors.Wrap(err, "decoding journal entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (m *Manager) insertEntry(tx *store.Tx, workflowID string, entry *journalEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO journal_entries (workflow_id, step_number, entry) VALUES (?, ?, ?)`,
		workflowID, entry.StepNumber, string(encoded))
	return errors.Wrap(err, "inserting journal entry")
}

func (m *Manager) updateEntry(tx *store.Tx, workflowID string, entry *journalEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE journal_entries SET entry = ? WHERE workflow_id = ? AND step_number = ?`,
		string(encoded), workflowID, entry.StepNumber)
	return errors.Wrap(err, "updating journal entry")
}

func (m *Manager) journalSize(tx *store.Tx, workflowID string) (int, error) {
	var size sql.NullInt64
	if err := tx.QueryRow(`SELECT COALESCE(SUM(LENGTH(entry)), 0) FROM journal_entries
		WHERE workflow_id = ?`, workflowID).Scan(&size); err != nil {
		return 0, err
	}
	return int(size.Int64), nil
}

func (m *Manager) saveResult(tx *store.Tx, wf *Workflow, result fn.RunResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE workflows SET run_result = ?, updated_at_ms = ? WHERE id = ?`,
		string(encoded), m.clock().UnixMilli(), wf.ID)
	if err != nil {
		return err
	}
	wf.RunResult = &result
	return nil
}

// stepContext is the onComplete context threaded through the embedded
// pool for function steps and through child workflows for nested ones.
type stepContext struct {
	WorkflowID string `json:"workflowId"`
	StepNumber int    `json:"stepNumber"`
	Generation int64  `json:"generation"`
}
