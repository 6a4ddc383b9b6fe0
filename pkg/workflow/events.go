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

	"github.com/google/uuid"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/store"
)

// EventState is a rendezvous event's lifecycle state. Events are
// single-shot and only ever advance created → sent | waiting → consumed.
type EventState string

const (
	// EventCreated means the event exists but nobody has sent to or
	// awaited it.
	EventCreated EventState = "created"
	// EventSent means a result arrived before any step awaited it.
	EventSent EventState = "sent"
	// EventWaiting means a step is parked on the event.
	EventWaiting EventState = "waiting"
	// EventConsumed means the rendezvous happened. Terminal.
	EventConsumed EventState = "consumed"
)

// event is a persisted rendezvous event.
type event struct {
	ID         string
	WorkflowID string
	Name       string
	State      EventState
	Detail     eventDetail
}

type eventDetail struct {
	Result      *fn.RunResult `json:"result,omitempty"`
	SentAt      int64         `json:"sentAt,omitempty"`
	WaitingAt   int64         `json:"waitingAt,omitempty"`
	ConsumedAt  int64         `json:"consumedAt,omitempty"`
	StepNumber  *int          `json:"stepNumber,omitempty"`
}

// SendOptions targets an event. Set ID for a specific event, or Name
// plus WorkflowID to match (or create) by name.
type SendOptions struct {
	WorkflowID string
	ID         string
	Name       string

	// Value is delivered as the awaiting step's success result.
	Value json.RawMessage

	// Error, if non-empty, is delivered as the step's failure instead.
	Error string
}

// CreateEvent explicitly creates a named event for a workflow and
// returns its id.
func (m *Manager) CreateEvent(ctx context.Context, workflowID, name string) (string, error) {
	var id string
	err := m.store.Mutate(ctx, "workflow/createEvent", func(tx *store.Tx) error {
		if _, err := m.loadWorkflow(tx, workflowID); err != nil {
			return err
		}
		var err error
		id, err = m.insertEvent(tx, workflowID, name, EventCreated, eventDetail{})
		return err
	})
	return id, err
}

// SendEvent delivers a result to an event. If a step is waiting, the
// step resolves and the workflow resumes; otherwise the result is parked
// until the first await. Sending to a sent or consumed event is an
// error.
func (m *Manager) SendEvent(ctx context.Context, opts SendOptions) error {
	return m.store.Mutate(ctx, "workflow/sendEvent", func(tx *store.Tx) error {
		return m.SendEventTx(tx, opts)
	})
}

// SendEventTx delivers an event result inside an existing transaction.
func (m *Manager) SendEventTx(tx *store.Tx, opts SendOptions) error {
	result := fn.Success(opts.Value)
	if opts.Error != "" {
		result = fn.Failed(opts.Error)
	}

	if opts.ID != "" {
		ev, err := m.loadEvent(tx, opts.ID)
		if err != nil {
			return err
		}
		return m.sendTo(tx, ev, result)
	}

	if opts.Name == "" || opts.WorkflowID == "" {
		return &errors.ValidationError{Field: "event", Message: "send needs an event id, or a name and workflow id"}
	}

	// Prefer a waiting event, then a created one.
	for _, state := range []EventState{EventWaiting, EventCreated} {
		ev, err := m.findEvent(tx, opts.WorkflowID, opts.Name, state)
		if err != nil {
			return err
		}
		if ev != nil {
			return m.sendTo(tx, ev, result)
		}
	}

	// Nobody is waiting yet: park the result.
	detail := eventDetail{Result: &result, SentAt: m.clock().UnixMilli()}
	_, err := m.insertEvent(tx, opts.WorkflowID, opts.Name, EventSent, detail)
	return err
}

func (m *Manager) sendTo(tx *store.Tx, ev *event, result fn.RunResult) error {
	now := m.clock().UnixMilli()
	switch ev.State {
	case EventWaiting:
		ev.Detail.Result = &result
		ev.Detail.SentAt = now
		ev.Detail.ConsumedAt = now
		if err := m.updateEvent(tx, ev, EventConsumed); err != nil {
			return err
		}
		return m.resolveWaitingStep(tx, ev, result)
	case EventCreated:
		ev.Detail.Result = &result
		ev.Detail.SentAt = now
		return m.updateEvent(tx, ev, EventSent)
	default:
		return &errors.StateError{Resource: "event", ID: ev.ID, State: string(ev.State), Operation: "send to"}
	}
}

// resolveWaitingStep finalizes the journal entry parked on ev and
// re-enqueues the workflow handler if nothing else is waiting.
func (m *Manager) resolveWaitingStep(tx *store.Tx, ev *event, result fn.RunResult) error {
	if ev.Detail.StepNumber == nil {
		return &errors.StateError{Resource: "event", ID: ev.ID, State: string(ev.State), Operation: "resolve"}
	}

	wf, err := m.loadWorkflow(tx, ev.WorkflowID)
	if err != nil {
		return err
	}
	if wf.RunResult != nil {
		return nil
	}

	entry, err := m.loadEntryAt(tx, ev.WorkflowID, *ev.Detail.StepNumber)
	if err != nil {
		return err
	}
	if entry == nil || !entry.InProgress {
		return nil
	}

	// A sent error propagates as the step's failure; a sent value is
	// checked against the await's validator first.
	if result.Kind == fn.ResultSuccess && len(entry.EventValidator) > 0 {
		schema, err := compileSchema("event/"+ev.ID, entry.EventValidator)
		if err != nil {
			result = fn.Failed(err.Error())
		} else if verr := validateAgainst(schema, result.ReturnValue); verr != nil {
			result = fn.Failed("event value rejected by validator: " + verr.Error())
		}
	}

	entry.RunResult = &result
	entry.InProgress = false
	entry.CompletedAt = m.clock().UnixMilli()
	if err := m.updateEntry(tx, ev.WorkflowID, entry); err != nil {
		return err
	}

	waiting, err := m.countWaitingEvents(tx, ev.WorkflowID)
	if err != nil {
		return err
	}
	if waiting == 0 {
		if err := m.enqueueTick(tx, wf); err != nil {
			return err
		}
	}

	m.logger.Debug("event consumed",
		log.WorkflowIDKey, ev.WorkflowID,
		"event", ev.Name,
		log.StepKey, *ev.Detail.StepNumber)
	return nil
}

// resolveAwait handles a fresh await-event step inside startSteps. It
// returns the step's immediate result if a parked send satisfied it;
// otherwise the step stays in progress with the event waiting on it.
func (m *Manager) resolveAwait(tx *store.Tx, wf *Workflow, entry *journalEntry, sel *eventSelector) (*fn.RunResult, error) {
	now := m.clock().UnixMilli()

	if sel.ID != "" {
		ev, err := m.loadEvent(tx, sel.ID)
		if err != nil {
			var notFound *errors.NotFoundError
			if errors.As(err, &notFound) {
				failed := fn.Failed(err.Error())
				return &failed, nil
			}
			return nil, err
		}
		if ev.WorkflowID != wf.ID {
			failed := fn.Failed("event " + sel.ID + " belongs to another workflow")
			return &failed, nil
		}
		switch ev.State {
		case EventSent:
			return m.consume(tx, ev, entry)
		case EventCreated:
			ev.Detail.WaitingAt = now
			ev.Detail.StepNumber = &entry.StepNumber
			entry.EventID = ev.ID
			return nil, m.updateEvent(tx, ev, EventWaiting)
		default:
			failed := fn.Failed("cannot await event " + ev.ID + " in state " + string(ev.State))
			return &failed, nil
		}
	}

	// By name: a parked send wins, then an explicitly created event,
	// else a fresh waiting event.
	for _, state := range []EventState{EventSent, EventCreated} {
		ev, err := m.findEvent(tx, wf.ID, sel.Name, state)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		if ev.State == EventSent {
			return m.consume(tx, ev, entry)
		}
		ev.Detail.WaitingAt = now
		ev.Detail.StepNumber = &entry.StepNumber
		entry.EventID = ev.ID
		return nil, m.updateEvent(tx, ev, EventWaiting)
	}

	detail := eventDetail{WaitingAt: now, StepNumber: &entry.StepNumber}
	id, err := m.insertEvent(tx, wf.ID, sel.Name, EventWaiting, detail)
	if err != nil {
		return nil, err
	}
	entry.EventID = id
	return nil, nil
}

// consume finalizes the rendezvous between a parked send and a fresh
// await.
func (m *Manager) consume(tx *store.Tx, ev *event, entry *journalEntry) (*fn.RunResult, error) {
	now := m.clock().UnixMilli()
	ev.Detail.WaitingAt = now
	ev.Detail.ConsumedAt = now
	ev.Detail.StepNumber = &entry.StepNumber
	entry.EventID = ev.ID
	if err := m.updateEvent(tx, ev, EventConsumed); err != nil {
		return nil, err
	}

	result := fn.Canceled()
	if ev.Detail.Result != nil {
		result = *ev.Detail.Result
	}
	if result.Kind == fn.ResultSuccess && len(entry.EventValidator) > 0 {
		schema, err := compileSchema("event/"+ev.ID, entry.EventValidator)
		if err != nil {
			result = fn.Failed(err.Error())
		} else if verr := validateAgainst(schema, result.ReturnValue); verr != nil {
			result = fn.Failed("event value rejected by validator: " + verr.Error())
		}
	}
	return &result, nil
}

func (m *Manager) insertEvent(tx *store.Tx, workflowID, name string, state EventState, detail eventDetail) (string, error) {
	encoded, err := json.Marshal(detail)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = tx.Exec(`INSERT INTO workflow_events (id, workflow_id, name, state, detail, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, workflowID, name, string(state), string(encoded), m.clock().UnixMilli())
	if err != nil {
		return "", errors.Wrap(err, "inserting event")
	}
	return id, nil
}

func (m *Manager) updateEvent(tx *store.Tx, ev *event, state EventState) error {
	encoded, err := json.Marshal(ev.Detail)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE workflow_events SET state = ?, detail = ? WHERE id = ?`,
		string(state), string(encoded), ev.ID)
	if err != nil {
		return err
	}
	ev.State = state
	return nil
}

func (m *Manager) loadEvent(tx *store.Tx, id string) (*event, error) {
	row := tx.QueryRow(`SELECT id, workflow_id, name, state, detail FROM workflow_events WHERE id = ?`, id)
	return scanEvent(row, id)
}

// findEvent returns the oldest event for (workflowID, name) in the
// given state, or nil.
func (m *Manager) findEvent(tx *store.Tx, workflowID, name string, state EventState) (*event, error) {
	row := tx.QueryRow(`SELECT id, workflow_id, name, state, detail FROM workflow_events
		WHERE workflow_id = ? AND name = ? AND state = ?
		ORDER BY created_at_ms LIMIT 1`,
		workflowID, name, string(state))
	ev, err := scanEvent(row, "")
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return ev, nil
}

func (m *Manager) countWaitingEvents(tx *store.Tx, workflowID string) (int, error) {
	var count int
	err := tx.QueryRow(`SELECT COUNT(*) FROM workflow_events WHERE workflow_id = ? AND state = ?`,
		workflowID, string(EventWaiting)).Scan(&count)
	return count, err
}

func scanEvent(row *sql.Row, id string) (*event, error) {
	var (
		ev     event
		state  string
		detail string
	)
	if err := row.Scan(&ev.ID, &ev.WorkflowID, &ev.Name, &state, &detail); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "event", ID: id}
		}
		return nil, err
	}
	ev.State = EventState(state)
	if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
		return nil, errors.Wrap(err, "decoding event detail")
	}
	return &ev, nil
}
