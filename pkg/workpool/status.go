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

	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/store"
)

// StatusKind classifies where a work item is in its lifecycle.
type StatusKind string

const (
	// StatusFinished means the item has been finalized and deleted.
	StatusFinished StatusKind = "finished"
	// StatusPending means the item is waiting to start (first dispatch
	// or a retry backoff).
	StatusPending StatusKind = "pending"
	// StatusRunning means the item is dispatched and in flight.
	StatusRunning StatusKind = "running"
)

// Status is a point-in-time view of a work item.
type Status struct {
	Kind StatusKind `json:"state"`

	// PreviousAttempts counts dispatches that have already failed.
	// Only meaningful for pending and running items.
	PreviousAttempts int `json:"previousAttempts,omitempty"`
}

// Status reports the state of one work item.
func (p *Pool) Status(ctx context.Context, workID string) (Status, error) {
	var status Status
	err := p.store.View(ctx, func(tx *store.Tx) error {
		var err error
		status, err = p.StatusTx(tx, workID)
		return err
	})
	return status, err
}

// StatusBatch reports the state of several work items in one read
// transaction.
func (p *Pool) StatusBatch(ctx context.Context, workIDs []string) ([]Status, error) {
	statuses := make([]Status, len(workIDs))
	err := p.store.View(ctx, func(tx *store.Tx) error {
		for i, id := range workIDs {
			var err error
			statuses[i], err = p.StatusTx(tx, id)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// StatusTx reports the state of one work item inside an existing
// transaction.
func (p *Pool) StatusTx(tx *store.Tx, workID string) (Status, error) {
	item, err := p.loadItem(tx, workID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return Status{Kind: StatusFinished}, nil
		}
		return Status{}, err
	}

	var pendingStarts int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM pending_start WHERE pool = ? AND work_id = ?`,
		p.name, workID).Scan(&pendingStarts); err != nil {
		return Status{}, err
	}
	if pendingStarts > 0 {
		return Status{Kind: StatusPending, PreviousAttempts: item.Attempts}, nil
	}

	var retryCompletions int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM pending_completion
		WHERE pool = ? AND work_id = ? AND retry_at_ms IS NOT NULL`,
		p.name, workID).Scan(&retryCompletions); err != nil {
		return Status{}, err
	}
	if retryCompletions > 0 {
		return Status{Kind: StatusPending, PreviousAttempts: item.Attempts}, nil
	}

	return Status{Kind: StatusRunning, PreviousAttempts: item.Attempts}, nil
}
