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

// Package fn provides persistable function handles and the process-wide
// registry resolving them back to callables.
//
// A Handle is an opaque, stable string. Serialized work enqueued
// yesterday must still resolve today, so handle names should be treated
// like wire formats: pick them once and keep them.
package fn

import (
	"context"
	"encoding/json"

	"github.com/tombee/durable/pkg/store"
)

// Type classifies a registered function.
type Type string

const (
	// TypeQuery is a read-only function running inside a read transaction.
	TypeQuery Type = "query"
	// TypeMutation is a read-write function running inside a serializable
	// write transaction.
	TypeMutation Type = "mutation"
	// TypeAction is a function that may perform external I/O. Actions run
	// outside any transaction and are the only type the workpool retries.
	TypeAction Type = "action"
)

// Valid reports whether t is a known function type.
func (t Type) Valid() bool {
	switch t {
	case TypeQuery, TypeMutation, TypeAction:
		return true
	}
	return false
}

// Handle is an opaque, persistable name resolving to a registered
// callable.
type Handle string

// QueryFunc is a read-only function.
type QueryFunc func(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error)

// MutationFunc is a transactional read-write function.
type MutationFunc func(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error)

// ActionFunc is a side-effecting function running outside any
// transaction.
type ActionFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
