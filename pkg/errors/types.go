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

package errors

import (
	"fmt"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "work item", "event")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "max_parallelism")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// StateError represents an invariant violation: a record observed in a
// state it must never be in when the operation runs (double completion,
// sending to a consumed event, stale generation). These are programmer
// errors, not transient conditions.
type StateError struct {
	// Resource is the type of record (e.g., "event", "run status")
	Resource string

	// ID is the record's identifier
	ID string

	// State is the state the record was found in
	State string

	// Operation is what was attempted
	Operation string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Operation, e.Resource, e.ID, e.State)
}

// DeterminismError represents a workflow replay mismatch: the handler
// issued a step that does not match the journal entry recorded for the
// same position. The workflow cannot make progress and is failed.
type DeterminismError struct {
	// WorkflowID is the workflow whose replay diverged
	WorkflowID string

	// Step is the journal position that failed to match
	Step int

	// Reason describes the mismatch (name, kind, or args)
	Reason string
}

// Error implements the error interface.
func (e *DeterminismError) Error() string {
	return fmt.Sprintf("journal entry mismatch for workflow %s at step %d: %s", e.WorkflowID, e.Step, e.Reason)
}

// JournalSizeError is returned when appending a step would push a
// workflow's journal past its size limit.
type JournalSizeError struct {
	// WorkflowID is the workflow whose journal overflowed
	WorkflowID string

	// Step is the name of the step that did not fit
	Step string

	// Size is the journal size after the attempted append, in bytes
	Size int

	// Limit is the configured maximum, in bytes
	Limit int
}

// Error implements the error interface.
func (e *JournalSizeError) Error() string {
	return fmt.Sprintf("journal for workflow %s exceeds %d bytes (%d) adding step %q", e.WorkflowID, e.Limit, e.Size, e.Step)
}

// CanceledError is returned to a workflow step whose work was canceled.
type CanceledError struct{}

// Error implements the error interface.
func (e *CanceledError) Error() string {
	return "Canceled"
}
