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
	"encoding/json"
	"math/rand"
	"time"

	"github.com/tombee/durable/pkg/fn"
)

// Item describes one function invocation to enqueue.
type Item struct {
	// Handle resolves to the function to run.
	Handle fn.Handle

	// Name is a human-readable function name for status and logs.
	Name string

	// Args is the serialized argument payload.
	Args json.RawMessage

	// RunAt is the earliest time the item may start. Zero means now.
	// Clamped to the scheduling horizon.
	RunAt time.Time

	// OnComplete, if set, is invoked exactly once with the terminal
	// result.
	OnComplete *OnComplete

	// Retry selects the retry policy for this item. Nil defers to the
	// pool configuration. Only actions retry.
	Retry *RetryPolicy
}

// OnComplete names a mutation to run when an item reaches a terminal
// state, with an opaque caller context passed through verbatim.
type OnComplete struct {
	Handle  fn.Handle       `json:"handle"`
	Context json.RawMessage `json:"context,omitempty"`
}

// CompletionArgs is the payload delivered to an OnComplete mutation.
type CompletionArgs struct {
	WorkID   string          `json:"workId"`
	Context  json.RawMessage `json:"context,omitempty"`
	Result   fn.RunResult    `json:"result"`
	Attempts int             `json:"attempts"`
}

// RetryBehavior controls backoff between attempts.
type RetryBehavior struct {
	// MaxAttempts bounds the total number of dispatches.
	MaxAttempts int `json:"maxAttempts"`

	// InitialBackoffMs is the delay before the first retry.
	InitialBackoffMs int `json:"initialBackoffMs"`

	// Base is the exponential growth factor between retries.
	Base float64 `json:"base"`
}

// DefaultRetryBehavior is used when an item opts into retry without
// specifying a policy and the pool has no override.
var DefaultRetryBehavior = RetryBehavior{
	MaxAttempts:      4,
	InitialBackoffMs: 250,
	Base:             2,
}

// Backoff returns the delay before dispatching attempt attempts+1, with
// multiplicative jitter in [0.5, 1.5).
func (b RetryBehavior) Backoff(attempts int) time.Duration {
	backoff := float64(b.InitialBackoffMs)
	for i := 0; i < attempts; i++ {
		backoff *= b.Base
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(backoff*jitter) * time.Millisecond
}

// RetryPolicy is an item-level retry selection, persisted alongside the
// work item.
type RetryPolicy struct {
	// Kind is "default", "none", or "custom".
	Kind string `json:"kind"`

	// Behavior is the custom policy when Kind is "custom".
	Behavior *RetryBehavior `json:"behavior,omitempty"`
}

// RetryDefault opts the item into the pool's default retry behavior.
func RetryDefault() *RetryPolicy {
	return &RetryPolicy{Kind: "default"}
}

// RetryNone disables retry for the item even if the pool retries actions
// by default.
func RetryNone() *RetryPolicy {
	return &RetryPolicy{Kind: "none"}
}

// RetryWith uses a custom policy for the item.
func RetryWith(b RetryBehavior) *RetryPolicy {
	return &RetryPolicy{Kind: "custom", Behavior: &b}
}
