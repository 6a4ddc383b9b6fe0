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
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/workpool"
)

// Context is the deterministic environment a workflow handler runs in.
// All step calls, time, randomness, and logging go through it. Its
// methods must be called from the handler's own goroutine.
type Context struct {
	exec *executor
}

// WorkflowID returns the id of the running workflow.
func (c *Context) WorkflowID() string {
	return c.exec.wf.ID
}

// Now returns a deterministic time: during replay it is the recorded
// start time of the next journal entry, otherwise the wall clock.
func (c *Context) Now() time.Time {
	e := c.exec
	if e.jpos < len(e.journal) {
		return time.UnixMilli(e.journal[e.jpos].StartedAt)
	}
	return e.m.clock()
}

// Rand returns a PRNG seeded from the workflow id, so replays draw the
// same sequence.
func (c *Context) Rand() *rand.Rand {
	return c.exec.rng
}

// Logger returns the workflow logger. During replay of already-recorded
// steps it discards output, so a workflow that replays five times logs
// each line once.
func (c *Context) Logger() *slog.Logger {
	e := c.exec
	if e.jpos < e.boundary {
		return log.Discard()
	}
	return log.WithWorkflow(e.m.logger, e.wf.ID)
}

// StepOption adjusts a single step call.
type StepOption func(*stepRequest)

// WithName overrides the step's recorded name.
func WithName(name string) StepOption {
	return func(req *stepRequest) {
		req.name = name
	}
}

// WithRetry sets the retry policy for an action step.
func WithRetry(policy *workpool.RetryPolicy) StepOption {
	return func(req *stepRequest) {
		req.retry = policy
	}
}

// Future is a pending step result. Await it from the handler goroutine.
type Future struct {
	exec *executor
	fut  *future
}

// Await blocks until the step has a result, suspending the workflow
// across ticks if necessary. Failed steps return their error; canceled
// steps return a CanceledError.
func (f *Future) Await() (json.RawMessage, error) {
	result := f.exec.await(f.fut)
	switch result.Kind {
	case fn.ResultSuccess:
		return result.ReturnValue, nil
	case fn.ResultCanceled:
		return nil, &errors.CanceledError{}
	default:
		return nil, errors.New(result.Error)
	}
}

func (c *Context) startFunction(fnType fn.Type, handle fn.Handle, args any, opts []StepOption) *Future {
	raw, err := fn.MarshalArgs(args)
	if err != nil {
		// Unserializable args are a programmer error; surface it as a
		// failed step so the handler sees it on Await.
		fut := newFuture()
		fut.resolve(fn.Failed(err.Error()))
		return &Future{exec: c.exec, fut: fut}
	}

	req := &stepRequest{
		kind:   stepFunction,
		name:   string(handle),
		handle: handle,
		fnType: fnType,
		args:   raw,
		future: newFuture(),
		ack:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(req)
	}
	c.exec.send(req)
	return &Future{exec: c.exec, fut: req.future}
}

// RunQuery runs a read-only function as a step.
func (c *Context) RunQuery(handle fn.Handle, args any, opts ...StepOption) (json.RawMessage, error) {
	return c.startFunction(fn.TypeQuery, handle, args, opts).Await()
}

// RunQueryAsync starts a query step without waiting.
func (c *Context) RunQueryAsync(handle fn.Handle, args any, opts ...StepOption) *Future {
	return c.startFunction(fn.TypeQuery, handle, args, opts)
}

// RunMutation runs a transactional function as a step.
func (c *Context) RunMutation(handle fn.Handle, args any, opts ...StepOption) (json.RawMessage, error) {
	return c.startFunction(fn.TypeMutation, handle, args, opts).Await()
}

// RunMutationAsync starts a mutation step without waiting.
func (c *Context) RunMutationAsync(handle fn.Handle, args any, opts ...StepOption) *Future {
	return c.startFunction(fn.TypeMutation, handle, args, opts)
}

// RunAction runs a side-effecting function as a step. Actions are the
// only step kind that retries.
func (c *Context) RunAction(handle fn.Handle, args any, opts ...StepOption) (json.RawMessage, error) {
	return c.startFunction(fn.TypeAction, handle, args, opts).Await()
}

// RunActionAsync starts an action step without waiting; use it for
// fan-out, then Await each future.
func (c *Context) RunActionAsync(handle fn.Handle, args any, opts ...StepOption) *Future {
	return c.startFunction(fn.TypeAction, handle, args, opts)
}

// RunWorkflow runs another registered workflow as a child step and
// waits for its result.
func (c *Context) RunWorkflow(name string, args any, opts ...StepOption) (json.RawMessage, error) {
	return c.RunWorkflowAsync(name, args, opts...).Await()
}

// RunWorkflowAsync starts a child workflow step without waiting.
func (c *Context) RunWorkflowAsync(name string, args any, opts ...StepOption) *Future {
	raw, err := fn.MarshalArgs(args)
	if err != nil {
		fut := newFuture()
		fut.resolve(fn.Failed(err.Error()))
		return &Future{exec: c.exec, fut: fut}
	}

	req := &stepRequest{
		kind:   stepWorkflow,
		name:   name,
		args:   raw,
		future: newFuture(),
		ack:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(req)
	}
	c.exec.send(req)
	return &Future{exec: c.exec, fut: req.future}
}

// EventSelector names the event an AwaitEvent step waits for. Exactly
// one of ID or Name must be set. Validator, if present, is a JSON
// Schema the delivered value must satisfy.
type EventSelector struct {
	ID        string
	Name      string
	Validator json.RawMessage
}

// AwaitEvent suspends the workflow until a matching event is sent. If
// the event was already sent, the step resolves immediately on the next
// tick.
func (c *Context) AwaitEvent(sel EventSelector) (json.RawMessage, error) {
	return c.AwaitEventAsync(sel).Await()
}

// AwaitEventAsync starts an event wait without blocking.
func (c *Context) AwaitEventAsync(sel EventSelector) *Future {
	selector := &eventSelector{ID: sel.ID, Name: sel.Name, validator: sel.Validator}
	name := sel.Name
	if name == "" {
		name = "event:" + sel.ID
	}
	args, err := fn.MarshalArgs(eventSelector{ID: sel.ID, Name: sel.Name})
	if err != nil {
		fut := newFuture()
		fut.resolve(fn.Failed(err.Error()))
		return &Future{exec: c.exec, fut: fut}
	}

	req := &stepRequest{
		kind:   stepEvent,
		name:   name,
		args:   args,
		event:  selector,
		future: newFuture(),
		ack:    make(chan struct{}),
	}
	c.exec.send(req)
	return &Future{exec: c.exec, fut: req.future}
}
