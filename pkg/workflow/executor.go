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
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/workpool"
)

// tickEnded is the sentinel panic that unwinds the handler goroutine
// when a tick ends with the handler still blocked. Handlers must not
// recover panics.
type tickEnded struct{}

// future carries one step's eventual result across the
// handler/executor boundary. It is resolved at most once: by the
// executor goroutine, or by the handler goroutine itself when a step's
// args cannot be serialized.
type future struct {
	result *fn.RunResult
	ready  chan struct{}
}

func newFuture() *future {
	return &future{ready: make(chan struct{})}
}

func (f *future) resolve(r fn.RunResult) {
	if f.result == nil {
		f.result = &r
		close(f.ready)
	}
}

func (f *future) resolved() bool {
	return f.result != nil
}

// eventSelector names the event an event step waits for.
type eventSelector struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	validator json.RawMessage
}

// stepRequest is one step call crossing from the handler to the
// executor.
type stepRequest struct {
	kind   stepKind
	name   string
	handle fn.Handle
	fnType fn.Type
	args   json.RawMessage
	retry  *workpool.RetryPolicy
	event  *eventSelector

	future *future
	ack    chan struct{}
}

// newStep pairs a freshly-appended journal entry with the request that
// produced it, so the tick can dispatch it after the executor blocks.
type newStep struct {
	entry *journalEntry
	req   *stepRequest
}

type handlerDone struct {
	ret     json.RawMessage
	err     error
	aborted bool
}

// tickOutcome is what one executor drive produced: either the handler
// finished (done) or it blocked on steps that have no results yet.
type tickOutcome struct {
	done bool
	ret  json.RawMessage
	err  error
}

// executor coroutines with the handler: it pops step requests, matches
// them against the journal, resolves replay hits immediately, and
// records fresh steps for the tick to persist and dispatch.
//
// The handshake is strict: the handler goroutine is paused while the
// executor processes a request (it waits for the ack), so journal state
// is never accessed concurrently.
type executor struct {
	m        *Manager
	wf       *Workflow
	journal  []*journalEntry
	jpos     int
	boundary int
	fresh    []newStep
	fatal    error

	reqCh   chan *stepRequest
	awaitCh chan *future
	doneCh  chan handlerDone
	tickEnd chan struct{}

	rng *rand.Rand
}

func (m *Manager) newExecutor(wf *Workflow, journal []*journalEntry) *executor {
	seed := fnv.New64a()
	seed.Write([]byte(wf.ID))
	return &executor{
		m:        m,
		wf:       wf,
		journal:  journal,
		boundary: len(journal),
		reqCh:    make(chan *stepRequest),
		awaitCh:  make(chan *future),
		doneCh:   make(chan handlerDone, 1),
		tickEnd:  make(chan struct{}),
		rng:      rand.New(rand.NewSource(int64(seed.Sum64()))),
	}
}

// drive replays the handler until it finishes or blocks. On return the
// handler goroutine has fully unwound.
func (e *executor) drive(handler HandlerFunc, args json.RawMessage) tickOutcome {
	ctx := &Context{exec: e}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(tickEnded); ok {
					e.doneCh <- handlerDone{aborted: true}
					return
				}
				e.doneCh <- handlerDone{err: fmt.Errorf("workflow handler panic: %v", r)}
			}
		}()
		ret, err := handler(ctx, args)
		e.doneCh <- handlerDone{ret: ret, err: err}
	}()

	for {
		select {
		case req := <-e.reqCh:
			e.handleRequest(req)
			close(req.ack)
			if e.fatal != nil {
				e.endTick()
				return tickOutcome{done: true, err: e.fatal}
			}

		case fut := <-e.awaitCh:
			if fut.resolved() {
				continue
			}
			// The handler is blocked on a step with no result yet:
			// this tick is over.
			e.endTick()
			return tickOutcome{}

		case done := <-e.doneCh:
			if done.aborted {
				// Cannot happen before endTick; treat as a wash.
				return tickOutcome{}
			}
			return tickOutcome{done: true, ret: done.ret, err: done.err}
		}
	}
}

// endTick unwinds the handler goroutine and waits for it to exit.
func (e *executor) endTick() {
	close(e.tickEnd)
	for {
		select {
		case req := <-e.reqCh:
			close(req.ack)
		case <-e.awaitCh:
		case <-e.doneCh:
			return
		}
	}
}

// handleRequest matches one step call against the journal. Replay hits
// resolve immediately; requests past the end of the journal become
// fresh entries. Any divergence from the recorded step is fatal.
func (e *executor) handleRequest(req *stepRequest) {
	if e.jpos < len(e.journal) {
		entry := e.journal[e.jpos]
		if entry.Kind != req.kind {
			e.fatal = &errors.DeterminismError{
				WorkflowID: e.wf.ID,
				Step:       entry.StepNumber,
				Reason:     fmt.Sprintf("journal has a %s step, handler issued a %s step", entry.Kind, req.kind),
			}
			return
		}
		if entry.Name != req.name {
			e.fatal = &errors.DeterminismError{
				WorkflowID: e.wf.ID,
				Step:       entry.StepNumber,
				Reason:     fmt.Sprintf("journal has step %q, handler issued %q", entry.Name, req.name),
			}
			return
		}
		if !bytes.Equal(entry.Args, req.args) {
			e.fatal = &errors.DeterminismError{
				WorkflowID: e.wf.ID,
				Step:       entry.StepNumber,
				Reason:     fmt.Sprintf("args for step %q changed between replays", req.name),
			}
			return
		}
		e.jpos++
		if entry.RunResult != nil {
			req.future.resolve(*entry.RunResult)
		}
		return
	}

	entry := &journalEntry{
		StepNumber: e.jpos,
		Kind:       req.kind,
		Name:       req.name,
		Args:       req.args,
		ArgsSize:   len(req.args),
		InProgress: true,
		StartedAt:  e.m.clock().UnixMilli(),
		Handle:     req.handle,
		FnType:     req.fnType,
	}
	if req.event != nil {
		entry.EventValidator = req.event.validator
	}
	e.journal = append(e.journal, entry)
	e.fresh = append(e.fresh, newStep{entry: entry, req: req})
	e.jpos++
}

// send delivers a request to the executor and waits until it has been
// processed. Called from the handler goroutine only.
func (e *executor) send(req *stepRequest) {
	select {
	case e.reqCh <- req:
	case <-e.tickEnd:
		panic(tickEnded{})
	}
	select {
	case <-req.ack:
	case <-e.tickEnd:
		panic(tickEnded{})
	}
}

// await blocks the handler until the future resolves or the tick ends.
func (e *executor) await(f *future) fn.RunResult {
	select {
	case e.awaitCh <- f:
	case <-e.tickEnd:
		panic(tickEnded{})
	}
	select {
	case <-f.ready:
		return *f.result
	case <-e.tickEnd:
		panic(tickEnded{})
	}
}
