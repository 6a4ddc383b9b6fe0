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
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/scheduler"
	"github.com/tombee/durable/pkg/store"
)

type fixture struct {
	store *store.Store
	reg   *fn.Registry
	sched *scheduler.Scheduler
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := fn.NewRegistry()
	sched := scheduler.New(st, reg, scheduler.Options{})
	sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Stop(ctx)
	})

	mgr, err := New(context.Background(), Options{
		Store:     st,
		Scheduler: sched,
		Registry:  reg,
	})
	require.NoError(t, err)

	return &fixture{store: st, reg: reg, sched: sched, mgr: mgr}
}

type resultRecorder struct {
	mu      sync.Mutex
	results []CompletionArgs
	handle  fn.Handle
}

func newResultRecorder(t *testing.T, f *fixture, name string) *resultRecorder {
	t.Helper()
	rec := &resultRecorder{}
	rec.handle = f.reg.RegisterMutation(name, func(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error) {
		var payload CompletionArgs
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, err
		}
		rec.mu.Lock()
		rec.results = append(rec.results, payload)
		rec.mu.Unlock()
		return nil, nil
	})
	return rec
}

func (r *resultRecorder) recorded() []CompletionArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CompletionArgs(nil), r.results...)
}

func waitResult(t *testing.T, f *fixture, workflowID string) *fn.RunResult {
	t.Helper()
	var result *fn.RunResult
	require.Eventually(t, func() bool {
		status, err := f.mgr.GetStatus(context.Background(), workflowID)
		if err != nil {
			return false
		}
		result = status.Workflow.RunResult
		return result != nil
	}, 15*time.Second, 10*time.Millisecond)
	return result
}

func TestWorkflowHappyPath(t *testing.T) {
	f := newFixture(t)

	double := f.reg.RegisterAction("test/double", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var n int
		if err := json.Unmarshal(args, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n * 2)
	})
	rec := newResultRecorder(t, f, "test/happy/onComplete")

	require.NoError(t, f.mgr.Register("happy", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		var n int
		if err := json.Unmarshal(args, &n); err != nil {
			return nil, err
		}
		doubled, err := ctx.RunAction(double, n)
		if err != nil {
			return nil, err
		}
		return doubled, nil
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{
		Name:       "happy",
		Args:       21,
		OnComplete: rec.handle,
	})
	require.NoError(t, err)

	result := waitResult(t, f, id)
	require.Equal(t, fn.ResultSuccess, result.Kind)
	assert.JSONEq(t, `42`, string(result.ReturnValue))

	require.Eventually(t, func() bool { return len(rec.recorded()) == 1 }, 5*time.Second, 10*time.Millisecond)
	payloads := rec.recorded()
	assert.Equal(t, id, payloads[0].WorkflowID)
	assert.Equal(t, fn.ResultSuccess, payloads[0].Result.Kind)
}

func TestWorkflowParallelSteps(t *testing.T) {
	f := newFixture(t)

	echo := f.reg.RegisterAction("test/echo", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return nil, err
		}
		return json.Marshal(s)
	})
	concat := f.reg.RegisterMutation("test/concat", func(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error) {
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return nil, err
		}
		return json.Marshal(s)
	})

	require.NoError(t, f.mgr.Register("parallel", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		futA := ctx.RunActionAsync(echo, "x")
		futB := ctx.RunActionAsync(echo, "y")
		a, err := futA.Await()
		if err != nil {
			return nil, err
		}
		b, err := futB.Await()
		if err != nil {
			return nil, err
		}
		var sa, sb string
		if err := json.Unmarshal(a, &sa); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &sb); err != nil {
			return nil, err
		}
		return ctx.RunMutation(concat, sa+sb)
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{Name: "parallel"})
	require.NoError(t, err)

	result := waitResult(t, f, id)
	require.Equal(t, fn.ResultSuccess, result.Kind)
	assert.JSONEq(t, `"xy"`, string(result.ReturnValue))

	steps, err := f.mgr.ListSteps(context.Background(), id, ListOptions{})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "test/echo", steps[0].Name)
	assert.Equal(t, "test/echo", steps[1].Name)
	assert.Equal(t, "test/concat", steps[2].Name)
	assert.JSONEq(t, `"x"`, string(steps[0].Args))
	assert.JSONEq(t, `"y"`, string(steps[1].Args))
}

func TestEventAwaitThenSend(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.Register("approval", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		return ctx.AwaitEvent(EventSelector{
			Name:      "approval",
			Validator: json.RawMessage(`{"type":"object","properties":{"approved":{"type":"boolean"}},"required":["approved"]}`),
		})
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{Name: "approval"})
	require.NoError(t, err)

	// Let the workflow park on the event first.
	require.Eventually(t, func() bool {
		status, err := f.mgr.GetStatus(context.Background(), id)
		return err == nil && len(status.InProgress) == 1
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, f.mgr.SendEvent(context.Background(), SendOptions{
		WorkflowID: id,
		Name:       "approval",
		Value:      json.RawMessage(`{"approved":true}`),
	}))

	result := waitResult(t, f, id)
	require.Equal(t, fn.ResultSuccess, result.Kind)
	assert.JSONEq(t, `{"approved":true}`, string(result.ReturnValue))
}

func TestEventSendThenAwait(t *testing.T) {
	f := newFixture(t)

	gate := make(chan struct{})
	waitGate := f.reg.RegisterAction("test/gate", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		<-gate
		return json.Marshal(nil)
	})

	require.NoError(t, f.mgr.Register("lateAwait", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		if _, err := ctx.RunAction(waitGate, nil); err != nil {
			return nil, err
		}
		return ctx.AwaitEvent(EventSelector{Name: "signal"})
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{Name: "lateAwait"})
	require.NoError(t, err)

	// Send before the workflow reaches its await.
	require.NoError(t, f.mgr.SendEvent(context.Background(), SendOptions{
		WorkflowID: id,
		Name:       "signal",
		Value:      json.RawMessage(`"hello"`),
	}))
	close(gate)

	result := waitResult(t, f, id)
	require.Equal(t, fn.ResultSuccess, result.Kind)
	assert.JSONEq(t, `"hello"`, string(result.ReturnValue))
}

func TestEventDoubleSendFails(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.Register("single", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{Name: "single", StartAsync: true})
	require.NoError(t, err)

	eventID, err := f.mgr.CreateEvent(context.Background(), id, "once")
	require.NoError(t, err)

	require.NoError(t, f.mgr.SendEvent(context.Background(), SendOptions{ID: eventID, Value: json.RawMessage(`1`)}))

	err = f.mgr.SendEvent(context.Background(), SendOptions{ID: eventID, Value: json.RawMessage(`2`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sent")
}

func TestDeterminismViolation(t *testing.T) {
	f := newFixture(t)

	var argValue atomic.Int64
	argValue.Store(1)

	noop := f.reg.RegisterAction("test/detNoop", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(nil)
	})

	require.NoError(t, f.mgr.Register("unstable", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		if _, err := ctx.RunAction(noop, map[string]int64{"x": argValue.Load()}); err != nil {
			return nil, err
		}
		return ctx.AwaitEvent(EventSelector{Name: "resume"})
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{Name: "unstable"})
	require.NoError(t, err)

	// Wait until the first step is journaled and the workflow is parked
	// on the event.
	require.Eventually(t, func() bool {
		steps, err := f.mgr.ListSteps(context.Background(), id, ListOptions{})
		return err == nil && len(steps) == 2 && !steps[0].InProgress
	}, 10*time.Second, 10*time.Millisecond)

	// A "deploy" changes the handler's behavior between replays.
	argValue.Store(2)

	require.NoError(t, f.mgr.SendEvent(context.Background(), SendOptions{
		WorkflowID: id,
		Name:       "resume",
		Value:      json.RawMessage(`null`),
	}))

	result := waitResult(t, f, id)
	require.Equal(t, fn.ResultFailed, result.Kind)
	assert.Contains(t, result.Error, "journal entry mismatch")
}

func TestNestedWorkflow(t *testing.T) {
	f := newFixture(t)

	shout := f.reg.RegisterAction("test/shout", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return nil, err
		}
		return json.Marshal(strings.ToUpper(s))
	})

	require.NoError(t, f.mgr.Register("child", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		return ctx.RunAction(shout, json.RawMessage(args))
	}, DefinitionOptions{}))

	require.NoError(t, f.mgr.Register("parent", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		return ctx.RunWorkflow("child", "quiet")
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{Name: "parent"})
	require.NoError(t, err)

	result := waitResult(t, f, id)
	require.Equal(t, fn.ResultSuccess, result.Kind)
	assert.JSONEq(t, `"QUIET"`, string(result.ReturnValue))
}

func TestCancelPropagates(t *testing.T) {
	f := newFixture(t)

	rec := newResultRecorder(t, f, "test/cancel/onComplete")

	require.NoError(t, f.mgr.Register("waiter", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		return ctx.AwaitEvent(EventSelector{Name: "never"})
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{
		Name:       "waiter",
		OnComplete: rec.handle,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := f.mgr.GetStatus(context.Background(), id)
		return err == nil && len(status.InProgress) == 1
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, f.mgr.Cancel(context.Background(), id))

	result := waitResult(t, f, id)
	assert.Equal(t, fn.ResultCanceled, result.Kind)

	payloads := rec.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, fn.ResultCanceled, payloads[0].Result.Kind)

	// No step may remain in flight.
	status, err := f.mgr.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, status.InProgress)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.Register("quick", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal("done")
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{Name: "quick"})
	require.NoError(t, err)
	waitResult(t, f, id)

	deleted, err := f.mgr.Cleanup(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = f.mgr.GetStatus(context.Background(), id)
	require.Error(t, err)

	// Cleaning up twice reports nothing deleted.
	deleted, err = f.mgr.Cleanup(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestJournalSizeLimit(t *testing.T) {
	f := newFixture(t)

	big := f.reg.RegisterAction("test/big", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(nil)
	})

	require.NoError(t, f.mgr.Register("oversized", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		payload := strings.Repeat("x", maxJournalBytes+1)
		return ctx.RunAction(big, payload, WithName("huge"))
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{Name: "oversized", StartAsync: true})
	require.NoError(t, err)

	result := waitResult(t, f, id)
	require.Equal(t, fn.ResultFailed, result.Kind)
	assert.Contains(t, result.Error, "huge")
	assert.Contains(t, result.Error, "exceeds")
}

func TestArgsSchemaValidation(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.Register("typed", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	}, DefinitionOptions{
		ArgsSchema: json.RawMessage(`{"type":"object","required":["count"],"properties":{"count":{"type":"integer"}}}`),
	}))

	_, err := f.mgr.Create(context.Background(), CreateOptions{
		Name: "typed",
		Args: map[string]any{"wrong": true},
	})
	require.Error(t, err)

	id, err := f.mgr.Create(context.Background(), CreateOptions{
		Name: "typed",
		Args: map[string]any{"count": 3},
	})
	require.NoError(t, err)
	result := waitResult(t, f, id)
	assert.Equal(t, fn.ResultSuccess, result.Kind)
}

func TestListByName(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.Register("listed", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}, DefinitionOptions{}))
	require.NoError(t, f.mgr.Register("other", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}, DefinitionOptions{}))

	for i := 0; i < 3; i++ {
		_, err := f.mgr.Create(context.Background(), CreateOptions{Name: "listed", Args: i})
		require.NoError(t, err)
	}
	_, err := f.mgr.Create(context.Background(), CreateOptions{Name: "other"})
	require.NoError(t, err)

	listed, err := f.mgr.ListByName(context.Background(), "listed", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, listed, 3)

	all, err := f.mgr.List(context.Background(), ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReplayIsDeterministic(t *testing.T) {
	f := newFixture(t)

	var handlerRuns atomic.Int32
	noop := f.reg.RegisterAction("test/replayNoop", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(nil)
	})

	require.NoError(t, f.mgr.Register("replayed", func(ctx *Context, args json.RawMessage) (json.RawMessage, error) {
		handlerRuns.Add(1)
		first := ctx.Rand().Int63()
		if _, err := ctx.RunAction(noop, nil, WithName("one")); err != nil {
			return nil, err
		}
		second := ctx.Rand().Int63()
		if _, err := ctx.RunAction(noop, nil, WithName("two")); err != nil {
			return nil, err
		}
		return json.Marshal([]int64{first, second})
	}, DefinitionOptions{}))

	id, err := f.mgr.Create(context.Background(), CreateOptions{Name: "replayed"})
	require.NoError(t, err)

	result := waitResult(t, f, id)
	require.Equal(t, fn.ResultSuccess, result.Kind)

	// The handler replayed at least twice (two blocking steps), yet the
	// PRNG draws recorded in the result came from a single seed.
	assert.GreaterOrEqual(t, handlerRuns.Load(), int32(2))

	var draws []int64
	require.NoError(t, json.Unmarshal(result.ReturnValue, &draws))
	require.Len(t, draws, 2)

	seed := fnv.New64a()
	seed.Write([]byte(id))
	rng := rand.New(rand.NewSource(int64(seed.Sum64())))
	assert.Equal(t, []int64{rng.Int63(), rng.Int63()}, draws)
}
