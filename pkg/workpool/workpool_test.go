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
	"encoding/json"
	"fmt"
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

	return &fixture{store: st, reg: reg, sched: sched}
}

func (f *fixture) newPool(t *testing.T, name string, cfg Config) *Pool {
	t.Helper()
	pool, err := New(context.Background(), Options{
		Name:      name,
		Store:     f.store,
		Scheduler: f.sched,
		Registry:  f.reg,
		Config:    cfg,
	})
	require.NoError(t, err)
	return pool
}

// completionRecorder registers an onComplete mutation capturing its
// payloads.
type completionRecorder struct {
	mu       sync.Mutex
	payloads []CompletionArgs
	handle   fn.Handle
}

func newCompletionRecorder(t *testing.T, f *fixture, name string) *completionRecorder {
	t.Helper()
	rec := &completionRecorder{}
	rec.handle = f.reg.RegisterMutation(name, func(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error) {
		var payload CompletionArgs
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, err
		}
		rec.mu.Lock()
		rec.payloads = append(rec.payloads, payload)
		rec.mu.Unlock()
		return nil, nil
	})
	return rec
}

func (r *completionRecorder) recorded() []CompletionArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CompletionArgs(nil), r.payloads...)
}

func waitFinished(t *testing.T, pool *Pool, workID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := pool.Status(context.Background(), workID)
		return err == nil && status.Kind == StatusFinished
	}, 10*time.Second, 10*time.Millisecond)
}

func TestEnqueueHappyPath(t *testing.T) {
	f := newFixture(t)

	addHandle := f.reg.RegisterAction("test/add", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return json.Marshal(in.A + in.B)
	})
	rec := newCompletionRecorder(t, f, "test/add/onComplete")

	pool := f.newPool(t, "happy", Config{MaxParallelism: 2})

	workID, err := pool.Enqueue(context.Background(), Item{
		Handle:     addHandle,
		Name:       "add",
		Args:       json.RawMessage(`{"A":1,"B":2}`),
		Retry:      RetryDefault(),
		OnComplete: &OnComplete{Handle: rec.handle},
	})
	require.NoError(t, err)

	waitFinished(t, pool, workID)

	payloads := rec.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, workID, payloads[0].WorkID)
	assert.Equal(t, fn.ResultSuccess, payloads[0].Result.Kind)
	assert.JSONEq(t, `3`, string(payloads[0].Result.ReturnValue))
	assert.Equal(t, 0, payloads[0].Attempts)
}

func TestRetryThenSucceed(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	flaky := f.reg.RegisterAction("test/flaky", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("transient failure")
		}
		return json.Marshal("ok")
	})
	rec := newCompletionRecorder(t, f, "test/flaky/onComplete")

	pool := f.newPool(t, "retry", Config{MaxParallelism: 2})

	workID, err := pool.Enqueue(context.Background(), Item{
		Handle:     flaky,
		Retry:      RetryWith(RetryBehavior{MaxAttempts: 3, InitialBackoffMs: 10, Base: 2}),
		OnComplete: &OnComplete{Handle: rec.handle},
	})
	require.NoError(t, err)

	waitFinished(t, pool, workID)

	require.EqualValues(t, 2, calls.Load())
	payloads := rec.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, fn.ResultSuccess, payloads[0].Result.Kind)
	assert.JSONEq(t, `"ok"`, string(payloads[0].Result.ReturnValue))
	assert.Equal(t, 1, payloads[0].Attempts)
}

func TestRetryExhaustion(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	broken := f.reg.RegisterAction("test/broken", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, fmt.Errorf("permanent failure")
	})
	rec := newCompletionRecorder(t, f, "test/broken/onComplete")

	pool := f.newPool(t, "exhaust", Config{MaxParallelism: 2})

	workID, err := pool.Enqueue(context.Background(), Item{
		Handle:     broken,
		Retry:      RetryWith(RetryBehavior{MaxAttempts: 2, InitialBackoffMs: 10, Base: 2}),
		OnComplete: &OnComplete{Handle: rec.handle},
	})
	require.NoError(t, err)

	waitFinished(t, pool, workID)

	require.EqualValues(t, 2, calls.Load())
	payloads := rec.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, fn.ResultFailed, payloads[0].Result.Kind)
	assert.Contains(t, payloads[0].Result.Error, "permanent failure")
}

func TestQueriesDoNotRetry(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	failing := f.reg.RegisterQuery("test/failingQuery", func(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, fmt.Errorf("query failure")
	})
	rec := newCompletionRecorder(t, f, "test/failingQuery/onComplete")

	pool := f.newPool(t, "queries", Config{MaxParallelism: 2, RetryActionsByDefault: true})

	workID, err := pool.Enqueue(context.Background(), Item{
		Handle:     failing,
		Retry:      RetryDefault(),
		OnComplete: &OnComplete{Handle: rec.handle},
	})
	require.NoError(t, err)

	waitFinished(t, pool, workID)

	assert.EqualValues(t, 1, calls.Load())
	payloads := rec.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, fn.ResultFailed, payloads[0].Result.Kind)
}

func TestCancelQueuedItem(t *testing.T) {
	f := newFixture(t)

	slow := f.reg.RegisterAction("test/never", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(nil)
	})
	rec := newCompletionRecorder(t, f, "test/never/onComplete")

	pool := f.newPool(t, "cancel", Config{MaxParallelism: 2})

	workID, err := pool.Enqueue(context.Background(), Item{
		Handle:     slow,
		RunAt:      time.Now().Add(time.Hour),
		OnComplete: &OnComplete{Handle: rec.handle},
	})
	require.NoError(t, err)

	status, err := pool.Status(context.Background(), workID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.Kind)

	require.NoError(t, pool.Cancel(context.Background(), workID))
	waitFinished(t, pool, workID)

	payloads := rec.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, fn.ResultCanceled, payloads[0].Result.Kind)
}

func TestCancelRunningAction(t *testing.T) {
	f := newFixture(t)

	running := make(chan struct{})
	release := make(chan struct{})
	blocker := f.reg.RegisterAction("test/blocker", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		close(running)
		select {
		case <-release:
			return json.Marshal("finished anyway")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	rec := newCompletionRecorder(t, f, "test/blocker/onComplete")

	pool := f.newPool(t, "cancelRunning", Config{MaxParallelism: 2})

	workID, err := pool.Enqueue(context.Background(), Item{
		Handle:     blocker,
		OnComplete: &OnComplete{Handle: rec.handle},
	})
	require.NoError(t, err)

	select {
	case <-running:
	case <-time.After(10 * time.Second):
		t.Fatal("action never started")
	}

	require.NoError(t, pool.Cancel(context.Background(), workID))
	waitFinished(t, pool, workID)
	close(release)

	payloads := rec.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, fn.ResultCanceled, payloads[0].Result.Kind)
}

func TestZeroParallelismAccumulates(t *testing.T) {
	f := newFixture(t)

	noop := f.reg.RegisterAction("test/noop", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(true)
	})

	pool := f.newPool(t, "zero", Config{MaxParallelism: 0})

	workID, err := pool.Enqueue(context.Background(), Item{Handle: noop})
	require.NoError(t, err)

	// With no capacity the item must stay pending.
	time.Sleep(500 * time.Millisecond)
	status, err := pool.Status(context.Background(), workID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.Kind)

	// Raising the budget kicks the loop and drains.
	require.NoError(t, pool.SetConfig(context.Background(), Config{MaxParallelism: 2}))
	waitFinished(t, pool, workID)
}

func TestParallelismBound(t *testing.T) {
	f := newFixture(t)

	var inFlight, peak atomic.Int32
	slow := f.reg.RegisterAction("test/slow", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(150 * time.Millisecond)
		inFlight.Add(-1)
		return json.Marshal(nil)
	})

	pool := f.newPool(t, "bounded", Config{MaxParallelism: 2})

	var ids []string
	for i := 0; i < 6; i++ {
		id, err := pool.Enqueue(context.Background(), Item{Handle: slow})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitFinished(t, pool, id)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEnqueueBatchAndStatusBatch(t *testing.T) {
	f := newFixture(t)

	noop := f.reg.RegisterAction("test/batchNoop", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(nil)
	})

	pool := f.newPool(t, "batch", Config{MaxParallelism: 4})

	items := make([]Item, 5)
	for i := range items {
		items[i] = Item{Handle: noop, Args: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))}
	}
	ids, err := pool.EnqueueBatch(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	for _, id := range ids {
		waitFinished(t, pool, id)
	}

	statuses, err := pool.StatusBatch(context.Background(), ids)
	require.NoError(t, err)
	for _, status := range statuses {
		assert.Equal(t, StatusFinished, status.Kind)
	}
}

func TestCancelAll(t *testing.T) {
	f := newFixture(t)

	noop := f.reg.RegisterAction("test/cancelAllNoop", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(nil)
	})

	pool := f.newPool(t, "cancelAll", Config{MaxParallelism: 2})

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := pool.Enqueue(context.Background(), Item{
			Handle: noop,
			RunAt:  time.Now().Add(time.Hour),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Small page size forces the continuation path.
	require.NoError(t, pool.CancelAll(context.Background(), CancelAllOptions{Limit: 3}))

	for _, id := range ids {
		waitFinished(t, pool, id)
	}
}

func TestStatusUnknownIsFinished(t *testing.T) {
	f := newFixture(t)
	pool := f.newPool(t, "unknown", Config{MaxParallelism: 2})

	status, err := pool.Status(context.Background(), "no-such-work")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, status.Kind)
}

func TestConfigValidation(t *testing.T) {
	f := newFixture(t)

	_, err := New(context.Background(), Options{
		Name:      "invalid",
		Store:     f.store,
		Scheduler: f.sched,
		Registry:  f.reg,
		Config:    Config{MaxParallelism: 500},
	})
	require.Error(t, err)
}

func TestBackoffJitterBounds(t *testing.T) {
	b := RetryBehavior{MaxAttempts: 5, InitialBackoffMs: 100, Base: 2}
	for attempts := 0; attempts < 4; attempts++ {
		expected := float64(100)
		for i := 0; i < attempts; i++ {
			expected *= 2
		}
		for i := 0; i < 100; i++ {
			d := b.Backoff(attempts)
			assert.GreaterOrEqual(t, d, time.Duration(expected*0.5)*time.Millisecond)
			assert.Less(t, d, time.Duration(expected*1.5)*time.Millisecond)
		}
	}
}
