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

package retrier

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
	"github.com/tombee/durable/pkg/workpool"
)

type fixture struct {
	store   *store.Store
	reg     *fn.Registry
	retrier *Retrier

	mu     sync.Mutex
	offset time.Duration
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Now().Add(f.offset)
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.offset += d
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, reg: fn.NewRegistry()}

	sched := scheduler.New(st, f.reg, scheduler.Options{})
	sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Stop(ctx)
	})

	f.retrier, err = New(Options{
		Store:     st,
		Scheduler: sched,
		Registry:  f.reg,
		Clock:     f.now,
	})
	require.NoError(t, err)
	return f
}

func waitCompleted(t *testing.T, f *fixture, runID string) *Run {
	t.Helper()
	var run *Run
	require.Eventually(t, func() bool {
		var err error
		run, err = f.retrier.Status(context.Background(), runID)
		return err == nil && run.State == RunCompleted
	}, 15*time.Second, 10*time.Millisecond)
	return run
}

func TestRunSucceeds(t *testing.T) {
	f := newFixture(t)

	handle := f.reg.RegisterAction("test/ok", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal("fine")
	})

	id, err := f.retrier.Run(context.Background(), handle, nil, nil)
	require.NoError(t, err)

	run := waitCompleted(t, f, id)
	require.NotNil(t, run.Result)
	assert.Equal(t, fn.ResultSuccess, run.Result.Kind)
	assert.JSONEq(t, `"fine"`, string(run.Result.ReturnValue))
	assert.Zero(t, run.Attempts)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	handle := f.reg.RegisterAction("test/flaky", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("flaky")
		}
		return json.Marshal("eventually")
	})

	id, err := f.retrier.Run(context.Background(), handle, nil,
		&workpool.RetryBehavior{MaxAttempts: 4, InitialBackoffMs: 10, Base: 2})
	require.NoError(t, err)

	run := waitCompleted(t, f, id)
	assert.Equal(t, fn.ResultSuccess, run.Result.Kind)
	assert.Equal(t, 2, run.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRunExhaustsRetries(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	handle := f.reg.RegisterAction("test/alwaysFails", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, fmt.Errorf("hopeless")
	})

	id, err := f.retrier.Run(context.Background(), handle, nil,
		&workpool.RetryBehavior{MaxAttempts: 2, InitialBackoffMs: 10, Base: 2})
	require.NoError(t, err)

	run := waitCompleted(t, f, id)
	assert.Equal(t, fn.ResultFailed, run.Result.Kind)
	assert.Contains(t, run.Result.Error, "hopeless")
	assert.EqualValues(t, 2, calls.Load())
}

func TestRejectsNonActions(t *testing.T) {
	f := newFixture(t)

	handle := f.reg.RegisterMutation("test/notAnAction", func(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	_, err := f.retrier.Run(context.Background(), handle, nil, nil)
	require.Error(t, err)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	handle := f.reg.RegisterAction("test/hang", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	id, err := f.retrier.Run(context.Background(), handle, nil, nil)
	require.NoError(t, err)

	require.NoError(t, f.retrier.Cancel(context.Background(), id))
	run := waitCompleted(t, f, id)
	assert.Equal(t, fn.ResultCanceled, run.Result.Kind)
	close(release)
}

func TestCleanupRemovesOldRuns(t *testing.T) {
	f := newFixture(t)

	handle := f.reg.RegisterAction("test/quick", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	id, err := f.retrier.Run(context.Background(), handle, nil, nil)
	require.NoError(t, err)
	waitCompleted(t, f, id)

	// Too fresh to collect.
	removed, err := f.retrier.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)

	f.advance(8 * 24 * time.Hour)
	removed, err = f.retrier.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = f.retrier.Status(context.Background(), id)
	require.Error(t, err)
}
