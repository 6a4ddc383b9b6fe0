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

package crons

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/scheduler"
	"github.com/tombee/durable/pkg/store"
)

func newCrons(t *testing.T) (*fn.Registry, *Crons) {
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

	crons, err := New(Options{Store: st, Scheduler: sched, Registry: reg})
	require.NoError(t, err)
	return reg, crons
}

func TestParseExpression(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "every minute", expr: "* * * * *"},
		{name: "hourly alias", expr: "@hourly"},
		{name: "steps", expr: "*/15 * * * *"},
		{name: "range", expr: "0 9-17 * * 1-5"},
		{name: "list", expr: "0,30 * * * *"},
		{name: "too few fields", expr: "* * * *", wantErr: true},
		{name: "out of range", expr: "61 * * * *", wantErr: true},
		{name: "bad step", expr: "*/0 * * * *", wantErr: true},
		{name: "inverted range", expr: "10-5 * * * *", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExpression(tt.expr)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestExpressionNext(t *testing.T) {
	from := time.Date(2025, time.March, 3, 10, 17, 30, 0, time.UTC) // a Monday

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{
			name: "next minute",
			expr: "* * * * *",
			want: time.Date(2025, time.March, 3, 10, 18, 0, 0, time.UTC),
		},
		{
			name: "top of hour",
			expr: "0 * * * *",
			want: time.Date(2025, time.March, 3, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "weekday morning",
			expr: "0 9 * * 1-5",
			want: time.Date(2025, time.March, 4, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "first of month",
			expr: "0 0 1 * *",
			want: time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := ParseExpression(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr.Next(from))
		})
	}
}

func TestIntervalFiresRepeatedly(t *testing.T) {
	reg, crons := newCrons(t)

	var fires atomic.Int32
	tick := reg.RegisterMutation("test/cronTick", func(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error) {
		fires.Add(1)
		return nil, nil
	})

	id, err := crons.Register(context.Background(), "ticker", Interval(time.Second), tick, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fires.Load() >= 2
	}, 15*time.Second, 50*time.Millisecond)

	require.NoError(t, crons.Delete(context.Background(), id))

	// After deletion the cadence stops.
	settled := fires.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.LessOrEqual(t, fires.Load(), settled+1)

	_, err = crons.Get(context.Background(), id)
	require.Error(t, err)
}

func TestRegisterValidation(t *testing.T) {
	reg, crons := newCrons(t)

	tick := reg.RegisterMutation("test/validTick", func(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	_, err := crons.Register(context.Background(), "", Interval(100*time.Millisecond), tick, nil)
	require.Error(t, err, "sub-second intervals are rejected")

	_, err = crons.Register(context.Background(), "", Schedule{Cronspec: "bad spec"}, tick, nil)
	require.Error(t, err)

	_, err = crons.Register(context.Background(), "", Cron("* * * * *", "Not/AZone"), tick, nil)
	require.Error(t, err)

	_, err = crons.Register(context.Background(), "", Schedule{}, tick, nil)
	require.Error(t, err)
}

func TestDeleteByName(t *testing.T) {
	reg, crons := newCrons(t)

	tick := reg.RegisterMutation("test/namedTick", func(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	_, err := crons.Register(context.Background(), "named", Cron("@hourly", ""), tick, nil)
	require.NoError(t, err)

	jobs, err := crons.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "named", jobs[0].Name)

	require.NoError(t, crons.Delete(context.Background(), "named"))
	jobs, err = crons.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
