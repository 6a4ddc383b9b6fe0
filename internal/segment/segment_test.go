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

package segment

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestToSegmentFromSegment(t *testing.T) {
	tests := []struct {
		name string
		ms   int64
		want Segment
	}{
		{name: "epoch", ms: 0, want: 0},
		{name: "just inside first segment", ms: 99, want: 0},
		{name: "segment boundary", ms: 100, want: 1},
		{name: "mid segment", ms: 1234, want: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToSegment(time.UnixMilli(tt.ms))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextIsAfterCurrent(t *testing.T) {
	now := time.Now()
	assert.Equal(t, Current(now)+1, Next(now))
}

func TestClamp(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("past times clamp to now", func(t *testing.T) {
		assert.Equal(t, now, Clamp(now.Add(-time.Hour), now))
	})

	t.Run("near future passes through", func(t *testing.T) {
		at := now.Add(time.Minute)
		assert.Equal(t, at, Clamp(at, now))
	})

	t.Run("far future clamps to horizon", func(t *testing.T) {
		at := now.Add(MaxScheduleHorizon + time.Hour)
		assert.Equal(t, now.Add(MaxScheduleHorizon), Clamp(at, now))
	})
}

func TestSegmentProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("FromSegment inverts ToSegment on boundaries", prop.ForAll(
		func(s int64) bool {
			return ToSegment(FromSegment(Segment(s))) == Segment(s)
		},
		gen.Int64Range(0, 1<<40),
	))

	properties.Property("ToSegment is monotone", prop.ForAll(
		func(a, b int64) bool {
			if a > b {
				a, b = b, a
			}
			return ToSegment(time.UnixMilli(a)) <= ToSegment(time.UnixMilli(b))
		},
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(0, 1<<40),
	))

	properties.Property("segment start is never after its member times", prop.ForAll(
		func(ms int64) bool {
			t := time.UnixMilli(ms)
			return !FromSegment(ToSegment(t)).After(t)
		},
		gen.Int64Range(0, 1<<40),
	))

	properties.TestingRun(t)
}
