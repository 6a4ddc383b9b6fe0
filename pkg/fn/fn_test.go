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

package fn

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()

	handle := reg.RegisterAction("test/noop", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	resolved, err := reg.Resolve(handle)
	require.NoError(t, err)
	assert.Equal(t, TypeAction, resolved.Type)

	_, err = reg.Resolve(Handle("test/missing"))
	require.Error(t, err)
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterAction("test/dup", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	assert.Panics(t, func() {
		reg.RegisterMutation("test/dup", nil)
	})
}

func TestRegistrationTypeMismatch(t *testing.T) {
	reg := NewRegistry()
	handle := reg.RegisterAction("test/onlyAction", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	resolved, err := reg.Resolve(handle)
	require.NoError(t, err)

	_, err = resolved.Query(context.Background(), nil, nil)
	require.Error(t, err)
	_, err = resolved.Mutation(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "sorts keys", in: `{"b":1,"a":2}`, want: `{"a":2,"b":1}`},
		{name: "strips whitespace", in: `{ "x" : [ 1 , 2 ] }`, want: `{"x":[1,2]}`},
		{name: "nested objects", in: `{"z":{"b":1,"a":2},"a":0}`, want: `{"a":0,"z":{"a":2,"b":1}}`},
		{name: "empty is null", in: ``, want: `null`},
		{name: "scalar passthrough", in: `42`, want: `42`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonical(json.RawMessage(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalEquivalence(t *testing.T) {
	a, err := Canonical(json.RawMessage(`{"x":1,"y":{"q":true,"p":false}}`))
	require.NoError(t, err)
	b, err := Canonical(json.RawMessage(`{ "y": {"p":false,"q":true}, "x": 1 }`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCanonicalRejectsInvalidJSON(t *testing.T) {
	_, err := Canonical(json.RawMessage(`{not json`))
	require.Error(t, err)
}

func TestMarshalArgs(t *testing.T) {
	raw, err := MarshalArgs(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(raw))

	raw, err = MarshalArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, `null`, string(raw))
}
