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
	"sync"

	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/store"
)

// Registration is a resolved registry entry.
type Registration struct {
	Handle   Handle
	Type     Type
	query    QueryFunc
	mutation MutationFunc
	action   ActionFunc
}

// Query invokes the registered query. It is an error to call this on a
// non-query registration.
func (r *Registration) Query(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error) {
	if r.Type != TypeQuery {
		return nil, &errors.ValidationError{Field: "handle", Message: string(r.Handle) + " is not a query"}
	}
	return r.query(ctx, tx, args)
}

// Mutation invokes the registered mutation.
func (r *Registration) Mutation(ctx context.Context, tx *store.Tx, args json.RawMessage) (json.RawMessage, error) {
	if r.Type != TypeMutation {
		return nil, &errors.ValidationError{Field: "handle", Message: string(r.Handle) + " is not a mutation"}
	}
	return r.mutation(ctx, tx, args)
}

// Action invokes the registered action.
func (r *Registration) Action(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if r.Type != TypeAction {
		return nil, &errors.ValidationError{Field: "handle", Message: string(r.Handle) + " is not an action"}
	}
	return r.action(ctx, args)
}

// Registry maps stable handle names to typed dispatch closures. It is
// populated at startup, before any scheduler runs, and is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	fns map[Handle]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[Handle]*Registration)}
}

// RegisterQuery registers a read-only function under name.
// Registering the same name twice panics: handle names are wire formats
// and a silent overwrite would change the meaning of persisted work.
func (r *Registry) RegisterQuery(name string, f QueryFunc) Handle {
	r.register(&Registration{Handle: Handle(name), Type: TypeQuery, query: f})
	return Handle(name)
}

// RegisterMutation registers a transactional function under name.
func (r *Registry) RegisterMutation(name string, f MutationFunc) Handle {
	r.register(&Registration{Handle: Handle(name), Type: TypeMutation, mutation: f})
	return Handle(name)
}

// RegisterAction registers a side-effecting function under name.
func (r *Registry) RegisterAction(name string, f ActionFunc) Handle {
	r.register(&Registration{Handle: Handle(name), Type: TypeAction, action: f})
	return Handle(name)
}

func (r *Registry) register(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[reg.Handle]; exists {
		panic("fn: handle already registered: " + string(reg.Handle))
	}
	r.fns[reg.Handle] = reg
}

// Resolve returns the registration for a handle.
func (r *Registry) Resolve(h Handle) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.fns[h]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "function handle", ID: string(h)}
	}
	return reg, nil
}
