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

// Package workflow provides a deterministic replay engine layered on the
// workpool.
//
// A workflow is Go code that issues step calls: queries, mutations,
// actions, nested workflows, and event waits. Each step's outcome is
// persisted in a per-workflow journal. On every continuation the handler
// re-executes from the top and the executor answers replayed steps from
// the journal, so failures, restarts, and long waits are transparent to
// the handler — as long as it is deterministic. Step calls must happen
// on the handler's own goroutine; use the Async variants for fan-out.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/scheduler"
	"github.com/tombee/durable/pkg/store"
	"github.com/tombee/durable/pkg/workpool"
)

// HandlerFunc is a workflow body. It must be deterministic: same args
// and same journal produce the same sequence of step calls. Randomness
// and time come from the Context; network and timers belong in actions.
type HandlerFunc func(ctx *Context, args json.RawMessage) (json.RawMessage, error)

// Definition is a registered workflow.
type Definition struct {
	name    string
	handler HandlerFunc
	args    *jsonschema.Schema
	returns *jsonschema.Schema
}

// DefinitionOptions configures a workflow registration.
type DefinitionOptions struct {
	// ArgsSchema, if set, is a JSON Schema the workflow args must
	// satisfy at Create time.
	ArgsSchema json.RawMessage

	// ReturnsSchema, if set, is a JSON Schema the workflow's return
	// value must satisfy; a mismatch fails the workflow.
	ReturnsSchema json.RawMessage
}

// Options configures a Manager.
type Options struct {
	// Name namespaces the manager's internal handles and its embedded
	// pool. Default "workflow".
	Name string

	// Store is the transactional document store.
	Store *store.Store

	// Scheduler dispatches deferred work.
	Scheduler *scheduler.Scheduler

	// Registry resolves function handles.
	Registry *fn.Registry

	// MaxParallelism bounds the embedded step pool. Default 10.
	MaxParallelism int

	// Logger overrides the manager's logger.
	Logger *slog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Manager owns workflow definitions, their journals, and the embedded
// workpool that dispatches steps.
type Manager struct {
	name   string
	store  *store.Store
	sched  *scheduler.Scheduler
	reg    *fn.Registry
	pool   *workpool.Pool
	logger *slog.Logger
	clock  func() time.Time

	tickHandle           fn.Handle
	stepOnCompleteHandle fn.Handle
	nestedOnComplete     fn.Handle

	mu          sync.RWMutex
	definitions map[string]*Definition
}

// New creates a workflow manager with its embedded step pool and
// registers its internal handles.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Scheduler == nil || opts.Registry == nil {
		return nil, &errors.ValidationError{Field: "options", Message: "store, scheduler, and registry are required"}
	}
	name := opts.Name
	if name == "" {
		name = "workflow"
	}
	maxParallelism := opts.MaxParallelism
	if maxParallelism == 0 {
		maxParallelism = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	m := &Manager{
		name:        name,
		store:       opts.Store,
		sched:       opts.Scheduler,
		reg:         opts.Registry,
		logger:      logger,
		clock:       clock,
		definitions: make(map[string]*Definition),
	}

	prefix := "durable/" + name
	m.tickHandle = m.reg.RegisterMutation(prefix+"/tick", m.tick)
	m.stepOnCompleteHandle = m.reg.RegisterMutation(prefix+"/stepOnComplete", m.stepOnComplete)
	m.nestedOnComplete = m.reg.RegisterMutation(prefix+"/nestedOnComplete", m.nestedWorkflowOnComplete)

	pool, err := workpool.New(ctx, workpool.Options{
		Name:      name + "/steps",
		Store:     opts.Store,
		Scheduler: opts.Scheduler,
		Registry:  opts.Registry,
		Config:    workpool.Config{MaxParallelism: maxParallelism},
		Logger:    logger,
		Clock:     clock,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating step pool")
	}
	m.pool = pool
	return m, nil
}

// Register adds a workflow definition under name. The name is persisted
// as the workflow handle, so renaming a definition strands its running
// workflows.
func (m *Manager) Register(name string, handler HandlerFunc, opts DefinitionOptions) error {
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name cannot be empty"}
	}
	if handler == nil {
		return &errors.ValidationError{Field: "handler", Message: "workflow handler cannot be nil"}
	}

	def := &Definition{name: name, handler: handler}
	var err error
	if def.args, err = compileSchema(name+"/args", opts.ArgsSchema); err != nil {
		return err
	}
	if def.returns, err = compileSchema(name+"/returns", opts.ReturnsSchema); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.definitions[name]; exists {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "workflow " + name + " already registered",
			Suggestion: "use a unique workflow name",
		}
	}
	m.definitions[name] = def
	return nil
}

func (m *Manager) definition(name string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow definition", ID: name}
	}
	return def, nil
}

func compileSchema(url string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &errors.ValidationError{Field: "schema", Message: err.Error()}
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, &errors.ValidationError{Field: "schema", Message: err.Error()}
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, &errors.ValidationError{Field: "schema", Message: err.Error()}
	}
	return schema, nil
}

// validateAgainst checks a JSON payload against a compiled schema.
func validateAgainst(schema *jsonschema.Schema, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(value)
}
