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

// Package workpool provides a durable, bounded-parallelism job queue.
//
// Work is enqueued transactionally and dispatched by a single
// self-rescheduling main loop per pool. The loop drains three pending
// queues (starts, completions, cancellations) in segment order, enforces
// the pool's parallelism budget, retries failed actions with exponential
// backoff and jitter, and invokes each item's completion callback exactly
// once.
//
// Only one main-loop tick is ever in flight per pool: ticks carry a
// generation number and refuse to run when a newer tick has taken over.
package workpool

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/fn"
	"github.com/tombee/durable/pkg/scheduler"
	"github.com/tombee/durable/pkg/store"
)

// maxItemsPerTick caps how many pending rows one tick may process across
// all three queues, bounding transaction size. A saturated reschedule
// picks up the rest.
const maxItemsPerTick = 1024

// Config is the per-pool configuration persisted as the pool's globals.
type Config struct {
	// MaxParallelism bounds how many items may be in flight at once.
	// Valid range [0, 200]; values above 100 log a warning.
	MaxParallelism int

	// LogLevel filters the pool's own logging (DEBUG, INFO, WARN, ERROR).
	LogLevel string

	// DefaultRetryBehavior applies to items that opt into retry without
	// their own policy.
	DefaultRetryBehavior RetryBehavior

	// RetryActionsByDefault retries every action with the default
	// behavior unless the item disables retry.
	RetryActionsByDefault bool
}

func defaultConfig() Config {
	return Config{
		MaxParallelism:       10,
		LogLevel:             "INFO",
		DefaultRetryBehavior: DefaultRetryBehavior,
	}
}

func (c *Config) validate() error {
	if c.MaxParallelism < 0 || c.MaxParallelism > 200 {
		return &errors.ConfigError{
			Key:    "max_parallelism",
			Reason: "must be between 0 and 200",
		}
	}
	return nil
}

// Options configures a Pool.
type Options struct {
	// Name identifies the pool. Two pools with the same name share
	// state; registering both in one process panics.
	Name string

	// Store is the transactional document store.
	Store *store.Store

	// Scheduler dispatches deferred work.
	Scheduler *scheduler.Scheduler

	// Registry resolves function handles. The pool registers its own
	// internal handles here.
	Registry *fn.Registry

	// Config is the initial pool configuration.
	Config Config

	// Logger overrides the pool's derived logger.
	Logger *slog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Pool is a handle to one workpool instance.
type Pool struct {
	name   string
	store  *store.Store
	sched  *scheduler.Scheduler
	reg    *fn.Registry
	logger *slog.Logger
	clock  func() time.Time

	mainHandle      fn.Handle
	runHandles      map[fn.Type]fn.Handle
	cancelAllHandle fn.Handle
}

// New creates (or reattaches to) the pool named in opts, persists its
// configuration, and registers its internal function handles.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "pool name cannot be empty"}
	}
	if opts.Store == nil || opts.Scheduler == nil || opts.Registry == nil {
		return nil, &errors.ValidationError{Field: "options", Message: "store, scheduler, and registry are required"}
	}

	cfg := opts.Config
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.DefaultRetryBehavior == (RetryBehavior{}) {
		cfg.DefaultRetryBehavior = DefaultRetryBehavior
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(&log.Config{Level: cfg.LogLevel})
	}
	logger = log.WithPool(logger, opts.Name)

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	p := &Pool{
		name:       opts.Name,
		store:      opts.Store,
		sched:      opts.Scheduler,
		reg:        opts.Registry,
		logger:     logger,
		clock:      clock,
		runHandles: make(map[fn.Type]fn.Handle),
	}

	prefix := "durable/pool/" + p.name
	p.mainHandle = p.reg.RegisterMutation(prefix+"/main", p.mainLoop)
	p.runHandles[fn.TypeQuery] = p.reg.RegisterMutation(prefix+"/runQuery", p.runTransactional)
	p.runHandles[fn.TypeMutation] = p.reg.RegisterMutation(prefix+"/runMutation", p.runTransactional)
	p.runHandles[fn.TypeAction] = p.reg.RegisterAction(prefix+"/runAction", p.runAction)
	p.cancelAllHandle = p.reg.RegisterMutation(prefix+"/cancelAllPage", p.cancelAllPage)

	if cfg.MaxParallelism > 100 {
		p.logger.Warn("max parallelism above 100; this soft cap may become a hard cap",
			"max_parallelism", cfg.MaxParallelism)
	}

	err := p.store.Mutate(ctx, "pool/init", func(tx *store.Tx) error {
		return p.saveGlobals(tx, &cfg)
	})
	if err != nil {
		return nil, errors.Wrap(err, "initializing pool")
	}
	return p, nil
}

// Name returns the pool's name.
func (p *Pool) Name() string {
	return p.name
}

// SetConfig replaces the pool configuration and kicks the main loop so a
// raised parallelism budget drains accumulated work immediately.
func (p *Pool) SetConfig(ctx context.Context, cfg Config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.DefaultRetryBehavior == (RetryBehavior{}) {
		cfg.DefaultRetryBehavior = DefaultRetryBehavior
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.MaxParallelism > 100 {
		p.logger.Warn("max parallelism above 100; this soft cap may become a hard cap",
			"max_parallelism", cfg.MaxParallelism)
	}
	return p.store.Mutate(ctx, "pool/setConfig", func(tx *store.Tx) error {
		if err := p.saveGlobals(tx, &cfg); err != nil {
			return err
		}
		_, err := p.kick(tx, kickSourceConfig)
		return err
	})
}
