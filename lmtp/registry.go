// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package lmtp

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anthropic-lmtp/lmtp-scheduler/pkg/cache"
	"github.com/anthropic-lmtp/lmtp-scheduler/pkg/logging"
	"github.com/anthropic-lmtp/lmtp-scheduler/pkg/metrics"
)

// maxConcurrentDealloc bounds how many schedulers the registry tears down concurrently during a GC pass —
// backend release can be slow (freeing device memory, closing files) and an unbounded fan-out
// would let one GC pass spawn an unbounded number of goroutines.
const maxConcurrentDealloc = 4

// SchedulerRegistry is the process-wide table of schedulers, keyed by (model identifier,
// canonicalized model args). It instantiates schedulers lazily on first lookup (or refuses by
// policy), tracks which sessions rely on each one, and evicts idle schedulers under a retention
// policy so a handful of hot models stay warm without accumulating forever.
//
// A registry is safe for concurrent use from any number of sessions.
type SchedulerRegistry struct {
	cfg    Config
	loader BackendLoader
	mode   ExecutionMode
	log    *zap.SugaredLogger
	echo   *cache.ModelInfoEcho

	mu         sync.Mutex
	schedulers map[string]*Scheduler
}

// NewSchedulerRegistry constructs an empty registry. loader is used to materialize a backend the
// first time a given (model, args) pair is requested.
func NewSchedulerRegistry(cfg Config, loader BackendLoader, mode ExecutionMode, log *zap.SugaredLogger) *SchedulerRegistry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SchedulerRegistry{
		cfg:        cfg,
		loader:     loader,
		mode:       mode,
		log:        log,
		echo:       cache.NewModelInfoEcho(),
		schedulers: make(map[string]*Scheduler),
	}
}

// Instance returns the scheduler for (modelIdentifier, modelArgs), creating and starting one if
// none exists yet. user, if non-nil, is registered as a user of the returned scheduler — pass
// nil for lookups that should not keep a scheduler alive on the caller's behalf (e.g. a
// MODEL_INFO query issued outside of GENERATE/SCORE bookkeeping).
//
// If onlyExisting is true and no scheduler is already loaded for this key, Instance returns
// ErrCannotLoadByPolicy and creates nothing — this is the static-session policy refusal path.
func (r *SchedulerRegistry) Instance(ctx context.Context, modelIdentifier string, modelArgs ModelArgs, user *TokenSession, onlyExisting bool) (*Scheduler, error) {
	key := CanonicalKey(modelIdentifier, modelArgs)

	r.mu.Lock()
	if s, ok := r.schedulers[key]; ok {
		s.Touch()
		if user != nil {
			s.AddUser(user)
		}
		evicted := r.gcLocked(r.cfg.MinRetainedSchedulers)
		r.mu.Unlock()
		if err := r.deallocAll(ctx, evicted); err != nil {
			r.log.Errorw("eviction during instance lookup reported errors", logging.ValuesToKeyValuePairs(logging.Error(err))...)
		}
		return s, nil
	}

	if onlyExisting {
		r.mu.Unlock()
		metrics.PolicyRefusalsTotal.WithLabelValues(modelIdentifier).Inc()
		return nil, ErrCannotLoadByPolicy
	}

	s := NewScheduler(r.cfg, modelIdentifier, modelArgs, r.loader, r.mode, r.log)
	r.schedulers[key] = s
	if user != nil {
		s.AddUser(user)
	}
	evicted := r.gcLocked(r.cfg.MinRetainedSchedulers)
	metrics.SchedulersLoaded.Set(float64(len(r.schedulers)))
	r.mu.Unlock()

	// Start before deallocating: Dealloc waits for the worker to exit, and an evicted set may
	// include s itself.
	r.log.Infow("loading scheduler", logging.ValuesToKeyValuePairs(
		logging.ModelIdentifier(modelIdentifier),
		logging.SchedulerKey(key),
	)...)
	s.Start(ctx)

	if err := r.deallocAll(ctx, evicted); err != nil {
		r.log.Errorw("eviction during instance lookup reported errors", logging.ValuesToKeyValuePairs(logging.Error(err))...)
	}
	return s, nil
}

// Unregister removes user from the scheduler for (modelIdentifier, modelArgs), if one is
// loaded, without creating one. It is safe to call even if the scheduler has already been
// evicted.
func (r *SchedulerRegistry) Unregister(modelIdentifier string, modelArgs ModelArgs, user *TokenSession) {
	key := CanonicalKey(modelIdentifier, modelArgs)
	r.mu.Lock()
	s, ok := r.schedulers[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.RemoveUser(user)
}

// RecallModelInfo returns the last known model_info descriptor for (modelIdentifier, modelArgs)
// even if the backing scheduler has since been evicted, within a short grace period. It is used
// so a MODEL_INFO request racing an eviction still gets a useful answer instead of
// "<unavailable>".
func (r *SchedulerRegistry) RecallModelInfo(modelIdentifier string, modelArgs ModelArgs) (string, bool) {
	key := CanonicalKey(modelIdentifier, modelArgs)
	return r.echo.Recall(key)
}

// GC evicts every scheduler with zero users, but only once at least minLoaded schedulers are
// currently held — this is what lets one hot model survive a brief gap between requests while
// still bounding long-term accumulation across distinct models. Pass 0 to evict unconditionally
// (the aggressive policy a session uses on close when it is not long-running).
func (r *SchedulerRegistry) GC(ctx context.Context, minLoaded int) error {
	r.mu.Lock()
	evicted := r.gcLocked(minLoaded)
	r.mu.Unlock()
	return r.deallocAll(ctx, evicted)
}

// gcLocked must be called with r.mu held. It removes idle schedulers from the map and returns
// them so the caller can deallocate outside the lock.
func (r *SchedulerRegistry) gcLocked(minLoaded int) map[string]*Scheduler {
	if len(r.schedulers) < minLoaded {
		return nil
	}
	evicted := make(map[string]*Scheduler)
	for key, s := range r.schedulers {
		if s.UserCount() == 0 {
			evicted[key] = s
			delete(r.schedulers, key)
		}
	}
	if len(evicted) > 0 {
		metrics.SchedulersLoaded.Set(float64(len(r.schedulers)))
	}
	return evicted
}

func (r *SchedulerRegistry) deallocAll(ctx context.Context, evicted map[string]*Scheduler) error {
	if len(evicted) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDealloc)

	for key, s := range evicted {
		key, s := key, s
		r.echo.Remember(key, s.ModelInfo())
		g.Go(func() error {
			s.Dealloc()
			metrics.SchedulersEvictedTotal.WithLabelValues(s.modelIdentifier).Inc()
			r.log.Infow("evicted scheduler", logging.ValuesToKeyValuePairs(
				logging.ModelIdentifier(s.modelIdentifier),
				logging.SchedulerKey(key),
			)...)
			return nil
		})
	}

	return multierr.Append(nil, g.Wait())
}

// Len returns the number of schedulers currently held, for tests and diagnostics.
func (r *SchedulerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.schedulers)
}
