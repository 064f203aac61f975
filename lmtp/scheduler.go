// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package lmtp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/anthropic-lmtp/lmtp-scheduler/pkg/logging"
	"github.com/anthropic-lmtp/lmtp-scheduler/pkg/metrics"
)

// Scheduler is the per-(model, model-args) worker: it owns an input queue of GenerateCalls,
// drives a ModelBackend one batch at a time, fans streamed output back to each call's sink, and
// tracks the throughput/idle bookkeeping the registry's GC policy depends on.
//
// A Scheduler never dies because an invocation failed — only Dealloc tears it down. Failures
// inside a batch are confined to that batch's calls and translated into error payloads.
type Scheduler struct {
	cfg             Config
	modelIdentifier string
	modelArgs       ModelArgs
	loader          BackendLoader
	mode            ExecutionMode
	log             *zap.SugaredLogger

	mu     sync.Mutex
	queue  []*GenerateCall
	notify chan struct{}

	loadOnce  sync.Once
	backend   ModelBackend
	loadErr   error
	infoCache atomic.Value // string

	meter *RateMeter

	usersMu sync.Mutex
	users   map[*TokenSession]struct{}
	lastUse time.Time

	killCh   chan struct{}
	killOnce sync.Once
	doneCh   chan struct{}
}

// NewScheduler constructs a Scheduler for (modelIdentifier, modelArgs). The backend is not
// loaded until the worker's first iteration (Threaded mode, once Start is called) or the
// caller's first Step call (Cooperative mode) — construction itself never blocks.
func NewScheduler(cfg Config, modelIdentifier string, modelArgs ModelArgs, loader BackendLoader, mode ExecutionMode, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		cfg:             cfg,
		modelIdentifier: modelIdentifier,
		modelArgs:       modelArgs,
		loader:          loader,
		mode:            mode,
		log:             log.With(logging.ValuesToKeyValuePairs(logging.ModelIdentifier(modelIdentifier))...),
		notify:          make(chan struct{}, 1),
		meter:           NewRateMeter(),
		users:           make(map[*TokenSession]struct{}),
		lastUse:         time.Now(),
		killCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start begins the worker. In Threaded mode it spawns the dedicated goroutine that owns the
// backend for the scheduler's lifetime and returns immediately. In Cooperative mode it is a
// no-op: the embedder must drive progress by calling Step.
func (s *Scheduler) Start(ctx context.Context) {
	if s.mode == Threaded {
		go s.runLoop(ctx)
	} else {
		close(s.doneCh)
	}
}

// Put enqueues call for the next batch. Non-blocking; already-cancelled calls are not rejected
// here — they are simply discarded harmlessly when their batch is assembled.
func (s *Scheduler) Put(call *GenerateCall) {
	s.mu.Lock()
	s.queue = append(s.queue, call)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ModelInfo returns the backend-provided descriptor, or the placeholder "<unavailable>" before
// the backend has finished loading.
func (s *Scheduler) ModelInfo() string {
	if v := s.infoCache.Load(); v != nil {
		return v.(string)
	}
	return "<unavailable>"
}

// Stats reports the scheduler's smoothed throughput figures.
type SchedulerStats struct {
	TokensPerSecond  float64
	AverageBatchSize float64
	IdleFor          time.Duration
	Users            int
}

// Stats returns a snapshot of the scheduler's current rate and usage bookkeeping.
func (s *Scheduler) Stats() SchedulerStats {
	tokS, avgBatch := s.meter.Snapshot()
	s.usersMu.Lock()
	idle := time.Since(s.lastUse)
	users := len(s.users)
	s.usersMu.Unlock()
	return SchedulerStats{TokensPerSecond: tokS, AverageBatchSize: avgBatch, IdleFor: idle, Users: users}
}

// AddUser registers session as a user of this scheduler and touches last-use.
func (s *Scheduler) AddUser(session *TokenSession) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if session != nil {
		s.users[session] = struct{}{}
	}
	s.lastUse = time.Now()
}

// RemoveUser unregisters session and touches last-use.
func (s *Scheduler) RemoveUser(session *TokenSession) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	delete(s.users, session)
	s.lastUse = time.Now()
}

// Touch updates last-use without changing the user set, mirroring a registry lookup that did
// not add or remove a user (e.g. a MODEL_INFO query).
func (s *Scheduler) Touch() {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	s.lastUse = time.Now()
}

// UserCount returns the number of sessions currently registered as users.
func (s *Scheduler) UserCount() int {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	return len(s.users)
}

// Dealloc signals the worker to stop and, in Threaded mode, waits for it to exit. It does not
// remove the scheduler from any registry — that is the registry's responsibility.
func (s *Scheduler) Dealloc() {
	s.killOnce.Do(func() { close(s.killCh) })
	<-s.doneCh
}

// Step performs a single drain-and-process iteration and reports whether it found any work.
// Only meaningful in Cooperative mode; Threaded schedulers drive this internally via runLoop.
func (s *Scheduler) Step(ctx context.Context) bool {
	s.loadOnce.Do(func() { s.load(ctx) })
	return s.runOnce(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)
	s.loadOnce.Do(func() { s.load(ctx) })
	for {
		select {
		case <-s.killCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if !s.runOnce(ctx) {
			time.Sleep(s.cfg.IdlePollInterval)
		}
	}
}

// load blocks until the backend is loaded or permanently fails after retrying. Failure is
// sticky: every batch drained afterward fails fast with the recorded error rather than panicking
// on a nil backend.
func (s *Scheduler) load(ctx context.Context) {
	start := time.Now()
	err := retry.Do(
		func() error {
			b, loadErr := s.loader.Load(ctx, s.modelIdentifier, s.modelArgs)
			if loadErr != nil {
				return loadErr
			}
			s.backend = b
			s.infoCache.Store(b.Info())
			return nil
		},
		retry.Attempts(3),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.log.Warnw("retrying model load", append([]any{"attempt", n + 1}, logging.ValuesToKeyValuePairs(logging.Error(err))...)...)
		}),
	)
	metrics.ModelLoadDuration.WithLabelValues(s.modelIdentifier).Observe(time.Since(start).Seconds())
	if err != nil {
		s.loadErr = err
		s.log.Errorw("failed to load model", logging.ValuesToKeyValuePairs(logging.Error(err))...)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) bool {
	batches := s.drainBatches(ctx)
	if len(batches) == 0 {
		return false
	}
	for _, calls := range batches {
		s.processBatch(ctx, calls)
	}
	return true
}

// drainBatches collects everything it can off the queue within a single collection window, then
// groups the result by GenerationMode and chunks each group to the backend's max batch size.
// The first pop of a window blocks until either a call arrives or the window elapses;
// subsequent pops never wait past the window's deadline.
func (s *Scheduler) drainBatches(ctx context.Context) [][]*GenerateCall {
	deadline := time.Now().Add(s.cfg.CollectionWindow)
	var collected []*GenerateCall

	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.queue) > 0 {
			collected = append(collected, s.queue...)
			s.queue = s.queue[:0]
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		select {
		case <-s.notify:
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		case <-s.killCh:
			return nil
		}
	}

	if len(collected) == 0 {
		return nil
	}

	var order []string
	groups := make(map[string][]*GenerateCall)
	for _, c := range collected {
		mode := c.GenerationMode()
		if _, seen := groups[mode]; !seen {
			order = append(order, mode)
		}
		groups[mode] = append(groups[mode], c)
	}

	maxBatch := s.cfg.DefaultMaxBatchSize
	if s.backend != nil {
		if n := s.backend.MaxBatchSize(); n > 0 {
			maxBatch = n
		}
	}

	var batches [][]*GenerateCall
	for _, mode := range order {
		remaining := groups[mode]
		for len(remaining) > 0 {
			n := maxBatch
			if n > len(remaining) {
				n = len(remaining)
			}
			batches = append(batches, remaining[:n])
			remaining = remaining[n:]
		}
	}
	return batches
}

func (s *Scheduler) processBatch(ctx context.Context, calls []*GenerateCall) {
	if s.backend == nil {
		reason := "model failed to load"
		if s.loadErr != nil {
			reason = s.loadErr.Error()
		}
		be := NewBackendError(errorString(reason))
		s.failAll(calls, be.Error())
		return
	}

	batch, err := NewGenerateBatch(s.cfg, calls)
	if err != nil {
		s.log.Errorw("failed to assemble batch", logging.ValuesToKeyValuePairs(logging.Error(err), logging.BatchSize(len(calls)))...)
		s.failAll(calls, err.Error())
		return
	}

	mode := "generate"
	if batch.IsScore {
		mode = "score"
	}
	mc := metrics.NewMetricContext("scheduler", prometheusLabels(s.modelIdentifier, mode))

	if batch.IsScore {
		scores, err := s.callScore(ctx, batch)
		mc.ObserveDuration(metrics.BatchDurationSeconds)
		if err != nil {
			metrics.BackendErrorsTotal.WithLabelValues(s.modelIdentifier).Inc()
			s.failAll(calls, NewBackendError(err).Error())
			return
		}
		var ss ScoreStreamer
		ss.Emit(batch, scores)
		metrics.BatchesCompletedTotal.WithLabelValues(s.modelIdentifier, mode).Inc()
		metrics.BatchSize.WithLabelValues(s.modelIdentifier, mode).Observe(float64(batch.Size()))
		return
	}

	streamer := NewTokenStreamer(s.cfg, batch, s.meter, s.backend.EOSTokenID(), s.backend.SupportsCancellation())
	_, err = s.callGenerate(ctx, batch, streamer)
	mc.ObserveDuration(metrics.BatchDurationSeconds)

	if err != nil {
		if streamer.Cancelled() {
			metrics.CancelledBatchesTotal.WithLabelValues(s.modelIdentifier).Inc()
			s.failAll(calls, ErrCancelled.Error())
			return
		}
		metrics.BackendErrorsTotal.WithLabelValues(s.modelIdentifier).Inc()
		s.log.Errorw("backend failed to generate", logging.ValuesToKeyValuePairs(logging.Error(err))...)
		s.failAll(calls, NewBackendError(err).Error())
		return
	}

	if streamer.Cancelled() {
		metrics.CancelledBatchesTotal.WithLabelValues(s.modelIdentifier).Inc()
		s.failAll(calls, ErrCancelled.Error())
		return
	}

	// streamer.Step already emitted a payload for every generated token, including the final
	// one (marked "length" once it reached batch.MaxTokens) — result is not replayed through
	// Finish here, which would re-emit that terminal token a second time.
	metrics.BatchesCompletedTotal.WithLabelValues(s.modelIdentifier, mode).Inc()
	metrics.BatchSize.WithLabelValues(s.modelIdentifier, mode).Observe(float64(batch.Size()))

	tokS, avgBatch := s.meter.Snapshot()
	metrics.TokensPerSecond.WithLabelValues(s.modelIdentifier).Set(tokS)
	metrics.AverageBatchSize.WithLabelValues(s.modelIdentifier).Set(avgBatch)
}

// callGenerate invokes the backend's Generate, recovering a panic the same way a returned error
// is handled: the Python original lets a backend exception unwind out of generate() and land in
// the worker's except clause; Go has no exceptions, so a panicking backend is caught here,
// logged with its stack, and turned into the same failure path a returned error would take.
func (s *Scheduler) callGenerate(ctx context.Context, batch *GenerateBatch, streamer *TokenStreamer) (result *GenerateResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("backend panicked during generate", append(logging.ValuesToKeyValuePairs(logging.Error(fmt.Errorf("%v", r))), zap.Stack("stack"))...)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.backend.Generate(ctx, batch.InputIDs, batch.AttentionMask, batch.Temperature, batch.MaxTokens, batch.LogitBiases, streamer.Step)
}

// callScore invokes the backend's Score under the same panic-recovery guard as callGenerate.
func (s *Scheduler) callScore(ctx context.Context, batch *GenerateBatch) (scores [][]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("backend panicked during score", append(logging.ValuesToKeyValuePairs(logging.Error(fmt.Errorf("%v", r))), zap.Stack("stack"))...)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.backend.Score(ctx, batch.InputIDs, batch.AttentionMask)
}

// prometheusLabels builds the {model, mode} label set shared by the batch-scoped histograms,
// matching the label names BatchDurationSeconds and BatchSize were registered with.
func prometheusLabels(modelIdentifier, mode string) prometheus.Labels {
	return prometheus.Labels{"model": modelIdentifier, "mode": mode}
}

func (s *Scheduler) failAll(calls []*GenerateCall, reason string) {
	for _, c := range calls {
		c.Error(reason)
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }
