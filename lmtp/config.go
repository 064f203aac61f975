// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package lmtp

import "time"

// ExecutionMode selects how a Scheduler's worker loop is driven.
type ExecutionMode int

const (
	// Threaded runs the worker loop on a dedicated goroutine. Tokens stream as they are
	// produced; this is the default and matches the source implementation's default.
	Threaded ExecutionMode = iota

	// Cooperative requires the embedder to drive the worker loop by calling Scheduler.Step
	// from its own runtime. No goroutine is spawned. Tokens still stream per call to Step, but
	// generation blocks whatever else shares that runtime while a batch is in flight.
	Cooperative
)

func (m ExecutionMode) String() string {
	switch m {
	case Threaded:
		return "threaded"
	case Cooperative:
		return "cooperative"
	default:
		return "unknown"
	}
}

// Config holds the tunables of the scheduling core. Every field has a conservative default via
// DefaultConfig; callers should start there and override only what they need.
type Config struct {
	// MinRetainedSchedulers is the `min_loaded` threshold in SchedulerRegistry.GC: the registry
	// only evicts idle schedulers once at least this many are loaded. It exists so a single hot
	// model survives brief gaps between requests without needing to reload.
	MinRetainedSchedulers int

	// CollectionWindow is how long a Scheduler's drainBatches will keep accumulating calls off
	// the queue before cutting a batch, measured from the moment drainBatches starts.
	CollectionWindow time.Duration

	// IdlePollInterval is how long the worker loop sleeps between polls of an empty queue.
	IdlePollInterval time.Duration

	// OutputPollInterval is not read by TokenSession: its output loop blocks on the output
	// channel instead of polling it.
	OutputPollInterval time.Duration

	// DefaultMaxBatchSize is used when a ModelBackend reports a non-positive MaxBatchSize.
	DefaultMaxBatchSize int

	// DefaultMaxTokens is the max_tokens assumed for a call that does not specify one.
	DefaultMaxTokens int

	// DefaultTopLogprobs is the top_logprobs assumed for a call that does not specify one.
	DefaultTopLogprobs int
}

// DefaultConfig returns the configuration the source implementation's defaults correspond to:
// a 100ms batch collection window, a 2-scheduler retention floor, and a 10ms idle poll.
func DefaultConfig() Config {
	return Config{
		MinRetainedSchedulers: 2,
		CollectionWindow:      100 * time.Millisecond,
		IdlePollInterval:      10 * time.Millisecond,
		OutputPollInterval:    10 * time.Millisecond,
		DefaultMaxBatchSize:   8,
		DefaultMaxTokens:      32,
		DefaultTopLogprobs:    1,
	}
}
