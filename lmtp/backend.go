// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package lmtp

import "context"

// GenerateResult is the terminal output of a ModelBackend.Generate call.
type GenerateResult struct {
	// Sequences has shape [N][L']: the full token sequence per row, including the prompt and
	// every generated token.
	Sequences [][]int

	// Scores has shape [N][L'][V]: the per-step, per-row vocabulary log-prob vector the backend
	// used for each generated position. Only the generated suffix is meaningful; TokenStreamer
	// reads this incrementally via the Step callback rather than waiting for the full result.
	Scores [][][]float64
}

// StepFunc is invoked by a ModelBackend once per generated token (or once per step, for
// backends that sample several rows in lockstep) with the sequence-so-far and the
// corresponding per-row vocabulary scores for the newest column. It returns true to request
// early stop; a backend that ignores the return value still generates correct, if wasteful,
// output.
type StepFunc func(inputIDs [][]int, scores [][]float64) bool

// ModelBackend abstracts a loaded model: tokenizer, weights, and forward pass. It is
// implemented outside the scheduling core — Scheduler only ever calls through this interface.
type ModelBackend interface {
	// Info returns an opaque descriptor string surfaced to clients via MODEL_INFO.
	Info() string

	// EOSTokenID returns the backend's end-of-sequence token id.
	EOSTokenID() int

	// MaxBatchSize returns the largest number of rows this backend can process in one
	// invocation. A non-positive value means the scheduler should fall back to
	// Config.DefaultMaxBatchSize.
	MaxBatchSize() int

	// SupportsCancellation reports whether the backend honors a StepFunc's stop request. When
	// false, TokenStreamer still produces payloads for a fully-cancelled batch, but they are
	// discarded downstream rather than aborting the backend call.
	SupportsCancellation() bool

	// Generate drives the model to completion for the given padded batch, invoking step once
	// per generated token with the sequence built so far. It returns the final sequences and
	// the per-step scores backing every emitted token.
	Generate(ctx context.Context, inputIDs, attentionMask [][]int, temperature float64, maxNewTokens int, logitBiases []map[int]float64, step StepFunc) (*GenerateResult, error)

	// Score returns scores[i][t], the log-prob of inputIDs[i][t] under the model given the
	// preceding context, for every row and position.
	Score(ctx context.Context, inputIDs, attentionMask [][]int) ([][]float64, error)
}

// BackendLoader constructs a ModelBackend for a given model identifier and argument set. It is
// the capability a SchedulerRegistry uses to materialize a Scheduler lazily on first lookup.
type BackendLoader interface {
	Load(ctx context.Context, modelIdentifier string, modelArgs ModelArgs) (ModelBackend, error)
}

// BackendLoaderFunc adapts a plain function to a BackendLoader.
type BackendLoaderFunc func(ctx context.Context, modelIdentifier string, modelArgs ModelArgs) (ModelBackend, error)

func (f BackendLoaderFunc) Load(ctx context.Context, modelIdentifier string, modelArgs ModelArgs) (ModelBackend, error) {
	return f(ctx, modelIdentifier, modelArgs)
}
