// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package backendtest provides a deterministic fake ModelBackend for exercising the scheduling
// core without a real model runtime.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/anthropic-lmtp/lmtp-scheduler/lmtp"
)

// FakeBackend generates a fixed token per step (defaulting to an incrementing counter) until
// maxNewTokens is reached or Step reports stop, and scores by returning a constant log-prob
// distribution. It records every call it receives for test assertions.
type FakeBackend struct {
	// NextToken, if set, is called once per step per row to choose the emitted token id.
	// Defaults to returning the step index.
	NextToken func(row, step int) int

	// FailLoad, if non-nil, makes the backend report a load failure.
	FailLoad error

	// FailGenerate, if non-nil, is returned from Generate instead of completing normally.
	FailGenerate error

	// Cancellable controls SupportsCancellation's return value.
	Cancellable bool

	eos      int
	maxBatch int
	info     string

	mu            sync.Mutex
	generateCalls int
	scoreCalls    int
	lastInputIDs  [][]int
}

// New constructs a FakeBackend with eosTokenID and maxBatchSize, labeling itself with a random
// instance id so distinct loads are distinguishable in test output.
func New(eosTokenID, maxBatchSize int) *FakeBackend {
	return &FakeBackend{
		eos:      eosTokenID,
		maxBatch: maxBatchSize,
		info:     fmt.Sprintf("fake-backend-%s", uuid.NewString()),
	}
}

// Info implements lmtp.ModelBackend.
func (f *FakeBackend) Info() string { return f.info }

// EOSTokenID implements lmtp.ModelBackend.
func (f *FakeBackend) EOSTokenID() int { return f.eos }

// MaxBatchSize implements lmtp.ModelBackend.
func (f *FakeBackend) MaxBatchSize() int { return f.maxBatch }

// SupportsCancellation implements lmtp.ModelBackend.
func (f *FakeBackend) SupportsCancellation() bool { return f.Cancellable }

// GenerateCalls reports how many times Generate has been invoked, for test assertions.
func (f *FakeBackend) GenerateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generateCalls
}

// ScoreCalls reports how many times Score has been invoked, for test assertions.
func (f *FakeBackend) ScoreCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scoreCalls
}

// LastInputIDs returns the padded input ids matrix from the most recent Generate call, for
// assertions about batch shape (e.g. left-padding and row count).
func (f *FakeBackend) LastInputIDs() [][]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastInputIDs
}

// Generate appends one token per row per step, calling step after each, until maxNewTokens
// steps have run or step returns true.
func (f *FakeBackend) Generate(ctx context.Context, inputIDs, attentionMask [][]int, temperature float64, maxNewTokens int, logitBiases []map[int]float64, step lmtp.StepFunc) (*lmtp.GenerateResult, error) {
	f.mu.Lock()
	f.generateCalls++
	f.lastInputIDs = inputIDs
	f.mu.Unlock()

	if f.FailGenerate != nil {
		return nil, f.FailGenerate
	}

	rows := len(inputIDs)
	sequences := make([][]int, rows)
	scores := make([][][]float64, rows)
	copy(sequences, inputIDs)

	vocab := 8
	for t := 0; t < maxNewTokens; t++ {
		stepScores := make([][]float64, rows)
		for r := 0; r < rows; r++ {
			token := t
			if f.NextToken != nil {
				token = f.NextToken(r, t)
			}
			sequences[r] = append(sequences[r], token)
			dist := make([]float64, vocab)
			for v := range dist {
				dist[v] = -float64(v) - 1
			}
			if token >= 0 && token < vocab {
				dist[token] = -0.01
			}
			stepScores[r] = dist
			scores[r] = append(scores[r], dist)
		}
		if step(sequences, stepScores) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	return &lmtp.GenerateResult{Sequences: sequences, Scores: scores}, nil
}

// Score returns a constant log-prob distribution per input position.
func (f *FakeBackend) Score(ctx context.Context, inputIDs, attentionMask [][]int) ([][]float64, error) {
	f.mu.Lock()
	f.scoreCalls++
	f.mu.Unlock()

	out := make([][]float64, len(inputIDs))
	for i, row := range inputIDs {
		dist := make([]float64, len(row))
		for j := range dist {
			dist[j] = -0.5
		}
		out[i] = dist
	}
	return out, nil
}

// Loader adapts a single pre-built FakeBackend into an lmtp.BackendLoader.
type Loader struct {
	backend *FakeBackend
	loads   atomic.Int64
}

// NewLoader returns a BackendLoader that always resolves to backend.
func NewLoader(backend *FakeBackend) *Loader {
	return &Loader{backend: backend}
}

// Load implements lmtp.BackendLoader.
func (l *Loader) Load(ctx context.Context, modelIdentifier string, args lmtp.ModelArgs) (lmtp.ModelBackend, error) {
	l.loads.Add(1)
	if l.backend.FailLoad != nil {
		return nil, l.backend.FailLoad
	}
	return l.backend, nil
}

// Loads reports how many times Load has been called, for test assertions.
func (l *Loader) Loads() int64 {
	return l.loads.Load()
}
