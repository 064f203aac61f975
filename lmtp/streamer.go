// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package lmtp

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// scoredToken is one (vocabulary index, log-prob) pair under consideration for a row's top-k
// set.
type scoredToken struct {
	token   int
	logprob float64
}

// tokenMinHeap is a min-heap over scoredToken, ordered by logprob. Keeping only the smallest
// logprob at the root lets topK maintain a fixed-size candidate set in O(n log k) instead of
// sorting the full vocabulary.
type tokenMinHeap []scoredToken

func (h tokenMinHeap) Len() int            { return len(h) }
func (h tokenMinHeap) Less(i, j int) bool  { return h[i].logprob < h[j].logprob }
func (h tokenMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *tokenMinHeap) Push(x any)         { *h = append(*h, x.(scoredToken)) }
func (h *tokenMinHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topK returns the k highest-scoring (token, logprob) pairs from scores, sorted descending by
// logprob. When k >= len(scores), every entry is returned. This is a partial selection, not a
// full sort of the vocabulary — scores is expected to be vocabulary-sized and called once per
// row per generated step.
func topK(scores []float64, k int) []scoredToken {
	if k <= 0 {
		k = 1
	}
	h := &tokenMinHeap{}
	heap.Init(h)
	for i, s := range scores {
		if h.Len() < k {
			heap.Push(h, scoredToken{token: i, logprob: s})
		} else if s > (*h)[0].logprob {
			heap.Pop(h)
			heap.Push(h, scoredToken{token: i, logprob: s})
		}
	}
	out := make([]scoredToken, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(scoredToken)
	}
	return out
}

// TokenStreamer is bound to one in-flight GenerateBatch and fed one step at a time by a
// ModelBackend's Generate call. It computes per-row top-k log-probabilities, emits a TOKEN
// payload per live call, records a throughput sample on the owning scheduler, and signals the
// backend to stop once every call in the batch is cancelled.
type TokenStreamer struct {
	cfg        Config
	batch      *GenerateBatch
	meter      *RateMeter
	eosTokenID int
	cancels    bool

	steps     int
	cancelled atomic.Bool
}

// NewTokenStreamer binds a streamer to batch. cancels should reflect the backend's
// SupportsCancellation(); when false, Step never asks the backend to stop even if every call in
// the batch is cancelled, matching a backend that cannot honor the request.
func NewTokenStreamer(cfg Config, batch *GenerateBatch, meter *RateMeter, eosTokenID int, cancels bool) *TokenStreamer {
	return &TokenStreamer{cfg: cfg, batch: batch, meter: meter, eosTokenID: eosTokenID, cancels: cancels}
}

// Cancelled reports whether Step observed full-batch cancellation and asked the backend to
// stop. The scheduler consults this after Generate returns to decide whether to emit
// ErrCancelled instead of a normal finish.
func (s *TokenStreamer) Cancelled() bool {
	return s.cancelled.Load()
}

// Step satisfies StepFunc. It is invoked once per generated token with the sequence built so
// far and the corresponding per-row vocabulary scores for the newest column. The call that
// reaches the batch's MaxTokens is treated as the last one, so a row that exhausts its budget
// without hitting EOS gets finish_reason "length" on that same emission rather than a second,
// duplicate payload after Generate returns.
func (s *TokenStreamer) Step(inputIDs [][]int, scores [][]float64) bool {
	s.steps++
	last := s.batch.MaxTokens > 0 && s.steps >= s.batch.MaxTokens
	return s.logToken(inputIDs, scores, last)
}

// Finish marks every still-live row of inputIDs/scores as terminated with finish_reason "stop"
// or "length". It is for backends that stop generating without ever reporting their last token
// through Step (e.g. because it predates the batch's StepFunc-per-token contract); a backend that
// already calls Step for every generated token, as FakeBackend and the scheduler's StepFunc
// contract do, must not call both — Step already marks the final token once it is reached.
func (s *TokenStreamer) Finish(inputIDs [][]int, scores [][]float64) {
	s.logToken(inputIDs, scores, true)
}

func (s *TokenStreamer) logToken(inputIDs [][]int, scores [][]float64, last bool) bool {
	if s.batch.Cancelled() && s.cancels {
		s.cancelled.Store(true)
		return true
	}

	maxTop := 1
	for _, c := range s.batch.Calls {
		if n := c.TopLogprobs(s.cfg); n > maxTop {
			maxTop = n
		}
	}

	s.meter.MeasureToken(time.Now(), s.batch.Size())

	for i, call := range s.batch.Calls {
		if i >= len(inputIDs) || i >= len(scores) {
			continue
		}
		row := inputIDs[i]
		if len(row) == 0 {
			continue
		}
		token := row[len(row)-1]
		rowScores := scores[i]

		candidates := topK(rowScores, maxTop)

		requested := call.TopLogprobs(s.cfg)
		if requested < 1 {
			requested = 1
		}
		if requested > len(candidates) {
			requested = len(candidates)
		}

		topLogprobs := make(map[int]float64, requested+1)
		for _, c := range candidates[:requested] {
			topLogprobs[c.token] = c.logprob
		}

		var emittedLogprob float64
		if token >= 0 && token < len(rowScores) {
			emittedLogprob = rowScores[token]
		}
		topLogprobs[token] = emittedLogprob

		payload := map[string]any{
			"token":        token,
			"stream_id":    call.StreamID,
			"logprob":      emittedLogprob,
			"top_logprobs": topLogprobs,
		}
		if token == s.eosTokenID {
			payload["finish_reason"] = "stop"
		} else if last {
			payload["finish_reason"] = "length"
		}
		call.Put(payload)
	}

	return false
}

// ScoreStreamer emits one payload per scored token for a score batch. Unlike TokenStreamer it
// is invoked once, synchronously, with the complete score tensor for the batch.
type ScoreStreamer struct{}

// Emit walks every row of batch from its scoring offset to the end of the row, emitting a TOKEN
// payload per position with finish_reason "stop" on the final position of each row.
func (ScoreStreamer) Emit(batch *GenerateBatch, scores [][]float64) {
	for i, call := range batch.Calls {
		if i >= len(scores) || i >= len(batch.ScoringOffsets) {
			continue
		}
		row := batch.InputIDs[i]
		rowScores := scores[i]
		offset := batch.ScoringOffsets[i]

		for t := offset; t < len(row); t++ {
			payload := map[string]any{
				"token":     row[t],
				"stream_id": call.StreamID,
				"logprob":   rowScores[t],
			}
			if t == len(row)-1 {
				payload["finish_reason"] = "stop"
			}
			call.Put(payload)
		}
	}
}
