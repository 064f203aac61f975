// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package lmtp

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Message is one entry on a session's output sink. Kind is either "TOKEN" (a generated token or
// a per-call error) or "MSG" (a session-level reply to MODEL_INFO/CANCEL or an unrecognized
// command).
type Message struct {
	Kind    string
	Payload map[string]any
}

const (
	KindToken = "TOKEN"
	KindMsg   = "MSG"
)

// normalizedKwargKeys are excluded from the compatibility key computed by GenerationMode: they
// do not affect which rows can legally share a batch.
var normalizedKwargKeys = map[string]struct{}{
	"max_tokens":     {},
	"top_logprobs":   {},
	"score":          {},
	"scoring_offset": {},
}

// GenerateCall is one in-flight request for generation or scoring. It is owned by the scheduler
// queue once submitted and referenced only weakly (by stream id) from the session that created
// it; the session never closes the sink, only the scheduler's batch loop and the session's own
// bookkeeping observe Cancelled.
type GenerateCall struct {
	Prompt    []int
	LogitBias map[int]float64
	Kwargs    map[string]any
	StreamID  int

	sink chan<- Message

	cancelled atomic.Bool
}

// NewGenerateCall constructs a call that writes TOKEN messages to sink. logitBias and kwargs may
// be nil; both are treated as empty.
func NewGenerateCall(prompt []int, logitBias map[int]float64, kwargs map[string]any, streamID int, sink chan<- Message) *GenerateCall {
	if logitBias == nil {
		logitBias = map[int]float64{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return &GenerateCall{
		Prompt:    prompt,
		LogitBias: logitBias,
		Kwargs:    kwargs,
		StreamID:  streamID,
		sink:      sink,
	}
}

// Put enqueues a TOKEN payload for this call's stream. It never blocks the scheduler worker for
// long: the sink is sized generously and owned exclusively by the session, which drains it on
// its own schedule.
func (c *GenerateCall) Put(payload map[string]any) {
	c.sink <- Message{Kind: KindToken, Payload: payload}
}

// Cancel sets the cancellation flag. Idempotent; safe to call from any goroutine, including
// concurrently with the scheduler worker reading Cancelled.
func (c *GenerateCall) Cancel() {
	c.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called. Once true it never reverts.
func (c *GenerateCall) Cancelled() bool {
	return c.cancelled.Load()
}

// Error enqueues a terminal TOKEN payload carrying reason as the error field. The session
// treats an error payload the same way it treats a normal finish.
func (c *GenerateCall) Error(reason string) {
	c.Put(map[string]any{"stream_id": c.StreamID, "error": reason})
}

// MaxTokens returns the call's requested max_tokens, or DefaultMaxTokens if unset or not numeric.
func (c *GenerateCall) MaxTokens(cfg Config) int {
	if v, ok := c.Kwargs["max_tokens"]; ok {
		if n, ok := toInt(v); ok {
			return n
		}
	}
	return cfg.DefaultMaxTokens
}

// TopLogprobs returns the call's requested top_logprobs, or DefaultTopLogprobs if unset.
func (c *GenerateCall) TopLogprobs(cfg Config) int {
	if v, ok := c.Kwargs["top_logprobs"]; ok {
		if n, ok := toInt(v); ok {
			return n
		}
	}
	return cfg.DefaultTopLogprobs
}

// Temperature returns the call's requested temperature, defaulting to 0.0.
func (c *GenerateCall) Temperature() float64 {
	if v, ok := c.Kwargs["temperature"]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		}
	}
	return 0.0
}

// IsScore reports whether this call requests scoring rather than generation.
func (c *GenerateCall) IsScore() bool {
	if v, ok := c.Kwargs["score"]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// ScoringOffset returns the call's scoring_offset kwarg, or 0 if unset.
func (c *GenerateCall) ScoringOffset() int {
	if v, ok := c.Kwargs["scoring_offset"]; ok {
		if n, ok := toInt(v); ok {
			return n
		}
	}
	return 0
}

// GenerationMode returns the compatibility key under which this call may be batched with
// others. Two calls share a key iff they may legally run in the same GenerateBatch:
//   - score calls always key to "score", regardless of any other kwarg;
//   - generate calls key off every kwarg except max_tokens, top_logprobs and the
//     score/scoring_offset flags (batches adopt the maximum max_tokens across rows, and
//     top_logprobs is applied per row after the fact), with
//     temperature defaulting to 0.0 so its absence and an explicit zero are indistinguishable.
func (c *GenerateCall) GenerationMode() string {
	if c.IsScore() {
		return "score"
	}

	keyArgs := make(map[string]any, len(c.Kwargs)+1)
	for k, v := range c.Kwargs {
		if _, excluded := normalizedKwargKeys[k]; excluded {
			continue
		}
		keyArgs[k] = v
	}
	if _, ok := keyArgs["temperature"]; !ok {
		keyArgs["temperature"] = 0.0
	}

	keys := make([]string, 0, len(keyArgs))
	for k := range keyArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s-%v", k, keyArgs[k]))
	}
	return "generate-" + strings.Join(parts, "-")
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}
