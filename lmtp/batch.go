// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package lmtp

// GenerateBatch is an executable batch assembled from a compatibility group of calls sharing a
// GenerationMode. It is transient: built immediately before a backend invocation and discarded
// once that invocation returns.
type GenerateBatch struct {
	// InputIDs has shape [N][Lmax], left-padded with zeros so every row aligns to the longest
	// prompt in the group.
	InputIDs [][]int

	// AttentionMask has shape [N][Lmax]; 0 over the pad region, 1 over real tokens.
	AttentionMask [][]int

	// Temperature and MaxTokens are shared sampling parameters. Temperature is adopted
	// unchanged from the first call (compatibility keys guarantee every row agrees).
	// MaxTokens is the maximum across rows.
	Temperature float64
	MaxTokens   int

	// LogitBiases is one map per row, parallel to Calls; empty for rows without a bias.
	LogitBiases []map[int]float64

	// Calls are the N source calls, in the same order as the rows above.
	Calls []*GenerateCall

	// IsScore is true iff every call in the batch requested scoring. GenerationMode guarantees
	// this is all-or-nothing; NewGenerateBatch still validates it defensively.
	IsScore bool

	// ScoringOffsets holds, for score batches only, the index into InputIDs[i] at which scoring
	// begins for row i: the caller-supplied scoring offset plus that row's left-pad width.
	ScoringOffsets []int

	// Kwargs is the first call's kwargs with the batch-normalized keys (max_tokens,
	// top_logprobs, temperature) and the score/scoring_offset flags stripped out.
	Kwargs map[string]any
}

// NewGenerateBatch builds a GenerateBatch from a non-empty list of calls that share a
// GenerationMode. It returns ErrEmptyBatch for an empty slice and ErrMixedScoreBatch if the
// calls disagree on IsScore — the latter should be unreachable from client input because the
// compatibility key segregates score calls from generate calls.
func NewGenerateBatch(cfg Config, calls []*GenerateCall) (*GenerateBatch, error) {
	if len(calls) == 0 {
		return nil, ErrEmptyBatch
	}

	isScore := calls[0].IsScore()
	for _, c := range calls[1:] {
		if c.IsScore() != isScore {
			return nil, ErrMixedScoreBatch
		}
	}

	lmax := 0
	for _, c := range calls {
		if n := len(c.Prompt); n > lmax {
			lmax = n
		}
	}

	n := len(calls)
	inputIDs := make([][]int, n)
	attentionMask := make([][]int, n)
	logitBiases := make([]map[int]float64, n)
	var scoringOffsets []int
	if isScore {
		scoringOffsets = make([]int, n)
	}

	for i, c := range calls {
		padWidth := lmax - len(c.Prompt)

		row := make([]int, lmax)
		mask := make([]int, lmax)
		for j := padWidth; j < lmax; j++ {
			row[j] = c.Prompt[j-padWidth]
			mask[j] = 1
		}
		inputIDs[i] = row
		attentionMask[i] = mask

		if c.LogitBias != nil {
			logitBiases[i] = c.LogitBias
		} else {
			logitBiases[i] = map[int]float64{}
		}

		if isScore {
			scoringOffsets[i] = c.ScoringOffset() + padWidth
		}
	}

	maxTokens := 0
	for _, c := range calls {
		if m := c.MaxTokens(cfg); m > maxTokens {
			maxTokens = m
		}
	}

	kwargs := make(map[string]any, len(calls[0].Kwargs))
	for k, v := range calls[0].Kwargs {
		if _, excluded := normalizedKwargKeys[k]; excluded || k == "temperature" {
			continue
		}
		kwargs[k] = v
	}

	return &GenerateBatch{
		InputIDs:       inputIDs,
		AttentionMask:  attentionMask,
		Temperature:    calls[0].Temperature(),
		MaxTokens:      maxTokens,
		LogitBiases:    logitBiases,
		Calls:          calls,
		IsScore:        isScore,
		ScoringOffsets: scoringOffsets,
		Kwargs:         kwargs,
	}, nil
}

// Cancelled reports whether every constituent call of the batch has been cancelled. A batch
// with at least one live call is not cancelled, even if the rest are.
func (b *GenerateBatch) Cancelled() bool {
	for _, c := range b.Calls {
		if !c.Cancelled() {
			return false
		}
	}
	return true
}

// Size returns the number of rows (calls) in the batch.
func (b *GenerateBatch) Size() int {
	return len(b.Calls)
}
