// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package ratelimit provides an optional per-session admission limiter for GENERATE/SCORE
// commands, so a single misbehaving client cannot monopolize a scheduler's queue.
package ratelimit

import "golang.org/x/time/rate"

// Limiter wraps golang.org/x/time/rate.Limiter with the narrow surface a TokenSession needs.
type Limiter struct {
	limiter *rate.Limiter
}

// New returns a Limiter that admits up to ratePerSecond commands per second on average, with
// bursts of up to burst commands. A non-positive ratePerSecond disables the limiter entirely —
// Allow always returns true.
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{}
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a command may proceed right now, consuming a token if so.
func (l *Limiter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}
