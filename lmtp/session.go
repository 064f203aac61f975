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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropic-lmtp/lmtp-scheduler/internal/ratelimit"
	"github.com/anthropic-lmtp/lmtp-scheduler/pkg/logging"
	"github.com/anthropic-lmtp/lmtp-scheduler/pkg/metrics"
)

// Transport is the write-only capability a TokenSession forwards output through. The core never
// reads from a transport or knows anything about its wire framing.
type Transport interface {
	Send(kind string, payload map[string]any) error
}

// TokenSession is a per-client dispatcher: it translates decoded commands into scheduler
// submissions and demultiplexes every owned call's output back onto one transport, with
// correct cleanup on disconnect.
type TokenSession struct {
	id          string
	cfg         Config
	registry    *SchedulerRegistry
	transport   Transport
	modelArgs   ModelArgs
	static      bool
	longrunning bool
	limiter     *ratelimit.Limiter
	log         *zap.SugaredLogger

	output chan Message

	mu         sync.Mutex
	active     map[int]*GenerateCall
	usedModels map[string]struct{}
	closed     bool

	closeOnce sync.Once
	doneCh    chan struct{}
}

// NewTokenSession constructs a session bound to transport and starts its output loop. static
// forbids the session from causing a new model load (GENERATE/SCORE/MODEL_INFO against an
// unloaded model fail with ErrCannotLoadByPolicy); longrunning relaxes the eviction policy run
// on Close. limiter may be nil to disable admission control.
func NewTokenSession(ctx context.Context, cfg Config, registry *SchedulerRegistry, transport Transport, modelArgs ModelArgs, static, longrunning bool, limiter *ratelimit.Limiter, log *zap.SugaredLogger) *TokenSession {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	id := uuid.NewString()
	s := &TokenSession{
		id:          id,
		cfg:         cfg,
		registry:    registry,
		transport:   transport,
		modelArgs:   modelArgs,
		static:      static,
		longrunning: longrunning,
		limiter:     limiter,
		log:         log.With(logging.ValuesToKeyValuePairs(logging.SessionUser(id))...),
		output:      make(chan Message, 256),
		active:      make(map[int]*GenerateCall),
		usedModels:  make(map[string]struct{}),
		doneCh:      make(chan struct{}),
	}
	metrics.SessionsActive.Inc()
	go s.outputLoop(ctx)
	return s
}

// ID returns the session's generated identifier, used for logging correlation.
func (s *TokenSession) ID() string {
	return s.id
}

// Handle processes one decoded client command. Policy refusals and rate-limited requests are
// reported to the client as MSG payloads and Handle returns nil. An unrecognized command is
// reported to the client as a MSG error payload and Handle also returns an *UnknownCommandError.
// On a session that has already closed, Handle returns ErrSessionClosed and does nothing else.
func (s *TokenSession) Handle(ctx context.Context, cmd string, kwargs map[string]any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	switch cmd {
	case "GENERATE":
		return s.handleGenerate(ctx, kwargs)
	case "SCORE":
		return s.handleScore(ctx, kwargs)
	case "MODEL_INFO":
		return s.handleModelInfo(ctx, kwargs)
	case "CANCEL":
		return s.handleCancel(kwargs)
	default:
		streamID, _ := toInt(kwargs["stream_id"])
		err := &UnknownCommandError{Command: cmd}
		s.emitMsg(streamID, map[string]any{"error": err.Error()})
		return err
	}
}

func (s *TokenSession) handleGenerate(ctx context.Context, kwargs map[string]any) error {
	model, _ := kwargs["model"].(string)
	streamID, _ := toInt(kwargs["stream_id"])
	prompt := toIntSlice(kwargs["prompt"])
	logitBias := toLogitBias(kwargs["logit_bias"])
	delete(kwargs, "model")
	delete(kwargs, "stream_id")
	delete(kwargs, "prompt")
	delete(kwargs, "logit_bias")

	if !s.limiter.Allow() {
		s.emitMsg(streamID, map[string]any{"error": "rate limit exceeded"})
		return nil
	}

	sched, err := s.obtainScheduler(ctx, model)
	if err != nil {
		s.emitMsg(streamID, map[string]any{"error": err.Error()})
		return nil
	}

	call := NewGenerateCall(prompt, logitBias, kwargs, streamID, s.output)
	s.registerActive(streamID, call)
	sched.Put(call)
	return nil
}

func (s *TokenSession) handleScore(ctx context.Context, kwargs map[string]any) error {
	model, _ := kwargs["model"].(string)
	streamID, _ := toInt(kwargs["stream_id"])
	prompt := toIntSlice(kwargs["prompt"])
	scored := toIntSlice(kwargs["scored"])
	delete(kwargs, "model")
	delete(kwargs, "stream_id")
	delete(kwargs, "prompt")
	delete(kwargs, "scored")

	kwargs["score"] = true
	kwargs["scoring_offset"] = len(prompt)

	if !s.limiter.Allow() {
		s.emitMsg(streamID, map[string]any{"error": "rate limit exceeded"})
		return nil
	}

	sched, err := s.obtainScheduler(ctx, model)
	if err != nil {
		s.emitMsg(streamID, map[string]any{"error": err.Error()})
		return nil
	}

	full := make([]int, 0, len(prompt)+len(scored))
	full = append(full, prompt...)
	full = append(full, scored...)

	call := NewGenerateCall(full, nil, kwargs, streamID, s.output)
	s.registerActive(streamID, call)
	sched.Put(call)
	return nil
}

func (s *TokenSession) handleModelInfo(ctx context.Context, kwargs map[string]any) error {
	model, _ := kwargs["model"].(string)
	streamID, _ := toInt(kwargs["stream_id"])

	sched, err := s.obtainScheduler(ctx, model)
	if err != nil {
		if info, found := s.registry.RecallModelInfo(model, s.modelArgs); found {
			s.emitMsg(streamID, map[string]any{"model_info": info})
			return nil
		}
		s.emitMsg(streamID, map[string]any{"error": err.Error()})
		return nil
	}

	s.emitMsg(streamID, map[string]any{"model_info": sched.ModelInfo()})
	return nil
}

func (s *TokenSession) handleCancel(kwargs map[string]any) error {
	ackID, _ := toInt(kwargs["stream_id"])
	data, _ := kwargs["data"].(map[string]any)
	targetID, _ := toInt(data["stream_id"])

	if call, ok := s.popActive(targetID); ok {
		call.Cancel()
		s.emitMsg(ackID, map[string]any{"message": "cancel requested"})
		return nil
	}
	s.emitMsg(ackID, map[string]any{"message": fmt.Sprintf("no active stream with id %d", targetID)})
	return nil
}

// obtainScheduler looks up (model, s.modelArgs) via the registry, enforcing the session's static
// policy and recording model as used for Close's cleanup pass.
func (s *TokenSession) obtainScheduler(ctx context.Context, model string) (*Scheduler, error) {
	s.mu.Lock()
	s.usedModels[model] = struct{}{}
	s.mu.Unlock()
	return s.registry.Instance(ctx, model, s.modelArgs, s, s.static)
}

func (s *TokenSession) registerActive(streamID int, call *GenerateCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[streamID] = call
	metrics.StreamsActive.Inc()
}

func (s *TokenSession) popActive(streamID int) (*GenerateCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.active[streamID]
	if ok {
		delete(s.active, streamID)
		metrics.StreamsActive.Dec()
	}
	return call, ok
}

// pruneCompleted removes a call from the active table once its final TOKEN payload has been
// observed, so the table never retains a handle past its scheduling lifetime.
func (s *TokenSession) pruneCompleted(msg Message) {
	if msg.Kind != KindToken {
		return
	}
	streamID, ok := toInt(msg.Payload["stream_id"])
	if !ok {
		return
	}
	_, hasError := msg.Payload["error"]
	_, hasFinish := msg.Payload["finish_reason"]
	if hasError || hasFinish {
		s.mu.Lock()
		if _, ok := s.active[streamID]; ok {
			delete(s.active, streamID)
			metrics.StreamsActive.Dec()
		}
		s.mu.Unlock()
	}
}

func (s *TokenSession) emitMsg(streamID int, fields map[string]any) {
	payload := map[string]any{"stream_id": streamID}
	for k, v := range fields {
		payload[k] = v
	}
	select {
	case s.output <- Message{Kind: KindMsg, Payload: payload}:
	case <-s.doneCh:
	}
}

func (s *TokenSession) outputLoop(ctx context.Context) {
	for {
		select {
		case msg := <-s.output:
			s.pruneCompleted(msg)
			if err := s.transport.Send(msg.Kind, msg.Payload); err != nil {
				s.log.Errorw("transport send failed", logging.ValuesToKeyValuePairs(logging.Error(err))...)
				s.Close(context.Background())
				return
			}
		case <-ctx.Done():
			s.Close(context.Background())
			return
		case <-s.doneCh:
			return
		}
	}
}

// Close cancels every still-active call, unregisters the session from every scheduler it
// touched, and runs eviction: a lenient GC (respecting MinRetainedSchedulers) for a
// longrunning session, an aggressive GC(0) otherwise. Idempotent.
func (s *TokenSession) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for streamID, call := range s.active {
			call.Cancel()
			delete(s.active, streamID)
			metrics.StreamsActive.Dec()
		}
		models := make([]string, 0, len(s.usedModels))
		for m := range s.usedModels {
			models = append(models, m)
		}
		s.mu.Unlock()

		for _, m := range models {
			s.registry.Unregister(m, s.modelArgs, s)
		}

		minLoaded := 0
		if s.longrunning {
			minLoaded = s.cfg.MinRetainedSchedulers
		}
		if err := s.registry.GC(ctx, minLoaded); err != nil {
			s.log.Errorw("eviction after session close reported errors", logging.ValuesToKeyValuePairs(logging.Error(err))...)
		}

		metrics.SessionsActive.Dec()
		close(s.doneCh)
	})
}

func toIntSlice(v any) []int {
	switch t := v.(type) {
	case []int:
		return t
	case []any:
		out := make([]int, 0, len(t))
		for _, e := range t {
			if n, ok := toInt(e); ok {
				out = append(out, n)
			}
		}
		return out
	default:
		return nil
	}
}

func toLogitBias(v any) map[int]float64 {
	switch t := v.(type) {
	case map[int]float64:
		return t
	case map[string]any:
		out := make(map[int]float64, len(t))
		for k, raw := range t {
			var tok int
			if _, err := fmt.Sscanf(k, "%d", &tok); err != nil {
				continue
			}
			switch n := raw.(type) {
			case float64:
				out[tok] = n
			case float32:
				out[tok] = float64(n)
			case int:
				out[tok] = float64(n)
			}
		}
		return out
	default:
		return nil
	}
}
