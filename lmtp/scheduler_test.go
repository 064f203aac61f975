package lmtp_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/anthropic-lmtp/lmtp-scheduler/internal/backendtest"
	"github.com/anthropic-lmtp/lmtp-scheduler/lmtp"
)

var _ = Describe("Scheduler", func() {
	var (
		cfg     lmtp.Config
		backend *backendtest.FakeBackend
		loader  *backendtest.Loader
		sched   *lmtp.Scheduler
		ctx     context.Context
	)

	BeforeEach(func() {
		cfg = lmtp.DefaultConfig()
		cfg.CollectionWindow = 5 * time.Millisecond
		backend = backendtest.New(99, 8)
		loader = backendtest.NewLoader(backend)
		sched = lmtp.NewScheduler(cfg, "test-model", nil, loader, lmtp.Cooperative, nil)
		ctx = context.Background()
	})

	It("reports <unavailable> model info before the backend loads", func() {
		Expect(sched.ModelInfo()).To(Equal("<unavailable>"))
	})

	It("streams tokens for a single call to completion", func() {
		sink := make(chan lmtp.Message, 256)
		call := lmtp.NewGenerateCall([]int{1, 2, 3}, nil, map[string]any{"max_tokens": 3}, 1, sink)
		sched.Put(call)

		progressed := sched.Step(ctx)
		Expect(progressed).To(BeTrue())
		Expect(sched.ModelInfo()).To(ContainSubstring("fake-backend"))

		var last map[string]any
		for i := 0; i < 3; i++ {
			msg := <-sink
			last = msg.Payload
		}
		Expect(last["finish_reason"]).To(Equal("length"))
		Expect(backend.GenerateCalls()).To(Equal(1))
	})

	It("groups incompatible calls into separate batches within the same window", func() {
		sinkA := make(chan lmtp.Message, 256)
		sinkB := make(chan lmtp.Message, 256)
		callA := lmtp.NewGenerateCall([]int{1}, nil, map[string]any{"temperature": 0.0, "max_tokens": 1}, 1, sinkA)
		callB := lmtp.NewGenerateCall([]int{1}, nil, map[string]any{"temperature": 0.7, "max_tokens": 1}, 2, sinkB)
		sched.Put(callA)
		sched.Put(callB)

		sched.Step(ctx)

		Expect(backend.GenerateCalls()).To(Equal(2))
	})

	// S2: two compatible calls with prompts of different length are left-padded into one [2,3]
	// batch.
	It("left-pads compatible calls of different prompt length into one shared batch", func() {
		sinkA := make(chan lmtp.Message, 256)
		sinkB := make(chan lmtp.Message, 256)
		callA := lmtp.NewGenerateCall([]int{1, 2}, nil, map[string]any{"max_tokens": 1}, 1, sinkA)
		callB := lmtp.NewGenerateCall([]int{1, 2, 3}, nil, map[string]any{"max_tokens": 1}, 2, sinkB)
		sched.Put(callA)
		sched.Put(callB)

		sched.Step(ctx)

		Expect(backend.GenerateCalls()).To(Equal(1))
		Expect(backend.LastInputIDs()).To(Equal([][]int{{0, 1, 2}, {1, 2, 3}}))
	})

	It("fails every call in a batch when the backend returns an error", func() {
		backend.FailGenerate = errCustom("boom")
		sink := make(chan lmtp.Message, 16)
		call := lmtp.NewGenerateCall([]int{1}, nil, map[string]any{"max_tokens": 1}, 7, sink)
		sched.Put(call)

		sched.Step(ctx)

		msg := <-sink
		Expect(msg.Payload["error"]).To(ContainSubstring("boom"))
	})

	It("tracks user counts for registry-driven eviction", func() {
		Expect(sched.UserCount()).To(Equal(0))
		sched.AddUser(nil)
		Expect(sched.UserCount()).To(Equal(0), "a nil user must not be registered")
	})

	It("reports zero progress when the queue is empty", func() {
		Expect(sched.Step(ctx)).To(BeFalse())
	})
})

type errCustom string

func (e errCustom) Error() string { return string(e) }
