package lmtp_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/anthropic-lmtp/lmtp-scheduler/internal/backendtest"
	"github.com/anthropic-lmtp/lmtp-scheduler/lmtp"
)

// recordingTransport captures every payload sent to it, for assertions, and is safe for
// concurrent use by a session's single output loop and a test goroutine reading Sent().
type recordingTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	kind    string
	payload map[string]any
}

func (t *recordingTransport) Send(kind string, payload map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentMessage{kind: kind, payload: payload})
	return nil
}

func (t *recordingTransport) Sent() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *recordingTransport) tokensFor(streamID int) []map[string]any {
	var out []map[string]any
	for _, m := range t.Sent() {
		if m.kind != lmtp.KindToken {
			continue
		}
		if id, ok := m.payload["stream_id"].(int); ok && id == streamID {
			out = append(out, m.payload)
		}
	}
	return out
}

var _ = Describe("TokenSession", func() {
	var (
		cfg       lmtp.Config
		backend   *backendtest.FakeBackend
		loader    *backendtest.Loader
		registry  *lmtp.SchedulerRegistry
		transport *recordingTransport
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		cfg = lmtp.DefaultConfig()
		cfg.CollectionWindow = 5 * time.Millisecond
		cfg.IdlePollInterval = 2 * time.Millisecond
		backend = backendtest.New(2, 8)
		backend.Cancellable = true
		loader = backendtest.NewLoader(backend)
		registry = lmtp.NewSchedulerRegistry(cfg, loader, lmtp.Threaded, nil)
		transport = &recordingTransport{}
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	// S1: single generate against a backend that always emits token 42 until EOS on the 3rd step.
	It("streams three tokens and a terminal finish_reason for a single generate call", func() {
		backend.NextToken = func(row, step int) int {
			if step == 2 {
				return 2 // EOS
			}
			return 42
		}

		session := lmtp.NewTokenSession(ctx, cfg, registry, transport, nil, false, false, nil, nil)
		defer session.Close(ctx)

		Expect(session.Handle(ctx, "GENERATE", map[string]any{
			"model": "m", "stream_id": 1, "prompt": []any{10, 11, 12}, "max_tokens": 3,
		})).To(Succeed())

		Eventually(func() []map[string]any {
			return transport.tokensFor(1)
		}, time.Second, 5*time.Millisecond).Should(HaveLen(3))

		tokens := transport.tokensFor(1)
		Expect(tokens[0]["token"]).To(Equal(42))
		Expect(tokens[2]["finish_reason"]).To(Equal("stop"))
	})

	// S2/S3-adjacent: MODEL_INFO returns the backend's descriptor once the scheduler has loaded.
	It("answers MODEL_INFO with the backend's descriptor", func() {
		// Load the scheduler first: before its worker has loaded the backend, MODEL_INFO answers
		// "<unavailable>".
		sched, err := registry.Instance(ctx, "m", nil, nil, false)
		Expect(err).NotTo(HaveOccurred())
		Eventually(sched.ModelInfo, time.Second, 5*time.Millisecond).Should(ContainSubstring("fake-backend"))

		session := lmtp.NewTokenSession(ctx, cfg, registry, transport, nil, false, false, nil, nil)
		defer session.Close(ctx)

		Expect(session.Handle(ctx, "MODEL_INFO", map[string]any{"model": "m", "stream_id": 5})).To(Succeed())

		Eventually(func() []sentMessage { return transport.Sent() }, time.Second, 5*time.Millisecond).
			ShouldNot(BeEmpty())
		msg := transport.Sent()[0]
		Expect(msg.kind).To(Equal(lmtp.KindMsg))
		Expect(msg.payload["model_info"]).To(ContainSubstring("fake-backend"))
	})

	// S4: GENERATE followed by CANCEL before completion.
	It("cancels an in-flight stream and acknowledges the cancel request", func() {
		backend.NextToken = func(row, step int) int { return 42 } // never hits EOS on its own

		session := lmtp.NewTokenSession(ctx, cfg, registry, transport, nil, false, false, nil, nil)
		defer session.Close(ctx)

		Expect(session.Handle(ctx, "GENERATE", map[string]any{
			"model": "m", "stream_id": 1, "prompt": []any{1, 2}, "max_tokens": 1000,
		})).To(Succeed())

		Eventually(func() []map[string]any {
			return transport.tokensFor(1)
		}, time.Second, 5*time.Millisecond).ShouldNot(BeEmpty())

		Expect(session.Handle(ctx, "CANCEL", map[string]any{
			"stream_id": 2, "data": map[string]any{"stream_id": 1},
		})).To(Succeed())

		Eventually(func() []map[string]any {
			return transport.tokensFor(1)
		}, time.Second, 5*time.Millisecond).Should(ContainElement(HaveKeyWithValue("error", lmtp.ErrCancelled.Error())))

		Eventually(func() []sentMessage { return transport.Sent() }, time.Second, 5*time.Millisecond).
			Should(ContainElement(sentMessage{kind: lmtp.KindMsg, payload: map[string]any{"stream_id": 2, "message": "cancel requested"}}))
	})

	It("acknowledges a cancel for a stream id it no longer has, advisory-only", func() {
		session := lmtp.NewTokenSession(ctx, cfg, registry, transport, nil, false, false, nil, nil)
		defer session.Close(ctx)

		Expect(session.Handle(ctx, "CANCEL", map[string]any{
			"stream_id": 9, "data": map[string]any{"stream_id": 404},
		})).To(Succeed())

		Eventually(func() []sentMessage { return transport.Sent() }, time.Second, 5*time.Millisecond).
			ShouldNot(BeEmpty())
		msg := transport.Sent()[0]
		Expect(msg.payload["message"]).To(ContainSubstring("no active stream with id 404"))
	})

	// S5: a static session requesting an unloaded model is refused and no scheduler is created.
	It("refuses to load a new model for a static session", func() {
		session := lmtp.NewTokenSession(ctx, cfg, registry, transport, nil, true, false, nil, nil)
		defer session.Close(ctx)

		Expect(session.Handle(ctx, "GENERATE", map[string]any{
			"model": "unloaded", "stream_id": 1, "prompt": []any{1},
		})).To(Succeed())

		Eventually(func() []sentMessage { return transport.Sent() }, time.Second, 5*time.Millisecond).
			ShouldNot(BeEmpty())
		Expect(transport.Sent()[0].payload["error"]).To(ContainSubstring("not loaded"))
		Expect(registry.Len()).To(Equal(0))
	})

	It("reports an error payload for an unrecognized command", func() {
		session := lmtp.NewTokenSession(ctx, cfg, registry, transport, nil, false, false, nil, nil)
		defer session.Close(ctx)

		err := session.Handle(ctx, "BOGUS", map[string]any{"stream_id": 3})
		Expect(err).To(HaveOccurred())

		Eventually(func() []sentMessage { return transport.Sent() }, time.Second, 5*time.Millisecond).
			ShouldNot(BeEmpty())
		Expect(transport.Sent()[0].payload["error"]).NotTo(BeEmpty())
	})

	// S6: two models loaded on one session; closing a non-longrunning session evicts both.
	It("evicts every scheduler a non-longrunning session touched on close", func() {
		session := lmtp.NewTokenSession(ctx, cfg, registry, transport, nil, false, false, nil, nil)

		Expect(session.Handle(ctx, "MODEL_INFO", map[string]any{"model": "first", "stream_id": 1})).To(Succeed())
		Expect(session.Handle(ctx, "MODEL_INFO", map[string]any{"model": "second", "stream_id": 2})).To(Succeed())

		Eventually(func() int { return registry.Len() }, time.Second, 5*time.Millisecond).Should(Equal(2))

		session.Close(ctx)

		Eventually(func() int { return registry.Len() }, time.Second, 5*time.Millisecond).Should(Equal(0))
	})

	It("keeps schedulers alive after a longrunning session closes, up to the retention floor", func() {
		cfg.MinRetainedSchedulers = 2
		registry = lmtp.NewSchedulerRegistry(cfg, loader, lmtp.Threaded, nil)
		session := lmtp.NewTokenSession(ctx, cfg, registry, transport, nil, false, true, nil, nil)

		Expect(session.Handle(ctx, "MODEL_INFO", map[string]any{"model": "only", "stream_id": 1})).To(Succeed())
		Eventually(func() int { return registry.Len() }, time.Second, 5*time.Millisecond).Should(Equal(1))

		session.Close(ctx)

		Consistently(func() int { return registry.Len() }, 50*time.Millisecond, 5*time.Millisecond).Should(Equal(1))
	})

	It("cancels every still-active call on close", func() {
		backend.NextToken = func(row, step int) int { return 42 }
		session := lmtp.NewTokenSession(ctx, cfg, registry, transport, nil, false, false, nil, nil)

		Expect(session.Handle(ctx, "GENERATE", map[string]any{
			"model": "m", "stream_id": 1, "prompt": []any{1}, "max_tokens": 1000,
		})).To(Succeed())

		Eventually(func() []map[string]any {
			return transport.tokensFor(1)
		}, time.Second, 5*time.Millisecond).ShouldNot(BeEmpty())

		session.Close(ctx)

		Eventually(func() []map[string]any {
			return transport.tokensFor(1)
		}, time.Second, 5*time.Millisecond).Should(ContainElement(HaveKeyWithValue("error", lmtp.ErrCancelled.Error())))
	})
})
