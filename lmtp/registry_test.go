package lmtp_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/anthropic-lmtp/lmtp-scheduler/internal/backendtest"
	"github.com/anthropic-lmtp/lmtp-scheduler/lmtp"
)

var _ = Describe("SchedulerRegistry", func() {
	var (
		cfg    lmtp.Config
		loader *backendtest.Loader
		reg    *lmtp.SchedulerRegistry
		ctx    context.Context
	)

	BeforeEach(func() {
		cfg = lmtp.DefaultConfig()
		loader = backendtest.NewLoader(backendtest.New(99, 8))
		reg = lmtp.NewSchedulerRegistry(cfg, loader, lmtp.Cooperative, nil)
		ctx = context.Background()
	})

	It("loads a scheduler on first lookup and reuses it afterward", func() {
		s1, err := reg.Instance(ctx, "m", lmtp.ModelArgs{"a": 1}, nil, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Len()).To(Equal(1))

		s2, err := reg.Instance(ctx, "m", lmtp.ModelArgs{"a": 1}, nil, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(s2).To(BeIdenticalTo(s1))
		Expect(reg.Len()).To(Equal(1))
	})

	It("treats differently-ordered but equal model args as the same key", func() {
		s1, err := reg.Instance(ctx, "m", lmtp.ModelArgs{"a": 1, "b": 2}, nil, false)
		Expect(err).NotTo(HaveOccurred())
		s2, err := reg.Instance(ctx, "m", lmtp.ModelArgs{"b": 2, "a": 1}, nil, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(s2).To(BeIdenticalTo(s1))
	})

	It("refuses to load an unloaded model for a static session", func() {
		_, err := reg.Instance(ctx, "m", nil, nil, true)
		Expect(err).To(MatchError(lmtp.ErrCannotLoadByPolicy))
	})

	It("evicts a now-unused scheduler once the retained minimum is met, keeping schedulers still in use", func() {
		cfg.MinRetainedSchedulers = 2
		reg = lmtp.NewSchedulerRegistry(cfg, loader, lmtp.Cooperative, nil)

		sessionA := lmtp.NewTokenSession(ctx, cfg, reg, nopTransport{}, nil, false, false, nil, nil)
		sessionB := lmtp.NewTokenSession(ctx, cfg, reg, nopTransport{}, nil, false, false, nil, nil)
		defer sessionB.Close(ctx)

		Expect(sessionA.Handle(ctx, "MODEL_INFO", map[string]any{"model": "first", "stream_id": 1})).To(Succeed())
		_, err := reg.Instance(ctx, "second", nil, sessionB, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Len()).To(Equal(2))

		sessionA.Close(ctx)
		Expect(reg.Len()).To(Equal(1), "the now-unused first scheduler should have been evicted, leaving the one sessionB still holds")
	})

	It("keeps a scheduler alive while a session holds it", func() {
		cfg.MinRetainedSchedulers = 0
		reg = lmtp.NewSchedulerRegistry(cfg, loader, lmtp.Cooperative, nil)
		session := lmtp.NewTokenSession(ctx, cfg, reg, nopTransport{}, nil, false, false, nil, nil)
		defer session.Close(ctx)

		_, err := reg.Instance(ctx, "held", nil, session, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Len()).To(Equal(1))

		Expect(reg.GC(ctx, 0)).To(Succeed())
		Expect(reg.Len()).To(Equal(1), "a scheduler with a registered user must survive GC")
	})

	It("recalls model info for a short grace period after eviction", func() {
		cfg.MinRetainedSchedulers = 2
		reg = lmtp.NewSchedulerRegistry(cfg, loader, lmtp.Cooperative, nil)

		sched, err := reg.Instance(ctx, "echoed", nil, nil, false)
		Expect(err).NotTo(HaveOccurred())
		sched.Step(ctx)

		Expect(reg.GC(ctx, 0)).To(Succeed())
		Expect(reg.Len()).To(Equal(0))

		info, found := reg.RecallModelInfo("echoed", nil)
		Expect(found).To(BeTrue())
		Expect(info).To(ContainSubstring("fake-backend"))
	})
})

type nopTransport struct{}

func (nopTransport) Send(kind string, payload map[string]any) error { return nil }
